// Command deploy builds woltload for the remote host, uploads the
// binary and a systemd unit plus timer over SSH, and manages the
// installed service.
package main

import (
	"bytes"
	"fmt"
	"log"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/yanivfranco/wolt-cibus-loader/internal/dotenv"
)

type config struct {
	sshServer   string
	sshPassword string
	sshKeyPath  string
	sshPort     string
	sshUseSudo  bool
	remoteDir   string
	serviceName string
	schedule    string
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := dotenv.Load(os.Getenv("DOTENV_FILE")); err != nil {
		log.Printf("[warn] %v", err)
	}

	cfg := loadConfig()

	if len(os.Args) < 2 {
		printHelp()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "deploy":
		deployService(cfg)
	case "restart":
		remote(cfg, "systemctl restart "+cfg.serviceName+".timer")
	case "stop":
		remote(cfg, "systemctl stop "+cfg.serviceName+".timer "+cfg.serviceName+".service")
	case "status":
		remote(cfg, "systemctl status --no-pager "+cfg.serviceName+".timer "+cfg.serviceName+".service")
	case "logs":
		remote(cfg, "journalctl -u "+cfg.serviceName+".service -n 120 --no-pager")
	case "follow":
		if err := runRemoteStreaming(cfg, "journalctl -u "+cfg.serviceName+".service -f"); err != nil {
			log.Fatalf("[fatal] %v", err)
		}
	case "run-once":
		remote(cfg, "systemctl start "+cfg.serviceName+".service")
	case "remove":
		removeService(cfg)
	case "help":
		printHelp()
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printHelp()
		os.Exit(1)
	}
}

func loadConfig() config {
	sshUseSudo := false
	if v := strings.TrimSpace(os.Getenv("SSH_USE_SUDO")); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			sshUseSudo = true
		}
	}

	return config{
		sshServer:   os.Getenv("SSH_SERVER"),
		sshPassword: os.Getenv("SSH_PASSWORD"),
		sshKeyPath:  os.Getenv("SSH_KEY_PATH"),
		sshPort:     firstNonEmpty(os.Getenv("SSH_PORT"), "22"),
		sshUseSudo:  sshUseSudo,
		remoteDir:   firstNonEmpty(os.Getenv("DEPLOY_REMOTE_DIR"), "/opt/wolt-cibus-loader"),
		serviceName: firstNonEmpty(os.Getenv("DEPLOY_SERVICE_NAME"), "wolt-cibus-loader"),
		schedule:    firstNonEmpty(os.Getenv("DEPLOY_SCHEDULE"), "monthly"),
	}
}

func printHelp() {
	fmt.Println(`Usage: deploy <command>

Commands:
  deploy    Build woltload, upload it with a systemd service + timer
  restart   Restart the timer
  stop      Stop the timer and the service
  status    Show timer and service status
  logs      Show recent service logs
  follow    Follow service logs in real-time
  run-once  Trigger one run now
  remove    Uninstall the service and timer
  help      Show this help

Configuration via .env:
  SSH_SERVER          user@host (required)
  SSH_PASSWORD        Password for SSH (or use SSH_KEY_PATH)
  SSH_KEY_PATH        Path to SSH private key
  SSH_PORT            SSH port (default: 22)
  SSH_USE_SUDO        Use sudo for remote commands (1/true/yes)
  DEPLOY_REMOTE_DIR   Remote directory (default: /opt/wolt-cibus-loader)
  DEPLOY_SERVICE_NAME Service name (default: wolt-cibus-loader)
  DEPLOY_SCHEDULE     systemd OnCalendar spec (default: monthly)`)
}

func remote(cfg config, cmd string) {
	output, err := runRemote(cfg, cmd)
	if output != "" {
		fmt.Print(output)
	}
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}
}

func deployService(cfg config) {
	goarch, err := remoteArch(cfg)
	if err != nil {
		log.Fatalf("[fatal] remote arch: %v", err)
	}
	fmt.Printf("Remote architecture: %s\n", goarch)

	binaryPath, err := buildBinary("woltload", goarch)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}
	fmt.Printf("Built: %s\n", binaryPath)

	balancePath, err := buildBinary("balance", goarch)
	if err != nil {
		log.Printf("[warn] build balance utility: %v", err)
	}

	if _, err := runRemote(cfg, "mkdir -p "+cfg.remoteDir+" "+cfg.remoteDir+"/out"); err != nil {
		log.Fatalf("[fatal] create remote dirs: %v", err)
	}

	fmt.Println("Uploading binaries...")
	if err := uploadFile(cfg, binaryPath, cfg.remoteDir+"/woltload"); err != nil {
		log.Fatalf("[fatal] upload woltload: %v", err)
	}
	if balancePath != "" {
		if err := uploadFile(cfg, balancePath, cfg.remoteDir+"/balance"); err != nil {
			log.Printf("[warn] upload balance utility: %v", err)
		}
	}
	if _, err := os.Stat(".env"); err == nil {
		fmt.Println("Uploading .env...")
		if err := uploadFile(cfg, ".env", cfg.remoteDir+"/.env"); err != nil {
			log.Fatalf("[fatal] upload .env: %v", err)
		}
	}
	if _, err := runRemote(cfg, "chmod +x "+cfg.remoteDir+"/woltload "+cfg.remoteDir+"/balance 2>/dev/null || chmod +x "+cfg.remoteDir+"/woltload"); err != nil {
		log.Fatalf("[fatal] chmod: %v", err)
	}

	fmt.Println("Installing systemd unit and timer...")
	if err := uploadContent(cfg, systemdUnit(cfg), "/etc/systemd/system/"+cfg.serviceName+".service"); err != nil {
		log.Fatalf("[fatal] install unit: %v", err)
	}
	if err := uploadContent(cfg, systemdTimer(cfg), "/etc/systemd/system/"+cfg.serviceName+".timer"); err != nil {
		log.Fatalf("[fatal] install timer: %v", err)
	}
	if _, err := runRemote(cfg, "systemctl daemon-reload && systemctl enable --now "+cfg.serviceName+".timer"); err != nil {
		log.Fatalf("[fatal] enable timer: %v", err)
	}

	fmt.Printf("Deployed %s (schedule: %s)\n", cfg.serviceName, cfg.schedule)
}

func removeService(cfg config) {
	if _, err := runRemote(cfg, "systemctl disable --now "+cfg.serviceName+".timer; systemctl stop "+cfg.serviceName+".service"); err != nil {
		log.Printf("[warn] stop service: %v", err)
	}
	if _, err := runRemote(cfg, "rm -f /etc/systemd/system/"+cfg.serviceName+".service /etc/systemd/system/"+cfg.serviceName+".timer && systemctl daemon-reload"); err != nil {
		log.Fatalf("[fatal] remove units: %v", err)
	}
	fmt.Printf("Removed %s\n", cfg.serviceName)
}

func systemdUnit(cfg config) string {
	return fmt.Sprintf(`[Unit]
Description=Wolt gift card loader
After=network-online.target
Wants=network-online.target

[Service]
Type=oneshot
WorkingDirectory=%s
ExecStart=%s/woltload -redeem
Environment=DOTENV_FILE=%s/.env

[Install]
WantedBy=multi-user.target
`, cfg.remoteDir, cfg.remoteDir, cfg.remoteDir)
}

func systemdTimer(cfg config) string {
	return fmt.Sprintf(`[Unit]
Description=Wolt gift card loader schedule

[Timer]
OnCalendar=%s
Persistent=true

[Install]
WantedBy=timers.target
`, cfg.schedule)
}

func sshClient(cfg config) (*ssh.Client, error) {
	if cfg.sshServer == "" {
		return nil, fmt.Errorf("SSH_SERVER not configured in .env")
	}

	var authMethods []ssh.AuthMethod
	if cfg.sshKeyPath != "" {
		keyPath := cfg.sshKeyPath
		if strings.HasPrefix(keyPath, "~") {
			home, _ := os.UserHomeDir()
			keyPath = filepath.Join(home, keyPath[1:])
		}
		key, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("read SSH key %s: %w", keyPath, err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse SSH key: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	} else if cfg.sshPassword != "" {
		authMethods = append(authMethods, ssh.Password(cfg.sshPassword))
	} else {
		return nil, fmt.Errorf("SSH_PASSWORD or SSH_KEY_PATH required in .env")
	}

	parts := strings.SplitN(cfg.sshServer, "@", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("SSH_SERVER must be user@host format, got: %s", cfg.sshServer)
	}

	sshConfig := &ssh.ClientConfig{
		User:            parts[0],
		Auth:            authMethods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}

	addr := net.JoinHostPort(parts[1], cfg.sshPort)
	client, err := ssh.Dial("tcp", addr, sshConfig)
	if err != nil {
		return nil, fmt.Errorf("SSH connect to %s: %w", addr, err)
	}
	return client, nil
}

func runRemote(cfg config, cmd string) (string, error) {
	client, err := sshClient(cfg)
	if err != nil {
		return "", err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("create SSH session: %w", err)
	}
	defer session.Close()

	if cfg.sshUseSudo {
		cmd = "sudo -n sh -c " + shellQuote(cmd)
	}

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	err = session.Run(cmd)
	output := stdout.String() + stderr.String()
	if err != nil {
		return output, fmt.Errorf("remote command failed: %w\nOutput: %s", err, output)
	}
	return output, nil
}

func runRemoteStreaming(cfg config, cmd string) error {
	client, err := sshClient(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("create SSH session: %w", err)
	}
	defer session.Close()

	if cfg.sshUseSudo {
		cmd = "sudo -n sh -c " + shellQuote(cmd)
	}
	session.Stdout = os.Stdout
	session.Stderr = os.Stderr
	return session.Run(cmd)
}

func remoteArch(cfg config) (string, error) {
	output, err := runRemote(cfg, "uname -m")
	if err != nil {
		return "", err
	}
	switch strings.TrimSpace(output) {
	case "x86_64":
		return "amd64", nil
	case "aarch64", "arm64":
		return "arm64", nil
	default:
		return "", fmt.Errorf("unsupported remote architecture: %s", strings.TrimSpace(output))
	}
}

func buildBinary(cmdName, goarch string) (string, error) {
	outDir := filepath.Join("out", "deploy", cmdName)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	binaryPath := filepath.Join(outDir, cmdName)

	fmt.Printf("Building %s for linux/%s...\n", cmdName, goarch)
	cmd := exec.Command("go", "build", "-trimpath", "-ldflags=-s -w", "-o", binaryPath, "./cmd/"+cmdName)
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0", "GOOS=linux", "GOARCH="+goarch)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("build failed: %w", err)
	}
	return binaryPath, nil
}

func uploadFile(cfg config, localPath, remotePath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("read local file: %w", err)
	}
	return uploadContent(cfg, string(data), remotePath)
}

// uploadContent streams through cat: simpler than the full SCP protocol
// and works on any host with a shell. With sudo it lands in /tmp first.
func uploadContent(cfg config, content, remotePath string) error {
	client, err := sshClient(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("create SSH session: %w", err)
	}
	defer session.Close()

	target := remotePath
	if cfg.sshUseSudo {
		target = "/tmp/" + filepath.Base(remotePath) + ".upload"
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		return fmt.Errorf("get stdin pipe: %w", err)
	}
	if err := session.Start("cat > " + target); err != nil {
		return fmt.Errorf("start remote command: %w", err)
	}
	if _, err := stdin.Write([]byte(content)); err != nil {
		return fmt.Errorf("write data: %w", err)
	}
	stdin.Close()
	if err := session.Wait(); err != nil {
		return fmt.Errorf("remote command failed: %w", err)
	}

	if cfg.sshUseSudo {
		if _, err := runRemote(cfg, "mv "+target+" "+remotePath); err != nil {
			return fmt.Errorf("move file with sudo: %w", err)
		}
	}
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
