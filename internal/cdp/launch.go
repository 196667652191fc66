package cdp

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Defaults match what the storefront needs: a viewport narrower than
// ~1100px flips it into the mobile layout and breaks the flow, and the
// challenge iframe is only scriptable with web security disabled.
const (
	defaultWindowWidth  = 1100
	defaultWindowHeight = 800
)

var chromeCandidates = []string{
	"chromium",
	"chromium-browser",
	"google-chrome",
	"google-chrome-stable",
}

type LaunchOptions struct {
	// ExecPath overrides browser binary discovery.
	ExecPath string
	Headless bool
	// ExtraArgs are appended after the defaults.
	ExtraArgs []string
	// StartupTimeout bounds the wait for the DevTools endpoint (default 20s).
	StartupTimeout time.Duration
}

// Browser is a launched Chrome/Chromium process exposing the DevTools
// protocol over a websocket.
type Browser struct {
	cmd         *exec.Cmd
	wsURL       string
	userDataDir string
}

func (b *Browser) WebSocketURL() string { return b.wsURL }

// Close terminates the browser process and removes its temporary profile.
func (b *Browser) Close() error {
	var firstErr error
	if b.cmd != nil && b.cmd.Process != nil {
		if err := b.cmd.Process.Kill(); err != nil {
			firstErr = err
		}
		_ = b.cmd.Wait()
	}
	if b.userDataDir != "" {
		if err := os.RemoveAll(b.userDataDir); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Launch starts a browser with remote debugging enabled and waits for it
// to announce its DevTools websocket endpoint.
func Launch(ctx context.Context, opts LaunchOptions) (*Browser, error) {
	execPath := strings.TrimSpace(opts.ExecPath)
	if execPath == "" {
		for _, name := range chromeCandidates {
			if p, err := exec.LookPath(name); err == nil {
				execPath = p
				break
			}
		}
	}
	if execPath == "" {
		return nil, fmt.Errorf("cdp: no chrome/chromium binary found (set CHROME_PATH)")
	}

	userDataDir, err := os.MkdirTemp("", "woltload-chrome-")
	if err != nil {
		return nil, fmt.Errorf("cdp: temp profile: %w", err)
	}

	args := []string{
		"--remote-debugging-port=0",
		"--user-data-dir=" + userDataDir,
		fmt.Sprintf("--window-size=%d,%d", defaultWindowWidth, defaultWindowHeight),
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-web-security",
		"--disable-features=IsolateOrigins,site-per-process",
	}
	if opts.Headless {
		args = append(args, "--headless=new", "--no-sandbox", "--disable-gpu")
	}
	args = append(args, opts.ExtraArgs...)

	cmd := exec.CommandContext(ctx, execPath, args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = os.RemoveAll(userDataDir)
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		_ = os.RemoveAll(userDataDir)
		return nil, fmt.Errorf("cdp: start %s: %w", execPath, err)
	}

	b := &Browser{cmd: cmd, userDataDir: userDataDir}

	startupTimeout := opts.StartupTimeout
	if startupTimeout <= 0 {
		startupTimeout = 20 * time.Second
	}

	wsCh := make(chan string, 1)
	go func() {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			line := sc.Text()
			if u, ok := parseDevToolsLine(line); ok {
				select {
				case wsCh <- u:
				default:
				}
				// Keep draining so the process doesn't block on a full pipe.
			}
		}
	}()

	select {
	case wsURL := <-wsCh:
		b.wsURL = wsURL
		return b, nil
	case <-time.After(startupTimeout):
		_ = b.Close()
		return nil, fmt.Errorf("cdp: browser did not announce a DevTools endpoint within %s", startupTimeout)
	case <-ctx.Done():
		_ = b.Close()
		return nil, ctx.Err()
	}
}

// parseDevToolsLine extracts the websocket URL from the
// "DevTools listening on ws://..." startup line.
func parseDevToolsLine(line string) (string, bool) {
	const marker = "DevTools listening on "
	i := strings.Index(line, marker)
	if i < 0 {
		return "", false
	}
	u := strings.TrimSpace(line[i+len(marker):])
	if !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
		return "", false
	}
	return u, true
}
