// Command woltload purchases a Wolt gift card with the Cibus benefit
// balance: it resolves the balance, picks the best-fitting offer, walks
// the checkout with price re-validation at every step, and optionally
// redeems the gift-card code from the confirmation mail.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/yanivfranco/wolt-cibus-loader/internal/cdp"
	"github.com/yanivfranco/wolt-cibus-loader/internal/cibus"
	"github.com/yanivfranco/wolt-cibus-loader/internal/dotenv"
	"github.com/yanivfranco/wolt-cibus-loader/internal/gmail"
	"github.com/yanivfranco/wolt-cibus-loader/internal/handshake"
	"github.com/yanivfranco/wolt-cibus-loader/internal/money"
	"github.com/yanivfranco/wolt-cibus-loader/internal/page"
	"github.com/yanivfranco/wolt-cibus-loader/internal/runlog"
	"github.com/yanivfranco/wolt-cibus-loader/internal/telegram"
	"github.com/yanivfranco/wolt-cibus-loader/internal/wolt"
)

const defaultRunLogFile = "./out/runs.jsonl"

type args struct {
	dryRun bool
	redeem bool

	balanceOverride           *money.Amount
	allowCreditCharge         bool
	maxCreditCharge           money.Amount
	skipChallengeBalanceCheck bool

	magicLink string
	every     time.Duration

	ackTimeout time.Duration
	ackResend  time.Duration

	chromePath string
	headless   bool
	outFile    string

	cibus cibus.Credentials

	telegramToken  string
	telegramChatID int64

	gmail gmail.Credentials
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := dotenv.Load(os.Getenv("DOTENV_FILE")); err != nil {
		log.Printf("[warn] %v", err)
	}

	parsed, err := parseArgs()
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}

	runLog, err := runlog.Open(parsed.outFile)
	if err != nil {
		log.Fatalf("[fatal] open run log: %v", err)
	}
	if runLog != nil {
		log.Printf("[cfg] run log: %s (JSONL)", parsed.outFile)
		defer func() {
			if err := runLog.Close(); err != nil {
				log.Printf("[warn] run log close: %v", err)
			}
		}()
	}

	log.Printf("[cfg] dry-run: %v", parsed.dryRun)
	log.Printf("[cfg] redeem code: %v", parsed.redeem)
	if parsed.balanceOverride != nil {
		log.Printf("[cfg] balance override: %s", *parsed.balanceOverride)
	}
	log.Printf("[cfg] credit charge: allowed=%v max=%s", parsed.allowCreditCharge, parsed.maxCreditCharge)
	if parsed.every > 0 {
		log.Printf("[cfg] scheduled: every %s", parsed.every)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		log.Printf("Shutting down...")
		cancel()
	}()

	if parsed.every <= 0 {
		if err := runOnce(ctx, parsed, runLog); err != nil {
			log.Fatalf("[fatal] %v", err)
		}
		return
	}

	// Scheduled mode: one purchase per interval, skipping nothing on
	// failure. A zero-balance run is normal between benefit top-ups.
	ticker := time.NewTicker(parsed.every)
	defer ticker.Stop()
	for {
		if err := runOnce(ctx, parsed, runLog); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[warn] run failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func runOnce(ctx context.Context, parsed args, runLog *runlog.Log) error {
	runID := uuid.NewString()
	log.Printf("[info] run %s starting", runID)
	if err := runLog.Started(runID, parsed.dryRun); err != nil {
		log.Printf("[warn] run log: %v", err)
	}

	newSession := sessionFactory(parsed)

	var mail *gmail.Client
	if parsed.redeem || parsed.magicLink == "" {
		var err error
		mail, err = gmail.NewClient(ctx, parsed.gmail)
		if err != nil {
			return err
		}
	}

	resolver, err := linkResolver(parsed, mail)
	if err != nil {
		return err
	}

	cfg := wolt.Config{
		Balance:                   parsed.balanceOverride,
		AllowCreditCharge:         parsed.allowCreditCharge,
		MaxCreditCharge:           parsed.maxCreditCharge,
		SkipChallengeBalanceCheck: parsed.skipChallengeBalanceCheck,
		DryRun:                    parsed.dryRun,
		RedeemCode:                parsed.redeem,
		ResolveLoginLink:          resolver,
		Cibus:                     parsed.cibus,
		NewSession:                newSession,
	}
	if parsed.redeem {
		cfg.Mail = mail
	}
	if parsed.balanceOverride == nil {
		cfg.FetchBalance = func(ctx context.Context) (money.Amount, error) {
			s, release, err := newSession(ctx)
			if err != nil {
				return 0, err
			}
			defer release()
			return cibus.FetchBalance(ctx, s, parsed.cibus)
		}
	}

	loader, err := wolt.New(cfg)
	if err != nil {
		return err
	}

	out, err := loader.Run(ctx)
	if err != nil {
		if errors.Is(err, wolt.ErrZeroBalance) {
			log.Printf("[info] run %s: %v", runID, err)
		}
		if logErr := runLog.Failed(runID, out, err); logErr != nil {
			log.Printf("[warn] run log: %v", logErr)
		}
		return err
	}

	if err := runLog.Finished(runID, out); err != nil {
		log.Printf("[warn] run log: %v", err)
	}
	if out.Submitted {
		log.Printf("[info] run %s done: order %s for %s (receipt %s)", runID, out.OrderNumber, out.Price, out.ReceiptURL)
	} else {
		log.Printf("[info] run %s done: dry run, would buy %s with balance %s", runID, out.Price, out.Balance)
	}
	return nil
}

// sessionFactory launches a fresh browser per session so no state leaks
// between runs, and tears the whole stack down on release.
func sessionFactory(parsed args) wolt.SessionFactory {
	return func(ctx context.Context) (page.Session, func(), error) {
		browser, err := cdp.Launch(ctx, cdp.LaunchOptions{
			ExecPath: parsed.chromePath,
			Headless: parsed.headless,
		})
		if err != nil {
			return nil, nil, err
		}
		client, err := cdp.Dial(ctx, browser.WebSocketURL())
		if err != nil {
			browser.Close()
			return nil, nil, err
		}
		session, err := page.NewSession(ctx, client)
		if err != nil {
			client.Close()
			browser.Close()
			return nil, nil, err
		}
		release := func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := session.Close(closeCtx); err != nil {
				log.Printf("[warn] close session: %v", err)
			}
			client.Close()
			if err := browser.Close(); err != nil {
				log.Printf("[warn] close browser: %v", err)
			}
		}
		return session, release, nil
	}
}

func linkResolver(parsed args, mail *gmail.Client) (wolt.LinkResolver, error) {
	if parsed.magicLink != "" {
		link := parsed.magicLink
		return func(ctx context.Context) (string, error) { return link, nil }, nil
	}

	bot, err := telegram.NewClient(parsed.telegramToken, parsed.telegramChatID)
	if err != nil {
		return nil, err
	}
	coordinator, err := handshake.New(bot, mail.MagicLink, handshake.Config{
		ResendInterval: parsed.ackResend,
		Timeout:        parsed.ackTimeout,
	})
	if err != nil {
		return nil, err
	}
	return coordinator.Resolve, nil
}

func parseArgs() (args, error) {
	var (
		dryRunFlag  bool
		redeemFlag  bool
		balanceFlag string
		allowFlag   bool
		maxFlag     string
		skipFlag    bool
		linkFlag    string
		everyFlag   time.Duration
		ackTimeout  time.Duration
		ackResend   time.Duration
		chromeFlag  string
		headless    bool
		outFlag     string
	)

	flag.BoolVar(&dryRunFlag, "dry-run", envBool("DRY_RUN", false), "Walk the flow and validate but never click pay")
	flag.BoolVar(&redeemFlag, "redeem", envBool("REDEEM_CODE", false), "Redeem the gift-card code from mail after the order")
	flag.StringVar(&balanceFlag, "balance", os.Getenv("BALANCE_OVERRIDE"), "Balance override, e.g. ₪75 or 75.5 (skips the Cibus balance read)")
	flag.BoolVar(&allowFlag, "allow-credit-charge", envBool("ALLOW_CREDIT_CHARGE", false), "Allow buying above the balance, charging the rest to the credit card")
	flag.StringVar(&maxFlag, "max-credit-charge", os.Getenv("MAX_CREDIT_CHARGE"), "Maximum credit card charge, e.g. ₪10")
	flag.BoolVar(&skipFlag, "skip-challenge-balance-check", false, "Skip the Cibus balance comparison inside the payment challenge (default: set when -balance is given)")
	flag.StringVar(&linkFlag, "magic-link", os.Getenv("MAGIC_LINK"), "Wolt login link (skips the operator handshake)")
	flag.DurationVar(&everyFlag, "every", 0, "Run on this interval instead of once (e.g. 720h)")
	flag.DurationVar(&ackTimeout, "ack-timeout", 5*time.Minute, "How long to wait for the operator to acknowledge the login prompt")
	flag.DurationVar(&ackResend, "ack-resend", time.Minute, "How often to resend the login prompt")
	flag.StringVar(&chromeFlag, "chrome", os.Getenv("CHROME_PATH"), "Chrome/Chromium binary path (default: discovered)")
	flag.BoolVar(&headless, "headless", envBool("HEADLESS", true), "Run the browser headless")
	flag.StringVar(&outFlag, "out", "", "Run log path (JSONL; blank disables)")
	flag.Parse()

	parsed := args{
		dryRun:     dryRunFlag,
		redeem:     redeemFlag,
		magicLink:  strings.TrimSpace(linkFlag),
		every:      everyFlag,
		ackTimeout: ackTimeout,
		ackResend:  ackResend,
		chromePath: strings.TrimSpace(chromeFlag),
		headless:   headless,
	}

	if s := strings.TrimSpace(balanceFlag); s != "" {
		amount, err := money.Parse(s)
		if err != nil {
			return args{}, fmt.Errorf("invalid balance override %q: %w", s, err)
		}
		parsed.balanceOverride = &amount
	}
	parsed.allowCreditCharge = allowFlag
	if s := strings.TrimSpace(maxFlag); s != "" {
		amount, err := money.Parse(s)
		if err != nil {
			return args{}, fmt.Errorf("invalid max credit charge %q: %w", s, err)
		}
		parsed.maxCreditCharge = amount
	}

	// An explicit flag always wins; otherwise skipping follows the
	// balance override, which has no provider reading to compare.
	parsed.skipChallengeBalanceCheck = parsed.balanceOverride != nil
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "skip-challenge-balance-check" {
			parsed.skipChallengeBalanceCheck = skipFlag
		}
	})

	parsed.outFile = strings.TrimSpace(outFlag)
	if parsed.outFile == "" {
		parsed.outFile = strings.TrimSpace(os.Getenv("RUN_LOG_FILE"))
	}
	if parsed.outFile == "" {
		parsed.outFile = defaultRunLogFile
	}

	parsed.cibus = cibus.Credentials{
		Username: strings.TrimSpace(os.Getenv("CIBUS_USERNAME")),
		Password: os.Getenv("CIBUS_PASSWORD"),
		Company:  strings.TrimSpace(os.Getenv("CIBUS_COMPANY")),
	}
	if err := parsed.cibus.Validate(); err != nil {
		return args{}, err
	}

	needMail := parsed.redeem || parsed.magicLink == ""
	if needMail {
		parsed.gmail = gmail.Credentials{
			ClientID:     strings.TrimSpace(os.Getenv("GMAIL_CLIENT_ID")),
			ClientSecret: strings.TrimSpace(os.Getenv("GMAIL_CLIENT_SECRET")),
			RefreshToken: strings.TrimSpace(os.Getenv("GMAIL_REFRESH_TOKEN")),
		}
		if parsed.gmail.ClientID == "" || parsed.gmail.ClientSecret == "" || parsed.gmail.RefreshToken == "" {
			return args{}, fmt.Errorf("gmail credentials required (set GMAIL_CLIENT_ID/GMAIL_CLIENT_SECRET/GMAIL_REFRESH_TOKEN)")
		}
	}

	if parsed.magicLink == "" {
		parsed.telegramToken = strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN"))
		chatID := strings.TrimSpace(os.Getenv("TELEGRAM_CHAT_ID"))
		if parsed.telegramToken == "" || chatID == "" {
			return args{}, fmt.Errorf("telegram credentials required for the login handshake (set TELEGRAM_BOT_TOKEN/TELEGRAM_CHAT_ID, or pass -magic-link)")
		}
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return args{}, fmt.Errorf("invalid TELEGRAM_CHAT_ID %q: %w", chatID, err)
		}
		parsed.telegramChatID = id
	}

	return parsed, nil
}

func envBool(name string, def bool) bool {
	s := strings.TrimSpace(os.Getenv(name))
	if s == "" {
		return def
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return def
	}
	return v
}
