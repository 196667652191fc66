// Command balance prints the remaining Cibus benefit balance.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/yanivfranco/wolt-cibus-loader/internal/cdp"
	"github.com/yanivfranco/wolt-cibus-loader/internal/cibus"
	"github.com/yanivfranco/wolt-cibus-loader/internal/dotenv"
	"github.com/yanivfranco/wolt-cibus-loader/internal/page"
)

func main() {
	log.SetFlags(0)

	if err := dotenv.Load(os.Getenv("DOTENV_FILE")); err != nil {
		log.Printf("[warn] %v", err)
	}

	var chromeFlag string
	var headless bool
	flag.StringVar(&chromeFlag, "chrome", os.Getenv("CHROME_PATH"), "Chrome/Chromium binary path (default: discovered)")
	flag.BoolVar(&headless, "headless", true, "Run the browser headless")
	flag.Parse()

	creds := cibus.Credentials{
		Username: strings.TrimSpace(os.Getenv("CIBUS_USERNAME")),
		Password: os.Getenv("CIBUS_PASSWORD"),
		Company:  strings.TrimSpace(os.Getenv("CIBUS_COMPANY")),
	}
	if err := creds.Validate(); err != nil {
		log.Fatalf("[fatal] %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	browser, err := cdp.Launch(ctx, cdp.LaunchOptions{ExecPath: strings.TrimSpace(chromeFlag), Headless: headless})
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}
	defer browser.Close()

	client, err := cdp.Dial(ctx, browser.WebSocketURL())
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}
	defer client.Close()

	session, err := page.NewSession(ctx, client)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}
	defer session.Close(ctx)

	balance, err := cibus.FetchBalance(ctx, session, creds)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}

	fmt.Printf("cibus_balance: %s (agorot=%d)\n", balance, balance.Agorot())
}
