// Package cibus binds the benefit provider's two surfaces: the consumer
// site (balance scrape) and the payment-challenge iframe embedded in the
// storefront checkout.
package cibus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/yanivfranco/wolt-cibus-loader/internal/money"
	"github.com/yanivfranco/wolt-cibus-loader/internal/page"
)

const consumerURL = "https://www.mysodexo.co.il"

// Both the consumer site and the challenge iframe render the same ASP.NET
// login form and user-info header.
const (
	selUsername = "#txtUserName"
	selPassword = "#txtPassword"
	selCompany  = "#txtCompany"
	selSubmit   = "#btnSubmit"

	selBalance = "#divUserInfo > big"
	// selChallengePrice is the order total inside the challenge.
	selChallengePrice = "#hSubTitle"
	// selCreditCharge only exists when part of the price falls on the
	// credit card.
	selCreditCharge = "header > label"

	SelPayButton = "#btnPay"
)

const loginWait = 20 * time.Second

type Credentials struct {
	Username string
	Password string
	Company  string
}

func (c Credentials) Validate() error {
	if c.Username == "" || c.Password == "" || c.Company == "" {
		return fmt.Errorf("cibus: username, password and company are all required")
	}
	return nil
}

// Login fills the provider login form in the given scope (consumer page
// or challenge iframe).
func Login(ctx context.Context, s page.Session, creds Credentials) error {
	if err := s.WaitVisible(ctx, selUsername, loginWait); err != nil {
		return fmt.Errorf("cibus login form: %w", err)
	}
	if err := s.Type(ctx, selUsername, creds.Username); err != nil {
		return err
	}
	if err := s.Type(ctx, selPassword, creds.Password); err != nil {
		return err
	}
	if err := s.Type(ctx, selCompany, creds.Company); err != nil {
		return err
	}
	return s.Click(ctx, selSubmit)
}

// FetchBalance logs in to the consumer site and reads the remaining
// benefit balance. It is a read-only operation, safe to retry.
func FetchBalance(ctx context.Context, s page.Session, creds Credentials) (money.Amount, error) {
	if err := creds.Validate(); err != nil {
		return 0, err
	}
	if err := s.Navigate(ctx, consumerURL); err != nil {
		return 0, err
	}
	if err := Login(ctx, s, creds); err != nil {
		return 0, err
	}
	if err := s.WaitVisible(ctx, selBalance, loginWait); err != nil {
		return 0, fmt.Errorf("cibus balance element: %w", err)
	}
	text, err := s.Text(ctx, selBalance)
	if err != nil {
		return 0, err
	}
	balance, err := money.Parse(text)
	if err != nil {
		return 0, fmt.Errorf("cibus balance: %w", err)
	}
	return balance, nil
}

// ChallengePrice reads the order total from the challenge iframe. It
// requires exactly one price node; zero or several means the challenge
// rendered something unexpected and no money should move.
func ChallengePrice(ctx context.Context, frame page.Session) (money.Amount, error) {
	texts, err := frame.Texts(ctx, selChallengePrice)
	if err != nil {
		return 0, err
	}
	if len(texts) != 1 {
		return 0, fmt.Errorf("cibus challenge: found %d price elements, want exactly 1", len(texts))
	}
	price, err := money.Parse(texts[0])
	if err != nil {
		return 0, fmt.Errorf("cibus challenge price: %w", err)
	}
	return price, nil
}

// ChallengeBalance reads the provider's own view of the remaining balance
// from the challenge iframe.
func ChallengeBalance(ctx context.Context, frame page.Session) (money.Amount, error) {
	text, err := frame.Text(ctx, selBalance)
	if err != nil {
		return 0, err
	}
	balance, err := money.Parse(text)
	if err != nil {
		return 0, fmt.Errorf("cibus challenge balance: %w", err)
	}
	return balance, nil
}

// CreditCharge reports the residual amount the challenge would charge to
// the credit card, if any. The label reads "<caption>: 12.5 ש"ח".
func CreditCharge(ctx context.Context, frame page.Session) (money.Amount, bool, error) {
	texts, err := frame.Texts(ctx, selCreditCharge)
	if err != nil {
		return 0, false, err
	}
	if len(texts) == 0 {
		return 0, false, nil
	}

	amount, err := parseCreditLabel(texts[0])
	if err != nil {
		return 0, false, err
	}
	return amount, true, nil
}

func parseCreditLabel(text string) (money.Amount, error) {
	_, after, found := strings.Cut(text, ":")
	if !found {
		return 0, fmt.Errorf("cibus credit label %q: missing separator", text)
	}
	amount, err := money.Parse(after)
	if err != nil {
		return 0, fmt.Errorf("cibus credit label: %w", err)
	}
	return amount, nil
}
