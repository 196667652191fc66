package wolt

import (
	"context"
	"fmt"
	"time"

	"github.com/yanivfranco/wolt-cibus-loader/internal/cibus"
	"github.com/yanivfranco/wolt-cibus-loader/internal/money"
	"github.com/yanivfranco/wolt-cibus-loader/internal/page"
	"github.com/yanivfranco/wolt-cibus-loader/internal/retry"
)

// SessionFactory opens a fresh browser session. The release func is
// called on every exit path once the session has been acquired.
type SessionFactory func(ctx context.Context) (page.Session, func(), error)

// LinkResolver produces the one-time login link, either from a caller
// hook or from the operator handshake.
type LinkResolver func(ctx context.Context) (string, error)

// BalanceFunc reads the remaining benefit balance from the provider.
type BalanceFunc func(ctx context.Context) (money.Amount, error)

// MailReader recovers the gift-card redemption code from mail received
// after the order was submitted.
type MailReader interface {
	GiftCardCode(ctx context.Context, after time.Time) (string, error)
}

type Config struct {
	// Balance overrides the provider balance read. Exactly one of
	// Balance and FetchBalance must be set.
	Balance      *money.Amount
	FetchBalance BalanceFunc

	// AllowCreditCharge permits choosing an offer priced above the
	// balance, charging the difference (bounded by MaxCreditCharge) to
	// the credit card on file.
	AllowCreditCharge bool
	MaxCreditCharge   money.Amount

	// SkipChallengeBalanceCheck disables the provider-balance
	// comparison inside the payment challenge. Only legal together with
	// a Balance override: an overridden balance has no provider reading
	// to compare against.
	SkipChallengeBalanceCheck bool

	// DryRun walks the flow through every validation but stops right
	// before the irreversible pay click.
	DryRun bool

	// RedeemCode retrieves and redeems the gift-card code after the
	// order is confirmed.
	RedeemCode bool

	ResolveLoginLink LinkResolver
	Mail             MailReader
	Cibus            cibus.Credentials
	NewSession       SessionFactory

	// CodeRetry bounds the gift-card mail poll (default 5 attempts).
	CodeRetry retry.Options
}

func (c *Config) validate() error {
	if (c.Balance == nil) == (c.FetchBalance == nil) {
		return fmt.Errorf("wolt: exactly one of balance override and balance source must be set")
	}
	if c.AllowCreditCharge && !c.MaxCreditCharge.IsPositive() {
		return fmt.Errorf("wolt: max credit charge required when credit charge is allowed")
	}
	if c.SkipChallengeBalanceCheck && c.Balance == nil {
		return fmt.Errorf("wolt: challenge balance check can only be skipped with an explicit balance override")
	}
	if c.ResolveLoginLink == nil {
		return fmt.Errorf("wolt: login link resolver required")
	}
	if c.NewSession == nil {
		return fmt.Errorf("wolt: session factory required")
	}
	if c.RedeemCode && c.Mail == nil {
		return fmt.Errorf("wolt: mail reader required when code redemption is enabled")
	}
	if err := c.Cibus.Validate(); err != nil {
		return err
	}
	return nil
}

func (c *Config) withDefaults() {
	if c.CodeRetry.Attempts <= 0 {
		c.CodeRetry.Attempts = 5
	}
	if c.CodeRetry.What == "" {
		c.CodeRetry.What = "gift card code poll"
	}
}

// Outcome is the terminal result of one run.
type Outcome struct {
	// Submitted is false for dry runs: the flow stopped deliberately
	// before the pay click.
	Submitted   bool
	OrderNumber string
	ReceiptURL  string
	// Code is the redeemed gift-card code, when redemption is enabled.
	Code    string
	Price   money.Amount
	Balance money.Amount
}
