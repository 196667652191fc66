// Package wolt drives the gift-card checkout end to end: a strict
// sequence of checkpoints where price, balance and credit charge are
// re-verified at every stage, so no money moves on unverified state.
package wolt

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/yanivfranco/wolt-cibus-loader/internal/cibus"
	"github.com/yanivfranco/wolt-cibus-loader/internal/money"
	"github.com/yanivfranco/wolt-cibus-loader/internal/offer"
	"github.com/yanivfranco/wolt-cibus-loader/internal/page"
	"github.com/yanivfranco/wolt-cibus-loader/internal/retry"
)

type Loader struct {
	cfg Config
}

func New(cfg Config) (*Loader, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.withDefaults()
	return &Loader{cfg: cfg}, nil
}

// flowStep tags an error as a fatal flow failure at the named step.
func flowStep(name string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %v: %w", name, err, ErrFlowStepFailed)
}

// Run executes one purchase. Each invocation produces at most one order;
// no step is retried except idempotent reads. When redemption fails
// after a confirmed order, the confirmed Outcome is returned alongside
// the error.
func (l *Loader) Run(ctx context.Context) (*Outcome, error) {
	log.Printf("[info] flow started (dry_run=%v redeem=%v)", l.cfg.DryRun, l.cfg.RedeemCode)

	balance, err := l.resolveBalance(ctx)
	if err != nil {
		return nil, err
	}
	if !balance.IsPositive() {
		return nil, fmt.Errorf("%w (balance %s)", ErrZeroBalance, balance)
	}
	log.Printf("[info] balance resolved: %s", balance)

	s, release, err := l.cfg.NewSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	defer release()

	if err := l.login(ctx, s); err != nil {
		return nil, err
	}
	log.Printf("[info] logged in")

	sel, err := l.selectOffer(ctx, s, balance)
	if err != nil {
		return nil, err
	}
	log.Printf("[info] selected gift card: price=%s balance=%s", sel.Price, balance)

	if err := l.addToCart(ctx, s, sel.Index); err != nil {
		return nil, err
	}
	if err := l.validateCheckoutPrice(ctx, s, balance, sel.Price); err != nil {
		return nil, err
	}
	log.Printf("[info] checkout price validated: %s", sel.Price)

	if err := l.selectPaymentMethod(ctx, s); err != nil {
		return nil, err
	}

	frame, err := l.openChallenge(ctx, s)
	if err != nil {
		return nil, err
	}
	if err := l.validateChallenge(ctx, frame, balance, sel.Price); err != nil {
		return nil, err
	}
	log.Printf("[info] challenge validated: price=%s", sel.Price)

	if l.cfg.DryRun {
		log.Printf("[info] dry run enabled, finishing without submitting (price=%s balance=%s)", sel.Price, balance)
		return &Outcome{Submitted: false, Price: sel.Price, Balance: balance}, nil
	}

	submittedAt := time.Now()
	if err := frame.Click(ctx, cibus.SelPayButton); err != nil {
		return nil, flowStep("submit order", err)
	}

	url, err := s.WaitURLContains(ctx, orderTrackingFragment, confirmWait)
	if err != nil {
		// The pay click went out: the charge may have happened even
		// though confirmation never appeared. Surface loudly, never
		// retry from a scheduler without an operator looking at it.
		log.Printf("[warn] order may have been submitted without confirmation: %v", err)
		return nil, fmt.Errorf("%w: %v", ErrSubmissionUnconfirmed, err)
	}
	orderNumber := url[strings.LastIndex(url, "/")+1:]

	outcome := &Outcome{
		Submitted:   true,
		OrderNumber: orderNumber,
		ReceiptURL:  orderHistoryURL + orderNumber,
		Price:       sel.Price,
		Balance:     balance,
	}
	log.Printf("[info] order submitted: %s", outcome.ReceiptURL)

	if l.cfg.RedeemCode {
		code, err := l.redeem(ctx, s, submittedAt)
		if err != nil {
			// The order is confirmed; redemption failure must not hide it.
			return outcome, err
		}
		outcome.Code = code
		log.Printf("[info] code redeemed")
	}

	return outcome, nil
}

func (l *Loader) resolveBalance(ctx context.Context) (money.Amount, error) {
	if l.cfg.Balance != nil {
		return *l.cfg.Balance, nil
	}
	return retry.Do(ctx, retry.Options{What: "balance read"}, func(ctx context.Context) (money.Amount, error) {
		return l.cfg.FetchBalance(ctx)
	})
}

func (l *Loader) login(ctx context.Context, s page.Session) error {
	link, err := l.cfg.ResolveLoginLink(ctx)
	if err != nil {
		return fmt.Errorf("resolve login link: %w", err)
	}
	if err := s.Navigate(ctx, link); err != nil {
		return fmt.Errorf("%w: navigate magic link: %v", ErrLoginFailed, err)
	}
	if err := s.WaitVisible(ctx, selLoginConfirm, loginWait); err != nil {
		return fmt.Errorf("%w: login confirmation button missing", ErrLoginFailed)
	}
	if err := s.Click(ctx, selLoginConfirm); err != nil {
		return fmt.Errorf("%w: %v", ErrLoginFailed, err)
	}
	if err := s.WaitVisible(ctx, selUserDropdown, loginWait); err != nil {
		return fmt.Errorf("%w: user menu did not appear, the magic link may be stale", ErrLoginFailed)
	}
	return nil
}

func (l *Loader) selectOffer(ctx context.Context, s page.Session, balance money.Amount) (offer.Selection, error) {
	var zero offer.Selection
	if err := s.Navigate(ctx, giftCardsURL); err != nil {
		return zero, flowStep("open gift card shop", err)
	}
	l.dismissRestoreOrderModal(ctx, s)

	if err := s.WaitVisible(ctx, selPriceCards, stepWait); err != nil {
		return zero, flowStep("gift card listing", err)
	}
	texts, err := s.Texts(ctx, selPriceCards)
	if err != nil {
		return zero, flowStep("gift card listing", err)
	}

	prices := make([]money.Amount, 0, len(texts))
	for _, t := range texts {
		p, err := money.Parse(t)
		if err != nil {
			return zero, flowStep("gift card price", err)
		}
		prices = append(prices, p)
	}

	return offer.Select(balance, prices, offer.Policy{
		AllowOverflow: l.cfg.AllowCreditCharge,
		MaxOverflow:   l.cfg.MaxCreditCharge,
	})
}

// dismissRestoreOrderModal rejects the "continue previous order" prompt
// when it shows up; its absence is not an error.
func (l *Loader) dismissRestoreOrderModal(ctx context.Context, s page.Session) {
	if err := s.WaitVisible(ctx, selRestoreReject, modalWait); err != nil {
		return
	}
	if err := s.Click(ctx, selRestoreReject); err != nil {
		log.Printf("[warn] dismiss restore-order modal: %v", err)
	}
}

func (l *Loader) addToCart(ctx context.Context, s page.Session, index int) error {
	if err := s.ClickNth(ctx, selPriceCards, index); err != nil {
		return flowStep("open gift card", err)
	}
	for _, step := range []struct {
		name string
		sel  string
	}{
		{"add to cart", selProductSubmit},
		{"open cart", selCartView},
		{"proceed to checkout", selCartNext},
	} {
		if err := l.waitClick(ctx, s, step.sel); err != nil {
			return flowStep(step.name, err)
		}
	}
	return nil
}

func (l *Loader) waitClick(ctx context.Context, s page.Session, sel string) error {
	if err := s.WaitVisible(ctx, sel, stepWait); err != nil {
		return err
	}
	return s.Click(ctx, sel)
}

// validateCheckoutPrice is the first of three independent price checks:
// the displayed line item must equal the selected price exactly, and a
// price above the balance needs the overflow policy to allow it.
func (l *Loader) validateCheckoutPrice(ctx context.Context, s page.Session, balance, price money.Amount) error {
	if err := s.WaitVisible(ctx, selAmountRows, stepWait); err != nil {
		return flowStep("order summary", err)
	}
	items, err := s.Texts(ctx, selAmountRows)
	if err != nil {
		return flowStep("order summary", err)
	}
	if len(items) != 1 {
		return flowStep("order summary", fmt.Errorf("expected exactly one line item, got %d", len(items)))
	}
	total, err := money.Parse(items[0])
	if err != nil {
		return flowStep("order summary price", err)
	}
	if total != price {
		return fmt.Errorf("checkout price drifted: expected %s, got %s: %w", price, total, ErrFlowStepFailed)
	}
	if total > balance && !l.cfg.AllowCreditCharge {
		return fmt.Errorf("%w: price %s, balance %s", ErrOverchargeRejected, total, balance)
	}
	return nil
}

// selectPaymentMethod is idempotent: when the benefit method is already
// active it only dismisses the selector.
func (l *Loader) selectPaymentMethod(ctx context.Context, s page.Session) error {
	if err := l.waitClick(ctx, s, selPaymentMethod); err != nil {
		return flowStep("open payment methods", err)
	}
	if err := s.WaitVisible(ctx, selCibusMethod, stepWait); err != nil {
		return flowStep("payment method list", err)
	}
	selected, err := s.Attr(ctx, selCibusMethod, "data-selected")
	if err != nil {
		return flowStep("payment method state", err)
	}
	if selected == "true" {
		if err := l.waitClick(ctx, s, selModalClose); err != nil {
			return flowStep("close payment methods", err)
		}
		return nil
	}
	if err := s.Click(ctx, selCibusMethod); err != nil {
		return flowStep("select payment method", err)
	}
	return nil
}

// openChallenge submits the order form, which raises the provider's
// independently authenticated challenge iframe, and logs in to it.
func (l *Loader) openChallenge(ctx context.Context, s page.Session) (page.Session, error) {
	if err := l.waitClick(ctx, s, selSendOrder); err != nil {
		return nil, flowStep("send order", err)
	}
	if err := s.WaitVisible(ctx, challengeFrameSel, stepWait); err != nil {
		return nil, flowStep("challenge iframe", err)
	}
	frame := s.Frame(challengeFrameSel)
	if err := cibus.Login(ctx, frame, l.cfg.Cibus); err != nil {
		return nil, flowStep("challenge login", err)
	}
	return frame, nil
}

// validateChallenge re-checks price, provider balance and credit charge
// inside the challenge, right before the only irreversible click.
func (l *Loader) validateChallenge(ctx context.Context, frame page.Session, balance, price money.Amount) error {
	got, err := cibus.ChallengePrice(ctx, frame)
	if err != nil {
		return flowStep("challenge price", err)
	}
	if got != price {
		return fmt.Errorf("challenge price drifted: expected %s, got %s: %w", price, got, ErrFlowStepFailed)
	}

	if !l.cfg.SkipChallengeBalanceCheck {
		providerBalance, err := cibus.ChallengeBalance(ctx, frame)
		if err != nil {
			return flowStep("challenge balance", err)
		}
		if providerBalance != balance {
			return fmt.Errorf("challenge balance mismatch: expected %s, got %s: %w", balance, providerBalance, ErrFlowStepFailed)
		}
	}

	charge, present, err := cibus.CreditCharge(ctx, frame)
	if err != nil {
		return flowStep("challenge credit charge", err)
	}
	if present && charge.IsPositive() {
		if !l.cfg.AllowCreditCharge {
			return fmt.Errorf("%w: about to charge %s but credit charge is not allowed", ErrCreditChargeRejected, charge)
		}
		if charge > l.cfg.MaxCreditCharge {
			return fmt.Errorf("%w: charge %s exceeds maximum %s", ErrCreditChargeRejected, charge, l.cfg.MaxCreditCharge)
		}
	}
	return nil
}

func (l *Loader) redeem(ctx context.Context, s page.Session, submittedAt time.Time) (string, error) {
	if err := s.Navigate(ctx, redeemURL); err != nil {
		return "", flowStep("open redeem page", err)
	}

	code, err := retry.Do(ctx, l.cfg.CodeRetry, func(ctx context.Context) (string, error) {
		return l.cfg.Mail.GiftCardCode(ctx, submittedAt)
	})
	if err != nil {
		return "", fmt.Errorf("gift card code: %w", err)
	}
	log.Printf("[info] got gift card code from mail, redeeming")

	if err := s.WaitVisible(ctx, selRedeemInput, stepWait); err != nil {
		return "", flowStep("redeem input", err)
	}
	if err := s.Type(ctx, selRedeemInput, code); err != nil {
		return "", flowStep("redeem input", err)
	}

	wait, err := s.ObserveResponse(ctx, consumeFragment, "POST", redeemWait)
	if err != nil {
		return "", flowStep("observe redemption", err)
	}
	if err := s.Click(ctx, selRedeemSubmit); err != nil {
		return "", flowStep("redeem submit", err)
	}
	if err := wait(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrRedemptionTimeout, err)
	}
	return code, nil
}
