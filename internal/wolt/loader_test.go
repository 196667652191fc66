package wolt

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yanivfranco/wolt-cibus-loader/internal/cibus"
	"github.com/yanivfranco/wolt-cibus-loader/internal/money"
	"github.com/yanivfranco/wolt-cibus-loader/internal/offer"
	"github.com/yanivfranco/wolt-cibus-loader/internal/page"
	"github.com/yanivfranco/wolt-cibus-loader/internal/retry"
)

// fakeSession scripts the storefront. Selectors listed in hidden never
// become visible; clicks are recorded and may trigger an onClick hook.
type fakeSession struct {
	mu      sync.Mutex
	texts   map[string][]string
	attrs   map[string]string
	hidden  map[string]bool
	clicks  []string
	typed   map[string]string
	url     string
	frame   *fakeSession
	onClick func(sel string)

	responseErr error
}

func (f *fakeSession) Navigate(ctx context.Context, url string) error { return nil }

func (f *fakeSession) WaitVisible(ctx context.Context, sel string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hidden[sel] {
		return page.ErrNotFound
	}
	return nil
}

func (f *fakeSession) Click(ctx context.Context, sel string) error { return f.ClickNth(ctx, sel, 0) }

func (f *fakeSession) ClickNth(ctx context.Context, sel string, n int) error {
	f.mu.Lock()
	f.clicks = append(f.clicks, sel)
	hook := f.onClick
	f.mu.Unlock()
	if hook != nil {
		hook(sel)
	}
	return nil
}

func (f *fakeSession) Type(ctx context.Context, sel, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.typed == nil {
		f.typed = map[string]string{}
	}
	f.typed[sel] = text
	return nil
}

func (f *fakeSession) Text(ctx context.Context, sel string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ts := f.texts[sel]; len(ts) > 0 {
		return ts[0], nil
	}
	return "", page.ErrNotFound
}

func (f *fakeSession) Texts(ctx context.Context, sel string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.texts[sel], nil
}

func (f *fakeSession) Attr(ctx context.Context, sel, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attrs[sel+" "+name], nil
}

func (f *fakeSession) CurrentURL(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.url, nil
}

func (f *fakeSession) WaitURLContains(ctx context.Context, substr string, timeout time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if strings.Contains(f.url, substr) {
		return f.url, nil
	}
	return "", page.ErrNotFound
}

func (f *fakeSession) Frame(sel string) page.Session { return f.frame }

func (f *fakeSession) ObserveResponse(ctx context.Context, urlSubstr, method string, timeout time.Duration) (func() error, error) {
	err := f.responseErr
	return func() error { return err }, nil
}

func (f *fakeSession) clicked(sel string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.clicks {
		if c == sel {
			return true
		}
	}
	return false
}

// newStorefront scripts a healthy flow: listing prices, a checkout
// summary showing checkoutPrice, and a challenge showing challengePrice
// with the given provider balance.
func newStorefront(prices []string, checkoutPrice, challengePrice, challengeBalance string) *fakeSession {
	frame := &fakeSession{
		texts: map[string][]string{
			"#hSubTitle":         {challengePrice},
			"#divUserInfo > big": {challengeBalance},
		},
		hidden: map[string]bool{},
	}
	s := &fakeSession{
		texts: map[string][]string{
			selPriceCards: prices,
			selAmountRows: {checkoutPrice},
		},
		attrs:  map[string]string{selCibusMethod + " data-selected": "false"},
		hidden: map[string]bool{selRestoreReject: true},
		url:    "https://wolt.com/en/checkout",
		frame:  frame,
	}
	// A pay click lands on the order-tracking page.
	frame.onClick = func(sel string) {
		if sel == cibus.SelPayButton {
			s.mu.Lock()
			s.url = "https://wolt.com/en/me/order-tracking/abc123"
			s.mu.Unlock()
		}
	}
	return s
}

type sessionTracker struct {
	opened   bool
	released bool
}

func (st *sessionTracker) factory(s *fakeSession) SessionFactory {
	return func(ctx context.Context) (page.Session, func(), error) {
		st.opened = true
		return s, func() { st.released = true }, nil
	}
}

type fakeMail struct {
	code string
	err  error

	askedAfter time.Time
}

func (m *fakeMail) GiftCardCode(ctx context.Context, after time.Time) (string, error) {
	m.askedAfter = after
	if m.err != nil {
		return "", m.err
	}
	return m.code, nil
}

func staticLink(link string) LinkResolver {
	return func(ctx context.Context) (string, error) { return link, nil }
}

func testCreds() cibus.Credentials {
	return cibus.Credentials{Username: "u", Password: "p", Company: "c"}
}

func baseConfig(balance money.Amount, st *sessionTracker, s *fakeSession) Config {
	b := balance
	return Config{
		Balance:                   &b,
		SkipChallengeBalanceCheck: true,
		ResolveLoginLink:          staticLink("https://wolt.com/magic"),
		Cibus:                     testCreds(),
		NewSession:                st.factory(s),
		CodeRetry:                 retry.Options{Attempts: 2, Delay: time.Millisecond},
	}
}

func TestRun_DryRunPicksLowerOffer(t *testing.T) {
	// Scenario A: balance 20, offers 15/25, overflow disallowed.
	s := newStorefront([]string{"₪15", "₪25"}, "₪15", "₪15", "₪20")
	st := &sessionTracker{}
	cfg := baseConfig(money.FromShekels(20), st, s)
	cfg.DryRun = true

	l, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	out, err := l.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Submitted {
		t.Fatal("dry run must not submit")
	}
	if out.Price != money.FromShekels(15) {
		t.Fatalf("price=%s want ₪15", out.Price)
	}
	if s.frame.clicked(cibus.SelPayButton) {
		t.Fatal("dry run clicked the pay button")
	}
	// The whole validation chain still ran.
	if !s.clicked(selSendOrder) {
		t.Fatal("send-order was not reached")
	}
	if !st.released {
		t.Fatal("session not released")
	}
}

func TestRun_OverflowSubmitAndRedeem(t *testing.T) {
	// Scenario B: balance 20, offers 15/22, overflow cap 5; the ₪22
	// offer wins with a ₪2 credit charge, and the run submits, confirms
	// and redeems.
	s := newStorefront([]string{"₪15", "₪22"}, "₪22", "₪22", "₪20")
	s.frame.texts["header > label"] = []string{"סכום לחיוב בכרטיס אשראי: 2 ש\"ח"}
	st := &sessionTracker{}
	mail := &fakeMail{code: "ab12CD34"}

	cfg := baseConfig(money.FromShekels(20), st, s)
	cfg.AllowCreditCharge = true
	cfg.MaxCreditCharge = money.FromShekels(5)
	cfg.RedeemCode = true
	cfg.Mail = mail

	l, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	start := time.Now()
	out, err := l.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !out.Submitted || out.OrderNumber != "abc123" {
		t.Fatalf("outcome=%+v want submitted order abc123", out)
	}
	if out.Price != money.FromShekels(22) {
		t.Fatalf("price=%s want ₪22", out.Price)
	}
	if out.Code != "ab12CD34" {
		t.Fatalf("code=%q", out.Code)
	}
	if s.typed[selRedeemInput] != "ab12CD34" {
		t.Fatalf("typed=%v", s.typed)
	}
	// The mail poll must only consider mail sent after submission.
	if mail.askedAfter.Before(start) {
		t.Fatalf("mail poll window starts at %v, before the run", mail.askedAfter)
	}
	if !st.released {
		t.Fatal("session not released")
	}
}

func TestRun_ZeroBalance(t *testing.T) {
	// Scenario C: nothing to load; no session is even opened.
	st := &sessionTracker{}
	cfg := baseConfig(0, st, nil)

	l, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = l.Run(context.Background())
	if !errors.Is(err, ErrZeroBalance) {
		t.Fatalf("err=%v want ErrZeroBalance", err)
	}
	if st.opened {
		t.Fatal("session opened despite zero balance")
	}
}

func TestRun_CreditChargeRejected(t *testing.T) {
	// Charge above the configured maximum.
	s := newStorefront([]string{"₪22"}, "₪22", "₪22", "₪20")
	s.frame.texts["header > label"] = []string{"charge: 7 ש\"ח"}
	st := &sessionTracker{}
	cfg := baseConfig(money.FromShekels(20), st, s)
	cfg.AllowCreditCharge = true
	cfg.MaxCreditCharge = money.FromShekels(5)

	l, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = l.Run(context.Background())
	if !errors.Is(err, ErrCreditChargeRejected) {
		t.Fatalf("err=%v want ErrCreditChargeRejected", err)
	}
	if s.frame.clicked(cibus.SelPayButton) {
		t.Fatal("pay clicked after rejected charge")
	}
	if !st.released {
		t.Fatal("session not released")
	}

	// Charge present while credit charges are disallowed entirely.
	s = newStorefront([]string{"₪15"}, "₪15", "₪15", "₪20")
	s.frame.texts["header > label"] = []string{"charge: 2 ש\"ח"}
	st = &sessionTracker{}
	cfg = baseConfig(money.FromShekels(20), st, s)

	l, err = New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = l.Run(context.Background())
	if !errors.Is(err, ErrCreditChargeRejected) {
		t.Fatalf("err=%v want ErrCreditChargeRejected", err)
	}
}

func TestRun_PriceDriftAtCheckout(t *testing.T) {
	// The summary disagrees with the selected card: the run must die at
	// the checkout checkpoint, before the order form is ever sent.
	s := newStorefront([]string{"₪15"}, "₪16", "₪15", "₪20")
	st := &sessionTracker{}
	cfg := baseConfig(money.FromShekels(20), st, s)

	l, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = l.Run(context.Background())
	if !errors.Is(err, ErrFlowStepFailed) {
		t.Fatalf("err=%v want ErrFlowStepFailed", err)
	}
	if !strings.Contains(err.Error(), "expected ₪15, got ₪16") {
		t.Fatalf("err=%v want expected/got detail", err)
	}
	if s.clicked(selSendOrder) {
		t.Fatal("order form sent after a failed checkpoint")
	}
	if !st.released {
		t.Fatal("session not released")
	}
}

func TestRun_PriceDriftAtChallenge(t *testing.T) {
	// Checkout agrees but the challenge shows a different total: the
	// run dies at the challenge checkpoint, before the pay click.
	s := newStorefront([]string{"₪15"}, "₪15", "₪16", "₪20")
	st := &sessionTracker{}
	cfg := baseConfig(money.FromShekels(20), st, s)

	l, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = l.Run(context.Background())
	if !errors.Is(err, ErrFlowStepFailed) {
		t.Fatalf("err=%v want ErrFlowStepFailed", err)
	}
	if s.frame.clicked(cibus.SelPayButton) {
		t.Fatal("pay clicked after drifted challenge price")
	}
}

func TestRun_ChallengeBalanceMismatch(t *testing.T) {
	s := newStorefront([]string{"₪15"}, "₪15", "₪15", "₪18")
	st := &sessionTracker{}
	cfg := baseConfig(money.FromShekels(20), st, s)
	// Balance fetched from the provider, so the challenge comparison
	// must run and disagree.
	cfg.Balance = nil
	cfg.SkipChallengeBalanceCheck = false
	cfg.FetchBalance = func(ctx context.Context) (money.Amount, error) {
		return money.FromShekels(20), nil
	}

	l, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = l.Run(context.Background())
	if !errors.Is(err, ErrFlowStepFailed) {
		t.Fatalf("err=%v want ErrFlowStepFailed", err)
	}
	if !strings.Contains(err.Error(), "balance mismatch") {
		t.Fatalf("err=%v want balance mismatch detail", err)
	}
}

func TestRun_PaymentMethodAlreadySelected(t *testing.T) {
	s := newStorefront([]string{"₪15"}, "₪15", "₪15", "₪20")
	s.attrs[selCibusMethod+" data-selected"] = "true"
	st := &sessionTracker{}
	cfg := baseConfig(money.FromShekels(20), st, s)
	cfg.DryRun = true

	l, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := l.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !s.clicked(selModalClose) {
		t.Fatal("selector modal not dismissed")
	}
	if s.clicked(selCibusMethod) {
		t.Fatal("already-active payment method clicked again")
	}
}

func TestRun_LoginFailed(t *testing.T) {
	s := newStorefront([]string{"₪15"}, "₪15", "₪15", "₪20")
	s.hidden[selUserDropdown] = true
	st := &sessionTracker{}
	cfg := baseConfig(money.FromShekels(20), st, s)

	l, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = l.Run(context.Background())
	if !errors.Is(err, ErrLoginFailed) {
		t.Fatalf("err=%v want ErrLoginFailed", err)
	}
	if !st.released {
		t.Fatal("session not released")
	}
}

func TestRun_NoMatchingOffer(t *testing.T) {
	s := newStorefront([]string{"₪25", "₪30"}, "₪25", "₪25", "₪20")
	st := &sessionTracker{}
	cfg := baseConfig(money.FromShekels(20), st, s)

	l, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = l.Run(context.Background())
	if !errors.Is(err, offer.ErrNoMatchingOffer) {
		t.Fatalf("err=%v want ErrNoMatchingOffer", err)
	}
}

func TestRun_SubmissionUnconfirmed(t *testing.T) {
	s := newStorefront([]string{"₪15"}, "₪15", "₪15", "₪20")
	// Pay click does not land on the tracking page.
	s.frame.onClick = nil
	st := &sessionTracker{}
	cfg := baseConfig(money.FromShekels(20), st, s)

	l, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = l.Run(context.Background())
	if !errors.Is(err, ErrSubmissionUnconfirmed) {
		t.Fatalf("err=%v want ErrSubmissionUnconfirmed", err)
	}
	if !st.released {
		t.Fatal("session not released")
	}
}

func TestRun_RedemptionTimeoutKeepsOutcome(t *testing.T) {
	s := newStorefront([]string{"₪15"}, "₪15", "₪15", "₪20")
	s.responseErr = page.ErrResponseTimeout
	st := &sessionTracker{}
	cfg := baseConfig(money.FromShekels(20), st, s)
	cfg.RedeemCode = true
	cfg.Mail = &fakeMail{code: "ab12CD34"}

	l, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	out, err := l.Run(context.Background())
	if !errors.Is(err, ErrRedemptionTimeout) {
		t.Fatalf("err=%v want ErrRedemptionTimeout", err)
	}
	// The confirmed order must still be reported to the caller.
	if out == nil || !out.Submitted || out.OrderNumber != "abc123" {
		t.Fatalf("outcome=%+v want the confirmed order", out)
	}
}

func TestValidateCheckoutPrice_Overcharge(t *testing.T) {
	// Defense in depth: even if a higher-priced offer slipped through
	// selection, the checkout checkpoint rejects it without the allow
	// flag.
	s := &fakeSession{texts: map[string][]string{selAmountRows: {"₪25"}}, hidden: map[string]bool{}}
	l := &Loader{cfg: Config{}}
	err := l.validateCheckoutPrice(context.Background(), s, money.FromShekels(20), money.FromShekels(25))
	if !errors.Is(err, ErrOverchargeRejected) {
		t.Fatalf("err=%v want ErrOverchargeRejected", err)
	}
}

func TestNew_ConfigValidation(t *testing.T) {
	balance := money.FromShekels(20)
	fetch := func(ctx context.Context) (money.Amount, error) { return balance, nil }
	session := func(ctx context.Context) (page.Session, func(), error) { return nil, func() {}, nil }
	link := staticLink("x")

	valid := Config{
		Balance:          &balance,
		ResolveLoginLink: link,
		NewSession:       session,
		Cibus:            testCreds(),
	}
	if _, err := New(valid); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"both balance sources", func(c *Config) { c.FetchBalance = fetch }},
		{"no balance source", func(c *Config) { c.Balance = nil }},
		{"allow without max", func(c *Config) { c.AllowCreditCharge = true }},
		{"skip without override", func(c *Config) {
			c.Balance = nil
			c.FetchBalance = fetch
			c.SkipChallengeBalanceCheck = true
		}},
		{"redeem without mail", func(c *Config) { c.RedeemCode = true }},
		{"missing cibus creds", func(c *Config) { c.Cibus = cibus.Credentials{} }},
		{"missing resolver", func(c *Config) { c.ResolveLoginLink = nil }},
		{"missing session factory", func(c *Config) { c.NewSession = nil }},
	}
	for _, tc := range cases {
		cfg := valid
		tc.mutate(&cfg)
		if _, err := New(cfg); err == nil {
			t.Fatalf("%s: config accepted", tc.name)
		}
	}
}
