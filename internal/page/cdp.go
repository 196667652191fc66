package page

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/yanivfranco/wolt-cibus-loader/internal/cdp"
)

const (
	pollInterval    = 100 * time.Millisecond
	navigateTimeout = 30 * time.Second
)

// CDPSession drives one browser tab over the DevTools protocol. DOM
// operations are performed with evaluated JavaScript, which reaches into
// the challenge iframe too because the browser is launched with web
// security disabled.
type CDPSession struct {
	client    *cdp.Client
	sessionID string
	targetID  string

	// docExpr addresses the document this scope operates on; frame
	// scopes extend it through contentDocument.
	docExpr string

	// network observer state lives on the root scope only.
	root    *CDPSession
	netOnce sync.Once
	netErr  error
}

// NewSession opens a fresh tab and attaches to it.
func NewSession(ctx context.Context, client *cdp.Client) (*CDPSession, error) {
	var created struct {
		TargetID string `json:"targetId"`
	}
	err := client.Call(ctx, "", "Target.createTarget", map[string]any{"url": "about:blank"}, &created)
	if err != nil {
		return nil, fmt.Errorf("create target: %w", err)
	}

	var attached struct {
		SessionID string `json:"sessionId"`
	}
	err = client.Call(ctx, "", "Target.attachToTarget", map[string]any{
		"targetId": created.TargetID,
		"flatten":  true,
	}, &attached)
	if err != nil {
		return nil, fmt.Errorf("attach target: %w", err)
	}

	s := &CDPSession{
		client:    client,
		sessionID: attached.SessionID,
		targetID:  created.TargetID,
		docExpr:   "document",
	}
	s.root = s

	for _, domain := range []string{"Page.enable", "Runtime.enable"} {
		if err := client.Call(ctx, s.sessionID, domain, nil, nil); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Close disposes the tab. The browser process itself is owned by the
// launcher.
func (s *CDPSession) Close(ctx context.Context) error {
	return s.client.Call(ctx, "", "Target.closeTarget", map[string]any{"targetId": s.root.targetID}, nil)
}

func (s *CDPSession) Navigate(ctx context.Context, url string) error {
	events, cancel := s.client.Subscribe(64)
	defer cancel()

	var res struct {
		ErrorText string `json:"errorText"`
	}
	if err := s.client.Call(ctx, s.sessionID, "Page.navigate", map[string]any{"url": url}, &res); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	if res.ErrorText != "" {
		return fmt.Errorf("navigate %s: %s", url, res.ErrorText)
	}

	deadline := time.After(navigateTimeout)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return cdp.ErrClosed
			}
			if ev.SessionID == s.sessionID && ev.Method == "Page.loadEventFired" {
				return nil
			}
		case <-deadline:
			return fmt.Errorf("navigate %s: load event not fired within %s", url, navigateTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// eval runs expr in the page and decodes its returned value into out.
func (s *CDPSession) eval(ctx context.Context, expr string, out any) error {
	var res struct {
		Result struct {
			Value json.RawMessage `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text      string `json:"text"`
			Exception *struct {
				Description string `json:"description"`
			} `json:"exception"`
		} `json:"exceptionDetails"`
	}
	err := s.client.Call(ctx, s.sessionID, "Runtime.evaluate", map[string]any{
		"expression":    expr,
		"returnByValue": true,
		"awaitPromise":  true,
	}, &res)
	if err != nil {
		return err
	}
	if ed := res.ExceptionDetails; ed != nil {
		msg := ed.Text
		if ed.Exception != nil && ed.Exception.Description != "" {
			msg = ed.Exception.Description
		}
		return fmt.Errorf("page: script failed: %s", msg)
	}
	if out != nil && len(res.Result.Value) > 0 {
		if err := json.Unmarshal(res.Result.Value, out); err != nil {
			return fmt.Errorf("page: decode script result: %w", err)
		}
	}
	return nil
}

func jsStr(s string) string { return strconv.Quote(s) }

// queryExpr yields a JS expression resolving to the element or null.
func (s *CDPSession) queryExpr(sel string) string {
	return fmt.Sprintf("(() => { const d = %s; return d ? d.querySelector(%s) : null; })()", s.docExpr, jsStr(sel))
}

func (s *CDPSession) WaitVisible(ctx context.Context, sel string, timeout time.Duration) error {
	expr := fmt.Sprintf("(() => { const el = %s; return !!el && el.getClientRects().length > 0; })()", s.queryExpr(sel))
	deadline := time.Now().Add(timeout)
	for {
		var visible bool
		if err := s.eval(ctx, expr, &visible); err != nil {
			return err
		}
		if visible {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("wait for %q: %w", sel, ErrNotFound)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (s *CDPSession) Click(ctx context.Context, sel string) error {
	return s.ClickNth(ctx, sel, 0)
}

func (s *CDPSession) ClickNth(ctx context.Context, sel string, n int) error {
	expr := fmt.Sprintf(
		"(() => { const d = %s; if (!d) return false; const el = d.querySelectorAll(%s)[%d]; if (!el) return false; el.click(); return true; })()",
		s.docExpr, jsStr(sel), n)
	var clicked bool
	if err := s.eval(ctx, expr, &clicked); err != nil {
		return err
	}
	if !clicked {
		return fmt.Errorf("click %q[%d]: %w", sel, n, ErrNotFound)
	}
	return nil
}

func (s *CDPSession) Type(ctx context.Context, sel, text string) error {
	expr := fmt.Sprintf("(() => { const el = %s; if (!el) return false; el.focus(); return true; })()", s.queryExpr(sel))
	var focused bool
	if err := s.eval(ctx, expr, &focused); err != nil {
		return err
	}
	if !focused {
		return fmt.Errorf("type into %q: %w", sel, ErrNotFound)
	}
	// Input.insertText dispatches native input events into the focused
	// element, which JS value assignment would not.
	return s.client.Call(ctx, s.sessionID, "Input.insertText", map[string]any{"text": text}, nil)
}

func (s *CDPSession) Text(ctx context.Context, sel string) (string, error) {
	expr := fmt.Sprintf("(() => { const el = %s; return el ? el.textContent : null; })()", s.queryExpr(sel))
	var out *string
	if err := s.eval(ctx, expr, &out); err != nil {
		return "", err
	}
	if out == nil {
		return "", fmt.Errorf("text of %q: %w", sel, ErrNotFound)
	}
	return *out, nil
}

func (s *CDPSession) Texts(ctx context.Context, sel string) ([]string, error) {
	expr := fmt.Sprintf(
		"(() => { const d = %s; if (!d) return []; return Array.from(d.querySelectorAll(%s)).map(el => el.textContent || ''); })()",
		s.docExpr, jsStr(sel))
	var out []string
	if err := s.eval(ctx, expr, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *CDPSession) Attr(ctx context.Context, sel, name string) (string, error) {
	expr := fmt.Sprintf("(() => { const el = %s; if (!el) return null; return {v: el.getAttribute(%s)}; })()", s.queryExpr(sel), jsStr(name))
	var out *struct {
		V *string `json:"v"`
	}
	if err := s.eval(ctx, expr, &out); err != nil {
		return "", err
	}
	if out == nil {
		return "", fmt.Errorf("attr of %q: %w", sel, ErrNotFound)
	}
	if out.V == nil {
		return "", nil
	}
	return *out.V, nil
}

func (s *CDPSession) CurrentURL(ctx context.Context) (string, error) {
	var url string
	if err := s.eval(ctx, "window.location.href", &url); err != nil {
		return "", err
	}
	return url, nil
}

func (s *CDPSession) WaitURLContains(ctx context.Context, substr string, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		url, err := s.CurrentURL(ctx)
		if err != nil {
			return "", err
		}
		if strings.Contains(url, substr) {
			return url, nil
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("url did not reach %q (last %q): %w", substr, url, ErrNotFound)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Frame scopes DOM operations to the document inside iframeSel. The
// scope shares the tab, so network observation and typing still go
// through the root session.
func (s *CDPSession) Frame(iframeSel string) Session {
	frameDoc := fmt.Sprintf("(() => { const d = %s; if (!d) return null; const f = d.querySelector(%s); return f ? f.contentDocument : null; })()",
		s.docExpr, jsStr(iframeSel))
	return &CDPSession{
		client:    s.client,
		sessionID: s.sessionID,
		targetID:  s.targetID,
		docExpr:   frameDoc,
		root:      s.root,
	}
}

func (s *CDPSession) enableNetwork(ctx context.Context) error {
	r := s.root
	r.netOnce.Do(func() {
		r.netErr = s.client.Call(ctx, r.sessionID, "Network.enable", nil, nil)
	})
	return r.netErr
}

func (s *CDPSession) ObserveResponse(ctx context.Context, urlSubstr, httpMethod string, timeout time.Duration) (func() error, error) {
	if err := s.enableNetwork(ctx); err != nil {
		return nil, fmt.Errorf("enable network: %w", err)
	}

	events, cancel := s.client.Subscribe(512)
	matched := make(chan struct{}, 1)

	go func() {
		methods := map[string]string{} // requestId -> HTTP method
		for ev := range events {
			if ev.SessionID != s.root.sessionID {
				continue
			}
			switch ev.Method {
			case "Network.requestWillBeSent":
				var p struct {
					RequestID string `json:"requestId"`
					Request   struct {
						Method string `json:"method"`
					} `json:"request"`
				}
				if json.Unmarshal(ev.Params, &p) == nil {
					methods[p.RequestID] = p.Request.Method
				}
			case "Network.responseReceived":
				var p struct {
					RequestID string `json:"requestId"`
					Response  struct {
						URL    string `json:"url"`
						Status int    `json:"status"`
					} `json:"response"`
				}
				if json.Unmarshal(ev.Params, &p) != nil {
					continue
				}
				if !strings.Contains(p.Response.URL, urlSubstr) {
					continue
				}
				if httpMethod != "" && methods[p.RequestID] != httpMethod {
					continue
				}
				if p.Response.Status < 200 || p.Response.Status >= 300 {
					continue
				}
				select {
				case matched <- struct{}{}:
				default:
				}
				return
			}
		}
	}()

	wait := func() error {
		defer cancel()
		select {
		case <-matched:
			return nil
		case <-time.After(timeout):
			return fmt.Errorf("response %s %q: %w", httpMethod, urlSubstr, ErrResponseTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return wait, nil
}
