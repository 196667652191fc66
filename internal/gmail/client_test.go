package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &Client{httpClient: srv.Client(), baseURL: srv.URL}
}

func b64(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func TestMagicLink(t *testing.T) {
	after := time.Unix(1700000000, 0)
	html := `<a href="https://wolt.com/me/magic_login?token=abc&amp;email=x" target="_blank">Log in</a>`

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/users/me/messages":
			q := r.URL.Query().Get("q")
			if !strings.Contains(q, "from:info@wolt.com") || !strings.Contains(q, "after:1700000000") {
				http.Error(w, "bad query "+q, http.StatusBadRequest)
				return
			}
			fmt.Fprint(w, `{"messages":[{"id":"m1"}]}`)
		case r.URL.Path == "/users/me/messages/m1":
			fmt.Fprintf(w, `{"id":"m1","internalDate":"1700000050000","payload":{"mimeType":"multipart/alternative","parts":[{"mimeType":"text/plain","body":{"data":%q}},{"mimeType":"text/html","body":{"data":%q}}]}}`,
				b64("plain text"), b64(html))
		default:
			http.NotFound(w, r)
		}
	})

	link, err := c.MagicLink(context.Background(), after)
	if err != nil {
		t.Fatalf("MagicLink: %v", err)
	}
	want := "https://wolt.com/me/magic_login?token=abc&email=x"
	if link != want {
		t.Fatalf("link=%q want %q", link, want)
	}
}

func TestFindMessage_RejectsStaleMail(t *testing.T) {
	after := time.Unix(1700000000, 0)

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/users/me/messages":
			fmt.Fprint(w, `{"messages":[{"id":"old"}]}`)
		case r.URL.Path == "/users/me/messages/old":
			// Matches the content filter but predates the prompt.
			fmt.Fprintf(w, `{"id":"old","internalDate":"1699990000000","payload":{"mimeType":"text/html","body":{"data":%q}}}`,
				b64(`https://wolt.com/me/magic_login?token=stale`))
		default:
			http.NotFound(w, r)
		}
	})

	_, err := c.FindMessage(context.Background(), "from:info@wolt.com", after)
	if !errors.Is(err, ErrNoMessages) {
		t.Fatalf("err=%v want ErrNoMessages", err)
	}
}

func TestFindMessage_NoMatches(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	})
	_, err := c.FindMessage(context.Background(), "from:info@wolt.com", time.Now())
	if !errors.Is(err, ErrNoMessages) {
		t.Fatalf("err=%v want ErrNoMessages", err)
	}
}

func TestExtractMagicLink_NotFound(t *testing.T) {
	msg := &Message{}
	msg.Payload.MimeType = "text/html"
	msg.Payload.Body.Data = b64("no links here")
	if _, err := extractMagicLink(msg); !errors.Is(err, ErrLinkNotFound) {
		t.Fatalf("err=%v want ErrLinkNotFound", err)
	}
}

func TestExtractGiftCode(t *testing.T) {
	cases := []struct {
		text string
		want string
		err  error
	}{
		{"blah%20blah00CODEab12CD34%3Atrailer", "ab12CD34", nil},
		{"00CODE%20ab12CD34", "ab12CD34", nil},
		{"no code present", "", ErrCodeNotFound},
		{"00CODEshort", "", ErrCodeNotFound},
	}
	for _, tc := range cases {
		got, err := extractGiftCode(tc.text)
		if tc.err != nil {
			if !errors.Is(err, tc.err) {
				t.Fatalf("extractGiftCode(%q): err=%v want %v", tc.text, err, tc.err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("extractGiftCode(%q): %v", tc.text, err)
		}
		if got != tc.want {
			t.Fatalf("extractGiftCode(%q)=%q want %q", tc.text, got, tc.want)
		}
	}
}

func TestDecodeBody_PaddedAndUnpadded(t *testing.T) {
	for _, enc := range []string{
		base64.RawURLEncoding.EncodeToString([]byte("hello")),
		base64.URLEncoding.EncodeToString([]byte("hello")),
	} {
		got, err := decodeBody(enc)
		if err != nil {
			t.Fatalf("decodeBody(%q): %v", enc, err)
		}
		if string(got) != "hello" {
			t.Fatalf("decodeBody(%q)=%q", enc, got)
		}
	}
}
