// Package gmail reads the two mails the flow depends on from the Gmail
// REST API: the login magic-link mail and the gift-card mail whose PDF
// attachment carries the redemption code.
package gmail

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"log"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"
	"golang.org/x/oauth2"
)

const defaultBaseURL = "https://gmail.googleapis.com/gmail/v1"

// googleTokenURL is the standard OAuth2 token refresh endpoint.
const googleTokenURL = "https://oauth2.googleapis.com/token"

const woltSender = "info@wolt.com"

var (
	ErrNoMessages   = errors.New("gmail: no matching messages")
	ErrLinkNotFound = errors.New("gmail: no magic link in message")
	ErrCodeNotFound = errors.New("gmail: no gift card code in attachment")
)

var (
	magicLinkRe = regexp.MustCompile(`https://wolt\.com/\S+`)
	// The PDF renders the code as 00CODE followed by 8 alphanumerics.
	giftCodeRe = regexp.MustCompile(`00CODE[0-9a-zA-Z]{8}`)
)

// Credentials is an offline-authorized Gmail user: a refresh token issued
// to this app's OAuth client with the gmail.readonly scope.
type Credentials struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
}

func (c Credentials) validate() error {
	if c.ClientID == "" || c.ClientSecret == "" || c.RefreshToken == "" {
		return fmt.Errorf("gmail: client id, client secret and refresh token are all required")
	}
	return nil
}

type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient builds a client whose transport refreshes access tokens from
// the stored refresh token. No interactive auth happens at run time.
func NewClient(ctx context.Context, creds Credentials) (*Client, error) {
	if err := creds.validate(); err != nil {
		return nil, err
	}
	conf := &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: googleTokenURL},
	}
	token := &oauth2.Token{RefreshToken: creds.RefreshToken}
	return &Client{
		httpClient: conf.Client(ctx, token),
		baseURL:    defaultBaseURL,
	}, nil
}

type messagePart struct {
	MimeType string `json:"mimeType"`
	Filename string `json:"filename"`
	Body     struct {
		Data         string `json:"data"`
		AttachmentID string `json:"attachmentId"`
	} `json:"body"`
	Parts []messagePart `json:"parts"`
}

// Message is one fetched mail with its full payload tree.
type Message struct {
	ID           string      `json:"id"`
	InternalDate string      `json:"internalDate"`
	Payload      messagePart `json:"payload"`
}

func (m *Message) receivedAt() (time.Time, error) {
	ms, err := strconv.ParseInt(m.InternalDate, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("gmail: bad internalDate %q: %w", m.InternalDate, err)
	}
	return time.UnixMilli(ms), nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gmail %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("gmail %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// FindMessage returns the newest message matching query that arrived at
// or after the given time. The time bound is enforced both in the query
// (server-side) and against internalDate, so a stale mail from a prior
// run can never be picked up.
func (c *Client) FindMessage(ctx context.Context, query string, after time.Time) (*Message, error) {
	q := url.Values{}
	q.Set("q", fmt.Sprintf("%s after:%d", query, after.Unix()))

	var list struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := c.get(ctx, "/users/me/messages", q, &list); err != nil {
		return nil, err
	}
	if len(list.Messages) == 0 {
		return nil, ErrNoMessages
	}
	if len(list.Messages) > 1 {
		log.Printf("[warn] gmail: %d messages match %q; using the first", len(list.Messages), query)
	}

	for _, ref := range list.Messages {
		var msg Message
		gq := url.Values{}
		gq.Set("format", "full")
		if err := c.get(ctx, "/users/me/messages/"+ref.ID, gq, &msg); err != nil {
			return nil, err
		}
		at, err := msg.receivedAt()
		if err != nil {
			return nil, err
		}
		if at.Before(after.Truncate(time.Second)) {
			continue
		}
		return &msg, nil
	}
	return nil, ErrNoMessages
}

// MagicLink finds the Wolt login mail sent after the prompt and extracts
// the one-time login link from its HTML body.
func (c *Client) MagicLink(ctx context.Context, after time.Time) (string, error) {
	msg, err := c.FindMessage(ctx, "from:"+woltSender, after)
	if err != nil {
		return "", err
	}
	return extractMagicLink(msg)
}

func extractMagicLink(msg *Message) (string, error) {
	part := findPart(&msg.Payload, func(p *messagePart) bool {
		return p.MimeType == "text/html" && p.Body.Data != ""
	})
	if part == nil {
		return "", ErrLinkNotFound
	}
	body, err := decodeBody(part.Body.Data)
	if err != nil {
		return "", err
	}
	link := magicLinkRe.FindString(string(body))
	if link == "" {
		return "", ErrLinkNotFound
	}
	link = strings.ReplaceAll(link, `"`, "")
	return html.UnescapeString(link), nil
}

// GiftCardCode finds the gift-card mail sent after order submission and
// extracts the redemption code from its PDF attachment.
func (c *Client) GiftCardCode(ctx context.Context, after time.Time) (string, error) {
	query := fmt.Sprintf(`from:%s wolt gift card has:attachment filename:"Wolt gift card English"`, woltSender)
	msg, err := c.FindMessage(ctx, query, after)
	if err != nil {
		return "", err
	}

	part := findPart(&msg.Payload, func(p *messagePart) bool {
		return p.Body.AttachmentID != "" && strings.Contains(p.Filename, "Wolt gift card")
	})
	if part == nil {
		return "", ErrCodeNotFound
	}

	var att struct {
		Data string `json:"data"`
	}
	path := fmt.Sprintf("/users/me/messages/%s/attachments/%s", msg.ID, part.Body.AttachmentID)
	if err := c.get(ctx, path, nil, &att); err != nil {
		return "", err
	}
	data, err := decodeBody(att.Data)
	if err != nil {
		return "", err
	}

	text, err := pdfText(data)
	if err != nil {
		return "", fmt.Errorf("gmail: parse gift card pdf: %w", err)
	}
	return extractGiftCode(text)
}

func extractGiftCode(text string) (string, error) {
	// The PDF text comes out percent-encoded in places.
	text = strings.ReplaceAll(text, "%20", "")
	text = strings.ReplaceAll(text, "%3A", "")
	m := giftCodeRe.FindString(text)
	if m == "" {
		return "", ErrCodeNotFound
	}
	return strings.TrimPrefix(m, "00CODE"), nil
}

func pdfText(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}
	body, err := r.GetPlainText()
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(body); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// findPart walks the payload tree depth-first.
func findPart(p *messagePart, match func(*messagePart) bool) *messagePart {
	if match(p) {
		return p
	}
	for i := range p.Parts {
		if found := findPart(&p.Parts[i], match); found != nil {
			return found
		}
	}
	return nil
}

// decodeBody handles Gmail's URL-safe base64, padded or not.
func decodeBody(data string) ([]byte, error) {
	data = strings.TrimRight(data, "=")
	b, err := base64.RawURLEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("gmail: decode body: %w", err)
	}
	return b, nil
}
