// Package telegram is a minimal Bot API client covering what the login
// handshake needs: a prompt message with an inline ack button, message
// deletion, and a long-poll wait for the button press.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const DefaultBaseURL = "https://api.telegram.org"

// loginCallbackData identifies the ack button press among updates.
const loginCallbackData = "login"

const loginPromptText = "Please log in to Wolt via this link:\nhttps://wolt.com/en/me/personal-info"

// longPollSeconds keeps each getUpdates request open server-side; it must
// stay below the HTTP client timeout.
const longPollSeconds = 25

type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	chatID     int64
}

func NewClient(token string, chatID int64) (*Client, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("telegram: bot token required")
	}
	if chatID == 0 {
		return nil, fmt.Errorf("telegram: chat id required")
	}
	return &Client{
		httpClient: &http.Client{Timeout: (longPollSeconds + 10) * time.Second},
		baseURL:    DefaultBaseURL,
		token:      token,
		chatID:     chatID,
	}, nil
}

// SetBaseURL points the client at a test server.
func (c *Client) SetBaseURL(u string) { c.baseURL = strings.TrimRight(u, "/") }

type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

func (c *Client) call(ctx context.Context, method string, params url.Values, out any) error {
	endpoint := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(params.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	defer resp.Body.Close()

	var env apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("telegram %s: decode: %w", method, err)
	}
	if !env.OK {
		return fmt.Errorf("telegram %s: %s", method, env.Description)
	}
	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("telegram %s: decode result: %w", method, err)
		}
	}
	return nil
}

// SendLoginPrompt posts the operator prompt with the "I have logged in"
// inline button and returns the message id for later deletion.
func (c *Client) SendLoginPrompt(ctx context.Context) (int64, error) {
	markup, err := json.Marshal(map[string]any{
		"inline_keyboard": [][]map[string]string{{{
			"text":          "I have logged in",
			"callback_data": loginCallbackData,
		}}},
	})
	if err != nil {
		return 0, err
	}

	params := url.Values{}
	params.Set("chat_id", strconv.FormatInt(c.chatID, 10))
	params.Set("text", loginPromptText)
	params.Set("reply_markup", string(markup))

	var msg struct {
		MessageID int64 `json:"message_id"`
	}
	if err := c.call(ctx, "sendMessage", params, &msg); err != nil {
		return 0, err
	}
	return msg.MessageID, nil
}

func (c *Client) SendMessage(ctx context.Context, text string) (int64, error) {
	params := url.Values{}
	params.Set("chat_id", strconv.FormatInt(c.chatID, 10))
	params.Set("text", text)

	var msg struct {
		MessageID int64 `json:"message_id"`
	}
	if err := c.call(ctx, "sendMessage", params, &msg); err != nil {
		return 0, err
	}
	return msg.MessageID, nil
}

func (c *Client) DeleteMessage(ctx context.Context, messageID int64) error {
	params := url.Values{}
	params.Set("chat_id", strconv.FormatInt(c.chatID, 10))
	params.Set("message_id", strconv.FormatInt(messageID, 10))
	return c.call(ctx, "deleteMessage", params, nil)
}

func (c *Client) AnswerCallback(ctx context.Context, callbackID, text string) error {
	params := url.Values{}
	params.Set("callback_query_id", callbackID)
	if text != "" {
		params.Set("text", text)
	}
	return c.call(ctx, "answerCallbackQuery", params, nil)
}

// Ack is a received press of the login button.
type Ack struct {
	CallbackID string
	// MessageID is the prompt message the button belonged to.
	MessageID int64
}

type update struct {
	UpdateID      int64 `json:"update_id"`
	CallbackQuery *struct {
		ID      string `json:"id"`
		Data    string `json:"data"`
		Message *struct {
			MessageID int64 `json:"message_id"`
			Chat      struct {
				ID int64 `json:"id"`
			} `json:"chat"`
		} `json:"message"`
	} `json:"callback_query"`
}

// AwaitAck long-polls getUpdates until the expected operator presses the
// login button. Updates from other chats or with other payloads are
// consumed and ignored.
func (c *Client) AwaitAck(ctx context.Context) (Ack, error) {
	var offset int64
	for {
		if err := ctx.Err(); err != nil {
			return Ack{}, err
		}

		params := url.Values{}
		params.Set("timeout", strconv.Itoa(longPollSeconds))
		params.Set("allowed_updates", `["callback_query"]`)
		if offset != 0 {
			params.Set("offset", strconv.FormatInt(offset, 10))
		}

		var updates []update
		if err := c.call(ctx, "getUpdates", params, &updates); err != nil {
			if ctx.Err() != nil {
				return Ack{}, ctx.Err()
			}
			return Ack{}, err
		}

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			cq := u.CallbackQuery
			if cq == nil || cq.Message == nil {
				continue
			}
			if cq.Message.Chat.ID != c.chatID || cq.Data != loginCallbackData {
				continue
			}
			return Ack{CallbackID: cq.ID, MessageID: cq.Message.MessageID}, nil
		}
	}
}

// ConfirmAck answers the callback and thanks the operator in-channel.
func (c *Client) ConfirmAck(ctx context.Context, ack Ack) error {
	const thanks = "Thank you. Proceeding with loading your Cibus balance."
	if err := c.AnswerCallback(ctx, ack.CallbackID, thanks); err != nil {
		return err
	}
	_, err := c.SendMessage(ctx, thanks)
	return err
}
