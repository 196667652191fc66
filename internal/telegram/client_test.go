package telegram

import (
	"context"
	"encoding/json"
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

	c, err := NewClient("123:token", 42)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	c.SetBaseURL(srv.URL)
	return c
}

func TestSendLoginPrompt(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/bot123:token/sendMessage") {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if got := r.PostForm.Get("chat_id"); got != "42" {
			http.Error(w, "bad chat_id "+got, http.StatusBadRequest)
			return
		}
		var markup struct {
			InlineKeyboard [][]map[string]string `json:"inline_keyboard"`
		}
		if err := json.Unmarshal([]byte(r.PostForm.Get("reply_markup")), &markup); err != nil {
			http.Error(w, "bad reply_markup", http.StatusBadRequest)
			return
		}
		if markup.InlineKeyboard[0][0]["callback_data"] != "login" {
			http.Error(w, "bad callback_data", http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":77}}`)
	})

	id, err := c.SendLoginPrompt(context.Background())
	if err != nil {
		t.Fatalf("SendLoginPrompt: %v", err)
	}
	if id != 77 {
		t.Fatalf("message id=%d want 77", id)
	}
}

func TestCall_APIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":false,"description":"Bad Request: message to delete not found"}`)
	})

	err := c.DeleteMessage(context.Background(), 1)
	if err == nil || !strings.Contains(err.Error(), "message to delete not found") {
		t.Fatalf("err=%v want API description", err)
	}
}

func TestAwaitAck_MatchesChatAndPayload(t *testing.T) {
	batches := [][]string{
		// Wrong chat, then wrong payload: both must be skipped.
		{
			`{"update_id":1,"callback_query":{"id":"a","data":"login","message":{"message_id":5,"chat":{"id":99}}}}`,
			`{"update_id":2,"callback_query":{"id":"b","data":"other","message":{"message_id":6,"chat":{"id":42}}}}`,
		},
		{
			`{"update_id":3,"callback_query":{"id":"c","data":"login","message":{"message_id":7,"chat":{"id":42}}}}`,
		},
	}
	var polls int
	var offsets []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/getUpdates") {
			http.NotFound(w, r)
			return
		}
		_ = r.ParseForm()
		offsets = append(offsets, r.PostForm.Get("offset"))
		var batch []string
		if polls < len(batches) {
			batch = batches[polls]
		}
		polls++
		fmt.Fprintf(w, `{"ok":true,"result":[%s]}`, strings.Join(batch, ","))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ack, err := c.AwaitAck(ctx)
	if err != nil {
		t.Fatalf("AwaitAck: %v", err)
	}
	if ack.CallbackID != "c" || ack.MessageID != 7 {
		t.Fatalf("ack=%+v want callback c / message 7", ack)
	}
	if polls != 2 {
		t.Fatalf("polls=%d want 2", polls)
	}
	// Second poll must acknowledge the consumed updates.
	if offsets[1] != "3" {
		t.Fatalf("offsets=%v want second offset 3", offsets)
	}
}

func TestAwaitAck_ContextCancelled(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":true,"result":[]}`)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.AwaitAck(ctx)
	if err == nil {
		t.Fatal("expected context error")
	}
}
