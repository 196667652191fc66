package runlog

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/yanivfranco/wolt-cibus-loader/internal/money"
	"github.com/yanivfranco/wolt-cibus-loader/internal/wolt"
)

func TestLog_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "runs.jsonl")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := l.Started("run-1", true); err != nil {
		t.Fatalf("Started: %v", err)
	}
	if err := l.Finished("run-1", &wolt.Outcome{
		Submitted:   true,
		OrderNumber: "abc123",
		ReceiptURL:  "https://wolt.com/en/me/order-history/abc123",
		Price:       money.FromShekels(15),
		Balance:     money.FromShekels(20),
		Code:        "ab12CD34",
	}); err != nil {
		t.Fatalf("Finished: %v", err)
	}
	if err := l.Failed("run-2", nil, errors.New("boom")); err != nil {
		t.Fatalf("Failed: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3", len(lines))
	}

	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &rec); err != nil {
		t.Fatalf("line 2: %v", err)
	}
	if rec["event"] != "run_finished" || rec["order_number"] != "abc123" {
		t.Fatalf("record=%v", rec)
	}
	if rec["price"] != "₪15" || rec["redeemed"] != true {
		t.Fatalf("record=%v", rec)
	}
	if _, ok := rec["error"]; ok {
		t.Fatalf("finished record carries an error field: %v", rec)
	}

	if err := json.Unmarshal([]byte(lines[2]), &rec); err != nil {
		t.Fatalf("line 3: %v", err)
	}
	if rec["event"] != "run_failed" || rec["error"] != "boom" {
		t.Fatalf("record=%v", rec)
	}
}

func TestLog_NilDiscards(t *testing.T) {
	var l *Log
	if l, _ = Open("  "); l != nil {
		t.Fatal("blank path must return a nil log")
	}
	if err := l.Started("run-1", false); err != nil {
		t.Fatalf("nil log Started: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("nil log Close: %v", err)
	}
}
