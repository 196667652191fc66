// Package runlog appends one newline-delimited JSON record per run
// event to a local file, so scheduled runs leave an auditable trail of
// what was purchased, for how much, and what failed.
package runlog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/yanivfranco/wolt-cibus-loader/internal/money"
	"github.com/yanivfranco/wolt-cibus-loader/internal/wolt"
)

// Log is safe for concurrent use. A nil *Log discards every record, so
// callers can leave logging unconfigured without guarding each call.
type Log struct {
	mu   sync.Mutex
	file *os.File
	w    *bufio.Writer
}

// Open creates (or appends to) the run log at path. An empty path
// returns a nil log that discards records.
func Open(path string) (*Log, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &Log{file: f, w: bufio.NewWriterSize(f, 4*1024)}, nil
}

type record struct {
	Time  string `json:"ts"`
	Run   string `json:"run"`
	Event string `json:"event"`

	DryRun *bool `json:"dry_run,omitempty"`

	Submitted   *bool  `json:"submitted,omitempty"`
	OrderNumber string `json:"order_number,omitempty"`
	ReceiptURL  string `json:"receipt_url,omitempty"`
	Price       string `json:"price,omitempty"`
	Balance     string `json:"balance,omitempty"`
	Redeemed    *bool  `json:"redeemed,omitempty"`

	Error string `json:"error,omitempty"`
}

// Started records the beginning of a run.
func (l *Log) Started(runID string, dryRun bool) error {
	return l.write(record{Run: runID, Event: "run_started", DryRun: &dryRun})
}

// Finished records a completed run, dry or submitted.
func (l *Log) Finished(runID string, out *wolt.Outcome) error {
	redeemed := out.Code != ""
	return l.write(record{
		Run:         runID,
		Event:       "run_finished",
		Submitted:   &out.Submitted,
		OrderNumber: out.OrderNumber,
		ReceiptURL:  out.ReceiptURL,
		Price:       amountField(out.Price),
		Balance:     amountField(out.Balance),
		Redeemed:    &redeemed,
	})
}

// Failed records a run that ended in an error. When the order was
// confirmed before the failure (redemption problems), the partial
// outcome is recorded too.
func (l *Log) Failed(runID string, out *wolt.Outcome, err error) error {
	rec := record{Run: runID, Event: "run_failed", Error: err.Error()}
	if out != nil {
		rec.Submitted = &out.Submitted
		rec.OrderNumber = out.OrderNumber
		rec.ReceiptURL = out.ReceiptURL
		rec.Price = amountField(out.Price)
	}
	return l.write(rec)
}

func amountField(a money.Amount) string {
	if a == 0 {
		return ""
	}
	return a.String()
}

func (l *Log) write(rec record) error {
	if l == nil {
		return nil
	}
	rec.Time = time.Now().UTC().Format(time.RFC3339)

	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.w.Write(b); err != nil {
		return err
	}
	if err := l.w.WriteByte('\n'); err != nil {
		return err
	}
	// Flush per record so a tail -f sees events as they happen.
	return l.w.Flush()
}

// Close flushes buffered records and closes the file.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.w.Flush(); err != nil {
		l.file.Close()
		return err
	}
	return l.file.Close()
}
