// Package handshake resolves the one-time login link without the bot
// holding durable storefront credentials: a human operator is prompted
// over the messaging channel to trigger the login mail, and once they
// acknowledge, the link is recovered from the inbox.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/yanivfranco/wolt-cibus-loader/internal/retry"
	"github.com/yanivfranco/wolt-cibus-loader/internal/telegram"
)

var (
	ErrOperatorTimeout = errors.New("handshake: operator did not acknowledge in time")
	ErrLinkNotFound    = errors.New("handshake: login link not found")
)

// Notifier is the messaging-channel surface the coordinator drives.
// *telegram.Client implements it.
type Notifier interface {
	SendLoginPrompt(ctx context.Context) (int64, error)
	DeleteMessage(ctx context.Context, messageID int64) error
	AwaitAck(ctx context.Context) (telegram.Ack, error)
	ConfirmAck(ctx context.Context, ack telegram.Ack) error
}

// PollFunc recovers the login link from the inbox, considering only mail
// received at or after the given time.
type PollFunc func(ctx context.Context, after time.Time) (string, error)

type Config struct {
	// ResendInterval is the pause between operator prompts (default 1m).
	// Each resend deletes the previous prompt first.
	ResendInterval time.Duration
	// Timeout is the hard deadline on the whole acknowledgment phase
	// (default 5m).
	Timeout time.Duration
	// PollRetry bounds the inbox poll after acknowledgment.
	PollRetry retry.Options
}

func (c Config) withDefaults() Config {
	if c.ResendInterval <= 0 {
		c.ResendInterval = time.Minute
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Minute
	}
	if c.PollRetry.Attempts <= 0 {
		c.PollRetry.Attempts = 5
	}
	if c.PollRetry.What == "" {
		c.PollRetry.What = "magic link poll"
	}
	return c
}

type Coordinator struct {
	bot  Notifier
	poll PollFunc
	cfg  Config
}

func New(bot Notifier, poll PollFunc, cfg Config) (*Coordinator, error) {
	if bot == nil || poll == nil {
		return nil, fmt.Errorf("handshake: notifier and poll func required")
	}
	c := &Coordinator{bot: bot, poll: poll, cfg: cfg.withDefaults()}
	return c, nil
}

// Resolve runs the handshake: prompt, resend until acknowledged or the
// deadline fires, then poll the inbox for a link that arrived after the
// first prompt went out. The inbox is never polled before the operator
// acknowledges, and never matches mail older than the prompt, so a stale
// link from a previous run cannot be reused.
func (c *Coordinator) Resolve(ctx context.Context) (string, error) {
	sentAt := time.Now()

	ackCtx, cancelAck := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancelAck()

	firstID, err := c.bot.SendLoginPrompt(ackCtx)
	if err != nil {
		return "", fmt.Errorf("send login prompt: %w", err)
	}
	log.Printf("[info] login prompt sent; waiting for operator acknowledgment (timeout %s)", c.cfg.Timeout)

	var mu sync.Mutex
	lastID := firstID

	// Resend loop: one prompt per interval, deleting the previous one.
	// It stops on its next tick after the ack fires or the deadline
	// cancels ackCtx, whichever is observed first. A tick whose resend
	// lands within half an interval of the deadline is not sent, so a
	// timeout of N intervals issues exactly N prompts.
	deadline := sentAt.Add(c.cfg.Timeout)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(c.cfg.ResendInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ackCtx.Done():
				return
			case <-ticker.C:
			}
			if ackCtx.Err() != nil {
				return
			}
			if time.Now().Add(c.cfg.ResendInterval / 2).After(deadline) {
				return
			}

			mu.Lock()
			prev := lastID
			mu.Unlock()
			if err := c.bot.DeleteMessage(ackCtx, prev); err != nil {
				log.Printf("[warn] delete login prompt %d: %v", prev, err)
			}
			id, err := c.bot.SendLoginPrompt(ackCtx)
			if err != nil {
				if ackCtx.Err() == nil {
					log.Printf("[warn] resend login prompt: %v", err)
				}
				continue
			}
			mu.Lock()
			lastID = id
			mu.Unlock()
		}
	}()

	ack, ackErr := c.bot.AwaitAck(ackCtx)
	cancelAck()
	wg.Wait()

	if ackErr != nil {
		if errors.Is(ackErr, context.DeadlineExceeded) || ackCtx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("%w (after %s)", ErrOperatorTimeout, c.cfg.Timeout)
		}
		return "", fmt.Errorf("await operator ack: %w", ackErr)
	}

	log.Printf("[info] operator acknowledged; polling inbox for the login link")
	if err := c.bot.ConfirmAck(ctx, ack); err != nil {
		log.Printf("[warn] confirm ack: %v", err)
	}
	mu.Lock()
	prev := lastID
	mu.Unlock()
	if err := c.bot.DeleteMessage(ctx, prev); err != nil {
		log.Printf("[warn] delete login prompt %d: %v", prev, err)
	}

	link, err := retry.Do(ctx, c.cfg.PollRetry, func(ctx context.Context) (string, error) {
		return c.poll(ctx, sentAt)
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrLinkNotFound, err)
	}
	return link, nil
}
