package client

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kendall-kelly/support-relay-api/models"
)

// ErrThreadClosed is returned by Run once the thread is closed and every
// message has been handed over.
var ErrThreadClosed = errors.New("support thread closed")

// Poller replicates a thread over the read path. It is the fallback for
// clients that cannot hold a websocket, and what a live client runs once
// after reconnecting to fill the gap.
type Poller struct {
	client   *Client
	limiter  *rate.Limiter
	pageSize int
	maxWait  time.Duration
	logger   *zap.Logger
}

// NewPoller polls at most once per interval.
func NewPoller(c *Client, interval time.Duration, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		client:   c,
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		pageSize: 100,
		maxWait:  time.Minute,
		logger:   logger,
	}
}

// Run fetches messages with seq > afterSeq and passes them to handle in order
// until ctx ends, handle fails, or the thread is closed. It returns the seq of
// the last handled message alongside the reason it stopped.
func (p *Poller) Run(ctx context.Context, threadID string, afterSeq int64, handle func(models.Message) error) (int64, error) {
	failures := 0
	morePages := false
	for {
		if !morePages {
			if err := p.wait(ctx); err != nil {
				return afterSeq, err
			}
		}
		morePages = false

		page, err := p.client.ListMessages(ctx, threadID, afterSeq, p.pageSize)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && !apiErr.Retryable() {
				return afterSeq, err
			}
			if ctx.Err() != nil {
				return afterSeq, ctx.Err()
			}
			failures++
			wait := p.backoff(failures)
			p.logger.Warn("poll failed, backing off",
				zap.String("thread_id", threadID),
				zap.Int("failures", failures),
				zap.Duration("wait", wait),
				zap.Error(err),
			)
			if err := sleep(ctx, wait); err != nil {
				return afterSeq, err
			}
			continue
		}
		failures = 0

		for _, msg := range page.Messages {
			// Live pushes may already have delivered some of these.
			if msg.Seq <= afterSeq {
				continue
			}
			if err := handle(msg); err != nil {
				return afterSeq, err
			}
			afterSeq = msg.Seq
		}

		if len(page.Messages) == p.pageSize {
			morePages = true
			continue
		}
		if page.Status == models.ThreadClosed && afterSeq >= page.LastSeq {
			return afterSeq, ErrThreadClosed
		}
	}
}

// wait blocks until the next poll is due. It only fails once ctx is done,
// and then with ctx's own error.
func (p *Poller) wait(ctx context.Context) error {
	r := p.limiter.Reserve()
	if err := sleep(ctx, r.Delay()); err != nil {
		r.Cancel()
		return err
	}
	return nil
}

func (p *Poller) backoff(failures int) time.Duration {
	wait := time.Duration(1<<min(failures, 6)) * 250 * time.Millisecond
	return min(wait, p.maxWait)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
