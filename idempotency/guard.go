// Package idempotency admits each payment event at most once per dedup key.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"reconcile-svc/middleware"
	"reconcile-svc/models"

	"go.uber.org/zap"
)

const ReasonDuplicate = "duplicate"

var ErrUnscopedKey = errors.New("dedup key is not scoped to its source channel")

// Backend is an atomic put-if-absent keyed store. store.Store satisfies it.
type Backend interface {
	InsertDedup(ctx context.Context, rec models.DedupRecord) (bool, error)
	DeleteDedup(ctx context.Context, key string) error
	PurgeDedup(ctx context.Context, now time.Time) (int64, error)
}

type Admission struct {
	Admitted bool
	Reason   string
}

type Guard struct {
	backend   Backend
	retention time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

func NewGuard(backend Backend, retention time.Duration, logger *zap.Logger) *Guard {
	return &Guard{
		backend:   backend,
		retention: retention,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (g *Guard) Admit(ctx context.Context, event models.PaymentEvent) (Admission, error) {
	if !strings.HasPrefix(event.DedupKey, string(event.SourceChannel)+":") {
		return Admission{}, fmt.Errorf("%w: %q from %s", ErrUnscopedKey, event.DedupKey, event.SourceChannel)
	}

	now := g.now()
	inserted, err := g.backend.InsertDedup(ctx, models.DedupRecord{
		DedupKey:    event.DedupKey,
		OrderRef:    event.OrderRef,
		Channel:     event.SourceChannel,
		FirstSeenAt: now,
		ExpiresAt:   now.Add(g.retention),
	})
	if err != nil {
		return Admission{}, fmt.Errorf("failed to admit event: %w", err)
	}

	if !inserted {
		g.logger.Debug("Duplicate payment event dropped",
			zap.String("trace_id", middleware.GetTraceID(ctx)),
			zap.String("dedup_key", event.DedupKey),
			zap.String("order_ref", event.OrderRef),
		)
		middleware.RecordDuplicate(string(event.SourceChannel))
		return Admission{Admitted: false, Reason: ReasonDuplicate}, nil
	}
	return Admission{Admitted: true}, nil
}

// Release forgets an admitted key so the origin's retry is processed.
// Only call it when processing failed on infrastructure after admission.
func (g *Guard) Release(ctx context.Context, key string) error {
	if err := g.backend.DeleteDedup(ctx, key); err != nil {
		return fmt.Errorf("failed to release dedup key: %w", err)
	}
	g.logger.Warn("Dedup key released after processing failure", zap.String("dedup_key", key))
	return nil
}

func (g *Guard) Purge(ctx context.Context) (int64, error) {
	n, err := g.backend.PurgeDedup(ctx, g.now())
	if err != nil {
		return 0, fmt.Errorf("failed to purge dedup records: %w", err)
	}
	if n > 0 {
		g.logger.Info("Expired dedup records purged", zap.Int64("count", n))
	}
	return n, nil
}

// StartPurger purges expired records every interval until ctx is done.
func (g *Guard) StartPurger(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := g.Purge(ctx); err != nil {
				g.logger.Error("Dedup purge failed", zap.Error(err))
			}
		}
	}
}
