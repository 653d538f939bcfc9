package idempotency

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"reconcile-svc/models"
	"reconcile-svc/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func newBoltGuard(t *testing.T) *Guard {
	t.Helper()
	logger := zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))
	s, err := store.NewBoltStore(filepath.Join(t.TempDir(), "guard.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewGuard(s, 72*time.Hour, logger)
}

func airtelEvent() models.PaymentEvent {
	return models.PaymentEvent{
		ID:               uuid.New(),
		DedupKey:         "airtel_money:AM-9:successful",
		OrderRef:         "O1",
		ReportedAmount:   decimal.NewFromInt(50000),
		ReportedCurrency: "UGX",
		Outcome:          models.OutcomeSuccessful,
		SourceChannel:    models.ChannelAirtelMoney,
		ReceivedAt:       time.Now().UTC(),
	}
}

func TestGuard_AdmitsOnce(t *testing.T) {
	g := newBoltGuard(t)
	ctx := context.Background()

	first, err := g.Admit(ctx, airtelEvent())
	require.NoError(t, err)
	assert.True(t, first.Admitted)

	second, err := g.Admit(ctx, airtelEvent())
	require.NoError(t, err)
	assert.False(t, second.Admitted)
	assert.Equal(t, ReasonDuplicate, second.Reason)
}

func TestGuard_ConcurrentAdmission(t *testing.T) {
	g := newBoltGuard(t)

	var admitted int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := g.Admit(context.Background(), airtelEvent())
			assert.NoError(t, err)
			if a.Admitted {
				atomic.AddInt32(&admitted, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), admitted)
}

func TestGuard_RefusesUnscopedKey(t *testing.T) {
	g := newBoltGuard(t)
	ev := airtelEvent()
	ev.DedupKey = "mtn_momo:AM-9:successful"

	_, err := g.Admit(context.Background(), ev)
	assert.ErrorIs(t, err, ErrUnscopedKey)
}

func TestGuard_ReleaseAllowsRetry(t *testing.T) {
	g := newBoltGuard(t)
	ctx := context.Background()

	a, err := g.Admit(ctx, airtelEvent())
	require.NoError(t, err)
	require.True(t, a.Admitted)

	require.NoError(t, g.Release(ctx, airtelEvent().DedupKey))

	a, err = g.Admit(ctx, airtelEvent())
	require.NoError(t, err)
	assert.True(t, a.Admitted)
}

func TestGuard_PurgeExpired(t *testing.T) {
	g := newBoltGuard(t)
	ctx := context.Background()
	start := time.Now().UTC()
	g.now = func() time.Time { return start }

	_, err := g.Admit(ctx, airtelEvent())
	require.NoError(t, err)

	g.now = func() time.Time { return start.Add(73 * time.Hour) }
	n, err := g.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

type failingBackend struct{}

func (failingBackend) InsertDedup(context.Context, models.DedupRecord) (bool, error) {
	return false, errors.New("connection refused")
}
func (failingBackend) DeleteDedup(context.Context, string) error { return nil }
func (failingBackend) PurgeDedup(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func TestGuard_BackendErrorIsNotADuplicate(t *testing.T) {
	g := NewGuard(failingBackend{}, time.Hour, zaptest.NewLogger(t))

	a, err := g.Admit(context.Background(), airtelEvent())
	assert.Error(t, err)
	assert.False(t, a.Admitted)
	assert.Empty(t, a.Reason)
}
