package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"reconcile-svc/channels"
	"reconcile-svc/models"
	"reconcile-svc/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type memOrders struct {
	mu     sync.Mutex
	orders map[string]models.Order
}

func (m *memOrders) GetOrder(_ context.Context, id string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &o, nil
}

func (m *memOrders) ListPendingByMethod(_ context.Context, method models.PaymentMethod) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Order
	for _, o := range m.orders {
		if o.Status == models.OrderStatusPending && o.PaymentMethod == method {
			out = append(out, o)
		}
	}
	return out, nil
}

type fakeSource struct {
	mu    sync.Mutex
	calls []string
	code  int
	err   error
}

func (f *fakeSource) Channel() models.Channel { return models.ChannelPesapal }

func (f *fakeSource) Poll(_ context.Context, order models.Order) (*models.PaymentEvent, *channels.PesapalStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, order.ID)
	if f.err != nil {
		return nil, nil, f.err
	}
	code := f.code
	st := &channels.PesapalStatus{StatusCode: &code, MerchantReference: order.ID}
	if code != channels.PesapalCompleted {
		return nil, st, nil
	}
	return &models.PaymentEvent{
		DedupKey:          models.DedupKey(models.ChannelPesapal, order.ExternalReference, order.ID, "successful"),
		OrderRef:          order.ID,
		ExternalReference: order.ExternalReference,
		ReportedAmount:    order.Total,
		ReportedCurrency:  order.Currency,
		Outcome:           models.OutcomeSuccessful,
		SourceChannel:     models.ChannelPesapal,
	}, st, nil
}

type fakeProcessor struct {
	events []models.PaymentEvent
	err    error
}

func (f *fakeProcessor) Process(_ context.Context, ev models.PaymentEvent) (models.TransitionResult, error) {
	f.events = append(f.events, ev)
	if f.err != nil {
		return models.TransitionResult{}, f.err
	}
	return models.TransitionResult{Applied: true, PreviousStatus: models.OrderStatusPending, NewStatus: models.OrderStatusPaid}, nil
}

func fixture() *memOrders {
	order := func(id, ref string, status models.OrderStatus, method models.PaymentMethod) models.Order {
		return models.Order{ID: id, ExternalReference: ref, Status: status, PaymentMethod: method, Total: decimal.NewFromInt(50000), Currency: "UGX"}
	}
	return &memOrders{orders: map[string]models.Order{
		"O1": order("O1", "track-1", models.OrderStatusPending, models.PaymentMethodPesapal),
		"O2": order("O2", "", models.OrderStatusPending, models.PaymentMethodPesapal),
		"O3": order("O3", "track-3", models.OrderStatusPaid, models.PaymentMethodPesapal),
		"O4": order("O4", "MP-4", models.OrderStatusPending, models.PaymentMethodMTNMoMo),
	}}
}

func newTestPoller(t *testing.T, orders OrderReader, src Source, proc Processor) *Poller {
	return New(orders, src, proc, Options{Interval: time.Hour, Timeout: time.Second}, zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel)))
}

func TestRunOnce_PollsEngagedPendingOrdersOnly(t *testing.T) {
	src := &fakeSource{code: channels.PesapalCompleted}
	proc := &fakeProcessor{}
	p := newTestPoller(t, fixture(), src, proc)

	n, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"O1"}, src.calls)
	require.Len(t, proc.events, 1)
	assert.Equal(t, "O1", proc.events[0].OrderRef)
}

func TestCheckOrder_NoEventForInvalidStatus(t *testing.T) {
	src := &fakeSource{code: channels.PesapalInvalid}
	proc := &fakeProcessor{}
	p := newTestPoller(t, fixture(), src, proc)

	res, err := p.CheckOrder(context.Background(), "O1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, res.Status)
	require.NotNil(t, res.GatewayStatus)
	assert.Nil(t, res.Result)
	assert.Empty(t, proc.events)
}

func TestCheckOrder_SkipsSettledOrder(t *testing.T) {
	src := &fakeSource{code: channels.PesapalCompleted}
	p := newTestPoller(t, fixture(), src, &fakeProcessor{})

	res, err := p.CheckOrder(context.Background(), "O3")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaid, res.Status)
	assert.Empty(t, src.calls)
}

func TestCheckOrder_GatewayErrorIsNotAFailedPayment(t *testing.T) {
	src := &fakeSource{err: errors.New("connection reset")}
	proc := &fakeProcessor{}
	p := newTestPoller(t, fixture(), src, proc)

	_, err := p.CheckOrder(context.Background(), "O1")
	require.Error(t, err)
	assert.Empty(t, proc.events)

	n, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCheckOrder_Applied(t *testing.T) {
	p := newTestPoller(t, fixture(), &fakeSource{code: channels.PesapalCompleted}, &fakeProcessor{})

	res, err := p.CheckOrder(context.Background(), "O1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaid, res.Status)
	require.NotNil(t, res.Result)
	assert.True(t, res.Result.Applied)
}

func TestCheckOrder_UnknownOrder(t *testing.T) {
	p := newTestPoller(t, fixture(), &fakeSource{}, &fakeProcessor{})

	_, err := p.CheckOrder(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestCheckOrder_RateLimited(t *testing.T) {
	src := &fakeSource{code: channels.PesapalInvalid}
	p := New(fixture(), src, &fakeProcessor{}, Options{Timeout: time.Second, Rate: 0.001}, zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel)))

	_, err := p.CheckOrder(context.Background(), "O1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.CheckOrder(ctx, "O1")
	require.Error(t, err)
	assert.Len(t, src.calls, 1)
}
