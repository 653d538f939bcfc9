// Package dispatch runs the side effects of a status transition at most once
// per (order, status, action), driven by the durable marker the engine
// writes together with the transition.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"reconcile-svc/middleware"
	"reconcile-svc/models"
	"reconcile-svc/store"

	"go.uber.org/zap"
)

const (
	ActionSMS              = "sms"
	ActionEmail            = "email"
	ActionInventoryRelease = "inventory_release"
	ActionPublish          = "publish"
)

var plans = map[models.OrderStatus][]string{
	models.OrderStatusPaid:      {ActionSMS, ActionEmail, ActionPublish},
	models.OrderStatusShipped:   {ActionSMS, ActionPublish},
	models.OrderStatusDelivered: {ActionEmail, ActionPublish},
	models.OrderStatusCancelled: {ActionInventoryRelease, ActionSMS, ActionEmail, ActionPublish},
}

// ActionsFor lists the side effects of entering status, in execution order.
func ActionsFor(status models.OrderStatus) []string {
	return append([]string(nil), plans[status]...)
}

// ErrSkipped marks an action that has nothing to do. It is not retried.
var ErrSkipped = errors.New("skipped")

type Action interface {
	Name() string
	Execute(ctx context.Context, order *models.Order, status models.OrderStatus) error
}

type Store interface {
	store.DispatchStore
	GetOrder(ctx context.Context, id string) (*models.Order, error)
}

type Options struct {
	MaxAttempts int
	Backoff     time.Duration
	Lease       time.Duration
	Grace       time.Duration
}

type Dispatcher struct {
	store   Store
	actions map[string]Action
	opts    Options
	logger  *zap.Logger
	wg      sync.WaitGroup
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

func New(st Store, actions []Action, opts Options, logger *zap.Logger) *Dispatcher {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Lease <= 0 {
		opts.Lease = 2 * time.Minute
	}
	d := &Dispatcher{
		store:   st,
		actions: make(map[string]Action, len(actions)),
		opts:    opts,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		sleep:   sleepContext,
	}
	for _, a := range actions {
		d.actions[a.Name()] = a
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Enqueue runs the marker in the background. The caller's request context
// is not used; Wait blocks until every enqueued run has returned.
func (d *Dispatcher) Enqueue(key models.DispatchKey) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.Run(context.Background(), key); err != nil {
			d.logger.Error("Dispatch run failed", zap.String("dispatch", key.String()), zap.Error(err))
		}
	}()
}

func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

var errLeaseLost = errors.New("dispatch lease lost")

// claim is the lease this run holds on a marker.
type claim struct {
	key   models.DispatchKey
	until time.Time
}

// leaseUntil is truncated so the stored value compares equal on Postgres.
func (d *Dispatcher) leaseUntil(now time.Time) time.Time {
	return now.Add(d.opts.Lease).Truncate(time.Microsecond)
}

// extend pushes the lease forward before each attempt, so a run never
// outlives its lease while it still has work to do.
func (d *Dispatcher) extend(ctx context.Context, cl *claim) error {
	until := d.leaseUntil(d.now())
	ok, err := d.store.ExtendDispatchClaim(ctx, cl.key, cl.until, until)
	if err != nil {
		return fmt.Errorf("failed to extend dispatch claim: %w", err)
	}
	if !ok {
		return errLeaseLost
	}
	cl.until = until
	return nil
}

// Run claims the marker and executes every action not yet done. Losing the
// claim is not an error: someone else is running it.
func (d *Dispatcher) Run(ctx context.Context, key models.DispatchKey) error {
	now := d.now()
	cl := &claim{key: key, until: d.leaseUntil(now)}
	claimed, err := d.store.ClaimDispatch(ctx, key, now, cl.until)
	if err != nil {
		return fmt.Errorf("failed to claim dispatch: %w", err)
	}
	if !claimed {
		d.logger.Debug("Dispatch already claimed or complete", zap.String("dispatch", key.String()))
		return nil
	}

	rec, err := d.store.GetDispatch(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to load dispatch: %w", err)
	}
	order, err := d.store.GetOrder(ctx, key.OrderID)
	if err != nil {
		return fmt.Errorf("failed to load order for dispatch: %w", err)
	}

	for _, name := range actionOrder(rec) {
		state := rec.Action(name)
		if state.State.Done() || state.State == models.ActionStateFailed {
			continue
		}
		if err := d.runAction(ctx, cl, order, state); err != nil {
			if errors.Is(err, errLeaseLost) {
				d.logger.Warn("Dispatch lease taken over, stopping run",
					zap.String("dispatch", key.String()),
					zap.String("action", name),
				)
				return nil
			}
			return err
		}
	}

	if err := d.store.CompleteDispatch(ctx, key, d.now()); err != nil {
		return fmt.Errorf("failed to complete dispatch: %w", err)
	}
	return nil
}

// actionOrder returns the plan's actions first, then any others on the marker.
func actionOrder(rec *models.DispatchRecord) []string {
	names := ActionsFor(rec.Key.Status)
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		seen[n] = true
	}
	for n := range rec.Actions {
		if !seen[n] {
			names = append(names, n)
		}
	}
	return names
}

// runAction retries one action with linear backoff and persists every
// attempt. Only a store failure is returned; action failures are recorded.
func (d *Dispatcher) runAction(ctx context.Context, cl *claim, order *models.Order, rec models.ActionRecord) error {
	key := cl.key
	action, ok := d.actions[rec.Name]
	if !ok {
		rec.State = models.ActionStateFailed
		rec.LastError = "no executor registered"
		rec.UpdatedAt = d.now()
		return d.store.RecordActionAttempt(ctx, key, rec)
	}

	for rec.Attempts < d.opts.MaxAttempts {
		if err := d.extend(ctx, cl); err != nil {
			return err
		}
		rec.Attempts++
		err := action.Execute(ctx, order, key.Status)
		rec.UpdatedAt = d.now()

		switch {
		case err == nil:
			rec.State = models.ActionStateSucceeded
			rec.LastError = ""
			middleware.RecordDispatchAction(rec.Name, "succeeded")
			d.logger.Info("Side effect executed",
				zap.String("dispatch", key.String()),
				zap.String("action", rec.Name),
				zap.Int("attempt", rec.Attempts),
			)
			return d.store.RecordActionAttempt(ctx, key, rec)

		case errors.Is(err, ErrSkipped):
			rec.State = models.ActionStateSkipped
			rec.LastError = err.Error()
			middleware.RecordDispatchAction(rec.Name, "skipped")
			d.logger.Info("Side effect skipped",
				zap.String("dispatch", key.String()),
				zap.String("action", rec.Name),
				zap.String("reason", err.Error()),
			)
			return d.store.RecordActionAttempt(ctx, key, rec)
		}

		rec.LastError = err.Error()
		if rec.Attempts >= d.opts.MaxAttempts {
			rec.State = models.ActionStateFailed
			middleware.RecordDispatchAction(rec.Name, "failed")
			d.logger.Error("Side effect failed after retries",
				zap.String("dispatch", key.String()),
				zap.String("action", rec.Name),
				zap.Int("attempts", rec.Attempts),
				zap.Error(err),
			)
			return d.store.RecordActionAttempt(ctx, key, rec)
		}

		middleware.RecordDispatchAction(rec.Name, "retry")
		if err := d.store.RecordActionAttempt(ctx, key, rec); err != nil {
			return err
		}
		backoff := time.Duration(rec.Attempts) * d.opts.Backoff
		d.logger.Warn("Retrying side effect",
			zap.String("dispatch", key.String()),
			zap.String("action", rec.Name),
			zap.Int("attempt", rec.Attempts),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		if err := d.sleep(ctx, backoff); err != nil {
			return err
		}
	}
	return nil
}

// Sweep re-runs markers left incomplete for longer than the grace period,
// e.g. after a crash between commit and dispatch.
func (d *Dispatcher) Sweep(ctx context.Context) (int, error) {
	keys, err := d.store.ListIncompleteDispatches(ctx, d.now().Add(-d.opts.Grace))
	if err != nil {
		return 0, fmt.Errorf("failed to list incomplete dispatches: %w", err)
	}
	for _, key := range keys {
		if err := d.Run(ctx, key); err != nil {
			d.logger.Error("Sweep run failed", zap.String("dispatch", key.String()), zap.Error(err))
		}
	}
	if len(keys) > 0 {
		d.logger.Info("Dispatch sweep finished", zap.Int("markers", len(keys)))
	}
	return len(keys), nil
}

func (d *Dispatcher) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.Sweep(ctx); err != nil {
				d.logger.Error("Dispatch sweep failed", zap.Error(err))
			}
		}
	}
}

// Retry reopens failed actions of a marker and runs it again.
func (d *Dispatcher) Retry(ctx context.Context, key models.DispatchKey) error {
	if err := d.store.ResetDispatch(ctx, key, d.now()); err != nil {
		return err
	}
	d.logger.Info("Dispatch retry requested", zap.String("dispatch", key.String()))
	d.Enqueue(key)
	return nil
}

func (d *Dispatcher) Failed(ctx context.Context) ([]models.DispatchRecord, error) {
	return d.store.ListFailedDispatches(ctx)
}
