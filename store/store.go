// Package store persists orders, their transition history, dedup records,
// dispatch markers and the rejection backlog.
package store

import (
	"context"
	"errors"
	"time"

	"reconcile-svc/models"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
	// ErrStaleStatus means the order moved since it was read; reload and re-evaluate.
	ErrStaleStatus = errors.New("order status changed concurrently")
	// ErrReferenceConflict means the external reference is bound to a different value or order.
	ErrReferenceConflict = errors.New("external reference conflict")
)

// Commit is one atomic status change. The order row is updated only if it
// still has Transition.FromStatus and its reference is unset or equal to
// ExternalReference. Dispatch, when set, is created in the same write.
type Commit struct {
	Transition        models.Transition
	ExternalReference string
	Dispatch          *models.DispatchRecord
}

type OrderStore interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	// GetOrder returns the order with its full history.
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	FindByExternalReference(ctx context.Context, ref string) (*models.Order, error)
	ListPendingByMethod(ctx context.Context, method models.PaymentMethod) ([]models.Order, error)
	CommitTransition(ctx context.Context, c Commit) error
	AppendEvidence(ctx context.Context, t models.Transition) error
	SetExternalReference(ctx context.Context, orderID, ref string) error
}

type DedupStore interface {
	// InsertDedup reports false when the key already exists.
	InsertDedup(ctx context.Context, rec models.DedupRecord) (bool, error)
	DeleteDedup(ctx context.Context, key string) error
	PurgeDedup(ctx context.Context, now time.Time) (int64, error)
}

type RejectionStore interface {
	RecordRejection(ctx context.Context, r models.Rejection) error
	// ListRejections filters by reason when reason is non-empty.
	ListRejections(ctx context.Context, reason models.RejectionReason, includeResolved bool) ([]models.Rejection, error)
	ResolveRejection(ctx context.Context, id uuid.UUID, by string, at time.Time) error
}

type DispatchStore interface {
	GetDispatch(ctx context.Context, key models.DispatchKey) (*models.DispatchRecord, error)
	// ClaimDispatch takes the lease if the marker is incomplete and unclaimed
	// (or its lease expired). It reports false if someone else holds it.
	ClaimDispatch(ctx context.Context, key models.DispatchKey, now, until time.Time) (bool, error)
	// ExtendDispatchClaim moves a held lease from held to until. It reports
	// false when the marker no longer carries the held lease.
	ExtendDispatchClaim(ctx context.Context, key models.DispatchKey, held, until time.Time) (bool, error)
	RecordActionAttempt(ctx context.Context, key models.DispatchKey, action models.ActionRecord) error
	CompleteDispatch(ctx context.Context, key models.DispatchKey, at time.Time) error
	ListIncompleteDispatches(ctx context.Context, createdBefore time.Time) ([]models.DispatchKey, error)
	ListFailedDispatches(ctx context.Context) ([]models.DispatchRecord, error)
	// ResetDispatch marks failed actions pending again and reopens the marker.
	ResetDispatch(ctx context.Context, key models.DispatchKey, now time.Time) error
}

type Store interface {
	OrderStore
	DedupStore
	RejectionStore
	DispatchStore
}

// NewDispatchRecord builds the marker for a transition with every action pending.
func NewDispatchRecord(orderID string, status models.OrderStatus, actions []string, now time.Time) *models.DispatchRecord {
	rec := &models.DispatchRecord{
		Key:       models.DispatchKey{OrderID: orderID, Status: status},
		Actions:   make(map[string]models.ActionRecord, len(actions)),
		CreatedAt: now,
	}
	for _, name := range actions {
		rec.Actions[name] = models.ActionRecord{Name: name, State: models.ActionStatePending, UpdatedAt: now}
	}
	return rec
}
