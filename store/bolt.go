package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"reconcile-svc/models"

	bolt "github.com/boltdb/bolt"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ordersBucket      = []byte("orders")
	historyBucket     = []byte("history")
	eventsBucket      = []byte("transition_events")
	refsBucket        = []byte("external_references")
	dedupBucket       = []byte("dedup_records")
	dispatchBucket    = []byte("dispatch_records")
	rejectionsBucket  = []byte("payment_rejections")
	allBoltBucketKeys = [][]byte{ordersBucket, historyBucket, eventsBucket, refsBucket, dedupBucket, dispatchBucket, rejectionsBucket}
)

// BoltStore keeps everything in a single Bolt file. Bolt serialises writers,
// so every compare-and-set below runs inside one Update transaction.
type BoltStore struct {
	db     *bolt.DB
	logger *zap.Logger
}

func NewBoltStore(path string, logger *zap.Logger) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBoltBucketKeys {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	logger.Info("Bolt store opened", zap.String("path", path))
	return &BoltStore{db: db, logger: logger}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func getJSON(b *bolt.Bucket, key []byte, v any) (bool, error) {
	data := b.Get(key)
	if data == nil {
		return false, nil
	}
	return true, json.Unmarshal(data, v)
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func eventKey(orderID, eventID string) []byte {
	return []byte(orderID + "\x00" + eventID)
}

func (s *BoltStore) CreateOrder(ctx context.Context, order *models.Order) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(ordersBucket)
		if b.Get([]byte(order.ID)) != nil {
			return ErrExists
		}
		if order.ExternalReference != "" {
			refs := tx.Bucket(refsBucket)
			if refs.Get([]byte(order.ExternalReference)) != nil {
				return ErrReferenceConflict
			}
			if err := refs.Put([]byte(order.ExternalReference), []byte(order.ID)); err != nil {
				return err
			}
		}
		stored := *order
		stored.History = nil
		return putJSON(b, []byte(order.ID), stored)
	})
}

func (s *BoltStore) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	err := s.db.View(func(tx *bolt.Tx) error {
		ok, err := getJSON(tx.Bucket(ordersBucket), []byte(id), &order)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		hb := tx.Bucket(historyBucket).Bucket([]byte(id))
		if hb == nil {
			return nil
		}
		return hb.ForEach(func(_, v []byte) error {
			var t models.Transition
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			order.History = append(order.History, t)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (s *BoltStore) FindByExternalReference(ctx context.Context, ref string) (*models.Order, error) {
	var id []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(refsBucket).Get([]byte(ref)); v != nil {
			id = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if id == nil {
		return nil, ErrNotFound
	}
	return s.GetOrder(ctx, string(id))
}

func (s *BoltStore) ListPendingByMethod(ctx context.Context, method models.PaymentMethod) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(ordersBucket).ForEach(func(_, v []byte) error {
			var o models.Order
			if err := json.Unmarshal(v, &o); err != nil {
				return err
			}
			if o.Status == models.OrderStatusPending && o.PaymentMethod == method {
				orders = append(orders, o)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt.Before(orders[j].CreatedAt) })
	return orders, nil
}

func appendTransition(tx *bolt.Tx, t models.Transition) error {
	events := tx.Bucket(eventsBucket)
	ek := eventKey(t.OrderID, t.EventID)
	if events.Get(ek) != nil {
		return ErrExists
	}
	hb, err := tx.Bucket(historyBucket).CreateBucketIfNotExists([]byte(t.OrderID))
	if err != nil {
		return err
	}
	seq, err := hb.NextSequence()
	if err != nil {
		return err
	}
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	if err := putJSON(hb, key, t); err != nil {
		return err
	}
	return events.Put(ek, []byte(t.ID.String()))
}

func (s *BoltStore) CommitTransition(ctx context.Context, c Commit) error {
	t := c.Transition
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(ordersBucket)
		var order models.Order
		ok, err := getJSON(b, []byte(t.OrderID), &order)
		if err != nil {
			return err
		}
		if !ok || order.Status != t.FromStatus {
			return ErrStaleStatus
		}

		if ref := c.ExternalReference; ref != "" {
			if order.ExternalReference != "" && order.ExternalReference != ref {
				return ErrStaleStatus
			}
			if order.ExternalReference == "" {
				refs := tx.Bucket(refsBucket)
				if owner := refs.Get([]byte(ref)); owner != nil && string(owner) != order.ID {
					return ErrReferenceConflict
				}
				if err := refs.Put([]byte(ref), []byte(order.ID)); err != nil {
					return err
				}
				order.ExternalReference = ref
			}
		}

		order.Status = t.ToStatus
		order.UpdatedAt = t.AppliedAt
		if err := putJSON(b, []byte(order.ID), order); err != nil {
			return err
		}
		if err := appendTransition(tx, t); err != nil {
			return err
		}

		if d := c.Dispatch; d != nil {
			db := tx.Bucket(dispatchBucket)
			key := []byte(d.Key.String())
			if db.Get(key) == nil {
				if err := putJSON(db, key, d); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (s *BoltStore) AppendEvidence(ctx context.Context, t models.Transition) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(ordersBucket).Get([]byte(t.OrderID)) == nil {
			return ErrNotFound
		}
		return appendTransition(tx, t)
	})
	if err == ErrExists {
		return nil
	}
	return err
}

func (s *BoltStore) SetExternalReference(ctx context.Context, orderID, ref string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(ordersBucket)
		var order models.Order
		ok, err := getJSON(b, []byte(orderID), &order)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		if order.ExternalReference == ref {
			return nil
		}
		if order.ExternalReference != "" {
			return ErrReferenceConflict
		}
		refs := tx.Bucket(refsBucket)
		if refs.Get([]byte(ref)) != nil {
			return ErrReferenceConflict
		}
		if err := refs.Put([]byte(ref), []byte(orderID)); err != nil {
			return err
		}
		order.ExternalReference = ref
		order.UpdatedAt = time.Now().UTC()
		return putJSON(b, []byte(orderID), order)
	})
}

func (s *BoltStore) InsertDedup(ctx context.Context, rec models.DedupRecord) (bool, error) {
	inserted := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(dedupBucket)
		if b.Get([]byte(rec.DedupKey)) != nil {
			return nil
		}
		inserted = true
		return putJSON(b, []byte(rec.DedupKey), rec)
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

func (s *BoltStore) DeleteDedup(ctx context.Context, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(dedupBucket).Delete([]byte(key))
	})
}

func (s *BoltStore) PurgeDedup(ctx context.Context, now time.Time) (int64, error) {
	var purged int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(dedupBucket)
		var expired [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var rec models.DedupRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if !rec.ExpiresAt.After(now) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		purged = int64(len(expired))
		return nil
	})
	return purged, err
}

func (s *BoltStore) RecordRejection(ctx context.Context, r models.Rejection) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(rejectionsBucket), []byte(r.ID.String()), r)
	})
}

func (s *BoltStore) ListRejections(ctx context.Context, reason models.RejectionReason, includeResolved bool) ([]models.Rejection, error) {
	var out []models.Rejection
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(rejectionsBucket).ForEach(func(_, v []byte) error {
			var r models.Rejection
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if reason != models.RejectionNone && r.Reason != reason {
				return nil
			}
			if !includeResolved && r.ResolvedAt != nil {
				return nil
			}
			out = append(out, r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *BoltStore) ResolveRejection(ctx context.Context, id uuid.UUID, by string, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(rejectionsBucket)
		var r models.Rejection
		ok, err := getJSON(b, []byte(id.String()), &r)
		if err != nil {
			return err
		}
		if !ok || r.ResolvedAt != nil {
			return ErrNotFound
		}
		r.ResolvedAt = &at
		r.ResolvedBy = by
		return putJSON(b, []byte(id.String()), r)
	})
}

func (s *BoltStore) GetDispatch(ctx context.Context, key models.DispatchKey) (*models.DispatchRecord, error) {
	var rec models.DispatchRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		ok, err := getJSON(tx.Bucket(dispatchBucket), []byte(key.String()), &rec)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// updateDispatch loads, mutates and stores one marker in a single transaction.
func (s *BoltStore) updateDispatch(key models.DispatchKey, fn func(rec *models.DispatchRecord) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(dispatchBucket)
		var rec models.DispatchRecord
		ok, err := getJSON(b, []byte(key.String()), &rec)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		if err := fn(&rec); err != nil {
			return err
		}
		return putJSON(b, []byte(key.String()), rec)
	})
}

var errClaimHeld = errors.New("dispatch claim held")

func (s *BoltStore) ClaimDispatch(ctx context.Context, key models.DispatchKey, now, until time.Time) (bool, error) {
	err := s.updateDispatch(key, func(rec *models.DispatchRecord) error {
		if rec.CompletedAt != nil || (rec.ClaimedUntil != nil && !rec.ClaimedUntil.Before(now)) {
			return errClaimHeld
		}
		rec.ClaimedUntil = &until
		return nil
	})
	switch err {
	case nil:
		return true, nil
	case errClaimHeld, ErrNotFound:
		return false, nil
	default:
		return false, err
	}
}

func (s *BoltStore) ExtendDispatchClaim(ctx context.Context, key models.DispatchKey, held, until time.Time) (bool, error) {
	err := s.updateDispatch(key, func(rec *models.DispatchRecord) error {
		if rec.CompletedAt != nil || rec.ClaimedUntil == nil || !rec.ClaimedUntil.Equal(held) {
			return errClaimHeld
		}
		rec.ClaimedUntil = &until
		return nil
	})
	switch err {
	case nil:
		return true, nil
	case errClaimHeld, ErrNotFound:
		return false, nil
	default:
		return false, err
	}
}

func (s *BoltStore) RecordActionAttempt(ctx context.Context, key models.DispatchKey, a models.ActionRecord) error {
	return s.updateDispatch(key, func(rec *models.DispatchRecord) error {
		if rec.Actions == nil {
			rec.Actions = map[string]models.ActionRecord{}
		}
		rec.Actions[a.Name] = a
		return nil
	})
}

func (s *BoltStore) CompleteDispatch(ctx context.Context, key models.DispatchKey, at time.Time) error {
	return s.updateDispatch(key, func(rec *models.DispatchRecord) error {
		rec.CompletedAt = &at
		rec.ClaimedUntil = nil
		return nil
	})
}

func (s *BoltStore) forEachDispatch(fn func(rec models.DispatchRecord)) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(dispatchBucket).ForEach(func(_, v []byte) error {
			var rec models.DispatchRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			fn(rec)
			return nil
		})
	})
}

func (s *BoltStore) ListIncompleteDispatches(ctx context.Context, createdBefore time.Time) ([]models.DispatchKey, error) {
	var recs []models.DispatchRecord
	err := s.forEachDispatch(func(rec models.DispatchRecord) {
		if rec.CompletedAt == nil && rec.CreatedAt.Before(createdBefore) {
			recs = append(recs, rec)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.Before(recs[j].CreatedAt) })

	keys := make([]models.DispatchKey, len(recs))
	for i, rec := range recs {
		keys[i] = rec.Key
	}
	return keys, nil
}

func (s *BoltStore) ListFailedDispatches(ctx context.Context) ([]models.DispatchRecord, error) {
	var out []models.DispatchRecord
	err := s.forEachDispatch(func(rec models.DispatchRecord) {
		if rec.HasFailures() {
			out = append(out, rec)
		}
	})
	return out, err
}

func (s *BoltStore) ResetDispatch(ctx context.Context, key models.DispatchKey, now time.Time) error {
	return s.updateDispatch(key, func(rec *models.DispatchRecord) error {
		for name, a := range rec.Actions {
			if a.State == models.ActionStateFailed {
				rec.Actions[name] = models.ActionRecord{Name: name, State: models.ActionStatePending, UpdatedAt: now}
			}
		}
		rec.CompletedAt = nil
		rec.ClaimedUntil = nil
		return nil
	})
}
