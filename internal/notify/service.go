package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tallyd/internal/auth"
	"tallyd/internal/idgen"
	"tallyd/internal/store"
	"tallyd/internal/transfer"
)

// Service manages subscriptions and fans transfer transitions out into
// the notification queue. It implements transfer.Notifier.
type Service struct {
	store   store.Store
	logger  *slog.Logger
	baseURI string
	now     func() time.Time
}

// NewService creates a notification service over the given store.
func NewService(st store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, logger: logger, now: time.Now}
}

// WithBaseURI sets the base used to absolutize transfer ids in delivered
// snapshots.
func (s *Service) WithBaseURI(uri string) *Service {
	s.baseURI = uri
	return s
}

// UpsertInput carries the client-settable subscription fields.
type UpsertInput struct {
	Owner     string
	Event     string
	TargetURI string
	Secret    string
}

// GetSubscription resolves a subscription by bare id.
func (s *Service) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	var sub Subscription
	err := store.RunInTransaction(ctx, s.store, func(tx store.Tx) error {
		var idx subscriptionIndex
		if err := tx.Get(indexPath(id), &idx); err != nil {
			return err
		}
		return tx.Get(SubscriptionPath(idx.Owner, id), &sub)
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// UpsertSubscription creates or updates a subscription. Only the owner
// (or an admin) may create one in the owner's name or touch it after.
// The owner is fixed at creation; an empty secret on update keeps the
// stored one.
func (s *Service) UpsertSubscription(ctx context.Context, principal *auth.Principal, id string, in UpsertInput) (*Subscription, bool, error) {
	var (
		out     *Subscription
		created bool
	)
	err := store.RunInTransaction(ctx, s.store, func(tx store.Tx) error {
		out, created = nil, false
		now := s.now().UTC()

		var idx subscriptionIndex
		err := tx.Get(indexPath(id), &idx)
		if errors.Is(err, store.ErrNotFound) {
			if !principal.CanActFor(in.Owner) {
				return fmt.Errorf("subscription for %s: %w", in.Owner, ErrNotAuthorized)
			}
			secret := in.Secret
			if secret == "" {
				secret = idgen.Hex(32)
			}
			sub := &Subscription{
				ID:        id,
				Owner:     in.Owner,
				Event:     in.Event,
				TargetURI: in.TargetURI,
				Secret:    secret,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := tx.Create(SubscriptionPath(in.Owner, id), sub); err != nil {
				return createErr(err)
			}
			if err := tx.Create(indexPath(id), subscriptionIndex{Owner: in.Owner}); err != nil {
				return createErr(err)
			}
			out, created = sub, true
			return nil
		}
		if err != nil {
			return err
		}

		var sub Subscription
		if err := tx.Get(SubscriptionPath(idx.Owner, id), &sub); err != nil {
			return err
		}
		if !principal.CanActFor(sub.Owner) {
			return fmt.Errorf("subscription for %s: %w", sub.Owner, ErrNotAuthorized)
		}
		if in.Owner != sub.Owner {
			return ErrImmutable
		}
		sub.Event = in.Event
		sub.TargetURI = in.TargetURI
		if in.Secret != "" {
			sub.Secret = in.Secret
		}
		sub.UpdatedAt = now
		if err := tx.Put(SubscriptionPath(sub.Owner, id), &sub); err != nil {
			return err
		}
		out = &sub
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		s.logger.Info("subscription created",
			"subscriptionId", id, "owner", out.Owner, "event", out.Event)
	}
	return out, created, nil
}

// DeleteSubscription removes a subscription and its index entry.
func (s *Service) DeleteSubscription(ctx context.Context, principal *auth.Principal, id string) error {
	err := store.RunInTransaction(ctx, s.store, func(tx store.Tx) error {
		var idx subscriptionIndex
		if err := tx.Get(indexPath(id), &idx); err != nil {
			return err
		}
		var sub Subscription
		if err := tx.Get(SubscriptionPath(idx.Owner, id), &sub); err != nil {
			return err
		}
		if !principal.CanActFor(sub.Owner) {
			return fmt.Errorf("subscription for %s: %w", sub.Owner, ErrNotAuthorized)
		}
		if err := tx.Delete(SubscriptionPath(idx.Owner, id)); err != nil {
			return err
		}
		return tx.Delete(indexPath(id))
	})
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}
	return err
}

// GetNotification returns a notification scoped to its subscription; a
// mismatched subscription id reads as absent.
func (s *Service) GetNotification(ctx context.Context, subscriptionID, id string) (*Notification, error) {
	var n Notification
	err := s.store.Get(ctx, NotificationPath(id), &n)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if n.SubscriptionID != subscriptionID {
		return nil, fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	return &n, nil
}

// Enqueue inserts one pending notification per matching subscription of
// every account party to the transfer. It runs inside the transfer's own
// transaction, so the queue entry and the transition commit together.
func (s *Service) Enqueue(tx store.Tx, t *transfer.Transfer) error {
	snapshot, err := s.snapshot(t)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	for _, owner := range t.Accounts() {
		records, err := tx.List(store.Path{"people", owner, "subscriptions"})
		if err != nil {
			return err
		}
		for _, rec := range records {
			var sub Subscription
			if err := json.Unmarshal(rec.Value, &sub); err != nil {
				s.logger.Warn("skipping unreadable subscription",
					"path", rec.Path.String(), "error", err)
				continue
			}
			if sub.Event != EventAll && sub.Event != EventTransferUpdate {
				continue
			}
			n := &Notification{
				ID:             idgen.New(),
				SubscriptionID: sub.ID,
				TransferID:     t.ID,
				Event:          EventTransferUpdate,
				Snapshot:       snapshot,
				State:          DeliveryPending,
				NextAttemptAt:  now,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if err := tx.Create(NotificationPath(n.ID), n); err != nil {
				return err
			}
			EnqueuedTotal.Inc()
		}
	}
	return nil
}

// snapshot renders the transfer as delivered to subscribers, with the id
// absolutized against the base URI.
func (s *Service) snapshot(t *transfer.Transfer) (json.RawMessage, error) {
	snap := *t
	if s.baseURI != "" {
		snap.ID = s.baseURI + "/transfers/" + t.ID
	}
	return json.Marshal(&snap)
}

func createErr(err error) error {
	if errors.Is(err, store.ErrExists) {
		return store.ErrConflict
	}
	return err
}
