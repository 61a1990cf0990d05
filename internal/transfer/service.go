package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"tallyd/internal/account"
	"tallyd/internal/auth"
	"tallyd/internal/store"
	"tallyd/internal/traces"
)

// Notifier enqueues notification records for a transfer transition inside
// the same transaction that commits it.
type Notifier interface {
	Enqueue(tx store.Tx, t *Transfer) error
}

// Events receives committed transfer updates, e.g. for WebSocket fan-out.
type Events interface {
	TransferUpdated(t *Transfer)
}

// Service implements the transfer state machine over the store.
type Service struct {
	store    store.Store
	logger   *slog.Logger
	notifier Notifier
	events   Events
	monitor  *Monitor
	now      func() time.Time
}

// NewService creates a transfer service.
func NewService(st store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, logger: logger, now: time.Now}
}

// WithNotifier attaches the notification enqueuer.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithEvents attaches a committed-update consumer.
func (s *Service) WithEvents(e Events) *Service {
	s.events = e
	return s
}

// SetMonitor attaches the expiry monitor. Set after construction because
// the monitor drives expiry through the service.
func (s *Service) SetMonitor(m *Monitor) {
	s.monitor = m
}

// commit describes what a transaction did, for post-commit effects.
type commit struct {
	transfer *Transfer
	created  bool
	from     State
	dirty    bool
}

// Get returns a stored transfer.
func (s *Service) Get(ctx context.Context, id string) (*Transfer, error) {
	var t Transfer
	if err := s.store.Get(ctx, RecordPath(id), &t); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// GetFulfillment returns the stored fulfillment of a settled transfer.
func (s *Service) GetFulfillment(ctx context.Context, id string) (json.RawMessage, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !jsonPresent(t.Fulfillment) {
		return nil, fmt.Errorf("transfer has no fulfillment: %w", ErrNotFound)
	}
	return t.Fulfillment, nil
}

// Upsert creates a transfer or advances an existing one per the inbound
// body. The returned flag reports creation (HTTP 201 vs 200). The whole
// step, including its balance effects and notification rows, commits in
// one transaction.
func (s *Service) Upsert(ctx context.Context, principal *auth.Principal, req *UpsertRequest) (_ *Transfer, _ bool, retErr error) {
	ctx, span := traces.StartSpan(ctx, "transfer.Upsert", traces.TransferID(req.ID))
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
		}
		span.End()
	}()

	var out commit
	err := store.RunInTransaction(ctx, s.store, func(tx store.Tx) error {
		out = commit{}
		var stored Transfer
		err := tx.Get(RecordPath(req.ID), &stored)
		if errors.Is(err, store.ErrNotFound) {
			t, cerr := s.create(tx, principal, req)
			if cerr != nil {
				return cerr
			}
			out = commit{transfer: t, created: true, dirty: true}
			return nil
		}
		if err != nil {
			return err
		}
		out = commit{transfer: &stored, from: stored.State}
		dirty, aerr := s.advance(tx, principal, &stored, req)
		if aerr != nil {
			return aerr
		}
		out.dirty = dirty
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	s.afterCommit(&out)
	return out.transfer, out.created, nil
}

// create persists a new transfer, computing its initial state from the
// authorizations and condition it arrives with.
func (s *Service) create(tx store.Tx, principal *auth.Principal, req *UpsertRequest) (*Transfer, error) {
	now := s.now().UTC()

	if req.State == StateRejected {
		return nil, fmt.Errorf("cannot create a rejected transfer: %w", ErrInvalidTransition)
	}
	if err := checkSemantics(tx, req, now); err != nil {
		return nil, err
	}

	t := &Transfer{
		ID:               req.ID,
		SourceFunds:      copyFunds(req.SourceFunds, true),
		DestinationFunds: copyFunds(req.DestinationFunds, false),
		Condition:        req.Condition,
		ExpiresAt:        normalizeTime(req.ExpiresAt),
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	for i := range t.SourceFunds {
		f := &t.SourceFunds[i]
		if f.Authorized() && !principal.CanActFor(f.Account) {
			return nil, fmt.Errorf("authorization on %s: %w", f.Account, ErrNotAuthorized)
		}
	}

	t.setState(StateProposed, now)
	switch {
	case !t.FullyAuthorized():
		// Stays proposed until every source consents.
	case !t.Conditional():
		if err := s.moveDirect(tx, t); err != nil {
			return nil, err
		}
		t.setState(StateCompleted, now)
	default:
		if err := s.holdSources(tx, t); err != nil {
			return nil, err
		}
		t.setState(StatePrepared, now)
		if jsonPresent(req.Fulfillment) {
			// Condition first: prepare, then settle within the same
			// transaction. The balance effect still applies once.
			if err := s.settleHeld(tx, t); err != nil {
				return nil, err
			}
			t.Fulfillment = req.Fulfillment
			t.setState(StateCompleted, now)
		}
	}

	if err := tx.Create(RecordPath(t.ID), t); err != nil {
		if errors.Is(err, store.ErrExists) {
			// Lost a race with a concurrent create; the retry lands on
			// the advance path instead.
			return nil, store.ErrConflict
		}
		return nil, err
	}
	return t, s.enqueue(tx, t)
}

// advance applies an upsert body to an existing transfer: merge new
// authorizations, honor an explicit rejection, settle on fulfillment.
// Returns whether anything was persisted; an unchanged echo of the
// stored record is a no-op.
func (s *Service) advance(tx store.Tx, principal *auth.Principal, t *Transfer, req *UpsertRequest) (bool, error) {
	now := s.now().UTC()

	// The deadline may have passed before the monitor fired. Expire
	// first and judge the request against the terminal record.
	expired, err := s.expireIfDue(tx, t, now)
	if err != nil {
		return false, err
	}

	if !fundsMatch(t.SourceFunds, req.SourceFunds) || !fundsMatch(t.DestinationFunds, req.DestinationFunds) {
		return false, fmt.Errorf("funds are immutable once proposed: %w", ErrInvalidTransition)
	}
	if !jsonEqual(t.Condition, req.Condition) {
		return false, fmt.Errorf("execution_condition is immutable: %w", ErrInvalidTransition)
	}
	if !timesEqual(t.ExpiresAt, normalizeTime(req.ExpiresAt)) {
		return false, fmt.Errorf("expires_at is immutable: %w", ErrInvalidTransition)
	}

	if t.State.Terminal() {
		if echoesStored(t, req) {
			return expired, nil
		}
		return false, fmt.Errorf("transfer already %s: %w", t.State, ErrInvalidTransition)
	}

	if req.State == StateRejected {
		if !s.mayReject(principal, t) {
			return false, fmt.Errorf("rejection requires an involved party: %w", ErrNotAuthorized)
		}
		if t.State == StatePrepared {
			if err := s.releaseHeld(tx, t); err != nil {
				return false, err
			}
		}
		t.setState(StateRejected, now)
		t.UpdatedAt = now
		if err := tx.Put(RecordPath(t.ID), t); err != nil {
			return false, err
		}
		return true, s.enqueue(tx, t)
	}

	changed := false
	for i := range t.SourceFunds {
		sf := &t.SourceFunds[i]
		reqAuth := req.SourceFunds[i].Authorization
		if !jsonPresent(reqAuth) || jsonEqual(sf.Authorization, reqAuth) {
			continue // stored authorizations persist; omission never revokes
		}
		if !principal.CanActFor(sf.Account) {
			return false, fmt.Errorf("authorization on %s: %w", sf.Account, ErrNotAuthorized)
		}
		sf.Authorization = reqAuth
		changed = true
	}

	if jsonPresent(req.Fulfillment) && !t.Conditional() {
		return false, fmt.Errorf("fulfillment supplied without an execution condition: %w", ErrUnprocessable)
	}

	from := t.State
	if t.State == StateProposed && t.FullyAuthorized() {
		if t.Conditional() {
			if err := s.holdSources(tx, t); err != nil {
				return false, err
			}
			t.setState(StatePrepared, now)
		} else {
			if err := s.moveDirect(tx, t); err != nil {
				return false, err
			}
			t.setState(StateCompleted, now)
		}
		changed = true
	}

	if jsonPresent(req.Fulfillment) && !jsonEqual(t.Fulfillment, req.Fulfillment) {
		if t.State != StatePrepared {
			return false, fmt.Errorf("cannot fulfill transfer in state %s: %w", t.State, ErrInvalidTransition)
		}
		if err := s.settleHeld(tx, t); err != nil {
			return false, err
		}
		t.Fulfillment = req.Fulfillment
		t.setState(StateCompleted, now)
		changed = true
	}

	if !changed {
		return expired, nil
	}
	t.UpdatedAt = now
	if err := tx.Put(RecordPath(t.ID), t); err != nil {
		return false, err
	}
	if t.State != from {
		return true, s.enqueue(tx, t)
	}
	return true, nil
}

// Fulfill settles a prepared transfer with the supplied fulfillment.
// Repeating the same fulfillment on the settled transfer is idempotent.
func (s *Service) Fulfill(ctx context.Context, id string, fulfillment json.RawMessage) (_ *Transfer, retErr error) {
	ctx, span := traces.StartSpan(ctx, "transfer.Fulfill", traces.TransferID(id))
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
		}
		span.End()
	}()

	var out commit
	err := store.RunInTransaction(ctx, s.store, func(tx store.Tx) error {
		out = commit{}
		var t Transfer
		if err := tx.Get(RecordPath(id), &t); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrNotFound
			}
			return err
		}
		out = commit{transfer: &t, from: t.State}
		if !t.Conditional() {
			return fmt.Errorf("transfer has no execution condition: %w", ErrUnprocessable)
		}

		now := s.now().UTC()
		expired, err := s.expireIfDue(tx, &t, now)
		if err != nil {
			return err
		}
		out.dirty = expired

		switch t.State {
		case StateCompleted:
			if jsonEqual(t.Fulfillment, fulfillment) {
				return nil
			}
			return fmt.Errorf("transfer already completed: %w", ErrInvalidTransition)
		case StatePrepared:
			if err := s.settleHeld(tx, &t); err != nil {
				return err
			}
			t.Fulfillment = fulfillment
			t.setState(StateCompleted, now)
			t.UpdatedAt = now
			if err := tx.Put(RecordPath(id), &t); err != nil {
				return err
			}
			out.dirty = true
			return s.enqueue(tx, &t)
		default:
			return fmt.Errorf("cannot fulfill transfer in state %s: %w", t.State, ErrInvalidTransition)
		}
	})
	if err != nil {
		return nil, err
	}
	s.afterCommit(&out)
	return out.transfer, nil
}

// AutoExpire transitions a transfer to expired once its deadline has
// passed. The monitor drives this; the transition commits only when the
// transfer is still live, so settlements that beat the timer win.
func (s *Service) AutoExpire(ctx context.Context, id string) (bool, error) {
	var out commit
	err := store.RunInTransaction(ctx, s.store, func(tx store.Tx) error {
		out = commit{}
		var t Transfer
		if err := tx.Get(RecordPath(id), &t); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
		out = commit{transfer: &t, from: t.State}
		expired, err := s.expireIfDue(tx, &t, s.now().UTC())
		if err != nil {
			return err
		}
		out.dirty = expired
		return nil
	})
	if err != nil {
		return false, err
	}
	s.afterCommit(&out)
	return out.dirty, nil
}

// DeadlineScan lists live transfers with expiry deadlines, for monitor
// reloads.
func (s *Service) DeadlineScan(ctx context.Context) (map[string]time.Time, error) {
	records, err := s.store.List(ctx, store.Path{"transfers"})
	if err != nil {
		return nil, err
	}
	deadlines := make(map[string]time.Time)
	for _, rec := range records {
		var t Transfer
		if err := json.Unmarshal(rec.Value, &t); err != nil {
			s.logger.Warn("skipping unreadable transfer record",
				"path", rec.Path.String(), "error", err)
			continue
		}
		if !t.State.Terminal() && t.ExpiresAt != nil {
			deadlines[t.ID] = *t.ExpiresAt
		}
	}
	return deadlines, nil
}

// expireIfDue moves a live transfer past its deadline to expired,
// releasing held funds.
func (s *Service) expireIfDue(tx store.Tx, t *Transfer, now time.Time) (bool, error) {
	if t.State.Terminal() || t.ExpiresAt == nil || now.Before(*t.ExpiresAt) {
		return false, nil
	}
	if t.State == StatePrepared {
		if err := s.releaseHeld(tx, t); err != nil {
			return false, err
		}
	}
	t.setState(StateExpired, now)
	t.UpdatedAt = now
	if err := tx.Put(RecordPath(t.ID), t); err != nil {
		return false, err
	}
	return true, s.enqueue(tx, t)
}

// mayReject: admins and owners of any involved account may reject.
func (s *Service) mayReject(principal *auth.Principal, t *Transfer) bool {
	for _, name := range t.Accounts() {
		if principal.CanActFor(name) {
			return true
		}
	}
	return false
}

func (s *Service) enqueue(tx store.Tx, t *Transfer) error {
	if s.notifier == nil {
		return nil
	}
	return s.notifier.Enqueue(tx, t)
}

func (s *Service) afterCommit(c *commit) {
	if !c.dirty {
		return
	}
	t := c.transfer
	if c.created {
		recordTransition(t, s.now().UTC())
		s.logger.Info("transfer created",
			"transferId", t.ID, "state", string(t.State))
	} else if t.State != c.from {
		recordTransition(t, s.now().UTC())
		s.logger.Info("transfer state changed",
			"transferId", t.ID, "from", string(c.from), "to", string(t.State))
	}
	if s.events != nil {
		s.events.TransferUpdated(t)
	}
	if s.monitor != nil {
		if !t.State.Terminal() && t.ExpiresAt != nil {
			s.monitor.Track(t.ID, *t.ExpiresAt)
		} else {
			s.monitor.Forget(t.ID)
		}
	}
}

// echoesStored reports whether the request is a re-PUT of the stored
// record. The immutable fields are known to match already.
func echoesStored(t *Transfer, req *UpsertRequest) bool {
	if req.State != "" && req.State != t.State {
		return false
	}
	if jsonPresent(req.Fulfillment) && !jsonEqual(t.Fulfillment, req.Fulfillment) {
		return false
	}
	for i := range t.SourceFunds {
		reqAuth := req.SourceFunds[i].Authorization
		if jsonPresent(reqAuth) && !jsonEqual(t.SourceFunds[i].Authorization, reqAuth) {
			return false
		}
	}
	return true
}

// checkSemantics enforces the rules a structurally valid body can still
// break: conservation, positive amounts, known accounts, a live deadline,
// and a condition to match any fulfillment.
func checkSemantics(tx store.Tx, req *UpsertRequest, now time.Time) error {
	if len(req.SourceFunds) == 0 || len(req.DestinationFunds) == 0 {
		return fmt.Errorf("source and destination funds are required: %w", ErrUnprocessable)
	}
	var srcTotal, dstTotal decimal.Decimal
	for _, funds := range [][]Fund{req.SourceFunds, req.DestinationFunds} {
		for i := range funds {
			f := &funds[i]
			if !f.Amount.IsPositive() {
				return fmt.Errorf("amounts must be positive: %w", ErrUnprocessable)
			}
			if err := checkAccountExists(tx, f.Account); err != nil {
				return err
			}
		}
	}
	for i := range req.SourceFunds {
		srcTotal = srcTotal.Add(req.SourceFunds[i].Amount)
	}
	for i := range req.DestinationFunds {
		dstTotal = dstTotal.Add(req.DestinationFunds[i].Amount)
	}
	if !srcTotal.Equal(dstTotal) {
		return fmt.Errorf("source and destination amounts differ: %w", ErrUnprocessable)
	}
	if jsonPresent(req.Fulfillment) && !jsonPresent(req.Condition) {
		return fmt.Errorf("fulfillment supplied without an execution condition: %w", ErrUnprocessable)
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return fmt.Errorf("expires_at is in the past: %w", ErrUnprocessable)
	}
	return nil
}

func checkAccountExists(tx store.Tx, name string) error {
	var doc json.RawMessage
	if err := tx.Get(account.DocPath(name), &doc); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("account %s: %w", name, ErrUnknownAccount)
		}
		return err
	}
	return nil
}

// Balance application. Each helper reads and writes the balance records
// inside the caller's transaction, so concurrent transfers against the
// same accounts serialize through the store.

func (s *Service) moveDirect(tx store.Tx, t *Transfer) error {
	for i := range t.SourceFunds {
		f := &t.SourceFunds[i]
		if err := adjustBalance(tx, f.Account, f.Amount.Neg()); err != nil {
			return err
		}
	}
	for i := range t.DestinationFunds {
		f := &t.DestinationFunds[i]
		if err := adjustBalance(tx, f.Account, f.Amount); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) holdSources(tx store.Tx, t *Transfer) error {
	for i := range t.SourceFunds {
		f := &t.SourceFunds[i]
		if err := adjustBalance(tx, f.Account, f.Amount.Neg()); err != nil {
			return err
		}
		if err := adjustHeld(tx, f.Account, f.Amount); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) settleHeld(tx store.Tx, t *Transfer) error {
	for i := range t.SourceFunds {
		f := &t.SourceFunds[i]
		if err := adjustHeld(tx, f.Account, f.Amount.Neg()); err != nil {
			return err
		}
	}
	for i := range t.DestinationFunds {
		f := &t.DestinationFunds[i]
		if err := adjustBalance(tx, f.Account, f.Amount); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) releaseHeld(tx store.Tx, t *Transfer) error {
	for i := range t.SourceFunds {
		f := &t.SourceFunds[i]
		if err := adjustHeld(tx, f.Account, f.Amount.Neg()); err != nil {
			return err
		}
		if err := adjustBalance(tx, f.Account, f.Amount); err != nil {
			return err
		}
	}
	return nil
}

func adjustBalance(tx store.Tx, name string, delta decimal.Decimal) error {
	balance, err := readDecimal(tx, account.BalancePath(name))
	if err != nil {
		return err
	}
	next := balance.Add(delta)
	if next.IsNegative() {
		return fmt.Errorf("account %s: %w", name, ErrInsufficientFunds)
	}
	return tx.Put(account.BalancePath(name), next)
}

func adjustHeld(tx store.Tx, name string, delta decimal.Decimal) error {
	held, err := readDecimal(tx, account.HeldPath(name))
	if err != nil {
		return err
	}
	next := held.Add(delta)
	if next.IsNegative() {
		return fmt.Errorf("held funds for %s went negative", name)
	}
	return tx.Put(account.HeldPath(name), next)
}

func readDecimal(tx store.Tx, p store.Path) (decimal.Decimal, error) {
	var d decimal.Decimal
	if err := tx.Get(p, &d); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return d, nil
}

// copyFunds clones a fund list; destination funds drop any client-sent
// authorization.
func copyFunds(funds []Fund, keepAuth bool) []Fund {
	out := make([]Fund, len(funds))
	copy(out, funds)
	if !keepAuth {
		for i := range out {
			out[i].Authorization = nil
		}
	}
	return out
}

func normalizeTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
