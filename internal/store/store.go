// Package store provides a key-path document store with snapshot-isolated
// transactions, backed by memory or PostgreSQL.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"tallyd/internal/retry"
)

var (
	// ErrNotFound is returned when no record exists at the requested path.
	ErrNotFound = errors.New("record not found")
	// ErrExists is returned by Create when a record already exists.
	ErrExists = errors.New("record already exists")
	// ErrConflict is returned when a transaction cannot be serialized
	// against concurrent commits. Callers may retry.
	ErrConflict = errors.New("transaction conflict")
)

// Path addresses a record as an ordered list of segments,
// e.g. Path{"people", "alice", "balance"}.
type Path []string

// String joins the segments with "/". Segments must not contain "/".
func (p Path) String() string {
	return strings.Join(p, "/")
}

// Record is a stored value together with the path it lives at.
type Record struct {
	Path  Path
	Value json.RawMessage
}

// Tx is the view a transaction body operates on. Reads observe a consistent
// snapshot; writes are buffered and commit atomically when the body returns
// nil. Values are marshaled to and from JSON.
type Tx interface {
	Get(path Path, out any) error
	Put(path Path, value any) error
	Create(path Path, value any) error
	Delete(path Path) error
	// List returns all records strictly under prefix, ordered by path.
	List(prefix Path) ([]Record, error)
}

// Store is a key-path document store. The non-transactional methods are
// single-operation conveniences; multi-record work belongs in WithTransaction.
type Store interface {
	Get(ctx context.Context, path Path, out any) error
	Put(ctx context.Context, path Path, value any) error
	Create(ctx context.Context, path Path, value any) error
	Delete(ctx context.Context, path Path) error
	List(ctx context.Context, prefix Path) ([]Record, error)

	// WithTransaction runs fn under snapshot isolation. If fn returns an
	// error the buffered writes are discarded and the error is returned.
	// Returns ErrConflict when the commit cannot be serialized.
	WithTransaction(ctx context.Context, fn func(tx Tx) error) error

	Ping(ctx context.Context) error
	Close() error
}

// MaxCommitAttempts bounds RunInTransaction's conflict retries.
const MaxCommitAttempts = 5

// RunInTransaction executes fn via WithTransaction, retrying serialization
// conflicts up to MaxCommitAttempts times with jittered backoff. Any other
// error aborts immediately.
func RunInTransaction(ctx context.Context, s Store, fn func(tx Tx) error) error {
	err := retry.Do(ctx, MaxCommitAttempts, 5*time.Millisecond, func() error {
		err := s.WithTransaction(ctx, fn)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConflict) {
			return retry.Permanent(err)
		}
		TxConflictsTotal.Inc()
		return err
	})
	switch {
	case err == nil:
		TxOutcomesTotal.WithLabelValues("committed").Inc()
	case errors.Is(err, ErrConflict):
		TxOutcomesTotal.WithLabelValues("conflict").Inc()
	default:
		TxOutcomesTotal.WithLabelValues("aborted").Inc()
	}
	return err
}

func marshalValue(value any) (json.RawMessage, error) {
	if raw, ok := value.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(value)
}

func unmarshalValue(data json.RawMessage, out any) error {
	if raw, ok := out.(*json.RawMessage); ok {
		*raw = append((*raw)[:0], data...)
		return nil
	}
	return json.Unmarshal(data, out)
}
