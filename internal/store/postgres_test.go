package store

import (
	"context"
	"errors"
	"testing"

	"tallyd/internal/testutil"
)

func setupPG(t *testing.T) (*PostgresStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	return NewPostgresStore(db), cleanup
}

func TestPostgres_CRUD(t *testing.T) {
	s, cleanup := setupPG(t)
	defer cleanup()
	ctx := context.Background()

	if err := s.Create(ctx, Path{"people", "alice"}, doc{Name: "alice"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := s.Create(ctx, Path{"people", "alice"}, doc{Name: "alice"}); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}

	var got doc
	if err := s.Get(ctx, Path{"people", "alice"}, &got); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Name != "alice" {
		t.Fatalf("expected alice, got %q", got.Name)
	}

	if err := s.Put(ctx, Path{"people", "alice"}, doc{Name: "alice", Count: 7}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Get(ctx, Path{"people", "alice"}, &got); err != nil {
		t.Fatalf("Get after Put failed: %v", err)
	}
	if got.Count != 7 {
		t.Fatalf("expected count 7, got %d", got.Count)
	}

	if err := s.Delete(ctx, Path{"people", "alice"}); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := s.Get(ctx, Path{"people", "alice"}, &got); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgres_ListPrefix(t *testing.T) {
	s, cleanup := setupPG(t)
	defer cleanup()
	ctx := context.Background()

	for _, name := range []string{"bob", "alice"} {
		if err := s.Put(ctx, Path{"people", name}, doc{Name: name}); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	if err := s.Put(ctx, Path{"people", "alice", "balance"}, "100"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Put(ctx, Path{"transfers", "t1"}, doc{Name: "t1"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	records, err := s.List(ctx, Path{"people"})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	if records[0].Path.String() != "people/alice" {
		t.Fatalf("expected people/alice first, got %s", records[0].Path)
	}

	records, err = s.List(ctx, Path{"people", "alice"})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 1 || records[0].Path.String() != "people/alice/balance" {
		t.Fatalf("unexpected nested listing: %+v", records)
	}
}

func TestPostgres_TransactionRollback(t *testing.T) {
	s, cleanup := setupPG(t)
	defer cleanup()
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.WithTransaction(ctx, func(tx Tx) error {
		if err := tx.Put(Path{"transfers", "t1"}, doc{Name: "t1"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	var got doc
	if err := s.Get(ctx, Path{"transfers", "t1"}, &got); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after rollback, got %v", err)
	}
}

func TestPostgres_TransactionCreateAndList(t *testing.T) {
	s, cleanup := setupPG(t)
	defer cleanup()
	ctx := context.Background()

	err := s.WithTransaction(ctx, func(tx Tx) error {
		if err := tx.Create(Path{"people", "alice"}, doc{Name: "alice"}); err != nil {
			return err
		}
		if err := tx.Create(Path{"people", "alice"}, doc{Name: "alice"}); !errors.Is(err, ErrExists) {
			t.Fatalf("expected ErrExists inside tx, got %v", err)
		}
		// The duplicate must not poison the transaction.
		records, err := tx.List(Path{"people"})
		if err != nil {
			return err
		}
		if len(records) != 1 {
			t.Fatalf("expected 1 record inside tx, got %d", len(records))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transaction failed: %v", err)
	}

	var got doc
	if err := s.Get(ctx, Path{"people", "alice"}, &got); err != nil {
		t.Fatalf("Get after commit failed: %v", err)
	}
}

func TestPostgres_SerializableIncrements(t *testing.T) {
	s, cleanup := setupPG(t)
	defer cleanup()
	ctx := context.Background()

	if err := s.Put(ctx, Path{"counter"}, 0); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	done := make(chan error, 2)
	for w := 0; w < 2; w++ {
		go func() {
			var err error
			for i := 0; i < 10; i++ {
				err = RunInTransaction(ctx, s, func(tx Tx) error {
					var n int
					if e := tx.Get(Path{"counter"}, &n); e != nil {
						return e
					}
					return tx.Put(Path{"counter"}, n+1)
				})
				if err != nil {
					break
				}
			}
			done <- err
		}()
	}
	for w := 0; w < 2; w++ {
		if err := <-done; err != nil {
			t.Fatalf("increment worker failed: %v", err)
		}
	}

	var n int
	if err := s.Get(ctx, Path{"counter"}, &n); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if n != 20 {
		t.Fatalf("lost updates: expected 20, got %d", n)
	}
}
