package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// PostgresStore implements Store on a single records table. Transactions run
// at SERIALIZABLE isolation; Postgres detects conflicting interleavings and
// aborts one side, which surfaces as ErrConflict.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the records table. cmd/migrate applies the same schema
// through goose; this keeps single-binary deployments working.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS records (
			path       TEXT PRIMARY KEY,
			value      JSONB NOT NULL,
			version    BIGINT NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_records_path_prefix ON records (path text_pattern_ops);
	`)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, path Path, out any) error {
	var data json.RawMessage
	err := p.db.QueryRowContext(ctx,
		`SELECT value FROM records WHERE path = $1`, path.String()).Scan(&data)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return mapPGError(err)
	}
	return unmarshalValue(data, out)
}

func (p *PostgresStore) Put(ctx context.Context, path Path, value any) error {
	data, err := marshalValue(value)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO records (path, value) VALUES ($1, $2)
		ON CONFLICT (path) DO UPDATE SET
			value      = EXCLUDED.value,
			version    = records.version + 1,
			updated_at = NOW()
	`, path.String(), []byte(data))
	return mapPGError(err)
}

func (p *PostgresStore) Create(ctx context.Context, path Path, value any) error {
	data, err := marshalValue(value)
	if err != nil {
		return err
	}
	// ON CONFLICT DO NOTHING keeps a duplicate from aborting an enclosing
	// transaction; zero rows affected means the record already existed.
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO records (path, value) VALUES ($1, $2)
		ON CONFLICT (path) DO NOTHING
	`, path.String(), []byte(data))
	if err != nil {
		return mapPGError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrExists
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, path Path) error {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM records WHERE path = $1`, path.String())
	if err != nil {
		return mapPGError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, prefix Path) ([]Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT path, value FROM records
		WHERE path LIKE $1 ESCAPE '\' ORDER BY path
	`, likePrefix(prefix))
	if err != nil {
		return nil, mapPGError(err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (p *PostgresStore) WithTransaction(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(&pgTx{ctx: ctx, tx: tx}); err != nil {
		return err
	}
	return mapPGError(tx.Commit())
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}

// DB exposes the underlying handle for stats collection.
func (p *PostgresStore) DB() *sql.DB {
	return p.db
}

type pgTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *pgTx) Get(path Path, out any) error {
	var data json.RawMessage
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT value FROM records WHERE path = $1`, path.String()).Scan(&data)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return mapPGError(err)
	}
	return unmarshalValue(data, out)
}

func (t *pgTx) Put(path Path, value any) error {
	data, err := marshalValue(value)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO records (path, value) VALUES ($1, $2)
		ON CONFLICT (path) DO UPDATE SET
			value      = EXCLUDED.value,
			version    = records.version + 1,
			updated_at = NOW()
	`, path.String(), []byte(data))
	return mapPGError(err)
}

func (t *pgTx) Create(path Path, value any) error {
	data, err := marshalValue(value)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO records (path, value) VALUES ($1, $2)
		ON CONFLICT (path) DO NOTHING
	`, path.String(), []byte(data))
	if err != nil {
		return mapPGError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrExists
	}
	return nil
}

func (t *pgTx) Delete(path Path) error {
	res, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM records WHERE path = $1`, path.String())
	if err != nil {
		return mapPGError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) List(prefix Path) ([]Record, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT path, value FROM records
		WHERE path LIKE $1 ESCAPE '\' ORDER BY path
	`, likePrefix(prefix))
	if err != nil {
		return nil, mapPGError(err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		var key string
		var data json.RawMessage
		if err := rows.Scan(&key, &data); err != nil {
			return nil, err
		}
		out = append(out, Record{Path: Path(strings.Split(key, "/")), Value: data})
	}
	return out, rows.Err()
}

// likePrefix builds a LIKE pattern matching descendants of prefix, escaping
// LIKE metacharacters that may appear in path segments.
func likePrefix(prefix Path) string {
	esc := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return esc.Replace(prefix.String()) + "/%"
}

// mapPGError translates driver error codes to store sentinels. Serialization
// failures can surface on any statement, not just commit.
func mapPGError(err error) error {
	if err == nil {
		return nil
	}
	if pqErr, ok := err.(*pq.Error); ok {
		switch pqErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %s", ErrConflict, pqErr.Message)
		case "23505": // unique_violation
			return fmt.Errorf("%w: %s", ErrExists, pqErr.Detail)
		}
	}
	return err
}
