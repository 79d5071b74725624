// Package sqlite is a single-file ports.RecordStore for local runs. Documents
// are JSON text; the change feed is in-process, so writes made by another
// process are not observed until the next reload.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // pure go sqlite driver

	"safetypatrol/internal/adapters/feed"
	"safetypatrol/internal/ports"
)

//go:embed migrations/*.sql
var embedded embed.FS

type Store struct {
	db    *sql.DB
	feed  *feed.Broker
	nowFn func() time.Time
}

var _ ports.RecordStore = (*Store)(nil)

// Open opens or creates the database at path. ":memory:" gives a private
// in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		path = "safetypatrol.db"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serialises writers and keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{`PRAGMA busy_timeout = 5000`, `PRAGMA journal_mode = WAL`} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return &Store{
		db:    db,
		feed:  feed.NewBroker(),
		nowFn: func() time.Time { return time.Now().UTC() },
	}, nil
}

// Migrations returns a goose provider sharing the store's handle. Do not
// close it; that would close the store.
func (s *Store) Migrations() (*goose.Provider, error) {
	sub, err := fs.Sub(embedded, "migrations")
	if err != nil {
		return nil, err
	}
	p, err := goose.NewProvider(goose.DialectSQLite3, s.db, sub)
	if err != nil {
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return p, nil
}

func (s *Store) Migrate(ctx context.Context) ([]*goose.MigrationResult, error) {
	p, err := s.Migrations()
	if err != nil {
		return nil, err
	}
	return p.Up(ctx)
}

// Close ends all subscriptions and closes the database.
func (s *Store) Close() error {
	s.feed.Close()
	return s.db.Close()
}

func (s *Store) Query(ctx context.Context, c ports.Collection, q ports.Query) ([]ports.Record, error) {
	var b strings.Builder
	args := []any{string(c)}
	b.WriteString(`SELECT id, doc, created_at, updated_at FROM records WHERE collection = ?`)
	if len(q.Keys) > 0 {
		b.WriteString(` AND id IN (?` + strings.Repeat(`,?`, len(q.Keys)-1) + `)`)
		for _, k := range q.Keys {
			args = append(args, k)
		}
	}
	for _, cond := range q.Where {
		b.WriteString(` AND json_extract(doc, '$.' || ?) = ?`)
		args = append(args, cond.Field, cond.Equals)
	}
	if q.Order == ports.OrderCreatedAsc {
		b.WriteString(` ORDER BY created_at ASC, seq ASC`)
	} else {
		b.WriteString(` ORDER BY created_at DESC, seq DESC`)
	}

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []ports.Record
	for rows.Next() {
		var (
			r                ports.Record
			doc              string
			created, updated int64
		)
		if err := rows.Scan(&r.Key, &doc, &created, &updated); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(doc), &r.Fields); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", c, r.Key, err)
		}
		r.CreatedAt, r.UpdatedAt = time.Unix(0, created).UTC(), time.Unix(0, updated).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// Upsert merges fields into the stored document inside one transaction.
func (s *Store) Upsert(ctx context.Context, c ports.Collection, key string, fields map[string]any) (retErr error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	var doc string
	op := ports.OpUpdate
	err = tx.QueryRowContext(ctx, `SELECT doc FROM records WHERE collection = ? AND id = ?`, string(c), key).Scan(&doc)
	merged := map[string]any{}
	switch {
	case errors.Is(err, sql.ErrNoRows):
		op = ports.OpInsert
	case err != nil:
		return err
	default:
		if err := json.Unmarshal([]byte(doc), &merged); err != nil {
			return fmt.Errorf("decode %s/%s: %w", c, key, err)
		}
	}
	for k, v := range fields {
		merged[k] = v
	}
	data, err := json.Marshal(merged)
	if err != nil {
		return err
	}

	now := s.nowFn().UnixNano()
	if op == ports.OpInsert {
		_, err = tx.ExecContext(ctx, `INSERT INTO records (collection, id, doc, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			string(c), key, string(data), now, now)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE records SET doc = ?, updated_at = ? WHERE collection = ? AND id = ?`,
			string(data), now, string(c), key)
	}
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.feed.Publish(ports.ChangeEvent{Collection: c, Op: op, Key: key})
	return nil
}

// InsertMany inserts in a single transaction. Conflicting keys are skipped
// and reported as ports.ErrConflict; other rows still commit.
func (s *Store) InsertMany(ctx context.Context, c ports.Collection, recs []ports.Record) []error {
	errs := make([]error, len(recs))
	if len(recs) == 0 {
		return errs
	}
	fail := func(err error) []error {
		for i := range errs {
			errs[i] = err
		}
		return errs
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fail(err)
	}
	now := s.nowFn().UnixNano()
	var inserted []string
	for i, r := range recs {
		fields := r.Fields
		if fields == nil {
			fields = map[string]any{}
		}
		data, err := json.Marshal(fields)
		if err != nil {
			errs[i] = err
			continue
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO records (collection, id, doc, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (collection, id) DO NOTHING`,
			string(c), r.Key, string(data), now, now)
		if err != nil {
			_ = tx.Rollback()
			return fail(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			errs[i] = ports.ErrConflict
			continue
		}
		inserted = append(inserted, r.Key)
	}
	if err := tx.Commit(); err != nil {
		return fail(err)
	}
	for _, key := range inserted {
		s.feed.Publish(ports.ChangeEvent{Collection: c, Op: ports.OpInsert, Key: key})
	}
	return errs
}

func (s *Store) Delete(ctx context.Context, c ports.Collection, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE collection = ? AND id = ?`, string(c), key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.feed.Publish(ports.ChangeEvent{Collection: c, Op: ports.OpDelete, Key: key})
	}
	return nil
}

func (s *Store) Subscribe(ctx context.Context, c ports.Collection, mask ports.EventMask) (ports.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.feed.Subscribe(ctx, c, mask), nil
}
