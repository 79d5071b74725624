package postgres

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"safetypatrol/internal/adapters/feed"
	"safetypatrol/internal/ports"
)

// Store implements ports.RecordStore on the records table.
type Store struct {
	db       *DB
	log      logrus.FieldLogger
	listener *listener
}

var _ ports.RecordStore = (*Store)(nil)

func NewStore(db *DB, log logrus.FieldLogger) *Store {
	return &Store{
		db:       db,
		log:      log,
		listener: &listener{db: db, log: log.WithField("channel", notifyChannel), broker: feed.NewBroker()},
	}
}

// Close stops the change feed listener and ends every subscription. The pool
// stays open.
func (s *Store) Close() { s.listener.close() }

// buildQuery renders q as SQL with positional arguments.
func buildQuery(c ports.Collection, q ports.Query) (string, []any) {
	var b strings.Builder
	args := []any{string(c)}
	b.WriteString(`SELECT id, doc, created_at, updated_at FROM records WHERE collection = $1`)
	if len(q.Keys) > 0 {
		args = append(args, q.Keys)
		b.WriteString(` AND id = ANY($` + strconv.Itoa(len(args)) + `)`)
	}
	for _, cond := range q.Where {
		args = append(args, cond.Field, cond.Equals)
		fmt.Fprintf(&b, ` AND doc->>$%d = $%d`, len(args)-1, len(args))
	}
	if q.Order == ports.OrderCreatedAsc {
		b.WriteString(` ORDER BY created_at ASC, seq ASC`)
	} else {
		b.WriteString(` ORDER BY created_at DESC, seq DESC`)
	}
	return b.String(), args
}

func (s *Store) Query(ctx context.Context, c ports.Collection, q ports.Query) ([]ports.Record, error) {
	sql, args := buildQuery(c, q)
	rows, err := s.db.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ports.Record
	for rows.Next() {
		var r ports.Record
		if err := rows.Scan(&r.Key, &r.Fields, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) Upsert(ctx context.Context, c ports.Collection, key string, fields map[string]any) error {
	if fields == nil {
		fields = map[string]any{}
	}
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO records (collection, id, doc)
		VALUES ($1, $2, $3)
		ON CONFLICT (collection, id) DO UPDATE
		SET doc = records.doc || EXCLUDED.doc, updated_at = now()
	`, string(c), key, fields)
	return err
}

// InsertMany sends every insert in one batch; a row that already exists is
// left alone and reported as ports.ErrConflict.
func (s *Store) InsertMany(ctx context.Context, c ports.Collection, recs []ports.Record) []error {
	errs := make([]error, len(recs))
	if len(recs) == 0 {
		return errs
	}
	batch := &pgx.Batch{}
	for _, r := range recs {
		fields := r.Fields
		if fields == nil {
			fields = map[string]any{}
		}
		batch.Queue(`
			INSERT INTO records (collection, id, doc)
			VALUES ($1, $2, $3)
			ON CONFLICT (collection, id) DO NOTHING
		`, string(c), r.Key, fields)
	}

	br := s.db.Pool.SendBatch(ctx, batch)
	for i := range recs {
		tag, err := br.Exec()
		switch {
		case err != nil:
			errs[i] = err
		case tag.RowsAffected() == 0:
			errs[i] = ports.ErrConflict
		}
	}
	if err := br.Close(); err != nil {
		for i := range errs {
			if errs[i] == nil {
				errs[i] = err
			}
		}
	}
	return errs
}

func (s *Store) Delete(ctx context.Context, c ports.Collection, key string) error {
	_, err := s.db.Pool.Exec(ctx, `DELETE FROM records WHERE collection = $1 AND id = $2`, string(c), key)
	return err
}

// Subscribe starts the shared LISTEN connection if it is not running and
// attaches a subscription to it.
func (s *Store) Subscribe(ctx context.Context, c ports.Collection, mask ports.EventMask) (ports.Subscription, error) {
	return s.listener.subscribe(ctx, c, mask)
}
