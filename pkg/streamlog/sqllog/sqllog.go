// Package sqllog implements streamlog.Log on a relational database through
// ent's SQL dialect layer. Dialect-specific drivers live in the sqlite and
// postgres packages.
//
// Blocking reads poll the database; there is no cross-process notification.
package sqllog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"entgo.io/ent/dialect/sql/schema"
	"entgo.io/ent/schema/field"

	"github.com/papercomputeco/spool/pkg/streamlog"
)

const (
	defaultPollInterval = 50 * time.Millisecond
	pruneInterval       = time.Minute

	streamsTable = "spool_streams"
	recordsTable = "spool_records"
)

// tables describes the schema. A fresh set is built per migration because
// the migrator annotates the tables it is given.
func tables() []*schema.Table {
	streams := schema.NewTable(streamsTable).
		AddPrimary(&schema.Column{Name: "stream_key", Type: field.TypeString}).
		AddColumn(&schema.Column{Name: "last_seq", Type: field.TypeInt64}).
		AddColumn(&schema.Column{Name: "expires_at", Type: field.TypeInt64, Nullable: true})

	records := schema.NewTable(recordsTable).
		AddPrimary(&schema.Column{Name: "stream_key", Type: field.TypeString}).
		AddPrimary(&schema.Column{Name: "seq", Type: field.TypeInt64}).
		AddColumn(&schema.Column{Name: "fields", Type: field.TypeString, Size: math.MaxInt32})

	return []*schema.Table{streams, records}
}

// Log implements streamlog.Log on an ent SQL driver.
type Log struct {
	drv     *entsql.Driver
	dialect string

	// PollInterval is how often blocked reads re-query.
	PollInterval time.Duration

	mu        sync.Mutex
	lastPrune time.Time

	now func() time.Time
}

// New wraps db in an ent driver for dialect (dialect.SQLite or
// dialect.Postgres), creates the schema if needed and returns a Log.
func New(ctx context.Context, db *sql.DB, dialectName string) (*Log, error) {
	drv := entsql.OpenDB(dialectName, db)

	migrate, err := schema.NewMigrate(drv)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare schema migration: %w", err)
	}
	if err := migrate.Create(ctx, tables()...); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Log{
		drv:          drv,
		dialect:      dialectName,
		PollInterval: defaultPollInterval,
		now:          time.Now,
	}, nil
}

// DB returns the underlying database handle.
func (l *Log) DB() *sql.DB {
	return l.drv.DB()
}

func (l *Log) builder() *entsql.DialectBuilder {
	return entsql.Dialect(l.dialect)
}

func (l *Log) nowMillis() int64 {
	return l.now().UnixMilli()
}

// Append implements streamlog.Log.
func (l *Log) Append(ctx context.Context, key string, rec streamlog.Record, maxLen int64) (uint64, error) {
	l.maybePrune(ctx)

	fields, err := json.Marshal(rec.Fields())
	if err != nil {
		return 0, err
	}

	tx, err := l.drv.Tx(ctx)
	if err != nil {
		return 0, fmt.Errorf("append to %s: %w", key, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := l.dropIfExpired(ctx, tx, key); err != nil {
		return 0, fmt.Errorf("append to %s: %w", key, err)
	}

	query, args := l.nextSeqQuery(key)
	var rows entsql.Rows
	if err := tx.Query(ctx, query, args, &rows); err != nil {
		return 0, fmt.Errorf("append to %s: %w", key, err)
	}
	seq, err := entsql.ScanInt64(rows)
	_ = rows.Close()
	if err != nil {
		return 0, fmt.Errorf("append to %s: %w", key, err)
	}

	b := l.builder()
	query, args = b.Insert(recordsTable).
		Columns("stream_key", "seq", "fields").
		Values(key, seq, string(fields)).
		Query()
	if err := tx.Exec(ctx, query, args, nil); err != nil {
		return 0, fmt.Errorf("append to %s: %w", key, err)
	}

	if maxLen > 0 && seq > maxLen {
		query, args = b.Delete(recordsTable).
			Where(entsql.And(
				entsql.EQ("stream_key", key),
				entsql.LTE("seq", seq-maxLen),
			)).
			Query()
		if err := tx.Exec(ctx, query, args, nil); err != nil {
			return 0, fmt.Errorf("trim %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("append to %s: %w", key, err)
	}
	return uint64(seq), nil
}

// nextSeqQuery bumps key's sequence counter, creating it at 1, and returns
// the new value.
func (l *Log) nextSeqQuery(key string) (string, []any) {
	return l.builder().Insert(streamsTable).
		Columns("stream_key", "last_seq").
		Values(key, 1).
		OnConflict(
			entsql.ConflictColumns("stream_key"),
			entsql.ResolveWith(func(u *entsql.UpdateSet) {
				u.Add("last_seq", 1)
			}),
		).
		Returning("last_seq").
		Query()
}

// dropIfExpired removes key inside tx when its deadline has passed, so the
// next append restarts its sequence.
func (l *Log) dropIfExpired(ctx context.Context, tx dialect.ExecQuerier, key string) error {
	b := l.builder()
	query, args := b.Select("expires_at").
		From(b.Table(streamsTable)).
		Where(entsql.EQ("stream_key", key)).
		Query()

	var rows entsql.Rows
	if err := tx.Query(ctx, query, args, &rows); err != nil {
		return err
	}
	var expiresAt sql.NullInt64
	err := entsql.ScanOne(rows, &expiresAt)
	_ = rows.Close()
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	if !expiresAt.Valid || expiresAt.Int64 > l.nowMillis() {
		return nil
	}

	query, args = b.Delete(recordsTable).Where(entsql.EQ("stream_key", key)).Query()
	if err := tx.Exec(ctx, query, args, nil); err != nil {
		return err
	}
	query, args = b.Delete(streamsTable).Where(entsql.EQ("stream_key", key)).Query()
	return tx.Exec(ctx, query, args, nil)
}

// Expire implements streamlog.Log.
func (l *Log) Expire(ctx context.Context, key string, ttl time.Duration) error {
	query, args := l.builder().Update(streamsTable).
		Set("expires_at", l.now().Add(ttl).UnixMilli()).
		Where(entsql.EQ("stream_key", key)).
		Query()
	if err := l.drv.Exec(ctx, query, args, nil); err != nil {
		return fmt.Errorf("expire %s: %w", key, err)
	}
	return nil
}

// liveRecords selects seq and fields of key's records while key is unexpired.
func (l *Log) liveRecords(key string) (*entsql.Selector, *entsql.SelectTable) {
	b := l.builder()
	r := b.Table(recordsTable)
	s := b.Table(streamsTable)

	sel := b.Select(r.C("seq"), r.C("fields")).
		From(r).
		Join(s).
		On(r.C("stream_key"), s.C("stream_key")).
		Where(entsql.And(
			entsql.EQ(r.C("stream_key"), key),
			entsql.Or(
				entsql.IsNull(s.C("expires_at")),
				entsql.GT(s.C("expires_at"), l.nowMillis()),
			),
		))
	return sel, r
}

// RevRange implements streamlog.Log.
func (l *Log) RevRange(ctx context.Context, key string, before uint64, count int) ([]streamlog.Entry, error) {
	if count <= 0 || before == 1 {
		return nil, nil
	}

	sel, r := l.liveRecords(key)
	if before > 0 {
		sel.Where(entsql.LT(r.C("seq"), int64(before)))
	}
	query, args := sel.OrderBy(entsql.Desc(r.C("seq"))).Limit(count).Query()

	var rows entsql.Rows
	if err := l.drv.Query(ctx, query, args, &rows); err != nil {
		return nil, fmt.Errorf("range %s: %w", key, err)
	}
	return scanEntries(&rows)
}

// Read implements streamlog.Log.
func (l *Log) Read(ctx context.Context, key string, after uint64, count int, block time.Duration) ([]streamlog.Entry, error) {
	deadline := l.now().Add(block)

	for {
		entries, err := l.readOnce(ctx, key, after, count)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, err
		}
		if len(entries) > 0 || block <= 0 {
			return entries, nil
		}

		remaining := deadline.Sub(l.now())
		if remaining <= 0 {
			return nil, nil
		}
		wait := min(l.PollInterval, remaining)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *Log) readOnce(ctx context.Context, key string, after uint64, count int) ([]streamlog.Entry, error) {
	if count <= 0 {
		count = math.MaxInt32
	}

	sel, r := l.liveRecords(key)
	query, args := sel.
		Where(entsql.GT(r.C("seq"), int64(after))).
		OrderBy(r.C("seq")).
		Limit(count).
		Query()

	var rows entsql.Rows
	if err := l.drv.Query(ctx, query, args, &rows); err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return scanEntries(&rows)
}

// Close closes the database.
func (l *Log) Close() error {
	return l.drv.Close()
}

// maybePrune deletes expired keys at most once per prune interval.
func (l *Log) maybePrune(ctx context.Context) {
	l.mu.Lock()
	now := l.now()
	if now.Sub(l.lastPrune) < pruneInterval {
		l.mu.Unlock()
		return
	}
	l.lastPrune = now
	l.mu.Unlock()

	b := l.builder()
	expired := entsql.And(
		entsql.NotNull("expires_at"),
		entsql.LTE("expires_at", now.UnixMilli()),
	)

	query, args := b.Delete(recordsTable).
		Where(entsql.In("stream_key", b.Select("stream_key").From(b.Table(streamsTable)).Where(expired))).
		Query()
	_ = l.drv.Exec(ctx, query, args, nil)

	query, args = b.Delete(streamsTable).
		Where(entsql.And(
			entsql.NotNull("expires_at"),
			entsql.LTE("expires_at", now.UnixMilli()),
		)).
		Query()
	_ = l.drv.Exec(ctx, query, args, nil)
}

func scanEntries(rows *entsql.Rows) ([]streamlog.Entry, error) {
	defer rows.Close()

	var out []streamlog.Entry
	for rows.Next() {
		var (
			seq    int64
			fields string
		)
		if err := rows.Scan(&seq, &fields); err != nil {
			return nil, err
		}

		var e streamlog.Entry
		e.Seq = uint64(seq)
		if err := json.Unmarshal([]byte(fields), &e.Fields); err != nil {
			return nil, fmt.Errorf("decode entry %d: %w", seq, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
