// Package redis provides a streamlog.Log backed by Redis streams.
//
// Each key maps to a stream plus a sequence counter. Entry IDs are written
// explicitly as "0-<seq>" so that sequence numbers survive trimming and map
// one to one onto stream IDs.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gomodule/redigo/redis"

	"github.com/papercomputeco/spool/pkg/streamlog"
)

// appendScript increments the counter and adds the entry atomically.
// KEYS[1] stream, KEYS[2] counter. ARGV[1] maxLen, ARGV[2..] fields.
var appendScript = redis.NewScript(2, `
local seq = redis.call('INCR', KEYS[2])
local args = {'XADD', KEYS[1]}
local maxLen = tonumber(ARGV[1])
if maxLen > 0 then
  table.insert(args, 'MAXLEN')
  table.insert(args, '~')
  table.insert(args, maxLen)
end
table.insert(args, '0-' .. seq)
for i = 2, #ARGV do
  table.insert(args, ARGV[i])
end
redis.call(unpack(args))
return seq
`)

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int

	// KeyPrefix is prepended to every key. Defaults to "spool:".
	KeyPrefix string

	// MaxIdle bounds idle pooled connections. Defaults to 8.
	MaxIdle int
}

// Log implements streamlog.Log on Redis.
type Log struct {
	pool   *redis.Pool
	prefix string
}

// NewLog dials addr and verifies the connection.
func NewLog(ctx context.Context, opts Options) (*Log, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "spool:"
	}
	if opts.MaxIdle <= 0 {
		opts.MaxIdle = 8
	}

	dialOpts := []redis.DialOption{redis.DialDatabase(opts.DB)}
	if opts.Password != "" {
		dialOpts = append(dialOpts, redis.DialPassword(opts.Password))
	}

	pool := &redis.Pool{
		MaxIdle:     opts.MaxIdle,
		IdleTimeout: 5 * time.Minute,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			return redis.DialContext(ctx, "tcp", opts.Addr, dialOpts...)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}

	l := &Log{pool: pool, prefix: opts.KeyPrefix}

	conn, err := pool.GetContext(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer conn.Close()

	res, err := redis.String(redis.DoContext(conn, ctx, "PING"))
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	if res != "PONG" {
		pool.Close()
		return nil, fmt.Errorf("unexpected ping reply %q", res)
	}

	return l, nil
}

// streamKey uses a hash tag so both keys land on one cluster slot.
func (l *Log) streamKey(key string) string {
	return l.prefix + "{" + key + "}"
}

func (l *Log) seqKey(key string) string {
	return l.prefix + "{" + key + "}:seq"
}

// Append implements streamlog.Log.
func (l *Log) Append(ctx context.Context, key string, rec streamlog.Record, maxLen int64) (uint64, error) {
	conn, err := l.pool.GetContext(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	fields := rec.Fields()
	args := make([]any, 0, 3+len(fields))
	args = append(args, l.streamKey(key), l.seqKey(key), maxLen)
	for _, f := range fields {
		args = append(args, f)
	}

	seq, err := redis.Uint64(appendScript.DoContext(ctx, conn, args...))
	if err != nil {
		return 0, fmt.Errorf("append to %s: %w", key, err)
	}
	return seq, nil
}

// Expire implements streamlog.Log.
func (l *Log) Expire(ctx context.Context, key string, ttl time.Duration) error {
	conn, err := l.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	ms := ttl.Milliseconds()
	if ms <= 0 {
		ms = 1
	}
	if err := conn.Send("MULTI"); err != nil {
		return err
	}
	if err := conn.Send("PEXPIRE", l.streamKey(key), ms); err != nil {
		return err
	}
	if err := conn.Send("PEXPIRE", l.seqKey(key), ms); err != nil {
		return err
	}
	if _, err := redis.DoContext(conn, ctx, "EXEC"); err != nil {
		return fmt.Errorf("expire %s: %w", key, err)
	}
	return nil
}

// RevRange implements streamlog.Log.
func (l *Log) RevRange(ctx context.Context, key string, before uint64, count int) ([]streamlog.Entry, error) {
	if count <= 0 || before == 1 {
		return nil, nil
	}

	end := "+"
	if before > 1 {
		end = "0-" + strconv.FormatUint(before-1, 10)
	}

	conn, err := l.pool.GetContext(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	reply, err := redis.Values(redis.DoContext(conn, ctx, "XREVRANGE", l.streamKey(key), end, "-", "COUNT", count))
	if err != nil {
		return nil, fmt.Errorf("range %s: %w", key, err)
	}
	return parseEntries(reply)
}

// Read implements streamlog.Log.
func (l *Log) Read(ctx context.Context, key string, after uint64, count int, block time.Duration) ([]streamlog.Entry, error) {
	conn, err := l.pool.GetContext(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	args := []any{"COUNT", count}
	if block > 0 {
		ms := block.Milliseconds()
		if ms <= 0 {
			ms = 1
		}
		args = append(args, "BLOCK", ms)
	}
	args = append(args, "STREAMS", l.streamKey(key), "0-"+strconv.FormatUint(after, 10))

	reply, err := redis.Values(redis.DoContext(conn, ctx, "XREAD", args...))
	if errors.Is(err, redis.ErrNil) {
		return nil, nil
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}

	// XREAD replies with [[stream, entries], ...]; only one stream is asked for.
	for _, s := range reply {
		pair, err := redis.Values(s, nil)
		if err != nil || len(pair) != 2 {
			return nil, fmt.Errorf("read %s: malformed reply", key)
		}
		entries, err := redis.Values(pair[1], nil)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", key, err)
		}
		return parseEntries(entries)
	}
	return nil, nil
}

// Close closes the connection pool.
func (l *Log) Close() error {
	return l.pool.Close()
}

func parseEntries(reply []any) ([]streamlog.Entry, error) {
	out := make([]streamlog.Entry, 0, len(reply))
	for _, raw := range reply {
		parts, err := redis.Values(raw, nil)
		if err != nil || len(parts) != 2 {
			return nil, errors.New("malformed stream entry")
		}
		id, err := redis.String(parts[0], nil)
		if err != nil {
			return nil, err
		}
		seq, err := parseID(id)
		if err != nil {
			return nil, err
		}
		fields, err := redis.Strings(parts[1], nil)
		if err != nil {
			return nil, err
		}
		out = append(out, streamlog.Entry{Seq: seq, Fields: fields})
	}
	return out, nil
}

// parseID maps a stream ID to a sequence number. IDs written by Append are
// "0-<seq>"; auto-generated IDs from other writers use their ms part.
func parseID(id string) (uint64, error) {
	ms, seq, ok := strings.Cut(id, "-")
	if !ok {
		return 0, fmt.Errorf("malformed stream id %q", id)
	}
	if ms != "0" {
		return strconv.ParseUint(ms, 10, 64)
	}
	return strconv.ParseUint(seq, 10, 64)
}
