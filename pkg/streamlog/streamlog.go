// Package streamlog is the storage seam behind the durable stream store: an
// append-only log per key with approximate length capping, a whole-key TTL and
// blocking sequential reads.
//
// Backends return raw entries. Normalize is the only place that knows how
// entry fields map to records, including legacy entries written without
// field names.
package streamlog

import (
	"context"
	"strconv"
	"time"
)

const (
	// FieldClientID names the producer session field.
	FieldClientID = "clientId"

	// FieldChunkIndex names the per-producer ordering field.
	FieldChunkIndex = "chunkIndex"

	// FieldData names the payload field.
	FieldData = "data"
)

// Record is a chunk persisted in a log.
type Record struct {
	// Seq is the storage-assigned position. The first record of a key is 1.
	Seq uint64

	ClientID   string
	ChunkIndex int64
	Data       string
}

// Fields flattens the record into name/value pairs in storage order.
func (r Record) Fields() []string {
	return []string{
		FieldClientID, r.ClientID,
		FieldChunkIndex, strconv.FormatInt(r.ChunkIndex, 10),
		FieldData, r.Data,
	}
}

// Entry is a raw log entry as read from a backend.
type Entry struct {
	Seq    uint64
	Fields []string
}

// Log is an append-only, per-key record log.
type Log interface {
	// Append adds rec to key and returns its assigned sequence number. The log
	// is trimmed to roughly maxLen entries, oldest first. maxLen <= 0 disables
	// trimming.
	Append(ctx context.Context, key string, rec Record, maxLen int64) (uint64, error)

	// Expire schedules key, and everything stored under it, for deletion
	// after ttl.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// RevRange returns up to count entries with Seq < before, newest first.
	// before == 0 starts at the newest entry.
	RevRange(ctx context.Context, key string, before uint64, count int) ([]Entry, error)

	// Read returns up to count entries with Seq > after, oldest first. When
	// none exist it waits up to block for new entries and returns an empty
	// slice on timeout. Cancelling ctx returns ctx.Err() promptly.
	Read(ctx context.Context, key string, after uint64, count int, block time.Duration) ([]Entry, error)

	// Close releases the backend.
	Close() error
}

// Normalize converts an entry to a record. Named fields are preferred. Legacy
// entries without a data field are read positionally: the second element is
// the payload when there are two or more elements, otherwise the first.
func Normalize(e Entry) Record {
	rec := Record{Seq: e.Seq, ChunkIndex: -1}

	named := false
	hasData := false
	for i := 0; i+1 < len(e.Fields); i += 2 {
		switch e.Fields[i] {
		case FieldClientID:
			rec.ClientID = e.Fields[i+1]
			named = true
		case FieldChunkIndex:
			if n, err := strconv.ParseInt(e.Fields[i+1], 10, 64); err == nil {
				rec.ChunkIndex = n
			}
			named = true
		case FieldData:
			rec.Data = e.Fields[i+1]
			hasData = true
			named = true
		}
	}

	if named && hasData {
		return rec
	}

	switch {
	case len(e.Fields) >= 2:
		rec.Data = e.Fields[1]
	case len(e.Fields) == 1:
		rec.Data = e.Fields[0]
	}
	return rec
}
