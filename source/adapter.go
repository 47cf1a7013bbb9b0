// Package source decodes the Postgres WAL into an ordered change stream.
//
// Two adapters exist: a poll adapter reading the replication slot through
// pg_logical_slot_get_changes, and a streaming adapter speaking the
// replication protocol. Both emit wal2json format-version 2 changes in
// strict LSN order.
package source

import (
	"context"

	"github.com/lucasgelfond/puffgres/common"
)

// DecodeError is a per-change decode failure. It quarantines exactly one
// change; the stream continues, and the engine must not advance the
// checkpoint past this LSN until the failure is durably recorded.
type DecodeError struct {
	LSN     common.LSN
	Message string
	Raw     []byte
}

// Envelope is one element of the change stream: a decoded event, a
// per-change decode failure, or a fatal stream error (terminal; the
// channel closes after it).
type Envelope struct {
	Event  *common.RowEvent
	Decode *DecodeError
	Fatal  error
}

// Adapter produces a lazy, non-restartable stream of changes in strict
// LSN order and acknowledges processed positions back to the source.
// The replication slot is single-consumer: one Changes stream per adapter.
type Adapter interface {
	// Changes starts the stream from the given position. The returned
	// channel closes when ctx is cancelled or a fatal envelope is sent.
	Changes(ctx context.Context, from common.LSN) (<-chan Envelope, error)

	// Ack advances the slot to the given confirmed position.
	Ack(ctx context.Context, lsn common.LSN) error

	// CreateSlot creates the replication slot if it does not exist.
	CreateSlot(ctx context.Context) error

	// SlotExists reports whether the replication slot exists.
	SlotExists(ctx context.Context) (bool, error)

	// Close releases the adapter's connections.
	Close(ctx context.Context) error
}
