package source

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/rs/zerolog/log"

	"github.com/lucasgelfond/puffgres/common"
	"github.com/lucasgelfond/puffgres/telemetry"
)

// DefaultStandbyInterval between status updates carrying the confirmed
// position.
const DefaultStandbyInterval = 10 * time.Second

// StreamingConfig configures the streaming adapter.
type StreamingConfig struct {
	// ConnString is the source connection string; the adapter appends
	// replication=database.
	ConnString      string
	Slot            string
	StandbyInterval time.Duration
	QueueSize       int
}

// Streaming receives changes over a replication connection. Acknowledged
// positions ride standby status updates instead of slot advances.
type Streaming struct {
	config    StreamingConfig
	conn      *pgconn.PgConn
	confirmed atomic.Uint64
}

// NewStreaming opens the replication connection.
func NewStreaming(ctx context.Context, config StreamingConfig) (*Streaming, error) {
	if config.Slot == "" {
		return nil, fmt.Errorf("slot name is required")
	}
	if config.StandbyInterval <= 0 {
		config.StandbyInterval = DefaultStandbyInterval
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}

	conn, err := pgconn.Connect(ctx, config.ConnString+" replication=database")
	if err != nil {
		return nil, fmt.Errorf("replication connect failed: %w", err)
	}
	return &Streaming{config: config, conn: conn}, nil
}

// SlotExists reports whether the replication slot exists.
func (s *Streaming) SlotExists(ctx context.Context) (bool, error) {
	result := s.conn.Exec(ctx, fmt.Sprintf(
		"SELECT slot_name FROM pg_replication_slots WHERE slot_name = '%s'", s.config.Slot))
	rows, err := result.ReadAll()
	if err != nil {
		return false, fmt.Errorf("failed to check replication slot: %w", err)
	}
	return len(rows) > 0 && len(rows[0].Rows) > 0, nil
}

// CreateSlot creates the slot with the wal2json plugin; an existing slot
// is not an error.
func (s *Streaming) CreateSlot(ctx context.Context) error {
	_, err := pglogrepl.CreateReplicationSlot(ctx, s.conn, s.config.Slot, "wal2json",
		pglogrepl.CreateReplicationSlotOptions{})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "42710" {
			return nil
		}
		return fmt.Errorf("failed to create replication slot %q: %w", s.config.Slot, err)
	}
	log.Info().Str("slot", s.config.Slot).Msg("Created replication slot")
	return nil
}

// Changes starts replication from the given position and decodes the
// stream.
func (s *Streaming) Changes(ctx context.Context, from common.LSN) (<-chan Envelope, error) {
	err := pglogrepl.StartReplication(ctx, s.conn, s.config.Slot, pglogrepl.LSN(from),
		pglogrepl.StartReplicationOptions{
			PluginArgs: []string{
				`"format-version" '2'`,
				`"include-timestamp" 'true'`,
				`"include-xids" 'true'`,
			},
		})
	if err != nil {
		if isSlotBusy(err) {
			return nil, fmt.Errorf("replication slot %q is held by another consumer: %w", s.config.Slot, err)
		}
		return nil, fmt.Errorf("failed to start replication on %q: %w", s.config.Slot, err)
	}

	s.confirmed.Store(uint64(from))
	out := make(chan Envelope, s.config.QueueSize)
	go s.receiveLoop(ctx, from, out)
	return out, nil
}

func (s *Streaming) receiveLoop(ctx context.Context, from common.LSN, out chan<- Envelope) {
	defer close(out)

	nextStandby := time.Now().Add(s.config.StandbyInterval)

	for {
		if time.Now().After(nextStandby) {
			if err := s.sendStandbyStatus(ctx); err != nil {
				s.send(ctx, out, Envelope{Fatal: fmt.Errorf("standby status update failed: %w", err)})
				return
			}
			nextStandby = time.Now().Add(s.config.StandbyInterval)
		}

		recvCtx, cancel := context.WithDeadline(ctx, nextStandby)
		rawMsg, err := s.conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if pgconn.Timeout(err) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			s.send(ctx, out, Envelope{Fatal: fmt.Errorf("replication stream failed: %w", err)})
			return
		}

		msg, ok := rawMsg.(*pgproto3.CopyData)
		if !ok || len(msg.Data) == 0 {
			continue
		}

		switch msg.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(msg.Data[1:])
			if err != nil {
				s.send(ctx, out, Envelope{Fatal: fmt.Errorf("bad keepalive message: %w", err)})
				return
			}
			if pkm.ReplyRequested {
				if err := s.sendStandbyStatus(ctx); err != nil {
					s.send(ctx, out, Envelope{Fatal: fmt.Errorf("standby status update failed: %w", err)})
					return
				}
				nextStandby = time.Now().Add(s.config.StandbyInterval)
			}

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(msg.Data[1:])
			if err != nil {
				s.send(ctx, out, Envelope{Fatal: fmt.Errorf("bad xlog data: %w", err)})
				return
			}
			lsn := common.LSN(xld.WALStart)
			event, derr := DecodeFrame(xld.WALData, lsn, 0)
			if derr != nil {
				telemetry.DecodeFailuresTotal.Inc()
				if !s.send(ctx, out, Envelope{Decode: &DecodeError{
					LSN:     lsn,
					Message: derr.Error(),
					Raw:     xld.WALData,
				}}) {
					return
				}
				continue
			}
			if event == nil || event.LSN <= from {
				continue
			}
			telemetry.EventsDecodedTotal.Inc()
			if !s.send(ctx, out, Envelope{Event: event}) {
				return
			}
		}
	}
}

func (s *Streaming) send(ctx context.Context, out chan<- Envelope, env Envelope) bool {
	select {
	case out <- env:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Streaming) sendStandbyStatus(ctx context.Context) error {
	confirmed := pglogrepl.LSN(s.confirmed.Load())
	return pglogrepl.SendStandbyStatusUpdate(ctx, s.conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: confirmed,
		WALFlushPosition: confirmed,
		WALApplyPosition: confirmed,
	})
}

// Ack records the confirmed position; it is reported on the next standby
// status update.
func (s *Streaming) Ack(_ context.Context, lsn common.LSN) error {
	if lsn == common.BackfillLSN {
		return nil
	}
	for {
		cur := s.confirmed.Load()
		if uint64(lsn) <= cur {
			return nil
		}
		if s.confirmed.CompareAndSwap(cur, uint64(lsn)) {
			return nil
		}
	}
}

// Close closes the replication connection.
func (s *Streaming) Close(ctx context.Context) error {
	return s.conn.Close(ctx)
}
