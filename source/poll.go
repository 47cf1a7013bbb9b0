package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/lucasgelfond/puffgres/common"
	"github.com/lucasgelfond/puffgres/telemetry"
)

const (
	// DefaultPollInterval between slot reads when the WAL is quiet.
	DefaultPollInterval = time.Second
	// DefaultMaxChanges fetched per poll.
	DefaultMaxChanges = 1000
	// DefaultQueueSize bounds the decoded-change channel; a full channel
	// stalls the poller and, through it, the slot.
	DefaultQueueSize = 1024
)

// pgObjectInUse is raised when another consumer holds the slot.
const pgObjectInUse = "55006"

// PollConfig configures the poll adapter.
type PollConfig struct {
	Pool         *pgxpool.Pool
	Slot         string
	PollInterval time.Duration
	MaxChanges   int
	QueueSize    int
}

// Poll reads the replication slot in batches via
// pg_logical_slot_get_changes decoded as wal2json format-version 2.
type Poll struct {
	config PollConfig
}

// NewPoll creates a poll adapter. The pool is shared with the state store;
// slot reads are serialized on the single Changes stream.
func NewPoll(config PollConfig) (*Poll, error) {
	if config.Pool == nil {
		return nil, fmt.Errorf("pg pool is required")
	}
	if config.Slot == "" {
		return nil, fmt.Errorf("slot name is required")
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.MaxChanges <= 0 {
		config.MaxChanges = DefaultMaxChanges
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}
	return &Poll{config: config}, nil
}

// SlotExists reports whether the replication slot exists.
func (p *Poll) SlotExists(ctx context.Context) (bool, error) {
	var name string
	err := p.config.Pool.QueryRow(ctx,
		"SELECT slot_name FROM pg_replication_slots WHERE slot_name = $1",
		p.config.Slot).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check replication slot: %w", err)
	}
	return true, nil
}

// CreateSlot creates the logical replication slot with the wal2json
// plugin. An already-existing slot is not an error.
func (p *Poll) CreateSlot(ctx context.Context) error {
	exists, err := p.SlotExists(ctx)
	if err != nil {
		return err
	}
	if exists {
		log.Info().Str("slot", p.config.Slot).Msg("Using existing replication slot")
		return nil
	}

	_, err = p.config.Pool.Exec(ctx,
		"SELECT pg_create_logical_replication_slot($1, 'wal2json')", p.config.Slot)
	if err != nil {
		return fmt.Errorf("failed to create replication slot %q: %w", p.config.Slot, err)
	}
	log.Info().Str("slot", p.config.Slot).Msg("Created replication slot")
	return nil
}

// Changes starts the poll loop. Changes at or below `from` are skipped after
// decode; the slot itself replays from its confirmed position.
func (p *Poll) Changes(ctx context.Context, from common.LSN) (<-chan Envelope, error) {
	out := make(chan Envelope, p.config.QueueSize)
	go p.pollLoop(ctx, from, out)
	return out, nil
}

func (p *Poll) pollLoop(ctx context.Context, from common.LSN, out chan<- Envelope) {
	defer close(out)

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		count, err := p.pollOnce(ctx, from, out)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if isSlotBusy(err) {
				p.send(ctx, out, Envelope{Fatal: fmt.Errorf(
					"replication slot %q is held by another consumer: %w", p.config.Slot, err)})
				return
			}
			// Transient: back off one interval and retry the poll.
			log.Warn().Err(err).Str("slot", p.config.Slot).Msg("Poll failed, retrying")
			telemetry.SourceErrorsTotal.Inc()
		}

		if count > 0 {
			// Drain eagerly while the slot has pending changes.
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// pollOnce fetches and decodes one batch. Returns the number of frames
// read (including ones that decode to no event).
func (p *Poll) pollOnce(ctx context.Context, from common.LSN, out chan<- Envelope) (int, error) {
	rows, err := p.config.Pool.Query(ctx,
		`SELECT lsn::text, xid::text, data
		 FROM pg_logical_slot_get_changes($1, NULL, $2,
		      'format-version', '2', 'include-timestamp', 'true', 'include-xids', 'true')`,
		p.config.Slot, p.config.MaxChanges)
	if err != nil {
		return 0, fmt.Errorf("slot read failed: %w", err)
	}
	defer rows.Close()

	type frame struct {
		lsn  common.LSN
		xid  uint64
		data []byte
	}
	var frames []frame

	for rows.Next() {
		var lsnText, xidText string
		var data []byte
		if err := rows.Scan(&lsnText, &xidText, &data); err != nil {
			return len(frames), fmt.Errorf("slot row scan failed: %w", err)
		}
		lsn, err := common.ParseLSN(lsnText)
		if err != nil {
			return len(frames), fmt.Errorf("slot returned bad LSN: %w", err)
		}
		var xid uint64
		fmt.Sscanf(xidText, "%d", &xid)
		frames = append(frames, frame{lsn: lsn, xid: xid, data: data})
	}
	if err := rows.Err(); err != nil {
		return len(frames), fmt.Errorf("slot read failed: %w", err)
	}

	for _, f := range frames {
		event, err := DecodeFrame(f.data, f.lsn, f.xid)
		if err != nil {
			telemetry.DecodeFailuresTotal.Inc()
			if !p.send(ctx, out, Envelope{Decode: &DecodeError{
				LSN:     f.lsn,
				Message: err.Error(),
				Raw:     f.data,
			}}) {
				return len(frames), nil
			}
			continue
		}
		if event == nil || event.LSN <= from {
			continue
		}
		telemetry.EventsDecodedTotal.Inc()
		if !p.send(ctx, out, Envelope{Event: event}) {
			return len(frames), nil
		}
	}

	return len(frames), nil
}

func (p *Poll) send(ctx context.Context, out chan<- Envelope, env Envelope) bool {
	select {
	case out <- env:
		return true
	case <-ctx.Done():
		return false
	}
}

// Ack advances the slot to the confirmed position. Called on a timer with
// the checkpointer's minimum confirmed LSN across mappings.
func (p *Poll) Ack(ctx context.Context, lsn common.LSN) error {
	if lsn == common.BackfillLSN {
		return nil
	}
	_, err := p.config.Pool.Exec(ctx,
		"SELECT pg_replication_slot_advance($1, $2::pg_lsn)",
		p.config.Slot, lsn.String())
	if err != nil {
		return fmt.Errorf("failed to advance slot %q to %s: %w", p.config.Slot, lsn, err)
	}
	log.Debug().Str("slot", p.config.Slot).Stringer("lsn", lsn).Msg("Advanced slot")
	return nil
}

// Close is a no-op; the pool is owned by the caller.
func (p *Poll) Close(context.Context) error {
	return nil
}

func isSlotBusy(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgObjectInUse
	}
	return false
}
