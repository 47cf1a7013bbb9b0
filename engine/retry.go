package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lucasgelfond/puffgres/common"
	"github.com/lucasgelfond/puffgres/mapping"
	"github.com/lucasgelfond/puffgres/state"
	"github.com/lucasgelfond/puffgres/target"
	"github.com/lucasgelfond/puffgres/transform"
)

// RetryStore is the state surface DLQ retry needs.
type RetryStore interface {
	GetDLQ(ctx context.Context, id int32) (*state.DLQEntry, error)
	ListDLQ(ctx context.Context, mappingPattern string, limit int) ([]*state.DLQEntry, error)
	DeleteDLQ(ctx context.Context, id int32) error
	IncrementDLQRetry(ctx context.Context, id int32) error
}

// RetryConfig configures a DLQ replay.
type RetryConfig struct {
	Registry *mapping.Registry
	Store    RetryStore
	Writer   *target.Writer
	Lookup   transform.RowLookup
	// Transformers per mapping name; missing entries default to identity.
	Transformers     map[string]transform.Transformer
	TransformTimeout time.Duration
}

// RetryResult summarizes a replay.
type RetryResult struct {
	Succeeded int
	Failed    int
}

// Retrier replays quarantined events through the Transformer and Writer
// stages. A successful replay deletes the entry; a failed one increments
// its retry counter and leaves it queued.
type Retrier struct {
	config RetryConfig
}

// NewRetrier creates a retrier.
func NewRetrier(config RetryConfig) (*Retrier, error) {
	if config.Registry == nil {
		return nil, fmt.Errorf("mapping registry is required")
	}
	if config.Store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if config.Writer == nil {
		return nil, fmt.Errorf("target writer is required")
	}
	return &Retrier{config: config}, nil
}

// RetryByID replays one entry.
func (r *Retrier) RetryByID(ctx context.Context, id int32) (*RetryResult, error) {
	entry, err := r.config.Store.GetDLQ(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("DLQ entry %d not found", id)
	}
	return r.replay(ctx, []*state.DLQEntry{entry})
}

// RetryByMapping replays every entry for a mapping (glob accepted).
func (r *Retrier) RetryByMapping(ctx context.Context, mappingPattern string) (*RetryResult, error) {
	entries, err := r.config.Store.ListDLQ(ctx, mappingPattern, 10000)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return &RetryResult{}, nil
	}
	return r.replay(ctx, entries)
}

func (r *Retrier) replay(ctx context.Context, entries []*state.DLQEntry) (*RetryResult, error) {
	result := &RetryResult{}
	for _, entry := range entries {
		ok, err := r.replayOne(ctx, entry)
		if err != nil {
			return result, err
		}
		if ok {
			if err := r.config.Store.DeleteDLQ(ctx, entry.ID); err != nil {
				return result, err
			}
			result.Succeeded++
		} else {
			if err := r.config.Store.IncrementDLQRetry(ctx, entry.ID); err != nil {
				return result, err
			}
			result.Failed++
		}
	}
	return result, nil
}

// replayOne pushes one stored event back through transform and write.
// Returns whether the replay succeeded; an error is returned only when the
// mapping cannot be registered for routing. State store errors surface
// from replay.
func (r *Retrier) replayOne(ctx context.Context, entry *state.DLQEntry) (bool, error) {
	m, found := r.config.Registry.Get(entry.MappingName)
	if !found {
		log.Warn().
			Str("mapping", entry.MappingName).
			Int32("id", entry.ID).
			Msg("DLQ entry references unknown mapping, skipping")
		return false, nil
	}

	event, err := entry.Event()
	if err != nil {
		log.Warn().Err(err).Int32("id", entry.ID).Msg("DLQ entry is unreadable")
		return false, nil
	}

	tr := r.config.Transformers[m.Name]
	if tr == nil {
		tr = transform.NewIdentity(m.Columns)
	}

	registry := mapping.NewRegistry()
	if err := registry.Add(m); err != nil {
		return false, err
	}
	router := NewRouter(registry, r.config.Lookup)

	route, err := router.Decide(ctx, m, event)
	if err != nil {
		return false, nil
	}

	var action common.Action
	switch route {
	case RouteDrop:
		// No longer a member; nothing to write. The retry succeeded.
		return true, nil
	case RouteSyntheticDelete:
		action, err = SyntheticDelete(m, event)
		if err != nil {
			return false, nil
		}
	case RouteTransform:
		id, err := m.ExtractID(event)
		if err != nil {
			return false, nil
		}
		actions := transform.InvokeBatch(ctx, tr,
			[]transform.Input{{Event: event, ID: id}}, r.config.TransformTimeout)
		action = actions[0]
		if action.IsFailure() {
			log.Warn().
				Str("mapping", m.Name).
				Int32("id", entry.ID).
				Str("error", action.FailureMessage).
				Msg("DLQ retry failed in transform")
			return false, nil
		}
		if action.Type == common.ActionSkip {
			return true, nil
		}
	}

	token, err := m.VersionToken(event)
	if err != nil {
		return false, nil
	}
	action.VersionToken = token

	writeResult, err := r.config.Writer.WriteBatch(ctx, m.Namespace, m.VersionAttribute(),
		[]common.Action{action}, event.LSN)
	if err != nil {
		// Transient exhaustion; leave the entry queued.
		return false, nil
	}
	return len(writeResult.Failures) == 0, nil
}
