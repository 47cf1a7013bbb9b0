package engine

import (
	"encoding/json"
	"time"

	"github.com/lucasgelfond/puffgres/common"
	"github.com/lucasgelfond/puffgres/mapping"
)

// Batch is an ordered group of write actions for one namespace. Two
// actions for the same id collapse last-write-wins on input order.
type Batch struct {
	Namespace string
	MaxLSN    common.LSN
	// Events counts source events represented, including collapsed ones.
	Events  uint64
	actions []common.Action
	index   map[string]int
	bytes   int
	opened  time.Time
}

// Actions returns the batch contents in input order.
func (b *Batch) Actions() []common.Action {
	return b.actions
}

// Len returns the number of actions.
func (b *Batch) Len() int {
	return len(b.actions)
}

// Bytes returns the estimated serialized payload size.
func (b *Batch) Bytes() int {
	return b.bytes
}

// Age returns how long the batch has been open.
func (b *Batch) Age(now time.Time) time.Duration {
	if b.opened.IsZero() {
		return 0
	}
	return now.Sub(b.opened)
}

// Batcher maintains the open batch for one namespace under row, byte and
// age bounds.
type Batcher struct {
	namespace string
	config    mapping.BatchConfig
	open      *Batch
}

// NewBatcher creates a batcher for a namespace.
func NewBatcher(namespace string, config mapping.BatchConfig) *Batcher {
	return &Batcher{namespace: namespace, config: config}
}

// Add appends an action. When a bound closes the open batch, the closed
// batch is returned and the action starts a fresh one. A single action
// larger than max_bytes still ships, alone.
func (b *Batcher) Add(action common.Action, lsn common.LSN) *Batch {
	if !action.RequiresWrite() {
		return nil
	}

	size := estimateActionSize(action)

	if b.open == nil {
		b.open = b.newBatch()
	}

	// LWW collapse: a later action for the same id supersedes the earlier
	// one in place.
	key := action.ID.Key()
	if idx, ok := b.open.index[key]; ok {
		b.open.bytes += size - estimateActionSize(b.open.actions[idx])
		b.open.actions[idx] = action
		b.open.MaxLSN = common.MaxLSN(b.open.MaxLSN, lsn)
		b.open.Events++
		return nil
	}

	wouldExceed := b.open.Len() >= b.config.MaxRows ||
		(b.open.Len() > 0 && b.open.bytes+size > b.config.MaxBytes)

	var closed *Batch
	if wouldExceed {
		closed = b.open
		b.open = b.newBatch()
	}

	b.open.actions = append(b.open.actions, action)
	b.open.index[key] = len(b.open.actions) - 1
	b.open.bytes += size
	b.open.MaxLSN = common.MaxLSN(b.open.MaxLSN, lsn)
	b.open.Events++
	if len(b.open.actions) == 1 {
		b.open.opened = time.Now()
	}

	return closed
}

// Flush closes and returns the open batch, or nil when empty.
func (b *Batcher) Flush() *Batch {
	if b.open == nil || b.open.Len() == 0 {
		return nil
	}
	closed := b.open
	b.open = nil
	return closed
}

// ShouldFlushByAge reports whether the open batch exceeded max_age.
func (b *Batcher) ShouldFlushByAge(now time.Time) bool {
	return b.open != nil && b.open.Len() > 0 && b.open.Age(now) >= b.config.FlushInterval
}

// Pending returns the number of buffered actions.
func (b *Batcher) Pending() int {
	if b.open == nil {
		return 0
	}
	return b.open.Len()
}

func (b *Batcher) newBatch() *Batch {
	return &Batch{
		Namespace: b.namespace,
		index:     make(map[string]int),
	}
}

// estimateActionSize approximates the serialized doc payload contribution
// of an action.
func estimateActionSize(action common.Action) int {
	switch action.Type {
	case common.ActionUpsert:
		data, err := json.Marshal(action.Doc)
		if err != nil {
			return 100
		}
		return len(data)
	case common.ActionDelete:
		return 50
	default:
		return 0
	}
}
