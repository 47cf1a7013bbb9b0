// Package transform defines the transformer boundary: the engine never
// interprets user transform code, it invokes a Transformer with an ordered
// batch of (event, id) pairs and receives an element-aligned vector of
// actions. Contract violations and executor failures become permanent
// failures for every row in the batch.
package transform

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/lucasgelfond/puffgres/common"
)

// Input is one element of a transform batch.
type Input struct {
	Event *common.RowEvent
	ID    common.DocumentID
}

// Transformer turns a batch of row events into actions. The output must
// have the same length and ordering as the input.
type Transformer interface {
	TransformBatch(ctx context.Context, inputs []Input) ([]common.Action, error)
}

// RowLookup reads the current row for a primary key from the source. Used
// by lookup-mode membership and offered to transforms as a helper.
type RowLookup interface {
	LookupRow(ctx context.Context, schema, table string, id common.DocumentID) (common.RowMap, error)
}

// Context is handed to transformer factories. It identifies the mapping
// the transform serves and carries the escape hatches the contract allows:
// environment variables, an HTTP client, and an optional row lookup.
type Context struct {
	Name      string
	Namespace string
	Relation  string
	Env       map[string]string
	HTTP      *http.Client
	Lookup    RowLookup
}

// DefaultBatchTimeout bounds a single executor invocation.
const DefaultBatchTimeout = 60 * time.Second

// InvokeBatch calls the transformer under a timeout and enforces the batch
// contract. Any executor error, timeout, or alignment violation yields a
// permanent failure for every row; the engine surfaces each to the DLQ
// individually.
func InvokeBatch(ctx context.Context, tr Transformer, inputs []Input, timeout time.Duration) []common.Action {
	if len(inputs) == 0 {
		return nil
	}
	if timeout <= 0 {
		timeout = DefaultBatchTimeout
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	actions, err := tr.TransformBatch(callCtx, inputs)
	if err != nil {
		return failAll(inputs, fmt.Sprintf("transform failed: %v", err))
	}
	if len(actions) != len(inputs) {
		return failAll(inputs, fmt.Sprintf(
			"transform returned %d actions for %d rows", len(actions), len(inputs)))
	}

	for i := range actions {
		if actions[i].RequiresWrite() && actions[i].ID.Key() == "" {
			return failAll(inputs, fmt.Sprintf("transform returned %s without id at index %d",
				actions[i].Type, i))
		}
		if actions[i].Type == common.ActionFailure && actions[i].RawEvent == nil {
			actions[i].RawEvent = inputs[i].Event
		}
	}
	return actions
}

func failAll(inputs []Input, message string) []common.Action {
	out := make([]common.Action, len(inputs))
	for i, in := range inputs {
		out[i] = common.Failure(common.ErrTransform, message, in.Event)
	}
	return out
}
