package transform

import (
	"context"
	"fmt"

	"github.com/lucasgelfond/puffgres/common"
)

// Identity selects the mapping's columns from the new row and emits an
// upsert for insert/update, a delete for delete. An empty column list
// selects everything.
type Identity struct {
	columns []string
}

// NewIdentity creates an identity transformer over the given columns.
func NewIdentity(columns []string) *Identity {
	return &Identity{columns: columns}
}

func (t *Identity) TransformBatch(_ context.Context, inputs []Input) ([]common.Action, error) {
	out := make([]common.Action, len(inputs))
	for i, in := range inputs {
		out[i] = t.transform(in)
	}
	return out, nil
}

func (t *Identity) transform(in Input) common.Action {
	event := in.Event
	if event.Op == common.OpDelete {
		return common.Delete(in.ID, common.Null())
	}

	if event.New == nil {
		return common.Failure(common.ErrTransform,
			fmt.Sprintf("missing new row for %s", event.Op), event)
	}

	doc := make(common.Document, len(t.columns))
	if len(t.columns) == 0 {
		for k, v := range event.New {
			doc[k] = v
		}
	} else {
		for _, col := range t.columns {
			if v, ok := event.New[col]; ok {
				doc[col] = v
			}
		}
	}
	return common.Upsert(in.ID, doc, common.Null())
}
