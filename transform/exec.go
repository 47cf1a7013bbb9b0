package transform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	"github.com/rs/zerolog/log"

	"github.com/lucasgelfond/puffgres/common"
)

// Exec invokes an external executor process per batch. The executor is
// opaque to the engine: it receives the batch as JSON on stdin and must
// print an element-aligned action vector as JSON on stdout. A non-zero
// exit, malformed output, or a context timeout is an error for the whole
// batch; the boundary turns that into per-row permanent failures.
//
// The executor may keep per-invocation state but must not rely on state
// surviving across invocations; the engine is free to recycle processes
// between batches.
type Exec struct {
	path  string
	entry string
	tctx  *Context
}

// NewExec creates an executor-backed transformer.
func NewExec(tctx *Context, path, entry string) *Exec {
	return &Exec{path: path, entry: entry, tctx: tctx}
}

// execRequest is the JSON frame written to the executor's stdin.
type execRequest struct {
	Context execContext `json:"context"`
	Rows    []execRow   `json:"rows"`
}

type execContext struct {
	Name      string            `json:"name"`
	Namespace string            `json:"namespace"`
	Relation  string            `json:"relation"`
	Entry     string            `json:"entry,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

type execRow struct {
	Event *common.RowEvent `json:"event"`
	ID    any              `json:"id"`
}

// execResponse is the JSON frame read from the executor's stdout.
type execResponse struct {
	Actions []execAction `json:"actions"`
}

type execAction struct {
	Type           string          `json:"type"`
	ID             json.RawMessage `json:"id,omitempty"`
	Doc            map[string]any  `json:"doc,omitempty"`
	DistanceMetric string          `json:"distance_metric,omitempty"`
	Message        string          `json:"message,omitempty"`
}

func (t *Exec) TransformBatch(ctx context.Context, inputs []Input) ([]common.Action, error) {
	req := execRequest{
		Context: execContext{
			Name:      t.tctx.Name,
			Namespace: t.tctx.Namespace,
			Relation:  t.tctx.Relation,
			Entry:     t.entry,
			Env:       t.tctx.Env,
		},
		Rows: make([]execRow, len(inputs)),
	}
	for i, in := range inputs {
		req.Rows[i] = execRow{Event: in.Event, ID: in.ID.ToJSON()}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode transform request: %w", err)
	}

	cmd := exec.CommandContext(ctx, t.path)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Env = os.Environ()
	for k, v := range t.tctx.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("transform executor timed out: %w", ctx.Err())
		}
		msg := stderr.String()
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("transform executor failed: %s", common.TruncatePayload([]byte(msg), 200))
	}

	var resp execResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("transform executor produced malformed output: %w", err)
	}

	out := make([]common.Action, len(resp.Actions))
	for i, a := range resp.Actions {
		action, err := t.decodeAction(a, inputs, i)
		if err != nil {
			return nil, err
		}
		out[i] = action
	}

	log.Debug().
		Str("transform", t.path).
		Int("rows", len(inputs)).
		Int("actions", len(out)).
		Msg("Executor batch complete")

	return out, nil
}

func (t *Exec) decodeAction(a execAction, inputs []Input, index int) (common.Action, error) {
	switch a.Type {
	case "upsert":
		id, err := decodeDocumentID(a.ID, inputs, index)
		if err != nil {
			return common.Action{}, err
		}
		doc := make(common.Document, len(a.Doc))
		for k, v := range a.Doc {
			doc[k] = common.FromJSON(v)
		}
		action := common.Upsert(id, doc, common.Null())
		action.DistanceMetric = a.DistanceMetric
		return action, nil
	case "delete":
		id, err := decodeDocumentID(a.ID, inputs, index)
		if err != nil {
			return common.Action{}, err
		}
		return common.Delete(id, common.Null()), nil
	case "skip":
		return common.Skip(), nil
	default:
		return common.Action{}, fmt.Errorf("transform returned unknown action type %q at index %d", a.Type, index)
	}
}

// decodeDocumentID decodes an executor-provided id, defaulting to the
// input id for the same index when the executor omits it. The decoded id
// keeps the shape of the input id so uint keys stay uint.
func decodeDocumentID(raw json.RawMessage, inputs []Input, index int) (common.DocumentID, error) {
	if len(raw) == 0 {
		if index < len(inputs) {
			return inputs[index].ID, nil
		}
		return common.DocumentID{}, fmt.Errorf("transform action at index %d has no id", index)
	}

	kind := common.IDString
	if index < len(inputs) {
		kind = inputs[index].ID.Kind()
	}

	var num int64
	if err := json.Unmarshal(raw, &num); err == nil {
		switch kind {
		case common.IDUint:
			if num < 0 {
				return common.DocumentID{}, fmt.Errorf("transform returned negative id %d for uint key", num)
			}
			return common.UintID(uint64(num)), nil
		case common.IDInt:
			return common.IntID(num), nil
		default:
			return common.StringID(fmt.Sprintf("%d", num)), nil
		}
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if kind == common.IDUUID {
			return common.UUIDID(s), nil
		}
		return common.StringID(s), nil
	}

	return common.DocumentID{}, fmt.Errorf("transform returned unreadable id %s", common.TruncatePayload(raw, 50))
}
