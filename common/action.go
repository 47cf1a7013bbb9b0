package common

import (
	"encoding/json"
	"fmt"
)

// DocumentID identifies a document in the target namespace. Postgres keys
// map onto one of four shapes: unsigned, signed, uuid or plain string.
type DocumentID struct {
	kind IDKind
	u    uint64
	i    int64
	s    string
}

// IDKind is the declared shape of the mapping's id column.
type IDKind uint8

const (
	IDUint IDKind = iota
	IDInt
	IDUUID
	IDString
)

func (k IDKind) String() string {
	switch k {
	case IDUint:
		return "uint"
	case IDInt:
		return "int"
	case IDUUID:
		return "uuid"
	case IDString:
		return "string"
	default:
		return "unknown"
	}
}

// ParseIDKind parses the mapping-file form of an id type.
func ParseIDKind(s string) (IDKind, error) {
	switch s {
	case "uint":
		return IDUint, nil
	case "int":
		return IDInt, nil
	case "uuid":
		return IDUUID, nil
	case "string":
		return IDString, nil
	}
	return 0, fmt.Errorf("unknown id type %q", s)
}

func UintID(u uint64) DocumentID   { return DocumentID{kind: IDUint, u: u} }
func IntID(i int64) DocumentID     { return DocumentID{kind: IDInt, i: i} }
func UUIDID(s string) DocumentID   { return DocumentID{kind: IDUUID, s: s} }
func StringID(s string) DocumentID { return DocumentID{kind: IDString, s: s} }

func (d DocumentID) Kind() IDKind { return d.kind }

// Key returns a stable string form usable as a map key and for cursor
// persistence.
func (d DocumentID) Key() string {
	switch d.kind {
	case IDUint:
		return fmt.Sprintf("%d", d.u)
	case IDInt:
		return fmt.Sprintf("%d", d.i)
	default:
		return d.s
	}
}

func (d DocumentID) String() string { return d.Key() }

// ToJSON returns the JSON shape the target write protocol expects.
func (d DocumentID) ToJSON() any {
	switch d.kind {
	case IDUint:
		return d.u
	case IDInt:
		return d.i
	default:
		return d.s
	}
}

func (d DocumentID) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.ToJSON())
}

// Document is the attribute map written to a target namespace.
type Document map[string]Value

// ActionType discriminates the transformer output variants.
type ActionType uint8

const (
	ActionUpsert ActionType = iota
	ActionDelete
	ActionSkip
	ActionFailure
)

func (t ActionType) String() string {
	switch t {
	case ActionUpsert:
		return "upsert"
	case ActionDelete:
		return "delete"
	case ActionSkip:
		return "skip"
	case ActionFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Action is the outcome of transforming one row event. VersionToken carries
// the value used for the conditional write guard (source LSN or the user's
// version column).
type Action struct {
	Type           ActionType
	ID             DocumentID
	Doc            Document
	VersionToken   Value
	DistanceMetric string

	// Failure fields, set only for ActionFailure.
	FailureKind    ErrorKind
	FailureMessage string
	RawEvent       *RowEvent
}

// Upsert builds an upsert action.
func Upsert(id DocumentID, doc Document, version Value) Action {
	return Action{Type: ActionUpsert, ID: id, Doc: doc, VersionToken: version}
}

// Delete builds a delete action.
func Delete(id DocumentID, version Value) Action {
	return Action{Type: ActionDelete, ID: id, VersionToken: version}
}

// Skip builds a no-op action.
func Skip() Action {
	return Action{Type: ActionSkip}
}

// Failure builds a permanent-failure action carrying the offending event
// for DLQ persistence.
func Failure(kind ErrorKind, message string, event *RowEvent) Action {
	return Action{Type: ActionFailure, FailureKind: kind, FailureMessage: message, RawEvent: event}
}

// RequiresWrite reports whether the action reaches the target.
func (a Action) RequiresWrite() bool {
	return a.Type == ActionUpsert || a.Type == ActionDelete
}

// IsFailure reports whether the action is a permanent failure.
func (a Action) IsFailure() bool {
	return a.Type == ActionFailure
}
