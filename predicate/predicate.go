// Package predicate implements the membership DSL: a small boolean
// expression language evaluated against decoded row data.
//
// Comparison is strict: operands of incompatible kinds compare false,
// never error. NULL never satisfies = or != (including NULL = NULL);
// nullness is tested with IS [NOT] NULL, where a missing column reads
// as NULL.
package predicate

import (
	"github.com/lucasgelfond/puffgres/common"
)

// Predicate is a parsed membership expression.
type Predicate interface {
	// Evaluate applies the predicate to a row.
	Evaluate(row common.RowMap) bool
	// Columns returns every column the expression references. The router
	// uses this to decide whether a partial old-row image can prove prior
	// membership.
	Columns() []string
}

// Operand is one side of a comparison: a column reference or a literal.
type Operand struct {
	// Column is set for column references.
	Column string
	// Literal is set for literal operands.
	Literal common.Value
	// IsColumn discriminates the two.
	IsColumn bool
}

func columnOperand(name string) Operand {
	return Operand{Column: name, IsColumn: true}
}

func literalOperand(v common.Value) Operand {
	return Operand{Literal: v}
}

// resolve reads the operand's value from the row. A missing column reads
// as NULL.
func (o Operand) resolve(row common.RowMap) common.Value {
	if !o.IsColumn {
		return o.Literal
	}
	v, ok := row[o.Column]
	if !ok {
		return common.Null()
	}
	return v
}

// truePred and falsePred are the constant predicates.
type truePred struct{}

func (truePred) Evaluate(common.RowMap) bool { return true }
func (truePred) Columns() []string           { return nil }

type falsePred struct{}

func (falsePred) Evaluate(common.RowMap) bool { return false }
func (falsePred) Columns() []string           { return nil }

// True returns the always-true predicate.
func True() Predicate { return truePred{} }

// False returns the always-false predicate.
func False() Predicate { return falsePred{} }

// eqPred compares two operands for equality.
type eqPred struct {
	left   Operand
	right  Operand
	negate bool
}

func (p eqPred) Evaluate(row common.RowMap) bool {
	l := p.left.resolve(row)
	r := p.right.resolve(row)
	// NULL satisfies neither = nor !=.
	if l.IsNull() || r.IsNull() {
		return false
	}
	if p.negate {
		return !l.Equal(r)
	}
	return l.Equal(r)
}

// isNullPred tests nullness; a missing column reads as NULL, and the
// NULL literal itself is null, so `NULL IS NULL` holds.
type isNullPred struct {
	operand Operand
	negate  bool
}

func (p isNullPred) Evaluate(row common.RowMap) bool {
	isNull := p.operand.resolve(row).IsNull()
	if p.negate {
		return !isNull
	}
	return isNull
}

// andPred short-circuits left to right.
type andPred struct {
	left, right Predicate
}

func (p andPred) Evaluate(row common.RowMap) bool {
	return p.left.Evaluate(row) && p.right.Evaluate(row)
}

// orPred short-circuits left to right.
type orPred struct {
	left, right Predicate
}

func (p orPred) Evaluate(row common.RowMap) bool {
	return p.left.Evaluate(row) || p.right.Evaluate(row)
}

type notPred struct {
	inner Predicate
}

func (p notPred) Evaluate(row common.RowMap) bool {
	return !p.inner.Evaluate(row)
}

func (p eqPred) Columns() []string {
	var cols []string
	if p.left.IsColumn {
		cols = append(cols, p.left.Column)
	}
	if p.right.IsColumn {
		cols = append(cols, p.right.Column)
	}
	return cols
}

func (p isNullPred) Columns() []string {
	if p.operand.IsColumn {
		return []string{p.operand.Column}
	}
	return nil
}

func (p andPred) Columns() []string {
	return mergeColumns(p.left.Columns(), p.right.Columns())
}

func (p orPred) Columns() []string {
	return mergeColumns(p.left.Columns(), p.right.Columns())
}

func (p notPred) Columns() []string { return p.inner.Columns() }

func mergeColumns(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, c := range a {
		if _, ok := seen[c]; !ok {
			seen[c] = struct{}{}
			out = append(out, c)
		}
	}
	for _, c := range b {
		if _, ok := seen[c]; !ok {
			seen[c] = struct{}{}
			out = append(out, c)
		}
	}
	return out
}
