// Package partition computes the disjoint key ranges a table is split into
// before its rows are handed to the copy worker pool, implementing the
// same-table partitioning decision described for the table-copy stage:
// split by an integer key when one is usable, fall back to physical
// ctid-page ranges otherwise, or leave the table as a single whole-table
// part when it is small enough that splitting would not help.
package partition

import "fmt"

// KeyKind identifies how a TablePart's Lo/Hi bounds should be interpreted.
type KeyKind string

const (
	KindWhole KeyKind = "whole" // entire table, no WHERE clause
	KindRange KeyKind = "range" // integer split_col >= lo AND split_col < hi
	KindCTID  KeyKind = "ctid"  // ctid >= '(lo,0)' AND ctid < '(hi,0)'
)

// Part is one planned disjoint slice of a table.
type Part struct {
	Lo, Hi string
	Kind   KeyKind
}

// Plan decides how to split a table given its row estimate, page count (for
// the ctid fallback), whether a usable integer split column exists, and the
// operator's threshold/cap/ctid-disable settings. It returns a slice of
// Parts whose union is the whole table and which are pairwise disjoint —
// the caller is responsible for turning each Part into a SQL predicate.
func Plan(rowEstimate int64, pageCount int64, splitCol string, threshold int64, maxParts int, noCTID bool) []Part {
	if threshold <= 0 {
		threshold = 10_000_000
	}
	if maxParts <= 0 {
		maxParts = 64
	}

	if rowEstimate <= threshold {
		return []Part{{Kind: KindWhole}}
	}

	wantParts := int((rowEstimate + threshold - 1) / threshold)
	if wantParts > maxParts {
		wantParts = maxParts
	}
	if wantParts < 2 {
		return []Part{{Kind: KindWhole}}
	}

	if splitCol != "" {
		return rangeParts(rowEstimate, wantParts)
	}
	if !noCTID && pageCount > 0 {
		return ctidParts(pageCount, wantParts)
	}
	return []Part{{Kind: KindWhole}}
}

// rangeParts splits the half-open interval [0, rowEstimate) into wantParts
// contiguous, disjoint sub-ranges assumed to index an integer key column
// that is densely populated from 0 (or close enough that an even split is
// a reasonable approximation — the inspector is expected to pass the
// column's actual min/max via a future Part.Lo/Hi seed when available).
func rangeParts(rowEstimate int64, wantParts int) []Part {
	step := rowEstimate / int64(wantParts)
	if step < 1 {
		step = 1
	}
	parts := make([]Part, 0, wantParts)
	var lo int64
	for i := 0; i < wantParts; i++ {
		hi := lo + step
		if i == wantParts-1 {
			hi = rowEstimate
		}
		parts = append(parts, Part{Lo: fmt.Sprintf("%d", lo), Hi: fmt.Sprintf("%d", hi), Kind: KindRange})
		lo = hi
	}
	return parts
}

// ctidParts splits a table's physical page range [0, pageCount) into
// wantParts contiguous page windows, for tables with no usable integer key.
func ctidParts(pageCount int64, wantParts int) []Part {
	step := pageCount / int64(wantParts)
	if step < 1 {
		step = 1
	}
	parts := make([]Part, 0, wantParts)
	var lo int64
	for i := 0; i < wantParts; i++ {
		hi := lo + step
		if i == wantParts-1 {
			hi = pageCount
		}
		parts = append(parts, Part{Lo: fmt.Sprintf("%d", lo), Hi: fmt.Sprintf("%d", hi), Kind: KindCTID})
		lo = hi
	}
	return parts
}

// Predicate renders a Part into a SQL WHERE-clause fragment (without the
// WHERE keyword) for the given split column name. KindWhole renders to the
// empty string.
func (p Part) Predicate(splitCol string) string {
	switch p.Kind {
	case KindRange:
		return fmt.Sprintf("%s >= %s AND %s < %s", splitCol, p.Lo, splitCol, p.Hi)
	case KindCTID:
		return fmt.Sprintf("ctid >= '(%s,0)'::tid AND ctid < '(%s,0)'::tid", p.Lo, p.Hi)
	default:
		return ""
	}
}
