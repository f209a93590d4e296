package store

import (
	"fmt"
	"sort"
	"strings"
)

// SortField orders a listing by one column.
type SortField struct {
	Field string
	Desc  bool
}

// ListQuery carries validated filter, sort, and pagination parameters for a
// Find. Field names are checked against the entity's column set; an unknown
// field fails the query instead of being dropped.
type ListQuery struct {
	Filters map[string]any
	Sort    []SortField
	Limit   int
	Skip    int

	// Select lists the fields to project. Projection happens at the service
	// layer after fetch; the SQL always selects full rows.
	Select []string
}

// DefaultListLimit applies when a query carries no limit.
const DefaultListLimit = 100

// MaxListLimit caps any requested limit.
const MaxListLimit = 10000

// ErrInvalidQueryField is wrapped into errors for unknown filter or sort
// fields.
var ErrInvalidQueryField = fmt.Errorf("invalid query field")

// buildList renders a SELECT with equality filters, ordering, and pagination.
// Returns placeholder-style ? SQL; callers Rebind for the active dialect.
func buildList(table string, allowed map[string]struct{}, q ListQuery) (string, []any, error) {
	var sb strings.Builder
	args := make([]any, 0, len(q.Filters)+2)

	sb.WriteString("SELECT * FROM ")
	sb.WriteString(table)

	if len(q.Filters) > 0 {
		// Deterministic clause order keeps query plans and tests stable.
		fields := make([]string, 0, len(q.Filters))
		for f := range q.Filters {
			fields = append(fields, f)
		}
		sort.Strings(fields)

		sb.WriteString(" WHERE ")
		for i, f := range fields {
			if _, ok := allowed[f]; !ok {
				return "", nil, fmt.Errorf("%w: %q", ErrInvalidQueryField, f)
			}
			if i > 0 {
				sb.WriteString(" AND ")
			}
			sb.WriteString(f)
			sb.WriteString(" = ?")
			args = append(args, q.Filters[f])
		}
	}

	if len(q.Sort) > 0 {
		sb.WriteString(" ORDER BY ")
		for i, s := range q.Sort {
			if _, ok := allowed[s.Field]; !ok {
				return "", nil, fmt.Errorf("%w: %q", ErrInvalidQueryField, s.Field)
			}
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(s.Field)
			if s.Desc {
				sb.WriteString(" DESC")
			}
		}
	}

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	sb.WriteString(" LIMIT ?")
	args = append(args, limit)
	if q.Skip > 0 {
		sb.WriteString(" OFFSET ?")
		args = append(args, q.Skip)
	}

	return sb.String(), args, nil
}

func columns(names ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(names))
	for _, n := range names {
		m[n] = struct{}{}
	}
	return m
}
