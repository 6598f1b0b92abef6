package postgres

import (
	"fmt"
	"strings"
	"time"
)

// whereBuilder accumulates AND-ed conditions with numbered placeholders.
type whereBuilder struct {
	conditions []string
	args       []any
	argIndex   int
}

func newWhereBuilder() *whereBuilder {
	return &whereBuilder{argIndex: 1}
}

// Add appends "col = $n". Empty values are skipped.
func (wb *whereBuilder) Add(col, value string) {
	if value == "" {
		return
	}
	wb.conditions = append(wb.conditions, fmt.Sprintf("%s = $%d", col, wb.argIndex))
	wb.args = append(wb.args, value)
	wb.argIndex++
}

// AddTimeRange bounds col by from and to. Zero times are open ends.
func (wb *whereBuilder) AddTimeRange(col string, from, to time.Time) {
	if !from.IsZero() {
		wb.conditions = append(wb.conditions, fmt.Sprintf("%s >= $%d", col, wb.argIndex))
		wb.args = append(wb.args, from)
		wb.argIndex++
	}
	if !to.IsZero() {
		wb.conditions = append(wb.conditions, fmt.Sprintf("%s <= $%d", col, wb.argIndex))
		wb.args = append(wb.args, to)
		wb.argIndex++
	}
}

// AddSearch matches query case-insensitively against any of cols. All
// columns share one placeholder.
func (wb *whereBuilder) AddSearch(query string, cols ...string) {
	query = strings.TrimSpace(query)
	if query == "" || len(cols) == 0 {
		return
	}
	parts := make([]string, len(cols))
	for i, col := range cols {
		parts[i] = fmt.Sprintf("%s ILIKE $%d", col, wb.argIndex)
	}
	wb.conditions = append(wb.conditions, "("+strings.Join(parts, " OR ")+")")
	wb.args = append(wb.args, "%"+escapeLike(query)+"%")
	wb.argIndex++
}

// NextArgIndex returns the placeholder number the next argument will get.
func (wb *whereBuilder) NextArgIndex() int { return wb.argIndex }

// Build returns " WHERE ..." and its arguments, or "" and nil.
func (wb *whereBuilder) Build() (string, []any) {
	if len(wb.conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(wb.conditions, " AND "), wb.args
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
