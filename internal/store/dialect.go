package store

import (
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/msglog-engine/go-core/internal/db"
)

// Queries are written with '?' placeholders and rebound for PostgreSQL
func rebind(dialect db.Dialect, query string) string {
	if dialect != db.DialectPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// inClause returns "column = ANY(?)" for PostgreSQL and an expanded IN list
// otherwise, together with the matching arguments
func inClause(dialect db.Dialect, column string, ids []int64) (string, []interface{}) {
	if dialect == db.DialectPostgres {
		return column + " = ANY(?)", []interface{}{pq.Array(ids)}
	}

	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return column + " IN (" + placeholders(len(ids)) + ")", args
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

func chunk(ids []int64, size int) [][]int64 {
	if size <= 0 {
		size = len(ids)
	}
	var out [][]int64
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[start:end])
	}
	return out
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
