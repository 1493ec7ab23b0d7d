package sqlstore

import (
	"strconv"
	"strings"
)

// Dialect carries the few places where SQLite and Postgres disagree. All
// queries in this package are written with ? placeholders and rebound on the
// way out.
type Dialect struct {
	Name string

	// Numbered switches ? placeholders to $1, $2, ...
	Numbered bool

	// LockQuery takes a single argument, the lock name, and holds the lock
	// until the transaction ends. Empty means the database already
	// serialises write transactions.
	LockQuery string

	// IsUniqueViolation reports whether err is a unique-constraint failure.
	IsUniqueViolation func(err error) bool
}

// Rebind rewrites ? placeholders into the dialect's form.
func (d Dialect) Rebind(query string) string {
	if !d.Numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] != '?' {
			b.WriteByte(query[i])
			continue
		}
		n++
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
	}
	return b.String()
}

func (d Dialect) uniqueViolation(err error) bool {
	return d.IsUniqueViolation != nil && d.IsUniqueViolation(err)
}
