// Package scope implements the bitmask scope algebra used by the
// authorization server.
//
// A scope table maps scope names to integer bit values. Composite scopes
// (for example "read+write" = read|write) are ordinary entries whose bit
// value is the union of the scopes they imply. Scope sets travel through
// the system as plain ints, which makes subset checks a single mask
// comparison.
package scope

import (
	"fmt"
	"sort"
	"strings"
)

// Default bit values, mirroring the classic read/write split.
const (
	BitRead  = 1 << 1 // 2
	BitWrite = 1 << 2 // 4
)

// Entry is a single scope table row.
type Entry struct {
	Bit  int
	Name string
}

// InvalidScopeError reports a scope name that is not present in the table.
type InvalidScopeError struct {
	Name string
}

func (e *InvalidScopeError) Error() string {
	return fmt.Sprintf("'%s' is not a valid scope.", e.Name)
}

// Table is an immutable scope table. The zero value is not usable; build
// tables with NewTable or Default.
type Table struct {
	entries []Entry
	byName  map[string]int
}

// NewTable builds a scope table from the given entries. Duplicate names keep
// the first bit value.
func NewTable(entries ...Entry) *Table {
	t := &Table{
		entries: make([]Entry, 0, len(entries)),
		byName:  make(map[string]int, len(entries)),
	}
	for _, e := range entries {
		if _, dup := t.byName[e.Name]; dup {
			continue
		}
		t.entries = append(t.entries, e)
		t.byName[e.Name] = e.Bit
	}
	return t
}

// Default returns the standard three-row table: read, write, read+write.
func Default() *Table {
	return NewTable(
		Entry{Bit: BitRead, Name: "read"},
		Entry{Bit: BitWrite, Name: "write"},
		Entry{Bit: BitRead | BitWrite, Name: "read+write"},
	)
}

// Contains reports whether name is a known scope.
func (t *Table) Contains(name string) bool {
	_, ok := t.byName[name]
	return ok
}

// ToInt folds the given scope names into a single bitmask. Unknown names
// contribute nothing. If the result is 0 the fallback is returned instead,
// so callers can supply a default scope for empty requests.
func (t *Table) ToInt(fallback int, names ...string) int {
	mask := 0
	for _, name := range names {
		mask |= t.byName[name]
	}
	if mask == 0 {
		return fallback
	}
	return mask
}

// Parse validates and folds a space-separated scope string. An unknown name
// yields an *InvalidScopeError naming the offending scope. An empty string
// parses to 0.
func (t *Table) Parse(s string) (int, error) {
	mask := 0
	for _, name := range strings.Fields(s) {
		bit, ok := t.byName[name]
		if !ok {
			return 0, &InvalidScopeError{Name: name}
		}
		mask |= bit
	}
	return mask, nil
}

// Names returns every table name whose bits are fully contained in mask,
// sorted lexicographically. For the default table, Names(6) is
// ["read", "read+write", "write"].
func (t *Table) Names(mask int) []string {
	var names []string
	for _, e := range t.entries {
		if e.Bit != 0 && e.Bit&mask == e.Bit {
			names = append(names, e.Name)
		}
	}
	sort.Strings(names)
	return names
}

// String renders mask as a space-separated scope string.
func (t *Table) String(mask int) string {
	return strings.Join(t.Names(mask), " ")
}

// IsSubset reports whether every bit of requested is present in allowed.
// An empty request (0) is a subset of anything.
func IsSubset(requested, allowed int) bool {
	return requested&allowed == requested
}
