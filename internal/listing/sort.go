package listing

import (
	"sort"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// SortKey selects the field entries are ordered by.
type SortKey string

const (
	SortByName  SortKey = "name"
	SortBySize  SortKey = "size"
	SortByMTime SortKey = "mtime"
)

// Order is the sort direction.
type Order string

const (
	Asc  Order = "asc"
	Desc Order = "desc"
)

// ParseSortKey maps a query value to a key, defaulting to name.
func ParseSortKey(s string) SortKey {
	switch SortKey(s) {
	case SortBySize, SortByMTime:
		return SortKey(s)
	default:
		return SortByName
	}
}

// ParseOrder maps a query value to a direction, defaulting to ascending.
func ParseOrder(s string) Order {
	if Order(s) == Desc {
		return Desc
	}
	return Asc
}

// Flip returns the opposite direction.
func (o Order) Flip() Order {
	if o == Desc {
		return Asc
	}
	return Desc
}

// Sort orders dirs and files in place. Names compare naturally and without
// case ("file2" before "file10"); directories have no size and fall back to
// name order. Ties keep scan order, and Desc is the exact reverse of Asc.
// Directories and files stay in separate sequences, so callers always show
// directories first.
func Sort(res *Result, key SortKey, order Order) {
	// Collators keep internal buffers; one per call.
	col := collate.New(language.Und, collate.IgnoreCase, collate.Numeric)

	dirKey := key
	if dirKey == SortBySize {
		dirKey = SortByName
	}
	sortEntries(res.Dirs, comparator(col, dirKey), order)
	sortEntries(res.Files, comparator(col, key), order)
}

func comparator(col *collate.Collator, key SortKey) func(a, b *Entry) int {
	byName := func(a, b *Entry) int { return col.CompareString(a.Name, b.Name) }
	switch key {
	case SortBySize:
		return func(a, b *Entry) int { return cmpInt64(a.Size, b.Size) }
	case SortByMTime:
		return func(a, b *Entry) int { return a.ModTime.Compare(b.ModTime) }
	default:
		return byName
	}
}

func sortEntries(entries []Entry, cmp func(a, b *Entry) int, order Order) {
	sign := 1
	if order == Desc {
		sign = -1
	}
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := &entries[i], &entries[j]
		c := cmp(a, b)
		if c == 0 {
			c = a.seq - b.seq
		}
		return sign*c < 0
	})
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
