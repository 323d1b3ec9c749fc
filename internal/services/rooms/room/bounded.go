package room

// boundedLog keeps the most recent limit entries in insertion order.
type boundedLog[T any] struct {
	limit   int
	entries []T
}

func newBoundedLog[T any](limit int) *boundedLog[T] {
	if limit < 1 {
		limit = 1
	}
	return &boundedLog[T]{limit: limit}
}

func (l *boundedLog[T]) append(entry T) {
	if len(l.entries) == l.limit {
		copy(l.entries, l.entries[1:])
		l.entries[len(l.entries)-1] = entry
		return
	}
	l.entries = append(l.entries, entry)
}

func (l *boundedLog[T]) len() int {
	return len(l.entries)
}

// snapshot returns a copy that stays valid after further appends.
func (l *boundedLog[T]) snapshot() []T {
	out := make([]T, len(l.entries))
	copy(out, l.entries)
	return out
}
