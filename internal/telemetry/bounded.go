package telemetry

// boundedLog is an append-only slice capped at limit entries. Once full,
// non-terminal appends are dropped and counted. A terminal append displaces
// the latest non-terminal entry with the same key, or failing that the
// latest non-terminal entry of any key, and is appended at the end so the
// log stays in capture order. Stored terminal entries are never displaced.
type boundedLog[T any] struct {
	limit    int
	items    []T
	key      func(T) string
	terminal func(T) bool
	dropped  uint64
	replaced uint64
}

func newBoundedLog[T any](limit int, key func(T) string, terminal func(T) bool) boundedLog[T] {
	return boundedLog[T]{limit: limit, key: key, terminal: terminal}
}

func (b *boundedLog[T]) isTerminal(v T) bool {
	return b.terminal != nil && b.terminal(v)
}

// add appends v and reports whether it was stored.
func (b *boundedLog[T]) add(v T) bool {
	if len(b.items) < b.limit {
		b.items = append(b.items, v)
		return true
	}
	if !b.isTerminal(v) {
		b.dropped++
		return false
	}
	victim := -1
	k := b.key(v)
	for i := len(b.items) - 1; i >= 0; i-- {
		if !b.isTerminal(b.items[i]) && b.key(b.items[i]) == k {
			victim = i
			break
		}
	}
	if victim < 0 {
		for i := len(b.items) - 1; i >= 0; i-- {
			if !b.isTerminal(b.items[i]) {
				victim = i
				break
			}
		}
	}
	if victim < 0 {
		b.dropped++
		return false
	}
	copy(b.items[victim:], b.items[victim+1:])
	b.items[len(b.items)-1] = v
	b.replaced++
	return true
}

func (b *boundedLog[T]) list() []T {
	out := make([]T, len(b.items))
	copy(out, b.items)
	return out
}
