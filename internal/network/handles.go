package network

// handleTable hands out transport handles the way a descriptor table does:
// the lowest free value is always returned first, so a handle released by a
// closed connection is reused by the next accept.
type handleTable struct {
	used []bool
}

func newHandleTable(size int) *handleTable {
	return &handleTable{used: make([]bool, size)}
}

// Acquire returns the lowest free handle, or -1 when every handle is taken.
func (t *handleTable) Acquire() int {
	for h, inUse := range t.used {
		if !inUse {
			t.used[h] = true
			return h
		}
	}
	return -1
}

// Release frees h. Releasing a free or out-of-range handle is a no-op.
func (t *handleTable) Release(h int) {
	if h >= 0 && h < len(t.used) {
		t.used[h] = false
	}
}
