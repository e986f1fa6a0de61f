package reorg

import "sync"

// Window retains the most recent accepted block hashes, keyed by height.
type Window struct {
	mu      sync.RWMutex
	size    int
	hashes  map[uint64]string
	lowest  uint64
	highest uint64
}

// NewWindow creates a window holding at most size entries.
func NewWindow(size int) *Window {
	if size <= 0 {
		size = DefaultWindow
	}
	return &Window{
		size:   size,
		hashes: make(map[uint64]string, size),
	}
}

// Record accepts hash at number. Entries above number are dropped first
// so the window always describes one branch.
func (w *Window) Record(number uint64, hash string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.hashes) > 0 && number <= w.highest {
		w.truncateAbove(number - 1)
	}
	if len(w.hashes) > 0 && number != w.highest+1 {
		// Non-contiguous: start over from this block.
		w.hashes = make(map[uint64]string, w.size)
	}

	w.hashes[number] = hash
	if len(w.hashes) == 1 {
		w.lowest = number
	}
	w.highest = number

	for len(w.hashes) > w.size {
		delete(w.hashes, w.lowest)
		w.lowest++
	}
}

// Hash returns the retained hash at number.
func (w *Window) Hash(number uint64) (string, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.hashes[number]
	return h, ok
}

// TruncateAbove drops every entry above number.
func (w *Window) TruncateAbove(number uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.truncateAbove(number)
}

func (w *Window) truncateAbove(number uint64) {
	if len(w.hashes) == 0 || number >= w.highest {
		return
	}
	for n := w.highest; n > number && n >= w.lowest; n-- {
		delete(w.hashes, n)
		if n == 0 {
			break
		}
	}
	if len(w.hashes) == 0 {
		w.lowest, w.highest = 0, 0
		return
	}
	w.highest = number
}

// Bounds returns the lowest and highest retained heights.
func (w *Window) Bounds() (lowest, highest uint64, ok bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if len(w.hashes) == 0 {
		return 0, 0, false
	}
	return w.lowest, w.highest, true
}

// Len returns the number of retained entries.
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.hashes)
}

// Size returns the capacity.
func (w *Window) Size() int {
	return w.size
}
