package ingest

import (
	"sync"
)

// watermark tracks the highest contiguous run of completed units. Units
// are numbered in discovery order; a unit completing out of order is
// held until every unit before it has completed, so the checkpoint
// never skips past work that is still in flight.
type watermark struct {
	mu      sync.Mutex
	next    int
	pending map[int]string
	last    string
	seq     int
}

func newWatermark() *watermark {

	return &watermark{
		pending: make(map[int]string),
	}
}

// complete records that the unit numbered seq (carrying asset id) has
// finished. It returns the asset id at the new watermark, the watermark
// position and whether the watermark advanced.
func (w *watermark) complete(seq int, id string) (string, int, bool) {

	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[seq] = id

	advanced := false

	for {

		id, ok := w.pending[w.next]

		if !ok {
			break
		}

		delete(w.pending, w.next)

		w.last = id
		w.seq = w.next
		w.next += 1

		advanced = true
	}

	return w.last, w.seq, advanced
}
