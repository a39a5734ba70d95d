package channels

import (
	"sync"
	"time"
)

// Duplicate-send suppression: a text-only reply that exactly matches
// the previous reply for the same (conversation, inbound message) key
// within the window is dropped.
const (
	dedupWindow     = 5 * time.Second
	dedupMaxEntries = 4096
)

type replyRecord struct {
	text   string
	sentAt time.Time
}

// replyWindow remembers the last reply per key. Bounded: expired
// entries are swept when the map grows past its cap.
type replyWindow struct {
	mu      sync.Mutex
	entries map[string]replyRecord
	window  time.Duration
	max     int
	now     func() time.Time
}

func newReplyWindow() *replyWindow {
	return &replyWindow{
		entries: make(map[string]replyRecord),
		window:  dedupWindow,
		max:     dedupMaxEntries,
		now:     time.Now,
	}
}

// ShouldSuppress reports whether a send must be skipped. Media-bearing
// replies are never suppressed.
func (w *replyWindow) ShouldSuppress(key, text string, hasMedia bool) bool {
	if hasMedia || key == "" {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	rec, ok := w.entries[key]
	if !ok {
		return false
	}
	return rec.text == text && w.now().Sub(rec.sentAt) < w.window
}

// Record stores the reply after a successful send, overwriting any
// previous record for the key.
func (w *replyWindow) Record(key, text string) {
	if key == "" {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.entries[key] = replyRecord{text: text, sentAt: w.now()}

	if len(w.entries) > w.max {
		w.sweepLocked()
	}
}

// sweepLocked drops expired records, then falls back to clearing half
// the map if expiry alone did not shrink it.
func (w *replyWindow) sweepLocked() {
	cutoff := w.now().Add(-w.window)
	for key, rec := range w.entries {
		if rec.sentAt.Before(cutoff) {
			delete(w.entries, key)
		}
	}

	if len(w.entries) <= w.max {
		return
	}
	count := 0
	for key := range w.entries {
		if count >= w.max/2 {
			break
		}
		delete(w.entries, key)
		count++
	}
}
