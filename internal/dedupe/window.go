// ABOUTME: Bounded TTL window of (sender, message id) pairs for retransmit suppression.
// ABOUTME: Oldest entries are evicted first; expired entries are swept in the background.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Key builds the window key for a sender's message id.
func Key(senderID, messageID string) string {
	return senderID + "\x00" + messageID
}

type mark struct {
	key    string
	seenAt time.Time
}

// Window is a size-limited set of keys that forgets each key after a TTL.
type Window struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// Options configures a Window.
type Options struct {
	TTL     time.Duration
	MaxSize int
	// SweepInterval controls background cleanup. Zero disables it.
	SweepInterval time.Duration
	Now           func() time.Time
}

// NewWindow creates a Window. Call Close to stop the sweeper.
func NewWindow(opts Options) *Window {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	maxSize := opts.MaxSize
	if maxSize <= 0 {
		maxSize = 10000
	}

	w := &Window{
		index:   make(map[string]*list.Element),
		order:   list.New(),
		ttl:     opts.TTL,
		maxSize: maxSize,
		now:     now,
		stop:    make(chan struct{}),
	}
	if opts.SweepInterval > 0 {
		go w.sweepLoop(opts.SweepInterval)
	}
	return w
}

// Seen reports whether key was recorded within the TTL and records it if
// not. The check and the record happen under one lock.
func (w *Window) Seen(key string) bool {
	if w.ttl <= 0 {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if el, ok := w.index[key]; ok {
		m := el.Value.(*mark)
		if now.Sub(m.seenAt) < w.ttl {
			return true
		}
		m.seenAt = now
		w.order.MoveToBack(el)
		return false
	}

	if len(w.index) >= w.maxSize {
		w.evictFront()
	}
	w.index[key] = w.order.PushBack(&mark{key: key, seenAt: now})
	return false
}

// Forget removes key so a later retransmit is processed again. Callers use
// it when the first attempt was never delivered.
func (w *Window) Forget(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if el, ok := w.index[key]; ok {
		w.order.Remove(el)
		delete(w.index, key)
	}
}

// Len returns the number of keys currently held.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.index)
}

func (w *Window) evictFront() {
	front := w.order.Front()
	if front == nil {
		return
	}
	w.order.Remove(front)
	delete(w.index, front.Value.(*mark).key)
}

// Sweep drops expired keys. Entries are ordered by last sighting, so it
// stops at the first live one.
func (w *Window) Sweep() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	n := 0
	for front := w.order.Front(); front != nil; front = w.order.Front() {
		if now.Sub(front.Value.(*mark).seenAt) < w.ttl {
			break
		}
		w.evictFront()
		n++
	}
	return n
}

func (w *Window) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.Sweep()
		case <-w.stop:
			return
		}
	}
}

// Close stops the background sweeper. Safe to call more than once.
func (w *Window) Close() {
	w.stopOnce.Do(func() { close(w.stop) })
}
