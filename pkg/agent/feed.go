package agent

import "sync"

// feed delivers turn snapshots latest-wins: it holds at most one pending
// snapshot, so a slow observer skips intermediate states instead of stalling
// the turn.
type feed struct {
	mu     sync.Mutex
	ch     chan Turn
	closed bool
}

func newFeed() *feed {
	return &feed{ch: make(chan Turn, 1)}
}

func (f *feed) publish(t Turn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	// 丟掉還沒被讀走的舊快照
	select {
	case <-f.ch:
	default:
	}
	f.ch <- t
}

// close ends the feed; the last published snapshot stays readable.
func (f *feed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.ch)
	}
}
