package registry

import "sync"

// lane is a reference-counted mutex for one recipient
type lane struct {
	mu   sync.Mutex
	refs int
}

// lanes serializes work per recipient. A lane exists only while someone
// holds or waits for it.
type lanes struct {
	mu    sync.Mutex
	lanes map[string]*lane
}

func newLanes() *lanes {
	return &lanes{lanes: make(map[string]*lane)}
}

// lock blocks until the recipient's lane is free and returns its release
func (l *lanes) lock(recipientID string) func() {
	l.mu.Lock()
	ln, ok := l.lanes[recipientID]
	if !ok {
		ln = &lane{}
		l.lanes[recipientID] = ln
	}
	ln.refs++
	l.mu.Unlock()

	ln.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			ln.mu.Unlock()

			l.mu.Lock()
			ln.refs--
			if ln.refs == 0 {
				delete(l.lanes, recipientID)
			}
			l.mu.Unlock()
		})
	}
}

// size returns the number of live lanes
func (l *lanes) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lanes)
}
