package container

import "sync"

type observerEntry struct {
	id int64
	fn func()
}

// observerList keeps change callbacks in registration order and supports
// removal through the handle returned at registration time.
type observerList struct {
	mu      sync.Mutex
	entries []observerEntry
	nextID  int64
}

// add registers fn and returns its removal function together with the
// observer count after registration.
func (l *observerList) add(fn func()) (remove func(), count int) {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.entries = append(l.entries, observerEntry{id: id, fn: fn})
	count = len(l.entries)
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { l.remove(id) })
	}, count
}

func (l *observerList) remove(id int64) {
	l.mu.Lock()
	for i, entry := range l.entries {
		if entry.id == id {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			break
		}
	}
	l.mu.Unlock()
}

func (l *observerList) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// notify invokes every registered callback in registration order. The
// callback slice is snapshotted first so observers may unsubscribe during
// delivery.
func (l *observerList) notify() {
	l.mu.Lock()
	snapshot := make([]func(), 0, len(l.entries))
	for _, entry := range l.entries {
		snapshot = append(snapshot, entry.fn)
	}
	l.mu.Unlock()
	for _, fn := range snapshot {
		if fn != nil {
			fn()
		}
	}
}
