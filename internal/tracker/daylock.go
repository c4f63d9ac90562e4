package tracker

import "sync"

// dayLocks hands out one mutex per calendar day. Entries are dropped once
// no goroutine holds or waits for them.
type dayLocks struct {
	mu    sync.Mutex
	locks map[string]*dayLock
}

type dayLock struct {
	sync.Mutex
	refs int
}

func (d *dayLocks) lock(day string) func() {
	d.mu.Lock()
	if d.locks == nil {
		d.locks = make(map[string]*dayLock)
	}
	l, ok := d.locks[day]
	if !ok {
		l = &dayLock{}
		d.locks[day] = l
	}
	l.refs++
	d.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		d.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(d.locks, day)
		}
		d.mu.Unlock()
	}
}
