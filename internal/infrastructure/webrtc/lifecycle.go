package webrtc

import "sync"

// lifecycle runs close handlers exactly once. Handlers registered after the
// close run immediately.
type lifecycle struct {
	mu     sync.Mutex
	closed bool
	fns    []func()
	done   chan struct{}
}

func (l *lifecycle) onClose(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		fn()
		return
	}
	l.fns = append(l.fns, fn)
	l.mu.Unlock()
}

// close reports whether this call did the closing.
func (l *lifecycle) close() bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.closed = true
	if l.done != nil {
		close(l.done)
	}
	fns := l.fns
	l.fns = nil
	l.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	return true
}

func (l *lifecycle) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// doneChan is closed once close has been called.
func (l *lifecycle) doneChan() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done == nil {
		l.done = make(chan struct{})
		if l.closed {
			close(l.done)
		}
	}
	return l.done
}
