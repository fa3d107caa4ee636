package store

import (
	"sync"

	"github.com/google/uuid"
)

// NewKey returns a store-assigned insertion key. v7 UUIDs carry a leading
// millisecond timestamp, so keys sort lexically in creation order.
func NewKey() string {
	key, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return key.String()
}

// Subscriber is the delivery worker behind a subscription Handle. Pushes
// coalesce: the callback always runs with the latest snapshot, and a burst
// of mutations may collapse into a single invocation.
type Subscriber struct {
	path      string
	fn        func(Snapshot)
	onRelease func()

	mux     sync.Mutex
	latest  Snapshot
	pending chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewSubscriber creates a subscriber and starts its delivery goroutine.
// onRelease runs once when the handle is released or stopped.
func NewSubscriber(path string, fn func(Snapshot), onRelease func()) *Subscriber {
	s := &Subscriber{
		path:      path,
		fn:        fn,
		onRelease: onRelease,
		pending:   make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Subscriber) Path() string { return s.path }

// Push records snap as the latest state and wakes the delivery goroutine.
func (s *Subscriber) Push(snap Snapshot) {
	s.mux.Lock()
	s.latest = snap
	s.mux.Unlock()
	select {
	case s.pending <- struct{}{}:
	default:
	}
}

// Release detaches the subscription. Once the delivery goroutine observes
// the release, no further callback fires.
func (s *Subscriber) Release() {
	s.once.Do(func() {
		close(s.done)
		if s.onRelease != nil {
			s.onRelease()
		}
	})
}

func (s *Subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.pending:
			select {
			case <-s.done:
				return
			default:
			}
			s.mux.Lock()
			snap := s.latest
			s.mux.Unlock()
			s.fn(snap)
		}
	}
}
