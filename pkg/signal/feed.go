package signal

import (
	"sync"
)

// Feed is an unbounded, ordered Subscription. Producers Push without ever
// blocking; a pump goroutine hands events to the consumer one at a time.
type Feed struct {
	mu       sync.Mutex
	queue    []ChangeEvent
	wake     chan struct{}
	out      chan ChangeEvent
	done     chan struct{}
	once     sync.Once
	onCancel func()
}

var _ Subscription = (*Feed)(nil)

// NewFeed starts the pump. onCancel, if set, runs once when the feed is
// cancelled.
func NewFeed(onCancel func()) *Feed {
	f := &Feed{
		wake:     make(chan struct{}, 1),
		out:      make(chan ChangeEvent),
		done:     make(chan struct{}),
		onCancel: onCancel,
	}

	go f.pump()

	return f
}

// Push queues ev and reports false if the feed was already cancelled.
func (f *Feed) Push(ev ChangeEvent) bool {
	f.mu.Lock()
	select {
	case <-f.done:
		f.mu.Unlock()

		return false
	default:
	}
	f.queue = append(f.queue, ev)
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}

	return true
}

func (f *Feed) Events() <-chan ChangeEvent {
	return f.out
}

// Done is closed when the feed is cancelled.
func (f *Feed) Done() <-chan struct{} {
	return f.done
}

func (f *Feed) Cancel() {
	f.once.Do(func() {
		f.mu.Lock()
		close(f.done)
		f.queue = nil
		f.mu.Unlock()

		if f.onCancel != nil {
			f.onCancel()
		}
	})
}

func (f *Feed) pump() {
	defer close(f.out)

	for {
		f.mu.Lock()
		if len(f.queue) == 0 {
			f.mu.Unlock()

			select {
			case <-f.wake:
				continue
			case <-f.done:
				return
			}
		}

		ev := f.queue[0]
		f.queue[0] = ChangeEvent{}
		f.queue = f.queue[1:]
		f.mu.Unlock()

		select {
		case f.out <- ev:
		case <-f.done:
			return
		}
	}
}
