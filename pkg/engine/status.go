package engine

import (
	"sync"
	"time"
)

// Transition is one engine state change, delivered to subscribers.
type Transition struct {
	From   State
	To     State
	Reason string
	At     time.Time
}

// transitionStream fans state transitions out to subscribers. Each subscriber
// gets its own unbounded queue, so a slow consumer delays only itself and no
// transition is ever dropped.
type transitionStream struct {
	mu   sync.Mutex
	subs map[int]*transitionSub
	next int
}

type transitionSub struct {
	mu    sync.Mutex
	cond  *sync.Cond
	queue []Transition
	done  bool

	out  chan Transition
	stop chan struct{}
}

func newTransitionStream() *transitionStream {
	return &transitionStream{subs: make(map[int]*transitionSub)}
}

// publish enqueues t for every subscriber. Never blocks.
func (s *transitionStream) publish(t Transition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		sub.mu.Lock()
		sub.queue = append(sub.queue, t)
		sub.cond.Signal()
		sub.mu.Unlock()
	}
}

// subscribe registers a new subscriber and returns its channel together with
// a cancel function. The channel is closed once cancel is called and any
// already-queued transitions that could be delivered have been.
func (s *transitionStream) subscribe() (<-chan Transition, func()) {
	sub := &transitionSub{
		out:  make(chan Transition),
		stop: make(chan struct{}),
	}
	sub.cond = sync.NewCond(&sub.mu)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = sub
	s.mu.Unlock()

	go sub.pump()

	cancel := func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()

		sub.mu.Lock()
		if !sub.done {
			sub.done = true
			close(sub.stop)
			sub.cond.Signal()
		}
		sub.mu.Unlock()
	}
	return sub.out, cancel
}

// pump moves transitions from the queue to the subscriber channel.
func (sub *transitionSub) pump() {
	for {
		sub.mu.Lock()
		for len(sub.queue) == 0 && !sub.done {
			sub.cond.Wait()
		}
		if len(sub.queue) == 0 {
			sub.mu.Unlock()
			close(sub.out)
			return
		}
		t := sub.queue[0]
		sub.queue = sub.queue[1:]
		sub.mu.Unlock()

		select {
		case sub.out <- t:
		case <-sub.stop:
			close(sub.out)
			return
		}
	}
}
