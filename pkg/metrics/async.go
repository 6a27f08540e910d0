package metrics

import "sync"

// AsyncObserver decouples metric recording from the hot path. Events are
// handed off to a buffered channel; when the buffer is full the event is
// dropped rather than blocking audio relay.
type AsyncObserver struct {
	inner  Observer
	ch     chan MetricsEvent
	done   chan struct{}
	closed sync.Once
}

func NewAsyncObserver(inner Observer, buffer int) *AsyncObserver {
	if buffer <= 0 {
		buffer = 1024
	}
	a := &AsyncObserver{
		inner: inner,
		ch:    make(chan MetricsEvent, buffer),
		done:  make(chan struct{}),
	}
	go a.loop()
	return a
}

func (a *AsyncObserver) RecordEvent(ev MetricsEvent) {
	select {
	case a.ch <- ev:
	default:
	}
}

func (a *AsyncObserver) Close() {
	a.closed.Do(func() {
		close(a.ch)
		<-a.done
	})
}

func (a *AsyncObserver) loop() {
	defer close(a.done)
	for ev := range a.ch {
		a.inner.RecordEvent(ev)
	}
}
