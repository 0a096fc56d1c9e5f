package transport

import (
	"sync"

	"peerprep/collab/internal/models"
)

type statusEvent struct {
	status models.ConnectionStatus
	live   func() bool
}

// statusQueue hands status reports to a sink one at a time, in the order
// they were made. A report whose live func returns false at delivery time
// is dropped. Reports made while a delivery is running, including from
// inside the sink, are delivered by that same loop after it returns.
type statusQueue struct {
	mu      sync.Mutex
	events  []statusEvent
	running bool
}

func (q *statusQueue) report(sink Sink, status models.ConnectionStatus, live func() bool) {
	q.mu.Lock()
	q.events = append(q.events, statusEvent{status: status, live: live})
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	for len(q.events) > 0 {
		ev := q.events[0]
		q.events = q.events[1:]
		q.mu.Unlock()
		if ev.live == nil || ev.live() {
			sink.HandleStatus(ev.status)
		}
		q.mu.Lock()
	}
	q.running = false
	q.mu.Unlock()
}
