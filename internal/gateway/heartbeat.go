package gateway

import (
	"context"
	"math/rand/v2"
	"time"
)

// heartbeatMonitor owns the liveness timer for one connection. It requests
// a heartbeat send on every tick and declares the connection zombied when a
// tick arrives without the previous beat having been acknowledged.
type heartbeatMonitor struct {
	interval time.Duration
	beats    chan struct{}
	acks     chan struct{}
	zombie   chan struct{}
}

func newHeartbeatMonitor(interval time.Duration) *heartbeatMonitor {
	return &heartbeatMonitor{
		interval: interval,
		beats:    make(chan struct{}, 1),
		acks:     make(chan struct{}, 1),
		zombie:   make(chan struct{}),
	}
}

// Ack records a heartbeat acknowledgement. Never blocks.
func (h *heartbeatMonitor) Ack() {
	select {
	case h.acks <- struct{}{}:
	default:
	}
}

// run drives the timer until ctx is cancelled or the connection zombies.
// The first beat is delayed by a random fraction of the interval so shards
// sharing a process do not heartbeat in lockstep.
func (h *heartbeatMonitor) run(ctx context.Context) {
	timer := time.NewTimer(time.Duration(rand.Float64() * float64(h.interval)))
	defer timer.Stop()

	awaitingAck := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.acks:
			awaitingAck = false
		case <-timer.C:
			// An ack racing the tick still counts.
			select {
			case <-h.acks:
				awaitingAck = false
			default:
			}
			if awaitingAck {
				close(h.zombie)
				return
			}
			select {
			case h.beats <- struct{}{}:
			default:
			}
			awaitingAck = true
			timer.Reset(h.interval)
		}
	}
}
