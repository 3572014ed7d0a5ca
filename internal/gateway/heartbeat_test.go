package gateway

import (
	"context"
	"testing"
	"time"
)

func TestHeartbeatMonitorBeatsWhileAcked(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hb := newHeartbeatMonitor(20 * time.Millisecond)
	go hb.run(ctx)

	for i := 0; i < 3; i++ {
		select {
		case <-hb.beats:
			hb.Ack()
		case <-hb.zombie:
			t.Fatal("acknowledged connection declared zombie")
		case <-time.After(time.Second):
			t.Fatalf("no heartbeat request %d", i)
		}
	}
}

func TestHeartbeatMonitorZombiesWithoutAck(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hb := newHeartbeatMonitor(20 * time.Millisecond)
	go hb.run(ctx)

	select {
	case <-hb.beats:
	case <-time.After(time.Second):
		t.Fatal("no heartbeat request")
	}

	// No ack: the next tick must declare the connection dead.
	select {
	case <-hb.zombie:
	case <-time.After(time.Second):
		t.Fatal("unacknowledged heartbeat did not zombie")
	}
}

func TestHeartbeatMonitorAckRacingTick(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hb := newHeartbeatMonitor(10 * time.Millisecond)
	go hb.run(ctx)

	// Ack immediately after every beat for a while; none of these ticks
	// may count as missed.
	deadline := time.After(200 * time.Millisecond)
	for {
		select {
		case <-hb.beats:
			hb.Ack()
		case <-hb.zombie:
			t.Fatal("zombie despite prompt acks")
		case <-deadline:
			return
		}
	}
}

func TestHeartbeatMonitorStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hb := newHeartbeatMonitor(5 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		hb.run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop on cancel")
	}
}
