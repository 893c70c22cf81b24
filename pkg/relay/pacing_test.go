package relay

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"
)

func newTestLeg(serverSide net.Conn) *leg {
	return &leg{
		sessionID:  "test",
		log:        slog.Default(),
		cfg:        Config{PacingFrameMS: 10},
		conn:       serverSide,
		audioOut:   make(chan []byte, 64),
		clearAudio: make(chan struct{}, 1),
	}
}

// drainer reads everything written to conn in the background, counting
// total bytes received, so the pacer's blocking net.Pipe writes don't stall.
type drainer struct {
	mu    sync.Mutex
	total int
}

func startDrainer(conn net.Conn) *drainer {
	d := &drainer{}
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			d.mu.Lock()
			d.total += n
			d.mu.Unlock()
			if err != nil {
				return
			}
		}
	}()
	return d
}

func (d *drainer) bytesRead() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.total
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
}

func TestPacer_EmitsWholeFramesOnly(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	d := startDrainer(client)

	l := newTestLeg(server)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.pacer(ctx)

	l.audioOut <- make([]byte, PCM8kFrameBytes*2+50)

	expectedBytes := 2 * (3 + PCM8kFrameBytes)
	waitFor(t, 500*time.Millisecond, func() bool { return d.bytesRead() >= expectedBytes })
	if got := d.bytesRead(); got != expectedBytes {
		t.Errorf("expected %d bytes written (2 full frames), got %d", expectedBytes, got)
	}
}

func TestPacer_ClearAudioDropsPendingImmediately(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	d := startDrainer(client)

	l := newTestLeg(server)
	l.cfg.PacingFrameMS = 10
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.pacer(ctx)

	l.audioOut <- make([]byte, PCM8kFrameBytes*3)
	l.clearAudio <- struct{}{}

	// Give the pacer a couple of tick intervals; nothing should have been
	// written since the clear beat every tick to the pending buffer.
	time.Sleep(50 * time.Millisecond)
	if got := d.bytesRead(); got != 0 {
		t.Errorf("expected cleared pending buffer to emit nothing, got %d bytes", got)
	}
}

func TestPacer_RespectsWallClockCadence(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	d := startDrainer(client)

	l := newTestLeg(server)
	l.cfg.PacingFrameMS = 10
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.pacer(ctx)

	start := time.Now()
	l.audioOut <- make([]byte, PCM8kFrameBytes*3)

	expectedBytes := 3 * (3 + PCM8kFrameBytes)
	waitFor(t, 500*time.Millisecond, func() bool { return d.bytesRead() >= expectedBytes })
	elapsed := time.Since(start)

	if elapsed < 20*time.Millisecond {
		t.Errorf("expected pacing to take at least 20ms for 3 frames, took %v", elapsed)
	}
}

// TestPumpAgentToPBX_InterruptNotBlockedBehindPacing is the regression test
// for the barge-in latency fix: signalClear, the call pumpAgentToPBX makes
// on an interrupt message, must return promptly while the pacer goroutine
// runs on a slow pacing cadence, so the WS read loop is never held up by
// pacing.
func TestPumpAgentToPBX_InterruptNotBlockedBehindPacing(t *testing.T) {
	l := newTestLeg(nil)
	l.cfg.PacingFrameMS = 1000 // exaggerate: if signalClear waited on a pacing tick, this test would time out

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.pacer(ctx)

	l.dropUntilNextResponse.Store(true)
	done := make(chan struct{})
	go func() {
		l.signalClear(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("signalClear blocked — pacer not draining independently of a slow pacing cadence")
	}
}
