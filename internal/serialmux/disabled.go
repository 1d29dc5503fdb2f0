package serialmux

import (
	"context"
	"net/http"
	"sync"

	"github.com/banshee-data/ld06/internal/lidar/l1packets"
)

// DisabledSerialMux is a no-op SerialMux implementation used when the LiDAR
// hardware is absent (for --disable-lidar). It allows the server and admin
// routes to run without a real device. It tracks subscribers so their
// channels can be deterministically closed on Unsubscribe() or Close(),
// allowing readers to unblock predictably during shutdown.
type DisabledSerialMux struct {
	mu          sync.Mutex
	subscribers map[string]chan l1packets.ScanRecord
	closing     bool
}

func NewDisabledSerialMux() *DisabledSerialMux {
	return &DisabledSerialMux{
		subscribers: make(map[string]chan l1packets.ScanRecord),
	}
}

func (d *DisabledSerialMux) Subscribe() (string, chan l1packets.ScanRecord) {
	id := randomID()
	ch := make(chan l1packets.ScanRecord)

	d.mu.Lock()
	if d.closing {
		// If already closing, return a closed channel so callers don't block.
		close(ch)
		d.mu.Unlock()
		return id, ch
	}
	d.subscribers[id] = ch
	d.mu.Unlock()
	return id, ch
}

func (d *DisabledSerialMux) Unsubscribe(id string) {
	d.mu.Lock()
	if ch, ok := d.subscribers[id]; ok {
		close(ch)
		delete(d.subscribers, id)
	}
	d.mu.Unlock()
}

func (d *DisabledSerialMux) Monitor(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }

func (d *DisabledSerialMux) Stats() l1packets.StatsSnapshot { return l1packets.StatsSnapshot{} }

func (d *DisabledSerialMux) WindowStats() l1packets.StatsSnapshot { return l1packets.StatsSnapshot{} }

func (d *DisabledSerialMux) Close() error {
	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		return nil
	}
	d.closing = true
	// Close all subscriber channels
	for id, ch := range d.subscribers {
		close(ch)
		delete(d.subscribers, id)
	}
	d.mu.Unlock()
	return nil
}

func (d *DisabledSerialMux) AttachAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/debug/lidar-disabled", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("lidar disabled"))
	})
}
