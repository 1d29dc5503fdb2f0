package serialmux

import (
	"context"
	"log"

	"github.com/banshee-data/ld06/internal/lidar/l1packets"
)

// LogSink prints every scan it receives, one line per record.
type LogSink struct {
	// Verbose includes every point distance in the line.
	Verbose bool
}

// HandleScan implements l1packets.Sink.
func (s LogSink) HandleScan(rec l1packets.ScanRecord) {
	if s.Verbose {
		log.Printf("LD06 scan: %s", rec)
		return
	}
	log.Printf("LD06 scan: speed=%.2f°/s start=%.2f° end=%.2f° points=%d",
		rec.Speed, rec.StartAngle, rec.EndAngle, len(rec.Points))
}

// Forward subscribes to m and hands every scan to sink until ctx is done or
// the subscription channel is closed.
func Forward(ctx context.Context, m SerialMuxInterface, sink l1packets.Sink) {
	id, c := m.Subscribe()
	defer m.Unsubscribe(id)
	for {
		select {
		case rec, ok := <-c:
			if !ok {
				return
			}
			sink.HandleScan(rec)
		case <-ctx.Done():
			return
		}
	}
}
