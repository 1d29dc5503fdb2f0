package l1packets

import (
	"github.com/banshee-data/ld06/internal/lidar/parse"
	"github.com/banshee-data/ld06/internal/monitoring"
)

// Sink receives every validated scan record, in stream order.
type Sink interface {
	HandleScan(rec ScanRecord)
}

// SinkFunc adapts a plain function to a Sink.
type SinkFunc func(rec ScanRecord)

// HandleScan calls f(rec).
func (f SinkFunc) HandleScan(rec ScanRecord) { f(rec) }

// FrameScanner reassembles LD06 frames from arbitrarily chunked serial data.
//
// Bytes are appended by Ingest and consumed from the front by Drain, which
// locates the 0x54 0x2C signature, cuts exactly one declared-length frame and
// hands it to parse.Decode. When the front of the buffer is not a signature
// a single byte is dropped and the search repeats. A frame that fails to
// decode has already been removed from the buffer and is simply counted.
//
// A FrameScanner is not safe for concurrent use; it is owned by one read
// loop. Its Stats may be read from any goroutine.
type FrameScanner struct {
	buf   []byte
	sink  Sink
	stats *Stats

	resyncLog *monitoring.Throttle
	decodeLog *monitoring.Throttle
}

// NewFrameScanner returns a scanner delivering records to sink. A nil sink
// discards records, which is still useful for counting.
func NewFrameScanner(sink Sink) *FrameScanner {
	if sink == nil {
		sink = SinkFunc(func(ScanRecord) {})
	}
	return &FrameScanner{
		buf:       make([]byte, 0, 4*parse.LD06_MIN_FRAME_SIZE),
		sink:      sink,
		stats:     NewStats(),
		resyncLog: monitoring.NewThrottle(5, 1000),
		decodeLog: monitoring.NewThrottle(10, 100),
	}
}

// Ingest appends a chunk read from the byte source.
func (s *FrameScanner) Ingest(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	s.buf = append(s.buf, chunk...)
	s.stats.addIngested(len(chunk))
}

// Drain extracts and dispatches every complete frame currently buffered and
// returns how many records reached the sink. It stops when fewer than the
// minimum frame size remain or the frame at the front is still incomplete.
func (s *FrameScanner) Drain() int {
	emitted := 0
	for len(s.buf) >= parse.LD06_MIN_FRAME_SIZE {
		if !parse.IsHeader(s.buf) {
			s.resyncLog.Logf("ld06 resync: dropping byte 0x%02X (%d buffered)", s.buf[0], len(s.buf))
			s.buf = s.buf[1:]
			s.stats.addDiscarded(1)
			continue
		}

		frameLen := parse.FrameLength(s.buf[1])
		if len(s.buf) < frameLen {
			break
		}

		frame := s.buf[:frameLen]
		s.buf = s.buf[frameLen:]

		rec, err := parse.Decode(frame)
		if err != nil {
			s.stats.addRejected(err)
			s.decodeLog.Logf("ld06 frame discarded: %v", err)
			continue
		}
		s.stats.addAccepted(rec)
		s.sink.HandleScan(rec)
		emitted++
	}
	return emitted
}

// Feed is Ingest followed by Drain.
func (s *FrameScanner) Feed(chunk []byte) int {
	s.Ingest(chunk)
	return s.Drain()
}

// Buffered returns the number of bytes waiting for more data.
func (s *FrameScanner) Buffered() int {
	return len(s.buf)
}

// Reset drops any partially received frame, as done on shutdown or after
// the port is reopened.
func (s *FrameScanner) Reset() {
	s.buf = s.buf[:0]
}

// Stats returns the scanner's counters.
func (s *FrameScanner) Stats() *Stats {
	return s.stats
}
