// Serialmux provides an abstraction over the serial port of an LD06 LiDAR:
// it reads the raw byte stream, reassembles and validates scan packets, and
// lets multiple clients subscribe to the decoded scans.
package serialmux

import (
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/ld06/internal/lidar/l1packets"
)

// zeroReadBackoff is the pause after a Read that returned neither data nor
// an error.
const zeroReadBackoff = 10 * time.Millisecond

// SerialMux reads LD06 frames from a single serial port and fans the decoded
// scan records out to subscribers.
type SerialMux[T SerialPorter] struct {
	port    T
	opts    MonitorOptions
	scanner *l1packets.FrameScanner

	subscribers  map[string]chan l1packets.ScanRecord
	subscriberMu sync.Mutex

	latest   *l1packets.ScanRecord
	latestMu sync.Mutex

	closing   bool
	closingMu sync.Mutex
}

// SerialMuxInterface defines the interface for the SerialMux type.
type SerialMuxInterface interface {
	// Subscribe creates a new channel for receiving decoded scans from the
	// serial port. The channel ID is used to identify the unique channel when
	// unsubscribing.
	Subscribe() (string, chan l1packets.ScanRecord)
	// Unsubscribe removes a channel from the list of subscribers.
	Unsubscribe(string)
	// Monitor reads the serial port, frames and decodes packets and sends
	// the resulting scans to subscribers until ctx is cancelled or the port
	// fails.
	Monitor(context.Context) error
	// Stats returns the cumulative framing counters.
	Stats() l1packets.StatsSnapshot
	// WindowStats returns the framing counters since the previous call.
	WindowStats() l1packets.StatsSnapshot
	// Close closes all subscribed channels and closes the serial port.
	Close() error

	// AttachAdminRoutes attaches admin debugging endpoints to the given HTTP
	// mux served at /debug/. These routes are accessible only over
	// localhost/via Tailscale and are not publicly accessible.
	AttachAdminRoutes(*http.ServeMux)
}

// NewSerialMux creates a SerialMux instance reading from port.
func NewSerialMux[T SerialPorter](port T, opts MonitorOptions) *SerialMux[T] {
	s := &SerialMux[T]{
		port:        port,
		opts:        opts.withDefaults(),
		subscribers: make(map[string]chan l1packets.ScanRecord),
	}
	s.scanner = l1packets.NewFrameScanner(l1packets.SinkFunc(s.publish))
	return s
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe registers a new subscriber. After Close the returned channel is
// already closed so callers don't block.
func (s *SerialMux[T]) Subscribe() (string, chan l1packets.ScanRecord) {
	id := randomID()
	ch := make(chan l1packets.ScanRecord, s.opts.SubscriberBuffer)

	s.closingMu.Lock()
	defer s.closingMu.Unlock()
	if s.closing {
		close(ch)
		return id, ch
	}

	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber from the serial mux.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// Stats returns the cumulative framing counters of the underlying scanner.
func (s *SerialMux[T]) Stats() l1packets.StatsSnapshot {
	return s.scanner.Stats().Total()
}

// WindowStats returns the framing counters since the previous call.
func (s *SerialMux[T]) WindowStats() l1packets.StatsSnapshot {
	return s.scanner.Stats().GetAndReset()
}

// Latest returns the most recently decoded scan, if any.
func (s *SerialMux[T]) Latest() (l1packets.ScanRecord, bool) {
	s.latestMu.Lock()
	defer s.latestMu.Unlock()
	if s.latest == nil {
		return l1packets.ScanRecord{}, false
	}
	return *s.latest, true
}

// publish is the scanner's sink.
func (s *SerialMux[T]) publish(rec l1packets.ScanRecord) {
	s.latestMu.Lock()
	s.latest = &rec
	s.latestMu.Unlock()

	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- rec:
		default:
			// if the channel is full/blocking skip so as not to block the outer loop
		}
	}
}

// Monitor monitors the serial port for LD06 frames and sends decoded scans
// to subscribers. It returns ctx.Err() on cancellation, nil when the port
// reports end of stream, and the read error if the port fails. A partially
// received frame is dropped on return.
//
// Monitor must not be called concurrently on the same SerialMux.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	if tp, ok := any(s.port).(TimeoutSerialPorter); ok {
		if err := tp.SetReadTimeout(s.opts.ReadTimeout); err != nil {
			return fmt.Errorf("failed to set read timeout: %w", err)
		}
	}
	defer s.scanner.Reset()

	chunks := make(chan []byte, s.opts.QueueDepth)
	readErrChan := make(chan error, 1)

	// start a goroutine to read from the serial port & send copies of each
	// chunk to the framing loop below, and any errors to readErrChan.
	//
	// the blocking Read will not interfere with our outer loop awaiting
	// chunks & context cancellation.
	go func() {
		defer close(chunks)
		buf := make([]byte, s.opts.ChunkSize)
		for {
			n, err := s.port.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case chunks <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					readErrChan <- err
				}
				return
			}
			if n == 0 {
				// ports without a read timeout may return (0, nil) at once
				select {
				case <-time.After(zeroReadBackoff):
				case <-ctx.Done():
					return
				}
				continue
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	for {
		select {
		// check if the context is done
		// and exit the loop if so
		case <-ctx.Done():
			return ctx.Err()

		case chunk, ok := <-chunks:
			// if the channel is closed, we're done reading from the serial port
			if !ok {
				select {
				case err := <-readErrChan:
					return s.readError(err)
				default:
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return nil
			}
			// Check if we're closing
			s.closingMu.Lock()
			if s.closing {
				s.closingMu.Unlock()
				return nil
			}
			s.closingMu.Unlock()

			s.scanner.Feed(chunk)
		}
	}
}

func (s *SerialMux[T]) readError(err error) error {
	s.closingMu.Lock()
	defer s.closingMu.Unlock()
	if s.closing {
		// reads fail once Close has released the port
		return nil
	}
	return fmt.Errorf("serial read failed: %w", err)
}

func (s *SerialMux[T]) Close() error {
	// closingMu is held while subscribers are closed so a concurrent
	// Subscribe either lands before and is closed here, or sees closing.
	s.closingMu.Lock()
	s.closing = true
	s.subscriberMu.Lock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	s.subscriberMu.Unlock()
	s.closingMu.Unlock()

	return s.port.Close()
}

func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.KVFunc("LD06 frames accepted", func() any { return s.Stats().FramesAccepted })
	debug.KVFunc("LD06 frames rejected", func() any { return s.Stats().FramesRejected() })
	debug.KVFunc("LD06 bytes discarded", func() any { return s.Stats().BytesDiscarded })

	debug.HandleFunc("ld06-stats", "LD06 framing counters (JSON)", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.Stats())
	})

	debug.HandleFunc("ld06-latest", "most recent LD06 scan (JSON)", func(w http.ResponseWriter, r *http.Request) {
		rec, ok := s.Latest()
		if !ok {
			http.Error(w, "no scan received yet", http.StatusNotFound)
			return
		}
		writeJSON(w, rec)
	})

	// API endpoint to issue Server-Side Events (SSE) for every decoded scan.
	debug.HandleSilentFunc("ld06-tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		serveScanEvents(w, r, s)
	})
}

// scanSubscriber is the subset of SerialMuxInterface needed to stream scans.
type scanSubscriber interface {
	Subscribe() (string, chan l1packets.ScanRecord)
	Unsubscribe(string)
}

func serveScanEvents(w http.ResponseWriter, r *http.Request, sub scanSubscriber) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

	id, c := sub.Subscribe()
	defer sub.Unsubscribe(id)

	// Send initial ping to establish connection
	w.Write([]byte(": ping\n\n"))
	flusher.Flush()

	for {
		select {
		case rec, ok := <-c:
			if !ok {
				// Channel closed, exit gracefully
				return
			}
			payload, err := json.Marshal(rec)
			if err != nil {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}
