package serialmux

import (
	"bytes"
	"errors"
	"io"
	"log"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/ld06/internal/lidar/l1packets"
	"github.com/banshee-data/ld06/internal/lidar/parse"
)

// MockSerialPort implements SerialPorter for dev mode.
type MockSerialPort struct {
	io.ReadCloser
}

// SyntheticScan returns the seq-th frame of a simulated LD06 sweep: a sensor
// turning at 600°/s inside a round room of the given radius (metres).
func SyntheticScan(seq int, radius float64) l1packets.ScanRecord {
	const stepDeg = 8.0
	n := parse.PointCount(parse.LD06_LENGTH)
	start := math.Mod(float64(seq)*stepDeg, 360)
	rec := l1packets.ScanRecord{
		Speed:      600,
		StartAngle: start,
		EndAngle:   math.Mod(start+stepDeg*float64(n-1)/float64(n), 360),
	}
	for i := 0; i < n; i++ {
		// a little angular ripple so consecutive points differ
		d := radius + 0.05*math.Sin(float64(seq*n+i)/3)
		rec.Points = append(rec.Points, l1packets.ScanPoint{
			Distance:  math.Round(d*1000) / 1000,
			Intensity: uint8(180 + i),
		})
	}
	return rec
}

// NewMockSerialMux creates a SerialMux instance backed by a mock serial port
// emitting synthetic LD06 frames every interval. Every noiseEvery-th frame
// is preceded by a burst of line noise to exercise resynchronisation; zero
// disables noise.
func NewMockSerialMux(interval time.Duration, noiseEvery int, opts MonitorOptions) *SerialMux[*MockSerialPort] {
	r, w := io.Pipe()
	log.Printf("Generating synthetic LD06 frames every %s", interval)

	mockPort := &MockSerialPort{ReadCloser: r}

	// generate data periodically to simulate serial port input
	go func() {
		defer w.Close()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for seq := 0; ; seq++ {
			<-ticker.C
			frame, err := parse.EncodeFrame(SyntheticScan(seq, 2.5))
			if err != nil {
				log.Printf("failed to encode synthetic frame: %v", err)
				return
			}
			if noiseEvery > 0 && seq%noiseEvery == noiseEvery-1 {
				frame = append([]byte{0x00, 0x54, 0xFF, 0x2C}, frame...)
			}
			// Split each frame so the scanner sees partial reads.
			half := len(frame) / 2
			if _, err := w.Write(frame[:half]); err != nil {
				return
			}
			if _, err := w.Write(frame[half:]); err != nil {
				return
			}
		}
	}()

	return NewSerialMux(mockPort, opts)
}

// TestableSerialPort implements SerialPorter with configurable behaviour for testing.
// It provides fine-grained control over reads, errors, and latency.
type TestableSerialPort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// ReadLatency adds a delay to each Read call
	ReadLatency time.Duration

	// ReadError is returned by the next Read call if set
	ReadError error

	// CloseError is returned by Close if set
	CloseError error

	// Closed indicates whether Close was called
	Closed bool

	// ReadCalls records the number of Read calls
	ReadCalls int

	// ReadTimeout is the current read timeout
	ReadTimeout time.Duration

	// MaxReadSize limits the bytes returned per Read, simulating a UART
	// delivering data in small pieces. Zero means no limit.
	MaxReadSize int

	// BlockReads causes Read to block until data is added or Close is called
	BlockReads bool

	// EOFWhenEmpty makes Read return io.EOF once the buffer is drained
	// instead of (0, nil).
	EOFWhenEmpty bool

	// readCond is used to signal blocked readers
	readCond *sync.Cond
}

// NewTestableSerialPort creates a new TestableSerialPort for testing.
func NewTestableSerialPort() *TestableSerialPort {
	tsp := &TestableSerialPort{
		ReadBuffer: bytes.NewBuffer(nil),
	}
	tsp.readCond = sync.NewCond(&tsp.mu)
	return tsp
}

// Read reads from the read buffer, optionally simulating latency and errors.
func (t *TestableSerialPort) Read(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadCalls++

	if t.Closed {
		return 0, errors.New("serial port closed")
	}

	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}

	if t.ReadLatency > 0 {
		t.mu.Unlock()
		time.Sleep(t.ReadLatency)
		t.mu.Lock()
	}

	// If blocking reads are enabled and buffer is empty, wait for data
	if t.BlockReads && t.ReadBuffer.Len() == 0 {
		for !t.Closed && t.ReadBuffer.Len() == 0 {
			t.readCond.Wait()
		}
		if t.Closed {
			return 0, errors.New("serial port closed")
		}
	}

	if t.ReadBuffer.Len() == 0 {
		if t.EOFWhenEmpty {
			return 0, io.EOF
		}
		// serial ports report a read timeout as (0, nil)
		return 0, nil
	}

	if t.MaxReadSize > 0 && len(p) > t.MaxReadSize {
		p = p[:t.MaxReadSize]
	}
	return t.ReadBuffer.Read(p)
}

// Close marks the port as closed.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Closed = true
	t.readCond.Broadcast() // Wake up any blocked readers

	return t.CloseError
}

// SetReadTimeout implements TimeoutSerialPorter.
func (t *TestableSerialPort) SetReadTimeout(timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadTimeout = timeout
	return nil
}

// AddReadData adds data to be returned by subsequent Read calls.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadBuffer.Write(data)
	t.readCond.Signal() // Wake up a blocked reader
}

// SetReadError makes the next Read fail with err.
func (t *TestableSerialPort) SetReadError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadError = err
	t.readCond.Broadcast()
}

// Reset clears all buffers and resets state.
func (t *TestableSerialPort) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadBuffer.Reset()
	t.ReadCalls = 0
	t.Closed = false
	t.ReadError = nil
	t.CloseError = nil
	t.ReadLatency = 0
}

// MockSerialPortFactory implements SerialPortFactory for testing.
type MockSerialPortFactory struct {
	mu sync.Mutex

	// Port is the port to return from Open
	Port SerialPorter

	// Error is returned by Open if set
	Error error

	// OpenCalls records all Open calls
	OpenCalls []MockOpenCall
}

// MockOpenCall records details of an Open call.
type MockOpenCall struct {
	Path string
	Opts PortOptions
}

// NewMockSerialPortFactory creates a new MockSerialPortFactory.
func NewMockSerialPortFactory(port SerialPorter) *MockSerialPortFactory {
	return &MockSerialPortFactory{Port: port}
}

// Open returns the configured port or error.
func (f *MockSerialPortFactory) Open(path string, opts PortOptions) (SerialPorter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.OpenCalls = append(f.OpenCalls, MockOpenCall{
		Path: path,
		Opts: opts,
	})

	if f.Error != nil {
		return nil, f.Error
	}

	return f.Port, nil
}

// LastCall returns the most recent Open call, or nil if none.
func (f *MockSerialPortFactory) LastCall() *MockOpenCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.OpenCalls) == 0 {
		return nil
	}
	return &f.OpenCalls[len(f.OpenCalls)-1]
}

// Reset clears all recorded calls.
func (f *MockSerialPortFactory) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.OpenCalls = nil
	f.Error = nil
}
