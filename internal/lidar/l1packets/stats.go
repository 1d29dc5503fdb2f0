package l1packets

import (
	"errors"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/ld06/internal/lidar/parse"
)

// maxSpeedSamples bounds the per-window speed history.
const maxSpeedSamples = 10000

// StatsSnapshot is a point-in-time copy of framing counters.
type StatsSnapshot struct {
	BytesIngested    int64         `json:"bytes_ingested"`
	BytesDiscarded   int64         `json:"bytes_discarded"` // dropped one at a time while resynchronising
	FramesAccepted   int64         `json:"frames_accepted"`
	PointsAccepted   int64         `json:"points_accepted"`
	TooShort         int64         `json:"too_short"`
	BadHeader        int64         `json:"bad_header"`
	ChecksumMismatch int64         `json:"checksum_mismatch"`
	SpeedMean        float64       `json:"speed_mean_dps"`
	SpeedStdDev      float64       `json:"speed_stddev_dps"`
	Duration         time.Duration `json:"duration_ns"`
}

// FramesRejected is the total number of candidate frames that failed decode.
func (s StatsSnapshot) FramesRejected() int64 {
	return s.TooShort + s.BadHeader + s.ChecksumMismatch
}

// Stats tracks framing counters for one FrameScanner. Counters are kept
// both cumulatively and for the current reporting window.
type Stats struct {
	mu        sync.Mutex
	total     StatsSnapshot
	window    StatsSnapshot
	speeds    []float64
	started   time.Time
	lastReset time.Time
}

// NewStats returns an empty Stats starting its window now.
func NewStats() *Stats {
	now := time.Now()
	return &Stats{started: now, lastReset: now}
}

func (s *Stats) addIngested(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total.BytesIngested += int64(n)
	s.window.BytesIngested += int64(n)
}

func (s *Stats) addDiscarded(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total.BytesDiscarded += int64(n)
	s.window.BytesDiscarded += int64(n)
}

func (s *Stats) addAccepted(rec parse.ScanRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total.FramesAccepted++
	s.window.FramesAccepted++
	s.total.PointsAccepted += int64(len(rec.Points))
	s.window.PointsAccepted += int64(len(rec.Points))
	if len(s.speeds) < maxSpeedSamples {
		s.speeds = append(s.speeds, rec.Speed)
	}
}

func (s *Stats) addRejected(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, snap := range []*StatsSnapshot{&s.total, &s.window} {
		switch {
		case errors.Is(err, parse.ErrTooShort):
			snap.TooShort++
		case errors.Is(err, parse.ErrBadHeader):
			snap.BadHeader++
		case errors.Is(err, parse.ErrChecksumMismatch):
			snap.ChecksumMismatch++
		}
	}
}

// Total returns the cumulative counters since the Stats was created.
func (s *Stats) Total() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.total
	snap.Duration = time.Since(s.started)
	return snap
}

// GetAndReset returns the counters of the current window, including the
// mean and standard deviation of reported rotation speed, and starts a new
// window.
func (s *Stats) GetAndReset() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	snap := s.window
	snap.Duration = now.Sub(s.lastReset)
	switch len(s.speeds) {
	case 0:
	case 1:
		snap.SpeedMean = s.speeds[0]
	default:
		snap.SpeedMean, snap.SpeedStdDev = stat.MeanStdDev(s.speeds, nil)
	}

	s.window = StatsSnapshot{}
	s.speeds = s.speeds[:0]
	s.lastReset = now
	return snap
}
