package parse

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

/*
LD06 Serial Packet Format

The LD06 streams fixed-format measurement packets over a UART (230400 8N1).
Every packet starts with a two byte signature: 0x54 followed by the length
byte, which for this sensor is always 0x2C. All multi-byte fields are
little-endian unsigned 16-bit integers.

PACKET STRUCTURE (47 bytes on the wire):
├── Header (1 byte)        - constant 0x54
├── Length (1 byte)        - 0x2C, doubles as the second signature byte
├── Speed (2 bytes)        - rotation speed in 0.01 deg/s
├── Start angle (2 bytes)  - 0.01 degree units
├── Points (3 bytes each)  - distance in mm (2 bytes) + intensity (1 byte)
├── End angle (2 bytes)    - at offset length-4, 0.01 degree units
└── Checksum (2 bytes)     - at offset length-2, 16-bit sum of all prior bytes

The point count is derived from the length byte as (length-9)/3 using integer
division. The end angle and checksum are always addressed from the end of the
frame, so any bytes between the last point and the end angle are carried but
not interpreted.
*/

const (
	LD06_HEADER         = 0x54 // First signature byte
	LD06_LENGTH         = 0x2C // Second signature byte and declared length
	LD06_MIN_FRAME_SIZE = 47   // Smallest frame that can be validated
	LD06_POINTS_OFFSET  = 6    // First point follows header, speed and start angle
	LD06_BYTES_PER_PT   = 3    // 2 bytes distance + 1 byte intensity
	LD06_LENGTH_BIAS    = 3    // Bytes on the wire not counted by the length byte
	LD06_OVERHEAD       = 9    // Length byte units not occupied by points

	SPEED_SCALE    = 100.0  // raw units per deg/s
	ANGLE_SCALE    = 100.0  // raw units per degree
	DISTANCE_SCALE = 1000.0 // raw units (mm) per metre
)

// Decode failures. Each is returned wrapped with detail; match with errors.Is.
var (
	ErrTooShort         = errors.New("ld06 frame too short")
	ErrBadHeader        = errors.New("ld06 frame has bad header")
	ErrChecksumMismatch = errors.New("ld06 frame checksum mismatch")
)

// ScanPoint is a single range sample. Points are ordered and evenly spread
// between the record's start and end angle.
type ScanPoint struct {
	Distance  float64 `json:"distance_m"` // metres
	Intensity uint8   `json:"intensity"`  // 0-255
}

// ScanRecord is one validated LD06 packet.
type ScanRecord struct {
	Speed      float64     `json:"speed_dps"`   // rotation speed, degrees/second
	StartAngle float64     `json:"start_angle"` // degrees
	EndAngle   float64     `json:"end_angle"`   // degrees
	Points     []ScanPoint `json:"points"`
}

// String renders a one-line summary suitable for logs.
func (r ScanRecord) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "speed=%.2f°/s start=%.2f° end=%.2f° points=%d", r.Speed, r.StartAngle, r.EndAngle, len(r.Points))
	if len(r.Points) > 0 {
		b.WriteString(" distances=[")
		for i, p := range r.Points {
			if i > 0 {
				b.WriteByte(' ')
			}
			fmt.Fprintf(&b, "%.3f", p.Distance)
		}
		b.WriteString("]")
	}
	return b.String()
}

// FrameLength returns the number of wire bytes occupied by a frame whose
// length byte is lengthByte.
func FrameLength(lengthByte byte) int {
	return int(lengthByte) + LD06_LENGTH_BIAS
}

// PointCount returns the number of points described by a declared length.
func PointCount(lengthByte byte) int {
	n := int(lengthByte) - LD06_OVERHEAD
	if n <= 0 {
		return 0
	}
	return n / LD06_BYTES_PER_PT
}

// IsHeader reports whether b begins with the LD06 signature.
func IsHeader(b []byte) bool {
	return len(b) >= 2 && b[0] == LD06_HEADER && b[1] == LD06_LENGTH
}

// Checksum is the vendor integrity check: a 16-bit truncating sum of every
// byte in data.
func Checksum(data []byte) uint16 {
	var sum uint16
	for _, b := range data {
		sum += uint16(b)
	}
	return sum
}

// Decode parses a single LD06 frame. It has no side effects and never
// returns a partial record.
func Decode(frame []byte) (ScanRecord, error) {
	if len(frame) < LD06_MIN_FRAME_SIZE {
		return ScanRecord{}, fmt.Errorf("%w: need %d bytes, got %d", ErrTooShort, LD06_MIN_FRAME_SIZE, len(frame))
	}
	if !IsHeader(frame) {
		return ScanRecord{}, fmt.Errorf("%w: expected 0x%02X 0x%02X, got 0x%02X 0x%02X",
			ErrBadHeader, LD06_HEADER, LD06_LENGTH, frame[0], frame[1])
	}

	declared := frame[1]
	n := len(frame)

	speed := binary.LittleEndian.Uint16(frame[2:4])
	start := binary.LittleEndian.Uint16(frame[4:6])
	end := binary.LittleEndian.Uint16(frame[n-4 : n-2])
	checksum := binary.LittleEndian.Uint16(frame[n-2:])

	numPoints := PointCount(declared)
	points := make([]ScanPoint, 0, numPoints)
	for i := 0; i < numPoints; i++ {
		offset := LD06_POINTS_OFFSET + i*LD06_BYTES_PER_PT
		points = append(points, ScanPoint{
			Distance:  float64(binary.LittleEndian.Uint16(frame[offset:offset+2])) / DISTANCE_SCALE,
			Intensity: frame[offset+2],
		})
	}

	if calculated := Checksum(frame[:n-2]); calculated != checksum {
		return ScanRecord{}, fmt.Errorf("%w: calculated 0x%04X, frame carries 0x%04X",
			ErrChecksumMismatch, calculated, checksum)
	}

	return ScanRecord{
		Speed:      float64(speed) / SPEED_SCALE,
		StartAngle: float64(start) / ANGLE_SCALE,
		EndAngle:   float64(end) / ANGLE_SCALE,
		Points:     points,
	}, nil
}
