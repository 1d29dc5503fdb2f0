package parse

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rawPoint struct {
	distance  uint16
	intensity uint8
}

// buildFrame assembles a frame byte by byte, independently of EncodeFrame.
func buildFrame(speed, start, end uint16, points []rawPoint) []byte {
	frame := make([]byte, FrameLength(LD06_LENGTH))
	frame[0] = 0x54
	frame[1] = 0x2C
	binary.LittleEndian.PutUint16(frame[2:], speed)
	binary.LittleEndian.PutUint16(frame[4:], start)
	for i, p := range points {
		binary.LittleEndian.PutUint16(frame[6+3*i:], p.distance)
		frame[8+3*i] = p.intensity
	}
	n := len(frame)
	binary.LittleEndian.PutUint16(frame[n-4:], end)
	var sum uint16
	for _, b := range frame[:n-2] {
		sum += uint16(b)
	}
	binary.LittleEndian.PutUint16(frame[n-2:], sum)
	return frame
}

func TestFrameGeometry(t *testing.T) {
	assert.Equal(t, 47, FrameLength(LD06_LENGTH))
	assert.Equal(t, 11, PointCount(LD06_LENGTH))
	assert.Equal(t, 0, PointCount(0))
	assert.Equal(t, 0, PointCount(9))
	assert.Equal(t, 1, PointCount(12))

	// the last point ends before the end angle of a minimum-size frame
	pointsEnd := LD06_POINTS_OFFSET + PointCount(LD06_LENGTH)*LD06_BYTES_PER_PT
	assert.LessOrEqual(t, pointsEnd, LD06_MIN_FRAME_SIZE-4)
}

func TestDecodeRoundTrip(t *testing.T) {
	raw := make([]rawPoint, PointCount(LD06_LENGTH))
	want := ScanRecord{Speed: 12.34, StartAngle: 0, EndAngle: 90}
	for i := range raw {
		raw[i] = rawPoint{distance: uint16(250 + 1000*i), intensity: uint8(200 - i)}
		want.Points = append(want.Points, ScanPoint{
			Distance:  0.25 + float64(i),
			Intensity: uint8(200 - i),
		})
	}

	got, err := Decode(buildFrame(1234, 0, 9000, raw))
	require.NoError(t, err)

	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-6)); diff != "" {
		t.Errorf("Decode() mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeTooShort(t *testing.T) {
	valid := buildFrame(1000, 100, 200, nil)
	for n := 0; n < LD06_MIN_FRAME_SIZE; n++ {
		_, err := Decode(valid[:n])
		assert.ErrorIs(t, err, ErrTooShort, "length %d", n)
		assert.False(t, errors.Is(err, ErrBadHeader))
	}

	// Garbage shorter than the minimum is still reported as too short.
	_, err := Decode([]byte{0x00, 0x01, 0x02})
	assert.ErrorIs(t, err, ErrTooShort)
}

func TestDecodeBadHeader(t *testing.T) {
	headers := [][2]byte{
		{0x00, 0x00},
		{0x54, 0x00},
		{0x00, 0x2C},
		{0x2C, 0x54},
		{0xFF, 0xFF},
		{0x54, 0x2D},
	}
	for _, h := range headers {
		frame := buildFrame(1000, 100, 200, []rawPoint{{1000, 10}})
		frame[0], frame[1] = h[0], h[1]
		_, err := Decode(frame)
		assert.ErrorIs(t, err, ErrBadHeader, "header % X", h)
	}
}

func TestDecodeChecksumBitFlips(t *testing.T) {
	frame := buildFrame(3600, 1000, 1800, []rawPoint{{500, 1}, {600, 2}, {700, 3}})
	_, err := Decode(frame)
	require.NoError(t, err)

	n := len(frame)
	for bit := 0; bit < 16; bit++ {
		tampered := append([]byte(nil), frame...)
		tampered[n-2+bit/8] ^= 1 << (bit % 8)
		_, err := Decode(tampered)
		assert.ErrorIs(t, err, ErrChecksumMismatch, "bit %d", bit)
	}
}

func TestDecodePayloadCorruption(t *testing.T) {
	frame := buildFrame(3600, 1000, 1800, []rawPoint{{500, 1}})
	frame[10] ^= 0x40

	rec, err := Decode(frame)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
	assert.Empty(t, rec.Points, "no partial record on failure")
}

func TestDecodeChecksumWraps(t *testing.T) {
	// High byte values push the sum past 0xFFFF.
	raw := make([]rawPoint, PointCount(LD06_LENGTH))
	for i := range raw {
		raw[i] = rawPoint{distance: 0xFFFF, intensity: 0xFF}
	}
	frame := buildFrame(0xFFFF, 0xFFFF, 0xFFFF, raw)
	rec, err := Decode(frame)
	require.NoError(t, err)
	assert.InDelta(t, 655.35, rec.Speed, 1e-9)
	assert.InDelta(t, 65.535, rec.Points[0].Distance, 1e-9)
}

func TestDecodeLongerFrame(t *testing.T) {
	// A frame with trailing bytes reads end angle and checksum from its end.
	frame := buildFrame(100, 200, 300, nil)
	long := make([]byte, len(frame)+4)
	copy(long, frame[:len(frame)-4])
	n := len(long)
	binary.LittleEndian.PutUint16(long[n-4:], 4500)
	binary.LittleEndian.PutUint16(long[n-2:], Checksum(long[:n-2]))

	rec, err := Decode(long)
	require.NoError(t, err)
	assert.InDelta(t, 45.0, rec.EndAngle, 1e-9)
	assert.Len(t, rec.Points, PointCount(LD06_LENGTH))
}

func TestEncodeFrameMatchesDecode(t *testing.T) {
	rec := ScanRecord{
		Speed:      3.6,
		StartAngle: 359.99,
		EndAngle:   10.5,
		Points: []ScanPoint{
			{Distance: 0.123, Intensity: 7},
			{Distance: 12.0, Intensity: 255},
		},
	}
	frame, err := EncodeFrame(rec)
	require.NoError(t, err)
	require.Len(t, frame, LD06_MIN_FRAME_SIZE)

	got, err := Decode(frame)
	require.NoError(t, err)
	assert.InDelta(t, rec.Speed, got.Speed, 1e-9)
	assert.InDelta(t, rec.StartAngle, got.StartAngle, 1e-9)
	assert.InDelta(t, rec.EndAngle, got.EndAngle, 1e-9)
	require.Len(t, got.Points, PointCount(LD06_LENGTH))
	assert.Equal(t, rec.Points[0], got.Points[0])
	assert.Equal(t, rec.Points[1], got.Points[1])
	assert.Equal(t, ScanPoint{}, got.Points[2])
}

func TestEncodeFrameErrors(t *testing.T) {
	_, err := EncodeFrame(ScanRecord{Points: make([]ScanPoint, 12)})
	assert.Error(t, err)

	_, err = EncodeFrame(ScanRecord{Speed: -1})
	assert.Error(t, err)

	_, err = EncodeFrame(ScanRecord{EndAngle: 1000})
	assert.Error(t, err)

	_, err = EncodeFrame(ScanRecord{Points: []ScanPoint{{Distance: 70}}})
	assert.Error(t, err)
}

func TestScanRecordString(t *testing.T) {
	rec := ScanRecord{Speed: 12.34, StartAngle: 1, EndAngle: 2, Points: []ScanPoint{{Distance: 1.5}, {Distance: 0.25}}}
	assert.Equal(t, "speed=12.34°/s start=1.00° end=2.00° points=2 distances=[1.500 0.250]", rec.String())
	assert.Equal(t, "speed=0.00°/s start=0.00° end=0.00° points=0", ScanRecord{}.String())
}
