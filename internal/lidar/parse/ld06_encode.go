package parse

import (
	"encoding/binary"
	"fmt"
	"math"
)

// EncodeFrame builds the wire representation of rec with a correct checksum.
// It is the inverse of Decode and is used to synthesise sensor traffic for
// dev mode and tests. Records carrying more points than an LD06 frame holds
// are rejected; unused point slots are zero filled.
func EncodeFrame(rec ScanRecord) ([]byte, error) {
	maxPoints := PointCount(LD06_LENGTH)
	if len(rec.Points) > maxPoints {
		return nil, fmt.Errorf("too many points: frame holds %d, got %d", maxPoints, len(rec.Points))
	}

	speed, err := toRaw(rec.Speed, SPEED_SCALE, "speed")
	if err != nil {
		return nil, err
	}
	start, err := toRaw(rec.StartAngle, ANGLE_SCALE, "start angle")
	if err != nil {
		return nil, err
	}
	end, err := toRaw(rec.EndAngle, ANGLE_SCALE, "end angle")
	if err != nil {
		return nil, err
	}

	n := FrameLength(LD06_LENGTH)
	frame := make([]byte, n)
	frame[0] = LD06_HEADER
	frame[1] = LD06_LENGTH
	binary.LittleEndian.PutUint16(frame[2:4], speed)
	binary.LittleEndian.PutUint16(frame[4:6], start)
	for i, p := range rec.Points {
		dist, err := toRaw(p.Distance, DISTANCE_SCALE, fmt.Sprintf("point %d distance", i))
		if err != nil {
			return nil, err
		}
		offset := LD06_POINTS_OFFSET + i*LD06_BYTES_PER_PT
		binary.LittleEndian.PutUint16(frame[offset:offset+2], dist)
		frame[offset+2] = p.Intensity
	}
	binary.LittleEndian.PutUint16(frame[n-4:n-2], end)
	binary.LittleEndian.PutUint16(frame[n-2:], Checksum(frame[:n-2]))

	return frame, nil
}

func toRaw(v, scale float64, field string) (uint16, error) {
	raw := math.Round(v * scale)
	if raw < 0 || raw > math.MaxUint16 || math.IsNaN(raw) {
		return 0, fmt.Errorf("%s %v out of range", field, v)
	}
	return uint16(raw), nil
}
