package lidardb

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/ld06/internal/lidar/l1packets"
)

// ErrSessionNotFound is returned when a session ID does not exist.
var ErrSessionNotFound = errors.New("session not found")

// Session is one run of the reader against a serial port.
type Session struct {
	SessionID      string   `json:"session_id"`
	Port           string   `json:"port"`
	PortOptions    string   `json:"port_options"`
	Version        string   `json:"version"`
	Notes          string   `json:"notes"`
	StartTimestamp float64  `json:"start_timestamp"`
	EndTimestamp   *float64 `json:"end_timestamp,omitempty"`
	FramesAccepted int64    `json:"frames_accepted"`
	FramesRejected int64    `json:"frames_rejected"`
	BytesIngested  int64    `json:"bytes_ingested"`
	BytesDiscarded int64    `json:"bytes_discarded"`
}

// FramingStats is one persisted reporting window.
type FramingStats struct {
	ID             int64   `json:"id"`
	SessionID      string  `json:"session_id"`
	WriteTimestamp float64 `json:"write_timestamp"`
	l1packets.StatsSnapshot
}

// StartSession creates a new session record and returns its ID.
func (ldb *LidarDB) StartSession(port, portOptions, version, notes string) (string, error) {
	id := uuid.NewString()
	_, err := ldb.Exec(`
		INSERT INTO ld06_sessions (session_id, port, port_options, version, notes)
		VALUES (?, ?, ?, ?, ?)
	`, id, port, portOptions, version, notes)
	if err != nil {
		return "", fmt.Errorf("failed to start lidar session: %w", err)
	}
	return id, nil
}

// RecordStats appends a framing statistics window to the session.
func (ldb *LidarDB) RecordStats(sessionID string, s l1packets.StatsSnapshot) error {
	_, err := ldb.Exec(`
		INSERT INTO ld06_framing_stats (
			session_id, window_ns, bytes_ingested, bytes_discarded,
			frames_accepted, points_accepted, too_short, bad_header,
			checksum_mismatch, speed_mean_dps, speed_stddev_dps
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sessionID, int64(s.Duration), s.BytesIngested, s.BytesDiscarded,
		s.FramesAccepted, s.PointsAccepted, s.TooShort, s.BadHeader,
		s.ChecksumMismatch, s.SpeedMean, s.SpeedStdDev)
	if err != nil {
		return fmt.Errorf("failed to record framing stats: %w", err)
	}
	return nil
}

// EndSession closes a session, storing the cumulative counters.
func (ldb *LidarDB) EndSession(sessionID string, total l1packets.StatsSnapshot) error {
	res, err := ldb.Exec(`
		UPDATE ld06_sessions
		SET
			end_timestamp = UNIXEPOCH('subsec'),
			frames_accepted = ?,
			frames_rejected = ?,
			bytes_ingested = ?,
			bytes_discarded = ?
		WHERE session_id = ?
	`, total.FramesAccepted, total.FramesRejected(), total.BytesIngested, total.BytesDiscarded, sessionID)
	if err != nil {
		return fmt.Errorf("failed to end lidar session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return nil
}

const sessionColumns = `session_id, port, port_options, version, notes, start_timestamp,
	end_timestamp, frames_accepted, frames_rejected, bytes_ingested, bytes_discarded`

func scanSession(row interface{ Scan(...any) error }) (Session, error) {
	var s Session
	var end sql.NullFloat64
	err := row.Scan(&s.SessionID, &s.Port, &s.PortOptions, &s.Version, &s.Notes,
		&s.StartTimestamp, &end, &s.FramesAccepted, &s.FramesRejected,
		&s.BytesIngested, &s.BytesDiscarded)
	if end.Valid {
		s.EndTimestamp = &end.Float64
	}
	return s, err
}

// GetSession returns a single session by ID.
func (ldb *LidarDB) GetSession(sessionID string) (Session, error) {
	row := ldb.QueryRow(`SELECT `+sessionColumns+` FROM ld06_sessions WHERE session_id = ?`, sessionID)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return Session{}, fmt.Errorf("failed to get session: %w", err)
	}
	return s, nil
}

// RecentSessions returns up to limit sessions, newest first.
func (ldb *LidarDB) RecentSessions(limit int) ([]Session, error) {
	rows, err := ldb.Query(`
		SELECT `+sessionColumns+`
		FROM ld06_sessions
		ORDER BY start_timestamp DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// SessionStats returns the framing windows recorded for a session, oldest first.
func (ldb *LidarDB) SessionStats(sessionID string) ([]FramingStats, error) {
	rows, err := ldb.Query(`
		SELECT id, session_id, write_timestamp, window_ns, bytes_ingested,
			bytes_discarded, frames_accepted, points_accepted, too_short,
			bad_header, checksum_mismatch, speed_mean_dps, speed_stddev_dps
		FROM ld06_framing_stats
		WHERE session_id = ?
		ORDER BY id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query framing stats: %w", err)
	}
	defer rows.Close()

	var out []FramingStats
	for rows.Next() {
		var fs FramingStats
		var windowNs int64
		if err := rows.Scan(&fs.ID, &fs.SessionID, &fs.WriteTimestamp, &windowNs,
			&fs.BytesIngested, &fs.BytesDiscarded, &fs.FramesAccepted,
			&fs.PointsAccepted, &fs.TooShort, &fs.BadHeader, &fs.ChecksumMismatch,
			&fs.SpeedMean, &fs.SpeedStdDev); err != nil {
			return nil, fmt.Errorf("failed to scan framing stats row: %w", err)
		}
		fs.Duration = time.Duration(windowNs)
		out = append(out, fs)
	}
	return out, rows.Err()
}
