package lidardb

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/ld06/internal/lidar/l1packets"
	"github.com/banshee-data/ld06/internal/testutil"
)

func newTestDB(t *testing.T) *LidarDB {
	t.Helper()
	ldb, err := NewLidarDB(testutil.TempDBPath(t))
	testutil.AssertNoError(t, err)
	t.Cleanup(func() { ldb.Close() })
	return ldb
}

func TestNewLidarDB_Migrates(t *testing.T) {
	ldb := newTestDB(t)

	version, dirty, err := ldb.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)

	var journalMode string
	require.NoError(t, ldb.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)

	// running again is a no-op
	require.NoError(t, ldb.MigrateUp())
}

func TestNewLidarDB_Reopen(t *testing.T) {
	path := testutil.TempDBPath(t)
	first, err := NewLidarDB(path)
	require.NoError(t, err)
	id, err := first.StartSession("/dev/ttyUSB0", "230400 8N1", "dev", "")
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := NewLidarDB(path)
	require.NoError(t, err)
	defer second.Close()
	s, err := second.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB0", s.Port)
}

func TestSessionLifecycle(t *testing.T) {
	ldb := newTestDB(t)

	id, err := ldb.StartSession("/dev/ttyUSB0", "230400 8N1", "1.2.3", "bench")
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	require.NoError(t, err, "session IDs are UUIDs")

	s, err := ldb.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, "bench", s.Notes)
	assert.Nil(t, s.EndTimestamp)
	assert.Positive(t, s.StartTimestamp)

	window := l1packets.StatsSnapshot{
		BytesIngested:    470,
		BytesDiscarded:   3,
		FramesAccepted:   9,
		PointsAccepted:   99,
		ChecksumMismatch: 1,
		SpeedMean:        3600,
		SpeedStdDev:      12.5,
		Duration:         30 * time.Second,
	}
	require.NoError(t, ldb.RecordStats(id, window))
	require.NoError(t, ldb.RecordStats(id, l1packets.StatsSnapshot{FramesAccepted: 4}))

	stats, err := ldb.SessionStats(id)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, window, stats[0].StatsSnapshot)
	assert.Equal(t, id, stats[0].SessionID)
	assert.Equal(t, int64(4), stats[1].FramesAccepted)

	total := l1packets.StatsSnapshot{FramesAccepted: 13, TooShort: 1, ChecksumMismatch: 1, BytesIngested: 800, BytesDiscarded: 3}
	require.NoError(t, ldb.EndSession(id, total))

	s, err = ldb.GetSession(id)
	require.NoError(t, err)
	require.NotNil(t, s.EndTimestamp)
	assert.GreaterOrEqual(t, *s.EndTimestamp, s.StartTimestamp)
	assert.Equal(t, int64(13), s.FramesAccepted)
	assert.Equal(t, int64(2), s.FramesRejected)
	assert.Equal(t, int64(800), s.BytesIngested)
}

func TestSessionNotFound(t *testing.T) {
	ldb := newTestDB(t)

	_, err := ldb.GetSession("missing")
	assert.True(t, errors.Is(err, ErrSessionNotFound))

	err = ldb.EndSession("missing", l1packets.StatsSnapshot{})
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// foreign key rejects unknown sessions
	testutil.AssertError(t, ldb.RecordStats("missing", l1packets.StatsSnapshot{}))
}

func TestRecentSessions(t *testing.T) {
	ldb := newTestDB(t)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := ldb.StartSession("/dev/ttyUSB0", "", "", "")
		require.NoError(t, err)
		ids = append(ids, id)
	}

	sessions, err := ldb.RecentSessions(2)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, ids[2], sessions[0].SessionID)
	assert.Equal(t, ids[1], sessions[1].SessionID)
}

func TestAttachAdminRoutes(t *testing.T) {
	ldb := newTestDB(t)
	id, err := ldb.StartSession("/dev/ttyUSB0", "230400 8N1", "dev", "")
	require.NoError(t, err)
	require.NoError(t, ldb.RecordStats(id, l1packets.StatsSnapshot{FramesAccepted: 7}))

	mux := http.NewServeMux()
	ldb.AttachAdminRoutes(mux)

	t.Run("list", func(t *testing.T) {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, testutil.DebugRequest(http.MethodGet, "/debug/ld06-sessions", nil))
		testutil.AssertStatusCode(t, w.Code, http.StatusOK)

		var got []Session
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		require.Len(t, got, 1)
		assert.Equal(t, id, got[0].SessionID)
	})

	t.Run("detail", func(t *testing.T) {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, testutil.DebugRequest(http.MethodGet, "/debug/ld06-sessions?id="+id, nil))
		testutil.AssertStatusCode(t, w.Code, http.StatusOK)

		var got struct {
			SessionID string         `json:"session_id"`
			Stats     []FramingStats `json:"stats"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		assert.Equal(t, id, got.SessionID)
		require.Len(t, got.Stats, 1)
		assert.Equal(t, int64(7), got.Stats[0].FramesAccepted)
	})

	t.Run("unknown id", func(t *testing.T) {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, testutil.DebugRequest(http.MethodGet, "/debug/ld06-sessions?id=nope", nil))
		testutil.AssertStatusCode(t, w.Code, http.StatusNotFound)
	})

	t.Run("bad limit", func(t *testing.T) {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, testutil.DebugRequest(http.MethodGet, "/debug/ld06-sessions?limit=zero", nil))
		testutil.AssertStatusCode(t, w.Code, http.StatusBadRequest)
	})
}
