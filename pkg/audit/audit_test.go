package audit

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/vrtree/pkg/tree"
)

func TestLogger(t *testing.T) {
	t.Run("disabled_drops_events", func(t *testing.T) {
		l, err := NewLogger(Config{})
		require.NoError(t, err)
		assert.NoError(t, l.Log(Event{Type: EventShutdown}))
		assert.NoError(t, l.Close())
	})

	t.Run("nil_logger", func(t *testing.T) {
		var l *Logger
		assert.NoError(t, l.LogLicense("x", tree.PermAll, nil))
		assert.NoError(t, l.Close())
	})

	t.Run("fills_id_and_timestamp", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewLoggerWithWriter(&buf, Config{Enabled: true})
		require.NoError(t, l.Log(Event{Type: EventRestore, Resource: "journal"}))
		require.NoError(t, l.Log(Event{Type: EventShutdown}))

		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		require.Len(t, lines, 2)
		var e Event
		require.NoError(t, json.Unmarshal([]byte(lines[1]), &e))
		assert.Equal(t, EventShutdown, e.Type)
		assert.True(t, strings.HasPrefix(e.ID, "audit-"))
		assert.True(t, strings.HasSuffix(e.ID, "-2"))
		assert.False(t, e.Timestamp.IsZero())
	})

	t.Run("license_events", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewLoggerWithWriter(&buf, Config{Enabled: true})
		require.NoError(t, l.LogLicense("fbx", tree.PermRead|tree.PermModify, nil))
		require.NoError(t, l.LogLicense("obj", 0, errors.New("invalid license signature")))

		dec := json.NewDecoder(&buf)
		var ok, bad Event
		require.NoError(t, dec.Decode(&ok))
		require.NoError(t, dec.Decode(&bad))
		assert.Equal(t, EventLicenseAccepted, ok.Type)
		assert.Equal(t, "read,modify", ok.Permissions)
		assert.True(t, ok.Success)
		assert.Equal(t, EventLicenseRejected, bad.Type)
		assert.Equal(t, "invalid license signature", bad.Reason)
		assert.False(t, bad.Success)
	})

	t.Run("alerts", func(t *testing.T) {
		l := NewLoggerWithWriter(&bytes.Buffer{}, Config{Enabled: true, AlertOn: []EventType{EventLicenseRejected}})
		var alerts []Event
		l.SetAlertCallback(func(e Event) { alerts = append(alerts, e) })
		require.NoError(t, l.LogLicense("ok", tree.PermRead, nil))
		require.NoError(t, l.LogLicense("bad", 0, errors.New("expired")))
		require.Len(t, alerts, 1)
		assert.Equal(t, "bad", alerts[0].Name)
	})

	t.Run("closed", func(t *testing.T) {
		l := NewLoggerWithWriter(&bytes.Buffer{}, Config{Enabled: true})
		require.NoError(t, l.Close())
		assert.ErrorIs(t, l.Log(Event{Type: EventShutdown}), ErrClosed)
	})
}

func TestReaderQuery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "audit.log")
	l, err := NewLogger(Config{Enabled: true, Path: path, SyncWrites: true})
	require.NoError(t, err)

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	events := []Event{
		{Timestamp: base, Type: EventLicenseAccepted, Name: "fbx", Success: true},
		{Timestamp: base.Add(time.Minute), Type: EventPermissionRequest, Name: "fbx", Success: false},
		{Timestamp: base.Add(2 * time.Minute), Type: EventLicenseRejected, Name: "obj", Success: false},
		{Timestamp: base.Add(3 * time.Minute), Type: EventShutdown, Success: true},
	}
	for _, e := range events {
		require.NoError(t, l.Log(e))
	}
	require.NoError(t, l.LogPermissionRequest("fbx", tree.PermNetwork, tree.PermNetwork|tree.PermRead))
	require.NoError(t, l.Close())

	// a torn write must not hide the rest of the log
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString("{\"id\":\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	r := NewReader(path)
	failed := false
	tests := []struct {
		name  string
		q     Query
		total int
		more  bool
	}{
		{"all", Query{}, 5, false},
		{"by_name", Query{Name: "fbx"}, 3, false},
		{"by_type", Query{Types: []EventType{EventLicenseAccepted, EventLicenseRejected}}, 2, false},
		{"failures", Query{Success: &failed}, 2, false},
		{"window", Query{Start: base.Add(30 * time.Second), End: base.Add(150 * time.Second)}, 2, false},
		{"paged", Query{Limit: 2, Offset: 1}, 5, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Query(tt.q)
			require.NoError(t, err)
			assert.Equal(t, tt.total, res.TotalCount)
			assert.Equal(t, tt.more, res.HasMore)
		})
	}

	t.Run("missing_file", func(t *testing.T) {
		res, err := NewReader(filepath.Join(t.TempDir(), "none.log")).Query(Query{})
		require.NoError(t, err)
		assert.Empty(t, res.Events)
	})

	t.Run("permission_request_granted", func(t *testing.T) {
		res, err := r.Query(Query{Types: []EventType{EventPermissionRequest}, Name: "fbx"})
		require.NoError(t, err)
		require.Len(t, res.Events, 2)
		last := res.Events[1]
		assert.True(t, last.Success)
		assert.Equal(t, "network", last.Permissions)
		assert.Equal(t, "network,read", last.Metadata["granted"])
	})
}
