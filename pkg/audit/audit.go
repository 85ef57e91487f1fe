// Package audit records security decisions made by a vrtree process.
//
// Every license presented to the store, every security context closed and
// every permission a plugin asks for is appended to an audit log as one
// JSON object per line. The log is append-only; entries are never
// rewritten. A Reader scans the log back with simple filters.
//
// Example Usage:
//
//	logger, err := audit.NewLogger(audit.Config{
//		Enabled: true,
//		Path:    "/var/log/vrtree/audit.log",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer logger.Close()
//
//	logger.LogLicense("fbx-importer", tree.PermRead, nil)
//
//	res, _ := audit.NewReader("/var/log/vrtree/audit.log").Query(audit.Query{
//		Types: []audit.EventType{audit.EventLicenseRejected},
//	})
package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/orneryd/vrtree/pkg/tree"
)

// ErrClosed is returned by Log after Close.
var ErrClosed = errors.New("audit logger is closed")

// EventType classifies audit events.
type EventType string

const (
	// Licensing
	EventLicenseAccepted EventType = "LICENSE_ACCEPTED"
	EventLicenseRejected EventType = "LICENSE_REJECTED"
	EventContextClosed   EventType = "CONTEXT_CLOSED"

	// Plugins
	EventPluginRegistered  EventType = "PLUGIN_REGISTERED"
	EventPermissionRequest EventType = "PERMISSION_REQUEST"

	// Store lifecycle
	EventRestore  EventType = "RESTORE"
	EventShutdown EventType = "SHUTDOWN"
)

// Event is one audit log entry.
type Event struct {
	// Unique event identifier
	ID string `json:"id"`

	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`

	// Name is the requester: the license holder or plugin
	Name string `json:"name,omitempty"`

	// Resource information
	Resource   string `json:"resource,omitempty"` // e.g. "store", "plugin", "journal"
	ResourceID string `json:"resource_id,omitempty"`

	// Permissions granted, or requested for EventPermissionRequest
	Permissions string `json:"permissions,omitempty"`

	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// Config holds audit logger configuration.
type Config struct {
	// Enabled controls whether audit logging is active
	Enabled bool

	// Path is the audit log file
	Path string

	// SyncWrites forces fsync after each write
	SyncWrites bool

	// AlertOn triggers the alert callback for these event types
	AlertOn []EventType
}

// Logger appends events to the audit log. It is safe for concurrent use.
type Logger struct {
	mu       sync.Mutex
	writer   io.Writer
	file     *os.File
	config   Config
	sequence uint64
	closed   bool

	alertCallback func(Event)
}

// NewLogger opens the log at config.Path for appending. A disabled config
// returns a logger that drops every event.
func NewLogger(config Config) (*Logger, error) {
	if !config.Enabled {
		return &Logger{config: config}, nil
	}
	if err := os.MkdirAll(filepath.Dir(config.Path), 0750); err != nil {
		return nil, fmt.Errorf("creating audit log directory: %w", err)
	}
	file, err := os.OpenFile(config.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		return nil, fmt.Errorf("opening audit log file: %w", err)
	}
	return &Logger{writer: file, file: file, config: config}, nil
}

// NewLoggerWithWriter creates a logger writing to w.
func NewLoggerWithWriter(w io.Writer, config Config) *Logger {
	return &Logger{writer: w, config: config}
}

// SetAlertCallback sets the function called for events listed in
// Config.AlertOn. It runs with the logger locked and must not log.
func (l *Logger) SetAlertCallback(fn func(Event)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.alertCallback = fn
}

// Log appends event. Timestamp and ID are filled in when empty.
func (l *Logger) Log(event Event) error {
	if l == nil || !l.config.Enabled {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.ID == "" {
		l.sequence++
		event.ID = fmt.Sprintf("audit-%d-%d", event.Timestamp.UnixNano(), l.sequence)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}
	if _, err := l.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing audit event: %w", err)
	}
	if l.config.SyncWrites && l.file != nil {
		if err := l.file.Sync(); err != nil {
			return fmt.Errorf("syncing audit log: %w", err)
		}
	}

	if l.alertCallback != nil && slices.Contains(l.config.AlertOn, event.Type) {
		l.alertCallback(event)
	}
	return nil
}

// LogLicense records the outcome of a security context request. A nil
// err means the license was accepted with perms.
func (l *Logger) LogLicense(name string, perms tree.Permission, err error) error {
	e := Event{Type: EventLicenseAccepted, Name: name, Resource: "store", Success: err == nil}
	if err != nil {
		e.Type = EventLicenseRejected
		e.Reason = err.Error()
	} else {
		e.Permissions = perms.String()
	}
	return l.Log(e)
}

// LogPermissionRequest records a plugin asking for more permissions and
// what it was granted.
func (l *Logger) LogPermissionRequest(plugin string, want, granted tree.Permission) error {
	return l.Log(Event{
		Type:        EventPermissionRequest,
		Name:        plugin,
		Resource:    "plugin",
		Permissions: want.String(),
		Success:     granted&want == want,
		Metadata:    map[string]string{"granted": granted.String()},
	})
}

// Close stops logging and closes the file.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Query selects events from the log. Zero fields do not filter.
type Query struct {
	Start   time.Time
	End     time.Time
	Types   []EventType
	Name    string
	Success *bool
	Limit   int
	Offset  int
}

// QueryResult holds audit query results.
type QueryResult struct {
	Events     []Event
	TotalCount int
	HasMore    bool
}

// Reader scans an audit log.
type Reader struct {
	path string
}

// NewReader creates an audit log reader.
func NewReader(path string) *Reader {
	return &Reader{path: path}
}

// Query scans the whole log. Malformed lines are skipped.
func (r *Reader) Query(q Query) (*QueryResult, error) {
	file, err := os.Open(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &QueryResult{Events: []Event{}}, nil
		}
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	defer file.Close()

	events := []Event{}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		if q.matches(e) {
			events = append(events, e)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading audit log: %w", err)
	}

	total := len(events)
	if q.Offset > 0 {
		events = events[min(q.Offset, len(events)):]
	}
	if q.Limit > 0 && len(events) > q.Limit {
		events = events[:q.Limit]
	}
	return &QueryResult{
		Events:     events,
		TotalCount: total,
		HasMore:    q.Offset+len(events) < total,
	}, nil
}

func (q Query) matches(e Event) bool {
	switch {
	case !q.Start.IsZero() && e.Timestamp.Before(q.Start):
		return false
	case !q.End.IsZero() && e.Timestamp.After(q.End):
		return false
	case len(q.Types) > 0 && !slices.Contains(q.Types, e.Type):
		return false
	case q.Name != "" && e.Name != q.Name:
		return false
	case q.Success != nil && e.Success != *q.Success:
		return false
	}
	return true
}
