package registry

import "time"

// LogType tags a LogEvent. Output lines and lifecycle transitions share
// the same append-only table.
type LogType string

const (
	LogStdout         LogType = "stdout"
	LogStderr         LogType = "stderr"
	LogStartInitiated LogType = "start_initiated"
	LogStartFailed    LogType = "start_failed"
	LogStarted        LogType = "started"
	LogExited         LogType = "exited"
)

// Valid reports whether t is one of the known log types.
func (t LogType) Valid() bool {
	switch t {
	case LogStdout, LogStderr, LogStartInitiated, LogStartFailed, LogStarted, LogExited:
		return true
	}
	return false
}

// IsLifecycle reports whether t marks a lifecycle transition rather than output.
func (t LogType) IsLifecycle() bool {
	switch t {
	case LogStartInitiated, LogStartFailed, LogStarted, LogExited:
		return true
	}
	return false
}

// ProcessEntry is a supervised service as recorded by its log collector.
// Identity is (ProjectDir, CommandName, PID).
type ProcessEntry struct {
	ID              int64      `json:"id"`
	CommandName     string     `json:"command_name"`
	ProjectDir      string     `json:"project_dir"`
	PID             int        `json:"pid"`
	LogCollectorPID int        `json:"log_collector_pid"`
	StartTime       time.Time  `json:"start_time"`
	CreatedAt       time.Time  `json:"created_at"`
	KilledAt        *time.Time `json:"killed_at,omitempty"`
	Shell           string     `json:"shell"`
	Root            string     `json:"root,omitempty"`
}

// Live reports whether no kill has been recorded for the entry.
func (p ProcessEntry) Live() bool { return p.KilledAt == nil }

// LogEvent is one row of the append-only event log. ID doubles as a cursor.
type LogEvent struct {
	ID          int64     `json:"id"`
	CommandName string    `json:"command_name"`
	ProjectDir  string    `json:"project_dir"`
	Content     *string   `json:"content,omitempty"`
	Type        LogType   `json:"log_type"`
	Timestamp   time.Time `json:"timestamp"`
}

// Text returns Content or "" when the event carries none.
func (e LogEvent) Text() string {
	if e.Content == nil {
		return ""
	}
	return *e.Content
}

// StdinMessage is a queued write destined for a collector's child stdin.
type StdinMessage struct {
	ID          int64     `json:"id"`
	CommandName string    `json:"command_name"`
	ProjectDir  string    `json:"project_dir"`
	Data        string    `json:"data"`
	Encoding    string    `json:"encoding"`
	CreatedAt   time.Time `json:"created_at"`
}

// Stdin encodings accepted by the mailbox.
const (
	EncodingUTF8   = "utf8"
	EncodingBase64 = "base64"
)

// ReservedPort is a port claimed for a project, optionally for one service.
// An empty ServiceName is a project-level reservation.
type ReservedPort struct {
	Port        int       `json:"port"`
	ProjectDir  string    `json:"project_dir"`
	ServiceName string    `json:"service_name,omitempty"`
	AssignedAt  time.Time `json:"assigned_at"`
}

// LogQuery selects log events. Zero values mean "no constraint".
// With AfterID set, the oldest Limit events after the cursor are returned;
// otherwise the newest Limit events. Results are always in id order.
type LogQuery struct {
	ProjectDir   string
	CommandNames []string
	Limit        int
	Since        time.Time
	AfterID      int64
	Types        []LogType
}

// ServiceLogCount is the number of stored events for one service.
type ServiceLogCount struct {
	ProjectDir  string
	CommandName string
	Count       int64
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms) }
