package channel

import "encoding/json"

// Inbound events.
const (
	EventExecuteCommand  = "execute-command"
	EventSystemInfo      = "linux-system-info"
	EventProcesses       = "linux-processes"
	EventNetworkInfo     = "linux-network-info"
	EventMemoryUsage     = "linux-memory-usage"
	EventCPUUsage        = "linux-cpu-usage"
	EventStartMonitoring = "linux-start-monitoring"
	EventStopMonitoring  = "linux-stop-monitoring"
)

// Outbound events.
const (
	EventCommandResult     = "command-result"
	EventMonitoringStarted = "linux-monitoring-started"
	EventMonitoringData    = "linux-monitoring-data"
	EventMonitoringStopped = "linux-monitoring-stopped"
	EventError             = "error"
)

// replies maps each inbound event to the event its reply is sent as.
var replies = map[string]string{
	EventExecuteCommand:  EventCommandResult,
	EventSystemInfo:      EventSystemInfo + "-result",
	EventProcesses:       EventProcesses + "-result",
	EventNetworkInfo:     EventNetworkInfo + "-result",
	EventMemoryUsage:     EventMemoryUsage + "-result",
	EventCPUUsage:        EventCPUUsage + "-result",
	EventStartMonitoring: EventMonitoringStarted,
	EventStopMonitoring:  EventMonitoringStopped,
}

// ReplyEvent returns the event that answers event, or "" if event is unknown.
func ReplyEvent(event string) string {
	return replies[event]
}

// Message is the envelope of every message on the channel.
type Message struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type ExecuteRequest struct {
	Command string `json:"command"`
}

type ProcessesRequest struct {
	Limit int `json:"limit,omitempty"`
}

type StartMonitoringRequest struct {
	// Interval in milliseconds between snapshots. Zero takes a single snapshot.
	Interval int64 `json:"interval,omitempty"`
}

type StopMonitoringRequest struct {
	ID string `json:"id"`
}

type MonitoringStarted struct {
	Success bool   `json:"success"`
	ID      string `json:"id,omitempty"`
	PID     int    `json:"pid,omitempty"`
	Output  string `json:"output,omitempty"`
}

type ErrorData struct {
	Message string `json:"message"`
}
