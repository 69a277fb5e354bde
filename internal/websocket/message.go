// Package websocket implements the real-time pub/sub hub that streams task
// progress and server state changes to connected operator clients. It uses
// gorilla/websocket under the hood and exposes a topic-based broadcast API
// consumed by the task dispatcher, the registry, and the orchestrator.
//
// Topic naming convention:
//
//	task:<uuid>    — progress events for a specific agent task
//	server:<uuid>  — status/sysinfo transitions for a specific compute node
package websocket

// MessageType identifies the kind of event carried by a Message.
// Clients dispatch on this field.
type MessageType string

const (
	// MsgTaskEvent is sent for every progress event an agent streams back
	// while executing a task, including the terminal finish/error event.
	MsgTaskEvent MessageType = "task.event"

	// MsgTaskStatus is sent when a task reaches a terminal status.
	MsgTaskStatus MessageType = "task.status"

	// MsgServerStatus is sent when a compute node transitions between
	// running, unknown, and rebooting.
	MsgServerStatus MessageType = "server.status"

	// MsgServerSysinfo is sent after a sysinfo ingest changes a server
	// record, so detail views refresh without polling.
	MsgServerSysinfo MessageType = "server.sysinfo"

	// MsgPing is sent periodically to keep the connection alive and let
	// the client detect stale connections.
	MsgPing MessageType = "ping"
)

// Message is the envelope for every WebSocket frame sent to clients.
//
// JSON example:
//
//	{"type":"task.event","topic":"task:018f...","payload":{"name":"finish"}}
type Message struct {
	// Type identifies the kind of event so the client can route it.
	Type MessageType `json:"type"`

	// Topic is the pub/sub channel this message was published on.
	Topic string `json:"topic"`

	// Payload carries the event-specific data. The shape varies by Type:
	//   - task.event:     {"name":"...","timestamp":"...","payload":{...}}
	//   - task.status:    {"status":"complete","events":7}
	//   - server.status:  {"status":"running"}
	//   - server.sysinfo: {"hostname":"...","current_platform":"..."}
	//   - ping:           {} (empty)
	Payload any `json:"payload"`
}

// TaskTopic names the topic carrying one task's events.
func TaskTopic(taskID string) string { return "task:" + taskID }

// ServerTopic names the topic carrying one server's transitions.
func ServerTopic(serverUUID string) string { return "server:" + serverUUID }
