// Package agent holds the orchestrator side of a remote build agent session.
//
// An Agent wraps one bidirectional Transport. Build requests are submitted
// without blocking; completions, log lines and performance counters arrive
// asynchronously and are drained by Update, which the orchestrator calls on
// every pass of its scheduling loop. Any transport failure or malformed reply
// fails every request in flight on that agent and leaves it Disconnected.
//
// The production transport is socket.io (see SocketIODialer); the wire
// payloads are the JSON documents defined in protocol.go.
package agent
