package agent

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vk/assetgrid/internal/assetid"
)

// Event names used on the socket.io channel.
const (
	EventBuild   = "build"
	EventReady   = "ready"
	EventResult  = "result"
	EventLog     = "log"
	EventCounter = "counter"
)

var (
	// ErrDisconnected is returned once the transport is gone.
	ErrDisconnected = errors.New("agent disconnected")
	// ErrTimeout is returned by Transport.Recv when nothing arrived in time.
	ErrTimeout = errors.New("agent receive timeout")
	// ErrMalformed marks a payload that could not be decoded.
	ErrMalformed = errors.New("malformed agent message")
)

// MessageKind tags a Message.
type MessageKind int

const (
	KindResponse MessageKind = iota
	KindReady
	KindLog
	KindCounter
)

// Message is one inbound item from an agent.
type Message struct {
	Kind     MessageKind
	Response *Response
	Ready    *Ready
	Log      *LogRecord
	Counter  *Counter
}

// Response is the reply to one build request.
type Response struct {
	OutputID   assetid.OutputID `json:"output_id"`
	OK         bool             `json:"ok"`
	ResultHash uint32           `json:"result_hash"`
	Error      string           `json:"error,omitempty"`
}

// Ready announces the agent's capacity.
type Ready struct {
	Slots       int    `json:"slots"`
	Description string `json:"description,omitempty"`
}

// LogRecord is a log line pushed by the agent.
type LogRecord struct {
	Level    string           `json:"level"`
	Message  string           `json:"message"`
	OutputID assetid.OutputID `json:"output_id,omitempty"`
}

// Counter is a performance counter sample pushed by the agent.
type Counter struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// Decode parses the payload of a named event.
func Decode(event string, payload []byte) (Message, error) {
	var (
		msg Message
		dst any
	)
	switch event {
	case EventResult:
		msg = Message{Kind: KindResponse, Response: &Response{}}
		dst = msg.Response
	case EventReady:
		msg = Message{Kind: KindReady, Ready: &Ready{}}
		dst = msg.Ready
	case EventLog:
		msg = Message{Kind: KindLog, Log: &LogRecord{}}
		dst = msg.Log
	case EventCounter:
		msg = Message{Kind: KindCounter, Counter: &Counter{}}
		dst = msg.Counter
	default:
		return Message{}, fmt.Errorf("%w: unknown event %q", ErrMalformed, event)
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return Message{}, fmt.Errorf("%w: %s: %v", ErrMalformed, event, err)
	}
	return msg, nil
}

// RemoteAgentError is delivered for requests that failed on an agent.
type RemoteAgentError struct {
	Agent string
	// Lost is set when the request went down with the agent's connection
	// rather than being failed by the agent itself.
	Lost  bool
	Err   error
}

func (e *RemoteAgentError) Error() string {
	return fmt.Sprintf("agent '%s': %v", e.Agent, e.Err)
}

func (e *RemoteAgentError) Unwrap() error { return e.Err }
