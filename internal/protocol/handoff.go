// Package protocol defines the one-shot handoff from orchestrator to a
// worker subprocess. A single JSON envelope travels over the worker's
// stdin at spawn time, carrying the task description and the bounded
// context slice, never the full session state. That is the only direct
// message between the two parties; everything after the handoff flows
// through the ledger.
package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of message.
type MessageType string

const (
	// MsgHandoff carries the task slice to a freshly spawned worker.
	MsgHandoff MessageType = "handoff"

	// MsgShutdown asks a worker to stop before it has claimed its task.
	MsgShutdown MessageType = "shutdown"
)

// Envelope wraps all protocol messages.
type Envelope struct {
	Type      MessageType `json:"type"`
	ID        string      `json:"id"`
	Timestamp string      `json:"ts"`
	Payload   any         `json:"payload,omitempty"`
}

// NewEnvelope creates a new envelope with auto-generated ID and timestamp.
func NewEnvelope(msgType MessageType, payload any) *Envelope {
	return &Envelope{
		Type:      msgType,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	}
}

// HandoffPayload is everything a worker gets to see: its own task plus an
// explicitly bounded context slice.
type HandoffPayload struct {
	SessionID    string   `json:"session_id"`
	TaskID       string   `json:"task_id"`
	Description  string   `json:"description"`
	ContextRef   string   `json:"context_ref,omitempty"`
	ContextSlice string   `json:"context_slice,omitempty"`
	ContextFiles []string `json:"context_files,omitempty"`
	Deadline     string   `json:"deadline,omitempty"`
}

// Encoder writes envelopes as JSON lines.
type Encoder struct {
	w  io.Writer
	mu sync.Mutex
}

// NewEncoder creates an encoder for the given writer.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes an envelope as a single JSON line.
func (e *Encoder) Encode(env *Envelope) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	_, err = fmt.Fprintf(e.w, "%s\n", data)
	return err
}

// Send is a convenience method to create and encode an envelope.
func (e *Encoder) Send(msgType MessageType, payload any) error {
	return e.Encode(NewEnvelope(msgType, payload))
}

// Decoder reads envelopes from JSON lines.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder creates a decoder for the given reader.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	// Context slices can be large
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return &Decoder{scanner: scanner}
}

// Decode reads the next envelope.
func (d *Decoder) Decode() (*Envelope, error) {
	if !d.scanner.Scan() {
		if err := d.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}

	line := d.scanner.Bytes()
	if len(line) == 0 {
		return d.Decode()
	}

	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	return &env, nil
}

// GetPayload extracts and unmarshals the payload into the target type.
func (e *Envelope) GetPayload(target any) error {
	if e.Payload == nil {
		return nil
	}

	// Payload comes as map[string]any from JSON; re-marshal into the struct
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}

// AsHandoff extracts HandoffPayload.
func (e *Envelope) AsHandoff() (*HandoffPayload, error) {
	if e.Type != MsgHandoff {
		return nil, fmt.Errorf("expected %s message, got %s", MsgHandoff, e.Type)
	}
	var p HandoffPayload
	if err := e.GetPayload(&p); err != nil {
		return nil, err
	}
	return &p, nil
}
