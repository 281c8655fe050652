package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// The ledger document is plain JSON with a stable schema: a session header
// followed by task blocks. The codec is forward compatible both ways:
// fields this version does not know are kept in Extra and written back
// untouched, so an older orchestrator never strips what a newer writer
// added.

type sessionAlias Session

type taskAlias Task

// MarshalJSON writes known fields plus any preserved unknown fields.
func (s Session) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(sessionAlias(s), s.Extra)
}

// UnmarshalJSON reads known fields and keeps everything else in Extra.
func (s *Session) UnmarshalJSON(data []byte) error {
	var known sessionAlias
	extra, err := unmarshalWithExtra(data, &known)
	if err != nil {
		return err
	}
	*s = Session(known)
	s.Extra = extra
	return nil
}

// MarshalJSON writes known fields plus any preserved unknown fields.
func (t Task) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(taskAlias(t), t.Extra)
}

// UnmarshalJSON reads known fields and keeps everything else in Extra.
func (t *Task) UnmarshalJSON(data []byte) error {
	var known taskAlias
	extra, err := unmarshalWithExtra(data, &known)
	if err != nil {
		return err
	}
	*t = Task(known)
	t.Extra = extra
	return nil
}

// EncodeDocument serializes a ledger to its canonical JSON document form.
func EncodeDocument(l *Ledger) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(l); err != nil {
		return nil, fmt.Errorf("encode ledger document: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeDocument parses a ledger document, tolerating unknown fields.
func DecodeDocument(data []byte) (*Ledger, error) {
	var l Ledger
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("decode ledger document: %w", err)
	}
	return &l, nil
}

// marshalWithExtra marshals the known struct, then merges preserved unknown
// fields underneath it. Known fields always win on key collision.
func marshalWithExtra(known any, extra map[string]json.RawMessage) ([]byte, error) {
	base, err := json.Marshal(known)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return base, nil
	}

	merged := make(map[string]json.RawMessage, len(extra)+8)
	for k, v := range extra {
		merged[k] = v
	}
	var knownFields map[string]json.RawMessage
	if err := json.Unmarshal(base, &knownFields); err != nil {
		return nil, err
	}
	for k, v := range knownFields {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// unmarshalWithExtra fills the known struct and returns all fields the
// struct did not claim.
func unmarshalWithExtra(data []byte, known any) (map[string]json.RawMessage, error) {
	if err := json.Unmarshal(data, known); err != nil {
		return nil, err
	}

	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}

	knownData, err := json.Marshal(known)
	if err != nil {
		return nil, err
	}
	var knownFields map[string]json.RawMessage
	if err := json.Unmarshal(knownData, &knownFields); err != nil {
		return nil, err
	}

	var extra map[string]json.RawMessage
	for k, v := range all {
		if _, ok := knownFields[k]; ok {
			continue
		}
		if extra == nil {
			extra = make(map[string]json.RawMessage)
		}
		extra[k] = v
	}
	return extra, nil
}
