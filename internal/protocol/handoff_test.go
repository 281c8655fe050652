package protocol

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

func TestHandoffRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	payload := &HandoffPayload{
		SessionID:    "sess-1",
		TaskID:       "task-1",
		Description:  "summarize the corpus",
		ContextSlice: "line one\nline two",
		ContextFiles: []string{"notes/a.md", "notes/b.md"},
	}
	if err := enc.Send(MsgHandoff, payload); err != nil {
		t.Fatalf("Send: %v", err)
	}

	dec := NewDecoder(&buf)
	env, err := dec.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.Type != MsgHandoff {
		t.Fatalf("type = %s, want handoff", env.Type)
	}
	if env.ID == "" || env.Timestamp == "" {
		t.Error("envelope missing id or timestamp")
	}

	got, err := env.AsHandoff()
	if err != nil {
		t.Fatalf("AsHandoff: %v", err)
	}
	if got.TaskID != payload.TaskID || got.ContextSlice != payload.ContextSlice {
		t.Errorf("payload mismatch: %+v", got)
	}
	if len(got.ContextFiles) != 2 {
		t.Errorf("context files not carried: %v", got.ContextFiles)
	}
}

func TestAsHandoffWrongType(t *testing.T) {
	env := NewEnvelope(MsgShutdown, nil)
	if _, err := env.AsHandoff(); err == nil {
		t.Fatal("expected error for non-handoff envelope")
	}
}

func TestDecodeSkipsEmptyLines(t *testing.T) {
	input := "\n\n" + `{"type":"handoff","id":"x","ts":"now"}` + "\n"
	dec := NewDecoder(strings.NewReader(input))

	env, err := dec.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.Type != MsgHandoff {
		t.Errorf("type = %s", env.Type)
	}

	if _, err := dec.Decode(); err != io.EOF {
		t.Errorf("expected EOF, got %v", err)
	}
}

func TestDecodeBadJSON(t *testing.T) {
	dec := NewDecoder(strings.NewReader("not json\n"))
	if _, err := dec.Decode(); err == nil {
		t.Fatal("expected unmarshal error")
	}
}
