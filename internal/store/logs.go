package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// TranscriptLine is one append-only transcript entry (<session>.jsonl).
type TranscriptLine struct {
	Timestamp time.Time `json:"ts"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
}

// EventLine is one append-only event-log entry (<session>.full.jsonl).
type EventLine struct {
	Timestamp time.Time   `json:"ts"`
	Event     string      `json:"event"`
	Payload   interface{} `json:"payload,omitempty"`
}

// AppendTranscript appends one message line to the session transcript.
func (s *SessionStore) AppendTranscript(sessionID, role, content string) error {
	line := TranscriptLine{Timestamp: s.now(), Role: role, Content: content}
	return s.appendLine(sanitizeFilename(sessionID)+".jsonl", line)
}

// AppendEvent appends one event line to the session event log.
func (s *SessionStore) AppendEvent(sessionID, event string, payload interface{}) error {
	line := EventLine{Timestamp: s.now(), Event: event, Payload: payload}
	return s.appendLine(sanitizeFilename(sessionID)+".full.jsonl", line)
}

func (s *SessionStore) appendLine(filename string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal log line: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(s.dir, filename), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log %s: %w", filename, err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append log %s: %w", filename, err)
	}
	return nil
}
