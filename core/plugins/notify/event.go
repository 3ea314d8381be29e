// Package notify delivers results that arrive after the triggering request
// has returned, such as asynchronous init scripts.
package notify

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	KindInitCompleted = "init.completed"
	KindInitFailed    = "init.failed"

	maxMessageOutput = 2000
)

// Event is one out-of-band result.
type Event struct {
	ID      string
	Kind    string
	Bundle  string
	Success bool
	Output  string
	Error   string
	At      time.Time
}

// NewInitEvent records the end of an asynchronous init script.
func NewInitEvent(bundle, output string, err error) Event {
	e := Event{
		ID:      uuid.NewString(),
		Kind:    KindInitCompleted,
		Bundle:  bundle,
		Success: err == nil,
		Output:  output,
		At:      time.Now().UTC(),
	}
	if err != nil {
		e.Kind = KindInitFailed
		e.Error = err.Error()
	}
	return e
}

// Message renders the event as text for a human or an agent.
func (e Event) Message() string {
	var b strings.Builder
	switch e.Kind {
	case KindInitCompleted:
		fmt.Fprintf(&b, "Init script for plugin %q completed successfully.", e.Bundle)
		if out := strings.TrimSpace(e.Output); out != "" {
			b.WriteString("\n\nOutput:\n")
			b.WriteString(clip(out))
		}
	case KindInitFailed:
		fmt.Fprintf(&b, "Init script for plugin %q failed: %s", e.Bundle, clip(e.Error))
	default:
		fmt.Fprintf(&b, "Plugin %q event %s", e.Bundle, e.Kind)
	}
	return b.String()
}

func clip(s string) string {
	if utf8.RuneCountInString(s) <= maxMessageOutput {
		return s
	}
	return string([]rune(s)[:maxMessageOutput]) + "..."
}

// Struct encodes the event for the bus and the event stream.
func (e Event) Struct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"id":      e.ID,
		"kind":    e.Kind,
		"bundle":  e.Bundle,
		"success": e.Success,
		"output":  e.Output,
		"error":   e.Error,
		"at":      e.At.Format(time.RFC3339Nano),
		"message": e.Message(),
	})
}

// FromStruct decodes an event received from the bus.
func FromStruct(s *structpb.Struct) Event {
	f := s.GetFields()
	e := Event{
		ID:      f["id"].GetStringValue(),
		Kind:    f["kind"].GetStringValue(),
		Bundle:  f["bundle"].GetStringValue(),
		Success: f["success"].GetBoolValue(),
		Output:  f["output"].GetStringValue(),
		Error:   f["error"].GetStringValue(),
	}
	if at, err := time.Parse(time.RFC3339Nano, f["at"].GetStringValue()); err == nil {
		e.At = at
	}
	return e
}
