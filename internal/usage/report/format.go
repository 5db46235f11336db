package report

import (
	"encoding/json"
	"fmt"
)

// Formatter encodes one event as a single line, without the newline.
type Formatter interface {
	AppendEvent(dst []byte, e Event) []byte
}

// NewFormatter returns the formatter registered under name.
func NewFormatter(name string) (Formatter, error) {
	switch name {
	case "simple", "":
		return SimpleFormatter{}, nil
	case "json":
		return JSONFormatter{}, nil
	}
	return nil, fmt.Errorf("unknown format %q", name)
}

// SimpleFormatter writes the package-qualified function signature.
type SimpleFormatter struct{}

func (SimpleFormatter) AppendEvent(dst []byte, e Event) []byte {
	return append(dst, e.Qualified()...)
}

// JSONFormatter writes one JSON object per event.
type JSONFormatter struct{}

type jsonEvent struct {
	Timestamp int64  `json:"timestamp"`
	Type      string `json:"type"`
	Unit      string `json:"unit"`
	Domain    string `json:"domain,omitempty"`
	Signature string `json:"signature"`
	Run       string `json:"run,omitempty"`
}

// EventTypeFunctionCalled is the "type" of every JSON event.
const EventTypeFunctionCalled = "method-called"

func (JSONFormatter) AppendEvent(dst []byte, e Event) []byte {
	b, err := json.Marshal(jsonEvent{
		Timestamp: e.Time.UnixMilli(),
		Type:      EventTypeFunctionCalled,
		Unit:      e.Unit,
		Domain:    e.Domain,
		Signature: string(e.Signature),
		Run:       e.RunID,
	})
	if err != nil {
		// Only strings and an int64; cannot fail.
		panic(err)
	}
	return append(dst, b...)
}
