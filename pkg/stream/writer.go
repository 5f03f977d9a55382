package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// ContentType is the media type of the streaming protocol.
const ContentType = "text/event-stream"

// Writer emits events in the same block format the Reader parses.
type Writer struct {
	w io.Writer
}

// NewWriter returns a Writer on w. If w implements http.Flusher every event
// is flushed as soon as it is written.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Event writes one block with the JSON encoding of payload.
func (sw *Writer) Event(name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", name, err)
	}
	if _, err := fmt.Fprintf(sw.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	if f, ok := sw.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// Comment writes a comment line, useful as a keep-alive.
func (sw *Writer) Comment(text string) error {
	if _, err := fmt.Fprintf(sw.w, ": %s\n\n", text); err != nil {
		return err
	}
	if f, ok := sw.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// Progress writes a progress event.
func (sw *Writer) Progress(message string, percent float64) error {
	return sw.Event(string(KindProgress), Progress{Message: message, Percent: percent})
}

// Result writes the final payload followed by the done terminator.
func (sw *Writer) Result(payload any) error {
	if err := sw.Event(string(KindResult), payload); err != nil {
		return err
	}
	return sw.Event(string(KindDone), map[string]bool{"ok": true})
}

// Error writes a terminal error event.
func (sw *Writer) Error(message string) error {
	return sw.Event(string(KindError), map[string]string{"message": message})
}
