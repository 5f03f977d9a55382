package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/OFFIS-RIT/align/backend/pkg/common"
)

// ErrNoResult is returned when a stream terminates without a result event.
var ErrNoResult = errors.New("stream ended without result")

// StreamError is the message carried by a terminal error event.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream error: %s", e.Message)
}

// Progress is the payload of a progress event.
type Progress struct {
	Message string  `json:"message"`
	Percent float64 `json:"percent,omitempty"`
}

// Handler receives the non-terminal events of a stream. Any field may be nil.
type Handler struct {
	OnProgress func(p Progress)
	OnItem     func(ev Event)
}

// Consume reads r until a done or error event, or EOF, and returns the payload
// of the last result event. An error event yields a *StreamError. A stream
// without a result yields ErrNoResult.
func Consume(r *Reader, h Handler) (json.RawMessage, error) {
	var result json.RawMessage
	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		switch ev.Kind {
		case KindProgress:
			if h.OnProgress == nil {
				continue
			}
			var p Progress
			if err := ev.Decode(&p); err != nil {
				r.quarantine(&common.StreamProtocolError{Event: ev.Name, Payload: string(ev.Data), Err: err})
				continue
			}
			h.OnProgress(p)
		case KindItem:
			if h.OnItem != nil {
				h.OnItem(ev)
			}
		case KindResult:
			result = ev.Data
		case KindError:
			return nil, &StreamError{Message: errorMessage(ev.Data)}
		case KindDone:
			if result == nil {
				return nil, ErrNoResult
			}
			return result, nil
		}
	}

	if result == nil {
		return nil, ErrNoResult
	}
	return result, nil
}

func errorMessage(data json.RawMessage) string {
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		return asString
	}
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	return strings.TrimSpace(string(data))
}
