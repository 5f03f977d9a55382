package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/OFFIS-RIT/align/backend/pkg/common"
)

// Kind classifies a streamed event.
type Kind string

const (
	KindProgress Kind = "progress"
	KindItem     Kind = "item"
	KindResult   Kind = "result"
	KindDone     Kind = "done"
	KindError    Kind = "error"
	KindUnknown  Kind = "unknown"
)

// Event is one parsed block of the stream.
type Event struct {
	Kind Kind
	Name string
	Data json.RawMessage
}

// Decode unmarshals the event payload into out.
func (e Event) Decode(out any) error {
	if len(e.Data) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(e.Data, out)
}

const readChunkSize = 4096

// Reader parses a line-delimited event/data stream. Blocks are separated by a
// blank line and hold an "event:" line and one or more "data:" lines. Comment
// lines starting with ":" are ignored. A partial block is carried across
// reads until its terminating blank line arrives.
type Reader struct {
	src       io.Reader
	buf       []byte
	eof       bool
	itemNames map[string]struct{}
	skipped   []error

	// OnMalformed, when set, is called for every quarantined block.
	OnMalformed func(err *common.StreamProtocolError)
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithItemEvents registers event names that are reported as KindItem.
func WithItemEvents(names ...string) ReaderOption {
	return func(r *Reader) {
		for _, n := range names {
			r.itemNames[n] = struct{}{}
		}
	}
}

// NewReader returns a Reader over src. The event name "item" is always
// reported as KindItem.
func NewReader(src io.Reader, opts ...ReaderOption) *Reader {
	r := &Reader{
		src:       src,
		itemNames: map[string]struct{}{"item": {}},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Skipped returns the malformed blocks quarantined so far.
func (r *Reader) Skipped() []error {
	return r.skipped
}

// Next returns the next well-formed event. It returns io.EOF once the source
// is exhausted. At EOF a trailing block without its blank-line terminator is
// parsed once and dropped silently if it is not a valid block.
func (r *Reader) Next() (Event, error) {
	for {
		if block, ok := r.cutBlock(); ok {
			ev, valid, err := r.parseBlock(block)
			if err != nil {
				r.quarantine(err)
				continue
			}
			if !valid {
				continue
			}
			return ev, nil
		}

		if r.eof {
			rest := r.buf
			r.buf = nil
			if len(bytes.TrimSpace(rest)) == 0 {
				return Event{}, io.EOF
			}
			ev, valid, err := r.parseBlock(rest)
			if err != nil || !valid {
				return Event{}, io.EOF
			}
			return ev, nil
		}

		if err := r.fill(); err != nil {
			return Event{}, err
		}
	}
}

func (r *Reader) fill() error {
	chunk := make([]byte, readChunkSize)
	n, err := r.src.Read(chunk)
	if n > 0 {
		r.buf = append(r.buf, chunk[:n]...)
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			r.eof = true
			return nil
		}
		return err
	}
	return nil
}

// cutBlock removes the first complete block from the buffer.
func (r *Reader) cutBlock() ([]byte, bool) {
	for {
		idx, sepLen := blockSeparator(r.buf)
		if idx < 0 {
			return nil, false
		}
		block := r.buf[:idx]
		r.buf = r.buf[idx+sepLen:]
		if len(bytes.TrimSpace(block)) == 0 {
			continue
		}
		return block, true
	}
}

func blockSeparator(buf []byte) (int, int) {
	best, bestLen := -1, 0
	for _, sep := range []string{"\r\n\r\n", "\n\n", "\r\r"} {
		if i := bytes.Index(buf, []byte(sep)); i >= 0 && (best < 0 || i < best) {
			best, bestLen = i, len(sep)
		}
	}
	return best, bestLen
}

// parseBlock returns valid=false for blocks that carry nothing (only comments).
func (r *Reader) parseBlock(block []byte) (Event, bool, error) {
	text := strings.ReplaceAll(string(block), "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var name string
	var data []string
	for _, line := range strings.Split(text, "\n") {
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		field, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			name = strings.TrimSpace(value)
		case "data":
			data = append(data, value)
		}
	}

	if name == "" && len(data) == 0 {
		return Event{}, false, nil
	}
	if name == "" {
		name = "message"
	}

	ev := Event{Name: name, Kind: r.kindOf(name)}
	if len(data) == 0 {
		if ev.Kind == KindDone {
			return ev, true, nil
		}
		return Event{}, false, &common.StreamProtocolError{Event: name, Err: errors.New("missing data line")}
	}

	payload := strings.Join(data, "\n")
	if !json.Valid([]byte(payload)) && ev.Kind == KindError {
		// plain-text error messages are still terminal
		quoted, _ := json.Marshal(payload)
		ev.Data = json.RawMessage(quoted)
		return ev, true, nil
	}
	if !json.Valid([]byte(payload)) {
		return Event{}, false, &common.StreamProtocolError{
			Event:   name,
			Payload: payload,
			Err:     errors.New("payload is not valid JSON"),
		}
	}
	ev.Data = json.RawMessage(payload)
	return ev, true, nil
}

func (r *Reader) kindOf(name string) Kind {
	switch name {
	case "progress":
		return KindProgress
	case "result":
		return KindResult
	case "done":
		return KindDone
	case "error":
		return KindError
	}
	if _, ok := r.itemNames[name]; ok {
		return KindItem
	}
	return KindUnknown
}

func (r *Reader) quarantine(err error) {
	var perr *common.StreamProtocolError
	if !errors.As(err, &perr) {
		perr = &common.StreamProtocolError{Err: err}
	}
	r.skipped = append(r.skipped, perr)
	if r.OnMalformed != nil {
		r.OnMalformed(perr)
	}
}
