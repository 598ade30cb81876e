// Package sse decodes the text/event-stream wire format used by the
// streaming API into discrete named events.
package sse

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// DefaultEventType is the type of an event that carries no "event:" field.
const DefaultEventType = "message"

// readBufferSize is sized for status payloads, which routinely exceed 4KB.
const readBufferSize = 64 * 1024

// MaxLineSize bounds a single line. A status with a long content and many
// attachments stays well below it.
const MaxLineSize = 1 << 20

// ErrLineTooLong is reported by Err when a line exceeds MaxLineSize.
var ErrLineTooLong = errors.New("sse: line too long")

// Event is a single decoded event.
type Event struct {
	// Type comes from the "event:" field, DefaultEventType if absent.
	Type string

	// Data is assembled from one or more "data:" lines joined with "\n".
	Data string
}

// Decoder reads events from an event-stream body.
//
// A block of "field: value" lines terminated by a blank line is one event.
// Comment lines (":" prefix), lines without a colon and fields other than
// "event" and "data" are ignored. A block with neither field is skipped, so
// keep-alive comments never surface as events.
//
// A Decoder is bound to one response body and cannot be restarted.
//
//	dec := sse.NewDecoder(resp.Body)
//	for dec.Next() {
//	    ev := dec.Event()
//	}
//	if err := dec.Err(); err != nil {
//	    // transport error, as opposed to a graceful end of stream
//	}
type Decoder struct {
	scanner *bufio.Scanner
	current Event
	err     error
	done    bool
}

// NewDecoder creates a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return NewDecoderSize(r, MaxLineSize)
}

// NewDecoderSize creates a decoder that fails once a line exceeds maxLine
// bytes.
func NewDecoderSize(r io.Reader, maxLine int) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, min(readBufferSize, maxLine)), maxLine)
	scanner.Split(scanLines)
	return &Decoder{scanner: scanner}
}

// scanLines is bufio.ScanLines without the final unterminated line, which
// belongs to an incomplete frame.
func scanLines(data []byte, atEOF bool) (int, []byte, error) {
	advance, token, err := bufio.ScanLines(data, atEOF)
	if atEOF && advance == len(data) && advance > 0 && data[len(data)-1] != '\n' {
		return 0, nil, nil
	}
	return advance, token, err
}

// Next advances to the next event. It returns false once the stream has
// ended or failed; Err distinguishes the two.
func (d *Decoder) Next() bool {
	if d.done {
		return false
	}
	d.current = Event{}

	var (
		dataLines []string
		eventType string
		hasField  bool
	)

	for {
		if !d.scanner.Scan() {
			// An unterminated trailing block is an incomplete frame and is dropped.
			d.done = true
			if err := d.scanner.Err(); err != nil {
				if errors.Is(err, bufio.ErrTooLong) {
					err = fmt.Errorf("%w: %v", ErrLineTooLong, err)
				}
				d.err = err
			}
			return false
		}

		line := d.scanner.Text()

		if line == "" {
			if !hasField {
				continue
			}
			if eventType == "" {
				eventType = DefaultEventType
			}
			d.current = Event{
				Type: eventType,
				Data: strings.Join(dataLines, "\n"),
			}
			return true
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			eventType = value
			hasField = true
		case "data":
			dataLines = append(dataLines, value)
			hasField = true
		}
	}
}

// Event returns the most recently decoded event. Only valid after Next
// returned true.
func (d *Decoder) Event() Event {
	return d.current
}

// Err returns the error that ended the stream, or nil if it ended cleanly.
func (d *Decoder) Err() error {
	return d.err
}
