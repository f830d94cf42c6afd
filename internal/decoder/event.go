package decoder

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// FrameError is reported when the server sends an explicit `data: {"error": ...}` frame.
type FrameError struct {
	Message string
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("stream error frame: %s", e.Message)
}

type frame struct {
	Content string `json:"content"`
	Done    bool   `json:"done"`
	Error   string `json:"error"`
}

// EventDecoder parses newline-delimited `data: {json}` frames. A line cut by a chunk boundary
// is kept until its newline arrives; malformed or unrecognised lines are skipped.
type EventDecoder struct {
	utf8      *TextDecoder
	line      bytes.Buffer
	content   strings.Builder
	done      bool
	anomalies int
}

// NewEventDecoder returns an empty EventDecoder.
func NewEventDecoder() *EventDecoder {
	return &EventDecoder{utf8: NewTextDecoder()}
}

func (d *EventDecoder) Feed(chunk []byte) (Update, error) {
	if d.done {
		return Update{Text: d.content.String(), Done: true}, nil
	}
	decoded, err := d.utf8.decode(chunk, false)
	if err != nil {
		return Update{Text: d.content.String()}, err
	}
	return d.drain(decoded, false)
}

func (d *EventDecoder) Finish() (Update, error) {
	if d.done {
		return Update{Text: d.content.String(), Done: true}, nil
	}
	decoded, err := d.utf8.decode(nil, true)
	if err != nil {
		return Update{Text: d.content.String()}, err
	}
	update, err := d.drain(decoded, true)
	update.Done = true
	d.done = true
	return update, err
}

func (d *EventDecoder) Text() string {
	return d.content.String()
}

// Anomalies counts the lines that were discarded as malformed.
func (d *EventDecoder) Anomalies() int {
	return d.anomalies
}

func (d *EventDecoder) drain(decoded string, atEOF bool) (Update, error) {
	d.line.WriteString(decoded)

	before := d.content.Len()
	for {
		buffered := d.line.Bytes()
		idx := bytes.IndexByte(buffered, '\n')
		if idx < 0 {
			break
		}
		line := string(buffered[:idx])
		d.line.Next(idx + 1)

		if err := d.handleLine(line); err != nil {
			return d.update(before), err
		}
		if d.done {
			return d.update(before), nil
		}
	}

	if atEOF && d.line.Len() > 0 {
		line := d.line.String()
		d.line.Reset()
		if err := d.handleLine(line); err != nil {
			return d.update(before), err
		}
	}
	return d.update(before), nil
}

func (d *EventDecoder) update(before int) Update {
	return Update{
		Text:    d.content.String(),
		Changed: d.content.Len() != before,
		Done:    d.done,
	}
}

func (d *EventDecoder) handleLine(line string) error {
	line = strings.TrimRight(line, "\r")
	if strings.TrimSpace(line) == "" {
		return nil
	}
	payload, ok := strings.CutPrefix(line, "data:")
	if !ok {
		// event:, id:, retry: and comments carry nothing for us
		return nil
	}
	payload = strings.TrimPrefix(payload, " ")
	if strings.TrimSpace(payload) == "[DONE]" {
		d.done = true
		return nil
	}

	var f frame
	if err := json.Unmarshal([]byte(payload), &f); err != nil {
		d.anomalies++
		return nil
	}
	if f.Error != "" {
		return &FrameError{Message: f.Error}
	}
	d.content.WriteString(f.Content)
	if f.Done {
		d.done = true
	}
	return nil
}
