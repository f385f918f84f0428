package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed is returned for a complete record whose payload cannot be decoded.
var ErrMalformed = errors.New("malformed stream record")

var recordDelimiter = []byte("\n\n")

// Decoder reassembles delimited records from arbitrarily split chunks.
// Bytes after the last delimiter are carried over to the next Feed.
type Decoder struct {
	carry []byte
}

// Feed appends chunk to the carry-over buffer and returns every record that
// is now complete, without its trailing delimiter.
func (d *Decoder) Feed(chunk []byte) [][]byte {
	for _, b := range chunk {
		// CR never appears unescaped inside JSON, so dropping it normalizes
		// CRLF framing even when the pair straddles two chunks.
		if b != '\r' {
			d.carry = append(d.carry, b)
		}
	}

	var records [][]byte
	for {
		idx := bytes.Index(d.carry, recordDelimiter)
		if idx < 0 {
			break
		}
		record := make([]byte, idx)
		copy(record, d.carry[:idx])
		d.carry = d.carry[idx+len(recordDelimiter):]
		if len(bytes.TrimSpace(record)) > 0 {
			records = append(records, record)
		}
	}

	if len(d.carry) == 0 {
		d.carry = nil
	}
	return records
}

// Pending returns the incomplete fragment awaiting more input.
func (d *Decoder) Pending() []byte {
	return d.carry
}

// Record is one decoded event.
type Record struct {
	Content string
	Done    bool
	Err     string
	// Empty is set for records with no data field, such as heartbeats.
	Empty bool
}

type recordPayload struct {
	Content *string `json:"content"`
	Done    bool    `json:"done"`
	Error   string  `json:"error"`
}

// ParseRecord decodes a complete record. Multiple data lines are joined with
// newlines, event/id/retry fields and comment lines are ignored.
func ParseRecord(raw []byte) (Record, error) {
	var (
		data    []byte
		hasData bool
	)
	for _, line := range bytes.Split(raw, []byte("\n")) {
		if len(line) == 0 || line[0] == ':' {
			continue
		}
		field, value, found := bytes.Cut(line, []byte(":"))
		if !found {
			continue
		}
		if !bytes.Equal(field, []byte("data")) {
			continue
		}
		value = bytes.TrimPrefix(value, []byte(" "))
		if hasData {
			data = append(data, '\n')
		}
		data = append(data, value...)
		hasData = true
	}

	if !hasData {
		return Record{Empty: true}, nil
	}
	if bytes.Equal(bytes.TrimSpace(data), []byte("[DONE]")) {
		return Record{Done: true}, nil
	}

	var payload recordPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	rec := Record{Done: payload.Done, Err: payload.Error}
	if payload.Content != nil {
		rec.Content = *payload.Content
	}
	return rec, nil
}
