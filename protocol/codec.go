package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// maxLineSize bounds a single encoded message.
const maxLineSize = 64 * 1024 * 1024

// Encoder writes one JSON message per line. Safe for concurrent use.
type Encoder struct {
	mu *sync.Mutex
	w  io.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{mu: new(sync.Mutex), w: w}
}

func (e *Encoder) Encode(m *Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	bs, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("error marshalling message: %w", err)
	}
	bs = append(bs, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	_, err = e.w.Write(bs)
	return err
}

// Decoder reads messages written by an Encoder.
type Decoder struct {
	scanner *bufio.Scanner
}

func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &Decoder{scanner: scanner}
}

// Decode returns the next message. It returns io.EOF when the stream is
// closed and a core.ErrProtocolViolation when a line is not a valid
// message. Framing survives a bad line, so decoding may continue.
func (d *Decoder) Decode() (*Message, error) {
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		return Decode(line)
	}
	if err := d.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, fmt.Errorf("message exceeds %d bytes: %w", maxLineSize, err)
		}
		return nil, err
	}
	return nil, io.EOF
}
