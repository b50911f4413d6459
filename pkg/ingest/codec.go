package ingest

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// MaxFrameSize bounds a single line.
const MaxFrameSize = 1 << 20

// ErrMalformedFrame marks a line that could not be decoded. The stream is
// still usable after it.
var ErrMalformedFrame = errors.New("malformed frame")

// Encoder writes frames as NDJSON. It is safe for concurrent use.
type Encoder struct {
	mu  sync.Mutex
	w   *bufio.Writer
	now func() time.Time
}

// NewEncoder creates an encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w), now: time.Now}
}

// Encode writes one frame and flushes it.
func (e *Encoder) Encode(t FrameType, data interface{}) error {
	if err := t.Validate(); err != nil {
		return err
	}

	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal %s data: %w", t, err)
		}
		raw = b
	}

	line, err := json.Marshal(Frame{Type: t, Timestamp: e.now().UTC(), Data: raw})
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(line); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	if err := e.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush frame: %w", err)
	}
	return nil
}

// EncodeAck sends an ACK frame.
func (e *Encoder) EncodeAck(id string) error {
	return e.Encode(FrameAck, AckFrame{ID: id})
}

// EncodeError sends an ERROR frame.
func (e *Encoder) EncodeError(id, code, message string) error {
	return e.Encode(FrameError, ErrorFrame{ID: id, Code: code, Message: message})
}

// EncodeNotice sends a NOTICE frame.
func (e *Encoder) EncodeNotice(n NoticeFrame) error {
	return e.Encode(FrameNotice, n)
}

// EncodeStatsResult sends a STATS_RESULT frame.
func (e *Encoder) EncodeStatsResult(res StatsResultFrame) error {
	return e.Encode(FrameStatsResult, res)
}

// Decoder reads NDJSON frames.
type Decoder struct {
	s *bufio.Scanner
}

// NewDecoder creates a decoder.
func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), MaxFrameSize)
	return &Decoder{s: s}
}

// Decode reads the next frame. It returns io.EOF at the end of input and an
// error wrapping ErrMalformedFrame for a bad line. Blank lines are skipped.
func (d *Decoder) Decode() (Frame, error) {
	for {
		if !d.s.Scan() {
			if err := d.s.Err(); err != nil {
				return Frame{}, fmt.Errorf("failed to read frame: %w", err)
			}
			return Frame{}, io.EOF
		}
		if len(d.s.Bytes()) > 0 {
			break
		}
	}

	var f Frame
	if err := json.Unmarshal(d.s.Bytes(), &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if err := f.Type.Validate(); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return f, nil
}

// DecodeData unmarshals a frame payload into target.
func DecodeData(f Frame, target interface{}) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("%s frame has no data", f.Type)
	}
	if err := json.Unmarshal(f.Data, target); err != nil {
		return fmt.Errorf("failed to parse %s data: %w", f.Type, err)
	}
	return nil
}
