package pluginrpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// MessageReader abstracts the decode half of a Framer. A MessageReader is
// not safe for concurrent use; the Receiver is its sole caller.
type MessageReader interface {
	Read(ctx context.Context) (Message, error)
}

// MessageWriter abstracts the encode half of a Framer. A MessageWriter is
// not safe for concurrent use; the Sender is its sole caller, and only ever
// from its single writer goroutine.
type MessageWriter interface {
	Write(ctx context.Context, msg Message) error
}

// Framer wraps low-level byte readers and writers into Message readers and
// writers, owning the delimiter discipline of the wire format. The strategy
// is selected once, at Connection construction; the rest of the connection
// engine is invariant under the choice.
type Framer interface {
	NewReader(io.Reader) MessageReader
	NewWriter(io.Writer) MessageWriter
}

// wireHeader is Header's JSON shape with RequestId carried as a string, so
// a zero-value (unset) RequestId serializes identically to "not present"
// for notification-shaped frames such as Close.
type wireHeader struct {
	MessageType   MessageType `json:"MessageType"`
	Method        string      `json:"Method,omitempty"`
	RequestId     string      `json:"RequestId,omitempty"`
	ContentLength int64       `json:"ContentLength,omitempty"`
}

func (h Header) toWire() wireHeader {
	w := wireHeader{MessageType: h.MessageType, Method: h.Method, ContentLength: h.ContentLength}
	if h.RequestId != uuid.Nil {
		w.RequestId = h.RequestId.String()
	}
	return w
}

func (w wireHeader) toHeader() (Header, error) {
	if !w.MessageType.valid() {
		return Header{}, fmt.Errorf("%w: unknown MessageType %q", ErrMalformedHeader, w.MessageType)
	}
	h := Header{MessageType: w.MessageType, Method: w.Method, ContentLength: w.ContentLength}
	if w.RequestId != "" {
		id, err := uuid.Parse(w.RequestId)
		if err != nil {
			return Header{}, fmt.Errorf("%w: invalid RequestId: %v", ErrMalformedHeader, err)
		}
		h.RequestId = id
	}
	return h, nil
}

// JSONStreamFramer frames messages as two consecutive JSON values — a
// header object followed by a payload value — separated only by JSON
// whitespace, consumed by a streaming decoder in "multiple root values"
// mode. This is the JSON-stream framing variant.
func JSONStreamFramer() Framer { return jsonStreamFramer{} }

type jsonStreamFramer struct{}

func (jsonStreamFramer) NewReader(r io.Reader) MessageReader {
	return &jsonStreamReader{dec: json.NewDecoder(r)}
}

func (jsonStreamFramer) NewWriter(w io.Writer) MessageWriter {
	return &jsonStreamWriter{out: w}
}

type jsonStreamReader struct{ dec *json.Decoder }

func (r *jsonStreamReader) Read(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	default:
	}
	var wh wireHeader
	if err := r.dec.Decode(&wh); err != nil {
		if err == io.EOF {
			return Message{}, io.EOF
		}
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	header, err := wh.toHeader()
	if err != nil {
		return Message{}, err
	}
	var payload json.RawMessage
	if err := r.dec.Decode(&payload); err != nil {
		if err == io.EOF {
			return Message{}, fmt.Errorf("%w: end of stream before payload", ErrTruncatedFrame)
		}
		return Message{}, fmt.Errorf("%w: %v", ErrTruncatedFrame, err)
	}
	return Message{Header: header, Payload: payload}, nil
}

type jsonStreamWriter struct{ out io.Writer }

// Write encodes both JSON values into one buffer and issues a single Write
// call, so a partial write of one message is never observable by the peer.
func (w *jsonStreamWriter) Write(ctx context.Context, msg Message) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	var buf []byte
	headerBytes, err := json.Marshal(msg.Header.toWire())
	if err != nil {
		return fmt.Errorf("pluginrpc: marshaling header: %w", err)
	}
	buf = append(buf, headerBytes...)
	payload := msg.Payload
	if payload == nil {
		payload = json.RawMessage("null")
	}
	buf = append(buf, payload...)
	_, err = w.out.Write(buf)
	return err
}

// LineFramer frames messages one packed JSON object per line — header
// fields flattened alongside the payload under a "Payload" key — terminated
// by a single newline and flushed after every message. This is the
// line-delimited framing variant.
func LineFramer() Framer { return lineFramer{} }

type lineFramer struct{}

func (lineFramer) NewReader(r io.Reader) MessageReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &lineReader{scanner: scanner}
}

func (lineFramer) NewWriter(w io.Writer) MessageWriter {
	return &lineWriter{out: bufio.NewWriter(w)}
}

type lineEnvelope struct {
	wireHeader
	Payload json.RawMessage `json:"Payload,omitempty"`
}

type lineReader struct{ scanner *bufio.Scanner }

func (r *lineReader) Read(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	default:
	}
	for r.scanner.Scan() {
		line := r.scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue // blank keep-alive lines are permitted between frames
		}
		var env lineEnvelope
		if err := json.Unmarshal(line, &env); err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
		}
		header, err := env.wireHeader.toHeader()
		if err != nil {
			return Message{}, err
		}
		return Message{Header: header, Payload: env.Payload}, nil
	}
	if err := r.scanner.Err(); err != nil {
		return Message{}, err
	}
	return Message{}, io.EOF
}

type lineWriter struct{ out *bufio.Writer }

func (w *lineWriter) Write(ctx context.Context, msg Message) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	env := lineEnvelope{wireHeader: msg.Header.toWire(), Payload: msg.Payload}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("pluginrpc: marshaling line frame: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.out.Write(data); err != nil {
		return err
	}
	return w.out.Flush()
}
