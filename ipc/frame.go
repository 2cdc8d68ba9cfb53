// Package ipc implements the length-prefixed JSON message framing spoken
// between the server and its remote-control client.
//
// Wire layout of one frame:
//
//	[4-byte big-endian signed length][UTF-8 JSON object]
//
// The JSON object always carries a string CMD field.
package ipc

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Frame size constants.
const (
	// LengthPrefixSize is the size of the length prefix in bytes.
	LengthPrefixSize = 4
	// MaxPayloadSize is the largest accepted JSON body (16 MiB).
	MaxPayloadSize = 16 * 1024 * 1024
)

// FrameErrorKind classifies frame errors.
type FrameErrorKind int

const (
	// FrameErrorPartial indicates a truncated frame: the peer went away mid-message.
	FrameErrorPartial FrameErrorKind = iota
	// FrameErrorTooLarge indicates a length prefix above MaxPayloadSize.
	FrameErrorTooLarge
	// FrameErrorNegativeLength indicates a negative length prefix.
	FrameErrorNegativeLength
	// FrameErrorDecode indicates a body that is not a JSON object.
	FrameErrorDecode
	// FrameErrorMissingCommand indicates a JSON object without a string CMD field.
	FrameErrorMissingCommand
	// FrameErrorEncode indicates an outbound message that could not be serialized.
	FrameErrorEncode
)

// String returns the kind name used in log fields.
func (k FrameErrorKind) String() string {
	switch k {
	case FrameErrorPartial:
		return "partial"
	case FrameErrorTooLarge:
		return "too_large"
	case FrameErrorNegativeLength:
		return "negative_length"
	case FrameErrorDecode:
		return "decode"
	case FrameErrorMissingCommand:
		return "missing_command"
	case FrameErrorEncode:
		return "encode"
	default:
		return "unknown"
	}
}

// FrameError represents a framing or message decoding error.
type FrameError struct {
	Kind FrameErrorKind
	Msg  string
	Err  error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// IsFatal returns true if the connection cannot continue after this error.
// Every inbound framing or decoding error ends the session; only encode
// errors leave the stream intact.
func (e *FrameError) IsFatal() bool {
	return e.Kind != FrameErrorEncode
}

// IsProtocol reports whether the peer violated the protocol, as opposed to
// the transport failing underneath it.
func (e *FrameError) IsProtocol() bool {
	switch e.Kind {
	case FrameErrorTooLarge, FrameErrorNegativeLength, FrameErrorDecode, FrameErrorMissingCommand:
		return true
	}
	return false
}

// IsEncodeError reports whether err is an outbound message that could not be
// serialized. Nothing was written, so the stream is still usable.
func IsEncodeError(err error) bool {
	var frameErr *FrameError
	return errors.As(err, &frameErr) && !frameErr.IsFatal()
}

// IsProtocolError returns true if err is a frame error caused by a malformed message.
func IsProtocolError(err error) bool {
	var frameErr *FrameError
	if errors.As(err, &frameErr) {
		return frameErr.IsProtocol()
	}
	return false
}

// FrameDecoder reads length-prefixed frames from a stream.
type FrameDecoder struct {
	reader io.Reader
}

// NewFrameDecoder creates a new frame decoder.
func NewFrameDecoder(r io.Reader) *FrameDecoder {
	return &FrameDecoder{reader: r}
}

// ReadFrame reads a single frame from the stream and returns the raw JSON body.
//
// Errors:
//   - io.EOF: stream ended cleanly between frames
//   - *FrameError with Kind=FrameErrorPartial: incomplete frame
//   - *FrameError with Kind=FrameErrorNegativeLength or FrameErrorTooLarge: bad length prefix
//
// Errors from the underlying reader that are not EOF (deadlines, resets) are
// wrapped as FrameErrorPartial and stay reachable through errors.Is/As.
func (d *FrameDecoder) ReadFrame() ([]byte, error) {
	var lengthBuf [LengthPrefixSize]byte
	_, err := io.ReadFull(d.reader, lengthBuf[:])
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, &FrameError{
			Kind: FrameErrorPartial,
			Msg:  "failed to read length prefix",
			Err:  err,
		}
	}

	size := int32(binary.BigEndian.Uint32(lengthBuf[:]))
	if size < 0 {
		return nil, &FrameError{
			Kind: FrameErrorNegativeLength,
			Msg:  fmt.Sprintf("negative payload size %d", size),
		}
	}
	if size > MaxPayloadSize {
		return nil, &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", size, MaxPayloadSize),
		}
	}

	payload := make([]byte, size)
	_, err = io.ReadFull(d.reader, payload)
	if err != nil {
		return nil, &FrameError{
			Kind: FrameErrorPartial,
			Msg:  "failed to read payload",
			Err:  err,
		}
	}

	return payload, nil
}

// FrameEncoder writes length-prefixed frames to a stream.
// It is not safe for concurrent use; callers serialize writes.
type FrameEncoder struct {
	writer *bufio.Writer
}

// NewFrameEncoder creates a new frame encoder.
func NewFrameEncoder(w io.Writer) *FrameEncoder {
	return &FrameEncoder{writer: bufio.NewWriter(w)}
}

// WriteFrame writes the length prefix and payload and flushes them together.
func (e *FrameEncoder) WriteFrame(payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return &FrameError{
			Kind: FrameErrorEncode,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", len(payload), MaxPayloadSize),
		}
	}

	var lengthBuf [LengthPrefixSize]byte
	binary.BigEndian.PutUint32(lengthBuf[:], uint32(len(payload)))
	if _, err := e.writer.Write(lengthBuf[:]); err != nil {
		return err
	}
	if _, err := e.writer.Write(payload); err != nil {
		return err
	}
	return e.writer.Flush()
}
