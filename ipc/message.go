package ipc

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/k4Y53N/nanoServer/types"
)

// DecodeMessage decodes a frame body into a Message.
// The body must be a JSON object with a string CMD field.
func DecodeMessage(payload []byte) (types.Message, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, &FrameError{
			Kind: FrameErrorDecode,
			Msg:  "message body is not a JSON object",
		}
	}

	var msg types.Message
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return nil, &FrameError{
			Kind: FrameErrorDecode,
			Msg:  "failed to decode message",
			Err:  err,
		}
	}

	if _, ok := msg.Command(); !ok {
		return nil, &FrameError{
			Kind: FrameErrorMissingCommand,
			Msg:  fmt.Sprintf("message has no string %s field", types.CommandKey),
		}
	}
	return msg, nil
}

// EncodeMessage serializes a Message into a frame body.
func EncodeMessage(msg types.Message) ([]byte, error) {
	if _, ok := msg.Command(); !ok {
		return nil, &FrameError{
			Kind: FrameErrorEncode,
			Msg:  fmt.Sprintf("outbound message has no string %s field", types.CommandKey),
		}
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, &FrameError{
			Kind: FrameErrorEncode,
			Msg:  "failed to encode message",
			Err:  err,
		}
	}
	return payload, nil
}

// ReadMessage reads and decodes the next message from the decoder.
func (d *FrameDecoder) ReadMessage() (types.Message, error) {
	payload, err := d.ReadFrame()
	if err != nil {
		return nil, err
	}
	return DecodeMessage(payload)
}

// WriteMessage encodes and writes one message.
func (e *FrameEncoder) WriteMessage(msg types.Message) error {
	payload, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	return e.WriteFrame(payload)
}
