package ipc

import (
	"errors"
	"testing"

	"github.com/k4Y53N/nanoServer/types"
)

func TestDecodeMessage_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    FrameErrorKind
	}{
		{"not json", `hello`, FrameErrorDecode},
		{"array", `["CMD"]`, FrameErrorDecode},
		{"string", `"CMD"`, FrameErrorDecode},
		{"truncated object", `{"CMD":`, FrameErrorDecode},
		{"missing CMD", `{"X":1}`, FrameErrorMissingCommand},
		{"numeric CMD", `{"CMD":5}`, FrameErrorMissingCommand},
		{"null CMD", `{"CMD":null}`, FrameErrorMissingCommand},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeMessage([]byte(tt.payload))
			var frameErr *FrameError
			if !errors.As(err, &frameErr) {
				t.Fatalf("expected FrameError, got %v", err)
			}
			if frameErr.Kind != tt.want {
				t.Errorf("Kind = %v, want %v", frameErr.Kind, tt.want)
			}
			if !IsProtocolError(err) {
				t.Error("expected protocol error")
			}
		})
	}
}

func TestDecodeMessage_ExtraFields(t *testing.T) {
	msg, err := DecodeMessage([]byte(`{"CMD":"MOV","R":0.5,"THETA":45}`))
	if err != nil {
		t.Fatalf("DecodeMessage failed: %v", err)
	}
	if msg["R"] != 0.5 {
		t.Errorf("R = %v, want 0.5", msg["R"])
	}
}

func TestEncodeMessage_MissingCommand(t *testing.T) {
	_, err := EncodeMessage(types.Message{"X": 1})
	var frameErr *FrameError
	if !errors.As(err, &frameErr) {
		t.Fatalf("expected FrameError, got %v", err)
	}
	if frameErr.Kind != FrameErrorEncode {
		t.Errorf("Kind = %v, want FrameErrorEncode", frameErr.Kind)
	}
}

func TestEncodeMessage_Unserializable(t *testing.T) {
	_, err := EncodeMessage(types.Message{"CMD": "X", "F": func() {}})
	if err == nil {
		t.Fatal("expected error for unserializable value")
	}
	var frameErr *FrameError
	if errors.As(err, &frameErr) && frameErr.IsFatal() {
		t.Error("encode errors must not be fatal")
	}
}
