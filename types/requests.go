package types

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// SetInferRequest is the body of SET_INFER.
type SetInferRequest struct {
	Infer bool `mapstructure:"INFER"`
}

// SetStreamRequest is the body of SET_STREAM.
type SetStreamRequest struct {
	Stream bool `mapstructure:"STREAM"`
}

// SetQualityRequest is the body of SET_QUALITY.
type SetQualityRequest struct {
	Width  int `mapstructure:"WIDTH"`
	Height int `mapstructure:"HEIGHT"`
}

// SetConfigRequest is the body of SET_CONFIG.
type SetConfigRequest struct {
	Config string `mapstructure:"CONFIG"`
}

// MoveRequest is the body of MOV: a polar motion command.
// R is the speed ratio (0..1), Theta the heading in degrees (0..360, 90 is straight ahead).
type MoveRequest struct {
	R     float64 `mapstructure:"R"`
	Theta float64 `mapstructure:"THETA"`
}

// DefaultMoveTheta is the heading used when MOV omits THETA.
const DefaultMoveTheta = 90.0

// Decode copies the message fields into out, converting loosely typed
// JSON values (numbers for booleans, floats for ints) the way clients send them.
// Unknown fields, including CMD, are ignored.
func Decode(m Message, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return fmt.Errorf("build decoder: %w", err)
	}
	if err := dec.Decode(map[string]any(m)); err != nil {
		cmd, _ := m.Command()
		return fmt.Errorf("decode %s: %w", cmd, err)
	}
	return nil
}

// DecodeMove decodes a MOV message, defaulting THETA to straight ahead.
func DecodeMove(m Message) (MoveRequest, error) {
	req := MoveRequest{Theta: DefaultMoveTheta}
	if err := Decode(m, &req); err != nil {
		return MoveRequest{}, err
	}
	return req, nil
}
