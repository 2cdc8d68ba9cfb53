package detector

import (
	"context"
	"fmt"
	"image"
	"os"

	"github.com/k4Y53N/nanoServer/types"
)

// Detection is one raw model output. Coordinates are normalized to [0, 1].
type Detection struct {
	X1, Y1, X2, Y2 float64
	Class          int
	Score          float64
}

// Model runs inference for one loaded config.
type Model interface {
	Infer(ctx context.Context, img image.Image) ([]Detection, error)
	Close() error
}

// Backend builds a Model from a descriptor.
type Backend interface {
	Load(ctx context.Context, cfg types.DetectorConfig) (Model, error)
}

// FileBackend checks that a descriptor's weights file is present and
// readable. Its models report no detections; a real inference engine plugs
// in through Backend.
type FileBackend struct{}

var _ Backend = FileBackend{}

// Load implements Backend.
func (FileBackend) Load(ctx context.Context, cfg types.DetectorConfig) (Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.Weights == "" {
		return nil, fmt.Errorf("no weights configured")
	}
	info, err := os.Stat(cfg.Weights)
	if err != nil {
		return nil, fmt.Errorf("weights: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("weights %s is a directory", cfg.Weights)
	}
	return emptyModel{}, nil
}

type emptyModel struct{}

func (emptyModel) Infer(ctx context.Context, _ image.Image) ([]Detection, error) {
	return nil, ctx.Err()
}

func (emptyModel) Close() error { return nil }
