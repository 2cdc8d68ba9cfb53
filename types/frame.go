package types

// Box is one detection: x1, y1, x2, y2 in pixels followed by the class index.
type Box [5]int

// Frame is the result of one pipeline cycle.
// A Frame is available iff Image is non-empty.
type Frame struct {
	Image      string
	Boxes      []Box
	ClassNames []string
	Scores     []float64
}

// Available reports whether the frame carries an image.
func (f Frame) Available() bool {
	return f.Image != ""
}

// ModeFlags are the independent streaming and inferring switches.
type ModeFlags struct {
	Streaming bool `json:"streaming"`
	Inferring bool `json:"inferring"`
}
