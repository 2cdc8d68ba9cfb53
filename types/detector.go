package types

// DetectorConfig describes one loadable detection model.
type DetectorConfig struct {
	Name                  string   `json:"name" yaml:"name"`
	Size                  int      `json:"size" yaml:"size"`
	ModelType             string   `json:"model_type" yaml:"model_type"`
	Tiny                  bool     `json:"tiny" yaml:"tiny"`
	Classes               []string `json:"classes" yaml:"classes"`
	Weights               string   `json:"weights,omitempty" yaml:"weights,omitempty"`
	ScoreThreshold        float64  `json:"score_threshold,omitempty" yaml:"score_threshold,omitempty"`
	IOUThreshold          float64  `json:"iou_threshold,omitempty" yaml:"iou_threshold,omitempty"`
	MaxTotalSize          int      `json:"max_total_size,omitempty" yaml:"max_total_size,omitempty"`
	MaxOutputSizePerClass int      `json:"max_output_size_per_class,omitempty" yaml:"max_output_size_per_class,omitempty"`
}

// Clone returns a deep copy so callers never share the classes slice.
func (c DetectorConfig) Clone() DetectorConfig {
	out := c
	if c.Classes != nil {
		out.Classes = make([]string, len(c.Classes))
		copy(out.Classes, c.Classes)
	}
	return out
}
