package runtime

import (
	"time"

	"github.com/k4Y53N/nanoServer/metrics"
	"github.com/k4Y53N/nanoServer/motion"
	"github.com/k4Y53N/nanoServer/types"
)

// Status is a point-in-time view of the running server.
type Status struct {
	ServerAddr      string                `json:"server_addr"`
	Version         string                `json:"version"`
	State           types.ConnectionState `json:"-"`
	Session         *types.Session        `json:"session,omitempty"`
	Flags           types.ModeFlags       `json:"flags"`
	Width           int                   `json:"width"`
	Height          int                   `json:"height"`
	ActiveConfig    string                `json:"active_config,omitempty"`
	DetectorLoading bool                  `json:"detector_loading"`
	Motion          motion.Command        `json:"motion"`
	Metrics         metrics.Snapshot      `json:"-"`
	TakenAt         time.Time             `json:"taken_at"`
}

// Status collects the current state of every component.
func (a *App) Status() Status {
	st := Status{
		ServerAddr:      a.server.Addr().String(),
		Version:         a.opts.Version,
		State:           a.server.State(),
		Flags:           a.pipeline.Flags(),
		DetectorLoading: a.detector.Loading(),
		Motion:          a.motion.Last(),
		Metrics:         a.collector.Snapshot(),
		TakenAt:         time.Now(),
	}
	st.Width, st.Height = a.pipeline.Quality()
	if session, ok := a.server.ActiveSession(); ok {
		st.Session = &session
	}
	if cfg := a.detector.Active(); cfg != nil {
		st.ActiveConfig = cfg.Name
	}
	return st
}
