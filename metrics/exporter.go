package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nanoserver"

type counterDesc struct {
	desc  *prometheus.Desc
	value func(s *Snapshot) int64
}

// Exporter exposes a Collector's snapshot as Prometheus metrics.
// It implements prometheus.Collector; values are read at scrape time.
type Exporter struct {
	source *Collector

	counters    []counterDesc
	disconnects *prometheus.Desc
	connected   *prometheus.Desc
	info        *prometheus.Desc
}

var _ prometheus.Collector = (*Exporter)(nil)

// NewExporter creates an exporter over the given collector.
func NewExporter(source *Collector) *Exporter {
	counter := func(name, help string, value func(s *Snapshot) int64) counterDesc {
		return counterDesc{
			desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil),
			value: value,
		}
	}

	return &Exporter{
		source: source,
		counters: []counterDesc{
			counter("sessions_accepted_total", "Client connections accepted.", func(s *Snapshot) int64 { return s.SessionsAccepted }),
			counter("sessions_ended_total", "Client connections torn down.", func(s *Snapshot) int64 { return s.SessionsEnded }),
			counter("messages_received_total", "Inbound messages decoded.", func(s *Snapshot) int64 { return s.MessagesReceived }),
			counter("messages_sent_total", "Outbound messages written.", func(s *Snapshot) int64 { return s.MessagesSent }),
			counter("inbound_dropped_total", "Inbound messages dropped on a full queue.", func(s *Snapshot) int64 { return s.InboundDropped }),
			counter("outbound_dropped_total", "Outbound messages dropped on a full queue.", func(s *Snapshot) int64 { return s.OutboundDropped }),
			counter("sends_skipped_total", "Best-effort sends skipped.", func(s *Snapshot) int64 { return s.SendsSkipped }),
			counter("protocol_errors_total", "Malformed inbound frames.", func(s *Snapshot) int64 { return s.ProtocolErrors }),
			counter("transport_errors_total", "Socket failures.", func(s *Snapshot) int64 { return s.TransportErrors }),
			counter("commands_dispatched_total", "Commands routed to a handler.", func(s *Snapshot) int64 { return s.CommandsDispatched }),
			counter("unknown_commands_total", "Commands with no handler.", func(s *Snapshot) int64 { return s.UnknownCommands }),
			counter("handler_errors_total", "Handlers that failed or panicked.", func(s *Snapshot) int64 { return s.HandlerErrors }),
			counter("frames_produced_total", "Frames produced by the pipeline.", func(s *Snapshot) int64 { return s.FramesProduced }),
			counter("frames_unavailable_total", "Pipeline cycles without a frame.", func(s *Snapshot) int64 { return s.FramesUnavailable }),
			counter("pipeline_timeouts_total", "Pipeline cycles that timed out.", func(s *Snapshot) int64 { return s.PipelineTimeouts }),
			counter("detector_loads_total", "Detector models loaded.", func(s *Snapshot) int64 { return s.DetectorLoads }),
			counter("detector_load_failures_total", "Detector model loads that failed.", func(s *Snapshot) int64 { return s.DetectorLoadFailures }),
			counter("detector_loads_dropped_total", "Detector loads dropped while busy.", func(s *Snapshot) int64 { return s.DetectorLoadsDropped }),
			counter("motion_commands_total", "Motion commands applied.", func(s *Snapshot) int64 { return s.MotionCommands }),
			counter("motion_stops_total", "Actuator stops.", func(s *Snapshot) int64 { return s.MotionStops }),
			counter("adapter_published_total", "Session events delivered.", func(s *Snapshot) int64 { return s.AdapterPublished }),
			counter("adapter_failures_total", "Session events not delivered.", func(s *Snapshot) int64 { return s.AdapterFailures }),
		},
		disconnects: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "disconnects_total"),
			"Client disconnects by reason.", []string{"reason"}, nil),
		connected: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "client_connected"),
			"1 while a client session is active.", nil, nil),
		info: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "info"),
			"Server build and address.", []string{"version", "server_addr"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range e.counters {
		ch <- c.desc
	}
	ch <- e.disconnects
	ch <- e.connected
	ch <- e.info
}

// Collect implements prometheus.Collector.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	s := e.source.Snapshot()
	for _, c := range e.counters {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.CounterValue, float64(c.value(&s)))
	}
	for reason, n := range s.DisconnectsByReason {
		ch <- prometheus.MustNewConstMetric(e.disconnects, prometheus.CounterValue, float64(n), reason)
	}
	connected := 0.0
	if s.ClientConnected {
		connected = 1
	}
	ch <- prometheus.MustNewConstMetric(e.connected, prometheus.GaugeValue, connected)
	ch <- prometheus.MustNewConstMetric(e.info, prometheus.GaugeValue, 1, s.Version, s.ServerAddr)
}

// NewRegistry builds a registry holding the exporter plus Go runtime and process metrics.
func NewRegistry(source *Collector) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(NewExporter(source)); err != nil {
		return nil, fmt.Errorf("register exporter: %w", err)
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, nil
}

// Server serves /metrics and /health over HTTP.
type Server struct {
	addr     string
	path     string
	registry *prometheus.Registry

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewServer creates a metrics server. Path defaults to /metrics.
func NewServer(addr, path string, registry *prometheus.Registry) *Server {
	if path == "" {
		path = "/metrics"
	}
	return &Server{addr: addr, path: path, registry: registry}
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return errors.New("metrics server already running")
	}
	if s.registry == nil {
		return errors.New("metrics registry not provided")
	}

	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}

	s.listener = ln
	s.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	srv := s.server
	go func() { _ = srv.Serve(ln) }()
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop shuts the server down, waiting for in-flight scrapes until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("stop metrics server: %w", err)
	}
	return nil
}
