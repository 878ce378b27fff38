// internal/monitoring/server.go
package monitoring

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Config - metrics endpoint. An empty Addr disables it.
type Config struct {
	Addr string `yaml:"addr"`
	Path string `yaml:"path"`
}

func DefaultConfig() Config {
	return Config{Addr: "", Path: "/metrics"}
}

// Server exposes a Prometheus gatherer over fasthttp.
type Server struct {
	config  Config
	server  *fasthttp.Server
	logger  zerolog.Logger
	metrics fasthttp.RequestHandler
}

func NewServer(config Config, gatherer prometheus.Gatherer) *Server {
	if config.Path == "" {
		config.Path = "/metrics"
	}
	s := &Server{
		config:  config,
		logger:  log.With().Str("component", "metrics").Logger(),
		metrics: fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})),
	}
	s.server = &fasthttp.Server{
		Handler:      s.Handler,
		Name:         "lact",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Handler routes the metrics path and a liveness probe.
func (s *Server) Handler(ctx *fasthttp.RequestCtx) {
	switch string(ctx.Path()) {
	case s.config.Path:
		s.metrics(ctx)
	case "/healthz":
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("ok")
	default:
		ctx.Error("not found", fasthttp.StatusNotFound)
	}
}

// Start serves in the background until Shutdown.
func (s *Server) Start() error {
	if s.config.Addr == "" {
		return fmt.Errorf("metrics addr is empty")
	}
	go func() {
		s.logger.Info().Str("addr", s.config.Addr).Str("path", s.config.Path).Msg("metrics endpoint listening")
		if err := s.server.ListenAndServe(s.config.Addr); err != nil {
			s.logger.Error().Err(err).Msg("metrics endpoint stopped")
		}
	}()
	return nil
}

func (s *Server) Shutdown() error {
	return s.server.Shutdown()
}
