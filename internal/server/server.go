// Package server exposes the optional HTTP status endpoint: a health check
// plus the latest meter documents. It serves diagnostics only and is
// disabled entirely when the config has no http section.
package server

import (
	"fmt"
	"net/http"
	"time"

	"obisbridge/internal/config"
	"obisbridge/internal/meter"

	"go.uber.org/zap"
)

type Server struct {
	meter *meter.Meter
	log   *zap.Logger
}

func New(cfg config.HTTPConfig, m *meter.Meter, log *zap.Logger) *http.Server {
	s := &Server{
		meter: m,
		log:   log.Named("http"),
	}

	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Listen, cfg.Port),
		Handler:      s.registerRoutes(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}
