package api

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"metricsd/services/artifacts"
	"metricsd/services/athena"
	"metricsd/services/exports"
	"metricsd/services/history"
	"metricsd/services/query"
)

const (
	defaultRequestTimeout = 5 * time.Minute
	defaultRateLimit      = 120
	workspaceHeader       = "x-workspace-id"
)

// Exporter produces and serves spreadsheet exports.
type Exporter interface {
	RunAndMaterialize(ctx context.Context, filter query.Filter) (exports.Outcome, error)
	Preview(ctx context.Context, filter query.Filter) ([]athena.Row, exports.Status, error)
	FetchDownload(key string) (artifacts.Artifact, bool)
}

// History lists past exports.
type History interface {
	Recent(ctx context.Context, limit int) ([]history.Record, error)
	Get(ctx context.Context, id uuid.UUID) (history.Record, error)
}

// Check reports whether a dependency is ready to serve.
type Check func(ctx context.Context) error

// Config controls runtime behaviour for the API handlers.
type Config struct {
	AllowedOrigins []string
	RateLimit      int
	RequestTimeout time.Duration
	Gatherer       prometheus.Gatherer
	Checks         map[string]Check
}

// API wires the export service and optional history into HTTP handlers.
type API struct {
	exporter Exporter
	history  History
	config   Config
	logger   zerolog.Logger
}

// New initialises the API layer with defaults applied to cfg. hist may be nil, in which case
// the history routes answer 404.
func New(exporter Exporter, hist History, cfg Config, logger zerolog.Logger) (*API, error) {
	if exporter == nil {
		return nil, errors.New("exporter is required")
	}

	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}

	return &API{
		exporter: exporter,
		history:  hist,
		config:   cfg,
		logger:   logger.With().Str("component", "api").Logger(),
	}, nil
}
