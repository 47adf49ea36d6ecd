package exports

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"metricsd/services/artifacts"
	"metricsd/services/athena"
	"metricsd/services/query"
)

const (
	DefaultTTL          = 60 * time.Minute
	DefaultFileName     = "salesforce_data.xlsx"
	DefaultDownloadPath = "/public/metrics/downloadExcel/"
	DefaultQueryTimeout = 2 * time.Minute
	DefaultFetchTimeout = time.Minute

	SubjectReady   = "metricsd.exports.ready"
	SubjectPending = "metricsd.exports.pending"
	SubjectFailed  = "metricsd.exports.failed"

	hookTimeout = 5 * time.Second
)

var tracer = otel.Tracer("metricsd/services/exports")

// Status of an export request.
type Status string

const (
	StatusReady   Status = "ready"
	StatusPending Status = "pending"
	StatusFailed  Status = "failed"
)

// QueryBuilder renders a filter as SQL.
type QueryBuilder interface {
	Build(filter query.Filter) (string, error)
}

// Engine submits SQL and returns the raw response body.
type Engine interface {
	Submit(ctx context.Context, sql string, maxRows int) ([]byte, error)
}

// Storage opens the CSV result set of a finished execution.
type Storage interface {
	FetchCSV(ctx context.Context, executionID string) (io.ReadCloser, error)
}

// Converter turns tabular data into spreadsheet bytes.
type Converter interface {
	FromCSV(r io.Reader) ([]byte, error)
	FromRows(columns []string, rows []map[string]any) ([]byte, error)
}

// Archiver keeps a durable copy of an export and returns a URL for it.
type Archiver interface {
	Archive(ctx context.Context, name string, content []byte) (string, error)
}

// Recorder persists export events.
type Recorder interface {
	Record(ctx context.Context, ev Event) error
}

// Publisher broadcasts export events.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

// Config controls export behaviour. Zero values select the defaults.
type Config struct {
	TTL           time.Duration
	MaxRows       int
	QueryTimeout  time.Duration
	FetchTimeout  time.Duration
	PublicBaseURL string
	DownloadPath  string
	FileName      string
}

// Deps groups the collaborators of a Service. Archiver, Recorder, Publisher and Metrics are
// optional.
type Deps struct {
	Builder   QueryBuilder
	Engine    Engine
	Storage   Storage
	Converter Converter
	Cache     *artifacts.Cache
	Archiver  Archiver
	Recorder  Recorder
	Publisher Publisher
	Metrics   *Metrics
	Logger    zerolog.Logger
}

// Download describes a materialized spreadsheet.
type Download struct {
	FileID        string    `json:"fileId"`
	DownloadURL   string    `json:"downloadUrl"`
	FileName      string    `json:"fileName"`
	FileSizeBytes int64     `json:"fileSizeBytes"`
	ExpiresIn     string    `json:"expiresIn"`
	ExpiresAt     time.Time `json:"expiresAt"`
	Message       string    `json:"message"`
	ArchiveURL    string    `json:"archiveUrl,omitempty"`
}

// Outcome of RunAndMaterialize. Download is set only when Status is StatusReady.
type Outcome struct {
	Status   Status
	Download *Download
}

// Event is recorded and published once per export.
type Event struct {
	ID          uuid.UUID    `json:"id"`
	Status      Status       `json:"status"`
	Step        Step         `json:"step,omitempty"`
	Error       string       `json:"error,omitempty"`
	Filter      query.Filter `json:"filter"`
	ExecutionID string       `json:"execution_id,omitempty"`
	FileID      string       `json:"file_id,omitempty"`
	FileName    string       `json:"file_name,omitempty"`
	SizeBytes   int64        `json:"size_bytes"`
	ArchiveURL  string       `json:"archive_url,omitempty"`
	At          time.Time    `json:"at"`
}

// Service runs queries and turns their results into cached spreadsheet downloads.
type Service struct {
	cfg       Config
	builder   QueryBuilder
	engine    Engine
	storage   Storage
	converter Converter
	cache     *artifacts.Cache
	archiver  Archiver
	recorder  Recorder
	publisher Publisher
	metrics   *Metrics
	logger    zerolog.Logger
}

// New validates deps and applies defaults to cfg.
func New(cfg Config, deps Deps) (*Service, error) {
	if deps.Builder == nil {
		return nil, errors.New("query builder is required")
	}
	if deps.Engine == nil {
		return nil, errors.New("engine is required")
	}
	if deps.Storage == nil {
		return nil, errors.New("storage is required")
	}
	if deps.Converter == nil {
		return nil, errors.New("converter is required")
	}
	if deps.Cache == nil {
		return nil, errors.New("cache is required")
	}

	if cfg.TTL < 0 {
		return nil, fmt.Errorf("ttl %s is negative", cfg.TTL)
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = athena.MaxRows
	}
	if cfg.MaxRows > athena.MaxRows {
		return nil, fmt.Errorf("max rows %d exceeds %d", cfg.MaxRows, athena.MaxRows)
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultQueryTimeout
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.DownloadPath == "" {
		cfg.DownloadPath = DefaultDownloadPath
	}
	if cfg.FileName == "" {
		cfg.FileName = DefaultFileName
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")

	return &Service{
		cfg:       cfg,
		builder:   deps.Builder,
		engine:    deps.Engine,
		storage:   deps.Storage,
		converter: deps.Converter,
		cache:     deps.Cache,
		archiver:  deps.Archiver,
		recorder:  deps.Recorder,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		logger:    deps.Logger.With().Str("component", "exports").Logger(),
	}, nil
}

// RunAndMaterialize runs the filtered query, converts the result to a spreadsheet and caches
// it behind a download URL. A pending query yields Outcome{Status: StatusPending} and no
// error. Failures are *Error values tagged with the failing step.
func (s *Service) RunAndMaterialize(ctx context.Context, filter query.Filter) (Outcome, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "exports.RunAndMaterialize")
	defer span.End()

	ev := Event{ID: uuid.New(), Filter: filter}
	outcome, err := s.materialize(ctx, filter, &ev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	s.finish(ctx, &ev, outcome, err, start)
	return outcome, err
}

func (s *Service) materialize(ctx context.Context, filter query.Filter, ev *Event) (Outcome, error) {
	env, err := s.submit(ctx, filter)
	if err != nil {
		return Outcome{}, err
	}

	extracted, err := athena.Extract(env)
	if err != nil {
		return Outcome{}, stepError(StepResult, err)
	}

	var content []byte
	switch x := extracted.(type) {
	case athena.Pending:
		return Outcome{Status: StatusPending}, nil
	case athena.Table:
		content, err = s.convert(ctx, func() ([]byte, error) {
			return s.converter.FromRows(x.Columns, x.Rows)
		})
	case athena.ExecutionRef:
		ev.ExecutionID = x.ID
		content, err = s.fetchAndConvert(ctx, x.ID)
	default:
		return Outcome{}, stepError(StepResult, fmt.Errorf("unexpected result %T", extracted))
	}
	if err != nil {
		return Outcome{}, err
	}

	key, expiresAt := s.cache.Store(s.cfg.FileName, content, s.cfg.TTL)
	minutes := ExpiresIn(s.cfg.TTL)
	download := &Download{
		FileID:        key,
		DownloadURL:   s.cfg.PublicBaseURL + s.cfg.DownloadPath + key,
		FileName:      s.cfg.FileName,
		FileSizeBytes: int64(len(content)),
		ExpiresIn:     minutes,
		ExpiresAt:     expiresAt.UTC(),
		Message:       "Excel file generated successfully. Download link will expire in " + minutes + ".",
	}
	download.ArchiveURL = s.archive(ctx, content)

	return Outcome{Status: StatusReady, Download: download}, nil
}

// Preview runs the filtered query and returns the rows carried inline in the response.
func (s *Service) Preview(ctx context.Context, filter query.Filter) ([]athena.Row, Status, error) {
	ctx, span := tracer.Start(ctx, "exports.Preview")
	defer span.End()

	env, err := s.submit(ctx, filter)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, StatusFailed, err
	}
	if env.Result != nil && env.Result.Kind() == athena.ResultPending {
		return nil, StatusPending, nil
	}
	rows := athena.PreviewRows(env)
	if rows == nil {
		rows = []athena.Row{}
	}
	span.SetAttributes(attribute.Int("rows", len(rows)))
	return rows, StatusReady, nil
}

// FetchArtifact returns the cached content for key while it is live.
func (s *Service) FetchArtifact(key string) ([]byte, bool) {
	return s.cache.Get(key)
}

// FetchArtifactName returns the display name for key while it is live.
func (s *Service) FetchArtifactName(key string) (string, bool) {
	return s.cache.Name(key)
}

// FetchDownload returns name and content for key from a single lookup.
func (s *Service) FetchDownload(key string) (artifacts.Artifact, bool) {
	return s.cache.Lookup(key)
}

func (s *Service) submit(ctx context.Context, filter query.Filter) (*athena.Envelope, error) {
	ctx, span := tracer.Start(ctx, "exports.query")
	defer span.End()

	sql, err := s.builder.Build(filter)
	if err != nil {
		return nil, stepError(StepQuery, fmt.Errorf("build query: %w", err))
	}

	qctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()

	raw, err := s.engine.Submit(qctx, sql, s.cfg.MaxRows)
	if err != nil {
		return nil, stepError(StepQuery, err)
	}
	span.SetAttributes(attribute.Int("response.bytes", len(raw)))

	env, err := athena.Parse(raw)
	if err != nil {
		var engineErr *athena.EngineError
		if errors.As(err, &engineErr) {
			return nil, stepError(StepQuery, err)
		}
		return nil, stepError(StepResult, err)
	}
	return env, nil
}

func (s *Service) fetchAndConvert(ctx context.Context, executionID string) ([]byte, error) {
	data, err := s.fetch(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return s.convert(ctx, func() ([]byte, error) {
		return s.converter.FromCSV(bytes.NewReader(data))
	})
}

func (s *Service) fetch(ctx context.Context, executionID string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "exports.fetch", trace.WithAttributes(attribute.String("execution.id", executionID)))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()

	body, err := s.storage.FetchCSV(ctx, executionID)
	if err != nil {
		return nil, stepError(StepFetch, err)
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, stepError(StepFetch, fmt.Errorf("read result %s: %w", executionID, err))
	}
	return data, nil
}

func (s *Service) convert(ctx context.Context, fn func() ([]byte, error)) ([]byte, error) {
	_, span := tracer.Start(ctx, "exports.convert")
	defer span.End()

	content, err := fn()
	if err != nil {
		return nil, stepError(StepConvert, err)
	}
	if len(content) == 0 {
		return nil, stepError(StepConvert, errors.New("converter produced no output"))
	}
	span.SetAttributes(attribute.Int("content.bytes", len(content)))
	return content, nil
}

func (s *Service) archive(ctx context.Context, content []byte) string {
	if s.archiver == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()

	url, err := s.archiver.Archive(ctx, s.cfg.FileName, content)
	if err != nil {
		s.logger.Warn().Err(err).Msg("archive export")
		return ""
	}
	return url
}

func (s *Service) finish(ctx context.Context, ev *Event, outcome Outcome, err error, start time.Time) {
	ev.At = time.Now().UTC()

	label := string(outcome.Status)
	switch {
	case err != nil:
		ev.Status = StatusFailed
		ev.Error = err.Error()
		if step, ok := StepOf(err); ok {
			ev.Step = step
		}
		label = "failed_" + string(ev.Step)
		s.logger.Error().Err(err).Str("step", string(ev.Step)).Msg("export failed")
	case outcome.Status == StatusPending:
		ev.Status = StatusPending
		s.logger.Info().Msg("export pending")
	default:
		ev.Status = StatusReady
		ev.FileID = outcome.Download.FileID
		ev.FileName = outcome.Download.FileName
		ev.SizeBytes = outcome.Download.FileSizeBytes
		ev.ArchiveURL = outcome.Download.ArchiveURL
		s.logger.Info().
			Str("file_id", ev.FileID).
			Int64("size_bytes", ev.SizeBytes).
			Dur("elapsed", time.Since(start)).
			Msg("export ready")
	}
	s.metrics.observe(label, start)

	hookCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), hookTimeout)
	defer cancel()

	if s.recorder != nil {
		if err := s.recorder.Record(hookCtx, *ev); err != nil {
			s.logger.Warn().Err(err).Msg("record export")
		}
	}
	if s.publisher != nil {
		if err := s.publisher.Publish(hookCtx, subjectFor(ev.Status), ev); err != nil {
			s.logger.Warn().Err(err).Msg("publish export event")
		}
	}
}

func subjectFor(status Status) string {
	switch status {
	case StatusReady:
		return SubjectReady
	case StatusPending:
		return SubjectPending
	default:
		return SubjectFailed
	}
}

// ExpiresIn renders ttl the way download responses report it, e.g. "60 minutes".
func ExpiresIn(ttl time.Duration) string {
	if ttl%time.Minute == 0 {
		n := int64(ttl / time.Minute)
		if n == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", n)
	}
	return ttl.String()
}
