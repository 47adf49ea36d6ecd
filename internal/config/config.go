package config

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config holds runtime configuration for metricsd.
type Config struct {
	Addr           string   `env:"ADDR,default=:8080"`
	PublicBaseURL  string   `env:"PUBLIC_BASE_URL"`
	LogLevel       string   `env:"LOG_LEVEL,default=info"`
	OTLPEndpoint   string   `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS,default=*"`
	RateLimit      int      `env:"RATE_LIMIT_PER_MINUTE,default=120"`

	Athena  Athena  `env:",prefix=ATHENA_"`
	S3      S3      `env:",prefix=S3_"`
	Exports Exports `env:",prefix=EXPORT_"`

	DBDSN            string        `env:"DB_DSN"`
	HistoryRetention time.Duration `env:"HISTORY_RETENTION,default=720h"`
	NATSURL          string        `env:"NATS_URL"`
}

// Athena configures the query tool endpoint and where its results land.
type Athena struct {
	MCPURL        string        `env:"MCP_URL,required"`
	MCPToken      string        `env:"MCP_TOKEN,required"`
	MaxRows       int           `env:"MAX_ROWS,default=10000"`
	QueryTimeout  time.Duration `env:"QUERY_TIMEOUT,default=2m"`
	ResultsBucket string        `env:"RESULTS_BUCKET,required"`
	ResultsPrefix string        `env:"RESULTS_PREFIX"`
}

// S3 configures object storage access. Without keys the default AWS credential chain is used.
type S3 struct {
	Endpoint       string        `env:"ENDPOINT"`
	Region         string        `env:"REGION,default=us-east-1"`
	AccessKey      string        `env:"ACCESS_KEY"`
	SecretKey      string        `env:"SECRET_KEY"`
	SessionToken   string        `env:"SESSION_TOKEN"`
	ForcePathStyle bool          `env:"FORCE_PATH_STYLE,default=false"`
	Timeout        time.Duration `env:"TIMEOUT,default=30s"`
}

// Exports configures spreadsheet materialization.
type Exports struct {
	TTL           time.Duration `env:"TTL,default=60m"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL,default=5m"`
	FetchTimeout  time.Duration `env:"FETCH_TIMEOUT,default=1m"`
	FileName      string        `env:"FILE_NAME,default=salesforce_data.xlsx"`
	ArchiveBucket string        `env:"ARCHIVE_BUCKET"`
	MappingFile   string        `env:"MAPPING_FILE"`
}

// Load returns a Config populated from environment variables.
func Load(ctx context.Context) (Config, error) {
	return load(ctx, envconfig.OsLookuper())
}

func load(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: lookuper}); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values envconfig cannot express.
func (c Config) Validate() error {
	if c.Athena.MaxRows < 1 || c.Athena.MaxRows > 10000 {
		return errors.New("ATHENA_MAX_ROWS must be between 1 and 10000")
	}
	if (c.S3.AccessKey == "") != (c.S3.SecretKey == "") {
		return errors.New("S3_ACCESS_KEY and S3_SECRET_KEY must be set together")
	}
	if c.Exports.TTL <= 0 {
		return errors.New("EXPORT_TTL must be positive")
	}
	if c.Exports.SweepInterval <= 0 {
		return errors.New("EXPORT_SWEEP_INTERVAL must be positive")
	}
	return nil
}
