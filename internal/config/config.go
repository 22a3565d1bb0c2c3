// Package config holds the agent's runtime configuration. Values come from
// COURIER_* environment variables with defaults in struct tags; an explicit
// YAML file passed on the command line overrides the environment.
package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that decodes from the usual "90s"/"5m" string
// form in both environment variables and YAML.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalText implements encoding.TextUnmarshaler for envconfig.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// Config is the full configuration surface of the agent.
type Config struct {
	// Control server and endpoint paths.
	ServerURL     string `env:"COURIER_SERVER_URL" yaml:"server_url"`
	UpdatesPath   string `env:"COURIER_UPDATES_PATH,default=/v1/agent/updates" yaml:"updates_path"`
	TimelinesPath string `env:"COURIER_TIMELINES_PATH,default=/v1/agent/timelines" yaml:"timelines_path"`
	ResultsPath   string `env:"COURIER_RESULTS_PATH,default=/v1/agent/results" yaml:"results_path"`
	SurveyPath    string `env:"COURIER_SURVEY_PATH,default=/v1/agent/survey" yaml:"survey_path"`

	// Loop switches and cadence.
	PollEnabled   bool     `env:"COURIER_POLL_ENABLED,default=true" yaml:"poll_enabled"`
	RelayEnabled  bool     `env:"COURIER_RELAY_ENABLED,default=true" yaml:"relay_enabled"`
	PollInterval  Duration `env:"COURIER_POLL_INTERVAL,default=5m" yaml:"poll_interval"`
	RelayInterval Duration `env:"COURIER_RELAY_INTERVAL,default=10m" yaml:"relay_interval"`
	Jitter        float64  `env:"COURIER_JITTER,default=0.5" yaml:"jitter"`
	SurveyDelay   Duration `env:"COURIER_SURVEY_DELAY,default=5s" yaml:"survey_delay"`

	// Upload confidentiality.
	SecureUploads    bool `env:"COURIER_SECURE_UPLOADS,default=false" yaml:"secure_uploads"`
	ScryptWorkFactor int  `env:"COURIER_SCRYPT_WORK_FACTOR,default=18" yaml:"scrypt_work_factor"`

	// Identity and transport.
	MachineName          string   `env:"COURIER_MACHINE_NAME" yaml:"machine_name"`
	TrustAllCertificates bool     `env:"COURIER_TRUST_ALL_CERTIFICATES,default=false" yaml:"trust_all_certificates"`
	RequestTimeout       Duration `env:"COURIER_REQUEST_TIMEOUT,default=30s" yaml:"request_timeout"`

	// Local state.
	StateDir         string   `env:"COURIER_STATE_DIR,default=/var/lib/courier" yaml:"state_dir"`
	ResultsFile      string   `env:"COURIER_RESULTS_FILE,default=clientupdates.log" yaml:"results_file"`
	TimelineFile     string   `env:"COURIER_TIMELINE_FILE,default=timeline.json" yaml:"timeline_file"`
	HealthFile       string   `env:"COURIER_HEALTH_FILE,default=health.json" yaml:"health_file"`
	SurveyFile       string   `env:"COURIER_SURVEY_FILE,default=surveyresults.json" yaml:"survey_file"`
	ExcludedLogs     []string `env:"COURIER_EXCLUDED_LOGS,default=courier.log" yaml:"excluded_logs"`
	ArchiveShipments bool     `env:"COURIER_ARCHIVE_SHIPMENTS,default=false" yaml:"archive_shipments"`

	// Observability and hand-off.
	DebugAddr    string `env:"COURIER_DEBUG_ADDR" yaml:"debug_addr"`
	NATSURL      string `env:"COURIER_NATS_URL" yaml:"nats_url"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" yaml:"otlp_endpoint"`
}

// Load returns a Config populated from environment variables.
func Load(ctx context.Context) (Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyFile overlays a YAML configuration file onto cfg. Fields present in
// the file win over environment values.
func ApplyFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

// Validate rejects configurations the loops cannot run with.
func (c Config) Validate() error {
	if c.PollEnabled || c.RelayEnabled {
		if strings.TrimSpace(c.ServerURL) == "" {
			return fmt.Errorf("COURIER_SERVER_URL is required when a loop is enabled")
		}
		parsed, err := url.Parse(c.ServerURL)
		if err != nil {
			return fmt.Errorf("invalid COURIER_SERVER_URL: %w", err)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return fmt.Errorf("COURIER_SERVER_URL must use http or https: %q", c.ServerURL)
		}
		if parsed.Host == "" {
			return fmt.Errorf("COURIER_SERVER_URL is missing a host: %q", c.ServerURL)
		}
	}

	if c.PollEnabled && c.PollInterval <= 0 {
		return fmt.Errorf("COURIER_POLL_INTERVAL must be positive, got %s", c.PollInterval)
	}
	if c.RelayEnabled && c.RelayInterval <= 0 {
		return fmt.Errorf("COURIER_RELAY_INTERVAL must be positive, got %s", c.RelayInterval)
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		return fmt.Errorf("COURIER_JITTER must be within [0, 1], got %v", c.Jitter)
	}
	if c.SecureUploads && (c.ScryptWorkFactor < 1 || c.ScryptWorkFactor > 30) {
		return fmt.Errorf("COURIER_SCRYPT_WORK_FACTOR must be within [1, 30], got %d", c.ScryptWorkFactor)
	}
	if strings.TrimSpace(c.StateDir) == "" {
		return fmt.Errorf("COURIER_STATE_DIR must not be empty")
	}
	if strings.TrimSpace(c.ResultsFile) == "" {
		return fmt.Errorf("COURIER_RESULTS_FILE must not be empty")
	}
	return nil
}

// Endpoint joins the server base URL with an endpoint path.
func (c Config) Endpoint(path string) string {
	return strings.TrimRight(c.ServerURL, "/") + "/" + strings.TrimLeft(path, "/")
}

// UpdatesURL is the polling endpoint.
func (c Config) UpdatesURL() string { return c.Endpoint(c.UpdatesPath) }

// TimelinesURL is the timeline-report endpoint.
func (c Config) TimelinesURL() string { return c.Endpoint(c.TimelinesPath) }

// ResultsURL is the result-upload endpoint.
func (c Config) ResultsURL() string { return c.Endpoint(c.ResultsPath) }

// SurveyURL is the survey-upload endpoint.
func (c Config) SurveyURL() string { return c.Endpoint(c.SurveyPath) }

// ResultsFilePath is the primary result file inside the state dir.
func (c Config) ResultsFilePath() string { return filepath.Join(c.StateDir, c.ResultsFile) }

// TimelineFilePath is the timeline store file.
func (c Config) TimelineFilePath() string { return filepath.Join(c.StateDir, c.TimelineFile) }

// HealthFilePath is the health snapshot file.
func (c Config) HealthFilePath() string { return filepath.Join(c.StateDir, c.HealthFile) }

// SurveyFilePath is the survey artifact file.
func (c Config) SurveyFilePath() string { return filepath.Join(c.StateDir, c.SurveyFile) }
