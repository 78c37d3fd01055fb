package internal

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"

	"github.com/starford/driftwatch/internal/alert"
	"github.com/starford/driftwatch/internal/baseline"
	"github.com/starford/driftwatch/internal/classifier"
	"github.com/starford/driftwatch/internal/correlator"
	"github.com/starford/driftwatch/internal/engine"
	"github.com/starford/driftwatch/internal/history"
	"github.com/starford/driftwatch/internal/pathspec"
	"github.com/starford/driftwatch/internal/storage"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App            ApplicationConfig    `yaml:"app"`
	Watch          WatchConfig          `yaml:"watch"`
	State          StateConfig          `yaml:"state"`
	Baseline       BaselineConfig       `yaml:"baseline"`
	Classifier     ClassifierConfig     `yaml:"classifier"`
	History        HistoryConfig        `yaml:"history"`
	Alerts         AlertsConfig         `yaml:"alerts"`
	VersionControl VersionControlConfig `yaml:"version_control"`
	Auth           AuthConfig           `yaml:"auth"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	for _, v := range []validation.Validatable{
		&c.App, &c.Watch, &c.State, &c.Baseline, &c.Classifier, &c.History, &c.Alerts, &c.VersionControl, &c.Auth,
	} {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	// Name labels this monitoring instance in logs and alerts.
	Name     string     `yaml:"name"`
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Name, validation.Required, validation.Length(1, 64)),
	); err != nil {
		return err
	}
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// WatchConfig lists the monitored paths.
type WatchConfig struct {
	Paths []pathspec.Rule `yaml:"paths"`
	// Sensitive holds glob patterns that mark matching paths high-sensitivity.
	Sensitive      []string      `yaml:"sensitive"`
	Debounce       time.Duration `yaml:"debounce"`
	DeleteDebounce time.Duration `yaml:"delete_debounce"`
}

// Validate validates the watch configuration.
func (c *WatchConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Paths, validation.Required, validation.Each(validation.By(validateRule))),
		validation.Field(&c.Debounce, validation.Min(time.Millisecond)),
		validation.Field(&c.DeleteDebounce, validation.Min(time.Millisecond)),
	)
}

func validateRule(value any) error {
	r, ok := value.(pathspec.Rule)
	if !ok {
		return errors.New("must be a watch rule")
	}
	if r.Path == "" {
		return errors.New("path is required")
	}
	if !filepath.IsAbs(r.Path) {
		return fmt.Errorf("path %q must be absolute", r.Path)
	}
	return nil
}

// Correlator returns the debounce settings.
func (c *WatchConfig) Correlator() correlator.Config {
	return correlator.Config{Window: c.Debounce, DeleteWindow: c.DeleteDebounce}
}

// StateConfig holds the SQLite state database configuration.
type StateConfig struct {
	Path string `yaml:"path"`
	// MaxContentBytes bounds how much file content baselines and snapshots
	// retain. Larger files are tracked by hash only.
	MaxContentBytes int64 `yaml:"max_content_bytes"`
}

// Validate validates the state configuration.
func (c *StateConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
		validation.Field(&c.MaxContentBytes, validation.Min(int64(0))),
	)
}

// BaselineConfig controls baseline establishment.
type BaselineConfig struct {
	// EstablishOnStart captures a baseline at startup when none exists yet.
	EstablishOnStart bool `yaml:"establish_on_start"`
	// ImportDir holds operator-approved reference copies named
	// <rule name>.yaml. When set, establishing takes named file rules from
	// there instead of from the live files.
	ImportDir string `yaml:"import_dir"`
	// RefreshInterval is how often the monitor picks up baseline changes
	// made by other processes, such as CLI approvals.
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// Validate validates the baseline configuration.
func (c *BaselineConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.RefreshInterval, validation.Min(time.Second)),
	)
}

// ClassifierConfig tunes classification.
type ClassifierConfig struct {
	Workers           int           `yaml:"workers"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	EmitBenignTouches bool          `yaml:"emit_benign_touches"`
}

// Validate validates the classifier configuration.
func (c *ClassifierConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Workers, validation.Required, validation.Min(1), validation.Max(256)),
		validation.Field(&c.RetryDelay, validation.Min(time.Duration(0))),
	)
}

// Engine returns the pipeline settings.
func (c *ClassifierConfig) Engine() engine.Config {
	return engine.Config{Workers: c.Workers, EmitBenignTouches: c.EmitBenignTouches}
}

// HistoryConfig controls periodic snapshots.
type HistoryConfig struct {
	Interval  time.Duration     `yaml:"interval"`
	Retention history.Retention `yaml:"retention"`
}

// Validate validates the history configuration.
func (c *HistoryConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Interval, validation.Required, validation.Min(time.Second)),
	); err != nil {
		return err
	}
	return validation.ValidateStruct(&c.Retention,
		validation.Field(&c.Retention.KeepRecent, validation.Min(1)),
		validation.Field(&c.Retention.KeepDaily, validation.Min(0)),
	)
}

// AlertsConfig configures deduplication and notifiers.
type AlertsConfig struct {
	SuppressionWindow time.Duration `yaml:"suppression_window"`
	// SSEThrottle is the minimum gap between drift.activity events.
	SSEThrottle time.Duration         `yaml:"sse_throttle"`
	Webhooks    []alert.WebhookConfig `yaml:"webhooks"`
}

// Validate validates the alerts configuration.
func (c *AlertsConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.SuppressionWindow, validation.Min(time.Duration(0))),
	); err != nil {
		return err
	}
	for i := range c.Webhooks {
		wh := &c.Webhooks[i]
		if err := validation.ValidateStruct(wh,
			validation.Field(&wh.URL, validation.Required, is.URL),
			validation.Field(&wh.RetryCount, validation.Min(0), validation.Max(10)),
		); err != nil {
			return fmt.Errorf("alerts: webhook %d: %w", i, err)
		}
	}
	return nil
}

// VersionControlConfig enables committing snapshots to the revision store.
type VersionControlConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// Validate validates the version control configuration.
func (c *VersionControlConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Dir, validation.When(c.Enabled, validation.Required)),
	)
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local use.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	// Normalise empty mode to "disabled" for backward compatibility.
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			Name:     "driftwatch",
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8088,
			},
		},
		Watch: WatchConfig{
			Debounce:       correlator.DefaultWindow,
			DeleteDebounce: correlator.DefaultDeleteWindow,
		},
		State: StateConfig{
			Path:            "./driftwatch.db",
			MaxContentBytes: storage.DefaultMaxContent,
		},
		Baseline: BaselineConfig{
			RefreshInterval: baseline.DefaultRefreshInterval,
		},
		Classifier: ClassifierConfig{
			Workers:    engine.DefaultWorkers,
			RetryDelay: classifier.DefaultRetryDelay,
		},
		History: HistoryConfig{
			Interval:  time.Minute,
			Retention: history.Retention{KeepRecent: 24, KeepDaily: 30},
		},
		Alerts: AlertsConfig{
			SuppressionWindow: alert.DefaultSuppressionWindow,
			SSEThrottle:       2 * time.Second,
		},
		VersionControl: VersionControlConfig{
			Dir: "./driftwatch-revisions",
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
	}
}
