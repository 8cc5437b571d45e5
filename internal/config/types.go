package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "15m").
// Omitted or zero values take the component defaults.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	HTTP      HTTPConfig      `json:"http"`
	Gardena   GardenaConfig   `json:"gardena"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler,omitempty"`
	Relay     RelayConfig     `json:"relay,omitempty"`
	Devices   DevicesConfig   `json:"devices,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// HTTPConfig controls the control surface listener.
//
// Security note:
//   - Prefer binding to localhost (default "127.0.0.1:8080").
//   - A non-loopback address needs a token or an explicit allow_insecure.
//   - The token may come from GARDEND_API_TOKEN instead of the file.
type HTTPConfig struct {
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	Pprof       bool   `json:"pprof,omitempty"`
	PprofPrefix string `json:"pprof_prefix,omitempty"` // default "/debug/pprof/"
}

// GardenaConfig holds the cloud API endpoints and credentials. Credentials
// are normally supplied through the environment (GARDENA_CLIENT_ID,
// GARDENA_CLIENT_SECRET, GARDENA_API_KEY).
type GardenaConfig struct {
	AuthURL      string `json:"auth_url,omitempty"`
	BaseURL      string `json:"base_url,omitempty"`
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"` // do not log
	APIKey       string `json:"api_key,omitempty"`       // do not log

	Timeout         string `json:"timeout,omitempty"`           // default "30s"
	RatePerSec      int    `json:"rate_per_sec,omitempty"`      // default 5
	RetryMaxElapsed string `json:"retry_max_elapsed,omitempty"` // default "30s"
}

// StorageConfig selects the schedule document backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./gardend.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // "file" (default) or "sqlite"
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type SchedulerConfig struct {
	FiringTimeout string `json:"firing_timeout,omitempty"` // default "30s"
}

// RelayConfig controls the upstream event stream and the downstream hub.
type RelayConfig struct {
	PingInterval     string `json:"ping_interval,omitempty"`     // default "150s"
	PongTimeout      string `json:"pong_timeout,omitempty"`      // default "30s"
	ReconnectDelay   string `json:"reconnect_delay,omitempty"`   // default "15s"
	FailureDelay     string `json:"failure_delay,omitempty"`     // default "15m"
	FailureThreshold int    `json:"failure_threshold,omitempty"` // default 3
	ClientQueue      int    `json:"client_queue,omitempty"`      // default 64
}

type DevicesConfig struct {
	CatalogTTL string `json:"catalog_ttl,omitempty"` // default "5s"
}
