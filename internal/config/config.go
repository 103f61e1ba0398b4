package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/invopop/jsonschema"
)

// Config represents the main configuration for melissi.
type Config struct {
	BaseDir     string            `toml:"base_dir" json:"base_dir" jsonschema:"description=Directory holding the database and credentials"`
	LogDir      string            `toml:"log_dir" json:"log_dir" jsonschema:"description=Directory for rotated log files"`
	LogLevel    string            `toml:"log_level,omitempty" json:"log_level,omitempty" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`
	Owner       string            `toml:"owner,omitempty" json:"owner,omitempty" jsonschema:"description=Name reported as the actor in notifications"`
	Remote      RemoteConfig      `toml:"remote" json:"remote"`
	Credentials CredentialsConfig `toml:"credentials" json:"credentials"`
	Database    DatabaseConfig    `toml:"database" json:"database"`
	Worker      WorkerConfig      `toml:"worker" json:"worker"`
	WatchRoots  []WatchRootConfig `toml:"watch_roots,omitempty" json:"watch_roots,omitempty" jsonschema:"description=Directories kept in sync"`
	Filesystem  FilesystemConfig  `toml:"filesystem" json:"filesystem"`
	Dashboard   DashboardConfig   `toml:"dashboard" json:"dashboard"`
}

// RemoteConfig selects the sync server client.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type RemoteConfig struct {
	Type        string   `toml:"type" json:"type" jsonschema:"enum=http,enum=memory"`
	URL         string   `toml:"url,omitempty" json:"url,omitempty" jsonschema:"description=Server base URL (type=http)"`
	CallTimeout Duration `toml:"call_timeout,omitempty" json:"call_timeout,omitempty" jsonschema:"description=Timeout of a single remote call"`
}

// CredentialsConfig selects where server credentials are kept.
type CredentialsConfig struct {
	Type         string `toml:"type" json:"type" jsonschema:"enum=age,enum=plain"`
	Path         string `toml:"path" json:"path" jsonschema:"description=Credentials file"`
	IdentityPath string `toml:"identity_path,omitempty" json:"identity_path,omitempty" jsonschema:"description=age identity file (type=age)"`
}

// DatabaseConfig represents configuration for the local state store.
type DatabaseConfig struct {
	Type    string `toml:"type" json:"type" jsonschema:"enum=sqlite,enum=memory"`
	DataDir string `toml:"data_dir,omitempty" json:"data_dir,omitempty" jsonschema:"description=Directory of melissi.db (type=sqlite)"`
}

// WorkerConfig tunes the retry driver. Zero values take the engine defaults.
type WorkerConfig struct {
	MaxInFlight    int      `toml:"max_in_flight,omitempty" json:"max_in_flight,omitempty" jsonschema:"minimum=0"`
	BaseBackoff    Duration `toml:"base_backoff,omitempty" json:"base_backoff,omitempty"`
	MaxBackoff     Duration `toml:"max_backoff,omitempty" json:"max_backoff,omitempty"`
	StallThreshold int      `toml:"stall_threshold,omitempty" json:"stall_threshold,omitempty" jsonschema:"minimum=0"`
	MaxAttempts    int      `toml:"max_attempts,omitempty" json:"max_attempts,omitempty" jsonschema:"minimum=0,description=0 retries forever"`
}

// WatchRootConfig is one synchronized directory.
type WatchRootConfig struct {
	Path string `toml:"path" json:"path" jsonschema:"required"`
	Cell int64  `toml:"cell,omitempty" json:"cell,omitempty" jsonschema:"description=Server cell the directory maps to; 0 is the top level"`
}

// FilesystemConfig holds filesystem-related settings.
type FilesystemConfig struct {
	Ignore []string `toml:"ignore" json:"ignore" jsonschema:"description=gitignore-style patterns excluded from sync"`
}

// DashboardConfig controls the local status server.
type DashboardConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled"`
	Listen  string `toml:"listen,omitempty" json:"listen,omitempty" jsonschema:"description=host:port of the status server"`
}

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// JSONSchema implements jsonschema.JSONSchemer.
func (Duration) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:        "string",
		Pattern:     `^([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`,
		Description: "Go duration, e.g. 500ms or 5m",
	}
}

// DefaultDashboardListen is the dashboard address unless configured.
const DefaultDashboardListen = "127.0.0.1:7312"

// NewConfig creates a Config with defaults rooted at baseDir.
func NewConfig(baseDir string) *Config {
	return &Config{
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Remote: RemoteConfig{
			Type:        "http",
			CallTimeout: Duration(30 * time.Second),
		},
		Credentials: CredentialsConfig{
			Type:         "age",
			Path:         filepath.Join(baseDir, "credentials.age"),
			IdentityPath: filepath.Join(baseDir, "keys", "melissi.key"),
		},
		Database: DatabaseConfig{
			Type:    "sqlite",
			DataDir: baseDir,
		},
		Filesystem: FilesystemConfig{
			Ignore: []string{".git/", "*.swp", "*~", ".DS_Store"},
		},
		Dashboard: DashboardConfig{
			Enabled: true,
			Listen:  DefaultDashboardListen,
		},
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Write to a sibling and rename so a crash never leaves half a config.
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing config file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing config file: %w", err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}

// Update reads the config at path, applies fn and writes it back.
func Update(path string, fn func(cfg *Config) error) error {
	cfg, err := ReadFromFile(path)
	if err != nil {
		return err
	}
	if err := fn(cfg); err != nil {
		return err
	}
	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("updating config: %w", err)
	}
	return nil
}

// AddWatchRoot appends a watch root unless its path is already listed.
// It reports whether the config changed.
func (c *Config) AddWatchRoot(path string, cell int64) bool {
	for _, w := range c.WatchRoots {
		if w.Path == path {
			return false
		}
	}
	c.WatchRoots = append(c.WatchRoots, WatchRootConfig{Path: path, Cell: cell})
	return true
}

// Schema returns the JSON Schema of the config file.
func Schema() *jsonschema.Schema {
	r := jsonschema.Reflector{
		FieldNameTag:               "toml",
		RequiredFromJSONSchemaTags: true,
	}
	schema := r.Reflect(&Config{})
	schema.Title = "melissi configuration"
	schema.Description = "Configuration schema for melissi.toml"
	schema.ID = ""
	return schema
}
