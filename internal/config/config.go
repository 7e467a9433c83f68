package config

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ConnectionConfig represents a pre-configured source connection in the config file.
type ConnectionConfig struct {
	Name     string `mapstructure:"name" yaml:"name"`
	URL      string `mapstructure:"url" yaml:"url"`
	Kind     string `mapstructure:"kind" yaml:"kind"`           // "artifactory" or "nexus"
	AuthType string `mapstructure:"auth_type" yaml:"auth_type"` // "api_token" or "basic_auth"
	Token    string `mapstructure:"token" yaml:"token,omitempty"`
	Username string `mapstructure:"username" yaml:"username,omitempty"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`
	Insecure bool   `mapstructure:"insecure" yaml:"insecure,omitempty"`
}

// SourceConfig tunes calls to source registries.
type SourceConfig struct {
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	TestTimeout time.Duration `mapstructure:"test_timeout" yaml:"test_timeout"`
	Retries     uint64        `mapstructure:"retries" yaml:"retries"`
}

// StreamConfig tunes the progress push channel.
type StreamConfig struct {
	Buffer    int           `mapstructure:"buffer" yaml:"buffer"`
	TicketTTL time.Duration `mapstructure:"ticket_ttl" yaml:"ticket_ttl"`
}

// StorageConfig locates the local registry.
type StorageConfig struct {
	Root string `mapstructure:"root" yaml:"root"`
}

// Config holds all configuration (flags, environment and config file).
type Config struct {
	Listen        string             `mapstructure:"listen" yaml:"listen"`
	Debug         bool               `mapstructure:"debug" yaml:"debug"`
	LogFile       string             `mapstructure:"log_file" yaml:"log_file,omitempty"`
	DataDir       string             `mapstructure:"data_dir" yaml:"data_dir"`
	DBPath        string             `mapstructure:"db_path" yaml:"db_path,omitempty"`
	SecretKeyFile string             `mapstructure:"secret_key_file" yaml:"secret_key_file,omitempty"`
	TicketSecret  string             `mapstructure:"ticket_secret" yaml:"ticket_secret,omitempty"`
	Storage       StorageConfig      `mapstructure:"storage" yaml:"storage"`
	Source        SourceConfig       `mapstructure:"source" yaml:"source"`
	Stream        StreamConfig       `mapstructure:"stream" yaml:"stream"`
	Connections   []ConnectionConfig `mapstructure:"connections" yaml:"connections"`
}

// Default is the configuration used when nothing overrides it.
var Default = Config{
	Listen:  ":8080",
	DataDir: "./data",
	Source: SourceConfig{
		Timeout:     60 * time.Second,
		TestTimeout: 10 * time.Second,
		Retries:     3,
	},
	Stream: StreamConfig{
		Buffer:    256,
		TicketTTL: 30 * time.Second,
	},
}

// Load reads configuration from v. Values come from (highest first) flags bound
// to v, WORKBENCH_* environment variables, the config file at path, and Default.
// A missing config file is not an error unless path was given explicitly.
func Load(v *viper.Viper, path string) (*Config, error) {
	v.SetDefault("listen", Default.Listen)
	v.SetDefault("debug", Default.Debug)
	v.SetDefault("data_dir", Default.DataDir)
	v.SetDefault("source.timeout", Default.Source.Timeout)
	v.SetDefault("source.test_timeout", Default.Source.TestTimeout)
	v.SetDefault("source.retries", Default.Source.Retries)
	v.SetDefault("stream.buffer", Default.Stream.Buffer)
	v.SetDefault("stream.ticket_ttl", Default.Stream.TicketTTL)

	v.SetEnvPrefix("WORKBENCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
	} else {
		v.SetConfigName("workbench")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.applyDerived()
	return &cfg, nil
}

// applyDerived fills paths that default relative to the data directory.
func (c *Config) applyDerived() {
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "workbench.db")
	}
	if c.SecretKeyFile == "" {
		c.SecretKeyFile = filepath.Join(c.DataDir, "secret.key")
	}
	if c.Storage.Root == "" {
		c.Storage.Root = filepath.Join(c.DataDir, "registry")
	}
}

// WriteExample renders the default configuration, with one sample connection,
// as YAML.
func WriteExample(w io.Writer) error {
	example := Default
	example.Connections = []ConnectionConfig{{
		Name:     "artifactory-prod",
		URL:      "https://artifactory.example.com/artifactory",
		Kind:     "artifactory",
		AuthType: "api_token",
		Token:    "changeme",
	}}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(example); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return enc.Close()
}
