// Package config loads client and server settings. Values come from an
// optional YAML file, then UPFLUX_* environment variables, then flags;
// later sources win.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sheerbytes/upflux/pkg/bytesize"
)

const envPrefix = "UPFLUX_"

// Transports accepted by ClientConfig.Transport.
const (
	TransportHTTP = "http"
	TransportWS   = "ws"
	TransportQUIC = "quic"
	TransportS3   = "s3"
	TransportMem  = "mem"
)

// ServerConfig holds configuration for the sink binary.
type ServerConfig struct {
	Addr     string `yaml:"addr"`
	QUICAddr string `yaml:"quic_addr"`
	OutDir   string `yaml:"out_dir"`
	LogLevel string `yaml:"log_level"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// S3Config selects the bucket for the s3 transport.
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	PathStyle bool   `yaml:"path_style"`
}

// ClientConfig holds configuration for the upload CLI.
type ClientConfig struct {
	URL             string        `yaml:"url"`
	ChunkURL        string        `yaml:"chunk_url"`
	Transport       string        `yaml:"transport"`
	Threads         int           `yaml:"threads"`
	Chunked         bool          `yaml:"chunked"`
	ChunkSize       bytesize.Size `yaml:"chunk_size"`
	ChunkThreshold  bytesize.Size `yaml:"chunk_threshold"` // 0 chunks every non-empty file
	RetryCount      int           `yaml:"retry_count"`
	ChunkRetryCount int           `yaml:"chunk_retry_count"`
	Digest          bool          `yaml:"digest"`
	MaxSize         bytesize.Size `yaml:"max_size"`
	MaxCount        int           `yaml:"max_count"`
	RateLimit       bytesize.Rate `yaml:"rate_limit"`
	Insecure        bool          `yaml:"insecure"`
	S3              S3Config      `yaml:"s3"`
	MetricsAddr     string        `yaml:"metrics_addr"`
	LogLevel        string        `yaml:"log_level"`

	// Paths are the positional arguments.
	Paths []string `yaml:"-"`
}

// DefaultServerConfig returns the server defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:     ":8080",
		QUICAddr: "",
		OutDir:   "uploads",
		LogLevel: "info",
	}
}

// DefaultClientConfig returns the client defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Transport:       TransportHTTP,
		Threads:         3,
		ChunkSize:       bytesize.Size(4 * bytesize.MB),
		RetryCount:      2,
		ChunkRetryCount: 2,
		LogLevel:        "warn",
	}
}

// ParseServerConfig parses server configuration from the command line.
func ParseServerConfig() (ServerConfig, error) {
	return parseServerConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parseServerConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseServerConfigWithFlagSet(fs *flag.FlagSet, args []string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	path := configPath(args)
	if err := loadFile(path, &cfg); err != nil {
		return cfg, err
	}

	envString(&cfg.Addr, "ADDR")
	envString(&cfg.QUICAddr, "QUIC_ADDR")
	envString(&cfg.OutDir, "OUT_DIR")
	envString(&cfg.LogLevel, "LOG_LEVEL")
	envString(&cfg.CertFile, "CERT_FILE")
	envString(&cfg.KeyFile, "KEY_FILE")

	fs.String("config", path, "YAML config file")
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP and WebSocket listen address")
	fs.StringVar(&cfg.QUICAddr, "quic-addr", cfg.QUICAddr, "QUIC listen address (empty disables QUIC)")
	fs.StringVar(&cfg.OutDir, "out-dir", cfg.OutDir, "directory receiving uploaded files")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.CertFile, "cert", cfg.CertFile, "TLS certificate for QUIC (self-signed when empty)")
	fs.StringVar(&cfg.KeyFile, "key", cfg.KeyFile, "TLS key for QUIC")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Validate rejects unusable server settings.
func (c ServerConfig) Validate() error {
	if c.Addr == "" {
		return errors.New("addr is required")
	}
	if c.OutDir == "" {
		return errors.New("out-dir is required")
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errors.New("cert and key must be set together")
	}
	return nil
}

// ParseClientConfig parses client configuration from the command line.
func ParseClientConfig() (ClientConfig, error) {
	return parseClientConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parseClientConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseClientConfigWithFlagSet(fs *flag.FlagSet, args []string) (ClientConfig, error) {
	cfg := DefaultClientConfig()
	path := configPath(args)
	if err := loadFile(path, &cfg); err != nil {
		return cfg, err
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}

	fs.String("config", path, "YAML config file")
	fs.StringVar(&cfg.URL, "url", cfg.URL, "upload URL (http://, ws://, quic://)")
	fs.StringVar(&cfg.ChunkURL, "chunk-url", cfg.ChunkURL, "upload URL for chunks (default: url)")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "transport: http, ws, quic, s3 or mem")
	fs.IntVar(&cfg.Threads, "threads", cfg.Threads, "concurrent uploads")
	fs.BoolVar(&cfg.Chunked, "chunked", cfg.Chunked, "split large files into chunks")
	fs.Var(&cfg.ChunkSize, "chunk-size", "chunk size, e.g. 4MB")
	fs.Var(&cfg.ChunkThreshold, "chunk-threshold", "only chunk files larger than this")
	fs.IntVar(&cfg.RetryCount, "retry-count", cfg.RetryCount, "retries per file")
	fs.IntVar(&cfg.ChunkRetryCount, "chunk-retry-count", cfg.ChunkRetryCount, "retries per chunk")
	fs.BoolVar(&cfg.Digest, "digest", cfg.Digest, "send an MD5 digest with every unit")
	fs.Var(&cfg.MaxSize, "max-size", "reject files larger than this (0: no limit)")
	fs.IntVar(&cfg.MaxCount, "max-count", cfg.MaxCount, "upload at most this many files (0: no limit)")
	fs.Var(&cfg.RateLimit, "rate-limit", "bandwidth cap for http, e.g. 10mbps (0: unlimited)")
	fs.BoolVar(&cfg.Insecure, "insecure", cfg.Insecure, "skip TLS verification for quic")
	fs.StringVar(&cfg.S3.Bucket, "s3-bucket", cfg.S3.Bucket, "S3 bucket")
	fs.StringVar(&cfg.S3.Prefix, "s3-prefix", cfg.S3.Prefix, "S3 key prefix")
	fs.StringVar(&cfg.S3.Region, "s3-region", cfg.S3.Region, "S3 region")
	fs.StringVar(&cfg.S3.Endpoint, "s3-endpoint", cfg.S3.Endpoint, "S3-compatible endpoint URL")
	fs.BoolVar(&cfg.S3.PathStyle, "s3-path-style", cfg.S3.PathStyle, "use path-style S3 addressing")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "serve Prometheus metrics on this address")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	cfg.Paths = fs.Args()
	return cfg, cfg.Validate()
}

func (c *ClientConfig) applyEnv() error {
	envString(&c.URL, "URL")
	envString(&c.ChunkURL, "CHUNK_URL")
	envString(&c.Transport, "TRANSPORT")
	envString(&c.S3.Bucket, "S3_BUCKET")
	envString(&c.S3.Prefix, "S3_PREFIX")
	envString(&c.S3.Region, "S3_REGION")
	envString(&c.S3.Endpoint, "S3_ENDPOINT")
	envString(&c.S3.AccessKey, "S3_ACCESS_KEY")
	envString(&c.S3.SecretKey, "S3_SECRET_KEY")
	envString(&c.MetricsAddr, "METRICS_ADDR")
	envString(&c.LogLevel, "LOG_LEVEL")

	var errs []error
	errs = append(errs,
		envInt(&c.Threads, "THREADS"),
		envInt(&c.RetryCount, "RETRY_COUNT"),
		envInt(&c.ChunkRetryCount, "CHUNK_RETRY_COUNT"),
		envInt(&c.MaxCount, "MAX_COUNT"),
		envBool(&c.Chunked, "CHUNKED"),
		envBool(&c.Digest, "DIGEST"),
		envBool(&c.Insecure, "INSECURE"),
		envBool(&c.S3.PathStyle, "S3_PATH_STYLE"),
		envValue(&c.ChunkSize, "CHUNK_SIZE"),
		envValue(&c.ChunkThreshold, "CHUNK_THRESHOLD"),
		envValue(&c.MaxSize, "MAX_SIZE"),
		envValue(&c.RateLimit, "RATE_LIMIT"),
	)
	return errors.Join(errs...)
}

// Validate rejects unusable client settings.
func (c ClientConfig) Validate() error {
	switch c.Transport {
	case TransportHTTP, TransportWS, TransportQUIC:
		if c.URL == "" {
			return fmt.Errorf("url is required for the %s transport", c.Transport)
		}
	case TransportS3:
		if c.S3.Bucket == "" {
			return errors.New("s3-bucket is required for the s3 transport")
		}
	case TransportMem:
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	if c.Threads < 1 {
		return fmt.Errorf("threads must be at least 1, got %d", c.Threads)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk-size must be positive, got %d", c.ChunkSize)
	}
	if c.RetryCount < 0 || c.ChunkRetryCount < 0 {
		return errors.New("retry counts must not be negative")
	}
	if c.MaxCount < 0 {
		return errors.New("max-count must not be negative")
	}
	return nil
}

// configPath finds -config/--config in args before flags are parsed, so the
// file can seed the flag defaults. UPFLUX_CONFIG is the fallback.
func configPath(args []string) string {
	for i, a := range args {
		if a == "--" {
			break
		}
		name, value, hasValue := strings.Cut(strings.TrimLeft(a, "-"), "=")
		if !strings.HasPrefix(a, "-") || name != "config" {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return os.Getenv(envPrefix + "CONFIG")
}

func loadFile(path string, out any) error {
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func envString(dst *string, key string) {
	if v := os.Getenv(envPrefix + key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) error {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", envPrefix, key, err)
	}
	*dst = n
	return nil
}

func envBool(dst *bool, key string) error {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", envPrefix, key, err)
	}
	*dst = b
	return nil
}

func envValue(dst flag.Value, key string) error {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return nil
	}
	if err := dst.Set(v); err != nil {
		return fmt.Errorf("%s%s: %w", envPrefix, key, err)
	}
	return nil
}
