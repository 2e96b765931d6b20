// Package config loads the JSONC configuration of the block cache.
package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	impl "github.com/SchnorcherSepp/blockcache/defaultimpl"
	"github.com/SchnorcherSepp/blockcache/httpsource"
	interf "github.com/SchnorcherSepp/blockcache/interfaces"
	"github.com/SchnorcherSepp/blockcache/miniosource"
	"github.com/SchnorcherSepp/blockcache/s3source"
	"github.com/pkg/errors"
	"github.com/tailscale/hujson"
)

// ErrInvalid is returned for config files that can't be parsed or hold invalid values.
var ErrInvalid = errors.New("invalid config")

// block size limits of the cache file format
const (
	minBlockSize = 512
	maxBlockSize = 16 * 1024 * 1024
)

// FileName is the default config file name inside the user config dir.
const FileName = "blockcache.json"

// Config holds all configuration options.
type Config struct {
	CacheDir        string `json:"cache_dir"`
	BlockSize       uint32 `json:"block_size"`
	MaxSlots        uint32 `json:"max_slots"`
	MinSlots        uint32 `json:"min_slots"`
	SafetyFreeBytes int64  `json:"safety_free_bytes"`
	MemoryTierMB    int    `json:"memory_tier_mb"`
	DebugLevel      uint8  `json:"debug_level"`
	RateLimitBytes  int64  `json:"rate_limit_bytes"` // 0 = unlimited

	S3     S3     `json:"s3"`
	Minio  Minio  `json:"minio"`
	GDrive GDrive `json:"gdrive"`
	HTTP   HTTP   `json:"http"`
}

type S3 struct {
	Region          string `json:"region"`
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	PathStyle       bool   `json:"path_style"`
}

type Minio struct {
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	Secure          bool   `json:"secure"`
}

type GDrive struct {
	ClientCredentials string `json:"client_credentials"`
	TokenFile         string `json:"token_file"`
}

type HTTP struct {
	Retries        int `json:"retries"`
	TimeoutSeconds int `json:"timeout_seconds"`
}

// Default returns the default configuration.
func Default() Config {
	cacheDir := filepath.Join(os.TempDir(), "blockcache")
	if dir, err := os.UserCacheDir(); err == nil {
		cacheDir = filepath.Join(dir, "blockcache")
	}

	return Config{
		CacheDir:        cacheDir,
		BlockSize:       interf.DefaultBlockSize,
		MaxSlots:        interf.MaxSlots,
		MinSlots:        interf.MinSlots,
		SafetyFreeBytes: interf.SafetyFreeBytes,
		DebugLevel:      impl.DebugOff,
		S3:              S3{PathStyle: true},
		Minio:           Minio{Secure: true},
		HTTP: HTTP{
			Retries:        3,
			TimeoutSeconds: 60,
		},
	}
}

// DefaultPath returns <user config dir>/blockcache/blockcache.json or "" if there is no user config dir.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "blockcache", FileName)
}

// Load reads a config file on top of the defaults.
// A missing file is only an error if mustExist is set.
func Load(path string, mustExist bool) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) && !mustExist {
		return cfg, nil
	}
	if err != nil {
		return Config{}, errors.Wrap(err, "read config")
	}

	if err := Parse(data, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

// Parse decodes JSONC data into cfg. Fields missing in data keep their value.
func Parse(data []byte, cfg *Config) error {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return errors.Wrapf(ErrInvalid, "JSONC: %v", err)
	}

	dec := json.NewDecoder(bytes.NewReader(standardized))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return errors.Wrapf(ErrInvalid, "JSON: %v", err)
	}

	return cfg.Validate()
}

// Validate checks the value ranges.
func (c Config) Validate() error {
	switch {
	case c.CacheDir == "":
		return errors.Wrap(ErrInvalid, "cache_dir is empty")
	case c.BlockSize == 0 || c.BlockSize&(c.BlockSize-1) != 0:
		return errors.Wrapf(ErrInvalid, "block_size %d is not a power of two", c.BlockSize)
	case c.BlockSize < minBlockSize || c.BlockSize > maxBlockSize:
		return errors.Wrapf(ErrInvalid, "block_size %d is not in [%d, %d]", c.BlockSize, minBlockSize, maxBlockSize)
	case c.MaxSlots == 0:
		return errors.Wrap(ErrInvalid, "max_slots is 0")
	case c.MinSlots > c.MaxSlots:
		return errors.Wrapf(ErrInvalid, "min_slots %d > max_slots %d", c.MinSlots, c.MaxSlots)
	case c.SafetyFreeBytes < 0:
		return errors.Wrap(ErrInvalid, "safety_free_bytes is negative")
	case c.MemoryTierMB < 0:
		return errors.Wrap(ErrInvalid, "memory_tier_mb is negative")
	case c.DebugLevel > impl.DebugHigh:
		return errors.Wrapf(ErrInvalid, "debug_level %d > %d", c.DebugLevel, impl.DebugHigh)
	case c.RateLimitBytes < 0:
		return errors.Wrap(ErrInvalid, "rate_limit_bytes is negative")
	case c.HTTP.Retries < 0 || c.HTTP.TimeoutSeconds < 0:
		return errors.Wrap(ErrInvalid, "http retries or timeout is negative")
	}
	return nil
}

// RegistryOptions maps the config onto the options of the cache registry.
func (c Config) RegistryOptions() impl.Options {
	return impl.Options{
		Dir:             c.CacheDir,
		BlockSize:       c.BlockSize,
		MaxSlots:        c.MaxSlots,
		MinSlots:        c.MinSlots,
		SafetyFreeBytes: c.SafetyFreeBytes,
		MemoryTierMB:    c.MemoryTierMB,
	}
}

func (c Config) S3Config() s3source.Config {
	return s3source.Config{
		Region:          c.S3.Region,
		Endpoint:        c.S3.Endpoint,
		AccessKeyID:     c.S3.AccessKeyID,
		SecretAccessKey: c.S3.SecretAccessKey,
		PathStyle:       c.S3.PathStyle,
	}
}

func (c Config) MinioConfig() miniosource.Config {
	return miniosource.Config{
		Endpoint:        c.Minio.Endpoint,
		AccessKeyID:     c.Minio.AccessKeyID,
		SecretAccessKey: c.Minio.SecretAccessKey,
		Secure:          c.Minio.Secure,
	}
}

func (c Config) HTTPOptions() httpsource.Options {
	return httpsource.Options{
		Retries: c.HTTP.Retries,
		Timeout: time.Duration(c.HTTP.TimeoutSeconds) * time.Second,
	}
}
