// Package config loads daemon configuration from a JSON file and the
// environment. Precedence: built-in defaults, then file, then environment.
package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/containerd/errdefs"
	"github.com/pkg/errors"
)

// Workers sets the consumer pool size per queue. Zero means the default.
type Workers struct {
	Scan       int `json:"scan,omitempty"`
	Thumbnail  int `json:"thumbnail,omitempty"`
	Cache      int `json:"cache,omitempty"`
	Processing int `json:"processing,omitempty"`
	Bulk       int `json:"bulk,omitempty"`
	Creation   int `json:"creation,omitempty"`
}

// Derivation holds the defaults applied where collection settings are
// silent.
type Derivation struct {
	ThumbnailWidth  int  `json:"thumbnailWidth,omitempty"`
	ThumbnailHeight int  `json:"thumbnailHeight,omitempty"`
	CacheWidth      int  `json:"cacheWidth,omitempty"`
	CacheHeight     int  `json:"cacheHeight,omitempty"`
	Quality         int  `json:"quality,omitempty"`
	AutoCache       bool `json:"autoCache"`
}

// Queue tunes the bus topology and redelivery policy.
type Queue struct {
	MaxLength       int64 `json:"maxLength,omitempty"`
	MessageTTLHours int   `json:"messageTtlHours,omitempty"`
	MaxDeliveries   int   `json:"maxDeliveries,omitempty"`
	SoftDeadlineSec int   `json:"softDeadlineSec,omitempty"`
}

// Auth is passed through to the external API layer; the daemon itself
// does not verify tokens.
type Auth struct {
	JWTKey      string `json:"jwtKey,omitempty"`
	JWTIssuer   string `json:"jwtIssuer,omitempty"`
	JWTAudience string `json:"jwtAudience,omitempty"`
}

// Config is the full daemon configuration.
type Config struct {
	ListenAddr string `json:"listenAddr,omitempty"`
	CatalogURL string `json:"catalogUrl,omitempty"`
	CatalogDB  string `json:"catalogDb,omitempty"`
	BusURL     string `json:"busUrl,omitempty"`

	Workers    Workers    `json:"workers,omitempty"`
	Derivation Derivation `json:"derivation,omitempty"`
	Queue      Queue      `json:"queue,omitempty"`
	Auth       Auth       `json:"auth,omitempty"`

	EvictionRecentWindowMin int `json:"evictionRecentWindowMin,omitempty"`
	OrphanGraceHours        int `json:"orphanGraceHours,omitempty"`
}

// New returns the built-in defaults.
func New() *Config {
	return &Config{
		ListenAddr: "127.0.0.1:8425",
		CatalogDB:  "imagevault",
		Workers: Workers{
			Scan:       2,
			Thumbnail:  4,
			Cache:      2,
			Processing: 2,
			Bulk:       1,
			Creation:   1,
		},
		Derivation: Derivation{
			ThumbnailWidth:  300,
			ThumbnailHeight: 300,
			CacheWidth:      1920,
			CacheHeight:     1080,
			Quality:         85,
			AutoCache:       true,
		},
		Queue: Queue{
			MaxLength:       100000,
			MessageTTLHours: 24,
			MaxDeliveries:   3,
			SoftDeadlineSec: 60,
		},
		EvictionRecentWindowMin: 10,
		OrphanGraceHours:        24,
	}
}

// Load reads defaults, merges the optional file, then the environment.
func Load(path string) (*Config, error) {
	cfg := New()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "reading config %s", path)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(errdefs.ErrInvalidArgument, "parsing config %s: %v", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("CATALOG_URL"); v != "" {
		c.CatalogURL = v
	}
	if v := os.Getenv("BUS_URL"); v != "" {
		c.BusURL = v
	}
	if v := os.Getenv("IMAGEVAULT_LISTEN"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("IMAGEVAULT_DB"); v != "" {
		c.CatalogDB = v
	}
	if v := os.Getenv("JWT_KEY"); v != "" {
		c.Auth.JWTKey = v
	}
	if v := os.Getenv("JWT_ISSUER"); v != "" {
		c.Auth.JWTIssuer = v
	}
	if v := os.Getenv("JWT_AUDIENCE"); v != "" {
		c.Auth.JWTAudience = v
	}
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	if c.CatalogURL == "" {
		return errors.Wrap(errdefs.ErrInvalidArgument, "catalog URL not configured (set catalogUrl or CATALOG_URL)")
	}
	if c.BusURL == "" {
		return errors.Wrap(errdefs.ErrInvalidArgument, "bus URL not configured (set busUrl or BUS_URL)")
	}
	if c.Derivation.Quality < 1 || c.Derivation.Quality > 100 {
		return errors.Wrapf(errdefs.ErrInvalidArgument, "quality %d out of range 1..100", c.Derivation.Quality)
	}
	return nil
}

// SoftDeadline returns the per-message handler deadline.
func (c *Config) SoftDeadline() time.Duration {
	return time.Duration(c.Queue.SoftDeadlineSec) * time.Second
}

// MessageTTL returns the queue-level message expiry.
func (c *Config) MessageTTL() time.Duration {
	return time.Duration(c.Queue.MessageTTLHours) * time.Hour
}
