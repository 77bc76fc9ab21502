// Package config assembles runtime settings for the notesync CLI.
//
// Sources are applied in order, each overriding the previous one:
// built-in defaults, NOTESYNC_* environment variables (optionally from a
// .env file), a JSON file named by -c/-config, and command-line flags.
package config

import (
	"fmt"
	"time"

	"github.com/dmitrijs2005/notesync/internal/faults"
	"github.com/go-playground/validator/v10"
)

// S3 configures the S3-compatible provider. It is registered only when
// Bucket is set.
type S3 struct {
	Endpoint  string
	Region    string `validate:"required_with=Bucket"`
	Bucket    string
	Folder    string
	AccessKey string
	SecretKey string
}

func (s S3) Enabled() bool { return s.Bucket != "" }

type Retry struct {
	MaxRetries int           `validate:"gte=0,lte=10"`
	BaseDelay  time.Duration `validate:"gt=0"`
	MaxDelay   time.Duration `validate:"gtefield=BaseDelay"`
	Multiplier float64       `validate:"gte=1"`
	Jitter     time.Duration `validate:"gte=0"`
}

type Config struct {
	// DataFile is the sqlite database holding metadata, credentials and the
	// offline journal.
	DataFile string `validate:"required"`
	// ProbeURL is requested to decide connectivity; empty disables probing.
	ProbeURL             string        `validate:"omitempty,url"`
	OnlineCheckInterval  time.Duration `validate:"gt=0"`
	OfflineCheckInterval time.Duration `validate:"gt=0"`
	AuthTimeout          time.Duration `validate:"gt=0"`
	Retry                Retry
	ProviderRPS          float64 `validate:"gte=0"`
	ProviderBurst        int     `validate:"gte=1"`
	S3                   S3
	LogLevel             string `validate:"oneof=debug info warn warning error"`
	LogFormat            string `validate:"oneof=text json"`
	LogFile              string
}

// LoadDefaults populates c with built-in values.
func (c *Config) LoadDefaults() {
	p := faults.DefaultPolicy()
	c.DataFile = "notesync.db"
	c.ProbeURL = ""
	c.OnlineCheckInterval = 30 * time.Second
	c.OfflineCheckInterval = 10 * time.Second
	c.AuthTimeout = 2 * time.Minute
	c.Retry = Retry{
		MaxRetries: p.MaxRetries,
		BaseDelay:  p.BaseDelay,
		MaxDelay:   p.MaxDelay,
		Multiplier: p.BackoffMultiplier,
		Jitter:     p.MaxJitter,
	}
	c.ProviderRPS = 5
	c.ProviderBurst = 10
	c.S3 = S3{Region: "us-east-1", Folder: "notesync"}
	c.LogLevel = "info"
	c.LogFormat = "text"
	c.LogFile = ""
}

// Policy converts the retry settings for faults.Executor.
func (c *Config) Policy() faults.Policy {
	return faults.Policy{
		MaxRetries:        c.Retry.MaxRetries,
		BaseDelay:         c.Retry.BaseDelay,
		MaxDelay:          c.Retry.MaxDelay,
		BackoffMultiplier: c.Retry.Multiplier,
		MaxJitter:         c.Retry.Jitter,
	}
}

// Validate reports the first setting that is out of range.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Load builds a Config from every source; args excludes the program name.
func Load(args []string) (*Config, error) {
	cfg := &Config{}
	cfg.LoadDefaults()

	if err := parseEnv(cfg); err != nil {
		return nil, err
	}
	if err := parseJSON(cfg, args); err != nil {
		return nil, err
	}
	if err := parseFlags(cfg, args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
