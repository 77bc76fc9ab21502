package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dmitrijs2005/notesync/internal/flagx"
)

// Duration accepts either a Go duration string ("30s") or integer
// nanoseconds in JSON.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case float64:
		*d = Duration(time.Duration(x))
	case string:
		parsed, err := time.ParseDuration(x)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %s", b)
	}
	return nil
}

// jsonConfig is the file layout. Absent keys leave the current value alone.
type jsonConfig struct {
	DataFile             *string   `json:"data_file"`
	ProbeURL             *string   `json:"probe_url"`
	OnlineCheckInterval  *Duration `json:"online_check_interval"`
	OfflineCheckInterval *Duration `json:"offline_check_interval"`
	AuthTimeout          *Duration `json:"auth_timeout"`
	Retry                *struct {
		MaxRetries *int      `json:"max_retries"`
		BaseDelay  *Duration `json:"base_delay"`
		MaxDelay   *Duration `json:"max_delay"`
		Multiplier *float64  `json:"multiplier"`
		Jitter     *Duration `json:"jitter"`
	} `json:"retry"`
	ProviderRPS   *float64 `json:"provider_rps"`
	ProviderBurst *int     `json:"provider_burst"`
	S3            *struct {
		Endpoint  *string `json:"endpoint"`
		Region    *string `json:"region"`
		Bucket    *string `json:"bucket"`
		Folder    *string `json:"folder"`
		AccessKey *string `json:"access_key"`
		SecretKey *string `json:"secret_key"`
	} `json:"s3"`
	LogLevel  *string `json:"log_level"`
	LogFormat *string `json:"log_format"`
	LogFile   *string `json:"log_file"`
}

// parseJSON overlays cfg with the file named by -c/-config, if any.
func parseJSON(cfg *Config, args []string) error {
	path := flagx.ConfigPath(args)
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	var jc jsonConfig
	if err := json.Unmarshal(data, &jc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	jc.apply(cfg)
	return nil
}

func (jc *jsonConfig) apply(cfg *Config) {
	set(&cfg.DataFile, jc.DataFile)
	set(&cfg.ProbeURL, jc.ProbeURL)
	setDuration(&cfg.OnlineCheckInterval, jc.OnlineCheckInterval)
	setDuration(&cfg.OfflineCheckInterval, jc.OfflineCheckInterval)
	setDuration(&cfg.AuthTimeout, jc.AuthTimeout)
	if r := jc.Retry; r != nil {
		set(&cfg.Retry.MaxRetries, r.MaxRetries)
		setDuration(&cfg.Retry.BaseDelay, r.BaseDelay)
		setDuration(&cfg.Retry.MaxDelay, r.MaxDelay)
		set(&cfg.Retry.Multiplier, r.Multiplier)
		setDuration(&cfg.Retry.Jitter, r.Jitter)
	}
	set(&cfg.ProviderRPS, jc.ProviderRPS)
	set(&cfg.ProviderBurst, jc.ProviderBurst)
	if s := jc.S3; s != nil {
		set(&cfg.S3.Endpoint, s.Endpoint)
		set(&cfg.S3.Region, s.Region)
		set(&cfg.S3.Bucket, s.Bucket)
		set(&cfg.S3.Folder, s.Folder)
		set(&cfg.S3.AccessKey, s.AccessKey)
		set(&cfg.S3.SecretKey, s.SecretKey)
	}
	set(&cfg.LogLevel, jc.LogLevel)
	set(&cfg.LogFormat, jc.LogFormat)
	set(&cfg.LogFile, jc.LogFile)
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *Duration) {
	if v != nil {
		*dst = time.Duration(*v)
	}
}
