package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const envPrefix = "NOTESYNC_"

// dotenvFile is loaded into the environment if it exists. Variables already
// set take precedence over the file.
var dotenvFile = ".env"

// parseEnv overlays NOTESYNC_* variables on cfg.
func parseEnv(cfg *Config) error {
	if _, err := os.Stat(dotenvFile); err == nil {
		if err := godotenv.Load(dotenvFile); err != nil {
			return fmt.Errorf("load %s: %w", dotenvFile, err)
		}
	}

	e := envReader{}
	e.str("DATA_FILE", &cfg.DataFile)
	e.str("PROBE_URL", &cfg.ProbeURL)
	e.duration("ONLINE_INTERVAL", &cfg.OnlineCheckInterval)
	e.duration("OFFLINE_INTERVAL", &cfg.OfflineCheckInterval)
	e.duration("AUTH_TIMEOUT", &cfg.AuthTimeout)
	e.integer("MAX_RETRIES", &cfg.Retry.MaxRetries)
	e.duration("BASE_DELAY", &cfg.Retry.BaseDelay)
	e.duration("MAX_DELAY", &cfg.Retry.MaxDelay)
	e.float("PROVIDER_RPS", &cfg.ProviderRPS)
	e.integer("PROVIDER_BURST", &cfg.ProviderBurst)
	e.str("S3_ENDPOINT", &cfg.S3.Endpoint)
	e.str("S3_REGION", &cfg.S3.Region)
	e.str("S3_BUCKET", &cfg.S3.Bucket)
	e.str("S3_FOLDER", &cfg.S3.Folder)
	e.str("S3_ACCESS_KEY", &cfg.S3.AccessKey)
	e.str("S3_SECRET_KEY", &cfg.S3.SecretKey)
	e.str("LOG_LEVEL", &cfg.LogLevel)
	e.str("LOG_FORMAT", &cfg.LogFormat)
	e.str("LOG_FILE", &cfg.LogFile)
	return e.err
}

// envReader applies variables that are set and remembers the first
// malformed one.
type envReader struct {
	err error
}

func (e *envReader) lookup(key string) (string, bool) {
	if e.err != nil {
		return "", false
	}
	v, ok := os.LookupEnv(envPrefix + key)
	return v, ok && v != ""
}

func (e *envReader) fail(key, v string, err error) {
	e.err = fmt.Errorf("%s%s=%q: %w", envPrefix, key, v, err)
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) integer(key string, dst *int) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = n
}

func (e *envReader) float(key string, dst *float64) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = f
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = d
}
