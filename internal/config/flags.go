package config

import (
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/dmitrijs2005/notesync/internal/flagx"
)

// parseFlags overlays cfg with command-line flags:
//
//	-d string   sqlite data file
//	-p string   connectivity probe URL
//	-i int      probe interval while online, in seconds
//	-o int      probe interval while offline, in seconds
//	-r int      retries per remote call
//	-l string   log level
func parseFlags(cfg *Config, args []string) error {
	args = flagx.FilterArgs(args, "-d", "-p", "-i", "-o", "-r", "-l")

	fs := flag.NewFlagSet("notesync", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.DataFile, "d", cfg.DataFile, "sqlite data file")
	fs.StringVar(&cfg.ProbeURL, "p", cfg.ProbeURL, "connectivity probe URL")
	online := fs.Int("i", int(cfg.OnlineCheckInterval.Seconds()), "online probe interval (in seconds)")
	offline := fs.Int("o", int(cfg.OfflineCheckInterval.Seconds()), "offline probe interval (in seconds)")
	fs.IntVar(&cfg.Retry.MaxRetries, "r", cfg.Retry.MaxRetries, "retries per remote call")
	fs.StringVar(&cfg.LogLevel, "l", cfg.LogLevel, "log level")

	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "i":
			cfg.OnlineCheckInterval = time.Duration(*online) * time.Second
		case "o":
			cfg.OfflineCheckInterval = time.Duration(*offline) * time.Second
		}
	})
	return nil
}
