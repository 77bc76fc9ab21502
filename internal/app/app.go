// Package app wires the notesync components from a Config and runs the
// interactive shell until the user exits or the process is signalled.
package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/dmitrijs2005/notesync/internal/cli"
	"github.com/dmitrijs2005/notesync/internal/cloud"
	"github.com/dmitrijs2005/notesync/internal/cloud/memory"
	"github.com/dmitrijs2005/notesync/internal/cloud/s3store"
	"github.com/dmitrijs2005/notesync/internal/config"
	"github.com/dmitrijs2005/notesync/internal/faults"
	"github.com/dmitrijs2005/notesync/internal/filesync"
	"github.com/dmitrijs2005/notesync/internal/filex"
	"github.com/dmitrijs2005/notesync/internal/logging"
	"github.com/dmitrijs2005/notesync/internal/metadata"
	"github.com/dmitrijs2005/notesync/internal/offline"
	"github.com/dmitrijs2005/notesync/internal/orchestrator"
	"github.com/dmitrijs2005/notesync/internal/storage"
	"github.com/dmitrijs2005/notesync/internal/vault"
)

// MemoryProviderName is the always-available in-process provider.
const MemoryProviderName = "memory"

type App struct {
	config *config.Config
	logger logging.Logger
	store  *storage.SQLite
	gate   *offline.Gate
	notes  *orchestrator.Orchestrator
	shell  *cli.App
}

// Streams overrides the shell's input and output; nil fields mean stdio.
type Streams struct {
	In  io.Reader
	Out io.Writer
}

func NewApp(ctx context.Context, c *config.Config, s Streams) (*App, error) {
	for _, f := range []string{c.DataFile, c.LogFile} {
		if _, err := filex.EnsureParentDir(f); err != nil {
			return nil, fmt.Errorf("prepare %s: %w", f, err)
		}
	}
	logger := logging.New(logging.Options{Level: c.LogLevel, Format: c.LogFormat, File: c.LogFile})

	store, err := storage.OpenSQLite(ctx, c.DataFile)
	if err != nil {
		return nil, fmt.Errorf("storage init error: %w", err)
	}

	v, err := vault.New(ctx, store, vault.WithLogger(logger))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("vault init error: %w", err)
	}

	registry := cloud.NewRegistry(memory.New(MemoryProviderName, v, memory.WithDisplay("In-memory (demo)", "🧪")))
	if c.S3.Enabled() {
		registry.Register(s3store.New(s3store.Config{
			Endpoint:  c.S3.Endpoint,
			Region:    c.S3.Region,
			Bucket:    c.S3.Bucket,
			Folder:    c.S3.Folder,
			AccessKey: c.S3.AccessKey,
			SecretKey: c.S3.SecretKey,
		}, v))
	}

	var prober offline.Prober
	if c.ProbeURL != "" {
		prober = offline.NewHTTPProber(c.ProbeURL)
	}
	gate := offline.New(offline.Options{
		Prober:          prober,
		OnlineInterval:  c.OnlineCheckInterval,
		OfflineInterval: c.OfflineCheckInterval,
		Logger:          logger,
	})

	exec := faults.NewExecutor(c.Policy(), logger)
	notes := orchestrator.New(orchestrator.Options{
		Registry: registry,
		Metadata: metadata.NewStore(store, logger),
		Files: filesync.New(filesync.Options{
			Executor: exec,
			Logger:   logger,
			RPS:      c.ProviderRPS,
			Burst:    c.ProviderBurst,
		}),
		Gate:        gate,
		KV:          store,
		Executor:    exec,
		Logger:      logger,
		AuthTimeout: c.AuthTimeout,
	})

	shell := cli.NewApp(cli.Options{
		Notes:   notes,
		Secrets: v,
		Gate:    gate,
		Logger:  logger,
		In:      s.In,
		Out:     s.Out,
	})

	return &App{config: c, logger: logger, store: store, gate: gate, notes: notes, shell: shell}, nil
}

func (a *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	// A second signal falls through to the default handler.
	go func() {
		<-sigs
		signal.Stop(sigs)
		cancelFunc()
	}()
}

// Run blocks until the shell returns, then stops the probe loop, lets
// queued operations finish and closes the database.
func (a *App) Run(ctx context.Context) {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	a.logger.Info(ctx, "Starting notesync...", "data_file", a.config.DataFile)
	a.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup
	if a.config.ProbeURL != "" {
		a.gate.Check(ctx)
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.gate.Run(ctx)
		}()
	}

	a.shell.Run(ctx)

	cancelFunc()
	wg.Wait()
	a.gate.Wait()

	if err := a.store.Close(); err != nil {
		a.logger.Error(ctx, "close storage", "error", err)
	}
}
