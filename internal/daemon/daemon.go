// Package daemon wires the control loop, the IPC server and the optional
// metrics exporter into one process lifetime.
package daemon

import (
	"context"
	"syscall"
	"time"

	"codeberg.org/mutker/nvfanctl/internal/config"
	"codeberg.org/mutker/nvfanctl/internal/control"
	"codeberg.org/mutker/nvfanctl/internal/errors"
	"codeberg.org/mutker/nvfanctl/internal/gpu"
	"codeberg.org/mutker/nvfanctl/internal/ipc"
	"codeberg.org/mutker/nvfanctl/internal/journal"
	"codeberg.org/mutker/nvfanctl/internal/logger"
	"codeberg.org/mutker/nvfanctl/internal/metrics"
	"codeberg.org/mutker/nvfanctl/internal/state"
	"github.com/oklog/run"
)

const stopTimeout = 5 * time.Second

type Daemon struct {
	cfg      *config.Config
	store    *state.Store
	loop     *control.Loop
	server   *ipc.Server
	exporter *metrics.Exporter
	journal  journal.Journal
	logger   logger.Logger
}

// New builds every component for device. Nothing is started and the device
// is not touched until Run.
func New(cfg *config.Config, device gpu.Device) (*Daemon, error) {
	log := logger.New("daemon")

	c, err := cfg.FanCurve()
	if err != nil {
		return nil, err
	}

	store := state.NewStore(device.Info(), c.Points())

	loop, err := control.New(device, c, store, control.Options{
		Interval:   cfg.Interval,
		Hysteresis: cfg.HysteresisSettings(),
		IOTimeout:  cfg.IOTimeout,
		Window:     cfg.TemperatureWindow,
		Logger:     log.With("control"),
	})
	if err != nil {
		return nil, err
	}

	j, err := journal.New(journal.Config{
		Enabled: cfg.Journal.Enabled,
		DBPath:  cfg.Journal.DBPath,
	}, log.With("journal"))
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:     cfg,
		store:   store,
		loop:    loop,
		journal: j,
		logger:  log,
	}

	serverCfg := ipc.ServerConfig{
		SocketPath: cfg.Socket,
		Journal:    ipcJournal{j},
		Logger:     log.With("ipc"),
	}
	if cfg.Metrics.Enabled {
		registry := metrics.NewRegistry(metrics.NewCollector(store))
		serverCfg.Registerer = registry
		d.exporter = metrics.NewExporter(cfg.Metrics.Listen, registry, log.With("metrics"))
	}
	d.server = ipc.NewServer(serverCfg, store)

	return d, nil
}

// Store exposes the shared state, mainly for tests.
func (d *Daemon) Store() *state.Store {
	return d.store
}

// Run serves until ctx is cancelled, a termination signal arrives or a
// client requests shutdown. The fans are handed back to the driver before
// Run returns.
func (d *Daemon) Run(ctx context.Context) error {
	defer func() {
		if err := d.journal.Close(); err != nil {
			d.logger.ErrorWithCode(err).Msg("Failed to close journal")
		}
	}()

	if err := d.server.Listen(); err != nil {
		return err
	}

	var g run.Group
	{
		// === control loop
		loopCtx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			err := d.loop.Run(loopCtx)
			d.logger.Info().Msg("Control loop stopped")
			return err
		}, func(error) {
			cancel()
		})
	}
	{
		// === IPC server
		g.Add(func() error {
			return d.server.Serve()
		}, func(error) {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			if err := d.server.Shutdown(shutdownCtx); err != nil {
				d.logger.ErrorWithCode(err).Msg("Error stopping IPC server")
			}
		})
	}
	{
		// === shutdown requested by a client
		stop := make(chan struct{})
		g.Add(func() error {
			select {
			case <-d.server.ShutdownRequested():
				d.logger.Info().Msg("Shutdown requested by client, exiting...")
			case <-stop:
			}
			return nil
		}, func(error) {
			close(stop)
		})
	}
	if d.exporter != nil {
		// === Prometheus exporter
		g.Add(func() error {
			return d.exporter.Run()
		}, func(error) {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			if err := d.exporter.Shutdown(shutdownCtx); err != nil {
				d.logger.Warn().Err(err).Msg("Error stopping metrics server")
			}
		})
	}
	{
		// === signals and parent context
		g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))
	}

	err := g.Run()

	var sigErr run.SignalError
	switch {
	case err == nil:
	case errors.As(err, &sigErr):
		d.logger.Info().Str("signal", sigErr.Signal.String()).Msg("Received termination signal, exiting...")
		err = nil
	case errors.Is(err, context.Canceled):
		err = nil
	}

	return err
}
