package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nspcc-dev/rpcnode/cli/options"
	"github.com/nspcc-dev/rpcnode/pkg/config"
	"github.com/nspcc-dev/rpcnode/pkg/connmgr"
	"github.com/nspcc-dev/rpcnode/pkg/core"
	"github.com/nspcc-dev/rpcnode/pkg/core/storage"
	"github.com/nspcc-dev/rpcnode/pkg/core/storage/dbconfig"
	"github.com/nspcc-dev/rpcnode/pkg/rpcclient"
	"github.com/nspcc-dev/rpcnode/pkg/security"
	"github.com/nspcc-dev/rpcnode/pkg/services/cache"
	"github.com/nspcc-dev/rpcnode/pkg/services/metrics"
	"github.com/nspcc-dev/rpcnode/pkg/services/rpcsrv"
	"github.com/urfave/cli"
	"go.uber.org/zap"
)

// cacheInitTimeout limits the initial fill of the blocks cache.
const cacheInitTimeout = 10 * time.Second

// NewCommands returns 'node' and 'db' commands.
func NewCommands() []cli.Command {
	cfgFlags := []cli.Flag{options.ConfigFile, options.Debug}
	nodeFlags := append([]cli.Flag{options.Local}, cfgFlags...)
	dumpFlags := append([]cli.Flag{
		cli.UintFlag{
			Name:  "start, s",
			Usage: "block number to start from",
		},
		cli.UintFlag{
			Name:  "count, n",
			Usage: "number of blocks to dump (all blocks after start if not set)",
		},
		cli.StringFlag{
			Name:  "out, o",
			Usage: "output file (stdout if not given)",
		},
	}, cfgFlags...)
	restoreFlags := append([]cli.Flag{
		cli.UintFlag{
			Name:  "skip, s",
			Usage: "number of blocks to skip",
		},
		cli.UintFlag{
			Name:  "count, n",
			Usage: "number of blocks to import (the whole stream if not set)",
		},
		cli.StringFlag{
			Name:  "in, i",
			Usage: "input file (stdin if not given)",
		},
	}, cfgFlags...)
	return []cli.Command{
		{
			Name:      "node",
			Usage:     "start rpcnode service",
			UsageText: "rpcnode node [--config-file file] [--debug] [--local]",
			Action:    startServer,
			Flags:     nodeFlags,
		},
		{
			Name:  "db",
			Usage: "database manipulations",
			Subcommands: []cli.Command{
				{
					Name:      "dump",
					Usage:     "dump blocks (starting with block #start) to the file",
					UsageText: "rpcnode db dump [-o file] [-s start] [-n count] [--config-file file] [--debug]",
					Action:    dumpDB,
					Flags:     dumpFlags,
				},
				{
					Name:      "restore",
					Usage:     "restore blocks from the file",
					UsageText: "rpcnode db restore [-i file] [-s skip] [-n count] [--config-file file] [--debug]",
					Action:    restoreDB,
					Flags:     restoreFlags,
				},
			},
		},
	}
}

// initLedger opens the configured store and the ledger on top of it.
func initLedger(cfg dbconfig.DBConfiguration, log *zap.Logger) (*core.Ledger, error) {
	store, err := storage.NewStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("could not initialize storage: %w", err)
	}
	l, err := core.NewLedger(store, log)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("could not initialize ledger: %w", err)
	}
	return l, nil
}

// initSubsystems creates everything the RPC server needs according to the
// configuration. Subsystems created before a failure are shut down.
func initSubsystems(cfg config.ApplicationConfiguration, log *zap.Logger) (subs rpcsrv.Subsystems, err error) {
	subs.Registry = rpcsrv.NewRegistry()
	rpcsrv.RegisterHandlers(subs.Registry)
	defer func() {
		if err != nil {
			shutdownSubsystems(subs)
			subs = rpcsrv.Subsystems{}
		}
	}()

	if cfg.Service.UseLocalDatabase {
		l, err := initLedger(cfg.DBConfiguration, log)
		if err != nil {
			return subs, err
		}
		subs.Ledger, subs.Store = l, l
	}
	if cfg.ConnectionPool.Enabled {
		if subs.Pool, err = connmgr.New(cfg.ConnectionPool, log); err != nil {
			return subs, fmt.Errorf("could not initialize connection pool: %w", err)
		}
	}
	if subs.Security, err = security.New(cfg.Security, log); err != nil {
		return subs, fmt.Errorf("could not initialize security manager: %w", err)
	}
	if cfg.HistoryCache.Enabled && !cfg.Service.UseLocalDatabase {
		if subs.History, err = cache.NewHistory(cfg.HistoryCache, log); err != nil {
			return subs, fmt.Errorf("could not initialize history cache: %w", err)
		}
	}
	if cfg.BlocksCache.Enabled && !cfg.Service.UseLocalDatabase {
		name := cfg.BlocksCache.Peer
		if name == "" {
			name = cfg.Service.Peer
		}
		p, ok := cfg.GetPeer(name)
		if !ok {
			return subs, fmt.Errorf("unknown blocks cache peer %q", name)
		}
		opts := rpcclient.PeerOptions(p)
		opts.UserAgent = config.Config{}.GenerateUserAgent()
		opts.Logger = log
		if subs.Pool != nil {
			opts.Pool = subs.Pool
		}
		c, err := rpcclient.New(p.Address, opts)
		if err != nil {
			return subs, fmt.Errorf("blocks cache peer: %w", err)
		}
		if subs.Blocks, err = cache.NewBlocks(cfg.BlocksCache, c, log); err != nil {
			return subs, fmt.Errorf("could not initialize blocks cache: %w", err)
		}
		// The peer may be down at the moment, the cache catches up later.
		if err := initBlocksCache(subs.Blocks); err != nil {
			log.Warn("blocks cache is empty", zap.Error(err))
		}
	}
	return subs, nil
}

func initBlocksCache(b *cache.Blocks) error {
	done := make(chan error, 1)
	go func() { done <- b.Init() }()
	select {
	case err := <-done:
		return err
	case <-time.After(cacheInitTimeout):
		return errors.New("blocks cache initialization timed out")
	}
}

// shutdownSubsystems is used when the server was never created, otherwise
// the server shuts its subsystems down itself.
func shutdownSubsystems(subs rpcsrv.Subsystems) {
	if subs.Blocks != nil {
		subs.Blocks.Shutdown()
	}
	if subs.History != nil {
		subs.History.Shutdown()
	}
	if subs.Pool != nil {
		subs.Pool.Shutdown()
	}
	if subs.Security != nil {
		subs.Security.Shutdown()
	}
	if subs.Store != nil {
		_ = subs.Store.Close()
	}
}

// initServer creates the RPC server with all its subsystems.
func initServer(cfg config.ApplicationConfiguration, log *zap.Logger) (*rpcsrv.Server, error) {
	subs, err := initSubsystems(cfg, log)
	if err != nil {
		return nil, err
	}
	srv, err := rpcsrv.New(cfg, subs, log)
	if err != nil {
		shutdownSubsystems(subs)
		return nil, fmt.Errorf("could not create RPC server: %w", err)
	}
	return srv, nil
}

// initMetrics starts the Prometheus and pprof services.
func initMetrics(cfg config.ApplicationConfiguration, log *zap.Logger) (*metrics.Service, *metrics.Service, error) {
	prometheus := metrics.NewPrometheusService(cfg.Prometheus, log)
	if err := prometheus.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start Prometheus service: %w", err)
	}
	pprof := metrics.NewPprofService(cfg.Pprof, log)
	if err := pprof.Start(); err != nil {
		prometheus.ShutDown()
		return nil, nil, fmt.Errorf("failed to start Pprof service: %w", err)
	}
	return prometheus, pprof, nil
}

func startServer(ctx *cli.Context) error {
	cfg, err := options.GetConfigFromContext(ctx)
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	log, logLevel, logCloser, err := options.HandleLoggingParams(ctx.Bool("debug"), cfg.ApplicationConfiguration)
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	defer func() {
		_ = log.Sync()
		if logCloser != nil {
			_ = logCloser()
		}
	}()

	prometheus, pprof, err := initMetrics(cfg.ApplicationConfiguration, log)
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	defer func() {
		pprof.ShutDown()
		prometheus.ShutDown()
	}()

	srv, err := initServer(cfg.ApplicationConfiguration, log)
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	if err := srv.Listen(); err != nil {
		srv.Shutdown()
		return cli.NewExitError(err, 1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, sighup)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()
	for {
		select {
		case err := <-errCh:
			if err != nil {
				return cli.NewExitError(err, 1)
			}
			return nil
		case sig := <-sigCh:
			if sig == sighup {
				reloadLogLevel(ctx, logLevel, log)
				continue
			}
			log.Info("signal received, stopping", zap.Stringer("signal", sig))
			srv.Stop()
		}
	}
}

// reloadLogLevel re-reads the configuration file and applies its log level.
func reloadLogLevel(ctx *cli.Context, level *zap.AtomicLevel, log *zap.Logger) {
	cfg, err := options.GetConfigFromContext(ctx)
	if err != nil {
		log.Warn("failed to reload config", zap.Error(err))
		return
	}
	lvl, err := options.ParseLogLevel(ctx.Bool("debug"), cfg.ApplicationConfiguration)
	if err != nil {
		log.Warn("wrong LogLevel in the new config", zap.Error(err))
		return
	}
	if lvl != level.Level() {
		log.Info("changing log level", zap.Stringer("old", level.Level()), zap.Stringer("new", lvl))
		level.SetLevel(lvl)
	}
}

// newGraceContext returns a context canceled on SIGINT or SIGTERM, it's
// used by long database operations.
func newGraceContext() (context.Context, func()) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
