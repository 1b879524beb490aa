package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devblac/pledge-feed/internal/api"
	"github.com/devblac/pledge-feed/internal/config"
	"github.com/devblac/pledge-feed/internal/engine"
	"github.com/devblac/pledge-feed/internal/feed"
	"github.com/devblac/pledge-feed/internal/health"
	"github.com/devblac/pledge-feed/internal/logging"
	"github.com/devblac/pledge-feed/internal/metrics"
	"github.com/devblac/pledge-feed/internal/sink"
	"github.com/devblac/pledge-feed/internal/source/ens"
	"github.com/devblac/pledge-feed/internal/source/evm"
	"github.com/devblac/pledge-feed/internal/storage"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 5 * time.Second

var (
	flagDryRun    bool
	flagFrom      uint64
	flagHealth    string
	flagMetrics   string
	flagAPI       string
	flagAccessLog bool
)

func init() {
	runCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "Do not send announcements to sinks")
	runCmd.Flags().Uint64Var(&flagFrom, "from", 0, "Start block override")
	runCmd.Flags().StringVar(&flagHealth, "health", "", "Health check HTTP address (e.g., :8080)")
	runCmd.Flags().StringVar(&flagMetrics, "metrics", "", "Metrics HTTP address (e.g., :9090)")
	runCmd.Flags().StringVar(&flagAPI, "api", "", "Feed API address, overrides api.addr")
	runCmd.Flags().BoolVar(&flagAccessLog, "access-log", false, "Log every API request")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Stream the pledge feed",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		logLevel := os.Getenv("LOG_LEVEL")
		if logLevel == "" {
			logLevel = cfg.Global.LogLevel
		}
		log := logging.NewWithLevel(logLevel)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		store, err := storage.Open(cfg.Global.DBPath)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()

		src := cfg.Source
		if flagFrom > 0 {
			src.StartBlock = fmt.Sprintf("%d", flagFrom)
		}
		cli, err := evm.NewRPCClient(src.RPCURL)
		if err != nil {
			return err
		}
		defer cli.Close()

		abis, err := evm.LoadABIs(src.ABIDirs)
		if err != nil {
			return fmt.Errorf("load abis: %w", err)
		}
		matcher, err := evm.NewEventMatcher(src.Contract, src.Event, src.Decode, abis)
		if err != nil {
			return err
		}
		watcher := evm.NewWatcher(cli, store, src, cfg.Global.Confirmations, matcher, log)

		method := src.CountMethod
		if method == "" {
			method = "pledge_count"
		}
		countABI, ok := evm.FindMethod(abis, method)
		if !ok {
			return fmt.Errorf("count method %s not found in abis", method)
		}
		counter, err := evm.NewCounter(cli, src.Contract, countABI, method)
		if err != nil {
			return err
		}

		opts := feedOptions(cfg.Feed, matcher)
		var names engine.NameService
		var resolver *ens.Resolver
		if e := cfg.ENS; e != nil {
			ensCli := cli
			if e.RPCURL != src.RPCURL {
				if ensCli, err = evm.NewRPCClient(e.RPCURL); err != nil {
					return fmt.Errorf("ens: %w", err)
				}
				defer ensCli.Close()
			}
			resolver, err = ens.NewResolver(ensCli, ens.Options{
				Registry:   e.Registry,
				CacheSize:  e.CacheSize,
				RetryAfter: e.RetryEvery(),
			}, log)
			if err != nil {
				return err
			}
			opts.Names, names = resolver, resolver
			log.Info("ens names enabled", "registry", e.Registry)
		}

		ctrl := feed.NewController(opts, log)
		defer ctrl.Close()
		if resolver != nil {
			resolver.OnResolved(ctrl.Refresh)
		}

		sinks := map[string]sink.Sender{}
		for _, s := range cfg.Sinks {
			sender, err := sink.Build(s.Type, s.WebhookURL, s.URL, s.Method, s.Template)
			if err != nil {
				return fmt.Errorf("sink %s: %w", s.ID, err)
			}
			sinks[s.ID] = sender
		}

		var mtr *metrics.Metrics
		if flagMetrics != "" {
			mtr = metrics.Init()
			srv := &http.Server{Addr: flagMetrics, Handler: metrics.Handler(), ReadHeaderTimeout: 3 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("metrics server error", "error", err)
				}
			}()
			defer health.Shutdown(srv, shutdownTimeout)
			log.Info("metrics enabled", "addr", flagMetrics)
		}

		if flagHealth != "" {
			rpcChecker := health.NewRPCChecker(map[string]evm.BlockClient{src.ID: cli})
			healthSrv := health.Serve(flagHealth, health.Checker{
				DBPing:  store.Ping,
				RPCPing: rpcChecker.Ping,
				Feed:    ctrl.Snapshot,
			})
			defer health.Shutdown(healthSrv, shutdownTimeout)
			log.Info("health check enabled", "addr", flagHealth)
		}

		apiAddr := cfg.API.Addr
		if flagAPI != "" {
			apiAddr = flagAPI
		}
		if apiAddr != "" {
			var accessLog io.Writer
			if flagAccessLog {
				accessLog = os.Stdout
			}
			app := api.New(ctrl, mtr, log, accessLog)
			go func() {
				if err := app.Listen(apiAddr); err != nil {
					log.Error("api server error", "error", err)
				}
			}()
			defer func() { _ = app.ShutdownWithTimeout(shutdownTimeout) }()
			log.Info("feed api enabled", "addr", apiAddr)
		}

		runner, err := engine.NewRunner(cfg, engine.Deps{
			Source:  watcher,
			Counter: counter,
			Feed:    ctrl,
			Store:   store,
			Sinks:   sinks,
			Names:   names,
			Metrics: mtr,
			Log:     log,
		}, flagDryRun)
		if err != nil {
			return err
		}

		log.Info("streaming pledges", "source", src.ID, "contract", src.Contract, "dry_run", flagDryRun)
		if err := runner.Run(ctx); err != nil {
			mtr.Errors()
			log.Error("run error", "error", err)
			return err
		}
		log.Info("shutdown complete")
		return nil
	},
}

func feedOptions(f config.Feed, matcher *evm.EventMatcher) feed.Options {
	opts := feed.DefaultOptions()
	opts.EventName = matcher.Name()
	if f.PageSize > 0 {
		opts.PageSize = f.PageSize
	}
	if f.PageIncrement > 0 {
		opts.PageIncrement = f.PageIncrement
	}
	if f.LoadThreshold > 0 {
		opts.LoadThreshold = f.LoadThreshold
	}
	opts.SettleDelay = f.SettleEvery()
	if d := f.HighlightFor(); d > 0 {
		opts.HighlightDuration = d
	}
	return opts
}

