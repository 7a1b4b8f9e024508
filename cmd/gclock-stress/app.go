package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"

	"github.com/llxisdsh/gclock"
	"github.com/llxisdsh/gclock/internal/config"
	"github.com/llxisdsh/gclock/internal/logging"
	"github.com/llxisdsh/gclock/internal/stress"
	"github.com/llxisdsh/gclock/metrics"
)

// Version is set via ldflags.
var Version = "dev"

// App creates the CLI application.
func App() *cli.App {
	return &cli.App{
		Name:    "gclock-stress",
		Usage:   "stress and inspect epoch reclamation locks",
		Version: Version,
		Commands: []*cli.Command{
			runCommand(),
			dumpCommand(),
			unlinkCommand(),
		},
	}
}

// flagKeys maps run flags to config keys. Only flags set on the command
// line override the file and environment.
var flagKeys = map[string]string{
	"capacity":     "lock.capacity",
	"seed":         "lock.seed",
	"shared":       "lock.shared",
	"name":         "lock.name",
	"slow-barrier": "lock.slowbarrier",
	"mode":         "workload.mode",
	"readers":      "workload.readers",
	"writers":      "workload.writers",
	"spinners":     "workload.spinners",
	"blocks":       "workload.blocks",
	"duration":     "workload.duration",
	"log-level":    "log.level",
	"log-format":   "log.format",
	"metrics-addr": "metrics.addr",
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "run a sync or defer workload",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML configuration file"},
			&cli.IntFlag{Name: "capacity", Usage: "registry slots"},
			&cli.StringFlag{Name: "seed", Usage: "starting epoch, decimal or 0x hex"},
			&cli.BoolFlag{Name: "shared", Usage: "use a named shared memory lock"},
			&cli.StringFlag{Name: "name", Usage: "shared lock name"},
			&cli.BoolFlag{Name: "keep", Usage: "do not unlink a shared lock this run created"},
			&cli.DurationFlag{Name: "slow-barrier", Usage: "warn about grace periods longer than this"},
			&cli.StringFlag{Name: "mode", Aliases: []string{"m"}, Usage: "workload: sync or defer"},
			&cli.IntFlag{Name: "readers", Aliases: []string{"r"}, Usage: "reader goroutines"},
			&cli.IntFlag{Name: "writers", Aliases: []string{"w"}, Usage: "writer goroutines"},
			&cli.IntFlag{Name: "spinners", Usage: "busy goroutines competing for CPUs"},
			&cli.IntFlag{Name: "blocks", Usage: "blocks published per writer"},
			&cli.DurationFlag{Name: "duration", Aliases: []string{"d"}, Usage: "run time"},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
			&cli.StringFlag{Name: "log-format", Usage: "text or json"},
			&cli.StringFlag{Name: "metrics-addr", Usage: "serve Prometheus metrics on this address"},
		},
		Action: runAction,
	}
}

func runAction(c *cli.Context) error {
	overrides := map[string]any{}
	for flag, key := range flagKeys {
		if c.IsSet(flag) {
			overrides[key] = c.Value(flag)
		}
	}
	cfg, err := config.Load(c.String("config"), overrides)
	if err != nil {
		return err
	}
	log, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: c.App.ErrWriter})
	if err != nil {
		return err
	}

	opts := []gclock.Option{
		gclock.WithCapacity(cfg.Lock.Capacity),
		gclock.WithStartingEpoch(gclock.Epoch(cfg.Lock.Seed)),
		gclock.WithLogger(log),
		gclock.WithSlowBarrierThreshold(cfg.Lock.SlowBarrier),
	}
	var (
		gc     *gclock.GcLock
		labels prometheus.Labels
	)
	if cfg.Lock.Shared {
		s, created, err := createOrOpen(cfg.Lock.Name, opts)
		if err != nil {
			return err
		}
		defer func() {
			if err := s.Close(); err != nil {
				log.Error("close shared lock", "err", err)
			}
			if created && !c.Bool("keep") {
				if err := s.Unlink(); err != nil {
					log.Error("unlink shared lock", "err", err)
				}
			}
		}()
		gc = &s.GcLock
		labels = prometheus.Labels{"lock": cfg.Lock.Name}
	} else {
		gc = gclock.New(opts...)
	}

	if cfg.Metrics.Addr != "" {
		stop, err := serveMetrics(cfg.Metrics.Addr, gc, labels, log)
		if err != nil {
			return err
		}
		defer stop()
	}

	ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer cancel()
	res, runErr := stress.Run(ctx, gc, stress.Config{
		Mode:     cfg.Workload.Mode,
		Readers:  cfg.Workload.Readers,
		Writers:  cfg.Workload.Writers,
		Spinners: cfg.Workload.Spinners,
		Blocks:   cfg.Workload.Blocks,
		Duration: cfg.Workload.Duration,
		Logger:   log,
	})
	w := c.App.Writer
	fmt.Fprintf(w, "mode=%s allocs=%d deallocs=%d highest=%d writes=%d reads=%d bad_reads=%d epoch=%d..%d elapsed=%v\n",
		cfg.Workload.Mode, res.Allocs, res.Deallocs, res.Highest, res.Writes, res.Reads,
		res.BadReads, res.StartEpoch, res.EndEpoch, res.Elapsed.Round(time.Millisecond))
	if err := gc.Dump(w); err != nil {
		return err
	}
	return runErr
}

// createOrOpen creates the named lock, or opens it if another process got
// there first.
func createOrOpen(name string, opts []gclock.Option) (*gclock.SharedGcLock, bool, error) {
	s, err := gclock.CreateShared(name, opts...)
	if err == nil {
		return s, true, nil
	}
	if !errors.Is(err, gclock.ErrAlreadyExists) {
		return nil, false, err
	}
	s, err = gclock.OpenShared(name, opts...)
	return s, false, err
}

func serveMetrics(addr string, gc *gclock.GcLock, labels prometheus.Labels, log *slog.Logger) (func(), error) {
	h, err := metrics.Handler(gc, labels)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server", "addr", addr, "err", err)
		}
	}()
	log.Info("serving metrics", "addr", addr)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}, nil
}

func nameFlag() cli.Flag {
	return &cli.StringFlag{Name: "name", Aliases: []string{"n"}, Usage: "shared lock name", Required: true}
}

func dumpCommand() *cli.Command {
	return &cli.Command{
		Name:  "dump",
		Usage: "print the state of a shared lock",
		Flags: []cli.Flag{
			nameFlag(),
			&cli.BoolFlag{Name: "reap", Usage: "free slots of exited processes first"},
		},
		Action: func(c *cli.Context) error {
			s, err := gclock.OpenShared(c.String("name"))
			if err != nil {
				return err
			}
			defer s.Close()
			if c.Bool("reap") {
				fmt.Fprintf(c.App.Writer, "reaped %d slots\n", s.ReapDead())
			}
			return s.Dump(c.App.Writer)
		},
	}
}

func unlinkCommand() *cli.Command {
	return &cli.Command{
		Name:  "unlink",
		Usage: "remove a shared lock name",
		Flags: []cli.Flag{nameFlag()},
		Action: func(c *cli.Context) error {
			return gclock.Unlink(c.String("name"))
		},
	}
}
