package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"streaminfer/infer"
	"streaminfer/metrics"
	"streaminfer/remote"
	"streaminfer/reqlog"
	"streaminfer/server"
)

func serveCmd() *cli.Command {
	var (
		addr      string
		serveNATS bool
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the OpenAI compatible chat completions API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address (overrides server.addr)",
				Destination: &addr,
			},
			&cli.BoolFlag{
				Name:        "serve-nats",
				Usage:       "also serve the generator on backend.nats.subject",
				Destination: &serveNATS,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if addr == "" {
				addr = cfg.Server.Addr
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			b, _, err := openBackend(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer b.Close()

			opts := server.Options{
				Engine:    b.engine,
				Model:     cfg.Engine.Model,
				Generator: b.generator,
				Log:       log,
			}
			if cfg.Metrics.Enabled {
				reg := prometheus.NewRegistry()
				reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
				opts.Gatherer = reg
				opts.Observers = []infer.Metric{metrics.NewObserver(reg, cfg.Metrics.Namespace, cfg.Engine.Model)}
				if b.stats != nil {
					metrics.RegisterGeneratorStats(reg, cfg.Metrics.Namespace, b.stats)
				}
			}
			if cfg.RequestLog.Path != "" {
				store, err := reqlog.Open(cfg.RequestLog.Path, log)
				if err != nil {
					return err
				}
				defer store.Close()
				opts.RequestLog = store
			}
			srv := server.New(opts)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return srv.Start(addr)
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), server.DefaultShutdownTimeout)
				defer cancel()
				log.Infow("shutting down")
				return srv.Shutdown(shutdownCtx)
			})
			if serveNATS {
				nc, err := nats.Connect(cfg.Backend.NATS.URL, nats.Name("streaminfer-server"))
				if err != nil {
					stop()
					_ = g.Wait()
					return err
				}
				defer nc.Close()
				ns := remote.NewNATSServer(nc, cfg.Backend.NATS.Subject, b.generator, cfg.Engine.Model, log)
				g.Go(func() error {
					return ns.Serve(gctx)
				})
			}

			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}
