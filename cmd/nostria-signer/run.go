package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nostria/signer/activation"
	"github.com/nostria/signer/config"
	"github.com/nostria/signer/connection"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
)

var flagMetricsAddr = &cli.StringFlag{
	Name:  "metrics-addr",
	Usage: "address to serve Prometheus metrics on (overrides metrics_addr in the config file)",
}

var runCommand = &cli.Command{
	Name:   "run",
	Usage:  "answer signing requests until interrupted",
	Flags:  []cli.Flag{flagMetricsAddr},
	Action: runSigner,
}

func runSigner(cCtx *cli.Context) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	e, err := openEnv(cCtx, registry)
	if err != nil {
		return err
	}
	defer e.bunker.Close()

	ctx, stop := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	e.bunker.Connection.OnStateChange(func(s connection.State) {
		log.Printf("relay connection %s", s)
	})
	e.bunker.Activations.OnChange(func(all []activation.Activation) {
		log.Printf("%d activations", len(all))
	})
	if err := e.bunker.Start(ctx); err != nil {
		return err
	}

	urls, err := e.bunker.PendingConnectionURLs()
	if err != nil {
		return err
	}
	for _, u := range urls {
		log.Printf("waiting for a client to connect to %s", u)
	}

	metricsAddr := e.cfg.MetricsAddr
	if cCtx.IsSet(flagMetricsAddr.Name) {
		metricsAddr = cCtx.String(flagMetricsAddr.Name)
	}
	if metricsAddr != "" {
		srv := &http.Server{
			Addr:              metricsAddr,
			Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Printf("serving metrics on %s", metricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("metrics server failed: %s", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	err = watchConfig(ctx, e.configPath, func(cfg config.Config) {
		if len(cfg.Relays) == 0 {
			return
		}
		if err := e.bunker.Connection.UpdateRelays(cfg.Relays); err != nil {
			log.Printf("failed to apply relays from %s: %s", e.configPath, err)
		}
	})
	if err != nil {
		log.Printf("config changes will not be picked up: %s", err)
	}

	resume := make(chan os.Signal, 1)
	if len(resumeSignals) > 0 {
		signal.Notify(resume, resumeSignals...)
		defer signal.Stop(resume)
	}

	for {
		select {
		case <-ctx.Done():
			log.Printf("shutting down")
			return nil
		case <-resume:
			e.bunker.Connection.Resume()
		}
	}
}
