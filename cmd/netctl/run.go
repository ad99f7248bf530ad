package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nodefleet/controller/pkg/api"
	"github.com/nodefleet/controller/pkg/config"
	"github.com/nodefleet/controller/pkg/controller"
	"github.com/nodefleet/controller/pkg/hostdriver"
	"github.com/nodefleet/controller/pkg/log"
	"github.com/nodefleet/controller/pkg/metrics"
	"github.com/nodefleet/controller/pkg/workpool"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the network controller",
	RunE:  runController,
}

func init() {
	runCmd.Flags().String("config", "/etc/netctl/config.yaml", "path to the app config YAML file")
	runCmd.Flags().String("listen", ":8080", "address the node/heartbeat/files HTTP API listens on")
	runCmd.Flags().String("metrics-listen", ":9090", "address the Prometheus metrics endpoint listens on")
}

func runController(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	listenAddr, _ := cmd.Flags().GetString("listen")
	metricsAddr, _ := cmd.Flags().GetString("metrics-listen")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cloudClient, err := hostdriver.NewGCPClient(ctx, cfg.GCPProject, cfg.CloudCredentialsFile)
	if err != nil {
		return fmt.Errorf("building cloud client: %w", err)
	}
	driver := hostdriver.New(cloudClient, workpool.New(8))

	ctrl := controller.New(controller.Config{
		DataDir:       cfg.DataDir,
		InitialDelay:  time.Duration(cfg.InitialDelay) * time.Second,
		CheckInterval: time.Duration(cfg.CheckInterval) * time.Second,
		Global:        cfg.Global,
	}, driver, time.Now().UnixNano())

	if err := ctrl.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrapping controller: %w", err)
	}

	logger := log.WithComponent("main")

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		logger.Info().Str("addr", metricsAddr).Msg("metrics endpoint listening")
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	apiServer := api.NewServer(ctrl)
	httpSrv := &http.Server{Addr: listenAddr, Handler: apiServer.Router()}
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", listenAddr).Msg("node API listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	go func() {
		if err := ctrl.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("controller loop exited")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("api server error")
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return httpSrv.Shutdown(shutdownCtx)
}
