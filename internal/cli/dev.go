package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/watzon/tether/internal/bridge"
	"github.com/watzon/tether/internal/config"
	"github.com/watzon/tether/internal/events"
	"github.com/watzon/tether/internal/fragment"
	"github.com/watzon/tether/internal/project"
	"github.com/watzon/tether/internal/runtime"
	"github.com/watzon/tether/internal/runtime/api"
	"github.com/watzon/tether/internal/server"
	"github.com/watzon/tether/internal/state"
	"github.com/watzon/tether/internal/watcher"
	"github.com/watzon/tether/internal/workers"
)

const shutdownTimeout = 10 * time.Second

var (
	devPort       int
	devHost       string
	devDescriptor string
	devNoWatch    bool
)

var devCmd = &cobra.Command{
	Use:   "dev",
	Short: "Start a live development session",
	Long: `Start a live development session.

The session will:
  - Load functions from the deployment descriptor
  - Listen for invocations relayed from the cloud
  - Build each function and run its handler in a local process
  - Serve the console API and websockets
  - Watch sources and rebuild on change

Use --no-watch to disable file watching.`,
	RunE: runDev,
}

func init() {
	devCmd.Flags().IntVarP(&devPort, "port", "p", config.DefaultPort, "Port to listen on")
	devCmd.Flags().StringVar(&devHost, "host", config.DefaultHost, "Host to bind to")
	devCmd.Flags().StringVar(&devDescriptor, "descriptor", "", "Path to the deployment descriptor")
	devCmd.Flags().BoolVar(&devNoWatch, "no-watch", false, "Disable file watching")

	rootCmd.AddCommand(devCmd)
}

func runDev(cmd *cobra.Command, _ []string) error {
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = devPort
	}
	if cmd.Flags().Changed("host") {
		cfg.Server.Host = devHost
	}
	if devDescriptor != "" {
		cfg.Functions.Descriptor = devDescriptor
	}
	if devNoWatch {
		cfg.Watch.Enabled = false
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	descriptor, err := project.Load(cfg.Functions.Descriptor)
	if err != nil {
		return err
	}

	log.Info().
		Str("app", cfg.App).
		Str("stage", cfg.Stage).
		Str("transport", cfg.Transport.Kind).
		Int("functions", len(descriptor.IDs())).
		Msg("Starting dev session")

	l, err := connect(ctx, cfg, "tether-dev")
	if err != nil {
		return err
	}
	defer l.Close()

	bus := events.NewBus()
	store := state.New(bus, state.State{App: cfg.App, Stage: cfg.Stage, Live: true})
	defer store.Close()

	runtimeAPI := api.New(bus)
	if err := runtimeAPI.Listen(cfg.RuntimeAPI.Address()); err != nil {
		return err
	}

	// The console's invoke endpoint goes through the same tunnel as the cloud.
	cloud := bridge.NewCloudRelay(bridge.CloudConfig{
		Transport: l.transport,
		Topics:    l.topics,
		Offloader: l.offloader,
		Timeout:   cfg.Bridge.Timeout,
		Environ:   func() []string { return nil },
	})

	srv := server.New(cfg, bus, store,
		server.WithInvoker(cloud),
		server.WithFunctions(descriptor),
		server.WithVersion(version),
	)
	if err := srv.Listen(); err != nil {
		return err
	}

	buildDir := cfg.Functions.BuildDir
	if !filepath.IsAbs(buildDir) {
		buildDir = filepath.Join(descriptor.Root, buildDir)
	}
	supervisor := workers.New(workers.Config{
		Bus:       bus,
		Functions: descriptor,
		Runtimes:  runtime.DefaultRegistry(),
		API:       runtimeAPI,
		BuildDir:  buildDir,
		Phase:     srv.Tracker().Phase,
	})
	supervisor.Start()

	local := bridge.NewLocalRelay(bridge.LocalConfig{
		Transport: l.transport,
		Topics:    l.topics,
		Bus:       bus,
		Offloader: l.offloader,
		Decoder:   fragment.NewDecoder(),
	})
	if err := local.Start(ctx); err != nil {
		return err
	}
	if err := cloud.Start(ctx); err != nil {
		return err
	}

	var sources *watcher.Watcher
	if cfg.Watch.Enabled {
		sources, err = watcher.New(watcher.Config{
			Root:     descriptor.Root,
			Debounce: cfg.Watch.Debounce,
			Ignore:   cfg.Watch.Ignore,
			OnChange: supervisor.Rebuild,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to set up file watcher, continuing without rebuilds")
		}
	}

	logSessionInfo(srv, runtimeAPI, sources != nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(runtimeAPI.Serve)
	g.Go(func() error { return srv.Start(gctx) })
	if sources != nil {
		g.Go(func() error { return sources.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if sources != nil {
			errs = append(errs, sources.Close())
		}
		local.Close()
		errs = append(errs,
			supervisor.Shutdown(shutdownCtx),
			runtimeAPI.Shutdown(shutdownCtx),
			srv.Shutdown(shutdownCtx),
		)
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("dev session: %w", err)
	}
	return nil
}

func logSessionInfo(srv *server.Server, runtimeAPI *api.Server, watching bool) {
	addr := srv.Addr()
	log.Info().
		Str("url", "http://"+addr).
		Str("runtime_api", runtimeAPI.Addr()).
		Bool("watching", watching).
		Msg("Dev session ready")

	log.Info().
		Str("observers", "ws://"+addr+"/socket").
		Str("state", "ws://"+addr+"/").
		Msg("Console sockets")
}
