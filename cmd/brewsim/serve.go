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
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	modbus "github.com/edgeo-scada/brewery-modbus"
	"github.com/edgeo-scada/brewery-modbus/internal/diag"
	"github.com/edgeo-scada/brewery-modbus/internal/plant"
	"github.com/edgeo-scada/brewery-modbus/internal/simulation"
	"github.com/edgeo-scada/brewery-modbus/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Modbus TCP slave",
	Long: `Run the Modbus TCP slave. The simulation publishes chiller and fermenter
readings on a fixed interval unless disabled; the diagnostics HTTP API
serves the register map, setpoints, network details and Prometheus metrics
when enabled.`,
	Example: `  brewsim serve
  brewsim serve --port 5020 --diag --diag-addr :8080
  brewsim serve --no-sim --test-data`,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("host", "0.0.0.0", "Listen host")
	f.IntP("port", "p", modbus.DefaultPort, "Listen port")
	f.Uint8P("unit", "u", 1, "Unit ID")
	f.Duration("interval", simulation.DefaultInterval, "Simulation update interval")
	f.StringSlice("fermenters", simulation.DefaultFermenters, "Simulated fermenter IDs")
	f.Bool("test-data", false, "Load commissioning test values at startup")
	f.Bool("diag", false, "Enable the diagnostics HTTP API")
	f.String("diag-addr", "127.0.0.1:8080", "Diagnostics HTTP API address")
	noSim := f.Bool("no-sim", false, "Disable the simulation")

	viper.BindPFlag("server.host", f.Lookup("host"))
	viper.BindPFlag("server.port", f.Lookup("port"))
	viper.BindPFlag("server.unit_id", f.Lookup("unit"))
	viper.BindPFlag("simulation.interval", f.Lookup("interval"))
	viper.BindPFlag("simulation.fermenters", f.Lookup("fermenters"))
	viper.BindPFlag("plant.test_data", f.Lookup("test-data"))
	viper.BindPFlag("diag.enabled", f.Lookup("diag"))
	viper.BindPFlag("diag.address", f.Lookup("diag-addr"))

	serveCmd.PreRun = func(cmd *cobra.Command, args []string) {
		if *noSim {
			cfg.Simulation.Enabled = false
		}
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := modbus.NewStore(cfg.Store.Size)
	mgr, err := plant.NewManager(store, append(cfg.PlantOptions(), plant.WithLogger(logger))...)
	if err != nil {
		return fmt.Errorf("plant layout: %w", err)
	}
	if cfg.Plant.TestData {
		if err := mgr.LoadTestData(); err != nil {
			return err
		}
		logger.Info("test data loaded")
	}

	collector := telemetry.NewCollector()
	observers := modbus.MultiObserver{collector}
	if cfg.Log.Requests {
		observers = append(observers, modbus.NewLogObserver(logger))
	}
	device := modbus.NewDeviceContext(store,
		modbus.WithDeviceUnitID(modbus.UnitID(cfg.Server.UnitID)),
		modbus.WithObserver(observers),
	)
	server := modbus.NewServer(device,
		modbus.WithServerLogger(logger),
		modbus.WithMaxConnections(cfg.Server.MaxConns),
		modbus.WithReadTimeout(cfg.Server.ReadTimeout),
		modbus.WithFrameTimeout(cfg.Server.FrameTimeout),
		modbus.WithWriteTimeout(cfg.Server.WriteTimeout),
	)

	collector.WatchServer(server.Metrics())
	collector.WatchPlant(mgr)
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := collector.Register(reg); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	printBanner(mgr)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.ListenAndServeContext(ctx, cfg.Server.Address())
	})

	if cfg.Simulation.Enabled {
		driver := simulation.NewDriver(mgr,
			simulation.WithInterval(cfg.Simulation.Interval),
			simulation.WithFermenters(cfg.Simulation.Fermenters...),
			simulation.WithLogger(logger),
		)
		g.Go(func() error {
			return driver.Run(ctx)
		})
	} else {
		logger.Info("simulation disabled, waiting for external updates")
	}

	if cfg.Diag.Enabled {
		app := &diag.App{
			Plant:      mgr,
			Gatherer:   reg,
			ModbusPort: cfg.Server.Port,
			Logger:     logger,
		}
		httpServer := &http.Server{
			Addr:              cfg.Diag.Address,
			Handler:           app.Router(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("diagnostics API started", slog.String("addr", cfg.Diag.Address))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("diagnostics API: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}

func printBanner(mgr *plant.Manager) {
	a := mgr.Addressing()
	fmt.Println(color(colorBold, "Brewery Modbus TCP slave") + " " + version)
	fmt.Printf("  Listening:   %s (unit %d)\n", cfg.Server.Address(), cfg.Server.UnitID)
	fmt.Printf("  Chiller:     %d-%d\n", a.ChillerBase, a.ChillerBase+a.BlockSize-1)
	fmt.Printf("  Fermenters:  %d + %d*slot (capacity %d)\n", a.FermenterBase, a.BlockSize, mgr.Capacity())
	fmt.Printf("  Setpoints:   %d (chiller), %d+slot (fermenters)\n", a.ChillerMirror(), a.SetpointBase+1)
	if cfg.Simulation.Enabled {
		fmt.Printf("  Simulation:  %v every %s\n", cfg.Simulation.Fermenters, cfg.Simulation.Interval)
	}
	if cfg.Diag.Enabled {
		fmt.Printf("  Diagnostics: http://%s/api/registers\n", cfg.Diag.Address)
	}
	fmt.Println()
}
