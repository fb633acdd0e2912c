package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/posebench/internal/actuator"
	"github.com/banshee-data/posebench/internal/api"
	"github.com/banshee-data/posebench/internal/automation"
	"github.com/banshee-data/posebench/internal/broadcaster"
	"github.com/banshee-data/posebench/internal/config"
	"github.com/banshee-data/posebench/internal/db"
	"github.com/banshee-data/posebench/internal/detector"
	"github.com/banshee-data/posebench/internal/display"
	"github.com/banshee-data/posebench/internal/fsutil"
	"github.com/banshee-data/posebench/internal/health"
	"github.com/banshee-data/posebench/internal/persist"
	"github.com/banshee-data/posebench/internal/serialmux"
	"github.com/banshee-data/posebench/internal/version"
)

var (
	devMode     = flag.Bool("dev", false, "Run with a simulated actuator and synthetic detections")
	listen      = flag.String("listen", ":8080", "HTTP listen address")
	port        = flag.String("port", "/dev/ttyUSB0", "Actuator serial port; empty runs without an actuator (ignored in dev mode)")
	portOptions = flag.String("port-options", "", `Serial options as JSON, e.g. {"baud_rate":19200,"parity":"N"}`)
	dbPath      = flag.String("db", "posebench.db", "Sweep archive database")
	grpcListen  = flag.String("grpc-listen", health.DefaultConfig().ListenAddr, "gRPC health listen address (empty disables)")
	input       = flag.String("input", "-", "Detector input: - for stdin, or a file or FIFO path (ignored in dev mode)")
	outputDir   = flag.String("output", config.DefaultOutputDir, "Directory recordings and sweeps are written under")
	sweepConfig = flag.String("sweep-config", "", "Sweep definition (.json, .yaml or .yml)")
	autostart   = flag.Bool("autostart", false, "Start the -sweep-config sweep once the server is up")
	desired     = flag.String("desired", "", "Object to bind as desired at startup")
	reference   = flag.String("reference", "", "Object to bind as reference at startup (default camera)")
	staleAfter  = flag.Duration("stale-after", health.DefaultConfig().StaleAfter, "Detector is reported unhealthy after this long without detections")
)

// syntheticIDs are the markers the dev-mode detector produces.
var syntheticIDs = []string{"1", "2", "3"}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	if flag.NArg() > 0 {
		switch command := flag.Arg(0); command {
		case "migrate":
			if err := db.RunMigrateCommand(os.Stdout, flag.Args()[1:], *dbPath); err != nil {
				log.Fatalf("migrate: %v", err)
			}
			return
		case "version":
			fmt.Println(version.String())
			return
		case "help":
			printUsage()
			return
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
			printUsage()
			os.Exit(1)
		}
	}

	if *autostart && *sweepConfig == "" {
		log.Fatal("-autostart requires -sweep-config")
	}

	// Handle SIGINT and SIGTERM for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatal(err)
	}
	log.Printf("Graceful shutdown complete")
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `posebench - pose broadcast hub and actuator sweep runner

Usage:
  posebench [flags]              run the hub
  posebench [flags] migrate ...  manage the archive schema (see "migrate help")
  posebench version              print build information

Flags:
`)
	flag.PrintDefaults()
}

// parsePortOptions decodes -port-options. An empty string selects defaults.
func parsePortOptions(s string) (serialmux.PortOptions, error) {
	var opts serialmux.PortOptions
	if strings.TrimSpace(s) != "" {
		dec := json.NewDecoder(strings.NewReader(s))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&opts); err != nil {
			return opts, fmt.Errorf("invalid -port-options: %w", err)
		}
	}
	return opts.Normalize()
}

// openInput opens the detector stream named by path. "-" is stdin, which is
// never closed.
func openInput(path string) (io.ReadCloser, error) {
	if path == "-" || path == "" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open detector input: %w", err)
	}
	return f, nil
}

// openActuator returns the serial mux driving the actuator. Dev mode uses
// the simulated controller and an empty path discards every command.
func openActuator(dev bool, path, options string) (serialmux.SerialMuxInterface, error) {
	if dev {
		mux, _ := serialmux.NewMockSerialMux()
		return mux, nil
	}
	if path == "" {
		log.Printf("no actuator port configured; actuator commands are discarded")
		return serialmux.NewDisabledSerialMux(), nil
	}
	opts, err := parsePortOptions(options)
	if err != nil {
		return nil, err
	}
	mux, err := serialmux.NewRealSerialMux(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", path, err)
	}
	return mux, nil
}

// loadSweep reads the startup sweep definition, if one was given.
func loadSweep(path string) (*config.SweepConfig, error) {
	if path == "" {
		return nil, nil
	}
	cfg, err := config.LoadSweepConfig(path)
	if err != nil {
		return nil, fmt.Errorf("load sweep config: %w", err)
	}
	return cfg, nil
}

// controllerConfig merges the startup sweep timing into the defaults.
func controllerConfig(sweep *config.SweepConfig, hub *display.Hub, archive automation.Archive) automation.Config {
	cfg := automation.DefaultConfig()
	if sweep != nil {
		cfg = sweep.ApplyTo(cfg)
	}
	cfg.Observer = hub
	cfg.Archive = archive
	return cfg
}

// autostartPlan builds the plan for -autostart. An output_dir in the file
// wins over -output.
func autostartPlan(sweep *config.SweepConfig, output string) (automation.Plan, error) {
	if sweep.OutputDir != nil && *sweep.OutputDir != "" {
		output = ""
	}
	return sweep.Plan(output)
}

func run(ctx context.Context) error {
	log.Printf("starting %s", version.String())

	sweepCfg, err := loadSweep(*sweepConfig)
	if err != nil {
		return err
	}

	actuatorSerial, err := openActuator(*devMode, *port, *portOptions)
	if err != nil {
		return err
	}
	defer actuatorSerial.Close()

	if err := actuatorSerial.Initialize(); err != nil {
		return fmt.Errorf("initialise actuator: %w", err)
	}

	database, err := db.NewDB(*dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	hub := display.NewHub()
	defer hub.Close()

	b := broadcaster.New(broadcaster.Config{
		Persister: persist.NewCSVPersister(fsutil.OSFileSystem{}),
	})
	b.AddListener(hub)
	if *reference != "" {
		b.SetReference(*reference)
	}
	switch {
	case *desired != "":
		b.SetDesired(*desired)
	case *devMode:
		b.SetDesired(syntheticIDs[0])
	}

	acs := actuator.NewACS(actuatorSerial)
	controller := automation.NewController(acs, b, controllerConfig(sweepCfg, hub, database))

	var wg sync.WaitGroup

	// serial monitor
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := actuatorSerial.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("serial monitor error: %v", err)
		}
		log.Printf("serial monitor routine stopped")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		acs.Watch(ctx)
	}()

	// detector
	wg.Add(1)
	go func() {
		defer wg.Done()
		runDetector(ctx, b)
	}()

	// gRPC health
	var healthSrv *health.Server
	if *grpcListen != "" {
		hcfg := health.DefaultConfig()
		hcfg.ListenAddr = *grpcListen
		hcfg.StaleAfter = *staleAfter
		healthSrv = health.NewServer(hcfg, b)
		if err := healthSrv.Start(); err != nil {
			return fmt.Errorf("start health server: %w", err)
		}
		defer healthSrv.Stop()
	}

	mux := api.NewServer(b, controller, hub, api.Options{
		OutputDir: *outputDir,
		Sweep:     sweepCfg,
		Archive:   database,
		Context:   ctx,
	}).ServeMux()
	actuatorSerial.AttachAdminRoutes(mux)
	if err := database.AttachAdminRoutes(mux); err != nil {
		return fmt.Errorf("attach database routes: %w", err)
	}

	ln, err := net.Listen("tcp", *listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", *listen, err)
	}
	server := &http.Server{Handler: api.LoggingMiddleware(mux)}
	log.Printf("serving on http://%s", ln.Addr())

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("HTTP server error: %v", err)
		}
	}()

	if *autostart {
		plan, err := autostartPlan(sweepCfg, *outputDir)
		if err != nil {
			log.Printf("autostart: %v", err)
		} else if err := controller.Start(ctx, plan); err != nil {
			log.Printf("autostart: %v", err)
		}
	}

	<-ctx.Done()
	log.Println("shutting down...")

	controller.Stop()
	select {
	case <-controller.Done():
	case <-time.After(5 * time.Second):
		log.Printf("sweep did not stop in time")
	}

	// Ends open event streams so Shutdown does not wait on them.
	hub.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		// Force close the server if graceful shutdown fails
		if err := server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}
	wg.Wait()
	return nil
}

// runDetector feeds b until ctx is done. The stream ending is logged but does
// not stop the server so recordings can still be saved.
func runDetector(ctx context.Context, b *broadcaster.Broadcaster) {
	if *devMode {
		if err := detector.NewSynthetic(syntheticIDs...).Run(ctx, b); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("synthetic detector: %v", err)
		}
		return
	}

	r, err := openInput(*input)
	if err != nil {
		log.Printf("%v", err)
		return
	}
	defer r.Close()

	src := detector.NewLineSource(nil)
	err = src.Run(ctx, r, b)
	st := src.Stats()
	switch {
	case err == nil:
		log.Printf("detector input ended after %d lines (%d ingested, %d dropped)", st.Lines, st.Ingested, st.Dropped)
	case errors.Is(err, context.Canceled):
	default:
		log.Printf("detector input failed after %d lines: %v", st.Lines, err)
	}
}
