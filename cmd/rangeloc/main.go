package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/rangeloc/internal/api"
	"github.com/banshee-data/rangeloc/internal/app"
	"github.com/banshee-data/rangeloc/internal/config"
	"github.com/banshee-data/rangeloc/internal/db"
	"github.com/banshee-data/rangeloc/internal/fsutil"
	"github.com/banshee-data/rangeloc/internal/serialmux"
	"github.com/banshee-data/rangeloc/internal/timeutil"
	"github.com/banshee-data/rangeloc/internal/version"
)

var (
	configPath = flag.String("config", config.DefaultConfigPath, "Path to the robot configuration JSON file")
	listen     = flag.String("listen", "", "Listen address (overrides config)")
	port       = flag.String("port", "", "Serial port of the robot (overrides config)")
	dbPath     = flag.String("db", "", "SQLite session log path (overrides config; empty disables recording)")
	plotDir    = flag.String("plots", "", "Write telemetry PNG plots to this directory on shutdown")
	listPorts  = flag.Bool("list-ports", false, "Print the serial ports present on this host and exit")
	showVer    = flag.Bool("version", false, "Print the version and exit")
)

// loadConfig reads path, then applies the environment and the command-line
// overrides. A missing file at the default path means built-in defaults.
func loadConfig(fsys fsutil.FileSystem, path string, environ map[string]string) (*config.RobotConfig, error) {
	cfg, err := config.LoadRobotConfig(fsys, path)
	if err != nil {
		if path != config.DefaultConfigPath || !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		log.Printf("no config at %s, using defaults", path)
		cfg = config.EmptyRobotConfig()
	}
	if err := cfg.ApplyEnv(environ); err != nil {
		return nil, err
	}
	if *listen != "" {
		cfg.Listen = listen
	}
	if *port != "" {
		cfg.SerialPort = port
	}
	if *dbPath != "" {
		cfg.DBPath = dbPath
	}
	return cfg, cfg.Validate()
}

// buildMux mounts the API, the websocket stream and the debug routes.
func buildMux(a *app.App, store *db.DB) (*http.ServeMux, error) {
	server := api.NewServer(a)
	mux := server.ServeMux()
	server.AttachAdminRoutes(mux)
	a.Link().AttachAdminRoutes(mux)
	if store != nil {
		if err := store.AttachAdminRoutes(mux); err != nil {
			return nil, err
		}
	}
	return mux, nil
}

func main() {
	flag.Parse()

	if *showVer {
		fmt.Println(version.String())
		return
	}
	if *listPorts {
		ports, err := serialmux.ListPorts()
		if err != nil {
			log.Fatalf("failed to list serial ports: %v", err)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	log.Print(version.String())
	cfg, err := loadConfig(fsutil.OSFileSystem{}, *configPath, nil)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	clock := timeutil.RealClock{}
	link := serialmux.NewRobotLink(serialmux.RealPortFactory{},
		serialmux.WithClock(clock),
		serialmux.WithReconnectDelay(cfg.GetReconnectDelay()),
	)
	defer link.Close()

	if name := cfg.GetSerialPort(); name != "" {
		// A failed open is not fatal; the link can be opened later over the API.
		if err := link.OpenPort(name, cfg.GetPortOptions()); err != nil {
			log.Printf("failed to open serial port %s: %v", name, err)
		}
	} else {
		log.Print("no serial port configured, open one with POST /api/link")
	}

	var (
		store    *db.DB
		recorder *db.Recorder
	)
	if path := cfg.GetDBPath(); path != "" {
		store, err = db.Open(path)
		if err != nil {
			log.Fatalf("failed to open database: %v", err)
		}
		defer store.Close()
		recorder, err = db.NewRecorder(store, cfg.GetSerialPort(), cfg.GetFilter(), clock)
		if err != nil {
			log.Fatalf("failed to start session: %v", err)
		}
		log.Printf("recording session %s to %s", recorder.Session().ID, path)
	}

	a, err := app.New(cfg, link, app.Options{Clock: clock, Recorder: recorder})
	if err != nil {
		log.Fatalf("failed to build app: %v", err)
	}

	mux, err := buildMux(a, store)
	if err != nil {
		log.Fatalf("failed to mount routes: %v", err)
	}

	// Create a wait group for the HTTP server, control loop and recorder routines
	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.Run(ctx); err != nil {
			log.Printf("control loop failed: %v", err)
		}
		log.Print("control loop terminated")
	}()

	if recorder != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := recorder.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("session recorder failed: %v", err)
			}
			log.Print("session recorder terminated")
		}()
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		server := &http.Server{
			Addr:              cfg.GetListen(),
			Handler:           api.LoggingMiddleware(mux),
			ReadHeaderTimeout: 5 * time.Second,
		}

		go func() {
			log.Printf("listening on %s", server.Addr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("failed to start server: %v", err)
				stop()
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()

	if *plotDir != "" {
		files, err := a.WritePlots(*plotDir)
		if err != nil {
			log.Printf("failed to write plots: %v", err)
		} else {
			log.Printf("wrote %d plots to %s", len(files), *plotDir)
		}
	}
	log.Printf("Graceful shutdown complete")
}
