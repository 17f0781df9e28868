// Command vrcjournal runs the log ingestion worker: it tails VRChat's
// output_log*.txt files, folds recognized lines into a durable SQLite
// history, and optionally relays live change notifications over
// WebSocket.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/vrcjournal/vrcjournal/internal/config"
	"github.com/vrcjournal/vrcjournal/internal/monitor"
	"github.com/vrcjournal/vrcjournal/internal/notify"
	"github.com/vrcjournal/vrcjournal/internal/notify/wsrelay"
	"github.com/vrcjournal/vrcjournal/internal/store"
	"github.com/vrcjournal/vrcjournal/internal/tailer"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (defaults to ~/.config/vrcjournal/config.yaml)")
	logDir := flag.String("log-dir", "", "Override the VRChat log directory to scan")
	dbPath := flag.String("db-path", "", "Override the SQLite database path")
	flag.Parse()

	cfgPath := *configPath
	if cfgPath == "" {
		cfgPath = config.DefaultConfigPath()
	}

	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if *logDir != "" {
		cfg.Monitor.LogDir = *logDir
	}
	if *dbPath != "" {
		cfg.Monitor.DBPath = *dbPath
	}
	if cfg.Monitor.LogDir == "" {
		log.Fatal("no log directory configured: set monitor.log_dir in the config file or pass -log-dir")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Monitor.DBPath), 0o755); err != nil {
		log.Fatalf("failed to create database directory: %v", err)
	}

	st, err := store.Open(cfg.Monitor.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer st.Close()

	sink := notify.NewSink(cfg.Notify.BufferSize)
	tl := tailer.New(cfg.Monitor.LogDir)
	mon := monitor.New(st, tl, sink, cfg.Monitor.PollInterval)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Relay.Enabled {
		relay := wsrelay.NewRelay(cfg.Relay.Throttle, cfg.Relay.MaxConnections)
		go relay.Run(ctx, sink)

		mux := http.NewServeMux()
		mux.HandleFunc("/ws", relay.Handler())
		addr := fmt.Sprintf("%s:%d", cfg.Relay.Host, cfg.Relay.Port)
		go func() {
			log.Printf("vrcjournal: relay listening on %s", addr)
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Printf("vrcjournal: relay server error: %v", err)
			}
		}()
	} else {
		// No relay configured: drain the sink so notifications are
		// consumed instead of filling the buffer and being counted as
		// dropped.
		go func() {
			for range sink.Events() {
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("vrcjournal: shutting down")
		cancel()
	}()

	log.Printf("vrcjournal: watching %s", cfg.Monitor.LogDir)
	if err := mon.Run(ctx); err != nil {
		log.Fatalf("monitor exited with error: %v", err)
	}
}

