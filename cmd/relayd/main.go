package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codeshare/collab/pkg/persist"
	"github.com/codeshare/collab/pkg/relay"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	addrVar := flag.String("addr", "localhost:8080", "the address to listen on")
	dbVar := flag.String("db", "collab.sqlite3", "path to the snapshot database")
	debounceVar := flag.Duration("debounce", 0, "override the snapshot debounce interval")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	slog.Info("Opening database", "path", *dbVar)
	db, err := sql.Open("sqlite3", *dbVar)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	store, err := persist.NewSQLiteStore(db)
	if err != nil {
		return fmt.Errorf("failed to init store: %w", err)
	}

	settings := relay.DefaultSettings()
	if secret := os.Getenv("COLLAB_JWT_SECRET"); secret != "" {
		settings.JWTSecret = []byte(secret)
	} else {
		slog.Info("COLLAB_JWT_SECRET not set, accepting unverified identity tokens")
	}
	if *debounceVar > 0 {
		settings.Debounce.Interval = *debounceVar
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	hub := relay.NewHub(ctx, store, settings, relay.NewMetrics(registry))

	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			slog.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})
	hub.Routes(r)
	r.Methods(http.MethodGet).Path("/metrics").Handler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusOK)
	})

	httpServer := &http.Server{Addr: *addrVar, Handler: r}

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("Listening", "addr", *addrVar)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		_ = httpServer.Close()
	}
	cancel()
	hub.Wait()
	wg.Wait()
	return nil
}
