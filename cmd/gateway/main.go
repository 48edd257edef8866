package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aiserve/gpuproxy/internal/config"
	"github.com/aiserve/gpuproxy/internal/logging"
	"github.com/aiserve/gpuproxy/internal/metrics"
	"github.com/aiserve/gpuproxy/internal/outbound"
	"github.com/gorilla/mux"
)

var debugMode bool

func main() {
	flag.BoolVar(&debugMode, "dm", false, "Enable debug mode")
	flag.BoolVar(&debugMode, "debug-mode", false, "Enable debug mode")
	flag.Parse()

	if debugMode {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logCfg := logging.SyslogConfig{
		Enabled:  cfg.Logging.SyslogEnabled,
		Network:  cfg.Logging.SyslogNetwork,
		Address:  cfg.Logging.SyslogAddress,
		Tag:      cfg.Logging.SyslogTag,
		Facility: cfg.Logging.SyslogFacility,
		FilePath: cfg.Logging.LogFile,
	}
	if err := logging.Initialize(logCfg); err != nil {
		log.Printf("Warning: failed to initialize logging: %v", err)
	}
	defer func() {
		if logger := logging.GetLogger(); logger != nil {
			logger.Close()
		}
	}()

	logLevel := logging.INFO
	if debugMode {
		logLevel = logging.DEBUG
	}
	logging.InitStructuredLogger("outbound-gateway", logLevel)

	sinks, err := buildSinks(cfg)
	if err != nil {
		log.Fatalf("Failed to build sinks: %v", err)
	}
	if len(sinks) == 0 {
		log.Fatal("No sinks configured; set SINK_ENDPOINTS or SINK_<NAME>_ENDPOINTS")
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", handleHealth).Methods("GET")
	router.HandleFunc("/metrics", handleMetrics).Methods("GET")
	router.HandleFunc("/metrics.json", handleMetricsJSON).Methods("GET")
	router.HandleFunc("/events/{sink}", handleEvent(sinks)).Methods("POST")

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Printf("Starting outbound gateway on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down gateway...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Gateway forced to shutdown: %v", err)
	}
	log.Println("Gateway exited gracefully")
}

// buildSinks assembles one outbound.Sender per named sink, each wired up
// over one or more HTTP endpoints (single-endpoint Build, or BuildDistributed
// for more than one). Endpoint URLs are sink-specific env vars of the form
// SINK_<NAME>_ENDPOINTS (comma-separated); a bare SINK_ENDPOINTS defines the
// sink named "default". Per-sink tuning, if present, comes from
// cfg.Sinks[name] (see internal/config.Load).
func buildSinks(cfg *config.Config) (map[string]outbound.Sender[telemetryRequest, telemetryResponse], error) {
	sinks := make(map[string]outbound.Sender[telemetryRequest, telemetryResponse])
	client := &http.Client{}

	for _, env := range os.Environ() {
		key, value, ok := strings.Cut(env, "=")
		if !ok || value == "" {
			continue
		}

		var name string
		switch {
		case key == "SINK_ENDPOINTS":
			name = "default"
		case strings.HasPrefix(key, "SINK_") && strings.HasSuffix(key, "_ENDPOINTS"):
			name = strings.ToLower(strings.TrimSuffix(strings.TrimPrefix(key, "SINK_"), "_ENDPOINTS"))
		default:
			continue
		}

		urls := strings.Split(value, ",")
		settings := outbound.Resolve(cfg.Sinks[name], outbound.RequestConfig{})

		if len(urls) == 1 {
			inner := newHTTPSender(client, strings.TrimSpace(urls[0]))
			sinks[name] = outbound.Build(settings, sinkRetryLogic{}, inner)
			continue
		}

		endpoints := make([]outbound.DistributedEndpoint[telemetryRequest, telemetryResponse], len(urls))
		for i, u := range urls {
			endpoints[i] = outbound.DistributedEndpoint[telemetryRequest, telemetryResponse]{
				Label: strings.TrimSpace(u),
				Inner: newHTTPSender(client, strings.TrimSpace(u)),
			}
		}
		sinks[name] = outbound.BuildDistributed[telemetryRequest, telemetryResponse](
			context.Background(), settings, sinkRetryLogic{}, endpoints,
			outbound.WithHealthLogic[telemetryRequest, telemetryResponse](sinkHealthLogic{}),
		)
	}

	return sinks, nil
}

func handleEvent(sinks map[string]outbound.Sender[telemetryRequest, telemetryResponse]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["sink"]
		sink, ok := sinks[name]
		if !ok {
			http.Error(w, fmt.Sprintf("unknown sink %q", name), http.StatusNotFound)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}

		start := time.Now()
		resp, err := sink.Send(r.Context(), telemetryRequest{Body: body})
		metrics.GetMetrics().RecordRequest(time.Since(start), err == nil)

		if err != nil {
			logging.LogError("gateway", fmt.Sprintf("delivery to sink %q failed", name), err)
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}

		w.WriteHeader(resp.StatusCode)
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprint(w, metrics.GetMetrics().ToPrometheus())
}

func handleMetricsJSON(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(metrics.GetMetrics().ToJSON())
}
