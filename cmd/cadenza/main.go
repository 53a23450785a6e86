package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cadenza-audio/cadenza/internal/audio"
	"github.com/cadenza-audio/cadenza/internal/bargein"
	"github.com/cadenza-audio/cadenza/internal/config"
	"github.com/cadenza-audio/cadenza/internal/feed"
	"github.com/cadenza-audio/cadenza/internal/logging"
	"github.com/cadenza-audio/cadenza/internal/metrics"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "config file path")
	flag.Parse()

	// Optional .env for local runs; absence is fine.
	_ = godotenv.Load()

	appConfig, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logging.Init(logging.Config{
		Level:  appConfig.Logging.Level,
		Format: appConfig.Logging.Format,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()

	logging.SetSessionID(logging.NewSessionID())
	logging.Infof("Cadenza starting (config=%s)", *configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink, err := audio.NewPortAudioSink(appConfig.Playback.SampleRate)
	if err != nil {
		logging.Fatalf("Failed to open audio sink: %v", err)
	}

	engine := audio.NewEngine(engineConfig(appConfig.Playback), sink)
	if err := engine.Start(ctx); err != nil {
		logging.Fatalf("Failed to start playback engine: %v", err)
	}

	controller := bargein.NewController(bargein.Config{
		SpeechConfirm: time.Duration(appConfig.BargeIn.SpeechConfirmMs) * time.Millisecond,
		HardBargeMin:  time.Duration(appConfig.BargeIn.HardBargeMinDurationMs) * time.Millisecond,
		Fade:          time.Duration(appConfig.Playback.FadeOutDurationMs) * time.Millisecond,
	}, engine)

	collector := metrics.NewCollector(prometheus.DefaultRegisterer)
	engine.SetObserver(collector)
	controller.SetObserver(collector)

	ingestMux := http.NewServeMux()
	ingestMux.Handle("/ingest", &feed.Handler{Engine: engine, Control: controller})
	ingestMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "ok state=%s\n", engine.State())
	})
	ingestServer := &http.Server{Addr: appConfig.Server.IngestListen, Handler: ingestMux}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: appConfig.Server.MetricsListen, Handler: metricsMux}

	go func() {
		logging.Infof("Ingest listening on %s", appConfig.Server.IngestListen)
		if err := ingestServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatalf("Ingest server: %v", err)
		}
	}()
	go func() {
		logging.Infof("Metrics listening on %s", appConfig.Server.MetricsListen)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatalf("Metrics server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logging.Infof("Received %s, shutting down", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = ingestServer.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)
	cancel()

	if err := engine.Close(); err != nil {
		logging.Errorf("Engine close: %v", err)
	}
	logging.Infof("Cadenza stopped")
}

func engineConfig(p config.PlaybackConfig) audio.EngineConfig {
	return audio.EngineConfig{
		SampleRate:       p.SampleRate,
		PrebufferEnabled: p.PrebufferEnabled,
		PrebufferChunks:  p.PrebufferChunks,
		PrebufferTimeout: time.Duration(p.PrebufferTimeoutMs) * time.Millisecond,
		CrossfadeEnabled: p.CrossfadeEnabled,
		CrossfadeSamples: p.CrossfadeSamples,
		Lookahead:        time.Duration(p.LookaheadSeconds * float64(time.Second)),
		MaxQueueDuration: time.Duration(p.MaxQueueDurationMs) * time.Millisecond,
		SafetyMargin:     time.Duration(p.SafetyMarginMs) * time.Millisecond,
		FadeOut:          time.Duration(p.FadeOutDurationMs) * time.Millisecond,
		WatchdogInterval: time.Duration(p.WatchdogIntervalMs) * time.Millisecond,
	}
}
