// Package main is the entry point for the llmrouter proxy: it loads
// configuration, constructs every pipeline component (Tokenizer,
// Env-Deduper, Chunk Store, Condenser, Context Manager, Upstream Client,
// Async Log Sink, metrics Registry), wires them into the HTTP server, and
// runs until an OS signal asks it to shut down cleanly.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/howard-nolan/llmrouter/internal/chatmsg"
	"github.com/howard-nolan/llmrouter/internal/chunkstore"
	"github.com/howard-nolan/llmrouter/internal/condenser"
	"github.com/howard-nolan/llmrouter/internal/config"
	"github.com/howard-nolan/llmrouter/internal/contextmgr"
	"github.com/howard-nolan/llmrouter/internal/envdedup"
	"github.com/howard-nolan/llmrouter/internal/logsink"
	"github.com/howard-nolan/llmrouter/internal/metrics"
	"github.com/howard-nolan/llmrouter/internal/router"
	"github.com/howard-nolan/llmrouter/internal/server"
	"github.com/howard-nolan/llmrouter/internal/summarizer"
	"github.com/howard-nolan/llmrouter/internal/tokenizer"
	"github.com/howard-nolan/llmrouter/internal/upstream"
)

// performanceLevelToMinLevel maps the LOGGING_PERFORMANCE_LEVEL config
// string onto the Log Sink's Level type: "minimal" keeps only Critical
// entries, "max_detail" (or "verbose") keeps everything down to Debug, and
// "balanced", "performance", an empty value and anything unrecognized keep
// Critical and Important entries.
func performanceLevelToMinLevel(level string) logsink.Level {
	switch level {
	case "minimal":
		return logsink.Critical
	case "max_detail", "verbose":
		return logsink.Debug
	case "balanced", "":
		return logsink.Important
	default:
		return logsink.Important
	}
}

func main() {
	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	tok := tokenizer.New(1000)
	messageCounter := func(messages []chatmsg.Message) int {
		return tok.CountMessages(messages, "").Total
	}
	textCounter := func(text string) int {
		return tok.CountText(text)
	}

	upstreamClient := upstream.New(cfg.Upstream)

	var deduper *envdedup.Deduper
	if cfg.EnvDedup.Strategy != "" {
		deduper = envdedup.New(envdedup.Config{
			Enabled:  true,
			Strategy: envdedup.Strategy(cfg.EnvDedup.Strategy),
			MaxAge:   cfg.EnvDedup.MaxAge,
		}, textCounter)
	}

	var chunks *chunkstore.Store
	if cfg.Chunk.Enabled {
		chunks, err = chunkstore.New(chunkstore.Config{
			Enabled:         cfg.Chunk.Enabled,
			SizeMessages:    cfg.Chunk.SizeMessages,
			MaxTokens:       cfg.Chunk.MaxTokens,
			OverlapMessages: cfg.Chunk.OverlapMessages,
			CacheSize:       cfg.Chunk.CacheSize,
			CacheTTL:        cfg.Chunk.CacheTTL,
			AgeThreshold:    cfg.Chunk.AgeThreshold,
			CacheDir:        cfg.Chunk.CacheDir,
		}, messageCounter)
		if err != nil {
			log.Fatalf("failed to build chunk store: %v", err)
		}
		if err := chunks.StartCleaner(""); err != nil {
			log.Printf("chunk store cleaner not started: %v", err)
		}
	}

	summarize := summarizer.New(upstreamClient, "")
	cond := condenser.New(condenser.Config{
		Enabled:           true,
		DefaultStrategy:   condenser.Strategy(cfg.Condense.DefaultStrategy),
		CautionThreshold:  cfg.Condense.CautionThreshold,
		WarningThreshold:  cfg.Condense.WarningThreshold,
		CriticalThreshold: cfg.Condense.CriticalThreshold,
		MinMessages:       cfg.Condense.MinMessages,
		CacheTTL:          cfg.Condense.CacheTTL,
		CacheSize:         cfg.Condense.CacheSize,
		Timeout:           cfg.Condense.Timeout,
	}, messageCounter, summarize)

	ctxMgr := contextmgr.New(contextmgr.Config{
		TextLimit:         cfg.Windows.AnthropicTextTokens,
		VisionLimit:       cfg.Windows.OpenAIVisionTokens,
		CautionThreshold:  cfg.Condense.CautionThreshold,
		WarningThreshold:  cfg.Condense.WarningThreshold,
		CriticalThreshold: cfg.Condense.CriticalThreshold,
		MinMessages:       cfg.Condense.MinMessages,
		CacheSize:         cfg.Condense.CacheSize,
	}, messageCounter, deduper, cond, chunks)

	logs := logsink.New(logsink.Config{
		MinLevel:     performanceLevelToMinLevel(cfg.Logging.PerformanceLevel),
		Dir:          cfg.Logging.Dir,
		BatchSize:    cfg.Logging.BatchSize,
		BatchTimeout: cfg.Logging.BatchTimeout,
	})

	reg := prometheus.NewRegistry()
	metricsRegistry := metrics.New(reg)

	srv := server.New(cfg, server.Dependencies{
		Routing: router.Config{
			ModelMap:        cfg.Routing.ModelMap,
			AutoTextModel:   cfg.Routing.AutoTextModel,
			AutoVisionModel: cfg.Routing.AutoVisionModel,
		},
		ContextMgr:                ctxMgr,
		Tokenizer:                 tok,
		Upstream:                  upstreamClient,
		Logs:                      logs,
		Metrics:                   metricsRegistry,
		ScaleCountTokensForVision: cfg.Routing.ScaleCountTokensForVision,
		VisionCountScale:          cfg.Routing.VisionCountScale,
	})

	mux := http.NewServeMux()
	mux.Handle("/", srv)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Printf("llmrouter listening on :%d", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	if chunks != nil {
		chunks.Stop()
	}
	logs.Stop()
}
