// Package main is the entry point for the companion server and its
// maintenance commands.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/normanking/cortexcompanion/internal/analytics"
	"github.com/normanking/cortexcompanion/internal/bus"
	"github.com/normanking/cortexcompanion/internal/calibration"
	"github.com/normanking/cortexcompanion/internal/config"
	"github.com/normanking/cortexcompanion/internal/data"
	"github.com/normanking/cortexcompanion/internal/emotion"
	"github.com/normanking/cortexcompanion/internal/llm"
	"github.com/normanking/cortexcompanion/internal/logging"
	"github.com/normanking/cortexcompanion/internal/mood"
	"github.com/normanking/cortexcompanion/internal/orchestrator"
	"github.com/normanking/cortexcompanion/internal/persona"
	"github.com/normanking/cortexcompanion/internal/server"
	"github.com/normanking/cortexcompanion/internal/tone"
	"github.com/normanking/cortexcompanion/internal/tts"
	"github.com/normanking/cortexcompanion/internal/vision"
)

var (
	version = "0.1.0"
	cfgPath string
	verbose bool
	cfg     *config.Config
	log     *logging.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "companion",
		Short: "Emotion-aware conversational companion",
		Long: `companion fuses facial expression and message tone into a mood,
picks a persona for it, and answers in that persona's voice.

Start the server:        companion serve
Score a message:         companion analyze "I had a great day!"
Calibration profile:     companion calibration status <user>`,
		PersistentPreRunE: setup,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if log != nil {
				log.Close()
			}
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default ~/.companion/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("companion v%s\n", version)
		},
	})
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(analyzeCmd())
	rootCmd.AddCommand(calibrationCmd())
	rootCmd.AddCommand(historyCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads .env, the config file and the logger.
func setup(cmd *cobra.Command, args []string) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: failed to load .env: %v\n", err)
	}

	if cfgPath == "" {
		cfgPath = config.DefaultPath()
	}
	var err error
	cfg, err = config.LoadFromPath(cfgPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	level := logging.LogLevel(cfg.Logging.Level)
	if verbose {
		level = logging.LevelDebug
	}
	log, err = logging.New(&logging.Config{
		LogDir:  cfg.Logging.Dir,
		Level:   level,
		Console: cfg.Logging.Console || verbose,
	})
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	return nil
}

func openStore() (*data.Store, error) {
	store, err := data.NewDB(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return store, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// SERVE
// ═══════════════════════════════════════════════════════════════════════════════

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP/WebSocket server and the background emotion monitor",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := log.Zerolog()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	eventBus := bus.NewEventBus()

	classifier := vision.NewHTTPClassifier(cfg.Vision.ClassifierURL, cfg.Vision.Timeout)
	profiles := calibration.NewStore(store, classifier, eventBus, logger)

	registry := emotion.NewRegistry(emotion.RegistryConfig{
		Detector: detectorConfig(cfg),
		Camera: vision.Config{
			CameraEnabled: true,
			MaxFrameAge:   cfg.Emotion.FrameMaxAge,
		},
		MonitorInterval: cfg.Emotion.MonitorInterval,
		MonitorEnabled:  cfg.Emotion.MonitorEnabled,
	}, emotion.NewAdapter(classifier, logger), profiles, eventBus, logger)
	defer registry.Close()

	provider, err := newLLM(logger)
	if err != nil {
		return err
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Model:              cfg.LLM.Model,
		Temperature:        cfg.LLM.Temperature,
		MaxTokens:          cfg.LLM.MaxTokens,
		ContextTurns:       cfg.LLM.ContextTurns,
		SentimentThreshold: orchestrator.DefaultConfig().SentimentThreshold,
	}, orchestrator.Deps{
		Emotions: registry,
		Tracker:  mood.NewTracker(),
		Catalog:  persona.DefaultCatalog(),
		Store:    store,
		LLM:      provider,
		Speech:   newSpeech(logger),
		Audio:    tts.NewAudioStore(cfg.TTS.AudioTTL),
		Bus:      eventBus,
	}, logger)
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		Addr:       cfg.Server.Addr,
		RatePerSec: cfg.Server.RatePerSec,
		Burst:      cfg.Server.Burst,
	}, server.Deps{
		Orchestrator: orch,
		Perception:   registry,
		History:      store,
		Analytics:    analytics.NewEngine(store, time.Local),
		Calibration:  profiles,
		Logs:         log,
		Bus:          eventBus,
	}, logger)
	if err != nil {
		return err
	}

	if err := config.Watch(cfgPath, func(next *config.Config) {
		e := next.Emotion
		registry.Tune(e.CacheTTL, e.ConfidenceThreshold, e.PersonalizedThreshold)
		logger.Info().
			Dur("cache_ttl", e.CacheTTL).
			Float64("confidence_threshold", e.ConfidenceThreshold).
			Float64("personalized_threshold", e.PersonalizedThreshold).
			Msg("Emotion settings reloaded")
	}, func(err error) {
		logger.Warn().Err(err).Msg("Ignoring config change")
	}); err != nil {
		logger.Warn().Err(err).Msg("Config hot reload disabled")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		registry.Close()
		return nil
	})

	logger.Info().Str("addr", cfg.Server.Addr).Str("version", version).Msg("Companion started")
	err = g.Wait()
	orch.Wait()
	eventBus.Drain()
	logger.Info().Msg("Companion stopped")
	return err
}

func detectorConfig(c *config.Config) emotion.DetectorConfig {
	dc := emotion.DefaultDetectorConfig()
	dc.CacheTTL = c.Emotion.CacheTTL
	dc.ConfidenceThreshold = c.Emotion.ConfidenceThreshold
	dc.WindowSize = c.Emotion.WindowSize
	dc.PersonalizedThreshold = c.Emotion.PersonalizedThreshold
	return dc
}

func newLLM(logger zerolog.Logger) (llm.Provider, error) {
	key := cfg.LLM.APIKey
	if key == "" {
		key = os.Getenv("OPENAI_API_KEY")
	}
	provider, err := llm.NewOpenAIProvider(llm.OpenAIConfig{
		APIKey:      key,
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("llm: %w (set llm.api_key, COMPANION_LLM_API_KEY or OPENAI_API_KEY)", err)
	}

	bc := llm.DefaultBreakerConfig()
	if cfg.LLM.MaxFailures > 0 {
		bc.MaxFailures = uint32(cfg.LLM.MaxFailures)
	}
	return llm.NewGuarded(provider, bc, logger), nil
}

// newSpeech returns nil when speech is disabled or has no credentials.
func newSpeech(logger zerolog.Logger) tts.Provider {
	if !cfg.TTS.Enabled {
		return nil
	}
	// An empty key falls back to OPENAI_API_KEY inside the provider.
	p := tts.NewOpenAIProvider(logger, &tts.OpenAIConfig{
		APIKey:   cfg.TTS.APIKey,
		Endpoint: cfg.TTS.Endpoint,
		Model:    cfg.TTS.Model,
	})
	if err := p.Health(context.Background()); err != nil {
		logger.Warn().Err(err).Msg("Speech disabled")
		return nil
	}
	return p
}

// ═══════════════════════════════════════════════════════════════════════════════
// ANALYZE
// ═══════════════════════════════════════════════════════════════════════════════

func analyzeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "analyze <text>",
		Short: "Score the tone of a message and show the persona it would get",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res := tone.Analyze(args[0])
			sentiment := mood.SentimentOf(res.Signal(), orchestrator.DefaultConfig().SentimentThreshold)
			m := mood.Reduce(emotion.Neutral, sentiment)
			p := persona.DefaultCatalog().Select(m)

			out := map[string]any{
				"tone":      res,
				"sentiment": sentiment,
				"mood":      m,
				"persona":   p.Name,
				"voice":     p.Voice,
				"speed":     tts.SpeedForTone(string(p.Tone)),
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// CALIBRATION
// ═══════════════════════════════════════════════════════════════════════════════

func calibrationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "calibration",
		Short: "Inspect or reset a user's calibration profile",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status <user>",
		Short: "Show calibration sample counts per emotion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			counts, err := store.CalibrationCounts(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(counts) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No calibration for %s\n", args[0])
				return nil
			}
			labels := make([]string, 0, len(counts))
			for l := range counts {
				labels = append(labels, l)
			}
			sort.Strings(labels)
			fmt.Fprintf(cmd.OutOrStdout(), "Calibration for %s:\n", args[0])
			for _, l := range labels {
				fmt.Fprintf(cmd.OutOrStdout(), "  %-10s %d\n", l, counts[l])
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear <user>",
		Short: "Delete all calibration samples for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.ClearCalibration(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Calibration cleared for %s\n", args[0])
			return nil
		},
	})
	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// HISTORY
// ═══════════════════════════════════════════════════════════════════════════════

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Maintain stored conversation history",
	}

	var days int
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete conversations and emotion records older than --days",
		RunE: func(cmd *cobra.Command, args []string) error {
			if days <= 0 {
				return fmt.Errorf("--days must be positive")
			}
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.PruneOlderThan(cmd.Context(), time.Duration(days)*24*time.Hour)
			if err != nil {
				return err
			}
			log.Component("history").Info().Int64("rows", n).Int("days", days).Msg("History pruned")
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d rows older than %d days\n", n, days)
			return nil
		},
	}
	prune.Flags().IntVar(&days, "days", 30, "keep records newer than this many days")
	cmd.AddCommand(prune)
	return cmd
}
