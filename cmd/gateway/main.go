// Command gateway runs the full voice gateway: the PBX-facing relay, the
// agent WebSocket + HTTP admin surface, and SQLite persistence, wired from
// environment variables the way the teacher's cmd/agent/main.go picks STT
// and LLM providers from STT_PROVIDER/LLM_PROVIDER.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/nationwide-screening/voice-gateway/pkg/agentserver"
	"github.com/nationwide-screening/voice-gateway/pkg/orchestrator"
	llmProvider "github.com/nationwide-screening/voice-gateway/pkg/providers/llm"
	sttProvider "github.com/nationwide-screening/voice-gateway/pkg/providers/stt"
	ttsProvider "github.com/nationwide-screening/voice-gateway/pkg/providers/tts"
	"github.com/nationwide-screening/voice-gateway/pkg/relay"
	"github.com/nationwide-screening/voice-gateway/pkg/store"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file found, using system environment variables")
	}

	stt, err := buildSTT()
	if err != nil {
		logger.Error("failed to configure STT provider", "error", err)
		os.Exit(1)
	}
	llm, err := buildLLM()
	if err != nil {
		logger.Error("failed to configure LLM provider", "error", err)
		os.Exit(1)
	}
	lokutorKey := os.Getenv("LOKUTOR_API_KEY")
	if lokutorKey == "" {
		logger.Error("LOKUTOR_API_KEY must be set")
		os.Exit(1)
	}
	tts := ttsProvider.NewLokutorTTS(lokutorKey)

	cfg := orchestrator.DefaultConfig()
	if lang := os.Getenv("AGENT_LANGUAGE"); lang != "" {
		cfg.Language = orchestrator.Language(lang)
	}

	vad := buildVAD(cfg)

	orchLogger := slogAdapter{logger}
	orch := orchestrator.NewWithLogger(stt, llm, tts, vad, cfg, orchLogger)

	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "gateway.db"
	}
	db, err := store.Open(dbPath)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	agentCfg := agentserver.DefaultConfig()
	if addr := os.Getenv("AGENT_LISTEN_ADDR"); addr != "" {
		agentCfg.ListenAddr = addr
	}
	if prompt := os.Getenv("AGENT_SYSTEM_PROMPT"); prompt != "" {
		agentCfg.SystemPrompt = prompt
	}
	agentSrv := agentserver.New(agentCfg, orch, db, logger)

	relayCfg := relay.DefaultConfig()
	if addr := os.Getenv("RELAY_LISTEN_ADDR"); addr != "" {
		relayCfg.ListenAddr = addr
	}
	if url := os.Getenv("AGENT_WS_URL"); url != "" {
		relayCfg.AgentURL = url
	}
	relaySrv := relay.New(relayCfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return agentSrv.ListenAndServe(gctx) })
	g.Go(func() error { return relaySrv.ListenAndServe(gctx) })

	<-gctx.Done()
	logger.Info("shutting down")

	if err := g.Wait(); err != nil {
		logger.Error("gateway exited with error", "error", err)
		os.Exit(1)
	}
}

func buildSTT() (orchestrator.STTProvider, error) {
	name := os.Getenv("STT_PROVIDER")
	if name == "" {
		name = "groq"
	}
	switch name {
	case "openai":
		return requireKey("OPENAI_API_KEY", func(key string) orchestrator.STTProvider {
			return sttProvider.NewOpenAISTT(key, "whisper-1")
		})
	case "deepgram":
		return requireKey("DEEPGRAM_API_KEY", func(key string) orchestrator.STTProvider {
			return sttProvider.NewDeepgramSTT(key)
		})
	case "assemblyai":
		return requireKey("ASSEMBLYAI_API_KEY", func(key string) orchestrator.STTProvider {
			return sttProvider.NewAssemblyAISTT(key)
		})
	case "groq":
		fallthrough
	default:
		model := os.Getenv("GROQ_STT_MODEL")
		if model == "" {
			model = "whisper-large-v3-turbo"
		}
		return requireKey("GROQ_API_KEY", func(key string) orchestrator.STTProvider {
			return sttProvider.NewGroqSTT(key, model)
		})
	}
}

// buildVAD picks the endpointing detector. "energy" (default) is the
// pre-emphasis-gated detector the orchestrator tunes off Config; "rms" is
// the older no-preemphasis RMS-threshold detector, kept available as a
// lighter-weight fallback for noisy lines where pre-emphasis over-triggers
// on low-frequency line hum.
func buildVAD(cfg orchestrator.Config) orchestrator.VADProvider {
	switch os.Getenv("VAD_MODE") {
	case "rms":
		silence := time.Duration(cfg.VADSilenceTimeoutMS) * time.Millisecond
		return orchestrator.NewRMSVAD(cfg.VADSpeechThreshold, silence)
	case "energy":
		fallthrough
	default:
		return orchestrator.NewEnergyVAD(cfg)
	}
}

func buildLLM() (orchestrator.LLMProvider, error) {
	name := os.Getenv("LLM_PROVIDER")
	if name == "" {
		name = "groq"
	}
	switch name {
	case "openai":
		return requireKey("OPENAI_API_KEY", func(key string) orchestrator.LLMProvider {
			return llmProvider.NewOpenAILLM(key, "gpt-4o")
		})
	case "anthropic":
		return requireKey("ANTHROPIC_API_KEY", func(key string) orchestrator.LLMProvider {
			return llmProvider.NewAnthropicLLM(key, "claude-3-5-sonnet-20241022")
		})
	case "google":
		return requireKey("GOOGLE_API_KEY", func(key string) orchestrator.LLMProvider {
			return llmProvider.NewGoogleLLM(key, "gemini-1.5-flash")
		})
	case "groq":
		fallthrough
	default:
		return requireKey("GROQ_API_KEY", func(key string) orchestrator.LLMProvider {
			return llmProvider.NewGroqLLM(key, "llama-3.3-70b-versatile")
		})
	}
}

func requireKey[T any](envVar string, build func(key string) T) (T, error) {
	var zero T
	key := os.Getenv(envVar)
	if key == "" {
		return zero, missingEnvError(envVar)
	}
	return build(key), nil
}

type missingEnvError string

func (e missingEnvError) Error() string {
	return string(e) + " must be set"
}

// slogAdapter satisfies orchestrator.Logger with log/slog, replacing the
// teacher's raw fmt.Println event loop logging with structured logging
// shared across the whole gateway process.
type slogAdapter struct {
	l *slog.Logger
}

func (a slogAdapter) Debug(msg string, args ...interface{}) { a.l.Debug(msg, args...) }
func (a slogAdapter) Info(msg string, args ...interface{})  { a.l.Info(msg, args...) }
func (a slogAdapter) Warn(msg string, args ...interface{})  { a.l.Warn(msg, args...) }
func (a slogAdapter) Error(msg string, args ...interface{}) { a.l.Error(msg, args...) }
