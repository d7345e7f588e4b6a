package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// GenkitConfig tunes the in-process backend.
type GenkitConfig struct {
	Provider string // "anthropic", "openai", "google"
	Model    string
	APIKey   string
}

// GenkitBackend answers directly via an LLM API instead of spawning a
// container. Meant for development setups and hosts without docker; it trades
// the sandbox for zero infrastructure.
type GenkitBackend struct {
	cfg    GenkitConfig
	logger *slog.Logger
	g      *genkit.Genkit
	llmOn  bool
}

func NewGenkitBackend(cfg GenkitConfig, logger *slog.Logger) *GenkitBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &GenkitBackend{
		cfg:    cfg,
		logger: logger.With("component", "genkit-backend"),
	}
}

func (b *GenkitBackend) Init(ctx context.Context) error {
	provider := strings.ToLower(strings.TrimSpace(b.cfg.Provider))
	if provider == "" {
		provider = "anthropic"
	}
	apiKey := strings.TrimSpace(b.cfg.APIKey)

	switch provider {
	case "anthropic":
		if apiKey != "" {
			plugin := &anthropic.Anthropic{
				APIKey:  apiKey,
				BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
			}
			b.g = genkit.Init(ctx, genkit.WithPlugins(plugin))
			b.llmOn = true
			b.logger.Info("genkit backend initialized", "provider", provider, "model", b.modelName())
		} else {
			b.g = genkit.Init(ctx)
			b.logger.Warn("Anthropic API key missing; using deterministic fallback")
		}
	case "openai":
		if apiKey != "" {
			plugin := &compat_oai.OpenAICompatible{
				Provider: "openai",
				APIKey:   apiKey,
				BaseURL:  os.Getenv("OPENAI_BASE_URL"),
			}
			b.g = genkit.Init(ctx, genkit.WithPlugins(plugin))
			b.llmOn = true
			b.logger.Info("genkit backend initialized", "provider", provider, "model", b.modelName())
		} else {
			b.g = genkit.Init(ctx)
			b.logger.Warn("OpenAI API key missing; using deterministic fallback")
		}
	case "google":
		if apiKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			b.g = genkit.Init(ctx,
				genkit.WithPlugins(&googlegenai.GoogleAI{}),
				genkit.WithDefaultModel(b.modelName()),
			)
			b.llmOn = true
			b.logger.Info("genkit backend initialized", "provider", provider, "model", b.modelName())
		} else {
			b.g = genkit.Init(ctx)
			b.logger.Warn("Google API key missing; using deterministic fallback")
		}
	default:
		return fmt.Errorf("unknown genkit provider %q", provider)
	}
	return nil
}

func (b *GenkitBackend) modelName() string {
	model := strings.TrimSpace(b.cfg.Model)
	switch strings.ToLower(strings.TrimSpace(b.cfg.Provider)) {
	case "openai":
		if model == "" {
			model = "gpt-4o"
		}
		return "openai/" + model
	case "google":
		if model == "" {
			model = "gemini-2.0-flash"
		}
		return "googleai/" + model
	default:
		if model == "" {
			model = "claude-sonnet-4-5"
		}
		return "anthropic/" + model
	}
}

func (b *GenkitBackend) HealthCheck(ctx context.Context) error {
	if b.g == nil {
		return fmt.Errorf("genkit backend not initialized")
	}
	return nil
}

func (b *GenkitBackend) Shutdown(ctx context.Context) error {
	return nil
}

func (b *GenkitBackend) Run(ctx context.Context, req RunRequest) (<-chan AgentEvent, error) {
	if b.g == nil {
		return nil, fmt.Errorf("genkit backend not initialized")
	}

	events := make(chan AgentEvent, 16)
	go func() {
		defer close(events)

		if !b.llmOn {
			events <- Final{Text: "I can answer with full reasoning once an API key is configured."}
			return
		}

		// Escape % characters to prevent fmt corruption in ai.WithSystem.
		system := strings.ReplaceAll(systemPrompt(req.Folder), "%", "%%")
		opts := []ai.GenerateOption{
			ai.WithModelName(b.modelName()),
			ai.WithPrompt(req.Prompt),
			ai.WithSystem(system),
		}

		stream := genkit.GenerateStream(ctx, b.g, opts...)

		var fullReply strings.Builder
		var doneReply string
		for streamVal, err := range stream {
			if err != nil {
				events <- ErrorEvent{Err: fmt.Errorf("stream error: %w", err), Terminal: false}
				return
			}
			if streamVal.Chunk != nil {
				for _, part := range streamVal.Chunk.Content {
					if part.Kind == ai.PartText && part.Text != "" {
						events <- Chunk{Text: part.Text}
						fullReply.WriteString(part.Text)
					}
				}
			}
			if streamVal.Done && streamVal.Response != nil {
				doneReply = streamVal.Response.Text()
			}
		}

		finalReply := fullReply.String()
		if finalReply == "" {
			finalReply = doneReply
		}
		if finalReply == "" {
			events <- ErrorEvent{Err: fmt.Errorf("model returned empty reply"), Terminal: false}
			return
		}
		events <- Final{Text: finalReply}
	}()
	return events, nil
}

func systemPrompt(folder string) string {
	return fmt.Sprintf(
		"You are the assistant for the %q group. You receive the recent chat window; answer the most recent request directly and concisely. When nothing needs a reply, say so briefly.",
		folder,
	)
}
