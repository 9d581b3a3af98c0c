package generator

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

type Config struct {
	Provider   string
	Model      string
	BaseURL    string
	APIKey     string
	Resilience ResilientConfig
}

// New builds the configured backend wrapped in Resilient.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (Generator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var completer Completer
	var err error
	switch strings.ToLower(cfg.Provider) {
	case ProviderOpenAI, "":
		completer, err = NewOpenAI(cfg.APIKey, cfg.Model, cfg.BaseURL)
	case ProviderGemini:
		completer, err = NewGemini(ctx, cfg.APIKey, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown generator provider: %s", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	logger.Info("text generator configured", zap.String("backend", completer.Name()))
	return NewResilient(NewLLM(completer, logger), cfg.Resilience, logger), nil
}
