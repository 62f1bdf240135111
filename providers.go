package packbot

import (
	"fmt"

	"github.com/hupe1980/packbot/config"
	"github.com/hupe1980/packbot/model"
	"github.com/hupe1980/packbot/model/anthropic"
	"github.com/hupe1980/packbot/model/openai"
)

// NewProvider creates the language model selected by cfg.Type. The mock
// provider echoes the last user message.
func NewProvider(cfg config.ProviderConfig) (model.Provider, error) {
	switch cfg.Type {
	case config.ProviderMock, "":
		name := cfg.Model
		if name == "" {
			name = "mock"
		}
		return model.NewScriptedModel(name), nil
	case config.ProviderOpenAI:
		return openai.New(func(o *openai.Options) {
			if cfg.Model != "" {
				o.Model = cfg.Model
			}
			o.APIKey = cfg.APIKey
			o.BaseURL = cfg.BaseURL
		}), nil
	case config.ProviderAnthropic:
		return anthropic.New(func(o *anthropic.Options) {
			if cfg.Model != "" {
				o.Model = cfg.Model
			}
			o.APIKey = cfg.APIKey
			o.BaseURL = cfg.BaseURL
		}), nil
	}

	return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
}
