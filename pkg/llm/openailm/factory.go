package openailm

import (
	"pocketmind/pkg/config"
	"pocketmind/pkg/llm"
)

// OpenAIFactory handles creation of OpenAI Clients
type OpenAIFactory struct{}

// Create implements ProviderFactory
// Models x Keys, models first, so a rate-limited key falls through to the next one.
func (f *OpenAIFactory) Create(cfg llm.ProviderGroupConfig, sys *config.SystemConfig) ([]llm.LLMClient, error) {
	var clients []llm.LLMClient

	keys := cfg.APIKeys
	if len(keys) == 0 {
		keys = []string{""}
	}

	for _, model := range cfg.Models {
		for _, key := range keys {
			clients = append(clients, NewClient(cfg.Type, key, model, cfg.BaseURL, cfg.Options))
		}
	}
	return clients, nil
}

func init() {
	llm.RegisterProvider("openai", &OpenAIFactory{})
}
