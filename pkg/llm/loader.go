package llm

import (
	"fmt"
	"log"
	"time"

	"pocketmind/pkg/config"

	jsoniter "github.com/json-iterator/go"
)

// NewFromConfig 根據設定檔建立 LLM Client
// 多個 atomic client 會被包進 FallbackClient；RequestsPerMinute > 0 時再外包一層節流。
func NewFromConfig(rawLLM jsoniter.RawMessage, system *config.SystemConfig) (LLMClient, error) {
	var allAtomicClients []LLMClient

	if rawLLM == nil {
		return nil, fmt.Errorf("missing 'llm' config")
	}

	var groups []ProviderGroupConfig
	if err := json.Unmarshal(rawLLM, &groups); err != nil {
		return nil, fmt.Errorf("failed to parse 'llm' config: %w", err)
	}

	for _, group := range groups {
		log.Printf("Loading LLM Group: %s (%d models)", group.Type, len(group.Models))

		factory, ok := GetProviderFactory(group.Type)
		if !ok {
			log.Printf("⚠️ Unknown provider type: %s (registered: %v)", group.Type, RegisteredProviders())
			continue
		}

		clients, err := factory.Create(group, system)
		if err != nil {
			log.Printf("⚠️ Failed to create clients for %s: %v", group.Type, err)
			continue
		}

		allAtomicClients = append(allAtomicClients, clients...)
	}

	if len(allAtomicClients) == 0 {
		return nil, fmt.Errorf("no LLM clients could be initialized")
	}

	log.Printf("✅ Total atomic LLM clients initialized: %d", len(allAtomicClients))

	var client LLMClient
	if len(allAtomicClients) == 1 {
		client = allAtomicClients[0]
	} else {
		client = &FallbackClient{
			Clients:    allAtomicClients,
			MaxRetries: system.MaxRetries,
			RetryDelay: time.Duration(system.RetryDelayMs) * time.Millisecond,
		}
	}

	if d, ok := client.(DebugSetter); ok {
		d.SetDebug(system.DebugChunks)
	}

	return NewRateLimitedClient(client, system.RequestsPerMinute), nil
}
