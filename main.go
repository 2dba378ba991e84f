package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"pocketmind/pkg/agent"
	"pocketmind/pkg/channels"
	_ "pocketmind/pkg/channels/telegram" // 註冊 telegram channel
	_ "pocketmind/pkg/channels/web"      // 註冊 web channel
	"pocketmind/pkg/config"
	"pocketmind/pkg/gateway"
	"pocketmind/pkg/handler"
	"pocketmind/pkg/llm"
	_ "pocketmind/pkg/llm/gemini" // 註冊 LLM Providers
	_ "pocketmind/pkg/llm/ollama"
	_ "pocketmind/pkg/llm/openailm"
	"pocketmind/pkg/monitor"
	"pocketmind/pkg/store"
	"pocketmind/pkg/tools"
	"pocketmind/pkg/tools/web"
)

func main() {
	appPath := flag.String("config", "config.json", "application config (channels, llm, tools, store)")
	sysPath := flag.String("system", "system.json", "engine parameters, hot-reloaded")
	flag.Parse()

	monitor.PrintBanner()
	level := monitor.SetupSlog("info")

	// --- 0. 讀取設定檔 ---
	cfg, sys, err := config.Load(*appPath, *sysPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
	level.Set(monitor.ParseLevel(sys.LogLevel))

	// --- 1. LLM 設定 ---
	client, err := llm.NewFromConfig(cfg.LLM, sys)
	if err != nil {
		slog.Error("❌ Failed to init LLM client", "error", err)
		os.Exit(1)
	}

	// --- 2. 工具與持久化 ---
	registry := buildRegistry(cfg.Tools)

	turns, err := store.Open(cfg.Store)
	if err != nil {
		slog.Error("❌ Failed to open turn store", "driver", cfg.Store.Driver, "error", err)
		os.Exit(1)
	}
	defer turns.Close()

	// --- 3. Engine ---
	cli := monitor.NewCLIMonitor()
	engine := agent.New(client, registry,
		agent.WithStore(turns),
		agent.WithSettings(agent.SettingsFromConfig(sys, cfg.SystemPrompt)),
		agent.WithObserver(cli.OnTurn),
	)
	chat := handler.NewChatHandler(engine, turns, sys)

	// --- 4. Gateway 初始化（使用 Builder 模式）---
	built := channels.LoadFromConfig(cfg.Channels, channels.Deps{System: sys, Turns: turns})
	if len(built) == 0 {
		slog.Warn("⚠️ No channels configured, nothing will receive messages", "registered", channels.RegisteredChannels())
	}

	gw, err := gateway.NewGatewayBuilder().
		WithSystemConfig(sys).
		WithMonitor(cli).
		WithChannel(built...).
		WithHandler(chat).
		Build()
	if err != nil {
		slog.Error("❌ Failed to build gateway", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- 5. system.json 熱更新 ---
	go config.WatchSystemConfig(ctx, *sysPath, func(next *config.SystemConfig) {
		level.Set(monitor.ParseLevel(next.LogLevel))
		engine.UpdateSettings(agent.SettingsFromConfig(next, cfg.SystemPrompt))
		chat.UpdateSystemConfig(next)
		if rl, ok := client.(*llm.RateLimitedClient); ok {
			rl.SetRPM(next.RequestsPerMinute)
		}
		if d, ok := client.(llm.DebugSetter); ok {
			d.SetDebug(next.DebugChunks)
		}
	})

	slog.Info("✅ PocketMind ready", "channels", gw.ChannelIDs(), "tools", len(registry.GetAll()))

	// 等待信號
	<-ctx.Done()
	slog.Info("Received shutdown signal. Stopping services...")

	gw.StopAll()
	engine.Wait()
	slog.Info("Bye!")
}

// buildRegistry registers the built-in tools enabled in config.json.
func buildRegistry(cfg config.ToolsConfig) *tools.ToolRegistry {
	registry := tools.NewToolRegistry()
	if cfg.WebFetch {
		registry.MustRegister(web.NewFetchTool(nil, cfg.UserAgent, cfg.MaxFetchBytes))
	}
	if cfg.ContentExtract {
		registry.MustRegister(web.NewExtractTool(0))
	}
	return registry
}
