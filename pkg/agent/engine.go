package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pocketmind/pkg/config"
	"pocketmind/pkg/llm"
	"pocketmind/pkg/tools"
	"pocketmind/pkg/utils"
	"pocketmind/pkg/validator"
)

// TurnStore persists completed turns. The engine owns no storage format.
type TurnStore interface {
	Save(ctx context.Context, turn Turn) error
	// LoadRecent returns up to limit turns of the conversation, oldest first.
	LoadRecent(ctx context.Context, conversationID string, limit int) ([]Turn, error)
}

// Settings are the engine knobs. A turn reads them once when it starts.
type Settings struct {
	EnableTools bool

	DecisionModel  string
	RecoveryModel  string
	SynthesisModel string

	DecisionTemperature  float64
	RecoveryTemperature  float64
	SynthesisTemperature float64

	// LLMTimeout bounds every text-generation call of a turn.
	LLMTimeout time.Duration
	// ToolTimeout is the default per-call bound; ToolTimeouts overrides it per tool.
	ToolTimeout  time.Duration
	ToolTimeouts map[string]time.Duration

	MaxRecoveryCycles     int
	MinRecoveryConfidence float64
	RecoveryPreviewChars  int
	HistoryDepth          int

	Thresholds   validator.Thresholds
	SystemPrompt string
}

// DefaultSettings mirrors config.DefaultSystemConfig.
func DefaultSettings() Settings {
	return SettingsFromConfig(config.DefaultSystemConfig(), "")
}

// SettingsFromConfig maps system.json onto engine settings.
func SettingsFromConfig(sys *config.SystemConfig, systemPrompt string) Settings {
	s := Settings{
		EnableTools:           sys.EnableTools,
		DecisionModel:         sys.Models.Decision,
		RecoveryModel:         sys.Models.Recovery,
		SynthesisModel:        sys.Models.Synthesis,
		DecisionTemperature:   sys.DecisionTemperature,
		RecoveryTemperature:   sys.RecoveryTemperature,
		SynthesisTemperature:  sys.SynthesisTemperature,
		LLMTimeout:            time.Duration(sys.LLMTimeoutMs) * time.Millisecond,
		ToolTimeout:           time.Duration(sys.ToolTimeoutMs) * time.Millisecond,
		ToolTimeouts:          make(map[string]time.Duration, len(sys.ToolTimeouts)),
		MaxRecoveryCycles:     sys.MaxRecoveryCycles,
		MinRecoveryConfidence: sys.MinRecoveryConfidence,
		RecoveryPreviewChars:  sys.RecoveryPreviewChars,
		HistoryDepth:          sys.HistoryDepth,
		Thresholds:            validator.Thresholds(sys.Validator),
		SystemPrompt:          systemPrompt,
	}
	for name := range sys.ToolTimeouts {
		s.ToolTimeouts[name] = time.Duration(sys.ToolTimeout(name)) * time.Millisecond
	}
	return s
}

func (s Settings) toolTimeout(tool string) time.Duration {
	if d, ok := s.ToolTimeouts[tool]; ok && d > 0 {
		return d
	}
	return s.ToolTimeout
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore persists every completed turn and feeds conversation summaries.
func WithStore(store TurnStore) Option {
	return func(e *Engine) { e.store = store }
}

// WithSettings replaces DefaultSettings.
func WithSettings(s Settings) Option {
	return func(e *Engine) { e.settings.Store(&s) }
}

// WithObserver is called on every state transition of every turn.
func WithObserver(fn func(Turn)) Option {
	return func(e *Engine) { e.observer = fn }
}

// Engine runs turns: decision, tool chain with validation and bounded
// recovery, then streamed synthesis. One goroutine per turn; turns share
// only the frozen registry and the read-only settings snapshot.
type Engine struct {
	client   llm.LLMClient
	registry *tools.ToolRegistry
	store    TurnStore
	observer func(Turn)

	settings atomic.Pointer[Settings]
	wg       sync.WaitGroup
}

func New(client llm.LLMClient, registry *tools.ToolRegistry, opts ...Option) *Engine {
	e := &Engine{client: client, registry: registry.Freeze()}
	def := DefaultSettings()
	e.settings.Store(&def)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// UpdateSettings swaps the settings for turns started from now on.
func (e *Engine) UpdateSettings(s Settings) {
	e.settings.Store(&s)
	slog.Info("⚙️ Engine settings updated", "max_recovery_cycles", s.MaxRecoveryCycles, "tools", s.EnableTools)
}

func (e *Engine) Settings() Settings { return *e.settings.Load() }

func (e *Engine) Registry() *tools.ToolRegistry { return e.registry }

// TurnHandle is the observer's view of a running turn.
type TurnHandle struct {
	ID string

	updates <-chan Turn
	done    chan struct{}
	final   Turn
}

// Updates yields snapshots, latest wins, and is closed after the COMPLETE snapshot.
func (h *TurnHandle) Updates() <-chan Turn { return h.updates }

// Done is closed once the turn is complete and persisted.
func (h *TurnHandle) Done() <-chan struct{} { return h.done }

// Result blocks until the turn completes and returns its final snapshot.
func (h *TurnHandle) Result() Turn {
	<-h.done
	return h.final.Clone()
}

// Start runs a new turn in the background. Cancelling ctx ends the turn
// early; it still reaches COMPLETE.
func (e *Engine) Start(ctx context.Context, req Request) *TurnHandle {
	id := utils.NewTurnID()
	m := newTurnMachine(id, req, e.observer)
	h := &TurnHandle{ID: id, updates: m.feed.ch, done: make(chan struct{})}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(h.done)
		h.final = e.run(context.WithValue(ctx, llm.DebugDirContextKey, id), m, *e.settings.Load())
	}()
	return h
}

// Run is Start followed by Result.
func (e *Engine) Run(ctx context.Context, req Request) Turn {
	return e.Start(ctx, req).Result()
}

// Wait blocks until every started turn has finished.
func (e *Engine) Wait() { e.wg.Wait() }

func (e *Engine) run(ctx context.Context, m *turnMachine, s Settings) (final Turn) {
	req := m.snapshot().Request
	slog.InfoContext(ctx, "🧠 Turn started", "conversation", req.ConversationID)

	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "🔥 Turn panicked", "panic", r)
			final = e.complete(ctx, m, "Something went wrong while handling your message. Please try again.", fmt.Errorf("panic: %v", r))
		}
	}()

	summary := e.summary(ctx, req, s)

	decision := Decision{}
	if s.EnableTools && len(e.registry.GetAll()) > 0 {
		decider := &DecisionEngine{
			Client:      e.client,
			Registry:    e.registry,
			Model:       s.DecisionModel,
			Temperature: s.DecisionTemperature,
		}
		dctx, cancel := withTimeout(ctx, s.LLMTimeout)
		d, err := decider.Decide(dctx, req.Text, summary)
		cancel()
		if err != nil {
			return e.fail(ctx, m, err)
		}
		decision = d
	}

	m.update(func(t *Turn) {
		d := decision.clone()
		t.Decision = &d
		t.ReasoningTrace = decision.ReasoningTrace
	})

	if !decision.RequiresTools {
		if decision.DirectResponse != nil {
			return e.complete(ctx, m, *decision.DirectResponse, nil)
		}
		return e.synthesize(ctx, m, s, req, summary, nil)
	}

	if _, err := m.advance(StateExecutingTool, nil); err != nil {
		slog.ErrorContext(ctx, "Turn transition rejected", "error", err)
	}

	chain := &ChainExecutor{
		Registry:  e.registry,
		Validator: validator.New(s.Thresholds),
		Timeout:   s.toolTimeout,
	}
	records, err := e.executeChain(ctx, m, s, req, chain, decision.Invocations)
	if err != nil {
		return e.fail(ctx, m, err)
	}

	if chain.Usable(records) {
		return e.synthesize(ctx, m, s, req, summary, records)
	}

	snap := m.snapshot()
	msg := terminalMessage(records, snap.Recovery)
	cause := error(newError(KindValidation, "chain", errors.New("no tool produced usable output")))
	if snap.RecoveryCycles > 0 {
		cause = newError(KindRecoveryExhausted, "chain", errors.New("no usable output after recovery"))
	}
	slog.WarnContext(ctx, "⚠️ Turn ends without usable tool output", "error", cause)
	return e.complete(ctx, m, msg, cause)
}

func (e *Engine) executeChain(ctx context.Context, m *turnMachine, s Settings, req Request, chain *ChainExecutor, plan []ToolInvocation) ([]ToolExecutionRecord, error) {
	strategist := &RecoveryStrategist{
		Client:       e.client,
		Registry:     e.registry,
		Model:        s.RecoveryModel,
		Temperature:  s.RecoveryTemperature,
		PreviewChars: s.RecoveryPreviewChars,
	}

	cycles := 0
	hooks := ChainHooks{
		OnStep: func(inv ToolInvocation) {
			slog.InfoContext(ctx, "🔧 Running tool", "tool", inv.Tool, "recovery", inv.recovery)
			m.update(func(t *Turn) {
				t.ActiveTool = inv.Tool
				t.ActiveProgress = ""
			})
		},
		OnProgress: func(tool, msg string) {
			m.update(func(t *Turn) {
				if t.ActiveTool == tool {
					t.ActiveProgress = msg
				}
			})
		},
		OnRecord: func(rec ToolExecutionRecord) {
			m.update(func(t *Turn) {
				t.ToolExecutions = append(t.ToolExecutions, rec)
				t.ActiveTool = ""
				t.ActiveProgress = ""
			})
		},
		Recover: func(ctx context.Context, failed ToolExecutionRecord) ([]ToolInvocation, error) {
			if cycles >= s.MaxRecoveryCycles {
				slog.InfoContext(ctx, "Recovery budget spent", "tool", failed.Tool, "cycles", cycles)
				return nil, nil
			}
			cycles++

			rctx, cancel := withTimeout(ctx, s.LLMTimeout)
			defer cancel()
			strategy, err := strategist.Propose(rctx, Failure{
				Tool:   failed.Tool,
				Args:   failed.Args,
				Output: failed.Output,
				Reason: failed.ValidationReason,
				Query:  req.Text,
				Hints:  req.Hints,
			})
			if err != nil {
				return nil, err
			}

			m.update(func(t *Turn) {
				st := strategy.clone()
				t.Recovery = &st
				t.RecoveryCycles = cycles
			})

			if strategy.RecoveryPossible && len(strategy.Alternatives) > 0 && strategy.Confidence >= s.MinRecoveryConfidence {
				slog.InfoContext(ctx, "🩹 Retrying with alternatives", "count", len(strategy.Alternatives), "confidence", strategy.Confidence)
				return cloneInvocations(strategy.Alternatives), nil
			}
			slog.InfoContext(ctx, "Recovery declined", "possible", strategy.RecoveryPossible, "confidence", strategy.Confidence)
			return nil, nil
		},
	}

	return chain.Execute(ctx, req.Text, plan, hooks)
}

func (e *Engine) synthesize(ctx context.Context, m *turnMachine, s Settings, req Request, summary string, records []ToolExecutionRecord) Turn {
	synth := &Synthesizer{
		Client:       e.client,
		Model:        s.SynthesisModel,
		Temperature:  s.SynthesisTemperature,
		SystemPrompt: s.SystemPrompt,
	}

	base := m.snapshot().ReasoningTrace
	var visible, reasoning strings.Builder

	sctx, cancel := withTimeout(ctx, s.LLMTimeout)
	defer cancel()
	out, err := synth.Stream(sctx, req, summary, records, func(vis, rsn string) {
		visible.WriteString(vis)
		reasoning.WriteString(rsn)
		m.update(func(t *Turn) {
			t.FinalContent = strings.TrimLeft(visible.String(), " \n")
			t.ReasoningTrace = joinTrace(base, reasoning.String())
		})
	})
	if err != nil {
		return e.fail(ctx, m, err)
	}

	if out.Usage != nil {
		llm.LogUsage(s.SynthesisModel, out.Usage)
	}
	content := out.Content
	if content == "" {
		content = "I don't have an answer for that right now."
	}
	m.update(func(t *Turn) { t.ReasoningTrace = joinTrace(base, out.Reasoning) })
	return e.complete(ctx, m, content, nil)
}

// fail forces COMPLETE with a user-readable message.
func (e *Engine) fail(ctx context.Context, m *turnMachine, err error) Turn {
	msg := "Something went wrong while handling your message. Please try again."
	if errors.Is(err, ErrTransport) {
		msg = "⚠️ The language model is unreachable or took too long to answer. Please try again in a moment."
		if errors.Is(err, context.Canceled) {
			msg = "This request was cancelled."
		}
	}
	slog.ErrorContext(ctx, "❌ Turn failed", "error", err)
	return e.complete(ctx, m, msg, err)
}

func (e *Engine) complete(ctx context.Context, m *turnMachine, content string, cause error) Turn {
	final, err := m.advance(StateComplete, func(t *Turn) {
		t.FinalContent = content
		if cause != nil {
			t.Error = cause.Error()
		}
	})
	if err != nil {
		return final
	}
	slog.InfoContext(ctx, "✅ Turn complete", "tools", len(final.ToolExecutions), "recovery_cycles", final.RecoveryCycles)

	if e.store != nil {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := e.store.Save(sctx, final.Clone()); err != nil {
			slog.ErrorContext(ctx, "Failed to persist turn", "error", err)
		}
	}
	return final
}

func (e *Engine) summary(ctx context.Context, req Request, s Settings) string {
	history := req.History
	if len(history) == 0 && e.store != nil && req.ConversationID != "" && s.HistoryDepth > 0 {
		turns, err := e.store.LoadRecent(ctx, req.ConversationID, s.HistoryDepth)
		if err != nil {
			slog.WarnContext(ctx, "Failed to load recent turns", "error", err)
		}
		for _, t := range turns {
			history = append(history, HistoryEntry{UserText: t.Request.Text, Response: t.FinalContent, At: t.CreatedAt})
		}
	}
	return Summarize(history, s.HistoryDepth)
}

func joinTrace(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "\n\n" + b
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
