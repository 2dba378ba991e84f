package agent

import (
	"bytes"
	"time"

	jsoniter "github.com/json-iterator/go"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// State is the lifecycle position of a Turn. It only moves forward.
type State string

const (
	StateThinking      State = "THINKING"
	StateExecutingTool State = "EXECUTING_TOOL"
	StateComplete      State = "COMPLETE"
)

func (s State) rank() int {
	switch s {
	case StateThinking:
		return 1
	case StateExecutingTool:
		return 2
	case StateComplete:
		return 3
	default:
		return 0
	}
}

// CanAdvanceTo reports whether s -> next is a legal transition.
// Staying in place is allowed except in COMPLETE, which is terminal.
func (s State) CanAdvanceTo(next State) bool {
	if s == StateComplete || next.rank() == 0 {
		return false
	}
	return next.rank() >= s.rank()
}

// Arguments is an insertion-ordered argument map. The model's key order is
// kept when the invocation is logged, persisted or echoed back in prompts.
type Arguments struct {
	m *orderedmap.OrderedMap[string, any]
}

func NewArguments() *Arguments {
	return &Arguments{m: orderedmap.New[string, any]()}
}

// ArgumentsFrom builds Arguments from key/value pairs, in order.
func ArgumentsFrom(kv ...any) *Arguments {
	a := NewArguments()
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			a.Set(k, kv[i+1])
		}
	}
	return a
}

func (a *Arguments) Set(key string, value any) *Arguments {
	if a.m == nil {
		a.m = orderedmap.New[string, any]()
	}
	a.m.Set(key, value)
	return a
}

func (a *Arguments) Get(key string) (any, bool) {
	if a == nil || a.m == nil {
		return nil, false
	}
	return a.m.Get(key)
}

func (a *Arguments) Delete(key string) {
	if a == nil || a.m == nil {
		return
	}
	a.m.Delete(key)
}

func (a *Arguments) Len() int {
	if a == nil || a.m == nil {
		return 0
	}
	return a.m.Len()
}

func (a *Arguments) Keys() []string {
	keys := make([]string, 0, a.Len())
	if a.Len() == 0 {
		return keys
	}
	for p := a.m.Oldest(); p != nil; p = p.Next() {
		keys = append(keys, p.Key)
	}
	return keys
}

// Map returns an unordered copy for tool execution.
func (a *Arguments) Map() map[string]any {
	out := make(map[string]any, a.Len())
	if a.Len() == 0 {
		return out
	}
	for p := a.m.Oldest(); p != nil; p = p.Next() {
		out[p.Key] = p.Value
	}
	return out
}

// Clone copies the key order and the top-level values.
func (a *Arguments) Clone() *Arguments {
	if a == nil {
		return nil
	}
	c := NewArguments()
	if a.m == nil {
		return c
	}
	for p := a.m.Oldest(); p != nil; p = p.Next() {
		c.m.Set(p.Key, p.Value)
	}
	return c
}

func (a *Arguments) MarshalJSON() ([]byte, error) {
	if a == nil || a.m == nil {
		return []byte("{}"), nil
	}
	return a.m.MarshalJSON()
}

func (a *Arguments) UnmarshalJSON(data []byte) error {
	a.m = orderedmap.New[string, any]()
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	return a.m.UnmarshalJSON(data)
}

// ToolInvocation is one planned tool call.
type ToolInvocation struct {
	Tool      string     `json:"tool"`
	Args      *Arguments `json:"args"`
	Reasoning string     `json:"reasoning,omitempty"`
	// Priority orders recovery alternatives, lowest first.
	Priority int `json:"priority,omitempty"`

	recovery bool
	// rerun 標記失敗的 consumer 在替代 producer 之後重跑
	rerun bool
}

func (inv ToolInvocation) clone() ToolInvocation {
	inv.Args = inv.Args.Clone()
	return inv
}

// ToolExecutionRecord is appended once per executed step and never changed afterwards.
type ToolExecutionRecord struct {
	Tool             string     `json:"tool"`
	Args             *Arguments `json:"args"`
	Output           string     `json:"output"`
	StartTime        time.Time  `json:"start_time"`
	EndTime          time.Time  `json:"end_time"`
	Success          bool       `json:"success"`
	Validated        bool       `json:"validated"`
	ValidationReason string     `json:"validation_reason,omitempty"`
	Error            string     `json:"error,omitempty"`
	Reasoning        string     `json:"reasoning,omitempty"`
	// Chained 表示某個參數由前一步的輸出填入
	Chained bool `json:"chained,omitempty"`
	// Recovery 表示此步來自 recovery 的替代方案
	Recovery bool           `json:"recovery,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (r ToolExecutionRecord) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

func (r ToolExecutionRecord) clone() ToolExecutionRecord {
	r.Args = r.Args.Clone()
	if r.Metadata != nil {
		m := make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			m[k] = v
		}
		r.Metadata = m
	}
	return r
}

// Decision is the structured outcome of the first reasoning pass.
type Decision struct {
	RequiresTools  bool             `json:"requiresTools"`
	Invocations    []ToolInvocation `json:"invocations,omitempty"`
	DirectResponse *string          `json:"directResponse,omitempty"`
	ReasoningTrace string           `json:"reasoning,omitempty"`
}

func (d Decision) clone() Decision {
	d.Invocations = cloneInvocations(d.Invocations)
	if d.DirectResponse != nil {
		s := *d.DirectResponse
		d.DirectResponse = &s
	}
	return d
}

// RecoveryStrategy is the outcome of the recovery pass.
type RecoveryStrategy struct {
	RecoveryPossible bool             `json:"recoveryPossible"`
	Reasoning        string           `json:"reasoning,omitempty"`
	Alternatives     []ToolInvocation `json:"alternatives,omitempty"`
	UserQuestion     *string          `json:"userQuestion,omitempty"`
	Confidence       float64          `json:"confidence"`
}

func (r RecoveryStrategy) clone() RecoveryStrategy {
	r.Alternatives = cloneInvocations(r.Alternatives)
	if r.UserQuestion != nil {
		s := *r.UserQuestion
		r.UserQuestion = &s
	}
	return r
}

func cloneInvocations(in []ToolInvocation) []ToolInvocation {
	if in == nil {
		return nil
	}
	out := make([]ToolInvocation, len(in))
	for i, inv := range in {
		out[i] = inv.clone()
	}
	return out
}

// HistoryEntry is one prior exchange of the conversation.
type HistoryEntry struct {
	UserText string    `json:"user"`
	Response string    `json:"assistant"`
	At       time.Time `json:"at"`
}

// ResourceHints describe the device the user is on. They only steer the
// recovery prompt (e.g. prefer lighter sources on a metered link).
type ResourceHints struct {
	Network        string `json:"network,omitempty"`
	Metered        bool   `json:"metered,omitempty"`
	BatteryPercent int    `json:"battery_percent,omitempty"`
	LowPower       bool   `json:"low_power,omitempty"`
}

// Request is the immutable input of one turn.
type Request struct {
	ConversationID string         `json:"conversation_id"`
	Text           string         `json:"text"`
	History        []HistoryEntry `json:"history,omitempty"`
	Hints          ResourceHints  `json:"hints,omitempty"`
}

// Turn is one request and its lifecycle. Observers only ever see copies;
// a COMPLETE turn is never modified again.
type Turn struct {
	ID             string                `json:"id"`
	ConversationID string                `json:"conversation_id"`
	Request        Request               `json:"request"`
	State          State                 `json:"state"`
	ReasoningTrace string                `json:"reasoning_trace,omitempty"`
	ToolExecutions []ToolExecutionRecord `json:"tool_executions"`
	// ActiveTool 正在執行的工具與最新進度，僅在 EXECUTING_TOOL 時有值
	ActiveTool     string            `json:"active_tool,omitempty"`
	ActiveProgress string            `json:"active_progress,omitempty"`
	FinalContent   string            `json:"final_content"`
	Decision       *Decision         `json:"decision,omitempty"`
	Recovery       *RecoveryStrategy `json:"recovery,omitempty"`
	RecoveryCycles int               `json:"recovery_cycles,omitempty"`
	Error          string            `json:"error,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	CompletedAt    time.Time         `json:"completed_at,omitempty"`
}

// Clone returns a deep copy that shares nothing mutable with t.
func (t Turn) Clone() Turn {
	if t.Request.History != nil {
		t.Request.History = append([]HistoryEntry(nil), t.Request.History...)
	}
	if t.ToolExecutions != nil {
		recs := make([]ToolExecutionRecord, len(t.ToolExecutions))
		for i, r := range t.ToolExecutions {
			recs[i] = r.clone()
		}
		t.ToolExecutions = recs
	}
	if t.Decision != nil {
		d := t.Decision.clone()
		t.Decision = &d
	}
	if t.Recovery != nil {
		r := t.Recovery.clone()
		t.Recovery = &r
	}
	return t
}

// IsComplete reports whether the turn reached its terminal state.
func (t Turn) IsComplete() bool { return t.State == StateComplete }
