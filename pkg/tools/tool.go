package tools

import (
	"context"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RiskLevel 工具對使用者裝置/資料的影響程度，會寫進 decision prompt
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Tool defines the structural interface for any capability the engine can
// execute. Parameters returns the JSON Schema "properties" object and
// RequiredParameters its "required" list; both go into the decision prompt
// and are enforced before Execute runs.
type Tool interface {
	Name() string
	Description() string
	RiskLevel() RiskLevel
	Parameters() map[string]any
	RequiredParameters() []string
	// Execute performs the actual tool logic using the provided argument map.
	// A returned error and Result.Success == false are treated the same way.
	Execute(ctx context.Context, args map[string]any) (*Result, error)
}

// StreamingTool is implemented by tools that can report progress while running.
type StreamingTool interface {
	Tool
	ExecuteStream(ctx context.Context, args map[string]any, onProgress func(string)) (*Result, error)
}

// Class selects the result validation heuristic.
type Class string

const (
	ClassGeneric    Class = "generic"
	ClassFetch      Class = "fetch"
	ClassExtraction Class = "extraction"
)

// IO declares how a tool participates in chains. A step whose Consumes equals
// the previous step's Produces receives the previous output in argument Slot.
type IO struct {
	Class    Class
	Produces string
	Consumes string
	Slot     string
}

// ChainAware is implemented by tools that declare an IO contract.
type ChainAware interface {
	IO() IO
}

// IOOf 回傳工具宣告的 IO；未實作 ChainAware 的工具視為 generic、不參與串接
func IOOf(t Tool) IO {
	if ca, ok := t.(ChainAware); ok {
		io := ca.IO()
		if io.Class == "" {
			io.Class = ClassGeneric
		}
		return io
	}
	return IO{Class: ClassGeneric}
}

// Result encapsulates the outcome of a tool execution.
type Result struct {
	Success  bool           `json:"success"`
	Output   string         `json:"output"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Failure 建立失敗結果
func Failure(msg string) *Result {
	return &Result{Success: false, Output: msg}
}
