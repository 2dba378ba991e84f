package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pocketmind/pkg/tools"
	"pocketmind/pkg/validator"
)

// ChainHooks lets the engine observe a chain while it runs. Every field is optional.
type ChainHooks struct {
	// OnStep fires right before a step executes.
	OnStep func(inv ToolInvocation)
	// OnProgress forwards StreamingTool progress.
	OnProgress func(tool, msg string)
	// OnRecord fires after each step with its finished record.
	OnRecord func(rec ToolExecutionRecord)
	// Recover is asked for alternatives when a step fails validation and no
	// remaining step can make up for it. Returned invocations run right
	// after the failed step; a failed consumer runs again after them when an
	// alternative produces its input. An error aborts the chain.
	Recover func(ctx context.Context, failed ToolExecutionRecord) ([]ToolInvocation, error)
}

// ChainExecutor runs planned invocations strictly in order, threading the
// validated output of a producer into the next step's consumer slot.
type ChainExecutor struct {
	Registry  *tools.ToolRegistry
	Validator *validator.Validator
	// Timeout returns the bound for a single call of tool.
	Timeout func(tool string) time.Duration
}

type stepOutcome struct {
	res *tools.Result
	err error
}

// Execute runs plan and returns one record per executed step. Tool failures
// are recorded, never returned; the only error comes from hooks.Recover.
func (c *ChainExecutor) Execute(ctx context.Context, query string, plan []ToolInvocation, hooks ChainHooks) ([]ToolExecutionRecord, error) {
	queue := cloneInvocations(plan)
	records := make([]ToolExecutionRecord, 0, len(queue))
	var prev *ToolExecutionRecord

	for i := 0; i < len(queue); i++ {
		inv := queue[i]
		if inv.rerun && (prev == nil || !prev.Validated) {
			slog.InfoContext(ctx, "Skipping rerun, alternative gave nothing to consume", "tool", inv.Tool)
			continue
		}
		if hooks.OnStep != nil {
			hooks.OnStep(inv)
		}

		rec := c.RunStep(ctx, query, inv, prev, hooks.OnProgress)
		records = append(records, rec)
		last := rec
		prev = &last

		if hooks.OnRecord != nil {
			hooks.OnRecord(rec.clone())
		}

		if !rec.Success || rec.Validated || hooks.Recover == nil {
			continue
		}
		if c.compensated(rec.Tool, queue[i+1:]) {
			slog.InfoContext(ctx, "Invalid step will be covered by a later step", "tool", rec.Tool, "reason", rec.ValidationReason)
			continue
		}

		alts, err := hooks.Recover(ctx, rec.clone())
		if err != nil {
			return records, err
		}
		if len(alts) == 0 {
			continue
		}
		for j := range alts {
			alts[j].recovery = true
		}
		rest := append(alts, c.rerunFor(inv, alts)...)
		rest = append(rest, queue[i+1:]...)
		queue = append(queue[:i+1:i+1], rest...)
	}
	return records, nil
}

// compensated reports whether a remaining step runs the same tool or
// produces the same declared type as failed.
func (c *ChainExecutor) compensated(failed string, remaining []ToolInvocation) bool {
	var produces string
	if t, ok := c.Registry.Get(failed); ok {
		produces = tools.IOOf(t).Produces
	}
	for _, inv := range remaining {
		if inv.Tool == failed {
			return true
		}
		if produces == "" {
			continue
		}
		if t, ok := c.Registry.Get(inv.Tool); ok && tools.IOOf(t).Produces == produces {
			return true
		}
	}
	return false
}

// Usable reports whether records end in output worth synthesizing. When a
// step takes part in chaining, the last such step decides, so a validated
// fetch cannot hide the extraction that failed on it.
func (c *ChainExecutor) Usable(records []ToolExecutionRecord) bool {
	for i := len(records) - 1; i >= 0; i-- {
		t, ok := c.Registry.Get(records[i].Tool)
		if !ok {
			continue
		}
		if io := tools.IOOf(t); io.Produces != "" || io.Consumes != "" {
			return records[i].Validated
		}
	}
	for _, r := range records {
		if r.Validated {
			return true
		}
	}
	return false
}

// rerunFor returns a fresh copy of failed, to run after alts, when one of
// alts produces the type failed consumes. The slot is cleared so the copy
// only ever sees chained output.
func (c *ChainExecutor) rerunFor(failed ToolInvocation, alts []ToolInvocation) []ToolInvocation {
	t, ok := c.Registry.Get(failed.Tool)
	if !ok {
		return nil
	}
	io := tools.IOOf(t)
	if io.Consumes == "" {
		return nil
	}
	for _, alt := range alts {
		at, ok := c.Registry.Get(alt.Tool)
		if !ok || tools.IOOf(at).Produces != io.Consumes {
			continue
		}
		again := failed.clone()
		if again.Args == nil {
			again.Args = NewArguments()
		}
		again.Args.Delete(io.Slot)
		again.recovery = true
		again.rerun = true
		return []ToolInvocation{again}
	}
	return nil
}

// RunStep executes a single invocation. prev is the record of the step that
// ran immediately before, nil for the first step.
func (c *ChainExecutor) RunStep(ctx context.Context, query string, inv ToolInvocation, prev *ToolExecutionRecord, onProgress func(tool, msg string)) ToolExecutionRecord {
	rec := ToolExecutionRecord{
		Tool:      inv.Tool,
		Args:      inv.Args.Clone(),
		Reasoning: inv.Reasoning,
		Recovery:  inv.recovery,
		StartTime: time.Now(),
	}
	if rec.Args == nil {
		rec.Args = NewArguments()
	}
	finish := func() ToolExecutionRecord {
		rec.EndTime = time.Now()
		return rec
	}

	tool, ok := c.Registry.Get(inv.Tool)
	if !ok {
		rec.Error = newError(KindToolExecution, inv.Tool, fmt.Errorf("unknown tool")).Error()
		return finish()
	}
	io := tools.IOOf(tool)

	// 只從 validated 的上一步串接
	if prev != nil && prev.Validated && io.Consumes != "" && io.Slot != "" {
		if pt, ok := c.Registry.Get(prev.Tool); ok && tools.IOOf(pt).Produces == io.Consumes {
			rec.Args.Set(io.Slot, prev.Output)
			rec.Chained = true
		}
	}

	args := rec.Args.Map()
	if err := c.Registry.ValidateArgs(inv.Tool, args); err != nil {
		rec.Error = newError(KindToolExecution, inv.Tool, err).Error()
		slog.WarnContext(ctx, "⚠️ Tool arguments rejected", "tool", inv.Tool, "error", err)
		return finish()
	}

	res, err := c.call(ctx, tool, args, onProgress)
	if err != nil {
		rec.Error = newError(KindToolExecution, inv.Tool, err).Error()
		slog.WarnContext(ctx, "❌ Tool failed", "tool", inv.Tool, "error", err)
		return finish()
	}

	rec.Success = res.Success
	rec.Output = res.Output
	rec.Metadata = res.Metadata
	if !res.Success {
		rec.Error = newError(KindToolExecution, inv.Tool, fmt.Errorf("%s", preview(res.Output, 200))).Error()
		return finish()
	}

	verdict := c.Validator.Validate(io.Class, inv.Tool, res.Output, query)
	rec.Validated = verdict.Valid
	if !verdict.Valid {
		rec.ValidationReason = verdict.Reason
		slog.InfoContext(ctx, "🔎 Tool output rejected", "tool", inv.Tool, "error", newError(KindValidation, inv.Tool, fmt.Errorf("%s", verdict.Reason)))
	}
	return finish()
}

// call runs the tool under its timeout. Panics and timeouts become errors.
func (c *ChainExecutor) call(ctx context.Context, tool tools.Tool, args map[string]any, onProgress func(tool, msg string)) (*tools.Result, error) {
	timeout := 15 * time.Second
	if c.Timeout != nil {
		if d := c.Timeout(tool.Name()); d > 0 {
			timeout = d
		}
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// buffered so a tool that ignores ctx can still finish and exit
	done := make(chan stepOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- stepOutcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()

		var out stepOutcome
		if st, ok := tool.(tools.StreamingTool); ok {
			out.res, out.err = st.ExecuteStream(tctx, args, func(msg string) {
				if onProgress != nil {
					onProgress(tool.Name(), msg)
				}
			})
		} else {
			out.res, out.err = tool.Execute(tctx, args)
		}
		done <- out
	}()

	var out stepOutcome
	select {
	case out = <-done:
	case <-tctx.Done():
		out.err = tctx.Err()
	}

	if out.err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(tctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("timed out after %s", timeout)
		}
		return nil, out.err
	}
	if out.res == nil {
		return nil, fmt.Errorf("tool returned no result")
	}
	return out.res, nil
}
