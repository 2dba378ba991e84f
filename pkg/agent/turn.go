package agent

import (
	"fmt"
	"sync"
	"time"
)

// turnMachine owns the only mutable copy of a Turn. Each change is applied
// under the lock and published as a fresh deep copy.
type turnMachine struct {
	mu   sync.Mutex
	turn Turn
	feed *feed
	// onTransition 僅在狀態改變時呼叫（不含串流中的內容更新）
	onTransition func(Turn)
}

func newTurnMachine(id string, req Request, onTransition func(Turn)) *turnMachine {
	now := time.Now()
	m := &turnMachine{
		turn: Turn{
			ID:             id,
			ConversationID: req.ConversationID,
			Request:        req,
			State:          StateThinking,
			ToolExecutions: []ToolExecutionRecord{},
			CreatedAt:      now,
			UpdatedAt:      now,
		},
		feed:         newFeed(),
		onTransition: onTransition,
	}
	m.turn.Request = m.turn.Clone().Request
	m.feed.publish(m.turn.Clone())
	if onTransition != nil {
		onTransition(m.turn.Clone())
	}
	return m
}

// update applies fn unless the turn is already complete.
func (m *turnMachine) update(fn func(t *Turn)) Turn {
	m.mu.Lock()
	if m.turn.State == StateComplete {
		snap := m.turn.Clone()
		m.mu.Unlock()
		return snap
	}
	fn(&m.turn)
	m.turn.UpdatedAt = time.Now()
	snap := m.turn.Clone()
	m.feed.publish(snap)
	m.mu.Unlock()
	return snap
}

// advance moves the turn to next. Regressions and moves out of COMPLETE are rejected.
func (m *turnMachine) advance(next State, fn func(t *Turn)) (Turn, error) {
	m.mu.Lock()
	cur := m.turn.State
	if !cur.CanAdvanceTo(next) {
		snap := m.turn.Clone()
		m.mu.Unlock()
		return snap, fmt.Errorf("illegal turn transition %s -> %s", cur, next)
	}
	if fn != nil {
		fn(&m.turn)
	}
	now := time.Now()
	m.turn.State = next
	m.turn.UpdatedAt = now
	if next == StateComplete {
		m.turn.CompletedAt = now
		m.turn.ActiveTool = ""
		m.turn.ActiveProgress = ""
	}
	snap := m.turn.Clone()
	m.feed.publish(snap)
	if next == StateComplete {
		m.feed.close()
	}
	m.mu.Unlock()

	if cur != next && m.onTransition != nil {
		m.onTransition(snap.Clone())
	}
	return snap, nil
}

func (m *turnMachine) snapshot() Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.turn.Clone()
}
