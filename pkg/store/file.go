package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"pocketmind/pkg/agent"
)

var filenameSafeRegex = regexp.MustCompile(`[^a-zA-Z0-9_\-]`)

// FileStore keeps one JSON array of turns per conversation under dir.
type FileStore struct {
	mu       sync.Mutex
	dir      string
	maxTurns int
}

func NewFileStore(dir string, maxTurns int) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store dir: %w", err)
	}
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	return &FileStore{dir: dir, maxTurns: maxTurns}, nil
}

func (s *FileStore) path(conversationID string) string {
	safeID := filenameSafeRegex.ReplaceAllString(conversationID, "_")
	if safeID == "" {
		safeID = "_"
	}
	return filepath.Join(s.dir, safeID+".json")
}

func (s *FileStore) Save(_ context.Context, turn agent.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	turns, err := s.read(turn.ConversationID)
	if err != nil {
		return err
	}
	turns = append(turns, turn)
	if len(turns) > s.maxTurns {
		turns = turns[len(turns)-s.maxTurns:]
	}

	data, err := json.MarshalIndent(turns, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode turns: %w", err)
	}

	// 先寫暫存檔再 rename，避免中途當機留下半個檔案
	p := s.path(turn.ConversationID)
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write turns: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return fmt.Errorf("failed to replace turns file: %w", err)
	}
	return nil
}

func (s *FileStore) LoadRecent(_ context.Context, conversationID string, limit int) ([]agent.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns, err := s.read(conversationID)
	if err != nil {
		return nil, err
	}
	return tail(turns, limit), nil
}

func (s *FileStore) read(conversationID string) ([]agent.Turn, error) {
	data, err := os.ReadFile(s.path(conversationID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read turns: %w", err)
	}

	var turns []agent.Turn
	if err := json.Unmarshal(data, &turns); err != nil {
		// 壞檔不擋住對話，當作沒有歷史
		slog.Warn("⚠️ Corrupt conversation file, starting fresh", "conversation", conversationID, "error", err)
		return nil, nil
	}
	return turns, nil
}

func (s *FileStore) Clear(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(conversationID)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *FileStore) Close() error { return nil }
