package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyCompletion 串流正常結束但沒有任何文字
var ErrEmptyCompletion = errors.New("llm returned an empty completion")

// Completion 非串流呼叫的彙整結果
type Completion struct {
	Text         string
	Thinking     string
	FinishReason string
	Usage        *LLMUsage
}

// Generate 呼叫 StreamChat 並把整段串流收斂成一個 Completion。
// 串流中出現 fatal error chunk 或 ctx 結束時回傳錯誤。
func Generate(ctx context.Context, client LLMClient, messages []Message, opts Options) (*Completion, error) {
	ch, err := client.StreamChat(ctx, messages, opts)
	if err != nil {
		return nil, err
	}

	var text, thinking strings.Builder
	out := &Completion{}

	for {
		select {
		case <-ctx.Done():
			// drain so the provider goroutine is not stuck on a send
			go func() {
				for range ch {
				}
			}()
			return nil, ctx.Err()
		case chunk, ok := <-ch:
			if !ok {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				out.Text = text.String()
				out.Thinking = thinking.String()
				if strings.TrimSpace(out.Text) == "" {
					return out, ErrEmptyCompletion
				}
				return out, nil
			}
			if chunk.Error != "" && chunk.Fatal {
				go func() {
					for range ch {
					}
				}()
				if chunk.RawError != nil {
					return nil, fmt.Errorf("%s: %w", chunk.Error, chunk.RawError)
				}
				return nil, errors.New(chunk.Error)
			}
			for _, b := range chunk.ContentBlocks {
				switch b.Type {
				case BlockTypeText:
					text.WriteString(b.Text)
				case BlockTypeThinking:
					thinking.WriteString(b.Text)
				}
			}
			if chunk.Usage != nil {
				out.Usage = chunk.Usage
			}
			if chunk.IsFinal {
				out.FinishReason = chunk.FinishReason
			}
		}
	}
}
