package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chamsddine/relay/internal/llm"
)

// AppendMessage appends one message to a conversation log and returns its
// sequence number. Sequence assignment is atomic per key; the full message
// (parts, tool calls) round-trips through the content column. The message
// text is also fed to the search index; index failures are logged and never
// fail the append.
func (s *Store) AppendMessage(ctx context.Context, key string, msg llm.Message, model string, usage llm.Usage) (int64, error) {
	content, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("append message: %w", err)
	}

	var seq int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO conversation_logs
			(conversation_key, seq, role, content, model, input_tokens, output_tokens, created_at)
		SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?, ?, ?, ?
		FROM conversation_logs WHERE conversation_key = ?
		RETURNING seq`,
		key, string(msg.Role), string(content), model,
		usage.Prompt, usage.Completion, time.Now().Unix(), key).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("append message: %w", err)
	}

	if text := msg.Text(); text != "" {
		if ierr := s.index.indexMessage(key, seq, string(msg.Role), text); ierr != nil {
			s.log.Warn().Str("key", key).Int64("seq", seq).Err(ierr).
				Msg("conversation search indexing failed")
		}
	}
	return seq, nil
}

// History returns a conversation's messages in insertion order. A positive
// limit returns only the most recent messages, still oldest-first.
func (s *Store) History(ctx context.Context, key string, limit int) ([]llm.Message, error) {
	query := `
		SELECT content FROM conversation_logs
		WHERE conversation_key = ? ORDER BY seq`
	args := []any{key}
	if limit > 0 {
		query = `
			SELECT content FROM (
				SELECT content, seq FROM conversation_logs
				WHERE conversation_key = ? ORDER BY seq DESC LIMIT ?
			) ORDER BY seq`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load history %s: %w", key, err)
	}
	defer rows.Close()

	var msgs []llm.Message
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return nil, fmt.Errorf("load history %s: %w", key, err)
		}
		var msg llm.Message
		if err := json.Unmarshal([]byte(content), &msg); err != nil {
			return nil, fmt.Errorf("load history %s: corrupt message: %w", key, err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}
