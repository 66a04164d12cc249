package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ConversationStore provides ConversationEntry persistence (C5's backing
// store, fronted by an in-memory cache in package conversation).
type ConversationStore struct {
	s *Store
}

// Put persists a conversation id, updating last_active on conflict.
func (s *ConversationStore) Put(ctx context.Context, k ConversationKey, conversationID string) error {
	return s.s.write(ctx, func(ctx context.Context) error {
		now := time.Now()
		_, err := s.s.db.ExecContext(ctx, `
			INSERT INTO user_conversation (instance_id, chat_name, user_id, platform_id, conversation_id, last_active, create_time)
			VALUES (?,?,?,?,?,?,?)
			ON CONFLICT (instance_id, chat_name, user_id, platform_id) DO UPDATE SET
				conversation_id = excluded.conversation_id, last_active = excluded.last_active
		`, k.InstanceID, k.ChatName, k.UserID, k.PlatformID, conversationID, now, now)
		if err != nil {
			return fmt.Errorf("put conversation: %w", err)
		}
		return nil
	})
}

// Get returns the conversation entry for the key, or nil if absent.
func (s *ConversationStore) Get(ctx context.Context, k ConversationKey) (*ConversationEntry, error) {
	row := s.s.db.QueryRowContext(ctx, `
		SELECT instance_id, chat_name, user_id, platform_id, conversation_id, last_active, create_time
		FROM user_conversation WHERE instance_id=? AND chat_name=? AND user_id=? AND platform_id=?
	`, k.InstanceID, k.ChatName, k.UserID, k.PlatformID)

	e := &ConversationEntry{}
	err := row.Scan(&e.InstanceID, &e.ChatName, &e.UserID, &e.PlatformID, &e.ConversationID, &e.LastActive, &e.CreateTime)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return e, nil
}

// Delete removes a conversation entry — called on SessionInvalid.
func (s *ConversationStore) Delete(ctx context.Context, k ConversationKey) error {
	return s.s.write(ctx, func(ctx context.Context) error {
		_, err := s.s.db.ExecContext(ctx, `
			DELETE FROM user_conversation WHERE instance_id=? AND chat_name=? AND user_id=? AND platform_id=?
		`, k.InstanceID, k.ChatName, k.UserID, k.PlatformID)
		return err
	})
}

// PurgeOlderThan removes conversation entries whose last_active predates
// the cutoff, run by the background purge task.
func (s *ConversationStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.s.write(ctx, func(ctx context.Context) error {
		res, err := s.s.db.ExecContext(ctx, `DELETE FROM user_conversation WHERE last_active < ?`, cutoff)
		if err != nil {
			return fmt.Errorf("purge conversations: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}
