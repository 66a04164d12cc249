package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MessageStore provides Message persistence.
type MessageStore struct {
	s *Store
}

// dropSelfEcho reports whether a message is from self, or tagged
// self/time, and must never be persisted.
func dropSelfEcho(m *Message) bool {
	if strings.EqualFold(m.Sender, "self") {
		return true
	}
	mt := strings.ToLower(m.MessageType)
	if mt == "self" || mt == "time" {
		return true
	}
	if m.MType == "10000" || m.MType == "10002" {
		return true
	}
	return false
}

// Insert writes a Message, applying the self-echo filter and the
// (instance_id, message_id) idempotency guarantee. Returns
// (inserted=false, nil) for a filtered or duplicate message.
func (s *MessageStore) Insert(ctx context.Context, m *Message) (bool, error) {
	if dropSelfEcho(m) {
		return false, nil
	}

	mergedIDs, err := json.Marshal(m.MergedIDs)
	if err != nil {
		return false, fmt.Errorf("marshal merged ids: %w", err)
	}

	var inserted bool
	err = s.s.write(ctx, func(ctx context.Context) error {
		res, err := s.s.db.ExecContext(ctx, `
			INSERT INTO message (
				instance_id, message_id, chat_name, sender, sender_remark,
				mtype, message_type, content, local_file_path, original_file_path,
				file_type, file_size, create_time, processed, delivery_status,
				merged, merged_count, merged_ids
			) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
			ON CONFLICT (instance_id, message_id) DO NOTHING
		`,
			m.InstanceID, m.MessageID, m.ChatName, m.Sender, nullStr(m.SenderRemark),
			m.MType, m.MessageType, m.Content, nullStr(m.LocalFilePath), nullStr(m.OriginalFilePath),
			m.FileType, m.FileSize, m.CreateTime, boolToInt(m.Processed), m.DeliveryStatus,
			boolToInt(m.Merged), m.MergedCount, string(mergedIDs),
		)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		inserted = n > 0
		return nil
	})
	return inserted, err
}

const messageColumns = `instance_id, message_id, chat_name, sender, sender_remark,
	mtype, message_type, content, local_file_path, original_file_path,
	file_type, file_size, create_time, processed, delivery_status, delivery_time,
	platform_id, reply_content, reply_status, reply_time,
	merged, merged_count, merged_ids, skip_reason`

func scanMessage(scanner interface{ Scan(...interface{}) error }) (*Message, error) {
	m := &Message{}
	var senderRemark, localPath, origPath, platformID, replyContent, replyStatus, mergedIDs, skipReason sql.NullString
	var fileSize sql.NullInt64
	var processed, merged int
	var deliveryTime, replyTime sql.NullTime

	err := scanner.Scan(
		&m.InstanceID, &m.MessageID, &m.ChatName, &m.Sender, &senderRemark,
		&m.MType, &m.MessageType, &m.Content, &localPath, &origPath,
		&m.FileType, &fileSize, &m.CreateTime, &processed, &m.DeliveryStatus, &deliveryTime,
		&platformID, &replyContent, &replyStatus, &replyTime,
		&merged, &m.MergedCount, &mergedIDs, &skipReason,
	)
	if err != nil {
		return nil, err
	}

	m.SenderRemark = senderRemark.String
	m.LocalFilePath = localPath.String
	m.OriginalFilePath = origPath.String
	m.FileSize = fileSize.Int64
	m.Processed = processed != 0
	m.PlatformID = platformID.String
	m.ReplyContent = replyContent.String
	m.ReplyStatus = replyStatus.String
	m.Merged = merged != 0
	m.SkipReason = skipReason.String
	if deliveryTime.Valid {
		t := deliveryTime.Time
		m.DeliveryTime = &t
	}
	if replyTime.Valid {
		t := replyTime.Time
		m.ReplyTime = &t
	}
	if mergedIDs.String != "" {
		_ = json.Unmarshal([]byte(mergedIDs.String), &m.MergedIDs)
	}
	return m, nil
}

// ListPending returns up to limit pending messages ordered by create_time
// ascending (FIFO), the order DeliveryService's worker pool consumes.
func (s *MessageStore) ListPending(ctx context.Context, limit int) ([]*Message, error) {
	rows, err := s.s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM message
		WHERE delivery_status = ? ORDER BY create_time ASC LIMIT ?
	`, DeliveryPending, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListPendingForMerge returns other pending messages from the same
// (instance, chat, sender) tuple created within window of the anchor's
// create_time, excluding the anchor itself — used by the merge-window step.
func (s *MessageStore) ListPendingForMerge(ctx context.Context, instanceID, chatName, sender, excludeMessageID string, anchor time.Time, window time.Duration) ([]*Message, error) {
	lo := anchor.Add(-window)
	hi := anchor.Add(window)
	rows, err := s.s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM message
		WHERE instance_id = ? AND chat_name = ? AND sender = ? AND message_id != ?
		  AND delivery_status = ? AND create_time BETWEEN ? AND ?
		ORDER BY create_time ASC
	`, instanceID, chatName, sender, excludeMessageID, DeliveryPending, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("list merge candidates: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ClaimForDelivery atomically marks a pending message as claimed so two
// workers cannot take the same row. A claim sets processed=1 and leaves
// delivery_status at DeliveryPending; the UPDATE only matches unclaimed
// rows (pending with processed=0), and its affected-row count arbitrates
// the race.
func (s *MessageStore) ClaimForDelivery(ctx context.Context, instanceID, messageID string) (*Message, error) {
	var claimed *Message
	err := s.s.write(ctx, func(ctx context.Context) error {
		res, err := s.s.db.ExecContext(ctx, `
			UPDATE message SET processed = 1
			WHERE instance_id = ? AND message_id = ? AND delivery_status = ? AND processed = 0
		`, instanceID, messageID, DeliveryPending)
		if err != nil {
			return fmt.Errorf("claim message: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil // already claimed by another worker
		}
		row := s.s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM message WHERE instance_id = ? AND message_id = ?`, instanceID, messageID)
		m, err := scanMessage(row)
		if err != nil {
			return fmt.Errorf("reload claimed message: %w", err)
		}
		claimed = m
		return nil
	})
	return claimed, err
}

// RecordDelivery persists the outcome of a platform invocation and send.
func (s *MessageStore) RecordDelivery(ctx context.Context, instanceID, messageID string, status int, platformID, replyContent string, replyTime time.Time) error {
	return s.s.write(ctx, func(ctx context.Context) error {
		_, err := s.s.db.ExecContext(ctx, `
			UPDATE message SET delivery_status = ?, delivery_time = ?, platform_id = ?,
				reply_content = ?, reply_status = ?, reply_time = ?
			WHERE instance_id = ? AND message_id = ?
		`, status, time.Now(), platformID, replyContent, statusLabel(status), replyTime, instanceID, messageID)
		if err != nil {
			return fmt.Errorf("record delivery: %w", err)
		}
		return nil
	})
}

// MarkSkipped transitions one or more messages to skipped with a reason.
func (s *MessageStore) MarkSkipped(ctx context.Context, instanceID string, messageIDs []string, reason string) error {
	return s.s.write(ctx, func(ctx context.Context) error {
		for _, id := range messageIDs {
			_, err := s.s.db.ExecContext(ctx, `
				UPDATE message SET delivery_status = ?, skip_reason = ?, delivery_time = ?
				WHERE instance_id = ? AND message_id = ?
			`, DeliverySkipped, reason, time.Now(), instanceID, id)
			if err != nil {
				return fmt.Errorf("mark skipped: %w", err)
			}
		}
		return nil
	})
}

// RecordMerge marks primary as the merge owner and its peers as skipped
// (reason "merged").
func (s *MessageStore) RecordMerge(ctx context.Context, instanceID, primaryID string, absorbedIDs []string) error {
	data, err := json.Marshal(absorbedIDs)
	if err != nil {
		return fmt.Errorf("marshal merged ids: %w", err)
	}
	return s.s.write(ctx, func(ctx context.Context) error {
		_, err := s.s.db.ExecContext(ctx, `
			UPDATE message SET merged = 1, merged_count = ?, merged_ids = ?
			WHERE instance_id = ? AND message_id = ?
		`, len(absorbedIDs), string(data), instanceID, primaryID)
		if err != nil {
			return fmt.Errorf("record merge on primary: %w", err)
		}
		for _, id := range absorbedIDs {
			_, err := s.s.db.ExecContext(ctx, `
				UPDATE message SET delivery_status = ?, skip_reason = 'merged', delivery_time = ?
				WHERE instance_id = ? AND message_id = ?
			`, DeliverySkipped, time.Now(), instanceID, id)
			if err != nil {
				return fmt.Errorf("mark merge peer skipped: %w", err)
			}
		}
		return nil
	})
}

func statusLabel(status int) string {
	switch status {
	case DeliveryDelivered:
		return "delivered"
	case DeliveryFailed:
		return "failed"
	case DeliverySkipped:
		return "skipped"
	default:
		return "pending"
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
