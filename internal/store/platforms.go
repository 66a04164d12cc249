package store

import (
	"context"
	"database/sql"
	"fmt"
)

// PlatformStore provides Platform persistence. PlatformRegistry must be
// re-derivable from this store at any time.
type PlatformStore struct {
	s *Store
}

// Upsert inserts or updates a platform row.
func (s *PlatformStore) Upsert(ctx context.Context, p *Platform) error {
	return s.s.write(ctx, func(ctx context.Context) error {
		_, err := s.s.db.ExecContext(ctx, `
			INSERT INTO platform (platform_id, name, kind, config, message_send_mode, enabled)
			VALUES (?,?,?,?,?,?)
			ON CONFLICT (platform_id) DO UPDATE SET
				name = excluded.name, kind = excluded.kind, config = excluded.config,
				message_send_mode = excluded.message_send_mode, enabled = excluded.enabled
		`, p.PlatformID, p.Name, p.Kind, p.Config, p.MessageSendMode, boolToInt(p.Enabled))
		if err != nil {
			return fmt.Errorf("upsert platform: %w", err)
		}
		return nil
	})
}

// Delete removes a platform row.
func (s *PlatformStore) Delete(ctx context.Context, platformID string) error {
	return s.s.write(ctx, func(ctx context.Context) error {
		_, err := s.s.db.ExecContext(ctx, `DELETE FROM platform WHERE platform_id = ?`, platformID)
		return err
	})
}

// Get returns a single platform, or nil if it does not exist.
func (s *PlatformStore) Get(ctx context.Context, platformID string) (*Platform, error) {
	row := s.s.db.QueryRowContext(ctx, `SELECT platform_id, name, kind, config, message_send_mode, enabled FROM platform WHERE platform_id = ?`, platformID)
	p, err := scanPlatform(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get platform: %w", err)
	}
	return p, nil
}

// List returns all platforms.
func (s *PlatformStore) List(ctx context.Context) ([]*Platform, error) {
	rows, err := s.s.db.QueryContext(ctx, `SELECT platform_id, name, kind, config, message_send_mode, enabled FROM platform`)
	if err != nil {
		return nil, fmt.Errorf("list platforms: %w", err)
	}
	defer rows.Close()

	var out []*Platform
	for rows.Next() {
		p, err := scanPlatform(rows)
		if err != nil {
			return nil, fmt.Errorf("scan platform: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPlatform(scanner interface{ Scan(...interface{}) error }) (*Platform, error) {
	p := &Platform{}
	var enabled int
	if err := scanner.Scan(&p.PlatformID, &p.Name, &p.Kind, &p.Config, &p.MessageSendMode, &enabled); err != nil {
		return nil, err
	}
	p.Enabled = enabled != 0
	return p, nil
}

// RuleStore provides Rule persistence, ordered by priority desc then
// rule_id asc as the tiebreak.
type RuleStore struct {
	s *Store
}

// Upsert inserts or updates a rule. RuleID == 0 inserts a new row.
func (s *RuleStore) Upsert(ctx context.Context, r *Rule) error {
	return s.s.write(ctx, func(ctx context.Context) error {
		if r.RuleID == 0 {
			res, err := s.s.db.ExecContext(ctx, `
				INSERT INTO rule (name, instance_id, chat_pattern, platform_id, priority, enabled, only_at_messages, at_name, reply_at_sender)
				VALUES (?,?,?,?,?,?,?,?,?)
			`, r.Name, r.InstanceID, r.ChatPattern, r.PlatformID, r.Priority, boolToInt(r.Enabled), boolToInt(r.OnlyAtMessages), nullStr(r.AtName), boolToInt(r.ReplyAtSender))
			if err != nil {
				return fmt.Errorf("insert rule: %w", err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("last insert id: %w", err)
			}
			r.RuleID = id
			return nil
		}
		_, err := s.s.db.ExecContext(ctx, `
			UPDATE rule SET name=?, instance_id=?, chat_pattern=?, platform_id=?, priority=?, enabled=?, only_at_messages=?, at_name=?, reply_at_sender=?
			WHERE rule_id = ?
		`, r.Name, r.InstanceID, r.ChatPattern, r.PlatformID, r.Priority, boolToInt(r.Enabled), boolToInt(r.OnlyAtMessages), nullStr(r.AtName), boolToInt(r.ReplyAtSender), r.RuleID)
		if err != nil {
			return fmt.Errorf("update rule: %w", err)
		}
		return nil
	})
}

// Delete removes a rule.
func (s *RuleStore) Delete(ctx context.Context, ruleID int64) error {
	return s.s.write(ctx, func(ctx context.Context) error {
		_, err := s.s.db.ExecContext(ctx, `DELETE FROM rule WHERE rule_id = ?`, ruleID)
		return err
	})
}

// ListEnabled returns all enabled rules ordered by priority desc, rule_id
// asc — the snapshot RuleEngine evaluates against.
func (s *RuleStore) ListEnabled(ctx context.Context) ([]*Rule, error) {
	return s.list(ctx, "WHERE enabled = 1")
}

// ListAll returns every rule regardless of enabled state, used by config
// seeding to find an existing row's identity before upserting.
func (s *RuleStore) ListAll(ctx context.Context) ([]*Rule, error) {
	return s.list(ctx, "")
}

func (s *RuleStore) list(ctx context.Context, where string) ([]*Rule, error) {
	rows, err := s.s.db.QueryContext(ctx, `
		SELECT rule_id, name, instance_id, chat_pattern, platform_id, priority, enabled, only_at_messages, at_name, reply_at_sender
		FROM rule `+where+` ORDER BY priority DESC, rule_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var out []*Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRule(scanner interface{ Scan(...interface{}) error }) (*Rule, error) {
	r := &Rule{}
	var enabled, onlyAt, replyAt int
	var atName sql.NullString
	if err := scanner.Scan(&r.RuleID, &r.Name, &r.InstanceID, &r.ChatPattern, &r.PlatformID, &r.Priority, &enabled, &onlyAt, &atName, &replyAt); err != nil {
		return nil, err
	}
	r.Enabled = enabled != 0
	r.OnlyAtMessages = onlyAt != 0
	r.ReplyAtSender = replyAt != 0
	r.AtName = atName.String
	return r, nil
}
