package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"wxorc/internal/config"
	"wxorc/internal/conversation"
	"wxorc/internal/delivery"
	"wxorc/internal/errs"
	"wxorc/internal/ingress"
	"wxorc/internal/listener"
	"wxorc/internal/metrics"
	"wxorc/internal/platform"
	"wxorc/internal/platform/coze"
	"wxorc/internal/platform/dify"
	"wxorc/internal/platform/keyword"
	"wxorc/internal/platform/openai"
	"wxorc/internal/platform/zhiweijz"
	"wxorc/internal/rules"
	"wxorc/internal/store"
	"wxorc/pkg/wxinstance"
)

// Supervisor is the root lifecycle object (C9): it constructs every
// other component in dependency order, starts their loops, and exposes
// a health/metrics snapshot.
type Supervisor struct {
	cfg *config.Config
	log *slog.Logger

	Store         *store.Store
	Instances     *wxinstance.Registry
	Platforms     *platform.Registry
	Conversations *conversation.Map
	Rules         *rules.Engine
	Listeners     *listener.Manager
	Delivery      *delivery.Service
	Metrics       *metrics.Metrics

	health *healthServer

	// fatal carries a StoreFatal classified error up from any background
	// component (delivery, listener, ingress) that hit one. It is the
	// only error kind allowed to halt the pipeline and exit Run non-zero.
	fatal chan error

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New wires Store, InstanceRegistry, PlatformRegistry, ConversationMap,
// RuleEngine, ListenerManager, and DeliveryService, in that order. It
// does not start any background loop — call Start for that.
func New(cfg *config.Config, log *slog.Logger) (*Supervisor, error) {
	s := &Supervisor{cfg: cfg, log: log, fatal: make(chan error, 1)}
	s.Metrics = metrics.New()

	st, err := store.New(cfg.Store.Path, cfg.Store.MaxOpenConns, cfg.Store.MaxIdleConns)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	s.Store = st

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := st.RunMigrations(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	if err := s.seedFromConfig(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("seed store from config: %w", err)
	}

	if err := s.migrateLegacyConversations(ctx); err != nil {
		s.log.Warn("legacy conversation_id migration failed", "error", err)
	}

	s.Instances = wxinstance.NewRegistry(log)
	for _, in := range cfg.Instances {
		if !in.Enabled {
			continue
		}
		s.Instances.Add(in.ID, in.BaseURL, in.APIKey, in.RateLimitPerSecond, in.RateLimitBurst)
	}

	s.Platforms = platform.NewRegistry()
	dify.RegisterOn(s.Platforms)
	openai.RegisterOn(s.Platforms)
	coze.RegisterOn(s.Platforms)
	keyword.RegisterOn(s.Platforms)
	zhiweijz.RegisterOn(s.Platforms)
	if err := s.reloadPlatforms(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("construct platforms: %w", err)
	}

	s.Conversations = conversation.New(st.Conversations, time.Duration(cfg.Pipeline.ConversationPurgeDays)*24*time.Hour, log)

	enabledRules, err := st.Rules.ListEnabled(ctx)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("load rules: %w", err)
	}
	s.Rules = rules.New(derefRules(enabledRules))

	ingressSvc := ingress.New(st.Messages, cfg.Pipeline.DownloadsDir, s.Metrics, s.fatal)

	s.Listeners = listener.New(listener.Config{
		PollInterval:         time.Duration(cfg.Pipeline.PollIntervalSeconds) * time.Second,
		HousekeepingInterval: time.Duration(cfg.Pipeline.HousekeepingIntervalSeconds) * time.Second,
		Timeout:              time.Duration(cfg.Pipeline.TimeoutMinutes) * time.Minute,
		MaxListeners:         cfg.Pipeline.MaxListeners,
		SavePic:              true,
		SaveVideo:            true,
		SaveFile:             true,
		SaveVoice:            true,
		ParseURL:             true,
	}, st.Listeners, st.FixedListeners, s.Instances, ingressSvc, log, s.Metrics, s.fatal)

	s.Delivery = delivery.New(delivery.Config{
		Workers:               cfg.Pipeline.DeliveryWorkers,
		MergeWindow:           time.Duration(cfg.Pipeline.MergeWindowMs) * time.Millisecond,
		PlatformCallTimeout:   time.Duration(cfg.Pipeline.PlatformCallTimeoutSeconds) * time.Second,
		AccountingCallTimeout: time.Duration(cfg.Pipeline.AccountingCallTimeoutSeconds) * time.Second,
	}, st.Messages, st.Listeners, s.Instances, s.Platforms, st.Platforms, s.Conversations, s.Rules, log, s.Metrics, s.fatal)

	s.health = newHealthServer(s, log)

	return s, nil
}

// seedFromConfig upserts the platforms/rules/fixed_listeners declared in
// config into Store on every boot (instances are not written to Store;
// they live only in InstanceRegistry), so Store stays the
// source of truth for hot reload while config remains the declarative
// entry point for a fresh database.
func (s *Supervisor) seedFromConfig(ctx context.Context) error {
	for id, p := range s.cfg.Platforms.Dify {
		if err := s.upsertPlatformRow(ctx, id, p.Name, "dify", p.MessageSendMode, p.Enabled, map[string]interface{}{
			"api_base": p.APIBase, "api_key": p.APIKey, "conversation_id": p.ConversationID,
			"user_id": p.UserID, "message_send_mode": p.MessageSendMode,
		}); err != nil {
			return err
		}
	}
	for id, p := range s.cfg.Platforms.OpenAI {
		if err := s.upsertPlatformRow(ctx, id, p.Name, "openai", p.MessageSendMode, p.Enabled, map[string]interface{}{
			"api_base": p.APIBase, "api_key": p.APIKey, "model": p.Model, "temperature": p.Temperature,
			"system_prompt": p.SystemPrompt, "max_tokens": p.MaxTokens, "message_send_mode": p.MessageSendMode,
		}); err != nil {
			return err
		}
	}
	for id, p := range s.cfg.Platforms.Coze {
		if err := s.upsertPlatformRow(ctx, id, p.Name, "coze", p.MessageSendMode, p.Enabled, map[string]interface{}{
			"api_key": p.APIKey, "workspace_id": p.WorkspaceID, "bot_id": p.BotID,
			"continuous_conversation": p.ContinuousConversation, "message_send_mode": p.MessageSendMode,
		}); err != nil {
			return err
		}
	}
	for id, p := range s.cfg.Platforms.Keyword {
		keywordRules := make([]map[string]interface{}, 0, len(p.Rules))
		for _, r := range p.Rules {
			keywordRules = append(keywordRules, map[string]interface{}{
				"keywords": toInterfaceSlice(r.Keywords), "match_type": r.MatchType,
				"replies": toInterfaceSlice(r.Replies), "is_random_reply": r.IsRandomReply,
				"min_reply_time": r.MinReplyTime, "max_reply_time": r.MaxReplyTime,
			})
		}
		if err := s.upsertPlatformRow(ctx, id, p.Name, "keyword", p.MessageSendMode, p.Enabled, map[string]interface{}{
			"rules": toInterfaceSlice(keywordRules), "min_reply_time": p.MinReplyTime,
			"max_reply_time": p.MaxReplyTime, "message_send_mode": p.MessageSendMode,
		}); err != nil {
			return err
		}
	}
	for id, p := range s.cfg.Platforms.Zhiweijz {
		if err := s.upsertPlatformRow(ctx, id, p.Name, "zhiweijz", p.MessageSendMode, p.Enabled, map[string]interface{}{
			"server_url": p.ServerURL, "username": p.Username, "password": p.Password,
			"account_book_id": p.AccountBookID, "auto_login": p.AutoLogin,
			"warn_on_irrelevant": p.WarnOnIrrelevant, "request_timeout": p.RequestTimeoutSeconds,
			"message_send_mode": p.MessageSendMode,
		}); err != nil {
			return err
		}
	}

	existingRules, err := s.Store.Rules.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("list existing rules for seeding: %w", err)
	}
	for _, r := range s.cfg.Rules {
		rr := &store.Rule{
			Name: r.Name, InstanceID: r.InstanceID, ChatPattern: r.ChatPattern, PlatformID: r.PlatformID,
			Priority: r.Priority, Enabled: r.Enabled, OnlyAtMessages: r.OnlyAtMessages, AtName: r.AtName,
			ReplyAtSender: r.ReplyAtSender,
		}
		// RuleConfig.ID is not read here; reuse the row already
		// seeded for this (name, instance, chat_pattern, platform)
		// identity so repeated boots update in place instead of
		// accumulating duplicate rows.
		for _, existing := range existingRules {
			if existing.Name == rr.Name && existing.InstanceID == rr.InstanceID &&
				existing.ChatPattern == rr.ChatPattern && existing.PlatformID == rr.PlatformID {
				rr.RuleID = existing.RuleID
				break
			}
		}
		if err := s.Store.Rules.Upsert(ctx, rr); err != nil {
			return fmt.Errorf("seed rule %q: %w", r.Name, err)
		}
	}

	for _, fl := range s.cfg.FixedListeners {
		if err := s.Store.FixedListeners.Upsert(ctx, &store.FixedListener{
			SessionName: fl.SessionName, Enabled: fl.Enabled, Description: fl.Description,
		}); err != nil {
			return fmt.Errorf("seed fixed listener %q: %w", fl.SessionName, err)
		}
	}

	return nil
}

func (s *Supervisor) upsertPlatformRow(ctx context.Context, id, name, kind, sendMode string, enabled bool, config map[string]interface{}) error {
	if name == "" {
		name = id
	}
	if sendMode == "" {
		sendMode = "normal"
	}
	blob, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshal platform %s config: %w", id, err)
	}
	return s.Store.Platforms.Upsert(ctx, &store.Platform{
		PlatformID: id, Name: name, Kind: kind, Config: string(blob), MessageSendMode: sendMode, Enabled: enabled,
	})
}

// reloadPlatforms re-derives PlatformRegistry from Store: every
// enabled platform row gets (re)constructed via its kind's factory,
// disabled/removed platforms are torn down. Existing ConversationMap
// state is untouched.
func (s *Supervisor) reloadPlatforms(ctx context.Context) error {
	rows, err := s.Store.Platforms.List(ctx)
	if err != nil {
		return fmt.Errorf("list platforms: %w", err)
	}

	live := make(map[string]bool, len(rows))
	for _, row := range rows {
		if !row.Enabled {
			s.Platforms.Remove(row.PlatformID)
			continue
		}
		var cfg map[string]interface{}
		if err := json.Unmarshal([]byte(row.Config), &cfg); err != nil {
			return fmt.Errorf("decode platform %s config: %w", row.PlatformID, err)
		}
		if err := s.Platforms.Upsert(row.PlatformID, row.Name, row.Kind, cfg); err != nil {
			// A malformed platform config is a ProgrammerError (P-ERR):
			// refuse to initialise this one platform and keep going
			// rather than aborting the whole reload.
			if errs.Is(err, errs.KindProgrammerError) {
				s.log.Error("refusing to initialise platform with invalid config", "platform_id", row.PlatformID, "error", err)
				s.Metrics.RecordError("platform_registry", err.Error())
				continue
			}
			return fmt.Errorf("upsert platform %s: %w", row.PlatformID, err)
		}
		live[row.PlatformID] = true
	}
	for _, id := range s.Platforms.IDs() {
		if !live[id] {
			s.Platforms.Remove(id)
		}
	}
	return nil
}

// ReloadRules refreshes the RuleEngine snapshot from Store via an RCU
// swap so in-flight readers keep using the prior snapshot.
func (s *Supervisor) ReloadRules(ctx context.Context) error {
	enabled, err := s.Store.Rules.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("list enabled rules: %w", err)
	}
	s.Rules.Reload(derefRules(enabled))
	return nil
}

// migrateLegacyConversations is a write-once backfill: any listener
// still carrying a non-empty legacy conversation_id gets it copied
// into ConversationStore keyed by user_id = chat_name (the
// private-chat shape), then the column is left alone.
func (s *Supervisor) migrateLegacyConversations(ctx context.Context) error {
	listeners, err := s.Store.Listeners.ListListeners(ctx, store.ListFilter{})
	if err != nil {
		return err
	}
	for _, l := range listeners {
		if l.ConversationID == "" {
			continue
		}
		rows, err := s.Store.Platforms.List(ctx)
		if err != nil {
			return err
		}
		for _, p := range rows {
			key := store.ConversationKey{InstanceID: l.InstanceID, ChatName: l.ChatName, UserID: l.ChatName, PlatformID: p.PlatformID}
			existing, err := s.Store.Conversations.Get(ctx, key)
			if err != nil || existing != nil {
				continue
			}
			if err := s.Store.Conversations.Put(ctx, key, l.ConversationID); err != nil {
				s.log.Warn("legacy conversation backfill failed", "instance_id", l.InstanceID, "chat", l.ChatName, "error", err)
			}
		}
	}
	return nil
}

// Start brings up InstanceRegistry (already live by construction) ->
// PlatformRegistry (already live) -> ConversationMap's purge loop ->
// ListenerManager -> DeliveryService, plus the health/metrics server.
func (s *Supervisor) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		s.Conversations.RunPurge(runCtx)
	}()
	go func() {
		defer s.wg.Done()
		s.Listeners.Run(runCtx)
	}()
	go func() {
		defer s.wg.Done()
		if err := s.Delivery.Run(runCtx); err != nil && runCtx.Err() == nil {
			s.log.Error("delivery service exited unexpectedly", "error", err)
		}
	}()

	if s.cfg.Metrics.Enabled {
		if err := s.health.Start(s.cfg.Metrics.Listen); err != nil {
			return fmt.Errorf("start health server: %w", err)
		}
	}

	s.log.Info("supervisor started",
		"instances", len(s.Instances.List()), "platforms", len(s.Platforms.IDs()))
	return nil
}

// Stop cancels every background loop, waits up to a grace period for
// in-flight deliveries, then closes Store.
func (s *Supervisor) Stop(grace time.Duration) error {
	var stopErr error
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.Conversations.Stop()
		s.Listeners.Stop()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(grace):
			s.log.Warn("shutdown grace period elapsed with loops still running")
		}

		if s.health != nil {
			_ = s.health.Stop(context.Background())
		}
		stopErr = s.Store.Close()
	})
	return stopErr
}

// Run starts the supervisor and blocks until ctx is cancelled, then
// performs an orderly shutdown with the default grace period.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	var fatalErr error
	select {
	case <-ctx.Done():
	case fatalErr = <-s.fatal:
		s.log.Error("store fatal error reported, halting pipeline", "error", fatalErr)
	}

	if stopErr := s.Stop(10 * time.Second); stopErr != nil && fatalErr == nil {
		return stopErr
	}
	return fatalErr
}

func derefRules(rows []*store.Rule) []store.Rule {
	out := make([]store.Rule, len(rows))
	for i, r := range rows {
		out[i] = *r
	}
	return out
}

func toInterfaceSlice[T any](in []T) []interface{} {
	out := make([]interface{}, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
