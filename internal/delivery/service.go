// Package delivery implements DeliveryService: a bounded worker pool
// that drains pending messages through rule resolution, merge
// windowing, platform invocation, and reply send.
package delivery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"wxorc/internal/conversation"
	"wxorc/internal/errs"
	"wxorc/internal/metrics"
	"wxorc/internal/platform"
	"wxorc/internal/rules"
	"wxorc/internal/store"
	"wxorc/pkg/wxinstance"
)

// Config carries the tunables Service needs from PipelineConfig.
type Config struct {
	Workers               int
	IdlePollInterval      time.Duration
	MergeWindow           time.Duration
	PlatformCallTimeout   time.Duration
	AccountingCallTimeout time.Duration
}

// batchScanSize bounds how many pending messages deliverNext inspects
// looking for one whose (instance, chat, sender) tuple isn't already
// claimed by another worker. Small enough to stay cheap per poll, large
// enough that a handful of busy chats don't starve the rest.
const batchScanSize = 16

// Service is DeliveryService (C8).
type Service struct {
	cfg           Config
	messages      *store.MessageStore
	listeners     *store.ListenerStore
	instances     *wxinstance.Registry
	platforms     *platform.Registry
	platformRows  *store.PlatformStore
	conversations *conversation.Map
	engine        *rules.Engine
	log           *slog.Logger
	metrics       *metrics.Metrics
	fatal         chan<- error

	// tupleMu/inFlight enforce that at most one worker is processing a
	// given (instance, chat, sender) tuple at a time, from claim through
	// reply send, so replies for the same chat are delivered in the
	// order their source messages were created even outside the merge
	// window (P8; see spec §5's same-chat ordering requirement).
	tupleMu  sync.Mutex
	inFlight map[string]struct{}
}

// New constructs a Service.
func New(cfg Config, messages *store.MessageStore, listeners *store.ListenerStore, instances *wxinstance.Registry, platforms *platform.Registry, platformRows *store.PlatformStore, conversations *conversation.Map, engine *rules.Engine, log *slog.Logger, m *metrics.Metrics, fatal chan<- error) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.IdlePollInterval <= 0 {
		cfg.IdlePollInterval = 500 * time.Millisecond
	}
	return &Service{
		cfg: cfg, messages: messages, listeners: listeners, instances: instances,
		platforms: platforms, platformRows: platformRows, conversations: conversations, engine: engine,
		log:      log.With("component", "delivery.service"),
		metrics:  m,
		fatal:    fatal,
		inFlight: make(map[string]struct{}),
	}
}

// Run starts the worker pool and blocks until ctx is cancelled, then
// waits for in-flight deliveries to finish (bounded by the caller's
// shutdown grace period).
func (s *Service) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		g.Go(func() error {
			s.workerLoop(gctx)
			return nil
		})
	}
	return g.Wait()
}

func (s *Service) workerLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.IdlePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for s.deliverNext(ctx) {
				// drain the backlog before waiting for the next tick
			}
		}
	}
}

// tupleKey identifies the (instance, chat, sender) conversation a
// message belongs to for in-flight serialization purposes.
func tupleKey(msg *store.Message) string {
	return msg.InstanceID + "\x00" + msg.ChatName + "\x00" + msg.EffectiveSender()
}

func (s *Service) tryLockTuple(key string) bool {
	s.tupleMu.Lock()
	defer s.tupleMu.Unlock()
	if _, busy := s.inFlight[key]; busy {
		return false
	}
	s.inFlight[key] = struct{}{}
	return true
}

func (s *Service) unlockTuple(key string) {
	s.tupleMu.Lock()
	defer s.tupleMu.Unlock()
	delete(s.inFlight, key)
}

// deliverNext scans a small batch of pending messages for the first
// whose tuple isn't already being worked by another worker, claims and
// fully processes it, holding the tuple lock for the duration. Returns
// true if a message was claimed (so the caller should immediately try
// again), false if the queue was empty or every candidate's tuple was
// already in flight.
func (s *Service) deliverNext(ctx context.Context) bool {
	pending, err := s.messages.ListPending(ctx, batchScanSize)
	if err != nil {
		s.noteStoreErr("list pending failed", err)
		return false
	}

	for _, candidate := range pending {
		key := tupleKey(candidate)
		if !s.tryLockTuple(key) {
			continue
		}

		claimed, err := s.messages.ClaimForDelivery(ctx, candidate.InstanceID, candidate.MessageID)
		if err != nil {
			s.unlockTuple(key)
			s.noteStoreErr("claim for delivery failed", err, "instance_id", candidate.InstanceID, "message_id", candidate.MessageID)
			return true
		}
		if claimed == nil {
			s.unlockTuple(key)
			continue // lost the race to another worker; try the next candidate
		}

		s.deliver(ctx, claimed)
		s.unlockTuple(key)
		return true
	}
	return false
}

func (s *Service) deliver(ctx context.Context, msg *store.Message) {
	merged, _ := s.applyMergeWindow(ctx, msg)

	isGroup := isGroupChat(merged.ChatName, merged.EffectiveSender())
	rule := s.engine.Resolve(merged.InstanceID, merged.ChatName, merged.Content)
	if rule == nil {
		s.log.Debug(errs.RuleMiss("no rule matched").Error(), "instance_id", merged.InstanceID, "chat", merged.ChatName)
		s.markSkipped(ctx, merged, "no_rule")
		return
	}

	if rule.OnlyAtMessages && !rules.ContainsAtToken(merged.Content, rule.AtName) {
		s.markSkipped(ctx, merged, "not_at")
		return
	}

	p, ok := s.platforms.Get(rule.PlatformID)
	if !ok {
		progErr := errs.ProgrammerError("rule references unknown platform "+rule.PlatformID, nil)
		s.log.Error(progErr.Error(), "rule_id", rule.RuleID)
		if s.metrics != nil {
			s.metrics.RecordError("delivery.service", progErr.Error())
		}
		s.markFailed(ctx, merged, rule.PlatformID)
		return
	}

	userID := store.UserID(merged.ChatName, merged.EffectiveSender())
	key := store.ConversationKey{InstanceID: merged.InstanceID, ChatName: merged.ChatName, UserID: userID, PlatformID: rule.PlatformID}
	conversationID, err := s.conversations.Get(ctx, key)
	if err != nil {
		s.noteStoreErr("conversation lookup failed", err)
	}

	timeout := s.cfg.PlatformCallTimeout
	callKind := "chat"
	if p.Kind() == "zhiweijz" {
		timeout = s.cfg.AccountingCallTimeout
		callKind = "accounting"
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	start := time.Now()
	result := p.ProcessMessage(callCtx, &platform.InboundMessage{
		InstanceID:     merged.InstanceID,
		ChatName:       merged.ChatName,
		Sender:         merged.EffectiveSender(),
		UserID:         userID,
		Content:        merged.Content,
		IsGroup:        isGroup,
		ConversationID: conversationID,
		AttachmentPath: merged.LocalFilePath,
		AttachmentType: merged.FileType,
	})
	cancel()
	callDuration := time.Since(start)

	if result.SessionInvalid {
		if err := s.conversations.Delete(ctx, key); err != nil {
			s.noteStoreErr("invalidate conversation failed", err)
		}
		if merged.ChatName != "" {
			_ = s.listeners.SetConversationID(ctx, merged.InstanceID, merged.ChatName, "")
		}
	}

	if result.Err != nil {
		if s.metrics != nil {
			s.metrics.ObservePlatformCall(rule.PlatformID, callKind, "error", callDuration)
			s.metrics.RecordError("delivery.service", "platform "+rule.PlatformID+": "+result.Err.Error())
		}
		transient := errs.Is(result.Err, errs.KindTransientNetwork)
		s.log.Error("platform invocation failed", "platform_id", rule.PlatformID, "transient", transient, "error", result.Err)
		s.markFailed(ctx, merged, rule.PlatformID)
		return
	}
	if s.metrics != nil {
		s.metrics.ObservePlatformCall(rule.PlatformID, callKind, "ok", callDuration)
	}
	if !result.ShouldReply {
		s.markSkippedWithPlatform(ctx, merged, "platform_declined", rule.PlatformID)
		return
	}

	if result.ConversationID != "" {
		if err := s.conversations.Put(ctx, key, result.ConversationID); err != nil {
			s.noteStoreErr("persist conversation failed", err)
		}
	}

	s.sendReply(ctx, merged, rule, result, isGroup)
}

// applyMergeWindow claims other pending messages from the same
// (instance, chat, sender) tuple within the merge window, concatenates
// their content, and records the merge outcome.
func (s *Service) applyMergeWindow(ctx context.Context, primary *store.Message) (*store.Message, []string) {
	candidates, err := s.messages.ListPendingForMerge(ctx, primary.InstanceID, primary.ChatName, primary.Sender, primary.MessageID, primary.CreateTime, s.cfg.MergeWindow)
	if err != nil || len(candidates) == 0 {
		return primary, nil
	}

	contents := []string{primary.Content}
	var absorbedIDs []string
	for _, c := range candidates {
		claimed, err := s.messages.ClaimForDelivery(ctx, c.InstanceID, c.MessageID)
		if err != nil || claimed == nil {
			continue
		}
		contents = append(contents, claimed.Content)
		absorbedIDs = append(absorbedIDs, claimed.MessageID)
	}
	if len(absorbedIDs) == 0 {
		return primary, nil
	}

	primary.Content = mergeContent(contents)
	primary.Merged = true
	primary.MergedCount = len(absorbedIDs)
	primary.MergedIDs = absorbedIDs
	if err := s.messages.RecordMerge(ctx, primary.InstanceID, primary.MessageID, absorbedIDs); err != nil {
		s.noteStoreErr("record merge failed", err)
	}
	return primary, absorbedIDs
}

func (s *Service) sendReply(ctx context.Context, msg *store.Message, rule *store.Rule, result *platform.Result, isGroup bool) {
	client, err := s.instances.Get(msg.InstanceID)
	if err != nil {
		s.log.Error("send reply: unknown instance", "instance_id", msg.InstanceID, "error", err)
		s.markFailed(ctx, msg, rule.PlatformID)
		return
	}

	text, atList := composeReply(result.Content, msg.EffectiveSender(), isGroup, rule.ReplyAtSender)

	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.PlatformCallTimeout)
	defer cancel()

	var sendErr error
	if s.sendModeFor(ctx, rule.PlatformID) == "typing" {
		sendErr = client.SendTyping(sendCtx, msg.ChatName, text, 0, nil)
	} else {
		sendErr = client.Send(sendCtx, msg.ChatName, text, atList)
	}

	if sendErr != nil {
		s.log.Error("send reply failed", "instance_id", msg.InstanceID, "chat", msg.ChatName, "error", sendErr)
		if s.metrics != nil {
			s.metrics.RecordError("delivery.service", "send reply failed: "+sendErr.Error())
		}
		s.markFailed(ctx, msg, rule.PlatformID)
		return
	}

	if err := s.messages.RecordDelivery(ctx, msg.InstanceID, msg.MessageID, store.DeliveryDelivered, rule.PlatformID, result.Content, time.Now()); err != nil {
		s.noteStoreErr("record delivery failed", err)
	}
	if s.metrics != nil {
		s.metrics.IncrDelivered(rule.PlatformID)
	}
}

// sendModeFor looks up the platform's configured message_send_mode
// (normal vs typing) to choose between Send and SendTyping.
func (s *Service) sendModeFor(ctx context.Context, platformID string) string {
	row, err := s.platformRows.Get(ctx, platformID)
	if err != nil || row == nil || row.MessageSendMode == "" {
		return "normal"
	}
	return row.MessageSendMode
}

func (s *Service) markSkipped(ctx context.Context, msg *store.Message, reason string) {
	if err := s.messages.MarkSkipped(ctx, msg.InstanceID, []string{msg.MessageID}, reason); err != nil {
		s.noteStoreErr("mark skipped failed", err)
	}
	if s.metrics != nil {
		s.metrics.IncrSkipped(reason)
	}
}

func (s *Service) markSkippedWithPlatform(ctx context.Context, msg *store.Message, reason, platformID string) {
	if err := s.messages.RecordDelivery(ctx, msg.InstanceID, msg.MessageID, store.DeliverySkipped, platformID, "", time.Time{}); err != nil {
		s.noteStoreErr("record skip with platform failed", err)
	}
	s.markSkipped(ctx, msg, reason)
}

func (s *Service) markFailed(ctx context.Context, msg *store.Message, platformID string) {
	if err := s.messages.RecordDelivery(ctx, msg.InstanceID, msg.MessageID, store.DeliveryFailed, platformID, "", time.Time{}); err != nil {
		s.noteStoreErr("record failed delivery failed", err)
	}
	if s.metrics != nil {
		s.metrics.IncrFailed(platformID)
	}
}

// noteStoreErr logs a Store-layer failure, records it on the
// recent-error ring buffer, and reports it to Supervisor when it
// classifies as StoreFatal.
func (s *Service) noteStoreErr(msg string, err error, kv ...any) {
	s.log.Error(msg, append([]any{"error", err}, kv...)...)
	if s.metrics != nil {
		s.metrics.RecordError("delivery.service", msg+": "+err.Error())
	}
	errs.ReportFatal(s.fatal, err)
}

func isGroupChat(chatName, sender string) bool {
	return sender != "" && chatName != "" && sender != chatName
}
