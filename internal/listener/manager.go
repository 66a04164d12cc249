// Package listener implements ListenerManager: three periodic tasks
// (main-window poll, per-listener poll, housekeeping) driving the
// listener state machine, using a dual-ticker health-check loop shape.
package listener

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"wxorc/internal/errs"
	"wxorc/internal/ingress"
	"wxorc/internal/metrics"
	"wxorc/internal/store"
	"wxorc/pkg/wxinstance"
)

// Config carries the tunables ListenerManager needs from PipelineConfig.
type Config struct {
	PollInterval         time.Duration
	HousekeepingInterval time.Duration
	Timeout              time.Duration
	MaxListeners         int
	SavePic              bool
	SaveVideo            bool
	SaveFile             bool
	SaveVoice            bool
	ParseURL             bool
}

// Manager owns the three periodic tasks and the in-memory
// api_connected bit per listener (never persisted, per store.Listener's
// doc comment).
type Manager struct {
	cfg       Config
	listeners *store.ListenerStore
	fixed     *store.FixedListenerStore
	instances *wxinstance.Registry
	ingress   *ingress.Ingress
	log       *slog.Logger
	metrics   *metrics.Metrics
	fatal     chan<- error

	connMu sync.Mutex
	conn   map[listenerKey]bool

	stop chan struct{}
}

type listenerKey struct {
	instanceID string
	chatName   string
}

// New constructs a Manager.
func New(cfg Config, listeners *store.ListenerStore, fixed *store.FixedListenerStore, instances *wxinstance.Registry, ing *ingress.Ingress, log *slog.Logger, m *metrics.Metrics, fatal chan<- error) *Manager {
	return &Manager{
		cfg:       cfg,
		listeners: listeners,
		fixed:     fixed,
		instances: instances,
		ingress:   ing,
		log:       log.With("component", "listener.manager"),
		metrics:   m,
		fatal:     fatal,
		conn:      make(map[listenerKey]bool),
		stop:      make(chan struct{}),
	}
}

// noteStoreErr logs a Store-layer failure and, when it classifies as
// StoreFatal, reports it up to Supervisor to halt the pipeline.
func (m *Manager) noteStoreErr(msg string, err error, kv ...any) {
	m.log.Error(msg, append([]any{"error", err}, kv...)...)
	if m.metrics != nil {
		m.metrics.RecordError("listener.manager", msg+": "+err.Error())
	}
	errs.ReportFatal(m.fatal, err)
}

// Run blocks, driving Task A/B/C on independent tickers until ctx is
// cancelled or Stop is called.
func (m *Manager) Run(ctx context.Context) {
	pollTicker := time.NewTicker(m.cfg.PollInterval)
	defer pollTicker.Stop()

	housekeepingTicker := time.NewTicker(m.cfg.HousekeepingInterval)
	defer housekeepingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-pollTicker.C:
			m.taskA(ctx)
			m.taskB(ctx)
		case <-housekeepingTicker.C:
			m.taskC(ctx)
		}
	}
}

// Stop terminates Run.
func (m *Manager) Stop() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
}

// taskA is the main-window poll: GetUnread per enabled instance,
// auto-adding a listener for any newly observed chat.
func (m *Manager) taskA(ctx context.Context) {
	for _, instanceID := range m.instances.List() {
		client, err := m.instances.Get(instanceID)
		if err != nil {
			continue
		}
		msgs, err := client.GetUnread(ctx, m.cfg.SavePic, m.cfg.SaveVideo, m.cfg.SaveFile, m.cfg.SaveVoice, m.cfg.ParseURL)
		if err != nil {
			m.log.Warn("main-window poll failed", "instance_id", instanceID, "error", err)
			continue
		}

		for _, raw := range msgs {
			if err := m.ensureListener(ctx, instanceID, raw.ChatName); err != nil {
				m.noteStoreErr("auto-add listener failed", err, "instance_id", instanceID, "chat", raw.ChatName)
				continue
			}
			if _, err := m.ingress.Accept(ctx, instanceID, raw); err != nil {
				m.noteStoreErr("ingress accept failed", err, "instance_id", instanceID, "message_id", raw.MessageID)
			}
		}
	}
}

// ensureListener auto-adds an active, non-manual listener row for a
// newly observed chat if one doesn't already exist, enforcing
// MaxListeners, and resurrects an auto (non-manual) listener that had
// timed out to inactive — in both cases re-arming the remote
// subscription via AddListener, mirroring the state machine's
// "(none)/inactive --new message--> active [remote AddListener]"
// transition.
func (m *Manager) ensureListener(ctx context.Context, instanceID, chatName string) error {
	existing, err := m.listeners.Get(ctx, instanceID, chatName)
	if err != nil {
		return err
	}
	if existing != nil && existing.Status == store.ListenerActive {
		return nil
	}

	if existing == nil {
		active, err := m.listeners.ListListeners(ctx, store.ListFilter{InstanceID: instanceID, Status: store.ListenerActive})
		if err != nil {
			return err
		}
		if len(active) >= m.cfg.MaxListeners {
			m.log.Warn("max listeners reached, refusing auto-add", "instance_id", instanceID, "chat", chatName, "max", m.cfg.MaxListeners)
			return nil
		}
	}

	manualAdded := existing != nil && existing.ManualAdded
	if err := m.listeners.Upsert(ctx, &store.Listener{
		InstanceID:  instanceID,
		ChatName:    chatName,
		Status:      store.ListenerActive,
		ManualAdded: manualAdded,
	}); err != nil {
		return err
	}

	// Seed last_message_time so the housekeeping timeout sweep has a
	// clock to compare against even if this chat is never observed again
	// via Task B's per-listener poll (e.g. it only ever surfaces through
	// Task A's main-window poll).
	now := time.Now()
	if err := m.listeners.Touch(ctx, instanceID, chatName, &now); err != nil {
		m.log.Warn("seed last_message_time on listener creation failed", "instance_id", instanceID, "chat", chatName, "error", err)
	}

	if client, err := m.instances.Get(instanceID); err == nil {
		if err := client.AddListener(ctx, chatName, m.cfg.SavePic, m.cfg.SaveVideo, m.cfg.SaveFile, m.cfg.SaveVoice); err != nil {
			m.log.Warn("remote add listener failed", "instance_id", instanceID, "chat", chatName, "error", err)
		} else {
			m.setConnected(instanceID, chatName, true)
		}
	}
	return nil
}

// taskB is the per-listener poll: GetListenerMessages for each active
// listener, marking the connection stale on a 404/listener-not-found.
func (m *Manager) taskB(ctx context.Context) {
	active, err := m.listeners.ListListeners(ctx, store.ListFilter{Status: store.ListenerActive})
	if err != nil {
		m.noteStoreErr("list active listeners failed", err)
		return
	}
	if m.metrics != nil {
		m.metrics.SetListenersActive(len(active))
	}

	for _, l := range active {
		client, err := m.instances.Get(l.InstanceID)
		if err != nil {
			continue
		}
		msgs, err := client.GetListenerMessages(ctx, l.ChatName)
		if err != nil {
			var apiErr *wxinstance.APIError
			if errors.As(err, &apiErr) && apiErr.HTTPStatus == 404 {
				m.setConnected(l.InstanceID, l.ChatName, false)
			} else {
				m.log.Warn("per-listener poll failed", "instance_id", l.InstanceID, "chat", l.ChatName, "error", err)
				if m.metrics != nil {
					m.metrics.RecordError("listener.manager", "per-listener poll failed: "+err.Error())
				}
			}
			continue
		}
		if len(msgs) == 0 {
			continue
		}

		latest := msgs[len(msgs)-1].CreateTime
		if err := m.listeners.Touch(ctx, l.InstanceID, l.ChatName, &latest); err != nil {
			m.noteStoreErr("touch listener failed", err, "instance_id", l.InstanceID, "chat", l.ChatName)
		}
		for _, raw := range msgs {
			if _, err := m.ingress.Accept(ctx, l.InstanceID, raw); err != nil {
				m.noteStoreErr("ingress accept failed", err, "instance_id", l.InstanceID, "message_id", raw.MessageID)
			}
		}
	}
}

// taskC is housekeeping: timeout inactivation, connection health
// restoration, and FixedListener reconciliation.
func (m *Manager) taskC(ctx context.Context) {
	m.timeoutAutoListeners(ctx)
	m.restoreConnections(ctx)
	m.reconcileFixedListeners(ctx)
}

func (m *Manager) timeoutAutoListeners(ctx context.Context) {
	active, err := m.listeners.ListListeners(ctx, store.ListFilter{Status: store.ListenerActive})
	if err != nil {
		m.noteStoreErr("list active listeners for timeout sweep failed", err)
		return
	}

	now := time.Now()
	for _, l := range active {
		if l.ManualAdded {
			continue
		}
		if l.LastMessageTime == nil || now.Sub(*l.LastMessageTime) <= m.cfg.Timeout {
			continue
		}

		if err := m.listeners.SetStatus(ctx, l.InstanceID, l.ChatName, store.ListenerInactive); err != nil {
			m.noteStoreErr("set listener inactive failed", err, "instance_id", l.InstanceID, "chat", l.ChatName)
			continue
		}
		if client, err := m.instances.Get(l.InstanceID); err == nil {
			if err := client.RemoveListener(ctx, l.ChatName); err != nil {
				m.log.Warn("remote remove listener failed", "instance_id", l.InstanceID, "chat", l.ChatName, "error", err)
			}
		}
	}
}

func (m *Manager) restoreConnections(ctx context.Context) {
	connected := 0
	for _, instanceID := range m.instances.List() {
		client, err := m.instances.Get(instanceID)
		if err != nil {
			continue
		}
		status, err := client.Status(ctx)
		if err != nil || !status.Online {
			continue
		}
		connected++

		active, err := m.listeners.ListListeners(ctx, store.ListFilter{InstanceID: instanceID, Status: store.ListenerActive})
		if err != nil {
			continue
		}
		for _, l := range active {
			if m.isConnected(instanceID, l.ChatName) {
				continue
			}
			if err := client.AddListener(ctx, l.ChatName, m.cfg.SavePic, m.cfg.SaveVideo, m.cfg.SaveFile, m.cfg.SaveVoice); err != nil {
				m.log.Warn("restore listener connection failed", "instance_id", instanceID, "chat", l.ChatName, "error", err)
				continue
			}
			m.setConnected(instanceID, l.ChatName, true)
		}
	}
	if m.metrics != nil {
		m.metrics.SetInstancesConnected(connected)
	}
}

func (m *Manager) reconcileFixedListeners(ctx context.Context) {
	fixed, err := m.fixed.List(ctx, true)
	if err != nil {
		m.noteStoreErr("list fixed listeners failed", err)
		return
	}

	for _, instanceID := range m.instances.List() {
		client, err := m.instances.Get(instanceID)
		if err != nil {
			continue
		}
		for _, f := range fixed {
			existing, err := m.listeners.Get(ctx, instanceID, f.SessionName)
			if err != nil {
				continue
			}
			if existing != nil && existing.ManualAdded && existing.Status == store.ListenerActive {
				continue
			}

			if err := m.listeners.Upsert(ctx, &store.Listener{
				InstanceID:  instanceID,
				ChatName:    f.SessionName,
				Status:      store.ListenerActive,
				ManualAdded: true,
			}); err != nil {
				m.noteStoreErr("reconcile fixed listener upsert failed", err, "instance_id", instanceID, "chat", f.SessionName)
				continue
			}
			if err := client.AddListener(ctx, f.SessionName, m.cfg.SavePic, m.cfg.SaveVideo, m.cfg.SaveFile, m.cfg.SaveVoice); err != nil {
				m.log.Warn("fixed listener remote add failed", "instance_id", instanceID, "chat", f.SessionName, "error", err)
				continue
			}
			m.setConnected(instanceID, f.SessionName, true)
		}
	}
}

func (m *Manager) setConnected(instanceID, chatName string, connected bool) {
	m.connMu.Lock()
	m.conn[listenerKey{instanceID, chatName}] = connected
	m.connMu.Unlock()
}

func (m *Manager) isConnected(instanceID, chatName string) bool {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	return m.conn[listenerKey{instanceID, chatName}]
}
