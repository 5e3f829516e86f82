package engine

import (
	"context"
	"sync"
	"time"

	"chatsync/pkg/logger"
	"chatsync/pkg/models"
	"chatsync/pkg/transport"
)

// Handlers are the typed callbacks a subscription owner receives. All of
// them are optional. Callbacks fire on the transport's delivery goroutine;
// owners are expected to re-enqueue work through a Coalescer.
type Handlers struct {
	OnInsert   func(models.Message)
	OnUpdate   func(models.Message)
	OnPresence func(keys []string)
	OnTyping   func(participant string, typing bool)
	// OnBroadcast receives ad hoc broadcasts (anything that is not a record
	// change, presence or typing). The payload copy is owned by the callee.
	OnBroadcast func(tag string, payload []byte)
	OnStatus    func(models.ChannelStatus)
}

// BackoffConfig bounds automatic reconnects after recoverable transport
// failures.
type BackoffConfig struct {
	Base       time.Duration
	Cap        time.Duration
	MaxRetries int
}

// DefaultBackoff is the production reconnect policy: 1s base, doubling,
// capped at 16s, four attempts.
var DefaultBackoff = BackoffConfig{Base: time.Second, Cap: 16 * time.Second, MaxRetries: 4}

// delay returns the wait before retry attempt retryCount (0-based), doubling
// from Base and saturating at Cap.
func (b BackoffConfig) delay(retryCount int) time.Duration {
	d := b.Base << retryCount
	if d > b.Cap || d <= 0 {
		d = b.Cap
	}
	return d
}

// ChannelManager owns exactly one logical realtime subscription. It is a
// scoped resource: constructed by one owner, never shared, never a
// process-wide singleton. After the retry budget is exhausted it goes inert
// and stays so until the owner calls Open again (e.g. on app foreground);
// the manager carries no platform-lifecycle knowledge of its own.
type ChannelManager struct {
	tr      transport.Transport
	selfID  string
	backoff BackoffConfig

	mu         sync.Mutex
	ch         transport.Channel
	topic      string
	handlers   Handlers
	status     models.ChannelStatus
	retryCount int
	retryTimer *time.Timer
	active     bool
	announced  bool
	gen        uint64 // invalidates callbacks from torn-down subscriptions
}

// NewChannelManager returns an inactive manager.
func NewChannelManager(tr transport.Transport, selfID string, backoff BackoffConfig) *ChannelManager {
	if backoff.Base <= 0 {
		backoff = DefaultBackoff
	}
	return &ChannelManager{tr: tr, selfID: selfID, backoff: backoff, status: models.ChannelClosed}
}

// Open establishes the subscription for topic. Any existing subscription is
// fully torn down first, so events are never delivered twice.
func (m *ChannelManager) Open(ctx context.Context, topic string, h Handlers) error {
	m.Unsubscribe()

	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.topic = topic
	m.handlers = h
	m.status = models.ChannelConnecting
	m.retryCount = 0
	m.active = true
	m.announced = false
	ch := m.tr.Channel(topic, transport.ChannelOptions{Private: true, PresenceKey: m.selfID})
	m.ch = ch
	m.mu.Unlock()

	m.register(ch, gen)
	m.notifyStatus(models.ChannelConnecting)
	return m.subscribe(ctx, ch, gen)
}

// register converts wire-level events into the typed handler calls at the
// boundary; bad events are logged and dropped before any reducer sees them.
func (m *ChannelManager) register(ch transport.Channel, gen uint64) {
	guard := func(fn func(transport.Event)) func(transport.Event) {
		return func(ev transport.Event) {
			m.mu.Lock()
			ok := m.gen == gen && m.active
			m.mu.Unlock()
			if ok {
				fn(ev)
			}
		}
	}
	ch.On(transport.EventInsert, "", guard(func(ev transport.Event) {
		ce, err := decodeEvent(ev)
		if err != nil {
			logger.Warn("channel_event_dropped", "topic", m.topic, "error", err)
			return
		}
		metricEventsApplied.WithLabelValues("insert").Inc()
		if h := m.handlers.OnInsert; h != nil {
			h(ce.(MessageInserted).Message)
		}
	}))
	ch.On(transport.EventUpdate, "", guard(func(ev transport.Event) {
		ce, err := decodeEvent(ev)
		if err != nil {
			logger.Warn("channel_event_dropped", "topic", m.topic, "error", err)
			return
		}
		metricEventsApplied.WithLabelValues("update").Inc()
		if h := m.handlers.OnUpdate; h != nil {
			h(ce.(MessageUpdated).Message)
		}
	}))
	ch.On(transport.EventPresence, "", guard(func(ev transport.Event) {
		ce, err := decodeEvent(ev)
		if err != nil {
			logger.Warn("channel_event_dropped", "topic", m.topic, "error", err)
			return
		}
		metricEventsApplied.WithLabelValues("presence").Inc()
		if h := m.handlers.OnPresence; h != nil {
			h(ce.(PresenceSync).Keys)
		}
	}))
	ch.On(transport.EventTyping, "", guard(func(ev transport.Event) {
		ce, err := decodeEvent(ev)
		if err != nil {
			logger.Warn("channel_event_dropped", "topic", m.topic, "error", err)
			return
		}
		tc := ce.(TypingChanged)
		if h := m.handlers.OnTyping; h != nil {
			h(tc.Participant, tc.Typing)
		}
	}))
	ch.On(transport.EventBroadcast, "", guard(func(ev transport.Event) {
		metricEventsApplied.WithLabelValues("broadcast").Inc()
		if h := m.handlers.OnBroadcast; h != nil {
			h(ev.Tag, append([]byte(nil), ev.Payload...))
		}
	}))
}

func (m *ChannelManager) subscribe(ctx context.Context, ch transport.Channel, gen uint64) error {
	return ch.Subscribe(ctx, func(st transport.SubscribeStatus, err error) {
		m.mu.Lock()
		if m.gen != gen || !m.active {
			m.mu.Unlock()
			return
		}
		switch st {
		case transport.StatusSubscribed:
			m.status = models.ChannelSubscribed
			m.retryCount = 0
			first := !m.announced
			m.announced = true
			m.mu.Unlock()
			if first {
				if terr := ch.Track(ctx, transport.PresenceMeta{Key: m.selfID, OnlineAt: time.Now().UTC().UnixNano()}); terr != nil {
					logger.Warn("presence_track_failed", "topic", m.topic, "error", terr)
				}
			}
			logger.Info("channel_subscribed", "topic", m.topic)
			m.notifyStatus(models.ChannelSubscribed)
		case transport.StatusTimedOut:
			m.status = models.ChannelTimedOut
			m.mu.Unlock()
			logger.Warn("channel_timed_out", "topic", m.topic, "error", err)
			m.notifyStatus(models.ChannelTimedOut)
			m.scheduleRetry(ctx, gen)
		case transport.StatusChannelError:
			m.status = models.ChannelError
			m.mu.Unlock()
			logger.Warn("channel_error", "topic", m.topic, "error", err)
			m.notifyStatus(models.ChannelError)
			m.scheduleRetry(ctx, gen)
		case transport.StatusClosed:
			m.status = models.ChannelClosed
			m.active = false
			m.mu.Unlock()
			logger.Info("channel_closed_remote", "topic", m.topic)
			m.notifyStatus(models.ChannelClosed)
		default:
			m.mu.Unlock()
		}
	})
}

// scheduleRetry arms the reconnect timer with exponential backoff. After
// the retry budget is spent the manager stays inert; the owner must Open
// again.
func (m *ChannelManager) scheduleRetry(ctx context.Context, gen uint64) {
	m.mu.Lock()
	if m.gen != gen || !m.active {
		m.mu.Unlock()
		return
	}
	if m.retryCount >= m.backoff.MaxRetries {
		m.active = false
		topic := m.topic
		m.mu.Unlock()
		logger.Error("channel_retries_exhausted", "topic", topic, "attempts", m.backoff.MaxRetries)
		return
	}
	delay := m.backoff.delay(m.retryCount)
	m.retryCount++
	attempt := m.retryCount
	m.retryTimer = time.AfterFunc(delay, func() {
		// transport channels are one-shot streams: a fresh one per attempt,
		// with the dead one closed, or re-subscribe would be refused
		m.mu.Lock()
		if m.gen != gen || !m.active {
			m.mu.Unlock()
			return
		}
		old := m.ch
		ch := m.tr.Channel(m.topic, transport.ChannelOptions{Private: true, PresenceKey: m.selfID})
		m.ch = ch
		m.announced = false
		topic := m.topic
		m.mu.Unlock()

		if old != nil {
			_ = old.Close()
		}
		m.register(ch, gen)
		metricReconnects.Inc()
		logger.Info("channel_reconnecting", "topic", topic, "attempt", attempt)
		if err := m.subscribe(ctx, ch, gen); err != nil {
			m.mu.Lock()
			current := m.gen == gen && m.active
			if current {
				m.active = false
				m.status = models.ChannelError
			}
			m.mu.Unlock()
			logger.Warn("channel_resubscribe_failed", "topic", topic, "error", err)
			if current {
				m.notifyStatus(models.ChannelError)
			}
		}
	})
	m.mu.Unlock()
	logger.Debug("channel_retry_scheduled", "topic", m.topic, "attempt", attempt, "delay", delay.String())
}

// Unsubscribe tears the subscription down: pending retries are canceled,
// presence is released and the transport stream closed. Idempotent.
func (m *ChannelManager) Unsubscribe() {
	m.mu.Lock()
	if m.ch == nil && !m.active {
		m.status = models.ChannelClosed
		m.mu.Unlock()
		return
	}
	m.gen++
	m.active = false
	m.status = models.ChannelClosed
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	ch := m.ch
	m.ch = nil
	m.mu.Unlock()

	if ch != nil {
		_ = ch.Untrack(context.Background())
		_ = ch.Close()
		logger.Info("channel_unsubscribed", "topic", m.topic)
	}
}

// Send publishes an ad hoc event on the managed channel.
func (m *ChannelManager) Send(ctx context.Context, ev transport.Event) error {
	m.mu.Lock()
	ch := m.ch
	active := m.active
	m.mu.Unlock()
	if ch == nil || !active {
		return wrapErr(KindTransport, "send", transport.ErrChannelClosed)
	}
	return ch.Send(ctx, ev)
}

// IsActive reports whether the manager still owns a live (or retrying)
// subscription. A false answer after backgrounding means the owner must
// Open again.
func (m *ChannelManager) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Status returns the current subscription status.
func (m *ChannelManager) Status() models.ChannelStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// RetryCount returns the consecutive failed-attempt count.
func (m *ChannelManager) RetryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retryCount
}

func (m *ChannelManager) notifyStatus(st models.ChannelStatus) {
	if h := m.handlers.OnStatus; h != nil {
		h(st)
	}
}
