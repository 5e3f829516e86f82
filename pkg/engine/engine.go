// Package engine is the realtime conversation synchronization engine: it
// keeps one focused conversation and the aggregate thread list consistent
// under concurrent, out-of-order and duplicate-prone realtime events while
// handling reconnection, pagination, optimistic sending and the
// proximity-driven identity-masking mode.
package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"chatsync/pkg/logger"
	"chatsync/pkg/models"
	"chatsync/pkg/persist"
	"chatsync/pkg/proximity"
	"chatsync/pkg/transport"
)

// Options configure a new Engine. Transport, Persist, Proximity and SelfID
// are required; everything else has engine defaults.
type Options struct {
	Transport transport.Transport
	Persist   persist.Service
	Proximity proximity.Service
	SelfID    string

	PageSize     int
	DetailWindow time.Duration
	ThreadWindow time.Duration
	// RefetchDelay defers the full thread refetch triggered by a message
	// from an unknown participant.
	RefetchDelay time.Duration
	Backoff      BackoffConfig
	TypingRPS    float64
	TypingBurst  int
	MaxBodyBytes int64
	// RecheckCron optionally schedules periodic proximity re-checks.
	RecheckCron string
}

func (o *Options) normalize() error {
	if o.Transport == nil || o.Persist == nil || o.Proximity == nil || o.SelfID == "" {
		return wrapErr(KindConfiguration, "new", errNilDependency)
	}
	if o.PageSize <= 0 {
		o.PageSize = 50
	}
	if o.DetailWindow <= 0 {
		o.DetailWindow = 30 * time.Millisecond
	}
	if o.ThreadWindow <= 0 {
		o.ThreadWindow = 75 * time.Millisecond
	}
	if o.RefetchDelay <= 0 {
		o.RefetchDelay = 500 * time.Millisecond
	}
	if o.Backoff.Base <= 0 {
		o.Backoff = DefaultBackoff
	}
	if o.TypingRPS <= 0 {
		o.TypingRPS = 2
	}
	if o.TypingBurst <= 0 {
		o.TypingBurst = 3
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = 64 * 1024
	}
	return nil
}

// Engine owns one focused-conversation subscription plus the aggregate
// thread subscription. All reducer state is mutated only inside coalescer
// batches, which run one at a time under the state lock; that is the whole
// concurrency story.
type Engine struct {
	opts Options

	mu sync.Mutex

	// focused conversation
	focused     string
	participant string
	epoch       uint64 // bumped on every focus change; stale fetches check it
	store       *MessageStore
	presence    []string
	typingPeers map[string]bool
	connStatus  models.ChannelStatus
	guard       *ProximityGuard
	guardCancel context.CancelFunc

	// thread list
	threads      *ThreadList
	refetchTimer *time.Timer

	detailCo  *Coalescer
	threadCo  *Coalescer
	convMgr   *ChannelManager
	threadMgr *ChannelManager

	typingLimiter *rate.Limiter
	closed        bool
}

var errNilDependency = errors.New("transport, persist, proximity and self id are required")

// New validates options and assembles an engine. The thread subscription is
// not opened until Start.
func New(opts Options) (*Engine, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	e := &Engine{
		opts:        opts,
		store:       NewMessageStore(),
		threads:     NewThreadList(),
		typingPeers: map[string]bool{},
		connStatus:  models.ChannelClosed,
	}
	e.detailCo = NewCoalescer(opts.DetailWindow, e.applyBatch)
	e.threadCo = NewCoalescer(opts.ThreadWindow, e.applyBatch)
	e.convMgr = NewChannelManager(opts.Transport, opts.SelfID, opts.Backoff)
	e.threadMgr = NewChannelManager(opts.Transport, opts.SelfID, opts.Backoff)
	e.typingLimiter = rate.NewLimiter(rate.Limit(opts.TypingRPS), opts.TypingBurst)
	return e, nil
}

// applyBatch runs one coalesced batch under the state lock, FIFO.
func (e *Engine) applyBatch(batch []func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, fn := range batch {
		fn()
	}
}

// ThreadTopic is the aggregate subscription name for a user.
func ThreadTopic(selfID string) string { return "threads:" + selfID }

// ConversationTopic is the per-conversation subscription name.
func ConversationTopic(conversationID string) string { return "conv:" + conversationID }

// Start opens the aggregate thread subscription and performs the first
// (blocking-indicator) thread load.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.threads.SetLoading(true)
	e.mu.Unlock()

	err := e.threadMgr.Open(ctx, ThreadTopic(e.opts.SelfID), Handlers{
		OnInsert: e.onThreadInsert,
		OnUpdate: e.onThreadUpdate,
	})
	if err != nil {
		return wrapErr(KindConfiguration, "start", err)
	}
	go e.fetchThreads(ctx, true)
	return nil
}

// Focus subscribes to conversationID (with the given remote participant)
// and loads the newest history page. Any previously focused conversation is
// torn down first.
func (e *Engine) Focus(ctx context.Context, conversationID, participantID string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.guardCancel != nil {
		e.guardCancel()
		e.guardCancel = nil
	}
	e.epoch++
	epoch := e.epoch
	e.focused = conversationID
	e.participant = participantID
	e.store = NewMessageStore()
	e.presence = nil
	e.typingPeers = map[string]bool{}
	profile := models.MaskedProfile(participantID)
	for _, th := range e.threads.Threads() {
		if th.Participant == participantID {
			profile = th.Profile
			break
		}
	}
	e.guard = NewProximityGuard(e.opts.Proximity, participantID, profile, nil)
	guard := e.guard
	e.mu.Unlock()

	err := e.convMgr.Open(ctx, ConversationTopic(conversationID), Handlers{
		OnInsert:    func(m models.Message) { e.onConvInsert(epoch, m) },
		OnUpdate:    func(m models.Message) { e.onConvUpdate(epoch, m) },
		OnPresence:  func(keys []string) { e.onPresence(epoch, keys) },
		OnTyping:    func(p string, typing bool) { e.onTyping(epoch, p, typing) },
		OnBroadcast: func(tag string, payload []byte) { e.onBroadcast(epoch, tag, payload) },
		OnStatus:    func(st models.ChannelStatus) { e.onConnStatus(epoch, st) },
	})
	if err != nil {
		return wrapErr(KindTransport, "focus", err)
	}

	if cancel, err := guard.StartRecheck(ctx, e.opts.RecheckCron); err != nil {
		logger.Warn("proximity_recheck_not_started", "error", err)
	} else {
		e.mu.Lock()
		e.guardCancel = cancel
		e.mu.Unlock()
	}
	go func() {
		if err := guard.Refresh(ctx); err == nil {
			e.syncAnonymity(participantID, guard)
		}
	}()
	go e.loadInitial(ctx, epoch, conversationID)
	return nil
}

// Blur tears down the focused-conversation subscription. In-flight fetches
// are allowed to finish; the epoch guard turns their results into no-ops.
func (e *Engine) Blur() {
	e.mu.Lock()
	e.epoch++
	e.focused = ""
	e.participant = ""
	if e.guardCancel != nil {
		e.guardCancel()
		e.guardCancel = nil
	}
	e.mu.Unlock()
	e.convMgr.Unsubscribe()
	e.detailCo.Cancel()
}

// Close shuts the engine down entirely.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	if e.guardCancel != nil {
		e.guardCancel()
		e.guardCancel = nil
	}
	if e.refetchTimer != nil {
		e.refetchTimer.Stop()
	}
	e.mu.Unlock()
	e.convMgr.Unsubscribe()
	e.threadMgr.Unsubscribe()
	e.detailCo.Close()
	e.threadCo.Close()
}

// --- fetch paths ---

func (e *Engine) loadInitial(ctx context.Context, epoch uint64, conversationID string) {
	page, err := e.opts.Persist.GetMessages(ctx, conversationID, e.opts.PageSize, 0)
	if err != nil {
		logger.Warn("initial_load_failed", "conv", conversationID, "error", err)
		return
	}
	e.markSelf(page.Messages)
	e.detailCo.Enqueue(func() {
		if e.epoch != epoch {
			metricStaleFetches.Inc()
			return
		}
		e.store.SetInitial(page.Messages, page.HasMore)
		e.threads.MarkRead(e.participant)
	})
}

// LoadOlder merges the next older history page before the current head. On
// failure pagination simply stops advancing until called again.
func (e *Engine) LoadOlder(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.focused == "" {
		e.mu.Unlock()
		return ErrNotFocused
	}
	if !e.store.HasMore() {
		e.mu.Unlock()
		return nil
	}
	epoch := e.epoch
	conv := e.focused
	before := e.store.OldestTS()
	e.mu.Unlock()

	page, err := e.opts.Persist.GetMessages(ctx, conv, e.opts.PageSize, before)
	if err != nil {
		logger.Warn("load_older_failed", "conv", conv, "error", err)
		return wrapErr(KindFetch, "load_older", err)
	}
	e.markSelf(page.Messages)
	e.detailCo.Enqueue(func() {
		if e.epoch != epoch {
			metricStaleFetches.Inc()
			return
		}
		e.store.PrependOlder(page.Messages)
		e.store.SetHasMore(page.HasMore)
	})
	return nil
}

// RefreshThreads performs an explicit, blocking-indicator reload of the
// thread list.
func (e *Engine) RefreshThreads(ctx context.Context) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.threads.SetLoading(true)
	e.mu.Unlock()
	go e.fetchThreads(ctx, true)
}

// fetchThreads loads summaries; replace=true swaps the whole list, false
// merges only new rows (the unknown-participant path).
func (e *Engine) fetchThreads(ctx context.Context, replace bool) {
	rows, err := e.opts.Persist.ListThreads(ctx, e.opts.SelfID)
	if err != nil {
		logger.Warn("thread_fetch_failed", "error", err)
		e.threadCo.Enqueue(func() { e.threads.SetLoading(false) })
		return
	}
	e.threadCo.Enqueue(func() {
		if replace {
			e.threads.SetAll(rows)
			return
		}
		added := e.threads.MergeNewThreads(rows)
		if added > 0 {
			logger.Debug("threads_merged", "added", added)
		}
	})
}

// scheduleThreadRefetch defers a full refetch after a message from an
// unknown participant; the event alone has no profile data. The timer is
// shared so a burst of unknown senders costs one fetch.
func (e *Engine) scheduleThreadRefetch() {
	if e.refetchTimer != nil {
		return
	}
	e.refetchTimer = time.AfterFunc(e.opts.RefetchDelay, func() {
		e.mu.Lock()
		e.refetchTimer = nil
		closed := e.closed
		e.mu.Unlock()
		if closed {
			return
		}
		e.fetchThreads(context.Background(), false)
	})
}

// --- realtime handlers (transport goroutine → coalescer) ---

func (e *Engine) onConvInsert(epoch uint64, m models.Message) {
	m.SenderIsSelf = m.Sender == e.opts.SelfID
	e.detailCo.Enqueue(func() {
		if e.epoch != epoch {
			return
		}
		if m.Status == "" || m.Status == models.StatusPending {
			m.Status = models.StatusSent
		}
		e.store.Upsert(m)
		// focused conversation: preview updates, unread stays zero
		e.threads.UpdateThreadMessage(e.otherParty(m), m, false)
	})
}

func (e *Engine) onConvUpdate(epoch uint64, m models.Message) {
	e.detailCo.Enqueue(func() {
		if e.epoch != epoch {
			return
		}
		patch := models.MessagePatch{}
		if m.Status != "" {
			st := m.Status
			patch.Status = &st
		}
		if m.DeliveredAt != 0 {
			d := m.DeliveredAt
			patch.DeliveredAt = &d
		}
		if m.ReadAt != 0 {
			r := m.ReadAt
			patch.ReadAt = &r
		}
		e.store.UpdateFields(m.ID, patch)
	})
}

func (e *Engine) onPresence(epoch uint64, keys []string) {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	e.detailCo.Enqueue(func() {
		if e.epoch != epoch {
			return
		}
		e.presence = sorted
	})
}

func (e *Engine) onTyping(epoch uint64, participant string, typing bool) {
	if participant == e.opts.SelfID {
		return
	}
	e.detailCo.Enqueue(func() {
		if e.epoch != epoch {
			return
		}
		if typing {
			e.typingPeers[participant] = true
		} else {
			delete(e.typingPeers, participant)
		}
	})
}

func (e *Engine) onBroadcast(epoch uint64, tag string, payload []byte) {
	if tag != BroadcastLocation {
		return
	}
	ev, err := decodeEvent(transport.Event{Type: transport.EventBroadcast, Tag: tag, Payload: payload})
	if err != nil {
		logger.Warn("broadcast_dropped", "tag", tag, "error", err)
		return
	}
	lc := ev.(LocationChanged)
	e.mu.Lock()
	guard := e.guard
	participant := e.participant
	stale := e.epoch != epoch
	e.mu.Unlock()
	if stale || guard == nil {
		return
	}
	// location updates for either party trigger a re-check
	_ = lc
	go func() {
		if err := guard.Refresh(context.Background()); err == nil {
			e.syncAnonymity(participant, guard)
		}
	}()
}

func (e *Engine) onConnStatus(epoch uint64, st models.ChannelStatus) {
	e.mu.Lock()
	stale := e.epoch != epoch
	if !stale {
		wasDown := e.connStatus != models.ChannelSubscribed
		e.connStatus = st
		guard := e.guard
		participant := e.participant
		e.mu.Unlock()
		if st == models.ChannelSubscribed && wasDown && guard != nil {
			// reconnect: the nearness answer may be long stale
			go func() {
				if err := guard.Refresh(context.Background()); err == nil {
					e.syncAnonymity(participant, guard)
				}
			}()
		}
		return
	}
	e.mu.Unlock()
}

// onThreadInsert handles message inserts on the aggregate subscription.
func (e *Engine) onThreadInsert(m models.Message) {
	m.SenderIsSelf = m.Sender == e.opts.SelfID
	e.threadCo.Enqueue(func() {
		other := e.otherParty(m)
		increment := e.focused != m.Conversation
		if !e.threads.UpdateThreadMessage(other, m, increment) {
			// unknown participant: the event lacks profile data, so pull
			// the full list shortly and merge the new rows
			e.scheduleThreadRefetch()
		}
	})
}

func (e *Engine) onThreadUpdate(m models.Message) {
	e.threadCo.Enqueue(func() {
		e.threads.UpdateThreadMessage(e.otherParty(m), m, false)
	})
}

// syncAnonymity mirrors a proximity flip onto the thread row.
func (e *Engine) syncAnonymity(participant string, guard *ProximityGuard) {
	near := guard.State().Nearby
	e.threadCo.Enqueue(func() {
		e.threads.SetAnonymous(participant, !near)
	})
}

func (e *Engine) otherParty(m models.Message) string {
	if m.Sender == e.opts.SelfID {
		return m.Recipient
	}
	return m.Sender
}

func (e *Engine) markSelf(msgs []models.Message) {
	for i := range msgs {
		msgs[i].SenderIsSelf = msgs[i].Sender == e.opts.SelfID
	}
}

// --- snapshot accessors (read-only view models) ---

// Messages returns the ordered message list of the focused conversation.
func (e *Engine) Messages() []models.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Messages()
}

// Threads returns the thread summary rows, most recent first.
func (e *Engine) Threads() []models.Thread {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.threads.Threads()
}

// ThreadsLoading reports whether a blocking thread load is in flight.
func (e *Engine) ThreadsLoading() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.threads.Loading()
}

// ConnStatus returns the focused conversation's subscription status.
func (e *Engine) ConnStatus() models.ChannelStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connStatus
}

// HasMore reports whether older history remains for pagination.
func (e *Engine) HasMore() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.HasMore()
}

// Presence returns the presence keys of the focused channel.
func (e *Engine) Presence() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.presence...)
}

// TypingPeers returns the participants currently typing.
func (e *Engine) TypingPeers() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.typingPeers))
	for p := range e.typingPeers {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Identity returns the presentation identity of the focused participant.
func (e *Engine) Identity() IdentityView {
	e.mu.Lock()
	guard := e.guard
	participant := e.participant
	e.mu.Unlock()
	if guard == nil {
		return IdentityView{Profile: models.MaskedProfile(participant)}
	}
	return guard.View()
}

// IsActive reports whether the focused-conversation subscription is live or
// retrying; after backgrounding, a false answer means the owner should call
// Focus again.
func (e *Engine) IsActive() bool { return e.convMgr.IsActive() }
