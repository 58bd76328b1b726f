// Package overfeed owns the realtime change-feed connection of the active
// kitchen: it subscribes, detects drops, retries with exponential backoff,
// tears the channel down on tenant switch or sign-out and hands every
// delivered change event to the cache router.
//
// All manager state is owned by a single goroutine. Feed callbacks, timers
// and API calls are posted to its mailbox and processed in order. Each
// connection attempt gets a new epoch; callbacks and timers from an older
// epoch are dropped, so a torn-down channel can never touch the cache.
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overfeed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/mobiletoly/go-overcache/overcache"
)

var errHandshakeTimeout = errors.New("channel handshake timed out")

// Session identifies the signed-in user and the active kitchen.
type Session struct {
	UserID   string
	TenantID string
}

// Complete reports whether both ids are known.
func (s Session) Complete() bool { return s.UserID != "" && s.TenantID != "" }

// SpecFunc builds the channel spec for a session.
type SpecFunc func(Session) ChannelSpec

// Timer is a cancellable scheduled callback.
type Timer interface {
	Stop() bool
}

// Config holds configuration for the subscription manager
type Config struct {
	InitialDelay        time.Duration // first retry delay, 1s
	MaxDelay            time.Duration // cap for a single delay, 60s
	RandomizationFactor float64       // jitter, 0 keeps delays exact
	MaxRetryAttempts    int           // retries per failure cycle, 5
	HandshakeTimeout    time.Duration // CONNECTING without SUBSCRIBED, 15s
	UnsubscribeTimeout  time.Duration // bound for teardown, 5s

	// AfterFunc schedules timers; defaults to time.AfterFunc.
	AfterFunc func(time.Duration, func()) Timer
	// OnSessionChange runs on the manager goroutine after the previous
	// channel is torn down and before the next one is subscribed.
	OnSessionChange func(prev, next Session)
	Logger          *slog.Logger
}

// DefaultConfig returns the default reconnect policy
func DefaultConfig() *Config {
	return &Config{
		InitialDelay:       1 * time.Second,
		MaxDelay:           60 * time.Second,
		MaxRetryAttempts:   5,
		HandshakeTimeout:   15 * time.Second,
		UnsubscribeTimeout: 5 * time.Second,
	}
}

func (c *Config) withDefaults() Config {
	def := DefaultConfig()
	out := *c
	if out.InitialDelay <= 0 {
		out.InitialDelay = def.InitialDelay
	}
	if out.MaxDelay <= 0 {
		out.MaxDelay = def.MaxDelay
	}
	if out.MaxRetryAttempts <= 0 {
		out.MaxRetryAttempts = def.MaxRetryAttempts
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = def.HandshakeTimeout
	}
	if out.UnsubscribeTimeout <= 0 {
		out.UnsubscribeTimeout = def.UnsubscribeTimeout
	}
	if out.AfterFunc == nil {
		out.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

type message any

type (
	sessionMsg     struct{ session Session }
	statusMsg      struct {
		epoch  uint64
		status ChannelStatus
		err    error
	}
	eventMsg struct {
		epoch uint64
		ev    overcache.ChangeEvent
	}
	retryMsg       struct{ epoch uint64 }
	handshakeMsg   struct{ epoch uint64 }
	manualRetryMsg struct{}
	idleMsg        struct{ done chan struct{} }
	closeMsg       struct{}
)

// Manager is the subscription manager of the active kitchen channel.
type Manager struct {
	feed   Feed
	router *overcache.Router
	spec   SpecFunc
	cfg    Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	queue  []message
	closed bool
	wake   chan struct{}

	// owned by the loop goroutine
	session        Session
	epoch          uint64
	attempt        int
	channel        Channel
	retryTimer     Timer
	handshakeTimer Timer
	backoff        *backoff.ExponentialBackOff

	stateMu sync.RWMutex
	state   ConnectionState

	listenersMu     sync.Mutex
	nextListener    int
	stateListeners  map[int]func(ConnectionState)
	noticeListeners map[int]func(Notice, ConnectionState)
}

// NewManager starts a manager in INITIALIZING. It connects once SetSession
// provides both ids. Close must be called to stop it.
func NewManager(feed Feed, router *overcache.Router, spec SpecFunc, config *Config) (*Manager, error) {
	if feed == nil {
		return nil, fmt.Errorf("feed cannot be nil")
	}
	if router == nil {
		return nil, fmt.Errorf("router cannot be nil")
	}
	if spec == nil {
		return nil, fmt.Errorf("channel spec func cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	cfg := config.withDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialDelay
	b.Multiplier = 2
	b.RandomizationFactor = cfg.RandomizationFactor
	b.MaxInterval = cfg.MaxDelay
	b.Reset()

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		feed:            feed,
		router:          router,
		spec:            spec,
		cfg:             cfg,
		logger:          cfg.Logger,
		ctx:             ctx,
		cancel:          cancel,
		done:            make(chan struct{}),
		wake:            make(chan struct{}, 1),
		backoff:         b,
		state:           ConnectionState{Status: StatusInitializing},
		stateListeners:  make(map[int]func(ConnectionState)),
		noticeListeners: make(map[int]func(Notice, ConnectionState)),
	}
	go m.run()
	return m, nil
}

// SetSession updates the session. A changed session tears the current channel
// down before anything else happens; an incomplete session leaves the manager
// in INITIALIZING.
func (m *Manager) SetSession(userID, tenantID string) {
	m.post(sessionMsg{session: Session{UserID: userID, TenantID: tenantID}})
}

// Retry restarts the reconnect cycle from attempt 0 when the manager is in
// ERROR or DISCONNECTED, e.g. on app foreground or a user retry action.
func (m *Manager) Retry() {
	m.post(manualRetryMsg{})
}

// State returns the current connection state.
func (m *Manager) State() ConnectionState {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state
}

// OnStateChange registers fn to be called after every state change. Listeners
// run on the manager goroutine and must not block.
func (m *Manager) OnStateChange(fn func(ConnectionState)) (cancel func()) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	id := m.nextListener
	m.nextListener++
	m.stateListeners[id] = fn
	return func() {
		m.listenersMu.Lock()
		delete(m.stateListeners, id)
		m.listenersMu.Unlock()
	}
}

// OnNotice registers fn for reconnect notifications.
func (m *Manager) OnNotice(fn func(Notice, ConnectionState)) (cancel func()) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	id := m.nextListener
	m.nextListener++
	m.noticeListeners[id] = fn
	return func() {
		m.listenersMu.Lock()
		delete(m.noticeListeners, id)
		m.listenersMu.Unlock()
	}
}

// WaitIdle blocks until the mailbox is drained, including every message the
// processed ones triggered synchronously. It must not be called from a
// listener.
func (m *Manager) WaitIdle() {
	done := make(chan struct{})
	if !m.post(idleMsg{done: done}) {
		return
	}
	select {
	case <-done:
	case <-m.done:
	}
}

// Close tears the channel down and stops the manager goroutine.
func (m *Manager) Close() error {
	m.cancel()
	m.post(closeMsg{})
	<-m.done
	return nil
}

func (m *Manager) post(msg message) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	if _, ok := msg.(closeMsg); ok {
		m.closed = true
	}
	m.queue = append(m.queue, msg)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return true
}

func (m *Manager) next() (message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return nil, false
	}
	msg := m.queue[0]
	m.queue[0] = nil
	m.queue = m.queue[1:]
	return msg, true
}

func (m *Manager) pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

func (m *Manager) run() {
	defer close(m.done)
	for range m.wake {
		for {
			msg, ok := m.next()
			if !ok {
				break
			}
			if m.handle(msg) {
				return
			}
		}
	}
}

// handle processes one message and reports whether the loop must exit.
func (m *Manager) handle(msg message) bool {
	switch msg := msg.(type) {
	case sessionMsg:
		m.onSession(msg.session)
	case statusMsg:
		if msg.epoch != m.epoch {
			m.logger.Debug("Ignoring status of stale channel", "status", msg.status)
			return false
		}
		m.onChannelStatus(msg.status, msg.err)
	case eventMsg:
		if msg.epoch != m.epoch {
			m.logger.Debug("Ignoring event of stale channel", "table", msg.ev.Table, "op", msg.ev.Op)
			return false
		}
		m.router.Route(msg.ev, overcache.RouteContext{TenantID: m.session.TenantID, UserID: m.session.UserID})
	case retryMsg:
		if msg.epoch != m.epoch || m.retryTimer == nil {
			return false
		}
		m.retryTimer = nil
		m.logger.Info("Retrying realtime subscription", "attempt", m.attempt, "tenant_id", m.session.TenantID)
		m.connect()
	case handshakeMsg:
		if msg.epoch != m.epoch || m.State().Status != StatusConnecting {
			return false
		}
		m.fail(StatusError, errHandshakeTimeout)
	case manualRetryMsg:
		m.onManualRetry()
	case idleMsg:
		if m.pending() > 0 {
			m.post(msg)
			return false
		}
		close(msg.done)
	case closeMsg:
		m.teardown()
		m.logger.Debug("Subscription manager closed")
		return true
	}
	return false
}

func (m *Manager) onSession(s Session) {
	if s == m.session {
		return
	}
	prev := m.session
	m.session = s
	m.teardown()
	m.attempt = 0
	m.backoff.Reset()
	if m.cfg.OnSessionChange != nil {
		m.cfg.OnSessionChange(prev, s)
	}

	if !s.Complete() {
		if prev.Complete() {
			m.logger.Info("Session cleared, realtime channel torn down", "tenant_id", prev.TenantID)
		}
		m.setState(ConnectionState{Status: StatusInitializing})
		return
	}
	if prev.TenantID != "" && prev.TenantID != s.TenantID {
		m.logger.Info("Switching realtime channel", "from_tenant_id", prev.TenantID, "to_tenant_id", s.TenantID)
	}
	m.setState(ConnectionState{Status: StatusConnecting})
	m.connect()
}

func (m *Manager) onManualRetry() {
	st := m.State().Status
	if !m.session.Complete() || (st != StatusError && st != StatusDisconnected) {
		return
	}
	m.attempt = 0
	m.backoff.Reset()
	m.connect()
}

// connect opens a new channel for the current session. Any pending timer and
// previous channel are released first.
func (m *Manager) connect() {
	m.stopTimers()
	m.epoch++
	m.closeChannel()

	epoch := m.epoch
	spec := m.spec(m.session)
	m.setState(ConnectionState{Status: StatusConnecting, RetryAttempt: m.attempt, LastError: m.State().LastError})
	m.handshakeTimer = m.cfg.AfterFunc(m.cfg.HandshakeTimeout, func() { m.post(handshakeMsg{epoch: epoch}) })

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.HandshakeTimeout)
	defer cancel()
	ch, err := m.feed.Subscribe(ctx, spec,
		func(ev overcache.ChangeEvent) { m.post(eventMsg{epoch: epoch, ev: ev}) },
		func(st ChannelStatus, err error) { m.post(statusMsg{epoch: epoch, status: st, err: err}) },
	)
	if err != nil {
		m.fail(StatusError, fmt.Errorf("subscribe %s: %w", spec.Name, err))
		return
	}
	m.channel = ch
	m.logger.Debug("Realtime channel subscribing", "channel", spec.Name, "tables", len(spec.Tables))
}

func (m *Manager) onChannelStatus(st ChannelStatus, err error) {
	cur := m.State().Status
	switch st {
	case ChannelSubscribed:
		if cur != StatusConnecting {
			return
		}
		m.stopHandshake()
		wasRetrying := m.attempt > 0
		m.attempt = 0
		m.backoff.Reset()
		m.setState(ConnectionState{Status: StatusConnected})
		m.logger.Info("Realtime channel connected", "tenant_id", m.session.TenantID)
		if wasRetrying {
			m.emitNotice(NoticeReconnected)
		}
	case ChannelError, ChannelTimedOut:
		if cur != StatusConnecting && cur != StatusConnected {
			return
		}
		m.fail(StatusError, statusError(st, err))
	case ChannelClosed:
		switch cur {
		case StatusConnected:
			m.fail(StatusDisconnected, statusError(st, err))
		case StatusConnecting:
			m.fail(StatusError, statusError(st, err))
		}
	}
}

func statusError(st ChannelStatus, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", st, err)
	}
	return errors.New(string(st))
}

// fail records a failed or dropped channel and schedules the next retry
// unless the retry budget is spent.
func (m *Manager) fail(status Status, cause error) {
	m.stopTimers()
	m.epoch++
	m.closeChannel()

	if m.attempt >= m.cfg.MaxRetryAttempts {
		m.setState(ConnectionState{Status: status, RetryAttempt: m.attempt, LastError: cause.Error()})
		m.logger.Error("Realtime retries exhausted", "tenant_id", m.session.TenantID, "attempts", m.attempt, "error", cause)
		m.emitNotice(NoticeDisconnected)
		return
	}

	delay := m.backoff.NextBackOff()
	m.attempt++
	m.setState(ConnectionState{Status: status, RetryAttempt: m.attempt, LastError: cause.Error()})

	epoch := m.epoch
	m.retryTimer = m.cfg.AfterFunc(delay, func() { m.post(retryMsg{epoch: epoch}) })
	m.logger.Warn("Realtime channel failed, retry scheduled",
		"tenant_id", m.session.TenantID, "attempt", m.attempt, "delay", delay, "error", cause)
	m.emitNotice(NoticeReconnecting)
}

// teardown invalidates every callback of the current epoch and awaits
// unsubscription of the open channel.
func (m *Manager) teardown() {
	m.stopTimers()
	m.epoch++
	m.closeChannel()
}

func (m *Manager) closeChannel() {
	if m.channel == nil {
		return
	}
	ch := m.channel
	m.channel = nil
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.UnsubscribeTimeout)
	defer cancel()
	if err := ch.Unsubscribe(ctx); err != nil {
		m.logger.Warn("Failed to unsubscribe realtime channel", "error", err)
	}
}

func (m *Manager) stopTimers() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.stopHandshake()
}

func (m *Manager) stopHandshake() {
	if m.handshakeTimer != nil {
		m.handshakeTimer.Stop()
		m.handshakeTimer = nil
	}
}

func (m *Manager) setState(s ConnectionState) {
	m.stateMu.Lock()
	prev := m.state
	m.state = s
	m.stateMu.Unlock()
	if prev == s {
		return
	}
	m.logger.Debug("Connection state changed",
		"from", prev.Status, "to", s.Status, "retry_attempt", s.RetryAttempt)

	m.listenersMu.Lock()
	fns := make([]func(ConnectionState), 0, len(m.stateListeners))
	for _, fn := range m.stateListeners {
		fns = append(fns, fn)
	}
	m.listenersMu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (m *Manager) emitNotice(n Notice) {
	s := m.State()
	m.listenersMu.Lock()
	fns := make([]func(Notice, ConnectionState), 0, len(m.noticeListeners))
	for _, fn := range m.noticeListeners {
		fns = append(fns, fn)
	}
	m.listenersMu.Unlock()
	for _, fn := range fns {
		fn(n, s)
	}
}
