// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package pool maintains reusable MCP sessions to upstream servers.
//
// Sessions are keyed by (url, identity hash, transport); a session created
// under one identity is never handed to another. A per-URL circuit breaker
// trips on consecutive creation failures, idle sessions are health-probed
// before reuse, and empty keys are evicted in the background.
package pool

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/stacklok/mcp-gateway/pkg/auth"
	"github.com/stacklok/mcp-gateway/pkg/catalog"
	"github.com/stacklok/mcp-gateway/pkg/config"
	gwerrors "github.com/stacklok/mcp-gateway/pkg/errors"
	"github.com/stacklok/mcp-gateway/pkg/logger"
	"github.com/stacklok/mcp-gateway/pkg/upstream"
)

// sweepInterval is how often the background sweep closes expired idle
// sessions and evicts empty keys.
const sweepInterval = 30 * time.Second

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("session pool is closed")

// Key identifies one isolated session pool. Sessions never move between
// keys: a different identity hash is a different pool.
type Key struct {
	URL          string
	IdentityHash string
	Transport    string
}

// connectFunc creates one initialized upstream session. Tests substitute it.
type connectFunc func(ctx context.Context, target *upstream.Target, registry *upstream.StrategyRegistry) (Session, error)

// waiter is one blocked Acquire. Its channel receives a ready session, or
// nil when capacity freed up and the waiter should retry the fast paths.
type waiter struct {
	ch chan *pooledSession
}

// keyPool is the per-key state: an idle stack, the count of checked-out
// sessions (including in-flight creations), and the waiter queue.
type keyPool struct {
	key        Key
	idle       []*pooledSession
	active     int
	waiters    []*waiter
	emptySince time.Time
}

// poolSettings is PoolConfig resolved to plain values, with zero fields
// replaced by the defaults.
type poolSettings struct {
	maxPerKey        int
	acquireTimeout   time.Duration
	transportTimeout time.Duration
	createTimeout    time.Duration
	sessionTTL       time.Duration
	healthInterval   time.Duration
	healthTimeout    time.Duration
	idleEviction     time.Duration
	breakerThreshold int
	breakerReset     time.Duration
}

func resolveSettings(cfg *config.PoolConfig) poolSettings {
	def := config.DefaultPoolConfig()
	if cfg == nil {
		cfg = def
	}

	pick := func(v, fallback config.Duration) time.Duration {
		if v > 0 {
			return time.Duration(v)
		}
		return time.Duration(fallback)
	}

	s := poolSettings{
		maxPerKey:        cfg.MaxPerKey,
		acquireTimeout:   pick(cfg.AcquireTimeout, def.AcquireTimeout),
		transportTimeout: pick(cfg.TransportTimeout, def.TransportTimeout),
		createTimeout:    pick(cfg.CreateTimeout, def.CreateTimeout),
		sessionTTL:       pick(cfg.SessionTTL, def.SessionTTL),
		healthInterval:   pick(cfg.HealthCheckInterval, def.HealthCheckInterval),
		healthTimeout:    pick(cfg.HealthCheckTimeout, def.HealthCheckTimeout),
		idleEviction:     pick(cfg.IdleEviction, def.IdleEviction),
	}
	if s.maxPerKey <= 0 {
		s.maxPerKey = def.MaxPerKey
	}

	cb := cfg.CircuitBreaker
	if cb == nil {
		cb = def.CircuitBreaker
	}
	s.breakerThreshold = cb.FailureThreshold
	if s.breakerThreshold <= 0 {
		s.breakerThreshold = def.CircuitBreaker.FailureThreshold
	}
	s.breakerReset = pick(cb.ResetTimeout, def.CircuitBreaker.ResetTimeout)

	return s
}

// Pool is the upstream session pool. Construct one per process with New and
// share it through the application context.
type Pool struct {
	settings poolSettings
	authReg  *upstream.StrategyRegistry
	metrics  *Metrics
	connect  connectFunc

	mu       sync.Mutex
	keys     map[Key]*keyPool
	breakers map[string]*circuitBreaker
	closed   bool

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// New builds a pool and starts its background sweep. A nil cfg uses the
// defaults; a nil metrics leaves collectors unregistered.
func New(cfg *config.PoolConfig, authRegistry *upstream.StrategyRegistry, metrics *Metrics) *Pool {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	p := &Pool{
		settings: resolveSettings(cfg),
		authReg:  authRegistry,
		metrics:  metrics,
		connect: func(ctx context.Context, target *upstream.Target, registry *upstream.StrategyRegistry) (Session, error) {
			return upstream.Connect(ctx, target, registry)
		},
		keys:      make(map[Key]*keyPool),
		breakers:  make(map[string]*circuitBreaker),
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	go p.sweepLoop()
	return p
}

// Handle is a checked-out session. Exactly one of Release or Discard must
// be called when the caller is done; both are idempotent.
type Handle struct {
	pool *Pool
	key  Key
	sess *pooledSession
	once sync.Once
}

// Session returns the upstream session held by this handle.
func (h *Handle) Session() Session { return h.sess.session }

// Key returns the pool key the handle belongs to.
func (h *Handle) Key() Key { return h.key }

// Release returns a healthy session to the pool. Sessions past the TTL are
// closed instead.
func (h *Handle) Release() {
	h.once.Do(func() { h.pool.release(h.key, h.sess) })
}

// Discard closes the session without returning it, for broken connections
// and cancelled runs whose upstream state is unknown.
func (h *Handle) Discard() {
	h.once.Do(func() { h.pool.discard(h.key, h.sess) })
}

// Acquire returns a session to the gateway's upstream bound to the identity
// carried by headers. Headers are scrubbed before keying and become sticky
// on any newly created session.
func (p *Pool) Acquire(ctx context.Context, gw *catalog.Gateway, headers http.Header) (*Handle, error) {
	return p.AcquireWithIdentity(ctx, gw, headers, nil)
}

// AcquireWithIdentity is Acquire with gateway-built identity headers folded
// into the pool key and merged into new sessions after scrubbing. The
// identity map participates in keying so that users distinguished only by
// gateway-built headers never share an upstream session. Client-supplied
// identity headers are always scrubbed; only headers built by the gateway
// itself enter here.
func (p *Pool) AcquireWithIdentity(
	ctx context.Context, gw *catalog.Gateway, headers http.Header, identity map[string]string,
) (*Handle, error) {
	transport := upstream.NormalizeTransport(gw.Transport)
	if transport == "" {
		return nil, fmt.Errorf("%w: %s", upstream.ErrUnsupportedTransport, gw.Transport)
	}

	scrubbed := cloneHeaders(headers)
	auth.ScrubRequestHeaders(scrubbed, nil)
	key := Key{URL: gw.URL, IdentityHash: auth.IdentityHashWith(scrubbed, identity), Transport: transport}

	breaker := p.breaker(gw.URL)
	if !breaker.AllowsRequests() {
		return nil, gwerrors.NewCircuitOpenError(fmt.Sprintf("circuit open for upstream %s", gw.URL))
	}

	deadline := time.Now().Add(p.settings.acquireTimeout)

	for {
		if err := ctx.Err(); err != nil {
			return nil, acquireCtxError(err, key.URL)
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		kp := p.keyPoolLocked(key)

		// Reuse an idle session, youngest first.
		if n := len(kp.idle); n > 0 {
			sess := kp.idle[n-1]
			kp.idle = kp.idle[:n-1]
			kp.active++
			idleFor := time.Since(sess.lastUsed)
			p.refreshKeyLocked(kp)
			p.mu.Unlock()

			if idleFor > p.settings.healthInterval {
				if err := p.probe(ctx, sess); err != nil {
					logger.Warnw("discarding idle session after failed probe",
						"url", key.URL, "transport", key.Transport, "error", err)
					p.metrics.ProbeFailures.WithLabelValues(key.URL, key.Transport).Inc()
					p.closeSession(key, sess)
					p.releaseSlot(key)
					continue
				}
			}
			return &Handle{pool: p, key: key, sess: sess}, nil
		}

		// Below capacity: create, holding a slot while connecting.
		if kp.active < p.settings.maxPerKey {
			kp.active++
			p.refreshKeyLocked(kp)
			p.mu.Unlock()

			sess, err := p.createSession(ctx, gw, key, scrubbed, identity, breaker)
			if err != nil {
				p.releaseSlot(key)
				return nil, err
			}
			return &Handle{pool: p, key: key, sess: sess}, nil
		}

		// At capacity: queue up for a release.
		w := &waiter{ch: make(chan *pooledSession, 1)}
		kp.waiters = append(kp.waiters, w)
		p.refreshKeyLocked(kp)
		p.mu.Unlock()

		sess, err := p.await(ctx, key, w, deadline)
		if err != nil {
			return nil, err
		}
		if sess != nil {
			return &Handle{pool: p, key: key, sess: sess}, nil
		}
		// Capacity freed; retry the fast paths.
	}
}

// await blocks until the waiter is handed a session or a retry token, the
// context ends, or the acquire deadline passes.
func (p *Pool) await(ctx context.Context, key Key, w *waiter, deadline time.Time) (*pooledSession, error) {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case sess := <-w.ch:
		return sess, nil
	case <-ctx.Done():
		p.abandonWait(key, w)
		return nil, acquireCtxError(ctx.Err(), key.URL)
	case <-timer.C:
		p.abandonWait(key, w)
		return nil, gwerrors.NewAcquireTimeoutError(
			fmt.Sprintf("timed out waiting for a session to upstream %s", key.URL))
	}
}

// abandonWait removes a waiter from the queue. If a releaser already popped
// the waiter, whatever was handed to it is rerouted so nothing is lost.
func (p *Pool) abandonWait(key Key, w *waiter) {
	p.mu.Lock()
	defer p.mu.Unlock()

	kp := p.keys[key]
	if kp == nil {
		return
	}
	for i, cand := range kp.waiters {
		if cand == w {
			kp.waiters = append(kp.waiters[:i], kp.waiters[i+1:]...)
			p.refreshKeyLocked(kp)
			return
		}
	}

	select {
	case sess := <-w.ch:
		if sess != nil {
			p.putLocked(kp, sess)
		} else if next := popWaiterLocked(kp); next != nil {
			next.ch <- nil
		}
		p.refreshKeyLocked(kp)
	default:
	}
}

// createSession connects and initializes a new upstream session, feeding the
// circuit breaker with the outcome. Caller cancellation resolves the attempt
// without counting it as an upstream failure.
func (p *Pool) createSession(
	ctx context.Context,
	gw *catalog.Gateway,
	key Key,
	headers http.Header,
	identity map[string]string,
	breaker *circuitBreaker,
) (*pooledSession, error) {
	attempt, ok := breaker.BeginAttempt()
	if !ok {
		p.syncCircuitGauge(key.URL, breaker)
		return nil, gwerrors.NewCircuitOpenError(fmt.Sprintf("circuit open for upstream %s", key.URL))
	}

	sticky := flattenHeaders(headers)
	if len(identity) > 0 {
		if sticky == nil {
			sticky = make(map[string]string, len(identity))
		}
		for name, value := range identity {
			sticky[name] = value
		}
	}

	target := &upstream.Target{
		ID:        gw.ID,
		Name:      gw.Name,
		URL:       gw.URL,
		Transport: key.Transport,
		Auth:      gw.Auth,
		Headers:   sticky,
		Timeout:   p.settings.transportTimeout,
	}

	createCtx, cancel := context.WithTimeout(ctx, p.settings.createTimeout)
	defer cancel()

	sess, err := p.connect(createCtx, target, p.authReg)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			attempt.Cancel()
		} else {
			attempt.Fail()
		}
		p.syncCircuitGauge(key.URL, breaker)
		return nil, err
	}

	attempt.Succeed()
	p.syncCircuitGauge(key.URL, breaker)
	p.metrics.SessionsCreated.WithLabelValues(key.URL, key.Transport).Inc()

	now := time.Now()
	return &pooledSession{session: sess, createdAt: now, lastUsed: now}, nil
}

// probe checks an idle session's liveness within the health check timeout.
func (p *Pool) probe(ctx context.Context, sess *pooledSession) error {
	probeCtx, cancel := context.WithTimeout(ctx, p.settings.healthTimeout)
	defer cancel()
	return sess.session.Probe(probeCtx)
}

// release returns a session to its key, closing it when past the TTL or
// when the pool has shut down.
func (p *Pool) release(key Key, sess *pooledSession) {
	if time.Since(sess.createdAt) > p.settings.sessionTTL {
		p.closeSession(key, sess)
		p.releaseSlot(key)
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.closeSession(key, sess)
		p.releaseSlot(key)
		return
	}
	kp := p.keys[key]
	if kp == nil {
		p.mu.Unlock()
		p.closeSession(key, sess)
		return
	}
	p.putLocked(kp, sess)
	p.refreshKeyLocked(kp)
	p.mu.Unlock()
}

// discard closes a checked-out session and frees its slot.
func (p *Pool) discard(key Key, sess *pooledSession) {
	p.closeSession(key, sess)
	p.releaseSlot(key)
}

// putLocked hands an active session to the next waiter, or parks it on the
// idle stack.
func (p *Pool) putLocked(kp *keyPool, sess *pooledSession) {
	sess.lastUsed = time.Now()
	if w := popWaiterLocked(kp); w != nil {
		// Direct handoff: the session stays active.
		w.ch <- sess
		return
	}
	kp.active--
	kp.idle = append(kp.idle, sess)
}

// releaseSlot gives up an active slot without a session to hand over and
// lets the next waiter retry.
func (p *Pool) releaseSlot(key Key) {
	p.mu.Lock()
	defer p.mu.Unlock()

	kp := p.keys[key]
	if kp == nil {
		return
	}
	kp.active--
	if w := popWaiterLocked(kp); w != nil {
		w.ch <- nil
	}
	p.refreshKeyLocked(kp)
}

func popWaiterLocked(kp *keyPool) *waiter {
	if len(kp.waiters) == 0 {
		return nil
	}
	w := kp.waiters[0]
	kp.waiters = kp.waiters[1:]
	return w
}

// closeSession closes the underlying session and counts it.
func (p *Pool) closeSession(key Key, sess *pooledSession) {
	if err := sess.session.Close(); err != nil {
		logger.Debugf("error closing session to %s: %v", key.URL, err)
	}
	p.metrics.SessionsClosed.WithLabelValues(key.URL, key.Transport).Inc()
}

// keyPoolLocked returns the state for key, creating it on first use.
func (p *Pool) keyPoolLocked(key Key) *keyPool {
	kp := p.keys[key]
	if kp == nil {
		kp = &keyPool{key: key}
		p.keys[key] = kp
	}
	return kp
}

// breaker returns the circuit breaker for url, creating it on first use.
func (p *Pool) breaker(url string) *circuitBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()

	cb := p.breakers[url]
	if cb == nil {
		cb = newCircuitBreaker(p.settings.breakerThreshold, p.settings.breakerReset, url)
		p.breakers[url] = cb
	}
	return cb
}

// refreshKeyLocked updates the key's empty-since marker and republishes the
// gauges for its URL and transport.
func (p *Pool) refreshKeyLocked(kp *keyPool) {
	if kp.active == 0 && len(kp.idle) == 0 {
		if kp.emptySince.IsZero() {
			kp.emptySince = time.Now()
		}
	} else {
		kp.emptySince = time.Time{}
	}
	p.syncGaugesLocked(kp.key.URL, kp.key.Transport)
}

// syncGaugesLocked recomputes the per-(url, transport) gauges by summing
// across identity hashes.
func (p *Pool) syncGaugesLocked(url, transport string) {
	var idle, active, waiters int
	for key, kp := range p.keys {
		if key.URL == url && key.Transport == transport {
			idle += len(kp.idle)
			active += kp.active
			waiters += len(kp.waiters)
		}
	}
	p.metrics.IdleSessions.WithLabelValues(url, transport).Set(float64(idle))
	p.metrics.ActiveSessions.WithLabelValues(url, transport).Set(float64(active))
	p.metrics.Waiters.WithLabelValues(url, transport).Set(float64(waiters))
}

func (p *Pool) syncCircuitGauge(url string, cb *circuitBreaker) {
	p.metrics.CircuitState.WithLabelValues(url).Set(circuitStateValue(cb.GetState()))
}

// KeyStats is a point-in-time snapshot of one pool key.
type KeyStats struct {
	URL          string
	IdentityHash string
	Transport    string
	Idle         int
	Active       int
	Waiters      int
	CircuitState CircuitState
}

// Stats snapshots every pool key, sorted by URL then identity hash.
func (p *Pool) Stats() []KeyStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]KeyStats, 0, len(p.keys))
	for key, kp := range p.keys {
		state := CircuitClosed
		if cb := p.breakers[key.URL]; cb != nil {
			state = cb.GetState()
		}
		out = append(out, KeyStats{
			URL:          key.URL,
			IdentityHash: key.IdentityHash,
			Transport:    key.Transport,
			Idle:         len(kp.idle),
			Active:       kp.active,
			Waiters:      len(kp.waiters),
			CircuitState: state,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].URL != out[j].URL {
			return out[i].URL < out[j].URL
		}
		return out[i].IdentityHash < out[j].IdentityHash
	})
	return out
}

// Close shuts the pool down: new acquires fail, waiters are woken, idle
// sessions are closed, and the sweep loop stops. Checked-out sessions are
// closed when their handles are released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true

	var toClose []closeItem
	for key, kp := range p.keys {
		for _, sess := range kp.idle {
			toClose = append(toClose, closeItem{key: key, sess: sess})
		}
		kp.idle = nil
		for _, w := range kp.waiters {
			w.ch <- nil
		}
		kp.waiters = nil
		p.refreshKeyLocked(kp)
	}
	p.mu.Unlock()

	close(p.stopSweep)
	<-p.sweepDone

	for _, item := range toClose {
		p.closeSession(item.key, item.sess)
	}
	return nil
}

type closeItem struct {
	key  Key
	sess *pooledSession
}

func (p *Pool) sweepLoop() {
	defer close(p.sweepDone)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.sweep(time.Now())
		case <-p.stopSweep:
			return
		}
	}
}

// sweep closes idle sessions past the TTL, evicts keys that have been empty
// for the eviction window, and drops breakers no key references.
func (p *Pool) sweep(now time.Time) {
	p.mu.Lock()

	var expired []closeItem
	for key, kp := range p.keys {
		kept := kp.idle[:0]
		for _, sess := range kp.idle {
			if now.Sub(sess.createdAt) > p.settings.sessionTTL {
				expired = append(expired, closeItem{key: key, sess: sess})
			} else {
				kept = append(kept, sess)
			}
		}
		kp.idle = kept
		p.refreshKeyLocked(kp)
	}

	for key, kp := range p.keys {
		if kp.active == 0 && len(kp.idle) == 0 && len(kp.waiters) == 0 &&
			!kp.emptySince.IsZero() && now.Sub(kp.emptySince) > p.settings.idleEviction {
			delete(p.keys, key)
			p.syncGaugesLocked(key.URL, key.Transport)
		}
	}

	for url := range p.breakers {
		inUse := false
		for key := range p.keys {
			if key.URL == url {
				inUse = true
				break
			}
		}
		if !inUse {
			delete(p.breakers, url)
		}
	}
	p.mu.Unlock()

	for _, item := range expired {
		p.closeSession(item.key, item.sess)
	}
}

// acquireCtxError maps a context error on the acquire path onto the gateway
// error taxonomy.
func acquireCtxError(err error, url string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return gwerrors.NewAcquireTimeoutError(
			fmt.Sprintf("timed out acquiring a session to upstream %s", url))
	}
	return gwerrors.NewCancelledError(
		fmt.Sprintf("acquire cancelled for upstream %s", url), err)
}

func cloneHeaders(h http.Header) http.Header {
	if h == nil {
		return http.Header{}
	}
	return h.Clone()
}

// flattenHeaders keeps the first value of each header for the sticky set.
func flattenHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for name, values := range h {
		if len(values) > 0 {
			out[name] = values[0]
		}
	}
	return out
}
