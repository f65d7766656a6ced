package detections

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrPoolClosed     = errors.New("pool is closed")
	ErrAcquireTimeout = errors.New("timeout waiting for available session")
)

// Factory builds one Detector for the pool.
type Factory func() (Detector, error)

type SessionPool struct {
	sessions chan Detector
	size     int
	factory  Factory
	logger   *zap.Logger

	acquireTimeout time.Duration

	mu         sync.Mutex
	closed     bool
	live       int
	lastErrors []error

	metricsMu sync.RWMutex
	metrics   PoolMetrics

	done chan struct{}
	wg   sync.WaitGroup
}

type PoolMetrics struct {
	Size            int           `json:"pool_size"`
	InUse           int           `json:"sessions_in_use"`
	TotalAcquired   int64         `json:"total_acquired"`
	TotalReleased   int64         `json:"total_released"`
	AcquireFailures int64         `json:"acquire_failures"`
	Discarded       int64         `json:"discarded"`
	WaitTime        time.Duration `json:"wait_time_ns"`
}

type PoolOption func(*SessionPool)

func WithAcquireTimeout(d time.Duration) PoolOption {
	return func(p *SessionPool) { p.acquireTimeout = d }
}

func WithLogger(logger *zap.Logger) PoolOption {
	return func(p *SessionPool) { p.logger = logger }
}

// NewSessionPool builds size detectors up front and starts a health check that
// replaces discarded ones every healthCheckPeriod.
func NewSessionPool(size int, factory Factory, healthCheckPeriod time.Duration, opts ...PoolOption) (*SessionPool, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}

	pool := &SessionPool{
		sessions:       make(chan Detector, size),
		size:           size,
		factory:        factory,
		logger:         zap.NewNop(),
		acquireTimeout: AcquireTimeout,
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(pool)
	}
	pool.metrics.Size = size

	for i := 0; i < size; i++ {
		session, err := factory()
		if err != nil {
			pool.Destroy()
			return nil, fmt.Errorf("failed to initialize session %d: %w", i, err)
		}
		pool.live++
		pool.sessions <- session
	}

	pool.wg.Add(1)
	go pool.healthCheck(healthCheckPeriod)

	return pool, nil
}

func (p *SessionPool) Acquire(ctx context.Context) (Detector, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}

	start := time.Now()
	defer func() {
		p.metricsMu.Lock()
		p.metrics.WaitTime += time.Since(start)
		p.metricsMu.Unlock()
	}()

	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()

	select {
	case session, ok := <-p.sessions:
		if !ok {
			return nil, ErrPoolClosed
		}
		p.metricsMu.Lock()
		p.metrics.InUse++
		p.metrics.TotalAcquired++
		p.metricsMu.Unlock()
		return session, nil
	case <-timer.C:
		p.metricsMu.Lock()
		p.metrics.AcquireFailures++
		p.metricsMu.Unlock()
		return nil, ErrAcquireTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *SessionPool) Release(session Detector) {
	p.metricsMu.Lock()
	p.metrics.InUse--
	p.metrics.TotalReleased++
	p.metricsMu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		session.Destroy()
		return
	}
	p.sessions <- session
}

// Discard destroys a session that failed; the health check replaces it.
func (p *SessionPool) Discard(session Detector, cause error) {
	session.Destroy()

	p.metricsMu.Lock()
	p.metrics.InUse--
	p.metrics.Discarded++
	p.metricsMu.Unlock()

	p.mu.Lock()
	p.live--
	p.mu.Unlock()

	p.recordError(cause)
	p.logger.Warn("discarded model session", zap.Error(cause))
}

func (p *SessionPool) Destroy() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	close(p.sessions)

	for session := range p.sessions {
		session.Destroy()
	}
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *SessionPool) healthCheck(period time.Duration) {
	defer p.wg.Done()

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.replenishSessions()
		}
	}
}

func (p *SessionPool) replenishSessions() {
	p.mu.Lock()
	missing := p.size - p.live
	p.mu.Unlock()

	for i := 0; i < missing; i++ {
		session, err := p.factory()
		if err != nil {
			p.recordError(err)
			p.logger.Warn("failed to replenish model session", zap.Error(err))
			continue
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			session.Destroy()
			return
		}
		p.live++
		p.sessions <- session
		p.mu.Unlock()
	}
}

func (p *SessionPool) recordError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastErrors = append(p.lastErrors, err)
	if len(p.lastErrors) > 10 {
		p.lastErrors = p.lastErrors[1:]
	}
}

func (p *SessionPool) LastErrors() []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]error(nil), p.lastErrors...)
}

func (p *SessionPool) GetMetrics() PoolMetrics {
	p.metricsMu.RLock()
	defer p.metricsMu.RUnlock()
	return p.metrics
}
