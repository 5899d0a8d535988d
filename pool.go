package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/Hanbin/density/detections"
	"github.com/Hanbin/density/models"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultPoolSize Pool configuration
	DefaultPoolSize   = 1
	AcquireTimeout    = 5 * time.Second
	HealthCheckPeriod = 60 * time.Second
)

var ErrPoolClosed = errors.New("pool is closed")

// inferenceSession is implemented by *detections.ModelSession.
type inferenceSession interface {
	Detect(img image.Image, timings *models.ProcessingTimings) (detections.Batch, error)
	Destroy() error
}

type sessionFactory func() (inferenceSession, error)

// ModelSessionPool hands each session to one caller at a time. ONNX Runtime
// sessions with bound tensors are not safe for concurrent Run.
type ModelSessionPool struct {
	sessions       chan inferenceSession
	size           int
	newSession     sessionFactory
	acquireTimeout time.Duration
	log            *logrus.Logger

	mu         sync.Mutex
	closed     bool
	live       int
	lastErrors []error
	stop       chan struct{}

	metrics *PoolMetrics
}

type PoolMetrics struct {
	mu              sync.RWMutex
	inUse           int
	totalAcquired   int64
	totalReleased   int64
	acquireFailures int64
	discarded       int64
	waitTime        time.Duration
}

// PoolStats is a point-in-time copy of the pool counters.
type PoolStats struct {
	Size            int
	Live            int
	InUse           int
	TotalAcquired   int64
	TotalReleased   int64
	AcquireFailures int64
	Discarded       int64
	WaitTime        time.Duration
}

func NewModelSessionPool(log *logrus.Logger, factory sessionFactory, size int) (*ModelSessionPool, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}

	pool := &ModelSessionPool{
		sessions:       make(chan inferenceSession, size),
		size:           size,
		newSession:     factory,
		acquireTimeout: AcquireTimeout,
		log:            log,
		stop:           make(chan struct{}),
		metrics:        &PoolMetrics{},
	}

	for i := 0; i < size; i++ {
		session, err := factory()
		if err != nil {
			pool.Destroy()
			return nil, fmt.Errorf("failed to initialize session %d: %w", i, err)
		}
		pool.sessions <- session
		pool.live++
	}

	go pool.healthCheck(HealthCheckPeriod)

	return pool, nil
}

func (p *ModelSessionPool) Acquire(ctx context.Context) (inferenceSession, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}

	start := time.Now()
	defer func() {
		p.metrics.mu.Lock()
		p.metrics.waitTime += time.Since(start)
		p.metrics.mu.Unlock()
	}()

	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()

	select {
	case session, ok := <-p.sessions:
		if !ok {
			return nil, ErrPoolClosed
		}
		p.metrics.mu.Lock()
		p.metrics.inUse++
		p.metrics.totalAcquired++
		p.metrics.mu.Unlock()
		return session, nil
	case <-timer.C:
		p.metrics.mu.Lock()
		p.metrics.acquireFailures++
		p.metrics.mu.Unlock()
		return nil, fmt.Errorf("timeout waiting for available session")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *ModelSessionPool) Release(session inferenceSession) {
	p.metrics.mu.Lock()
	p.metrics.inUse--
	p.metrics.totalReleased++
	p.metrics.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.destroySession(session)
		return
	}
	p.sessions <- session
}

// Discard destroys a session instead of returning it; the health check
// replaces it later.
func (p *ModelSessionPool) Discard(session inferenceSession) {
	p.metrics.mu.Lock()
	p.metrics.inUse--
	p.metrics.discarded++
	p.metrics.mu.Unlock()

	p.mu.Lock()
	p.live--
	p.mu.Unlock()
	p.destroySession(session)
}

// Use runs fn with exclusive access to a session. Batches returned by the
// session are only valid inside fn. A session whose runtime call failed
// is discarded.
func (p *ModelSessionPool) Use(ctx context.Context, fn func(inferenceSession) error) error {
	session, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	err = fn(session)
	if detections.IsInferenceFailure(err) {
		p.Discard(session)
		return err
	}
	p.Release(session)
	return err
}

func (p *ModelSessionPool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	p.closed = true
	close(p.stop)
	close(p.sessions)

	for session := range p.sessions {
		p.destroySession(session)
	}
}

func (p *ModelSessionPool) destroySession(session inferenceSession) {
	if err := session.Destroy(); err != nil {
		p.log.WithError(err).Warn("failed to destroy model session")
	}
}

func (p *ModelSessionPool) healthCheck(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.replenishSessions()
		}
	}
}

func (p *ModelSessionPool) replenishSessions() {
	p.mu.Lock()
	missing := p.size - p.live
	p.mu.Unlock()

	for i := 0; i < missing; i++ {
		session, err := p.newSession()
		if err != nil {
			p.recordError(err)
			continue
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			p.destroySession(session)
			return
		}
		p.sessions <- session
		p.live++
		p.mu.Unlock()
		p.log.Info("replaced discarded model session")
	}
}

func (p *ModelSessionPool) recordError(err error) {
	p.log.WithError(err).Error("failed to recreate model session")

	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastErrors = append(p.lastErrors, err)
	if len(p.lastErrors) > 10 {
		p.lastErrors = p.lastErrors[1:]
	}
}

func (p *ModelSessionPool) Stats() PoolStats {
	p.mu.Lock()
	live := p.live
	p.mu.Unlock()

	p.metrics.mu.RLock()
	defer p.metrics.mu.RUnlock()
	return PoolStats{
		Size:            p.size,
		Live:            live,
		InUse:           p.metrics.inUse,
		TotalAcquired:   p.metrics.totalAcquired,
		TotalReleased:   p.metrics.totalReleased,
		AcquireFailures: p.metrics.acquireFailures,
		Discarded:       p.metrics.discarded,
		WaitTime:        p.metrics.waitTime,
	}
}
