// Package connectivity tells the reconciler when the remote service becomes reachable again.
package connectivity

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Pinger is implemented by remote services that expose a health check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CheckFunc returns nil when the remote is reachable.
type CheckFunc func(ctx context.Context) error

// Probe polls a CheckFunc and calls onOnline on every offline -> online transition.
type Probe struct {
	check    CheckFunc
	interval time.Duration
	timeout  time.Duration
	onOnline func()
	logger   logrus.FieldLogger

	online atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Probe)

func WithLogger(logger logrus.FieldLogger) Option {
	return func(p *Probe) {
		p.logger = logger
	}
}

// WithTimeout bounds a single check. Defaults to the poll interval.
func WithTimeout(timeout time.Duration) Option {
	return func(p *Probe) {
		p.timeout = timeout
	}
}

func NewProbe(check CheckFunc, interval time.Duration, onOnline func(), opts ...Option) (*Probe, error) {
	if check == nil {
		return nil, errors.New("check function cannot be nil")
	}
	if interval <= 0 {
		return nil, errors.New("probe interval must be positive")
	}
	p := &Probe{
		check:    check,
		interval: interval,
		timeout:  interval,
		onOnline: onOnline,
		logger:   logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// NewPingProbe probes pinger.Ping.
func NewPingProbe(pinger Pinger, interval time.Duration, onOnline func(), opts ...Option) (*Probe, error) {
	if pinger == nil {
		return nil, errors.New("pinger cannot be nil")
	}
	return NewProbe(pinger.Ping, interval, onOnline, opts...)
}

// Online reports the result of the last check. A probe that has not checked yet reports offline.
func (p *Probe) Online() bool {
	return p.online.Load()
}

// Check runs one probe and reports whether the remote is reachable.
func (p *Probe) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	err := p.check(ctx)
	cancel()

	reachable := err == nil
	was := p.online.Swap(reachable)
	switch {
	case reachable && !was:
		p.logger.Info("Remote service reachable")
		if p.onOnline != nil {
			p.onOnline()
		}
	case !reachable && was:
		p.logger.WithError(err).Warn("Remote service unreachable")
	}
	return reachable
}

// Start checks immediately and then every interval until Stop is called or ctx ends.
func (p *Probe) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.done != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	go p.loop(ctx, p.done)
}

func (p *Probe) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}

func (p *Probe) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
