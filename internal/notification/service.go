package notification

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/safar-saathi/careflow/internal/shared/metrics"
)

// Provider delivers a notification to one channel
type Provider interface {
	Name() string
	Send(ctx context.Context, n *Notification) error
}

// ServiceConfig holds service configuration
type ServiceConfig struct {
	Workers       int
	BufferSize    int
	RetryAttempts int
	RetryDelay    time.Duration
	SendTimeout   time.Duration
}

// DefaultServiceConfig returns default configuration
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Workers:       4,
		BufferSize:    1000,
		RetryAttempts: 3,
		RetryDelay:    2 * time.Second,
		SendTimeout:   5 * time.Second,
	}
}

// Service fans notifications out to providers on a worker pool. Notify
// never blocks and never fails the caller.
type Service struct {
	providers []Provider
	config    ServiceConfig
	log       zerolog.Logger

	notifCh chan *Notification

	mu      sync.Mutex
	stats   Stats
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewService creates a new notification service
func NewService(config ServiceConfig, log zerolog.Logger, providers ...Provider) *Service {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 1
	}
	return &Service{
		providers: providers,
		config:    config,
		log:       log.With().Str("component", "notification").Logger(),
		notifCh:   make(chan *Notification, config.BufferSize),
		stopCh:    make(chan struct{}),
	}
}

// Start starts the worker pool
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("service already started")
	}
	s.started = true

	for i := 0; i < s.config.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	return nil
}

// Stop stops the workers and waits for in-flight deliveries
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return fmt.Errorf("service not started")
	}
	s.started = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	return nil
}

// Notify enqueues n for delivery. A full buffer drops the message.
func (s *Service) Notify(ctx context.Context, n Notification) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if n.Priority == "" {
		n.Priority = PriorityNormal
	}

	select {
	case s.notifCh <- &n:
		s.count(func(st *Stats) { st.Enqueued++ })
	default:
		s.count(func(st *Stats) { st.Dropped++ })
		metrics.RecordNotification("queue", "dropped")
		s.log.Warn().Str("kind", n.Kind).Str("resource_id", n.ResourceID.String()).Msg("notification buffer full, dropped")
	}
}

// Stats returns a snapshot of the counters
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Service) count(f func(*Stats)) {
	s.mu.Lock()
	f(&s.stats)
	s.mu.Unlock()
}

func (s *Service) worker(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case n := <-s.notifCh:
			s.deliver(ctx, n)
		}
	}
}

// deliver sends n to every provider, retrying each one independently
func (s *Service) deliver(ctx context.Context, n *Notification) {
	failed := false
	for _, p := range s.providers {
		if err := s.sendWithRetry(ctx, p, *n); err != nil {
			failed = true
			metrics.RecordNotification(p.Name(), "failed")
			s.log.Error().Err(err).
				Str("provider", p.Name()).
				Str("kind", n.Kind).
				Str("resource_id", n.ResourceID.String()).
				Msg("notification delivery failed")
			continue
		}
		metrics.RecordNotification(p.Name(), "delivered")
	}

	if failed {
		s.count(func(st *Stats) { st.Failed++ })
	} else {
		s.count(func(st *Stats) { st.Delivered++ })
	}
}

func (s *Service) sendWithRetry(ctx context.Context, p Provider, n Notification) error {
	var err error
	for attempt := 0; attempt <= s.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.stopCh:
				return err
			case <-time.After(s.config.RetryDelay):
			}
		}
		n.RetryCount = attempt

		sendCtx := ctx
		var cancel context.CancelFunc
		if s.config.SendTimeout > 0 {
			sendCtx, cancel = context.WithTimeout(ctx, s.config.SendTimeout)
		}
		err = p.Send(sendCtx, &n)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return nil
		}
	}
	return fmt.Errorf("after %d attempts: %w", s.config.RetryAttempts+1, err)
}
