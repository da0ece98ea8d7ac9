package events

import (
	"context"
	"fmt"
	"time"

	"github.com/safar-saathi/careflow/internal/shared/config"
)

// Publisher appends workflow events to a durable stream
type Publisher interface {
	// Publish publishes an event
	Publish(ctx context.Context, event Event) error

	// Close closes the connection
	Close()

	// Health checks the connection
	Health() error
}

// NewPublisher connects to KurrentDB and verifies the connection
func NewPublisher(ctx context.Context, cfg config.KurrentDBConfig) (Publisher, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	bus, err := NewBus(timeoutCtx, cfg)
	if err != nil {
		return nil, err
	}

	if err := bus.Health(); err != nil {
		bus.Close()
		return nil, fmt.Errorf("KurrentDB unreachable: %w", err)
	}

	return bus, nil
}

// Ensure implementations satisfy Publisher
var (
	_ Publisher = (*Bus)(nil)
	_ Publisher = (*MemoryPublisher)(nil)
)
