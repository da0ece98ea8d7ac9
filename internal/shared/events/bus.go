package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/EventStore/EventStore-Client-Go/v4/esdb"
	"github.com/google/uuid"
	"github.com/safar-saathi/careflow/internal/shared/config"
	"github.com/safar-saathi/careflow/internal/shared/types"
)

// Event represents a domain event
type Event struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	Source       string    `json:"source"`
	Timestamp    time.Time `json:"timestamp"`
	ResourceType string    `json:"resource_type"`
	ResourceID   types.ID  `json:"resource_id"`

	ActorID   string `json:"actor_id,omitempty"`
	ActorType string `json:"actor_type,omitempty"`

	Data any `json:"data"`
}

// NewEvent creates a new event with auto-generated ID and timestamp
func NewEvent(eventType, resourceType string, resourceID types.ID, data any) Event {
	return Event{
		ID:           uuid.New().String(),
		Type:         eventType,
		Source:       "careflow",
		Timestamp:    time.Now().UTC(),
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Data:         data,
	}
}

// WithActor sets the actor information on the event
func (e Event) WithActor(actorID, actorType string) Event {
	e.ActorID = actorID
	e.ActorType = actorType
	return e
}

// Stream returns the per-resource stream name, e.g. careflow-transfer-<id>.
// KurrentDB's $ce-careflow category projection picks every one of them up.
func (e Event) Stream(prefix string) string {
	resource := strings.ReplaceAll(e.ResourceType, "_", "")
	if e.ResourceID.IsZero() {
		return fmt.Sprintf("%s-%s", prefix, resource)
	}
	return fmt.Sprintf("%s-%s-%s", prefix, resource, e.ResourceID)
}

// Bus publishes events to KurrentDB
type Bus struct {
	client *esdb.Client
	prefix string
}

// NewBus creates a new event bus connected to KurrentDB
func NewBus(ctx context.Context, cfg config.KurrentDBConfig) (*Bus, error) {
	settings, err := esdb.ParseConnectionString(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	client, err := esdb.NewClient(settings)
	if err != nil {
		return nil, fmt.Errorf("failed to create KurrentDB client: %w", err)
	}

	return &Bus{client: client, prefix: "careflow"}, nil
}

// Publish appends the event to its resource stream
func (b *Bus) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	eventID, err := uuid.Parse(event.ID)
	if err != nil {
		eventID = uuid.New()
	}

	_, err = b.client.AppendToStream(ctx, event.Stream(b.prefix), esdb.AppendToStreamOptions{
		ExpectedRevision: esdb.Any{},
	}, esdb.EventData{
		EventType:   event.Type,
		ContentType: esdb.ContentTypeJson,
		Data:        data,
		EventID:     eventID,
	})
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}

// Close closes the event bus connection
func (b *Bus) Close() {
	if b.client != nil {
		b.client.Close()
	}
}

// Health checks the KurrentDB connection
func (b *Bus) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := b.client.ReadStream(ctx, "$streams", esdb.ReadStreamOptions{
		From:      esdb.Start{},
		Direction: esdb.Forwards,
	}, 1)
	if err != nil {
		return fmt.Errorf("KurrentDB health check failed: %w", err)
	}
	defer stream.Close()

	return nil
}

// MemoryPublisher keeps published events in memory
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
	// Err, when set, is returned from every Publish
	Err error
}

// NewMemoryPublisher creates an empty in-memory publisher
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

func (p *MemoryPublisher) Publish(ctx context.Context, event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.events = append(p.events, event)
	return nil
}

// Events returns a copy of everything published so far
func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

func (p *MemoryPublisher) Close() {}

func (p *MemoryPublisher) Health() error { return nil }
