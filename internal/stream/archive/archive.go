// Package archive persists broadcast events so recent history can be served over HTTP.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/couchbase/gocb/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"livestream/internal/stream"
	"livestream/internal/validator"
)

const (
	recordType = "event"
	keyPrefix  = recordType + "::"
)

// Config holds the archive settings.
type Config struct {
	Enabled      bool          `env:"ARCHIVE_ENABLED" envDefault:"false"`
	BufferSize   int           `env:"ARCHIVE_BUFFER_SIZE" envDefault:"256"`
	TTL          time.Duration `env:"ARCHIVE_TTL" envDefault:"24h"`
	WriteTimeout time.Duration `env:"ARCHIVE_WRITE_TIMEOUT" envDefault:"5s"`
	RecentLimit  int           `env:"ARCHIVE_RECENT_LIMIT" envDefault:"50"`
}

// Record is the stored form of an event.
type Record struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Topic     stream.Topic    `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	EmittedAt int64           `json:"emittedAt"`
}

// ErrEventNotFound is returned by Event for unknown or expired ids.
var ErrEventNotFound = errors.New("event not found")

// Store is the document store records are written to.
type Store interface {
	Insert(ctx context.Context, key string, value Record, opts *gocb.InsertOptions) error
	Get(ctx context.Context, key string, opts *gocb.GetOptions) (*Record, error)
	Query(ctx context.Context, statement string, opts *gocb.QueryOptions) ([]Record, error)
}

// WriteMetrics records the outcome of every write.
type WriteMetrics interface {
	RecordArchiveWrite(duration time.Duration, err error)
}

// Archive is a stream.Observer that writes data messages to a Store on its own
// goroutine. When writes fall behind, records are dropped rather than failing the
// delivery, so the hub never evicts the archive for being slow.
type Archive struct {
	store    Store
	keyspace string
	config   Config
	clock    clockwork.Clock
	metrics  WriteMetrics
	logger   *zap.Logger
	id       string

	queue     chan Record
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewArchive(store Store, keyspace string, config Config, clock clockwork.Clock, metrics WriteMetrics, logger *zap.Logger) (*Archive, error) {
	a := Archive{
		store:    store,
		keyspace: keyspace,
		config:   config,
		clock:    clock,
		metrics:  metrics,
		logger:   logger,
		id:       "archive-" + uuid.NewString(),
	}

	if err := validator.Validate("archive", a.store, a.keyspace, a.config.BufferSize, a.config.WriteTimeout, a.clock, a.metrics, a.logger); err != nil {
		return nil, fmt.Errorf("failed to validate archive deps: %w", err)
	}
	if a.config.RecentLimit <= 0 {
		a.config.RecentLimit = 50
	}

	a.queue = make(chan Record, a.config.BufferSize)
	a.done = make(chan struct{})
	a.logger = logger.Named("archive")

	return &a, nil
}

// Start launches the writer. It stops when Close is called.
func (a *Archive) Start() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.run()
	}()
}

func (a *Archive) run() {
	for {
		select {
		case <-a.done:
			return
		case rec := <-a.queue:
			a.write(rec)
		}
	}
}

func (a *Archive) write(rec Record) {
	ctx, cancel := context.WithTimeout(context.Background(), a.config.WriteTimeout)
	defer cancel()

	opts := &gocb.InsertOptions{}
	if a.config.TTL > 0 {
		opts.Expiry = a.config.TTL
	}

	start := a.clock.Now()
	err := a.store.Insert(ctx, rec.ID, rec, opts)
	a.metrics.RecordArchiveWrite(a.clock.Since(start), err)

	if err != nil {
		a.logger.Warn("failed to archive event",
			zap.String("key", rec.ID),
			zap.String("topic", string(rec.Topic)),
			zap.Error(err),
		)
	}
}

// ID implements stream.Observer.ID.
func (a *Archive) ID() string {
	return a.id
}

// Enqueue implements stream.Observer.Enqueue. Only data messages are archived.
func (a *Archive) Enqueue(msg stream.Message) error {
	select {
	case <-a.done:
		return stream.ErrObserverClosed
	default:
	}

	if msg.Type != stream.MessageTypeData {
		return nil
	}

	rec := Record{
		ID:        keyPrefix + uuid.NewString(),
		Type:      recordType,
		Topic:     msg.Topic,
		Payload:   msg.Data,
		EmittedAt: msg.Timestamp,
	}

	select {
	case a.queue <- rec:
	default:
		a.logger.Warn("archive queue full, dropping event", zap.String("topic", string(msg.Topic)))
	}

	return nil
}

// Close implements stream.Observer.Close. It waits for an in-flight write to finish.
// Queued records that were not written yet are discarded.
func (a *Archive) Close() {
	a.closeOnce.Do(func() {
		close(a.done)
	})
	a.wg.Wait()
}

// Recent returns up to limit archived events, newest first. An empty topic matches all.
func (a *Archive) Recent(ctx context.Context, topic stream.Topic, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = a.config.RecentLimit
	}

	params := map[string]any{
		"type":  recordType,
		"limit": limit,
	}
	statement := fmt.Sprintf("SELECT e.* FROM %s AS e WHERE e.type = $type", a.keyspace)
	if topic != "" {
		statement += " AND e.topic = $topic"
		params["topic"] = string(topic)
	}
	statement += " ORDER BY e.emittedAt DESC LIMIT $limit"

	records, err := a.store.Query(ctx, statement, &gocb.QueryOptions{
		NamedParameters: params,
		Readonly:        true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query recent events: %w", err)
	}

	return records, nil
}

// Event returns the archived event stored under id.
func (a *Archive) Event(ctx context.Context, id string) (*Record, error) {
	if !strings.HasPrefix(id, keyPrefix) {
		return nil, ErrEventNotFound
	}

	rec, err := a.store.Get(ctx, id, nil)
	if errors.Is(err, gocb.ErrDocumentNotFound) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event %s: %w", id, err)
	}

	return rec, nil
}
