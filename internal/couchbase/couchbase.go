// Package couchbase provides a small typed layer over the Couchbase Go SDK.
package couchbase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/couchbase/gocb/v2"
)

// Config holds the cluster connection settings.
type Config struct {
	ConnectionString string        `env:"COUCHBASE_CONNECTION_STRING" envDefault:"couchbase://localhost"`
	Username         string        `env:"COUCHBASE_USERNAME" envDefault:"Administrator"`
	Password         string        `env:"COUCHBASE_PASSWORD" envDefault:"password"`
	BucketName       string        `env:"COUCHBASE_BUCKET_NAME" envDefault:"livestream"`
	ScopeName        string        `env:"COUCHBASE_SCOPE_NAME" envDefault:"_default"`
	CollectionName   string        `env:"COUCHBASE_COLLECTION_NAME" envDefault:"events"`
	ReadyTimeout     time.Duration `env:"COUCHBASE_READY_TIMEOUT" envDefault:"5s"`
}

// Keyspace returns the fully qualified N1QL keyspace of the configured collection.
func (c Config) Keyspace() string {
	return fmt.Sprintf("`%s`.`%s`.`%s`", c.BucketName, c.ScopeName, c.CollectionName)
}

// Connect opens the cluster and waits for the bucket to become ready.
func Connect(config Config) (*gocb.Cluster, *gocb.Bucket, error) {
	cluster, err := gocb.Connect(config.ConnectionString, gocb.ClusterOptions{
		Authenticator: gocb.PasswordAuthenticator{
			Username: config.Username,
			Password: config.Password,
		},
		TimeoutsConfig: gocb.TimeoutsConfig{
			ConnectTimeout: 10 * time.Second,
			KVTimeout:      5 * time.Second,
			QueryTimeout:   30 * time.Second,
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to cluster: %w", err)
	}

	bucket := cluster.Bucket(config.BucketName)
	if err := bucket.WaitUntilReady(config.ReadyTimeout, nil); err != nil {
		_ = cluster.Close(nil)
		return nil, nil, fmt.Errorf("bucket not ready: %w", err)
	}

	return cluster, bucket, nil
}

// Couchbase stores documents of type T in one collection and queries them back.
type Couchbase[T any] struct {
	cluster    *gocb.Cluster
	collection *gocb.Collection
}

// NewCouchbase wraps the collection identified by config on an open cluster.
func NewCouchbase[T any](cluster *gocb.Cluster, bucket *gocb.Bucket, config Config) (*Couchbase[T], error) {
	if cluster == nil || bucket == nil {
		return nil, errors.New("invalid Couchbase parameters: cluster and bucket must not be nil")
	}
	if config.ScopeName == "" || config.CollectionName == "" {
		return nil, errors.New("invalid Couchbase parameters: scope and collection names are required")
	}

	return &Couchbase[T]{
		cluster:    cluster,
		collection: bucket.Scope(config.ScopeName).Collection(config.CollectionName),
	}, nil
}

// Insert creates a new document. It fails if the key already exists.
func (c *Couchbase[T]) Insert(ctx context.Context, key string, value T, opts *gocb.InsertOptions) error {
	if opts == nil {
		opts = new(gocb.InsertOptions)
	}
	opts.Context = ctx

	if _, err := c.collection.Insert(key, value, opts); err != nil {
		return fmt.Errorf("failed to insert document with key %s: %w", key, err)
	}

	return nil
}

// Get fetches the document stored under key.
func (c *Couchbase[T]) Get(ctx context.Context, key string, opts *gocb.GetOptions) (*T, error) {
	if opts == nil {
		opts = new(gocb.GetOptions)
	}
	opts.Context = ctx

	res, err := c.collection.Get(key, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to get document with key %s: %w", key, err)
	}

	var v T
	if err := res.Content(&v); err != nil {
		return nil, fmt.Errorf("failed to parse document content for key %s: %w", key, err)
	}

	return &v, nil
}

// Query runs a N1QL statement and decodes every row into T.
func (c *Couchbase[T]) Query(ctx context.Context, statement string, opts *gocb.QueryOptions) ([]T, error) {
	if opts == nil {
		opts = new(gocb.QueryOptions)
	}
	opts.Context = ctx

	result, err := c.cluster.Query(statement, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer result.Close()

	items := make([]T, 0)
	for result.Next() {
		var item T
		if err := result.Row(&item); err != nil {
			return nil, fmt.Errorf("failed to parse query row: %w", err)
		}
		items = append(items, item)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("failed to read query results: %w", err)
	}

	return items, nil
}

// Close closes the cluster connection.
func (c *Couchbase[T]) Close() error {
	return c.cluster.Close(nil)
}
