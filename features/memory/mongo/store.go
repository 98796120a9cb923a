// Package mongo wires the memory.Store interface to the MongoDB client.
package mongo

import (
	"context"
	"errors"

	clientsmongo "github.com/parley-dev/parley/features/memory/mongo/clients/mongo"
	"github.com/parley-dev/parley/runtime/memory"
)

// Options configures the Store wrapper.
type Options struct {
	Client clientsmongo.Client
}

// Store implements memory.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

// NewStore builds a Mongo-backed summary store using the provided client.
func NewStore(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: opts.Client}, nil
}

// NewStoreFromMongo is a helper that instantiates the underlying client using
// the given options.
func NewStoreFromMongo(opts clientsmongo.Options) (*Store, error) {
	client, err := clientsmongo.New(opts)
	if err != nil {
		return nil, err
	}
	return NewStore(Options{Client: client})
}

// AppendSummaries records summaries for the agent in order.
func (s *Store) AppendSummaries(ctx context.Context, agentID string, summaries ...memory.MessageSummary) error {
	if len(summaries) == 0 {
		return nil
	}
	return s.client.AppendSummaries(ctx, agentID, summaries)
}

// ListSummaries returns the agent's most recent summaries, oldest first.
func (s *Store) ListSummaries(ctx context.Context, agentID string, limit int) ([]memory.MessageSummary, error) {
	return s.client.ListSummaries(ctx, agentID, limit)
}
