// Package mongo implements the low-level MongoDB client used by the
// message-summary store.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"github.com/parley-dev/parley/aacp/envelope"
	"github.com/parley-dev/parley/runtime/memory"
)

const (
	defaultCollection = "agent_summaries"
	defaultTimeout    = 5 * time.Second
	clientName        = "memory-mongo"
)

// Client exposes Mongo-backed operations for message summaries.
type Client interface {
	health.Pinger

	AppendSummaries(ctx context.Context, agentID string, summaries []memory.MessageSummary) error
	ListSummaries(ctx context.Context, agentID string, limit int) ([]memory.MessageSummary, error)
}

// Options configures the Mongo client implementation.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

type client struct {
	mongo   *mongodriver.Client
	coll    collection
	timeout time.Duration
}

// New returns a Client backed by the provided MongoDB client.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	name := opts.Collection
	if name == "" {
		name = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	mcoll := opts.Client.Database(opts.Database).Collection(name)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	wrapper := mongoCollection{coll: mcoll}
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, wrapper, timeout)
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) AppendSummaries(ctx context.Context, agentID string, summaries []memory.MessageSummary) error {
	if agentID == "" {
		return errors.New("agent id is required")
	}
	if len(summaries) == 0 {
		return nil
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	docs := make([]any, len(summaries))
	for i, s := range summaries {
		docs[i] = toSummaryDocument(agentID, s)
	}
	_, err := c.coll.InsertMany(ctx, docs)
	return err
}

func (c *client) ListSummaries(ctx context.Context, agentID string, limit int) ([]memory.MessageSummary, error) {
	if agentID == "" {
		return nil, errors.New("agent id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "received_at", Value: -1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	cur, err := c.coll.Find(ctx, bson.M{"agent_id": agentID}, opts)
	if err != nil {
		return nil, err
	}
	var docs []summaryDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	// The query sorts newest first so the limit keeps recent history; callers
	// expect oldest first.
	out := make([]memory.MessageSummary, len(docs))
	for i, doc := range docs {
		out[len(docs)-1-i] = fromSummaryDocument(doc)
	}
	return out, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

type summaryDocument struct {
	AgentID       string    `bson:"agent_id"`
	MessageID     string    `bson:"message_id"`
	RequestID     string    `bson:"request_id,omitempty"`
	SourceAgentID string    `bson:"source_agent_id"`
	Type          string    `bson:"message_type"`
	Outcome       string    `bson:"outcome"`
	Error         string    `bson:"error,omitempty"`
	ReceivedAt    time.Time `bson:"received_at"`
}

func toSummaryDocument(agentID string, s memory.MessageSummary) summaryDocument {
	return summaryDocument{
		AgentID:       agentID,
		MessageID:     s.MessageID,
		RequestID:     s.RequestID,
		SourceAgentID: s.SourceAgentID,
		Type:          string(s.Type),
		Outcome:       s.Outcome,
		Error:         s.Error,
		ReceivedAt:    s.ReceivedAt.UTC(),
	}
}

func fromSummaryDocument(doc summaryDocument) memory.MessageSummary {
	return memory.MessageSummary{
		MessageID:     doc.MessageID,
		RequestID:     doc.RequestID,
		SourceAgentID: doc.SourceAgentID,
		Type:          envelope.MessageType(doc.Type),
		Outcome:       doc.Outcome,
		Error:         doc.Error,
		ReceivedAt:    doc.ReceivedAt,
	}
}

func ensureIndexes(ctx context.Context, coll collection) error {
	index := mongodriver.IndexModel{
		Keys: bson.D{{Key: "agent_id", Value: 1}, {Key: "received_at", Value: 1}},
	}
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*client, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &client{
		mongo:   mongoClient,
		coll:    coll,
		timeout: timeout,
	}, nil
}

type collection interface {
	InsertMany(ctx context.Context, documents []any, opts ...*options.InsertManyOptions) (*mongodriver.InsertManyResult, error)
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error)
}

type cursor interface {
	All(ctx context.Context, results any) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertMany(ctx context.Context, documents []any, opts ...*options.InsertManyOptions) (*mongodriver.InsertManyResult, error) {
	return c.coll.InsertMany(ctx, documents, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return cur, nil
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
