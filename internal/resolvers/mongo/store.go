// Package mongo provides a document-store resolver over MongoDB. Instances
// live one collection per schema module, keyed by their encoded path. The
// backend intentionally does not implement transactions, so patterns that
// touch it run in degraded auto-commit mode.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"loomcore/pkg/instance"
	"loomcore/pkg/path"
	"loomcore/pkg/resolver"
	"loomcore/pkg/schema"
)

// DriverName identifies the backend in logs and errors.
const DriverName = "mongo"

var (
	_ resolver.Resolver    = (*Session)(nil)
	_ resolver.Creator     = (*Session)(nil)
	_ resolver.Upserter    = (*Session)(nil)
	_ resolver.Updater     = (*Session)(nil)
	_ resolver.Querier     = (*Session)(nil)
	_ resolver.Deleter     = (*Session)(nil)
	_ resolver.Snapshotter = (*Session)(nil)
)

const (
	defaultURI      = "mongodb://localhost:27017"
	defaultDatabase = "loomcore"
)

// document is the persisted shape of an instance.
type document struct {
	ID        string         `bson:"_id"`
	FQName    string         `bson:"fq_name"`
	Attrs     map[string]any `bson:"attrs"`
	Deleted   bool           `bson:"deleted"`
	Seq       int64          `bson:"seq"`
	CreatedAt time.Time      `bson:"created_at"`
	UpdatedAt time.Time      `bson:"updated_at"`
}

// Store holds the client and hands out per-call sessions.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	seq    atomic.Int64
	nowFn  func() time.Time
}

// NewStore connects to MongoDB and pings it before returning.
func NewStore(ctx context.Context, uri, database string) (*Store, error) {
	if uri == "" {
		uri = defaultURI
	}
	if database == "" {
		database = defaultDatabase
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return &Store{client: client, db: client.Database(database), nowFn: time.Now}, nil
}

// Factory returns a resolver factory producing fresh sessions.
func (s *Store) Factory() resolver.Factory {
	return func() resolver.Resolver { return &Session{store: s} }
}

// Close disconnects the underlying client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Session is a per-dispatch view over the store.
type Session struct {
	store *Store
}

// Driver names the backend implementation.
func (s *Session) Driver() string { return DriverName }

func (s *Session) collection(fqName string) (*mongo.Collection, error) {
	module, _, ok := schema.SplitFQName(fqName)
	if !ok {
		return nil, fmt.Errorf("malformed entry name %q", fqName)
	}
	return s.store.db.Collection(module), nil
}

func encodedPath(inst *instance.Instance) (string, error) {
	if !inst.Path.IsZero() {
		return inst.Path.Encode(), nil
	}
	if p, ok := inst.Attrs[instance.AttrPath].(string); ok && p != "" {
		return p, nil
	}
	return "", fmt.Errorf("instance %s has no path", inst.FQName)
}

// normalizeAttrs maps BSON integer types back onto the float64 representation
// the engine compares against, descending into nested documents and arrays.
func normalizeAttrs(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch n := v.(type) {
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case int:
		return float64(n)
	case bson.M:
		return normalizeAttrs(n)
	case map[string]any:
		return normalizeAttrs(n)
	case bson.D:
		nested := make(map[string]any, len(n))
		for _, e := range n {
			nested[e.Key] = normalizeValue(e.Value)
		}
		return nested
	case bson.A:
		items := make([]any, len(n))
		for i, item := range n {
			items[i] = normalizeValue(item)
		}
		return items
	case []any:
		items := make([]any, len(n))
		for i, item := range n {
			items[i] = normalizeValue(item)
		}
		return items
	default:
		return v
	}
}

func toInstance(doc *document) (*instance.Instance, error) {
	attrs := normalizeAttrs(doc.Attrs)
	p, err := path.Decode(doc.ID)
	if err != nil {
		return nil, fmt.Errorf("decode path %q: %w", doc.ID, err)
	}
	return &instance.Instance{
		FQName:  doc.FQName,
		Attrs:   attrs,
		Path:    p,
		Deleted: doc.Deleted,
	}, nil
}

func (s *Session) newDocument(key string, inst *instance.Instance) *document {
	now := s.store.nowFn()
	return &document{
		ID:        key,
		FQName:    inst.FQName,
		Attrs:     inst.Attrs,
		Deleted:   false,
		Seq:       s.store.seq.Add(1),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (s *Session) CreateInstance(ctx context.Context, req resolver.Request) (*instance.Instance, error) {
	key, err := encodedPath(req.Instance)
	if err != nil {
		return nil, err
	}
	coll, err := s.collection(req.Instance.FQName)
	if err != nil {
		return nil, err
	}
	var existing document
	err = coll.FindOne(ctx, bson.M{"_id": key}).Decode(&existing)
	switch {
	case err == nil && !existing.Deleted:
		return nil, fmt.Errorf("instance already exists at %s", key)
	case err != nil && !errors.Is(err, mongo.ErrNoDocuments):
		return nil, err
	}
	doc := s.newDocument(key, req.Instance)
	if _, err := coll.ReplaceOne(ctx, bson.M{"_id": key}, doc, options.Replace().SetUpsert(true)); err != nil {
		return nil, err
	}
	return toInstance(doc)
}

func (s *Session) UpsertInstance(ctx context.Context, req resolver.Request) (*instance.Instance, error) {
	key, err := encodedPath(req.Instance)
	if err != nil {
		return nil, err
	}
	coll, err := s.collection(req.Instance.FQName)
	if err != nil {
		return nil, err
	}
	doc := s.newDocument(key, req.Instance)
	var existing document
	if ferr := coll.FindOne(ctx, bson.M{"_id": key}).Decode(&existing); ferr == nil {
		doc.Seq = existing.Seq
		doc.CreatedAt = existing.CreatedAt
	} else if !errors.Is(ferr, mongo.ErrNoDocuments) {
		return nil, ferr
	}
	if _, err := coll.ReplaceOne(ctx, bson.M{"_id": key}, doc, options.Replace().SetUpsert(true)); err != nil {
		return nil, err
	}
	return toInstance(doc)
}

func (s *Session) UpdateInstance(ctx context.Context, req resolver.Request) (*instance.Instance, error) {
	coll, err := s.collection(req.Instance.FQName)
	if err != nil {
		return nil, err
	}
	filter, err := queryFilter(req)
	if err != nil {
		return nil, err
	}
	var existing document
	if err := coll.FindOne(ctx, filter, options.FindOne().SetSort(bson.D{{Key: "seq", Value: 1}})).Decode(&existing); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("no matching instance for %s", req.Instance.FQName)
		}
		return nil, err
	}
	sets := bson.M{"updated_at": s.store.nowFn()}
	for k, v := range req.NewAttrs {
		sets["attrs."+k] = v
	}
	if _, err := coll.UpdateOne(ctx, bson.M{"_id": existing.ID}, bson.M{"$set": sets}); err != nil {
		return nil, err
	}
	for k, v := range req.NewAttrs {
		existing.Attrs[k] = v
	}
	return toInstance(&existing)
}

// queryFilter builds a mongo filter out of the request's instance attributes.
// The reserved path attribute addresses documents by _id; everything else
// matches inside the attrs subdocument.
func queryFilter(req resolver.Request) (bson.M, error) {
	filter := bson.M{"fq_name": req.Instance.FQName}
	if !req.QueryAll {
		filter["deleted"] = false
	}
	if !req.Instance.Path.IsZero() {
		filter["_id"] = req.Instance.Path.Encode()
	}
	for k, v := range req.Instance.Attrs {
		switch k {
		case instance.AttrPath:
			p, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("path filter must be a string, got %T", v)
			}
			filter["_id"] = p
		case instance.AttrIsDeleted:
			// deletion visibility is controlled by QueryAll
		default:
			filter["attrs."+k] = v
		}
	}
	return filter, nil
}

func (s *Session) QueryInstances(ctx context.Context, req resolver.Request) ([]*instance.Instance, error) {
	coll, err := s.collection(req.Instance.FQName)
	if err != nil {
		return nil, err
	}
	filter, err := queryFilter(req)
	if err != nil {
		return nil, err
	}
	cursor, err := coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	var out []*instance.Instance
	for cursor.Next(ctx) {
		var doc document
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		inst, err := toInstance(&doc)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, cursor.Err()
}

func (s *Session) DeleteInstance(ctx context.Context, req resolver.Request) (*instance.Instance, error) {
	coll, err := s.collection(req.Instance.FQName)
	if err != nil {
		return nil, err
	}
	filter, err := queryFilter(req)
	if err != nil {
		return nil, err
	}
	var existing document
	if err := coll.FindOne(ctx, filter).Decode(&existing); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("no matching instance for %s", req.Instance.FQName)
		}
		return nil, err
	}
	if _, err := coll.UpdateOne(ctx, bson.M{"_id": existing.ID}, bson.M{"$set": bson.M{
		"deleted":    true,
		"updated_at": s.store.nowFn(),
	}}); err != nil {
		return nil, err
	}
	existing.Deleted = true
	inst, err := toInstance(&existing)
	if err != nil {
		return nil, err
	}
	inst.Attrs[instance.AttrIsDeleted] = true
	return inst, nil
}

// ExportSnapshot walks every module collection and serialises its documents.
func (s *Session) ExportSnapshot(ctx context.Context) ([]byte, error) {
	names, err := s.store.db.ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	state := make(map[string][]document, len(names))
	for _, name := range names {
		cursor, err := s.store.db.Collection(name).Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
		if err != nil {
			return nil, err
		}
		var docs []document
		if err := cursor.All(ctx, &docs); err != nil {
			return nil, err
		}
		state[name] = docs
	}
	return json.Marshal(state)
}
