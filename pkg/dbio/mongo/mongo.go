// Package mongo provides the production DBIO backend over a MongoDB
// database. Upserts are replace-one-with-upsert; shoulder sequences are
// atomic find-and-increments on a nextnum collection; permission filtering
// runs in-query with $in over the caller's principal set.
package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/midas-platform/midas/pkg/dbio"
)

// Backend is the document-database driver.
type Backend struct {
	client *mongo.Client
	db     *mongo.Database
}

var _ dbio.Backend = (*Backend)(nil)
var _ dbio.AdvSelector = (*Backend)(nil)
var _ dbio.PermSelector = (*Backend)(nil)

// NewBackend connects to the database at the URI and verifies the
// connection with a ping.
func NewBackend(ctx context.Context, uri, dbname string) (*Backend, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo: ping: %w", err)
	}
	return &Backend{client: client, db: client.Database(dbname)}, nil
}

// noID suppresses the native _id in query results.
var noID = bson.M{"_id": 0}

// Upsert replaces the record document, inserting when absent.
func (b *Backend) Upsert(ctx context.Context, coll string, rec map[string]any) (bool, error) {
	id, _ := rec["id"].(string)
	if id == "" {
		return false, &dbio.ObjectNotFoundError{ID: "(missing id)"}
	}
	res, err := b.db.Collection(coll).ReplaceOne(ctx,
		bson.M{"id": id}, rec, options.Replace().SetUpsert(true))
	if err != nil {
		return false, fmt.Errorf("mongo: upsert %s/%s: %w", coll, id, err)
	}
	return res.UpsertedCount > 0, nil
}

// GetFromColl fetches a record document by id.
func (b *Backend) GetFromColl(ctx context.Context, coll, id string) (map[string]any, error) {
	var doc bson.M
	err := b.db.Collection(coll).FindOne(ctx, bson.M{"id": id},
		options.FindOne().SetProjection(noID)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &dbio.ObjectNotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("mongo: get %s/%s: %w", coll, id, err)
	}
	return normalize(doc).(map[string]any), nil
}

func activeClause(includeDeactivated bool) bson.M {
	if includeDeactivated {
		return bson.M{}
	}
	return bson.M{"deactivated": nil}
}

// SelectFromColl queries with $in over each constraint's values.
func (b *Backend) SelectFromColl(ctx context.Context, coll string, includeDeactivated bool, constraints map[string][]any) ([]map[string]any, error) {
	filter := activeClause(includeDeactivated)
	for path, vals := range constraints {
		filter[path] = bson.M{"$in": vals}
	}
	return b.find(ctx, coll, filter)
}

// SelectPropContains relies on the native array-containment semantics of
// an equality match.
func (b *Backend) SelectPropContains(ctx context.Context, coll, prop, target string, includeDeactivated bool) ([]map[string]any, error) {
	filter := activeClause(includeDeactivated)
	filter[prop] = target
	return b.find(ctx, coll, filter)
}

// AdvSelectFromColl passes the restricted $and/$or grammar through to the
// database, which supports it natively.
func (b *Backend) AdvSelectFromColl(ctx context.Context, coll string, filter map[string]any, includeDeactivated bool) ([]map[string]any, error) {
	q := bson.M{}
	for k, v := range filter {
		q[k] = v
	}
	if !includeDeactivated {
		q = bson.M{"$and": bson.A{q, bson.M{"deactivated": nil}}}
	}
	return b.find(ctx, coll, q)
}

// SelectAuthorizedFor filters in-query to records granting any of the
// permissions to any of the caller's principals.
func (b *Backend) SelectAuthorizedFor(ctx context.Context, coll string, principals, perms []string, constraints map[string][]any) ([]map[string]any, error) {
	or := bson.A{}
	for _, p := range perms {
		or = append(or, bson.M{"acls." + p: bson.M{"$in": principals}})
	}
	filter := bson.M{"$or": or, "deactivated": nil}
	for path, vals := range constraints {
		filter[path] = bson.M{"$in": vals}
	}
	return b.find(ctx, coll, filter)
}

func (b *Backend) find(ctx context.Context, coll string, filter bson.M) ([]map[string]any, error) {
	cur, err := b.db.Collection(coll).Find(ctx, filter, options.Find().SetProjection(noID))
	if err != nil {
		return nil, fmt.Errorf("mongo: select %s: %w", coll, err)
	}
	defer cur.Close(ctx)
	var out []map[string]any
	for cur.Next(ctx) {
		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("mongo: select %s: %w", coll, err)
		}
		out = append(out, normalize(doc).(map[string]any))
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("mongo: select %s: %w", coll, err)
	}
	return out, nil
}

// DeleteFrom removes a record document.
func (b *Backend) DeleteFrom(ctx context.Context, coll, id string) (bool, error) {
	res, err := b.db.Collection(coll).DeleteOne(ctx, bson.M{"id": id})
	if err != nil {
		return false, fmt.Errorf("mongo: delete %s/%s: %w", coll, id, err)
	}
	return res.DeletedCount > 0, nil
}

// NextRecnum atomically increments the shoulder's sequence document.
func (b *Backend) NextRecnum(ctx context.Context, shoulder string) (int, error) {
	var doc struct {
		Next int32 `bson:"next"`
	}
	err := b.db.Collection(dbio.NextnumColl).FindOneAndUpdate(ctx,
		bson.M{"slot": shoulder},
		bson.M{"$inc": bson.M{"next": 1}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("mongo: next recnum for %s: %w", shoulder, err)
	}
	return int(doc.Next), nil
}

// TryPushRecnum decrements the sequence iff its top is exactly n, in a
// single conditional update.
func (b *Backend) TryPushRecnum(ctx context.Context, shoulder string, n int) (bool, error) {
	res, err := b.db.Collection(dbio.NextnumColl).UpdateOne(ctx,
		bson.M{"slot": shoulder, "next": n},
		bson.M{"$inc": bson.M{"next": -1}})
	if err != nil {
		return false, fmt.Errorf("mongo: push recnum for %s: %w", shoulder, err)
	}
	return res.ModifiedCount > 0, nil
}

// SaveActionData appends the action to the provenance log collection.
func (b *Backend) SaveActionData(ctx context.Context, action map[string]any) error {
	if _, err := b.db.Collection(dbio.ActionLog).InsertOne(ctx, action); err != nil {
		return fmt.Errorf("mongo: save action: %w", err)
	}
	return nil
}

// SelectActionsFor returns the subject's logged actions in stamp order.
func (b *Backend) SelectActionsFor(ctx context.Context, id string) ([]map[string]any, error) {
	cur, err := b.db.Collection(dbio.ActionLog).Find(ctx, bson.M{"subject": id},
		options.Find().SetProjection(noID).SetSort(bson.M{"timestamp": 1}))
	if err != nil {
		return nil, fmt.Errorf("mongo: actions for %s: %w", id, err)
	}
	defer cur.Close(ctx)
	var out []map[string]any
	for cur.Next(ctx) {
		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("mongo: actions for %s: %w", id, err)
		}
		out = append(out, normalize(doc).(map[string]any))
	}
	return out, cur.Err()
}

// DeleteActionsFor clears the subject's action log.
func (b *Backend) DeleteActionsFor(ctx context.Context, id string) error {
	if _, err := b.db.Collection(dbio.ActionLog).DeleteMany(ctx, bson.M{"subject": id}); err != nil {
		return fmt.Errorf("mongo: clear actions for %s: %w", id, err)
	}
	return nil
}

// SaveHistory appends the entry to the history collection.
func (b *Backend) SaveHistory(ctx context.Context, entry map[string]any) error {
	if _, err := b.db.Collection(dbio.HistoryColl).InsertOne(ctx, entry); err != nil {
		return fmt.Errorf("mongo: save history: %w", err)
	}
	return nil
}

// Close disconnects from the database.
func (b *Backend) Close() error {
	return b.client.Disconnect(context.Background())
}

// normalize converts BSON decode artifacts (primitive.A lists, int32/int64
// numbers) into the JSON-shaped values the DBIO layer traffics in.
func normalize(v any) any {
	switch t := v.(type) {
	case bson.M:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case primitive.A:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case int:
		return float64(t)
	default:
		return v
	}
}
