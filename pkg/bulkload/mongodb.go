package bulkload

import (
	"context"
	stderrors "errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ajitpratap0/relay/pkg/dialect"
	"github.com/ajitpratap0/relay/pkg/errors"
	"github.com/ajitpratap0/relay/pkg/models"
)

// mongoColumns is the shape every collection is copied in: the document key
// and the whole document as relaxed extended JSON.
var mongoColumns = []string{"_id", "document"}

// mongoSnapshot opens a change stream before reading so its resume token is
// no later than any document the copy sees. Documents changed during the
// copy are replayed by the connector and applied as keyed upserts.
type mongoSnapshot struct {
	client *mongo.Client
	db     *mongo.Database
	pos    Position
}

func openMongoSnapshot(ctx context.Context, conn *models.Connection, _ *Request) (Snapshot, error) {
	uri, err := dialect.ConnectionString(conn)
	if err != nil {
		return nil, err
	}
	if conn.Database == "" {
		return nil, errors.MissingField(string(models.DatabaseMongoDB), "database")
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect to MongoDB")
	}
	s := &mongoSnapshot{client: client, db: client.Database(conn.Database)}

	token, err := s.resumeToken(ctx)
	if err != nil {
		_ = s.Close(ctx)
		return nil, errors.Wrap(err, errors.ErrorTypeBulkLoad, "failed to capture change stream resume token")
	}
	s.pos = Position{Kind: models.CheckpointResumeToken, Value: token}
	return s, nil
}

func (s *mongoSnapshot) resumeToken(ctx context.Context) (string, error) {
	cs, err := s.db.Watch(ctx, mongo.Pipeline{})
	if err != nil {
		return "", err
	}
	defer cs.Close(ctx)
	// the first empty batch carries the post-batch resume token
	cs.TryNext(ctx)
	if err := cs.Err(); err != nil {
		return "", err
	}
	token := cs.ResumeToken()
	if token == nil {
		return "", stderrors.New("change stream returned no resume token")
	}
	out, err := bson.MarshalExtJSON(token, false, false)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (s *mongoSnapshot) Position() Position { return s.pos }

func (s *mongoSnapshot) Read(ctx context.Context, table models.TableRef, batchSize int, fn func(Batch) error) error {
	cur, err := s.db.Collection(table.Table).Find(ctx, bson.D{}, options.Find().SetBatchSize(int32(batchSize)))
	if err != nil {
		return err
	}
	defer cur.Close(ctx)

	batch := Batch{Columns: mongoColumns, Rows: make([][]interface{}, 0, batchSize)}
	for cur.Next(ctx) {
		row, err := mongoRow(cur.Current)
		if err != nil {
			return err
		}
		batch.Rows = append(batch.Rows, row)
		if len(batch.Rows) >= batchSize {
			if err := fn(batch); err != nil {
				return err
			}
			batch = Batch{Columns: mongoColumns, Rows: make([][]interface{}, 0, batchSize)}
		}
	}
	if err := cur.Err(); err != nil {
		return err
	}
	if len(batch.Rows) > 0 {
		return fn(batch)
	}
	return nil
}

func mongoRow(doc bson.Raw) ([]interface{}, error) {
	body, err := bson.MarshalExtJSON(doc, false, false)
	if err != nil {
		return nil, err
	}
	id := doc.Lookup("_id")
	key, err := bson.MarshalExtJSON(bson.D{{Key: "_id", Value: id}}, false, false)
	if err != nil {
		return nil, err
	}
	return []interface{}{string(key), string(body)}, nil
}

func (s *mongoSnapshot) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
