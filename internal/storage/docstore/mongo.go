package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	logx "raspimon/pkg/logx"
)

const (
	defaultDatabase   = "raspimon"
	defaultCollection = "series"
)

type mongoStore struct {
	client  *mongo.Client
	col     *mongo.Collection
	timeout time.Duration
	log     logx.Logger
}

func openMongo(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	uri := strings.TrimSpace(cfg.URI)
	if uri == "" {
		return nil, errors.New("docstore: mongo uri is required")
	}
	db := strings.TrimSpace(cfg.Database)
	if db == "" {
		db = defaultDatabase
	}
	colName := strings.TrimSpace(cfg.Collection)
	if colName == "" {
		colName = defaultCollection
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client, err := mongo.Connect(options.Client().ApplyURI(uri).SetTimeout(timeout).SetAppName("raspimon"))
	if err != nil {
		return nil, fmt.Errorf("docstore: connect: %w", err)
	}
	s := &mongoStore{client: client, col: client.Database(db).Collection(colName), timeout: timeout, log: log}

	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("docstore: ping: %w", err)
	}
	if err := s.migrate(pctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	log.Info("mongo store opened", logx.String("database", db), logx.String("collection", colName))
	return s, nil
}

func (s *mongoStore) migrate(ctx context.Context) error {
	_, err := s.col.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "topic", Value: 1}, {Key: "basetime", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("docstore: migrate indexes: %w", err)
	}
	return nil
}

// UpsertSeries appends every document to its (topic, basetime) slot in one
// unordered bulk write.
func (s *mongoStore) UpsertSeries(ctx context.Context, docs []SeriesDoc) error {
	models := make([]mongo.WriteModel, 0, len(docs))
	for _, d := range docs {
		n := d.Len()
		if n == 0 {
			continue
		}
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.D{{Key: "topic", Value: d.Topic}, {Key: "basetime", Value: d.BaseTime.UTC()}}).
			SetUpdate(bson.D{{Key: "$push", Value: bson.D{
				{Key: "delta_times", Value: bson.D{{Key: "$each", Value: d.DeltaTimes[:n]}}},
				{Key: "values", Value: bson.D{{Key: "$each", Value: d.Values[:n]}}},
			}}}).
			SetUpsert(true))
	}
	if len(models) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res, err := s.col.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return fmt.Errorf("docstore: upsert series: %w", err)
	}
	s.log.Info("series documents written",
		logx.Int("docs", len(models)),
		logx.Int64("upserted", res.UpsertedCount),
		logx.Int64("modified", res.ModifiedCount),
	)
	return nil
}

func (s *mongoStore) Series(ctx context.Context, topic string, from, to time.Time) ([]SeriesDoc, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	filter := bson.D{
		{Key: "topic", Value: topic},
		{Key: "basetime", Value: bson.D{{Key: "$gte", Value: from.UTC()}, {Key: "$lt", Value: to.UTC()}}},
	}
	cursor, err := s.col.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "basetime", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("docstore: find series: %w", err)
	}
	defer cursor.Close(ctx)

	var out []SeriesDoc
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("docstore: decode series: %w", err)
	}
	return out, nil
}

func (s *mongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
