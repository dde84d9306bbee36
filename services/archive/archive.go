// Package archive keeps the latest bar series per symbol and window in MongoDB
// so degraded history reads survive a cache loss.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"marketfeed/logger"
	"marketfeed/models"
)

const (
	DefaultDatabase   = "marketfeed"
	BarsCollection    = "bar_series"
	connectTimeout    = 30 * time.Second
	disconnectTimeout = 10 * time.Second
)

var ErrNotFound = errors.New("series not archived")

type barDoc struct {
	Time   time.Time `bson:"t"`
	Open   float64   `bson:"o"`
	High   float64   `bson:"h"`
	Low    float64   `bson:"l"`
	Close  float64   `bson:"c"`
	Volume int64     `bson:"v"`
}

type seriesDoc struct {
	ID          string    `bson:"_id"`
	Symbol      string    `bson:"symbol"`
	Period      string    `bson:"period"`
	Interval    string    `bson:"interval"`
	Source      string    `bson:"source"`
	RetrievedAt time.Time `bson:"retrieved_at"`
	UpdatedAt   time.Time `bson:"updated_at"`
	DataCount   int       `bson:"data_count"`
	Bars        []barDoc  `bson:"bars"`
}

func docID(symbol string, w models.Window) string {
	return symbol + ":" + w.Period + ":" + w.Interval
}

func toDoc(s *models.BarSeries, now time.Time) seriesDoc {
	bars := make([]barDoc, len(s.Bars))
	for i, b := range s.Bars {
		bars[i] = barDoc{Time: b.Time, Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume}
	}
	return seriesDoc{
		ID:          docID(s.Symbol, models.Window{Period: s.Period, Interval: s.Interval}),
		Symbol:      s.Symbol,
		Period:      s.Period,
		Interval:    s.Interval,
		Source:      s.Source,
		RetrievedAt: s.RetrievedAt,
		UpdatedAt:   now,
		DataCount:   len(bars),
		Bars:        bars,
	}
}

func (d *seriesDoc) series() *models.BarSeries {
	bars := make([]models.Bar, len(d.Bars))
	for i, b := range d.Bars {
		bars[i] = models.Bar{Time: b.Time.UTC(), Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume}
	}
	return &models.BarSeries{
		Symbol:      d.Symbol,
		Period:      d.Period,
		Interval:    d.Interval,
		Source:      d.Source,
		Bars:        bars,
		RetrievedAt: d.RetrievedAt.UTC(),
	}
}

// Connect opens and pings a MongoDB client.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	clientOptions := options.Client().
		ApplyURI(uri).
		SetServerAPIOptions(options.ServerAPI(options.ServerAPIVersion1)).
		SetMaxPoolSize(10).
		SetMinPoolSize(2).
		SetMaxConnIdleTime(30 * time.Second).
		SetConnectTimeout(connectTimeout).
		SetRetryWrites(true).
		SetRetryReads(true)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		dctx, dcancel := context.WithTimeout(context.Background(), disconnectTimeout)
		defer dcancel()
		_ = client.Disconnect(dctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	return client, nil
}

// Archive stores bar series documents keyed by symbol and window.
type Archive struct {
	coll   *mongo.Collection
	logger *slog.Logger
	now    func() time.Time
}

// New creates an archive over db's bar_series collection.
func New(db *mongo.Database, l *slog.Logger) *Archive {
	if l == nil {
		l = logger.Component("archive")
	}
	return &Archive{coll: db.Collection(BarsCollection), logger: l, now: time.Now}
}

// EnsureIndexes creates the symbol/window index. It is idempotent.
func (a *Archive) EnsureIndexes(ctx context.Context) error {
	_, err := a.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "symbol", Value: 1}, {Key: "interval", Value: 1}}},
		{Keys: bson.D{{Key: "updated_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("create archive indexes: %w", err)
	}
	return nil
}

// SaveBars replaces the archived document for the series' window.
func (a *Archive) SaveBars(ctx context.Context, s *models.BarSeries) error {
	doc := toDoc(s, a.now())
	_, err := a.coll.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("archive %s: %w", doc.ID, err)
	}
	return nil
}

// SaveMany archives several series in one unordered bulk write.
func (a *Archive) SaveMany(ctx context.Context, series []*models.BarSeries) (int, error) {
	now := a.now()
	ops := make([]mongo.WriteModel, 0, len(series))
	for _, s := range series {
		if s == nil || len(s.Bars) == 0 {
			continue
		}
		doc := toDoc(s, now)
		ops = append(ops, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"_id": doc.ID}).
			SetReplacement(doc).
			SetUpsert(true))
	}
	if len(ops) == 0 {
		return 0, nil
	}
	if _, err := a.coll.BulkWrite(ctx, ops, options.BulkWrite().SetOrdered(false)); err != nil {
		return 0, fmt.Errorf("archive bulk write: %w", err)
	}
	a.logger.Debug("bar series archived", slog.Int("count", len(ops)))
	return len(ops), nil
}

// LoadBars returns the archived series for symbol and window.
func (a *Archive) LoadBars(ctx context.Context, symbol string, w models.Window) (*models.BarSeries, error) {
	id := docID(symbol, w)
	var doc seriesDoc
	err := a.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load archived %s: %w", id, err)
	}
	return doc.series(), nil
}
