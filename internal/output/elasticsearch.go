package output

import (
	"bytes"
	"context"
	"fmt"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esutil"
	"github.com/sirupsen/logrus"

	"github.com/tailship/tailship/internal/config"
	"github.com/tailship/tailship/internal/model"
)

// Elasticsearch bulk-indexes envelopes into a single index. Deliveries
// are buffered by the bulk indexer and flushed on size or interval;
// indexing failures are logged but never hold events back.
type Elasticsearch struct {
	log     *logrus.Entry
	index   string
	indexer esutil.BulkIndexer
}

// NewElasticsearch builds the client and its bulk indexer.
func NewElasticsearch(cfg config.OutputConfig, log *logrus.Entry) (*Elasticsearch, error) {
	l := log.WithField("output", "elasticsearch")

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("creating elasticsearch client: %w", err)
	}

	indexer, err := esutil.NewBulkIndexer(esutil.BulkIndexerConfig{
		Client:        client,
		Index:         cfg.Index,
		NumWorkers:    1,
		FlushBytes:    cfg.BatchSize * 1024,
		FlushInterval: cfg.FlushInterval,
		OnError: func(_ context.Context, err error) {
			l.Warnf("bulk indexing failed: %v", err)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("creating bulk indexer: %w", err)
	}

	return &Elasticsearch{
		log:     l,
		index:   cfg.Index,
		indexer: indexer,
	}, nil
}

// Name identifies the sink by its index.
func (e *Elasticsearch) Name() string {
	return "elasticsearch://" + e.index
}

// Push hands the envelope to the bulk indexer. Failures surface through
// the item callback and are logged, not returned.
func (e *Elasticsearch) Push(ctx context.Context, env model.Envelope) error {
	err := e.indexer.Add(ctx, esutil.BulkIndexerItem{
		Action: "index",
		Body:   bytes.NewReader(env.Data),
		OnFailure: func(_ context.Context, _ esutil.BulkIndexerItem, res esutil.BulkIndexerResponseItem, err error) {
			if err != nil {
				e.log.Warnf("indexing failed: %v", err)
				return
			}
			e.log.Warnf("indexing rejected: %s: %s", res.Error.Type, res.Error.Reason)
		},
	})
	if err != nil {
		return fmt.Errorf("queueing for bulk index: %w", err)
	}
	return nil
}

// Close flushes buffered items and stops the indexer workers.
func (e *Elasticsearch) Close() error {
	return e.indexer.Close(context.Background())
}
