// Package search writes film work documents to Elasticsearch.
package search

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectologger"
	"github.com/olivere/elastic/v7"

	"github.com/Ramsey-B/willow/pkg/models"
	"github.com/Ramsey-B/willow/pkg/retry"
	"github.com/Ramsey-B/willow/pkg/tracing"
)

// Config holds Elasticsearch connection configuration
type Config struct {
	URLs     []string
	Username string
	Password string
}

// ItemFailure is a document the bulk request rejected
type ItemFailure struct {
	ID     string
	Status int
	Type   string
	Reason string
}

// BulkResult summarizes one bulk request
type BulkResult struct {
	Indexed  int
	Failures []ItemFailure
}

// OK reports whether every document was indexed
func (r *BulkResult) OK() bool {
	return len(r.Failures) == 0
}

type Client struct {
	es     *elastic.Client
	urls   []string
	logger ectologger.Logger
}

// NewClient creates a client without contacting the cluster; use Ping to check it.
func NewClient(cfg Config, logger ectologger.Logger) (*Client, error) {
	if len(cfg.URLs) == 0 {
		return nil, errors.New("no elasticsearch urls configured")
	}

	opts := []elastic.ClientOptionFunc{
		elastic.SetURL(cfg.URLs...),
		elastic.SetSniff(false),
		elastic.SetHealthcheck(false),
	}
	if cfg.Username != "" {
		opts = append(opts, elastic.SetBasicAuth(cfg.Username, cfg.Password))
	}

	es, err := elastic.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}

	return &Client{
		es:     es,
		urls:   cfg.URLs,
		logger: logger,
	}, nil
}

// Ping checks that the first configured node answers
func (c *Client) Ping(ctx context.Context) error {
	_, code, err := c.es.Ping(c.urls[0]).Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping elasticsearch: %w", err)
	}
	if code >= http.StatusBadRequest {
		return fmt.Errorf("elasticsearch ping returned status %d", code)
	}
	return nil
}

// Stop releases the client's background resources
func (c *Client) Stop() {
	c.es.Stop()
}

// BulkUpsert indexes docs into index in one bulk request, keyed by document id.
// The returned error is request level; per document rejections are in the result.
func (c *Client) BulkUpsert(ctx context.Context, index string, docs []models.Document) (*BulkResult, error) {
	ctx, span := tracing.StartSpan(ctx, "Search.BulkUpsert")
	defer span.End()

	if len(docs) == 0 {
		return &BulkResult{}, nil
	}

	bulk := c.es.Bulk()
	for i := range docs {
		bulk.Add(elastic.NewBulkIndexRequest().Index(index).Id(docs[i].ID).Doc(docs[i]))
	}

	resp, err := bulk.Do(ctx)
	if err != nil {
		tracing.RecordError(span, err)
		c.logger.WithContext(ctx).WithError(err).WithField("index", index).Error("Bulk request failed")
		return nil, fmt.Errorf("bulk request to %s failed: %w", index, err)
	}

	result := &BulkResult{}
	for _, item := range resp.Failed() {
		failure := ItemFailure{ID: item.Id, Status: item.Status}
		if item.Error != nil {
			failure.Type = item.Error.Type
			failure.Reason = item.Error.Reason
		}
		result.Failures = append(result.Failures, failure)
	}
	result.Indexed = len(resp.Succeeded())

	c.logger.WithContext(ctx).WithFields(map[string]any{
		"index":   index,
		"indexed": result.Indexed,
		"failed":  len(result.Failures),
		"took_ms": resp.Took,
	}).Info("Bulk request completed")

	return result, nil
}

// IsTransient reports request level failures worth retrying:
// unreachable nodes, timeouts and 408/429/502/503/504 responses.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, elastic.ErrNoClient) || elastic.IsConnErr(err) {
		return true
	}

	var esErr *elastic.Error
	if errors.As(err, &esErr) {
		switch esErr.Status {
		case http.StatusRequestTimeout,
			http.StatusTooManyRequests,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	return retry.IsNetwork(err)
}
