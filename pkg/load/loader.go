// Package load publishes documents and commits the watermark that produced them.
package load

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/willow/pkg/models"
	"github.com/Ramsey-B/willow/pkg/retry"
	"github.com/Ramsey-B/willow/pkg/search"
	"github.com/Ramsey-B/willow/pkg/tracing"
)

// ErrPartialLoad is returned when the index rejected any document of the batch
var ErrPartialLoad = errors.New("partial load")

// Indexer bulk-upserts documents keyed by id
type Indexer interface {
	BulkUpsert(ctx context.Context, index string, docs []models.Document) (*search.BulkResult, error)
}

// Committer promotes the pending watermark of an entity type
type Committer interface {
	Commit(ctx context.Context, entityType models.EntityType) (time.Time, error)
}

type Loader struct {
	indexer   Indexer
	committer Committer
	policy    retry.Policy
	logger    ectologger.Logger
}

func NewLoader(indexer Indexer, committer Committer, policy retry.Policy, logger ectologger.Logger) *Loader {
	return &Loader{
		indexer:   indexer,
		committer: committer,
		policy:    policy,
		logger:    logger,
	}
}

// Load upserts docs into indexName and, only when every document was accepted,
// commits the pending watermark of entityType. An empty docs commits directly.
func (l *Loader) Load(ctx context.Context, docs []models.Document, indexName string, entityType models.EntityType) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "Loader.Load")
	defer span.End()

	if len(docs) > 0 {
		result, err := retry.Do(ctx, l.policy, "bulk."+indexName, search.IsTransient, func() (*search.BulkResult, error) {
			return l.indexer.BulkUpsert(ctx, indexName, docs)
		})
		if err != nil {
			tracing.RecordError(span, err)
			return false, fmt.Errorf("failed to load %s documents: %w", entityType, err)
		}

		if !result.OK() {
			for _, failure := range result.Failures {
				l.logger.WithContext(ctx).WithFields(map[string]any{
					"entity_type": entityType,
					"id":          failure.ID,
					"status":      failure.Status,
					"type":        failure.Type,
					"reason":      failure.Reason,
				}).Warn("Document rejected by index")
			}
			err := fmt.Errorf("%w: %d of %d %s documents rejected", ErrPartialLoad, len(result.Failures), len(docs), entityType)
			tracing.RecordError(span, err)
			return false, err
		}
	}

	watermark, err := l.committer.Commit(ctx, entityType)
	if err != nil {
		tracing.RecordError(span, err)
		return false, fmt.Errorf("failed to commit %s watermark: %w", entityType, err)
	}

	l.logger.WithContext(ctx).WithFields(map[string]any{
		"entity_type": entityType,
		"index":       indexName,
		"documents":   len(docs),
		"watermark":   watermark,
	}).Info("Loaded documents and committed watermark")
	return true, nil
}
