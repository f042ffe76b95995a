// Package vector wraps the Weaviate index holding one embedding per
// archived document. Vectors are computed externally, so the class is
// created with vectorizer "none" and every write carries its vector.
package vector

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

type Config struct {
	Host   string // host:port
	Scheme string
	Class  string
}

type Index struct {
	client *weaviate.Client
	class  string
	logger *slog.Logger
}

// Hit is one nearest-neighbour result. Certainty is Weaviate's
// normalized cosine similarity in [0,1].
type Hit struct {
	DocID     int
	Content   string
	Certainty float64
}

func NewIndex(cfg Config, logger *slog.Logger) (*Index, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Scheme == "" {
		cfg.Scheme = "http"
	}
	if cfg.Class == "" {
		cfg.Class = "ArchiveDocument"
	}
	client, err := weaviate.NewClient(weaviate.Config{Host: cfg.Host, Scheme: cfg.Scheme})
	if err != nil {
		return nil, fmt.Errorf("init weaviate client: %w", err)
	}
	return &Index{client: client, class: cfg.Class, logger: logger}, nil
}

// EnsureSchema creates the document class when it does not exist yet.
func (x *Index) EnsureSchema(ctx context.Context) error {
	exists, err := x.client.Schema().ClassExistenceChecker().WithClassName(x.class).Do(ctx)
	if err != nil {
		return fmt.Errorf("check class %s: %w", x.class, err)
	}
	if exists {
		return nil
	}
	err = x.client.Schema().ClassCreator().WithClass(&models.Class{
		Class:      x.class,
		Vectorizer: "none",
		Properties: []*models.Property{
			{Name: "docId", DataType: []string{"int"}},
			{Name: "content", DataType: []string{"text"}},
		},
	}).Do(ctx)
	if err != nil {
		// Lost a create race; existing is fine.
		if exists, _ := x.client.Schema().ClassExistenceChecker().WithClassName(x.class).Do(ctx); exists {
			return nil
		}
		return fmt.Errorf("create class %s: %w", x.class, err)
	}
	x.logger.Info("vector.schema.created", "class", x.class)
	return nil
}

// objectID derives the stable Weaviate object id for a document, so an
// upsert for the same document always lands on the same object.
func (x *Index) objectID(docID int) strfmt.UUID {
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s/%d", x.class, docID)))
	return strfmt.UUID(id.String())
}

// Upsert stores the document's embedding and content, replacing any
// previous version.
func (x *Index) Upsert(ctx context.Context, docID int, content string, vec []float32) error {
	id := x.objectID(docID)
	// Delete-then-create: Weaviate rejects a create on an existing id,
	// and a missing object makes the delete a 404 we can ignore.
	_ = x.client.Data().Deleter().WithClassName(x.class).WithID(string(id)).Do(ctx)

	_, err := x.client.Data().Creator().
		WithClassName(x.class).
		WithID(string(id)).
		WithProperties(map[string]any{
			"docId":   docID,
			"content": content,
		}).
		WithVector(vec).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("upsert document %d: %w", docID, err)
	}
	x.logger.Debug("vector.upsert.ok", "doc_id", docID, "dims", len(vec))
	return nil
}

func (x *Index) Delete(ctx context.Context, docID int) error {
	err := x.client.Data().Deleter().
		WithClassName(x.class).
		WithID(string(x.objectID(docID))).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("delete document %d: %w", docID, err)
	}
	return nil
}

// Query returns up to limit neighbours of vec with certainty at or
// above floor, most similar first, excluding excludeDocID.
func (x *Index) Query(ctx context.Context, vec []float32, limit int, floor float64, excludeDocID int) ([]Hit, error) {
	fields := []graphql.Field{
		{Name: "docId"},
		{Name: "content"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "certainty"}}},
	}
	near := x.client.GraphQL().NearVectorArgBuilder().
		WithVector(vec).
		WithCertainty(float32(floor))

	resp, err := x.client.GraphQL().Get().
		WithClassName(x.class).
		WithFields(fields...).
		WithNearVector(near).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("near-vector query: %w", err)
	}
	if len(resp.Errors) > 0 {
		return nil, fmt.Errorf("near-vector query: %s", resp.Errors[0].Message)
	}
	if resp.Data == nil {
		return nil, nil
	}

	get, ok := resp.Data["Get"].(map[string]any)
	if !ok {
		return nil, nil
	}
	rows, ok := get[x.class].([]any)
	if !ok {
		return nil, nil
	}

	hits := make([]Hit, 0, len(rows))
	for _, row := range rows {
		m, ok := row.(map[string]any)
		if !ok {
			continue
		}
		h := Hit{}
		switch v := m["docId"].(type) {
		case float64:
			h.DocID = int(v)
		case string:
			h.DocID, _ = strconv.Atoi(v)
		}
		if s, ok := m["content"].(string); ok {
			h.Content = s
		}
		if add, ok := m["_additional"].(map[string]any); ok {
			if cert, ok := add["certainty"].(float64); ok {
				h.Certainty = cert
			}
		}
		if h.DocID == 0 || h.DocID == excludeDocID {
			continue
		}
		hits = append(hits, h)
	}
	return hits, nil
}

// ListIDs returns the document ids currently indexed, for
// reconciliation against the archive.
func (x *Index) ListIDs(ctx context.Context) ([]int, error) {
	const pageSize = 1000
	var ids []int
	for offset := 0; ; offset += pageSize {
		resp, err := x.client.GraphQL().Get().
			WithClassName(x.class).
			WithFields(graphql.Field{Name: "docId"}).
			WithLimit(pageSize).
			WithOffset(offset).
			Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("list ids: %w", err)
		}
		if len(resp.Errors) > 0 {
			return nil, fmt.Errorf("list ids: %s", resp.Errors[0].Message)
		}
		get, ok := resp.Data["Get"].(map[string]any)
		if !ok {
			return ids, nil
		}
		rows, ok := get[x.class].([]any)
		if !ok || len(rows) == 0 {
			return ids, nil
		}
		for _, row := range rows {
			m, ok := row.(map[string]any)
			if !ok {
				continue
			}
			if v, ok := m["docId"].(float64); ok {
				ids = append(ids, int(v))
			}
		}
		if len(rows) < pageSize {
			return ids, nil
		}
	}
}

// Count reports how many documents the index holds.
func (x *Index) Count(ctx context.Context) (int, error) {
	resp, err := x.client.GraphQL().Aggregate().
		WithClassName(x.class).
		WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}}).
		Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("aggregate count: %w", err)
	}
	if len(resp.Errors) > 0 {
		return 0, fmt.Errorf("aggregate count: %s", resp.Errors[0].Message)
	}
	agg, ok := resp.Data["Aggregate"].(map[string]any)
	if !ok {
		return 0, nil
	}
	rows, ok := agg[x.class].([]any)
	if !ok || len(rows) == 0 {
		return 0, nil
	}
	if m, ok := rows[0].(map[string]any); ok {
		if meta, ok := m["meta"].(map[string]any); ok {
			if n, ok := meta["count"].(float64); ok {
				return int(n), nil
			}
		}
	}
	return 0, nil
}
