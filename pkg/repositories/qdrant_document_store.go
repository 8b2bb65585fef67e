package repositories

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-nl2sql/pkg/models"
)

// QdrantDocumentStore implements DocumentStore on a Qdrant collection.
type QdrantDocumentStore struct {
	client     *qdrant.Client
	collection string
	logger     *zap.Logger
}

var _ DocumentStore = (*QdrantDocumentStore)(nil)

// NewQdrantDocumentStore connects to Qdrant. rawURL is the HTTP address
// (http://host:6333); the gRPC port is derived as the HTTP port plus one.
func NewQdrantDocumentStore(rawURL, collection string, logger *zap.Logger) (*QdrantDocumentStore, error) {
	host, port, err := qdrantGRPCAddress(rawURL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{Host: host, Port: port})
	if err != nil {
		return nil, fmt.Errorf("failed to create Qdrant client: %w", err)
	}

	return &QdrantDocumentStore{
		client:     client,
		collection: collection,
		logger:     logger.Named("qdrant"),
	}, nil
}

func qdrantGRPCAddress(rawURL string) (string, int, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", 0, fmt.Errorf("invalid Qdrant URL: %w", err)
	}

	host := parsed.Hostname()
	if host == "" {
		host = "localhost"
	}

	port := 6334
	if parsed.Port() != "" {
		httpPort, err := strconv.Atoi(parsed.Port())
		if err != nil {
			return "", 0, fmt.Errorf("invalid Qdrant port %q", parsed.Port())
		}
		port = httpPort + 1
	}
	return host, port, nil
}

// EnsureCollection creates the collection with cosine distance if it is missing.
func (s *QdrantDocumentStore) EnsureCollection(ctx context.Context, dimensions int) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dimensions),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	s.logger.Info("Created Qdrant collection",
		zap.String("collection", s.collection),
		zap.Int("dimensions", dimensions))
	return nil
}

func (s *QdrantDocumentStore) Search(ctx context.Context, embedding []float32, limit, minAccessLevel int) ([]models.DocumentChunk, error) {
	if limit <= 0 {
		return nil, nil
	}

	k := uint64(limit)
	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(embedding...),
		Filter:         accessFilter(minAccessLevel),
		Limit:          &k,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search documents: %w", err)
	}

	chunks := make([]models.DocumentChunk, 0, len(points))
	for _, p := range points {
		chunk := chunkFromPayload(p.Payload)
		if p.Id != nil {
			if id, err := uuid.Parse(p.Id.GetUuid()); err == nil {
				chunk.ID = id
			}
		}
		chunk.Similarity = clampSimilarity(float64(p.Score))
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

// accessFilter keeps points whose access_level payload is at least level.
// Level 0 needs no filter since stored levels are never negative.
func accessFilter(level int) *qdrant.Filter {
	if level <= 0 {
		return nil
	}
	return &qdrant.Filter{
		Must: []*qdrant.Condition{
			qdrant.NewRange("access_level", &qdrant.Range{Gte: qdrant.PtrOf(float64(level))}),
		},
	}
}

func (s *QdrantDocumentStore) Upsert(ctx context.Context, chunks []*models.DocumentChunk) error {
	if len(chunks) == 0 {
		return nil
	}

	now := time.Now()
	points := make([]*qdrant.PointStruct, 0, len(chunks))
	for _, c := range chunks {
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		if len(c.Embedding) == 0 {
			return fmt.Errorf("document chunk from %s has no embedding", c.Source)
		}
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewID(c.ID.String()),
			Vectors: qdrant.NewVectors(c.Embedding...),
			Payload: qdrant.NewValueMap(map[string]any{
				"source":       c.Source,
				"content":      c.Content,
				"access_level": int64(c.AccessLevel),
				"created_at":   c.CreatedAt.UTC().Format(time.RFC3339),
			}),
		})
	}

	if _, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points:         points,
	}); err != nil {
		return fmt.Errorf("failed to upsert document chunks: %w", err)
	}

	s.logger.Debug("Upserted document chunks", zap.String("collection", s.collection), zap.Int("count", len(points)))
	return nil
}

// Close releases the gRPC connection.
func (s *QdrantDocumentStore) Close() error {
	return s.client.Close()
}

func chunkFromPayload(payload map[string]*qdrant.Value) models.DocumentChunk {
	var c models.DocumentChunk
	for key, v := range payload {
		if v == nil {
			continue
		}
		switch key {
		case "source":
			c.Source = v.GetStringValue()
		case "content":
			c.Content = v.GetStringValue()
		case "access_level":
			c.AccessLevel = int(v.GetIntegerValue())
		case "created_at":
			if t, err := time.Parse(time.RFC3339, v.GetStringValue()); err == nil {
				c.CreatedAt = t
			}
		}
	}
	return c
}
