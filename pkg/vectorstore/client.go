package vectorstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/syncrail/syncrail-engine/pkg/apperrors"
	"github.com/syncrail/syncrail-engine/pkg/config"
)

// PointPayload is the metadata stored beside each vector.
type PointPayload struct {
	TenantID      int
	IntegrationID uuid.UUID
	Table         string
	RecordID      string
	VectorType    string
	Text          string
}

// Client is the vector index surface used by the embedding workers and the
// activation flow.
type Client interface {
	// EnsureCollection creates the collection if it does not exist yet.
	// Creating is idempotent across concurrent workers.
	EnsureCollection(ctx context.Context, name string) error

	// UpsertPoint writes one vector with its payload. Same point id
	// overwrites in place.
	UpsertPoint(ctx context.Context, collection string, pointID uuid.UUID, vector []float32, payload PointPayload) error

	// DeletePoints removes points by id.
	DeletePoints(ctx context.Context, collection string, pointIDs []uuid.UUID) error

	// Close releases the underlying connection.
	Close() error
}

type client struct {
	qc         *qdrant.Client
	vectorSize uint64
	logger     *zap.Logger
}

var _ Client = (*client)(nil)

// NewClient connects to Qdrant over gRPC. Keepalive pings detect a dead
// index connection before an embedding worker blocks on a stale stream.
func NewClient(cfg *config.QdrantConfig, logger *zap.Logger) (Client, error) {
	qc, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithKeepaliveParams(keepalive.ClientParameters{
				Time:    30 * time.Second,
				Timeout: 10 * time.Second,
			}),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}
	return &client{qc: qc, vectorSize: cfg.VectorSize, logger: logger}, nil
}

func (c *client) EnsureCollection(ctx context.Context, name string) error {
	exists, err := c.qc.CollectionExists(ctx, name)
	if err != nil {
		return apperrors.New(apperrors.KindUnavailable, "qdrant collection check", err)
	}
	if exists {
		return nil
	}

	err = c.qc.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     c.vectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		// A concurrent worker may have created it between the check and the
		// create; re-check before failing.
		exists, checkErr := c.qc.CollectionExists(ctx, name)
		if checkErr == nil && exists {
			return nil
		}
		return apperrors.New(apperrors.KindUnavailable, "qdrant collection create", err)
	}
	c.logger.Info("created vector collection", zap.String("collection", name))
	return nil
}

func (c *client) UpsertPoint(ctx context.Context, collection string, pointID uuid.UUID, vector []float32, payload PointPayload) error {
	_, err := c.qc.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Wait:           qdrant.PtrOf(true),
		Points: []*qdrant.PointStruct{
			{
				Id:      qdrant.NewIDUUID(pointID.String()),
				Vectors: qdrant.NewVectors(vector...),
				Payload: qdrant.NewValueMap(map[string]any{
					"tenant_id":      int64(payload.TenantID),
					"integration_id": payload.IntegrationID.String(),
					"table_name":     payload.Table,
					"record_id":      payload.RecordID,
					"vector_type":    payload.VectorType,
					"text":           payload.Text,
				}),
			},
		},
	})
	if err != nil {
		return apperrors.New(apperrors.KindUnavailable, "qdrant upsert", err)
	}
	return nil
}

func (c *client) DeletePoints(ctx context.Context, collection string, pointIDs []uuid.UUID) error {
	if len(pointIDs) == 0 {
		return nil
	}
	ids := make([]*qdrant.PointId, 0, len(pointIDs))
	for _, id := range pointIDs {
		ids = append(ids, qdrant.NewIDUUID(id.String()))
	}
	_, err := c.qc.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points:         qdrant.NewPointsSelector(ids...),
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return apperrors.New(apperrors.KindUnavailable, "qdrant delete", err)
	}
	return nil
}

func (c *client) Close() error {
	return c.qc.Close()
}
