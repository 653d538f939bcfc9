package grpc

import (
	"context"
	"fmt"
	"time"

	"reconcile-svc/circuitbreaker"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const releaseReservationMethod = "/inventory.InventoryService/ReleaseReservation"

// InventoryClient releases stock held for an order. Messages are
// google.protobuf.Struct so no generated stubs are needed.
type InventoryClient struct {
	conn           *grpc.ClientConn
	circuitBreaker *circuitbreaker.CircuitBreaker
	timeout        time.Duration
	logger         *zap.Logger
}

func InitInventoryClient(address string, timeout time.Duration, logger *zap.Logger, opts ...grpc.DialOption) (*InventoryClient, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}, opts...)

	conn, err := grpc.NewClient(address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Inventory Service: %w", err)
	}

	return &InventoryClient{
		conn:           conn,
		circuitBreaker: circuitbreaker.NewCircuitBreaker("inventory", 5, 30*time.Second),
		timeout:        timeout,
		logger:         logger,
	}, nil
}

// ReleaseReservation is idempotent on the inventory side via the key. A
// reservation that no longer exists counts as released.
func (ic *InventoryClient) ReleaseReservation(ctx context.Context, orderID, reason, idempotencyKey string) error {
	req, err := structpb.NewStruct(map[string]any{
		"order_id":        orderID,
		"reason":          reason,
		"idempotency_key": idempotencyKey,
	})
	if err != nil {
		return fmt.Errorf("failed to build release request: %w", err)
	}

	if ic.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ic.timeout)
		defer cancel()
	}
	ctx = metadata.AppendToOutgoingContext(ctx, "idempotency-key", idempotencyKey)

	resp := &structpb.Struct{}
	err = ic.circuitBreaker.Execute(ctx, func() error {
		err := ic.conn.Invoke(ctx, releaseReservationMethod, req, resp)
		if status.Code(err) == codes.NotFound {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to release reservation: %w", err)
	}

	ic.logger.Info("Inventory reservation released",
		zap.String("order_id", orderID),
		zap.Bool("released", resp.GetFields()["released"].GetBoolValue()),
	)
	return nil
}

func (ic *InventoryClient) Close() error {
	return ic.conn.Close()
}
