package grpc

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

type inventoryServer interface {
	release(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type fakeInventory struct {
	mu       sync.Mutex
	requests []*structpb.Struct
	keys     []string
	err      error
}

func (f *fakeInventory) release(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		f.keys = append(f.keys, md.Get("idempotency-key")...)
	}
	if f.err != nil {
		return nil, f.err
	}
	return structpb.NewStruct(map[string]any{"released": true})
}

var inventoryServiceDesc = grpc.ServiceDesc{
	ServiceName: "inventory.InventoryService",
	HandlerType: (*inventoryServer)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "ReleaseReservation",
		Handler: func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
			req := &structpb.Struct{}
			if err := dec(req); err != nil {
				return nil, err
			}
			return srv.(inventoryServer).release(ctx, req)
		},
	}},
}

func startInventory(t *testing.T, impl *fakeInventory) *InventoryClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	srv.RegisterService(&inventoryServiceDesc, impl)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	client, err := InitInventoryClient("passthrough:///bufnet", time.Second,
		zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel)),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestReleaseReservation(t *testing.T) {
	inv := &fakeInventory{}
	client := startInventory(t, inv)

	err := client.ReleaseReservation(context.Background(), "O1", "cancelled", "O1/cancelled/inventory_release")
	require.NoError(t, err)

	require.Len(t, inv.requests, 1)
	assert.Equal(t, "O1", inv.requests[0].GetFields()["order_id"].GetStringValue())
	assert.Equal(t, "cancelled", inv.requests[0].GetFields()["reason"].GetStringValue())
	assert.Equal(t, []string{"O1/cancelled/inventory_release"}, inv.keys)
}

func TestReleaseReservation_MissingReservationIsReleased(t *testing.T) {
	client := startInventory(t, &fakeInventory{err: status.Error(codes.NotFound, "no reservation")})

	assert.NoError(t, client.ReleaseReservation(context.Background(), "O1", "cancelled", "k"))
}

func TestReleaseReservation_Unavailable(t *testing.T) {
	client := startInventory(t, &fakeInventory{err: status.Error(codes.Unavailable, "down")})

	err := client.ReleaseReservation(context.Background(), "O1", "cancelled", "k")
	require.Error(t, err)
	assert.Equal(t, codes.Unavailable, status.Code(err))
}
