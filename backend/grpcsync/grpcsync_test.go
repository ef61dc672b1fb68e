package grpcsync

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/msconstructor/data-sync/backend"
	"github.com/msconstructor/data-sync/config"
	"github.com/msconstructor/data-sync/revstore"
	"github.com/msconstructor/data-sync/server"
	"github.com/msconstructor/data-sync/store"
)

func newAdapter(t *testing.T) (*Adapter, *btcec.PrivateKey, func()) {
	lis := bufconn.Listen(1024 * 1024)
	quitChan := make(chan struct{})
	syncServer := server.NewPersistentSyncerServer(nil, revstore.NewMemorySyncStorage(), nil)
	syncServer.Start(quitChan)
	grpcServer := server.CreateServer(syncServer, nil)
	go func() {
		_ = grpcServer.Serve(lis)
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			return lis.Dial()
		}), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	a := New("office", conn, key)
	return a, key, func() {
		conn.Close()
		grpcServer.Stop()
		close(quitChan)
		lis.Close()
	}
}

func record(id string, version int64, payload store.Map) store.Record {
	t := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	return store.Record{ID: id, Payload: payload, Version: version, CreatedAt: t, UpdatedAt: t.Add(time.Minute)}
}

func TestPushPull(t *testing.T) {
	a, _, closer := newAdapter(t)
	defer closer()
	ctx := context.Background()

	batch := []store.Record{
		record("emp-1", 1, store.Map{"name": store.String("Juan"), "rate": store.Float(12.5)}),
		record("emp-2", 1, store.Map{"name": store.String("Ana"), "tags": store.List{store.String("mason")}}),
	}
	outcomes, err := a.Push(ctx, "employees", batch)
	require.NoError(t, err)
	require.Equal(t, []backend.Outcome{
		{ID: "emp-1", Kind: backend.Accepted},
		{ID: "emp-2", Kind: backend.Accepted},
	}, outcomes)

	cursor, changes, err := a.Pull(ctx, "employees", "")
	require.NoError(t, err)
	require.Equal(t, "2", cursor)
	require.Len(t, changes, 2)
	require.Equal(t, batch[0].Payload, changes[0].Payload)
	require.Equal(t, batch[1].Payload, changes[1].Payload)
	require.Equal(t, batch[0].UpdatedAt, changes[0].UpdatedAt)
	require.Equal(t, store.StateSynced, changes[0].SyncState)

	cursor, changes, err = a.Pull(ctx, "employees", cursor)
	require.NoError(t, err)
	require.Equal(t, "2", cursor)
	require.Empty(t, changes)
}

func TestPushConflictAndReject(t *testing.T) {
	a, _, closer := newAdapter(t)
	defer closer()
	ctx := context.Background()

	_, err := a.Push(ctx, "projects", []store.Record{record("p", 3, store.Map{"v": store.String("remote")})})
	require.NoError(t, err)

	outcomes, err := a.Push(ctx, "projects", []store.Record{
		record("p", 2, store.Map{"v": store.String("local")}),
		record("q", 0, store.Map{}),
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	require.Equal(t, backend.Conflict, outcomes[0].Kind)
	require.Equal(t, int64(3), outcomes[0].Remote.Version)
	require.Equal(t, store.String("remote"), outcomes[0].Remote.Payload["v"])
	require.Equal(t, backend.Rejected, outcomes[1].Kind)
	require.NotEmpty(t, outcomes[1].Reason)
}

func TestUnavailableIsConnectivity(t *testing.T) {
	conn, err := grpc.NewClient("passthrough:///offline",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			return nil, errors.New("network is unreachable")
		}), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	a := New("office", conn, key)

	_, err = a.Push(context.Background(), "projects", []store.Record{record("p", 1, store.Map{})})
	require.True(t, store.IsAdapter(err))
	require.True(t, store.IsConnectivity(err))

	_, _, err = a.Pull(context.Background(), "projects", "")
	require.True(t, store.IsConnectivity(err))
}

func TestWatch(t *testing.T) {
	a, _, closer := newAdapter(t)
	defer closer()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tables := make(chan string, 16)
	done := make(chan error, 1)
	go func() {
		done <- a.Watch(ctx, func(table string) { tables <- table })
	}()

	var version int64
	require.Eventually(t, func() bool {
		version++
		if _, err := a.Push(context.Background(), "payroll", []store.Record{record("w1", version, store.Map{})}); err != nil {
			return false
		}
		select {
		case table := <-tables:
			return table == "payroll"
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestDial(t *testing.T) {
	_, err := Dial("office", &config.GRPCBackend{Address: "localhost:1", PrivateKey: "zz"})
	require.Error(t, err)

	a, err := Dial("office", &config.GRPCBackend{
		Address:    "localhost:1",
		PrivateKey: "0101010101010101010101010101010101010101010101010101010101010101",
		Insecure:   true,
	})
	require.NoError(t, err)
	require.Equal(t, "office", a.Name())
	require.NoError(t, a.Close())
}
