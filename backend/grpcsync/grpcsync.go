// Package grpcsync is a backend speaking the Syncer protocol to a remote
// data-sync server. Requests are signed with the device key; the server
// keeps one revision sequence per key.
package grpcsync

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/msconstructor/data-sync/backend"
	"github.com/msconstructor/data-sync/config"
	"github.com/msconstructor/data-sync/middleware"
	"github.com/msconstructor/data-sync/proto"
	"github.com/msconstructor/data-sync/revstore"
	"github.com/msconstructor/data-sync/store"
)

type Adapter struct {
	name   string
	client proto.SyncerClient
	key    *btcec.PrivateKey
	apiKey string
	now    func() time.Time
	closer io.Closer
}

var (
	_ backend.Adapter = (*Adapter)(nil)
	_ backend.Watcher = (*Adapter)(nil)
	_ backend.Closer  = (*Adapter)(nil)
)

type Option func(*Adapter)

// WithAPIKey sends apiKey as bearer token on every call.
func WithAPIKey(apiKey string) Option {
	return func(a *Adapter) {
		a.apiKey = apiKey
	}
}

func WithClock(now func() time.Time) Option {
	return func(a *Adapter) {
		a.now = now
	}
}

// New returns an adapter using an established connection.
func New(name string, cc grpc.ClientConnInterface, key *btcec.PrivateKey, opts ...Option) *Adapter {
	a := &Adapter{
		name:   name,
		client: proto.NewSyncerClient(cc),
		key:    key,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Dial connects to the server configured in cfg. The connection is
// established lazily so Dial succeeds while offline.
func Dial(name string, cfg *config.GRPCBackend) (*Adapter, error) {
	keyBytes, err := hex.DecodeString(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key for %s: %w", name, err)
	}
	key, _ := btcec.PrivKeyFromBytes(keyBytes)

	creds := credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	if cfg.Insecure {
		creds = insecure.NewCredentials()
	}
	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(creds),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                time.Second * 30,
			PermitWithoutStream: true,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", name, err)
	}
	a := New(name, conn, key, WithAPIKey(cfg.APIKey))
	a.closer = conn
	return a, nil
}

func (a *Adapter) Name() string {
	return a.name
}

func (a *Adapter) Close() error {
	if a.closer == nil {
		return nil
	}
	return a.closer.Close()
}

func (a *Adapter) outgoing(ctx context.Context) context.Context {
	if a.apiKey == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+a.apiKey)
}

func (a *Adapter) sign(msg string) (string, error) {
	return middleware.SignMessage(a.key, []byte(msg))
}

// classify maps a call failure to the error taxonomy.
func (a *Adapter) classify(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded:
		return &store.AdapterError{Backend: a.name, Op: op, Err: &store.ConnectivityError{Err: err}}
	default:
		return &store.AdapterError{Backend: a.name, Op: op, Err: err}
	}
}

func fromProto(r *proto.Record) revstore.StoredRecord {
	return revstore.StoredRecord{
		Id:        r.Id,
		Data:      r.Data,
		Version:   r.Version,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
		Tombstone: r.Tombstone,
		Revision:  r.Revision,
	}
}

func (a *Adapter) Push(ctx context.Context, table string, batch []store.Record) ([]backend.Outcome, error) {
	outcomes := make([]backend.Outcome, 0, len(batch))
	req := &proto.SetRecordsRequest{Table: table, RequestTime: a.now().Unix()}
	for _, rec := range batch {
		stored, err := backend.ToStored(rec)
		if err != nil {
			outcomes = append(outcomes, backend.Outcome{ID: rec.ID, Kind: backend.Rejected, Reason: err.Error()})
			continue
		}
		req.Records = append(req.Records, &proto.Record{
			Id:        stored.Id,
			Data:      stored.Data,
			Version:   stored.Version,
			CreatedAt: stored.CreatedAt,
			UpdatedAt: stored.UpdatedAt,
			Tombstone: stored.Tombstone,
		})
	}
	if len(req.Records) == 0 {
		return outcomes, nil
	}

	signature, err := a.sign(middleware.SignSetRecords(req))
	if err != nil {
		return outcomes, &store.AdapterError{Backend: a.name, Op: "push", Err: err}
	}
	req.Signature = signature
	reply, err := a.client.SetRecords(a.outgoing(ctx), req)
	if err != nil {
		return outcomes, a.classify(ctx, "push", err)
	}

	for _, r := range reply.Results {
		switch r.Status {
		case proto.SetRecordStatus_SUCCESS:
			outcomes = append(outcomes, backend.Outcome{ID: r.Id, Kind: backend.Accepted})
		case proto.SetRecordStatus_CONFLICT:
			if r.Existing == nil {
				outcomes = append(outcomes, backend.Outcome{ID: r.Id, Kind: backend.Rejected, Reason: "conflict without remote copy"})
				continue
			}
			remote, err := backend.FromStored(table, fromProto(r.Existing))
			if err != nil {
				outcomes = append(outcomes, backend.Outcome{ID: r.Id, Kind: backend.Rejected, Reason: err.Error()})
				continue
			}
			outcomes = append(outcomes, backend.Outcome{ID: r.Id, Kind: backend.Conflict, Remote: &remote})
		default:
			outcomes = append(outcomes, backend.Outcome{ID: r.Id, Kind: backend.Rejected, Reason: r.Reason})
		}
	}
	return outcomes, nil
}

func (a *Adapter) Pull(ctx context.Context, table, cursor string) (string, []store.Record, error) {
	var since int64
	if cursor != "" {
		v, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return cursor, nil, &store.AdapterError{Backend: a.name, Op: "pull", Err: fmt.Errorf("invalid cursor %q", cursor)}
		}
		since = v
	}
	req := &proto.ListChangesRequest{Table: table, SinceRevision: since, RequestTime: a.now().Unix()}
	signature, err := a.sign(middleware.SignListChanges(req))
	if err != nil {
		return cursor, nil, &store.AdapterError{Backend: a.name, Op: "pull", Err: err}
	}
	req.Signature = signature
	reply, err := a.client.ListChanges(a.outgoing(ctx), req)
	if err != nil {
		return cursor, nil, a.classify(ctx, "pull", err)
	}

	records := make([]store.Record, 0, len(reply.Changes))
	for _, c := range reply.Changes {
		rec, err := backend.FromStored(table, fromProto(c))
		if err != nil {
			return cursor, nil, &store.AdapterError{Backend: a.name, Op: "pull", Err: err}
		}
		records = append(records, rec)
	}
	return strconv.FormatInt(max(since, reply.Revision), 10), records, nil
}

// Watch streams change notifications until ctx is done or the stream breaks.
func (a *Adapter) Watch(ctx context.Context, notify func(table string)) error {
	req := &proto.TrackChangesRequest{RequestTime: a.now().Unix()}
	signature, err := a.sign(middleware.SignTrackChanges(req))
	if err != nil {
		return err
	}
	req.Signature = signature
	stream, err := a.client.TrackChanges(a.outgoing(ctx), req)
	if err != nil {
		return a.classify(ctx, "watch", err)
	}
	for {
		n, err := stream.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return &store.AdapterError{Backend: a.name, Op: "watch", Err: errors.New("stream closed by server")}
			}
			return a.classify(ctx, "watch", err)
		}
		notify(n.Table)
	}
}
