// Package server exposes a revstore.SyncStorage as the Syncer gRPC service.
// Every user, identified by the key that signs its requests, gets its own
// revision sequence.
package server

import (
	"context"
	"crypto/x509"
	"errors"
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/msconstructor/data-sync/middleware"
	"github.com/msconstructor/data-sync/proto"
	"github.com/msconstructor/data-sync/revstore"
)

type PersistentSyncerServer struct {
	proto.UnimplementedSyncerServer
	caCert        *x509.Certificate
	storage       revstore.SyncStorage
	eventsManager *eventsManager
	logger        *slog.Logger
}

// NewPersistentSyncerServer returns a server storing records in storage.
// When caCert is not nil clients must present an api key it signed.
func NewPersistentSyncerServer(caCert *x509.Certificate, storage revstore.SyncStorage, logger *slog.Logger) *PersistentSyncerServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &PersistentSyncerServer{
		caCert:        caCert,
		storage:       storage,
		eventsManager: newEventsManager(logger),
		logger:        logger,
	}
}

func (s *PersistentSyncerServer) Start(quitChan chan struct{}) {
	s.eventsManager.start(quitChan)
}

func toProto(r revstore.StoredRecord) *proto.Record {
	return &proto.Record{
		Id:        r.Id,
		Data:      r.Data,
		Version:   r.Version,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
		Tombstone: r.Tombstone,
		Revision:  r.Revision,
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
	}
}

func (s *PersistentSyncerServer) SetRecords(ctx context.Context, msg *proto.SetRecordsRequest) (*proto.SetRecordsReply, error) {
	c, err := middleware.Authenticate(s.caCert, ctx, msg)
	if err != nil {
		return nil, err
	}
	if msg.Table == "" {
		return nil, status.Error(codes.InvalidArgument, "table is required")
	}
	pubkey, _ := middleware.UserPubkey(c)

	results := make([]*proto.SetRecordResult, 0, len(msg.Records))
	for _, r := range msg.Records {
		if r == nil {
			return nil, status.Error(codes.InvalidArgument, "record is required")
		}
		newRevision, err := s.storage.SetRecord(c, pubkey, msg.Table, fromProto(r))
		var conflict *revstore.SetConflictError
		switch {
		case err == nil:
			results = append(results, &proto.SetRecordResult{
				Id:          r.Id,
				Status:      proto.SetRecordStatus_SUCCESS,
				NewRevision: newRevision,
			})
			stored := *r
			stored.Revision = newRevision
			s.eventsManager.notifyChange(pubkey, &proto.Notification{Table: msg.Table, Record: &stored})
		case errors.As(err, &conflict):
			results = append(results, &proto.SetRecordResult{
				Id:       r.Id,
				Status:   proto.SetRecordStatus_CONFLICT,
				Existing: toProto(conflict.Existing),
			})
		case errors.Is(err, revstore.ErrInvalidRecord):
			results = append(results, &proto.SetRecordResult{
				Id:     r.Id,
				Status: proto.SetRecordStatus_REJECTED,
				Reason: err.Error(),
			})
		default:
			s.logger.Error("failed to store record", "table", msg.Table, "id", r.Id, "error", err)
			return nil, err
		}
	}
	return &proto.SetRecordsReply{Results: results}, nil
}

func (s *PersistentSyncerServer) ListChanges(ctx context.Context, msg *proto.ListChangesRequest) (*proto.ListChangesReply, error) {
	c, err := middleware.Authenticate(s.caCert, ctx, msg)
	if err != nil {
		return nil, err
	}
	if msg.Table == "" {
		return nil, status.Error(codes.InvalidArgument, "table is required")
	}
	pubkey, _ := middleware.UserPubkey(c)
	changed, err := s.storage.ListChanges(c, pubkey, msg.Table, msg.SinceRevision)
	if err != nil {
		return nil, err
	}
	revision := msg.SinceRevision
	records := make([]*proto.Record, len(changed))
	for i, r := range changed {
		records[i] = toProto(r)
		revision = max(revision, r.Revision)
	}
	return &proto.ListChangesReply{
		Changes:  records,
		Revision: revision,
	}, nil
}

func (s *PersistentSyncerServer) TrackChanges(request *proto.TrackChangesRequest, stream proto.Syncer_TrackChangesServer) error {
	ctx, err := middleware.Authenticate(s.caCert, stream.Context(), request)
	if err != nil {
		return err
	}

	pubkey, _ := middleware.UserPubkey(ctx)
	subscription := s.eventsManager.subscribe(pubkey)
	if subscription == nil {
		return status.Error(codes.Unavailable, "server is shutting down")
	}
	defer s.eventsManager.unsubscribe(pubkey, subscription.id)
	for {
		select {
		case event, ok := <-subscription.eventsChan:
			if !ok {
				return nil
			}

			if err := stream.Send(event); err != nil {
				return err
			}

		case <-ctx.Done():
			return nil
		}
	}
}
