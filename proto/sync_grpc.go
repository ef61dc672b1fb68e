package proto

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	Syncer_SetRecords_FullMethodName   = "/sync.Syncer/SetRecords"
	Syncer_ListChanges_FullMethodName  = "/sync.Syncer/ListChanges"
	Syncer_TrackChanges_FullMethodName = "/sync.Syncer/TrackChanges"
)

// SyncerClient is the client API for the Syncer service.
type SyncerClient interface {
	SetRecords(ctx context.Context, in *SetRecordsRequest, opts ...grpc.CallOption) (*SetRecordsReply, error)
	ListChanges(ctx context.Context, in *ListChangesRequest, opts ...grpc.CallOption) (*ListChangesReply, error)
	TrackChanges(ctx context.Context, in *TrackChangesRequest, opts ...grpc.CallOption) (Syncer_TrackChangesClient, error)
}

type syncerClient struct {
	cc grpc.ClientConnInterface
}

func NewSyncerClient(cc grpc.ClientConnInterface) SyncerClient {
	return &syncerClient{cc}
}

func (c *syncerClient) invoke(ctx context.Context, method string, in, out any, opts ...grpc.CallOption) error {
	req, err := ToStruct(in)
	if err != nil {
		return err
	}
	reply := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, req, reply, opts...); err != nil {
		return err
	}
	return FromStruct(reply, out)
}

func (c *syncerClient) SetRecords(ctx context.Context, in *SetRecordsRequest, opts ...grpc.CallOption) (*SetRecordsReply, error) {
	out := new(SetRecordsReply)
	if err := c.invoke(ctx, Syncer_SetRecords_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *syncerClient) ListChanges(ctx context.Context, in *ListChangesRequest, opts ...grpc.CallOption) (*ListChangesReply, error) {
	out := new(ListChangesReply)
	if err := c.invoke(ctx, Syncer_ListChanges_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *syncerClient) TrackChanges(ctx context.Context, in *TrackChangesRequest, opts ...grpc.CallOption) (Syncer_TrackChangesClient, error) {
	req, err := ToStruct(in)
	if err != nil {
		return nil, err
	}
	stream, err := c.cc.NewStream(ctx, &Syncer_ServiceDesc.Streams[0], Syncer_TrackChanges_FullMethodName, opts...)
	if err != nil {
		return nil, err
	}
	x := &syncerTrackChangesClient{stream}
	if err := x.ClientStream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

type Syncer_TrackChangesClient interface {
	Recv() (*Notification, error)
	grpc.ClientStream
}

type syncerTrackChangesClient struct {
	grpc.ClientStream
}

func (x *syncerTrackChangesClient) Recv() (*Notification, error) {
	m := new(structpb.Struct)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	n := new(Notification)
	if err := FromStruct(m, n); err != nil {
		return nil, err
	}
	return n, nil
}

// SyncerServer is the server API for the Syncer service.
type SyncerServer interface {
	SetRecords(context.Context, *SetRecordsRequest) (*SetRecordsReply, error)
	ListChanges(context.Context, *ListChangesRequest) (*ListChangesReply, error)
	TrackChanges(*TrackChangesRequest, Syncer_TrackChangesServer) error
	mustEmbedUnimplementedSyncerServer()
}

// UnimplementedSyncerServer must be embedded to have forward compatible implementations.
type UnimplementedSyncerServer struct{}

func (UnimplementedSyncerServer) SetRecords(context.Context, *SetRecordsRequest) (*SetRecordsReply, error) {
	return nil, status.Errorf(codes.Unimplemented, "method SetRecords not implemented")
}
func (UnimplementedSyncerServer) ListChanges(context.Context, *ListChangesRequest) (*ListChangesReply, error) {
	return nil, status.Errorf(codes.Unimplemented, "method ListChanges not implemented")
}
func (UnimplementedSyncerServer) TrackChanges(*TrackChangesRequest, Syncer_TrackChangesServer) error {
	return status.Errorf(codes.Unimplemented, "method TrackChanges not implemented")
}
func (UnimplementedSyncerServer) mustEmbedUnimplementedSyncerServer() {}

func RegisterSyncerServer(s grpc.ServiceRegistrar, srv SyncerServer) {
	s.RegisterService(&Syncer_ServiceDesc, srv)
}

func decodeRequest(dec func(any) error, req any) error {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return err
	}
	if err := FromStruct(in, req); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return nil
}

func encodeReply(reply any, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	return ToStruct(reply)
}

func _Syncer_SetRecords_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SetRecordsRequest)
	if err := decodeRequest(dec, in); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return encodeReply(srv.(SyncerServer).SetRecords(ctx, req.(*SetRecordsRequest)))
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: Syncer_SetRecords_FullMethodName,
	}
	return interceptor(ctx, in, info, handler)
}

func _Syncer_ListChanges_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ListChangesRequest)
	if err := decodeRequest(dec, in); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return encodeReply(srv.(SyncerServer).ListChanges(ctx, req.(*ListChangesRequest)))
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: Syncer_ListChanges_FullMethodName,
	}
	return interceptor(ctx, in, info, handler)
}

func _Syncer_TrackChanges_Handler(srv any, stream grpc.ServerStream) error {
	in := new(TrackChangesRequest)
	if err := decodeRequest(stream.RecvMsg, in); err != nil {
		return err
	}
	return srv.(SyncerServer).TrackChanges(in, &syncerTrackChangesServer{stream})
}

type Syncer_TrackChangesServer interface {
	Send(*Notification) error
	grpc.ServerStream
}

type syncerTrackChangesServer struct {
	grpc.ServerStream
}

func (x *syncerTrackChangesServer) Send(m *Notification) error {
	s, err := ToStruct(m)
	if err != nil {
		return err
	}
	return x.ServerStream.SendMsg(s)
}

// Syncer_ServiceDesc is the grpc.ServiceDesc for the Syncer service.
var Syncer_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "sync.Syncer",
	HandlerType: (*SyncerServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "SetRecords",
			Handler:    _Syncer_SetRecords_Handler,
		},
		{
			MethodName: "ListChanges",
			Handler:    _Syncer_ListChanges_Handler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "TrackChanges",
			Handler:       _Syncer_TrackChanges_Handler,
			ServerStreams: true,
		},
	},
	Metadata: "sync.proto",
}
