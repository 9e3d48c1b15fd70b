package grpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"burstfuse/internal/governor"
	"burstfuse/internal/pipeline"
	"burstfuse/internal/storage"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "burstfuse.v1.Runs"

// RunsService is the server API. Payloads are structpb.Struct so the
// service needs no generated code.
type RunsService interface {
	Submit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Get(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Snapshot(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Watch(*structpb.Struct, grpc.ServerStream) error
}

// RunsServer implements RunsService over a job queue.
type RunsServer struct {
	queue *pipeline.Queue
	store *storage.Store
	gov   *governor.Governor
	log   *slog.Logger
}

// New creates the service. store and gov may be nil.
func New(queue *pipeline.Queue, store *storage.Store, gov *governor.Governor, log *slog.Logger) *RunsServer {
	if log == nil {
		log = slog.Default()
	}
	return &RunsServer{queue: queue, store: store, gov: gov, log: log}
}

// Submit queues a job. Fields: type, input, output, preset, options.
func (s *RunsServer) Submit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f := req.GetFields()
	var opts map[string]any
	if o := f["options"].GetStructValue(); o != nil {
		opts = o.AsMap()
	}
	job, err := pipeline.NewJob(
		f["type"].GetStringValue(),
		f["input"].GetStringValue(),
		f["output"].GetStringValue(),
		f["preset"].GetStringValue(),
		opts,
	)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	id, err := s.queue.Submit(job)
	switch {
	case errors.Is(err, pipeline.ErrQueueFull):
		return nil, status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, pipeline.ErrQueueStopped):
		return nil, status.Error(codes.Unavailable, err.Error())
	case err != nil:
		return nil, status.Error(codes.Internal, err.Error())
	}
	s.log.Debug("gRPC submit", "job", id, "type", job.Type, "input", job.InputPath)
	return structpb.NewStruct(map[string]any{"id": id, "status": "queued"})
}

// Get returns the stored run with its result metadata and stage timings.
func (s *RunsServer) Get(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := req.GetFields()["id"].GetStringValue()
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	if s.store == nil {
		return nil, status.Error(codes.Unavailable, "run history disabled")
	}
	rec, err := s.store.GetRun(id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, status.Errorf(codes.NotFound, "run %s not found", id)
	}
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out := map[string]any{"run": rec}
	if meta, err := s.store.RunMeta(id); err == nil && meta != nil {
		out["meta"] = meta
	}
	if stages, err := s.store.RunStages(id); err == nil {
		out["stages"] = stages
	}
	return toStruct(out)
}

// Snapshot samples the governor.
func (s *RunsServer) Snapshot(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if s.gov == nil {
		return nil, status.Error(codes.Unavailable, "governor not configured")
	}
	return toStruct(s.gov.Sample())
}

// Watch streams queue events. With job_id set, only that job's events are
// sent and the stream ends after its result.
func (s *RunsServer) Watch(req *structpb.Struct, stream grpc.ServerStream) error {
	jobID := req.GetFields()["job_id"].GetStringValue()
	events, unsubscribe := s.queue.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-stream.Context().Done():
			return stream.Context().Err()
		case ev, ok := <-events:
			if !ok {
				return status.Error(codes.Unavailable, "queue stopped")
			}
			if jobID != "" && ev.JobID != jobID {
				continue
			}
			msg, err := toStruct(ev)
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
			if jobID != "" && ev.Kind == pipeline.EventResult {
				return nil
			}
		}
	}
}

// toStruct converts any JSON-encodable value.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("not an object: %w", err)
	}
	return structpb.NewStruct(m)
}

func unaryHandler(call func(RunsService, context.Context, *structpb.Struct) (*structpb.Struct, error), method string) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(RunsService), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(RunsService), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(RunsService).Watch(in, stream)
}

// ServiceDesc describes burstfuse.v1.Runs.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RunsService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: unaryHandler(RunsService.Submit, "Submit")},
		{MethodName: "Get", Handler: unaryHandler(RunsService.Get, "Get")},
		{MethodName: "Snapshot", Handler: unaryHandler(RunsService.Snapshot, "Snapshot")},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
	Metadata: "burstfuse/v1/runs.proto",
}

// Register attaches the service to a gRPC server.
func (s *RunsServer) Register(reg grpc.ServiceRegistrar) {
	reg.RegisterService(&ServiceDesc, s)
}

// Serve listens on addr until ctx is cancelled.
func (s *RunsServer) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	srv := grpc.NewServer()
	s.Register(srv)
	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()
	s.log.Info("gRPC server starting", "addr", lis.Addr().String())
	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}
