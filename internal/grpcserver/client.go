package grpcserver

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls burstfuse.v1.Runs.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client { return &Client{cc: cc} }

func (c *Client) call(ctx context.Context, method string, in map[string]any) (map[string]any, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, req, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// Submit queues a job and returns its ID.
func (c *Client) Submit(ctx context.Context, jobType, input, output, preset string) (string, error) {
	out, err := c.call(ctx, "Submit", map[string]any{
		"type":   jobType,
		"input":  input,
		"output": output,
		"preset": preset,
	})
	if err != nil {
		return "", err
	}
	id, _ := out["id"].(string)
	return id, nil
}

func (c *Client) Get(ctx context.Context, id string) (map[string]any, error) {
	return c.call(ctx, "Get", map[string]any{"id": id})
}

func (c *Client) Snapshot(ctx context.Context) (map[string]any, error) {
	return c.call(ctx, "Snapshot", map[string]any{})
}

// Watch calls fn for every event until the stream ends. An empty jobID
// watches all jobs.
func (c *Client) Watch(ctx context.Context, jobID string, fn func(map[string]any) error) error {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], "/"+ServiceName+"/Watch")
	if err != nil {
		return err
	}
	req, err := structpb.NewStruct(map[string]any{"job_id": jobID})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(req); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		ev := new(structpb.Struct)
		if err := stream.RecvMsg(ev); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(ev.AsMap()); err != nil {
			return err
		}
	}
}
