package rpc

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"pkt.systems/durable/api"
)

// Client calls durable.v1.Register over cc.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Get returns the current value of binding/partition/key.
func (c *Client) Get(ctx context.Context, binding, partition, key string) (json.RawMessage, bool, error) {
	var resp getResponse
	if err := c.call(ctx, MethodGet, keyRequest{Binding: binding, Partition: partition, Key: key}, &resp); err != nil {
		return nil, false, err
	}
	if !resp.Found {
		return nil, false, nil
	}
	return resp.Value, true, nil
}

// Begin returns the snapshot read of binding/partition/key.
func (c *Client) Begin(ctx context.Context, binding, partition, key string) (api.ReadResult, error) {
	var resp api.ReadResult
	err := c.call(ctx, MethodBegin, keyRequest{Binding: binding, Partition: partition, Key: key}, &resp)
	return resp, err
}

// Commit proposes value at the expected version.
func (c *Client) Commit(ctx context.Context, binding, partition, key string, expected any, value json.RawMessage) (api.CommitOutcome, error) {
	var resp api.CommitOutcome
	req := commitRequest{
		keyRequest: keyRequest{Binding: binding, Partition: partition, Key: key},
		Version:    expected,
		Value:      value,
	}
	err := c.call(ctx, MethodCommit, req, &resp)
	return resp, err
}

// Publish enqueues body on the queue binding.
func (c *Client) Publish(ctx context.Context, binding string, body json.RawMessage) (api.PublishResponse, error) {
	var resp api.PublishResponse
	err := c.call(ctx, MethodPublish, publishRequest{Binding: binding, Body: body}, &resp)
	return resp, err
}

func (c *Client) call(ctx context.Context, method string, req, resp any, opts ...grpc.CallOption) error {
	in, err := encode(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return err
	}
	data, err := protojson.Marshal(out)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, resp)
}
