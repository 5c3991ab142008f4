package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
)

const inferenceStreamMethod = "/vaultchat.inference.Inference/StreamInference"

// jsonCodec lets remoteStubClient drive a gRPC stream without a compiled
// .proto file: every message crosses the wire as a JSON document under a
// content-subtype this client negotiates itself, in place of the codegen
// DialGRPCStreamer's doc comment anticipates but that no .proto in this
// retrieval pack produces.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "vaultchat-json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// remoteStubClient implements StubClient against any gRPC server exposing
// the StreamInference server-streaming RPC, opening the stream directly via
// grpc.ClientConn.NewStream with the json codec above rather than a
// generated client type.
type remoteStubClient struct {
	conn   *grpc.ClientConn
	apiKey string
}

// NewRemoteStubClient wraps conn in a StubClient suitable for
// DialGRPCStreamer's newClient argument, authenticating every stream with
// apiKey as gRPC request metadata.
func NewRemoteStubClient(conn *grpc.ClientConn, apiKey string) StubClient {
	return &remoteStubClient{conn: conn, apiKey: apiKey}
}

// StreamInference implements StubClient.
func (c *remoteStubClient) StreamInference(ctx context.Context, req InferenceRequest) (<-chan InferenceChunk, error) {
	if c.apiKey != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.apiKey)
	}

	desc := &grpc.StreamDesc{StreamName: "StreamInference", ServerStreams: true}
	stream, err := c.conn.NewStream(ctx, desc, inferenceStreamMethod, grpc.CallContentSubtype(jsonCodec{}.Name()))
	if err != nil {
		return nil, fmt.Errorf("llm: open inference stream: %w", err)
	}
	if err := stream.SendMsg(&req); err != nil {
		return nil, fmt.Errorf("llm: send inference request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("llm: close send: %w", err)
	}

	out := make(chan InferenceChunk)
	go func() {
		defer close(out)
		for {
			var chunk InferenceChunk
			if err := stream.RecvMsg(&chunk); err != nil {
				return
			}
			out <- chunk
			if chunk.Done {
				return
			}
		}
	}()
	return out, nil
}
