package llm

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"vaultchat/internal/ports"
)

// GRPCStreamer dials a remote inference provider once and reuses the
// connection across every Stream call, the same lifecycle the teacher's
// AIEngine holds its grpc.ClientConn for.
type GRPCStreamer struct {
	conn            *grpc.ClientConn
	client          StubClient
	perTokenTimeout time.Duration
}

// DialGRPCStreamer connects to endpoint and wraps client (the generated or
// hand-stubbed provider client) in a GRPCStreamer. perTokenTimeout bounds
// each individual token read per spec §5.
func DialGRPCStreamer(endpoint string, newClient func(*grpc.ClientConn) StubClient, perTokenTimeout time.Duration) (*GRPCStreamer, error) {
	conn, err := grpc.Dial(endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("llm: dial %s: %w", endpoint, err)
	}
	return &GRPCStreamer{conn: conn, client: newClient(conn), perTokenTimeout: perTokenTimeout}, nil
}

// Stream implements ports.LLMStreamer by delegating to the provider stub
// and enforcing the per-token read timeout around its output channel.
func (s *GRPCStreamer) Stream(ctx context.Context, model string, prompt []byte) (<-chan ports.LLMStreamToken, error) {
	chunks, err := s.client.StreamInference(ctx, InferenceRequest{Model: model, Prompt: prompt})
	if err != nil {
		return nil, fmt.Errorf("llm: start stream: %w", err)
	}
	return readWithTimeout(ctx, model, chunks, s.perTokenTimeout), nil
}

// Close releases the underlying connection.
func (s *GRPCStreamer) Close() error {
	return s.conn.Close()
}
