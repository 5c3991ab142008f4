// Package llm provides the LLMStreamer implementations consumed by
// internal/streampipeline: a gRPC-backed client for a real inference
// provider and a deterministic mock used in dev mode and tests. The gRPC
// wire types (InferenceRequest/InferenceChunk) are treated as a stub
// compiled from a .proto elsewhere, mirroring the teacher's own pattern of
// defining a minimal request/response pair ahead of codegen for its
// remote AI stub client.
package llm

import (
	"context"
	"errors"
	"time"

	"vaultchat/internal/ports"
)

// ErrStreamTimeout is surfaced as the terminal token's Err when a read from
// the provider exceeds the configured per-token timeout (spec §5: "LLM read
// has a configurable timeout; timeout -> treat as stream failure").
var ErrStreamTimeout = errors.New("llm: stream read timed out")

// ErrContextLengthExceeded maps a provider's context-window rejection to
// the stream-level `context-length-exceeded` error code of spec §7.
var ErrContextLengthExceeded = errors.New("llm: context length exceeded")

// InferenceRequest is the wire request sent to the provider. Exported so a
// generated gRPC stub can eventually replace StubClient without touching
// call sites.
type InferenceRequest struct {
	Model  string
	Prompt []byte
}

// InferenceChunk is one unit of a streamed completion.
type InferenceChunk struct {
	Text         string
	Done         bool
	InputTokens  int
	OutputTokens int
	ContextError bool
}

// StubClient is the minimal interface a real provider client (gRPC-
// generated or otherwise) must satisfy. Kept separate from the grpc
// transport so GRPCStreamer's connection-lifecycle code never depends on
// codegen that does not exist in this retrieval pack.
type StubClient interface {
	StreamInference(ctx context.Context, req InferenceRequest) (<-chan InferenceChunk, error)
}

// readWithTimeout wraps a chunk channel so that any single read exceeding
// perTokenTimeout is translated into an ErrStreamTimeout-terminated stream,
// per spec §5's per-token timeout requirement. Shared by every StubClient-
// backed streamer (gRPC today, anything else tomorrow).
func readWithTimeout(ctx context.Context, model string, chunks <-chan InferenceChunk, perTokenTimeout time.Duration) <-chan ports.LLMStreamToken {
	out := make(chan ports.LLMStreamToken)
	go func() {
		defer close(out)
		timer := time.NewTimer(perTokenTimeout)
		defer timer.Stop()
		for {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(perTokenTimeout)

			select {
			case <-ctx.Done():
				out <- ports.LLMStreamToken{Err: ctx.Err(), Done: true}
				return
			case <-timer.C:
				out <- ports.LLMStreamToken{Err: ErrStreamTimeout, Done: true}
				return
			case chunk, ok := <-chunks:
				if !ok {
					return
				}
				if chunk.ContextError {
					out <- ports.LLMStreamToken{Err: ErrContextLengthExceeded, Done: true}
					return
				}
				out <- ports.LLMStreamToken{
					Text:         chunk.Text,
					Done:         chunk.Done,
					InputTokens:  chunk.InputTokens,
					OutputTokens: chunk.OutputTokens,
				}
				if chunk.Done {
					return
				}
			}
		}
	}()
	return out
}
