package llm

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestMockStreamerEchoesPromptWordByWord(t *testing.T) {
	m := NewMockStreamer("Echo: ")
	ch, err := m.Stream(context.Background(), "dev-model", []byte("hello world"))
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var text strings.Builder
	var sawDone bool
	for tok := range ch {
		if tok.Err != nil {
			t.Fatalf("unexpected token error: %v", tok.Err)
		}
		text.WriteString(tok.Text)
		if tok.Done {
			sawDone = true
			if tok.OutputTokens < 1 {
				t.Fatalf("OutputTokens = %d, want >= 1", tok.OutputTokens)
			}
		}
	}
	if !sawDone {
		t.Fatal("expected a terminal Done token")
	}
	if !strings.Contains(text.String(), "Echo:") || !strings.Contains(text.String(), "hello") {
		t.Fatalf("unexpected streamed text: %q", text.String())
	}
}

func TestMockStreamerCancelsOnContextDone(t *testing.T) {
	m := &MockStreamer{ResponsePrefix: "Echo: ", TokenDelay: 50 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := m.Stream(ctx, "dev-model", []byte("one two three four five"))
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	<-ch // consume first word
	cancel()

	var sawCancelErr bool
	for tok := range ch {
		if tok.Err != nil {
			sawCancelErr = true
		}
	}
	if !sawCancelErr {
		t.Fatal("expected a context-cancellation error token")
	}
}

func TestReadWithTimeoutTerminatesOnSlowProvider(t *testing.T) {
	chunks := make(chan InferenceChunk) // never written to
	out := readWithTimeout(context.Background(), "model", chunks, 20*time.Millisecond)

	tok, ok := <-out
	if !ok {
		t.Fatal("expected a timeout token, channel closed with nothing")
	}
	if tok.Err != ErrStreamTimeout {
		t.Fatalf("Err = %v, want ErrStreamTimeout", tok.Err)
	}
}

func TestReadWithTimeoutMapsContextError(t *testing.T) {
	chunks := make(chan InferenceChunk, 1)
	chunks <- InferenceChunk{ContextError: true}
	out := readWithTimeout(context.Background(), "model", chunks, time.Second)

	tok := <-out
	if tok.Err != ErrContextLengthExceeded {
		t.Fatalf("Err = %v, want ErrContextLengthExceeded", tok.Err)
	}
}
