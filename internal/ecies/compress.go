package ecies

import (
	"bytes"
	"compress/flate"
	"fmt"
	"io"
)

// compressionFlag values recorded as the first byte of the envelope
// produced by CompressEnvelope, so DecompressEnvelope is deterministic
// regardless of whether compression actually helped (spec §4.1: "a
// one-byte flag inside the compressed envelope records the choice").
const (
	flagRaw        byte = 0x00
	flagDeflated   byte = 0x01
	minSizeToTry        = 256 // heuristic: not worth attempting below this
	flateLevel          = flate.BestSpeed
)

// CompressEnvelope applies the size heuristic from spec §4.1: plaintext
// below minSizeToTry is left alone (compression overhead would dominate);
// larger plaintext is raw-deflated, and the result is kept only if it is
// actually smaller than the input. The returned envelope always begins with
// a one-byte flag so DecompressEnvelope needs no side-channel information.
func CompressEnvelope(plaintext []byte) ([]byte, error) {
	if len(plaintext) < minSizeToTry {
		return rawEnvelope(plaintext), nil
	}

	var buf bytes.Buffer
	buf.WriteByte(flagDeflated)
	w, err := flate.NewWriter(&buf, flateLevel)
	if err != nil {
		return nil, fmt.Errorf("ecies: init deflate writer: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("ecies: deflate write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("ecies: deflate close: %w", err)
	}

	if buf.Len() >= len(plaintext)+1 {
		// Compression didn't help; fall back to storing it raw.
		return rawEnvelope(plaintext), nil
	}
	return buf.Bytes(), nil
}

func rawEnvelope(plaintext []byte) []byte {
	out := make([]byte, 0, len(plaintext)+1)
	out = append(out, flagRaw)
	out = append(out, plaintext...)
	return out
}

// DecompressEnvelope reverses CompressEnvelope, reading the leading flag
// byte to decide whether to inflate the remainder.
func DecompressEnvelope(envelope []byte) ([]byte, error) {
	if len(envelope) == 0 {
		return nil, fmt.Errorf("ecies: empty compression envelope")
	}
	flag, body := envelope[0], envelope[1:]
	switch flag {
	case flagRaw:
		out := make([]byte, len(body))
		copy(out, body)
		return out, nil
	case flagDeflated:
		r := flate.NewReader(bytes.NewReader(body))
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("ecies: inflate: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("ecies: unknown compression flag %#x", flag)
	}
}
