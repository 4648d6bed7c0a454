package client

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

// decodeBody reverses the Content-Encoding applied by upstream. The fixed
// header table advertises gzip, deflate, br and zstd, and setting
// Accept-Encoding manually disables the transport's transparent gzip
// handling, so every advertised coding must be reversed here before the
// rewriter sees the body. Chained codings are undone right-to-left.
func decodeBody(encoding string, body []byte) ([]byte, error) {
	if encoding == "" {
		return body, nil
	}
	codings := strings.Split(encoding, ",")
	for i := len(codings) - 1; i >= 0; i-- {
		coding := strings.ToLower(strings.TrimSpace(codings[i]))
		var err error
		body, err = decodeCoding(coding, body)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", coding, err)
		}
	}
	return body, nil
}

func decodeCoding(coding string, body []byte) ([]byte, error) {
	switch coding {
	case "", "identity":
		return body, nil
	case "gzip", "x-gzip":
		r, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer func() { _ = r.Close() }()
		return io.ReadAll(r)
	case "deflate":
		// HTTP deflate is zlib-wrapped, but some origins send raw flate.
		if r, err := zlib.NewReader(bytes.NewReader(body)); err == nil {
			defer func() { _ = r.Close() }()
			return io.ReadAll(r)
		}
		r := flate.NewReader(bytes.NewReader(body))
		defer func() { _ = r.Close() }()
		return io.ReadAll(r)
	case "br":
		return io.ReadAll(brotli.NewReader(bytes.NewReader(body)))
	case "zstd":
		r, err := zstd.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", coding)
	}
}
