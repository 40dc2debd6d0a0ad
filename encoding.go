package yuri

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// Content-Encoding values understood by the body decoder.
const (
	EncodingGzip     = "gzip"
	EncodingZstd     = "zstd"
	EncodingBrotli   = "br"
	EncodingDeflate  = "deflate"
	EncodingIdentity = "identity"
)

// errDecodedTooLarge stops decoding once the output passes the caller's limit.
var errDecodedTooLarge = errors.New("decoded body exceeds limit")

// normalizeEncoding returns the single content coding of a
// Content-Encoding header value, or "" for stacked or unknown codings.
func normalizeEncoding(header string) string {
	enc := strings.ToLower(strings.TrimSpace(header))
	switch enc {
	case "", EncodingIdentity:
		return EncodingIdentity
	case EncodingGzip, "x-gzip":
		return EncodingGzip
	case EncodingZstd, EncodingBrotli, EncodingDeflate:
		return enc
	default:
		return ""
	}
}

// DecodeBody reverses the Content-Encoding of body, producing at most limit
// bytes (limit <= 0 means unbounded). The returned bool is false when the
// coding is unsupported, the payload does not decode, or the decoded body
// would exceed limit; body should then be treated as opaque.
func DecodeBody(contentEncoding string, body []byte, limit int64) ([]byte, bool) {
	enc := normalizeEncoding(contentEncoding)
	if enc == EncodingIdentity {
		return body, true
	}
	if enc == "" || len(body) == 0 {
		return nil, false
	}

	var (
		out []byte
		err error
	)
	switch enc {
	case EncodingGzip:
		var r *gzip.Reader
		if r, err = gzip.NewReader(bytes.NewReader(body)); err == nil {
			out, err = readLimited(r, limit)
			_ = r.Close()
		}
	case EncodingDeflate:
		out, err = decodeDeflate(body, limit)
	case EncodingBrotli:
		out, err = readLimited(brotli.NewReader(bytes.NewReader(body)), limit)
	case EncodingZstd:
		out, err = decodeZstd(body, limit)
	}
	if err != nil {
		return nil, false
	}
	return out, true
}

// readLimited reads r to EOF, failing once more than limit bytes arrive.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	out, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(out)) > limit {
		return nil, errDecodedTooLarge
	}
	return out, nil
}

// decodeDeflate accepts both zlib-wrapped (RFC 1950) and raw deflate
// streams, since servers send either under "deflate".
func decodeDeflate(body []byte, limit int64) ([]byte, error) {
	if r, err := zlib.NewReader(bytes.NewReader(body)); err == nil {
		out, err := readLimited(r, limit)
		_ = r.Close()
		if err == nil || errors.Is(err, errDecodedTooLarge) {
			return out, err
		}
	}
	r := flate.NewReader(bytes.NewReader(body))
	defer func() { _ = r.Close() }()
	return readLimited(r, limit)
}

// decodeZstd streams the frame so the window allocation is capped as well
// as the output.
func decodeZstd(body []byte, limit int64) ([]byte, error) {
	opts := []zstd.DOption{zstd.WithDecoderConcurrency(1)}
	if limit > 0 {
		opts = append(opts, zstd.WithDecoderMaxMemory(uint64(max(limit, zstdMinMemory))))
	}
	d, err := zstd.NewReader(bytes.NewReader(body), opts...)
	if err != nil {
		return nil, err
	}
	defer d.Close()
	return readLimited(d, limit)
}

// zstdMinMemory keeps small limits from rejecting ordinary frame windows.
const zstdMinMemory = 1 << 20

// EncodeBody applies a content coding to data. Identity returns data as is.
func EncodeBody(contentEncoding string, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	switch normalizeEncoding(contentEncoding) {
	case EncodingIdentity:
		return data, nil
	case EncodingGzip:
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case EncodingDeflate:
		w := zlib.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case EncodingBrotli:
		w := brotli.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case EncodingZstd:
		w, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		defer func() { _ = w.Close() }()
		return w.EncodeAll(data, nil), nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", contentEncoding)
	}
	return buf.Bytes(), nil
}
