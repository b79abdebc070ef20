package interceptor

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"strings"
)

// MaxDecodedBody bounds the output of DecodeBody
const MaxDecodedBody = 64 << 20

// ErrBodyTooLarge is returned by DecodeBody when the decoded body would
// exceed MaxDecodedBody
var ErrBodyTooLarge = errors.New("decoded body too large")

// CompressionType represents a Content-Encoding the interceptor understands
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionGzip
	CompressionDeflate
	CompressionUnknown
)

// String returns the string representation of compression type
func (c CompressionType) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionGzip:
		return "gzip"
	case CompressionDeflate:
		return "deflate"
	default:
		return "unknown"
	}
}

// DetectCompressionType detects compression type from Content-Encoding header
func DetectCompressionType(contentEncoding string) CompressionType {
	encoding := strings.ToLower(strings.TrimSpace(contentEncoding))
	if encoding == "" || encoding == "identity" {
		return CompressionNone
	}

	// Stacked encodings ("gzip, br") are not unwrapped
	if strings.Contains(encoding, ",") {
		return CompressionUnknown
	}

	switch encoding {
	case "gzip", "x-gzip":
		return CompressionGzip
	case "deflate":
		return CompressionDeflate
	default:
		return CompressionUnknown
	}
}

// DecodeBody returns the body as the application would see it after
// undoing Content-Encoding
func DecodeBody(body []byte, contentEncoding string) ([]byte, error) {
	switch t := DetectCompressionType(contentEncoding); t {
	case CompressionNone:
		return body, nil
	case CompressionGzip:
		return decompressGzip(body)
	case CompressionDeflate:
		return decompressDeflate(body)
	default:
		return nil, fmt.Errorf("unsupported content encoding: %s", contentEncoding)
	}
}

// decompressGzip decompresses gzip-compressed data
func decompressGzip(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}

	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer reader.Close()

	result, err := readLimited(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress gzip data: %w", err)
	}

	return result, nil
}

// decompressDeflate decompresses deflate-compressed data. HTTP deflate is
// zlib-wrapped, but some servers send raw DEFLATE, so that is tried when the
// zlib header does not check out.
func decompressDeflate(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}

	reader, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		reader = flate.NewReader(bytes.NewReader(data))
	}
	defer reader.Close()

	result, err := readLimited(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress deflate data: %w", err)
	}

	return result, nil
}

func readLimited(r io.Reader) ([]byte, error) {
	result, err := io.ReadAll(io.LimitReader(r, MaxDecodedBody+1))
	if err != nil {
		return nil, err
	}
	if len(result) > MaxDecodedBody {
		return nil, ErrBodyTooLarge
	}
	return result, nil
}
