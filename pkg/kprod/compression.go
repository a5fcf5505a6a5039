package kprod

import (
	"bytes"
	"compress/gzip"
	"fmt"

	"github.com/klauspost/compress/s2"
	"github.com/pierrec/lz4/v4"
)

// Codec names a full-batch compression algorithm, selected by name per
// spec §6.4 ("compression_type ∈ {gzip,snappy,lz4,null}").
type Codec int8

const (
	CodecNone Codec = iota
	CodecGzip
	CodecSnappy
	CodecLZ4
)

func parseCodec(name string) (Codec, error) {
	switch name {
	case "", "none":
		return CodecNone, nil
	case "gzip":
		return CodecGzip, nil
	case "snappy":
		return CodecSnappy, nil
	case "lz4":
		return CodecLZ4, nil
	default:
		return CodecNone, ErrInvalidCompressionType
	}
}

func (c Codec) String() string {
	switch c {
	case CodecGzip:
		return "gzip"
	case CodecSnappy:
		return "snappy"
	case CodecLZ4:
		return "lz4"
	default:
		return "none"
	}
}

// compress returns buf compressed with codec (buf itself for CodecNone).
// It does not frame the result; wrapCompressed (wireformat.go) wraps it in
// a single outer compressed Message.
func compress(codec Codec, buf []byte) ([]byte, error) {
	switch codec {
	case CodecNone:
		return buf, nil
	case CodecGzip:
		var out bytes.Buffer
		w := gzip.NewWriter(&out)
		if _, err := w.Write(buf); err != nil {
			return nil, fmt.Errorf("kprod: gzip compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("kprod: gzip compress: %w", err)
		}
		return out.Bytes(), nil
	case CodecSnappy:
		var out bytes.Buffer
		w := s2.NewWriter(&out, s2.WriterSnappyCompat())
		if _, err := w.Write(buf); err != nil {
			return nil, fmt.Errorf("kprod: snappy compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("kprod: snappy compress: %w", err)
		}
		return out.Bytes(), nil
	case CodecLZ4:
		var out bytes.Buffer
		w := lz4.NewWriter(&out)
		if _, err := w.Write(buf); err != nil {
			return nil, fmt.Errorf("kprod: lz4 compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("kprod: lz4 compress: %w", err)
		}
		return out.Bytes(), nil
	default:
		return nil, ErrInvalidCompressionType
	}
}
