// Package archive copies closed segments to object storage, compressed, and
// restores them into a recording tree.
package archive

import (
	"fmt"
	"io"
	"strings"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	lz4 "github.com/pierrec/lz4/v4"
)

// Codec is a streaming compression format for archived segments.
type Codec interface {
	// Name is the configuration name, e.g. "zstd".
	Name() string
	// Ext is the suffix appended to archived object paths.
	Ext() string
	NewWriter(w io.Writer) (io.WriteCloser, error)
	NewReader(r io.Reader) (io.ReadCloser, error)
}

// CodecByName returns the codec registered under name. The empty name
// selects snappy.
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "snappy":
		return SnappyCodec{}, nil
	case "zstd":
		return ZstdCodec{}, nil
	case "lz4":
		return LZ4Codec{}, nil
	case "none":
		return NoneCodec{}, nil
	default:
		return nil, fmt.Errorf("archive: unknown codec %q", name)
	}
}

// SnappyCodec uses the snappy framing format.
type SnappyCodec struct{}

func (SnappyCodec) Name() string { return "snappy" }
func (SnappyCodec) Ext() string  { return "sz" }

func (SnappyCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return snappy.NewBufferedWriter(w), nil
}

func (SnappyCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(snappy.NewReader(r)), nil
}

// ZstdCodec uses zstd at the default speed.
type ZstdCodec struct{}

func (ZstdCodec) Name() string { return "zstd" }
func (ZstdCodec) Ext() string  { return "zst" }

func (ZstdCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	return enc, nil
}

func (ZstdCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	dec, err := zstd.NewReader(r, zstd.WithDecoderMaxMemory(1<<30))
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return zstdReadCloser{dec}, nil
}

type zstdReadCloser struct {
	*zstd.Decoder
}

// Close releases the decoder's goroutines.
func (z zstdReadCloser) Close() error {
	z.Decoder.Close()
	return nil
}

// LZ4Codec uses the lz4 frame format.
type LZ4Codec struct{}

func (LZ4Codec) Name() string { return "lz4" }
func (LZ4Codec) Ext() string  { return "lz4" }

func (LZ4Codec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return lz4.NewWriter(w), nil
}

func (LZ4Codec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(lz4.NewReader(r)), nil
}

// NoneCodec stores segments uncompressed.
type NoneCodec struct{}

func (NoneCodec) Name() string { return "none" }
func (NoneCodec) Ext() string  { return "raw" }

func (NoneCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return nopWriteCloser{w}, nil
}

func (NoneCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(r), nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
