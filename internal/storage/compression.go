package storage

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// CompressedBackend compresses objects on the way in and decompresses them on
// the way out. Objects are buffered in memory, so it is only meant for
// payloads that fit comfortably there.
type CompressedBackend struct {
	backend     Backend
	compression string
}

// NewCompressedBackend wraps backend. An empty compression passes objects
// through unchanged.
func NewCompressedBackend(backend Backend, compression string) *CompressedBackend {
	return &CompressedBackend{
		backend:     backend,
		compression: compression,
	}
}

func (c *CompressedBackend) Put(ctx context.Context, bucket, key string, r io.Reader, size int64) error {
	if c.compression == "" {
		return c.backend.Put(ctx, bucket, key, r, size)
	}

	var buf bytes.Buffer
	var err error
	switch c.compression {
	case "gzip":
		err = compressGzip(&buf, r)
	case "zstd":
		err = compressZstd(&buf, r)
	default:
		err = fmt.Errorf("unsupported compression type: %s", c.compression)
	}
	if err != nil {
		return fmt.Errorf("compressing object: %w", err)
	}

	return c.backend.Put(ctx, bucket, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()))
}

func (c *CompressedBackend) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	rc, err := c.backend.Get(ctx, bucket, key)
	if err != nil {
		return nil, err
	}

	if c.compression == "" {
		return rc, nil
	}
	defer rc.Close()

	var buf bytes.Buffer
	switch c.compression {
	case "gzip":
		err = decompressGzip(&buf, rc)
	case "zstd":
		err = decompressZstd(&buf, rc)
	default:
		err = fmt.Errorf("unsupported compression type: %s", c.compression)
	}
	if err != nil {
		return nil, fmt.Errorf("decompressing object: %w", err)
	}

	return io.NopCloser(&buf), nil
}

func (c *CompressedBackend) Delete(ctx context.Context, bucket, key string) error {
	return c.backend.Delete(ctx, bucket, key)
}

func (c *CompressedBackend) Exists(ctx context.Context, bucket, key string) (bool, error) {
	return c.backend.Exists(ctx, bucket, key)
}

func compressGzip(w io.Writer, r io.Reader) error {
	gw := gzip.NewWriter(w)
	if _, err := io.Copy(gw, r); err != nil {
		gw.Close()
		return err
	}
	return gw.Close()
}

func decompressGzip(w io.Writer, r io.Reader) error {
	gr, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer gr.Close()

	_, err = io.Copy(w, gr)
	return err
}

func compressZstd(w io.Writer, r io.Reader) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}
	if _, err := io.Copy(zw, r); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

func decompressZstd(w io.Writer, r io.Reader) error {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return err
	}
	defer zr.Close()

	_, err = io.Copy(w, zr)
	return err
}
