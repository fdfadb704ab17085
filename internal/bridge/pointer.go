package bridge

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"

	"github.com/rs/zerolog/log"

	"github.com/watzon/tether/internal/config"
	"github.com/watzon/tether/internal/events"
	"github.com/watzon/tether/internal/ids"
	"github.com/watzon/tether/internal/metrics"
	"github.com/watzon/tether/internal/storage"
)

// Offloader moves serialized events that exceed Threshold bytes into an
// object store. The receiver deletes the object once it has read it.
type Offloader struct {
	Backend   storage.Backend
	Bucket    string
	Prefix    string
	Threshold int
}

// NewOffloader builds the object store named by sc and wraps it with the
// configured compression. An empty storage type disables offloading.
func NewOffloader(ctx context.Context, bc config.BridgeConfig, sc config.StorageConfig, prefix string) (*Offloader, error) {
	if sc.Type == "" {
		return nil, nil
	}
	backend, err := storage.NewBackend(ctx, sc)
	if err != nil {
		return nil, fmt.Errorf("creating pointer store: %w", err)
	}
	return &Offloader{
		Backend:   storage.NewCompressedBackend(backend, bc.Compression),
		Bucket:    bc.PointerBucket,
		Prefix:    prefix,
		Threshold: bc.PointerThreshold,
	}, nil
}

// Enabled reports whether an object store is available.
func (o *Offloader) Enabled() bool {
	return o != nil && o.Backend != nil
}

// ShouldOffload reports whether a serialized event is too large to send inline.
func (o *Offloader) ShouldOffload(size int) bool {
	return o.Enabled() && o.Threshold > 0 && size > o.Threshold
}

// Store uploads data and returns the pointer that replaces it.
func (o *Offloader) Store(ctx context.Context, data []byte) (events.PointerProperties, error) {
	key := path.Join(o.Prefix, "pointers", ids.ULID()+".json")
	if err := o.Backend.Put(ctx, o.Bucket, key, bytes.NewReader(data), int64(len(data))); err != nil {
		return events.PointerProperties{}, fmt.Errorf("offloading payload: %w", err)
	}
	metrics.RecordPointer("store")
	return events.PointerProperties{Bucket: o.Bucket, Key: key}, nil
}

// Load downloads and deletes the object behind ptr.
func (o *Offloader) Load(ctx context.Context, ptr events.PointerProperties) ([]byte, error) {
	if !o.Enabled() {
		return nil, fmt.Errorf("received pointer %s/%s without an object store", ptr.Bucket, ptr.Key)
	}

	rc, err := o.Backend.Get(ctx, ptr.Bucket, ptr.Key)
	if err != nil {
		return nil, fmt.Errorf("fetching pointer %s/%s: %w", ptr.Bucket, ptr.Key, err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, fmt.Errorf("reading pointer %s/%s: %w", ptr.Bucket, ptr.Key, err)
	}
	metrics.RecordPointer("load")

	if err := o.Backend.Delete(ctx, ptr.Bucket, ptr.Key); err != nil {
		log.Warn().Err(err).Str("bucket", ptr.Bucket).Str("key", ptr.Key).Msg("Failed to delete pointer object")
	}
	return data, nil
}
