// Package artifact makes sure the model file is present on local disk,
// downloading it from object storage the first time it is needed.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/example/bps-classifier/internal/faults"
	"github.com/example/bps-classifier/internal/metrics"
)

// ErrObjectNotFound is returned by fetchers when the remote object is absent.
var ErrObjectNotFound = errors.New("object not found")

// Location names a remote object and where it lives locally.
type Location struct {
	Bucket    string
	Object    string
	LocalPath string
}

// String renders the remote side as a gs:// URL.
func (l Location) String() string {
	return fmt.Sprintf("gs://%s/%s", l.Bucket, l.Object)
}

// Fetcher opens a remote object for reading. size is -1 when unknown.
type Fetcher interface {
	Fetch(ctx context.Context, bucket, object string) (rc io.ReadCloser, size int64, err error)
}

// ProgressFunc wraps the download stream, e.g. to drive a progress bar.
type ProgressFunc func(r io.Reader, size int64) io.Reader

// Cache fetches artifacts that are not yet on disk.
type Cache struct {
	fetcher  Fetcher
	logger   *zap.Logger
	progress ProgressFunc
}

// NewCache returns a Cache backed by fetcher.
func NewCache(fetcher Fetcher, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{fetcher: fetcher, logger: logger.Named("artifact_cache")}
}

// WithProgress sets a hook that wraps every download stream.
func (c *Cache) WithProgress(fn ProgressFunc) *Cache {
	c.progress = fn
	return c
}

// Ensure returns immediately when loc.LocalPath exists. Otherwise it
// downloads the object into a temp file next to LocalPath and renames it
// into place, so a failed download never leaves a partial file behind.
func (c *Cache) Ensure(ctx context.Context, loc Location) error {
	if loc.LocalPath == "" {
		return faults.ArtifactFetch("local path is empty", nil)
	}

	info, err := os.Stat(loc.LocalPath)
	if err == nil {
		if info.IsDir() {
			return faults.ArtifactFetch(fmt.Sprintf("%s is a directory", loc.LocalPath), nil)
		}
		c.logger.Debug("artifact cache hit", zap.String("local_path", loc.LocalPath))
		return nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return faults.ArtifactFetch(fmt.Sprintf("stat %s", loc.LocalPath), err)
	}

	if c.fetcher == nil {
		return faults.ArtifactFetch("no remote fetcher configured", nil)
	}
	if loc.Bucket == "" || loc.Object == "" {
		return faults.ArtifactFetch("remote bucket and object are required", nil)
	}

	c.logger.Info("downloading artifact", zap.String("source", loc.String()), zap.String("local_path", loc.LocalPath))
	n, err := c.download(ctx, loc)
	if err != nil {
		metrics.ArtifactDownloads.WithLabelValues("error").Inc()
		c.logger.Error("artifact download failed", zap.Error(err), zap.String("source", loc.String()))
		return err
	}
	metrics.ArtifactDownloads.WithLabelValues("ok").Inc()
	c.logger.Info("artifact downloaded", zap.String("local_path", loc.LocalPath), zap.Int64("bytes", n))
	return nil
}

func (c *Cache) download(ctx context.Context, loc Location) (int64, error) {
	dir := filepath.Dir(loc.LocalPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, faults.ArtifactFetch(fmt.Sprintf("create directory %s", dir), err)
	}

	rc, size, err := c.fetcher.Fetch(ctx, loc.Bucket, loc.Object)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return 0, faults.ArtifactFetch(fmt.Sprintf("%s does not exist", loc), err)
		}
		return 0, faults.ArtifactFetch(fmt.Sprintf("open %s", loc), err)
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(loc.LocalPath)+".*.tmp")
	if err != nil {
		return 0, faults.ArtifactFetch("create temp file", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	var src io.Reader = rc
	if c.progress != nil {
		src = c.progress(rc, size)
	}

	n, err := io.Copy(tmp, src)
	if err != nil {
		return n, faults.ArtifactFetch(fmt.Sprintf("download %s", loc), err)
	}
	if size >= 0 && n != size {
		return n, faults.ArtifactFetch(fmt.Sprintf("download %s: got %d of %d bytes", loc, n, size), nil)
	}
	if err := tmp.Sync(); err != nil {
		return n, faults.ArtifactFetch("sync temp file", err)
	}
	if err := tmp.Close(); err != nil {
		return n, faults.ArtifactFetch("close temp file", err)
	}
	if err := os.Rename(tmpName, loc.LocalPath); err != nil {
		return n, faults.ArtifactFetch(fmt.Sprintf("move artifact into %s", loc.LocalPath), err)
	}
	committed = true
	return n, nil
}
