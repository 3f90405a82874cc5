package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSFetcher reads objects from Google Cloud Storage. The storage client is
// created on the first Fetch so a cache hit never needs credentials.
type GCSFetcher struct {
	credentialsFile string

	once   sync.Once
	client *storage.Client
	err    error
}

// NewGCSFetcher returns a fetcher. With an empty credentialsFile the client
// uses Application Default Credentials.
func NewGCSFetcher(credentialsFile string) *GCSFetcher {
	return &GCSFetcher{credentialsFile: credentialsFile}
}

func (f *GCSFetcher) storageClient(ctx context.Context) (*storage.Client, error) {
	f.once.Do(func() {
		var opts []option.ClientOption
		if f.credentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(f.credentialsFile))
		}
		f.client, f.err = storage.NewClient(ctx, opts...)
		if f.err != nil {
			f.err = fmt.Errorf("create storage client: %w", f.err)
		}
	})
	return f.client, f.err
}

// Fetch opens bucket/object for reading.
func (f *GCSFetcher) Fetch(ctx context.Context, bucket, object string) (io.ReadCloser, int64, error) {
	client, err := f.storageClient(ctx)
	if err != nil {
		return nil, 0, err
	}
	r, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
			return nil, 0, fmt.Errorf("%w: %v", ErrObjectNotFound, err)
		}
		return nil, 0, err
	}
	return r, r.Attrs.Size, nil
}

// Close releases the storage client if one was created.
func (f *GCSFetcher) Close() error {
	if f.client == nil {
		return nil
	}
	return f.client.Close()
}
