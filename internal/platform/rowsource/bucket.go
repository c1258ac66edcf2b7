package rowsource

import (
	"context"
	"fmt"
	"path"
	"sort"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"golang.org/x/text/encoding"
)

// NewMinioClient connects to an S3-compatible object store.
func NewMinioClient(endpoint, accessKey, secretKey string, useSSL bool) (*minio.Client, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}
	return client, nil
}

type object struct {
	client *minio.Client
	bucket string
	key    string
	enc    encoding.Encoding
}

// Bucket returns the CSV objects under prefix, sorted by base name.
func Bucket(ctx context.Context, client *minio.Client, bucket, prefix string, enc encoding.Encoding) ([]File, error) {
	// Stops the listing goroutine when the loop returns early.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var objects []*object
	for info := range client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if info.Err != nil {
			return nil, fmt.Errorf("list %s/%s: %w", bucket, prefix, info.Err)
		}
		if !IsCSV(info.Key) {
			continue
		}
		objects = append(objects, &object{client: client, bucket: bucket, key: info.Key, enc: enc})
	}
	sort.Slice(objects, func(i, j int) bool {
		return objects[i].Name() < objects[j].Name()
	})

	files := make([]File, len(objects))
	for i, o := range objects {
		files[i] = o
	}
	return files, nil
}

func (o *object) Name() string { return path.Base(o.key) }

func (o *object) Open(ctx context.Context) (Rows, error) {
	obj, err := o.client.GetObject(ctx, o.bucket, o.key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", o.bucket, o.key, err)
	}
	return NewRows(obj, o.enc)
}
