package cdnupload

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/url"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

func init() {
	RegisterDestination("gs", func(u *url.URL) (Destination, error) {
		return NewGCSDestination(u)
	})
}

// GCSDestination stores keys as objects in a Google Cloud Storage bucket,
// optionally under a key prefix.
type GCSDestination struct {
	Client     *storage.Client
	BucketName string
	KeyPrefix  string
}

// NewGCSDestination builds a GCSDestination from a gs://bucket/prefix URL
// using application default credentials.
func NewGCSDestination(u *url.URL) (*GCSDestination, error) {
	if u.Scheme != "gs" {
		return nil, fmt.Errorf("gcs destination URL must start with gs://, got %q", u.String())
	}
	if u.Host == "" {
		return nil, fmt.Errorf("gcs destination URL must include a bucket name")
	}
	client, err := storage.NewClient(context.TODO())
	if err != nil {
		return nil, fmt.Errorf("error creating gcs client: %w", err)
	}
	return &GCSDestination{
		Client:     client,
		BucketName: u.Host,
		KeyPrefix:  strings.Trim(u.Path, "/"),
	}, nil
}

func (d *GCSDestination) String() string {
	return "gs://" + d.BucketName + "/" + d.KeyPrefix
}

func (d *GCSDestination) fullKey(key string) string {
	if d.KeyPrefix == "" {
		return key
	}
	return d.KeyPrefix + "/" + key
}

func (d *GCSDestination) Keys() ([]string, error) {
	keys := make([]string, 0)
	var query *storage.Query
	if d.KeyPrefix != "" {
		query = &storage.Query{Prefix: d.KeyPrefix + "/"}
	}
	objIter := d.Client.Bucket(d.BucketName).Objects(context.TODO(), query)
	for {
		attrs, err := objIter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("Bucket(%q).Objects: %w", d.BucketName, err)
		}
		key := attrs.Name
		if d.KeyPrefix != "" {
			key = strings.TrimPrefix(strings.TrimPrefix(key, d.KeyPrefix), "/")
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (d *GCSDestination) Upload(key string, source Source, relPath string) error {
	src, err := source.Open(relPath)
	if err != nil {
		return err
	}
	defer src.Close()

	object := d.Client.Bucket(d.BucketName).Object(d.fullKey(key))
	objWriter := object.NewWriter(context.TODO())
	if contentType := mime.TypeByExtension(path.Ext(relPath)); contentType != "" {
		objWriter.ContentType = contentType
	}
	if _, uploadErr := io.Copy(objWriter, src); uploadErr != nil {
		objWriter.Close()
		return uploadErr
	}
	return objWriter.Close()
}

func (d *GCSDestination) Delete(key string) error {
	object := d.Client.Bucket(d.BucketName).Object(d.fullKey(key))
	return object.Delete(context.TODO())
}
