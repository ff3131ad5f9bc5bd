package cdnupload

import (
	"context"
	"fmt"
	"mime"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

func init() {
	RegisterDestination("s3", func(u *url.URL) (Destination, error) {
		return NewS3Destination(u)
	})
}

// S3Destination stores keys as objects in an S3 bucket, optionally under a
// key prefix.
type S3Destination struct {
	Client     *s3.Client
	BucketName string
	KeyPrefix  string
}

// NewS3Destination builds an S3Destination from an s3://bucket/prefix URL
// using the default AWS credential chain.
func NewS3Destination(u *url.URL) (*S3Destination, error) {
	if u.Scheme != "s3" {
		return nil, fmt.Errorf("s3 destination URL must start with s3://, got %q", u.String())
	}
	if u.Host == "" {
		return nil, fmt.Errorf("s3 destination URL must include a bucket name")
	}
	cfg, err := awsconfig.LoadDefaultConfig(context.TODO())
	if err != nil {
		return nil, fmt.Errorf("error creating s3 client: %w", err)
	}
	return &S3Destination{
		Client:     s3.NewFromConfig(cfg),
		BucketName: u.Host,
		KeyPrefix:  strings.Trim(u.Path, "/"),
	}, nil
}

func (d *S3Destination) String() string {
	return "s3://" + d.BucketName + "/" + d.KeyPrefix
}

func (d *S3Destination) fullKey(key string) string {
	if d.KeyPrefix == "" {
		return key
	}
	return d.KeyPrefix + "/" + key
}

func (d *S3Destination) Keys() ([]string, error) {
	keys := make([]string, 0)
	listParams := &s3.ListObjectsV2Input{
		Bucket: aws.String(d.BucketName),
	}
	if d.KeyPrefix != "" {
		listParams.Prefix = aws.String(d.KeyPrefix + "/")
	}
	paginator := s3.NewListObjectsV2Paginator(d.Client, listParams, func(o *s3.ListObjectsV2PaginatorOptions) {})
	for paginator.HasMorePages() {
		currentPage, pageErr := paginator.NextPage(context.TODO())
		if pageErr != nil {
			return nil, pageErr
		}
		for _, object := range currentPage.Contents {
			key := *object.Key
			if d.KeyPrefix != "" {
				key = strings.TrimPrefix(strings.TrimPrefix(key, d.KeyPrefix), "/")
			}
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (d *S3Destination) Upload(key string, source Source, relPath string) error {
	src, err := source.Open(relPath)
	if err != nil {
		return err
	}
	defer src.Close()

	putReq := &s3.PutObjectInput{
		Bucket: aws.String(d.BucketName),
		Key:    aws.String(d.fullKey(key)),
		Body:   src,
	}
	if contentType := mime.TypeByExtension(path.Ext(relPath)); contentType != "" {
		putReq.ContentType = aws.String(contentType)
	}
	uploader := manager.NewUploader(d.Client)
	_, putErr := uploader.Upload(context.TODO(), putReq)
	return putErr
}

func (d *S3Destination) Delete(key string) error {
	delReq := &s3.DeleteObjectInput{
		Bucket: aws.String(d.BucketName),
		Key:    aws.String(d.fullKey(key)),
	}
	_, delErr := d.Client.DeleteObject(context.TODO(), delReq)
	return delErr
}
