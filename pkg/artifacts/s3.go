package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"

	"github.com/aws-solutions/distributed-load-testing-on-aws-sub001/pkg/config"
)

// Compile-time interface check.
var _ Reader = (*S3Reader)(nil)

// S3Reader reads artifacts from S3-compatible storage. Keys are resolved
// below the configured prefix.
type S3Reader struct {
	log    logrus.FieldLogger
	cfg    *config.S3Config
	client *s3.Client
}

// NewS3Reader creates a new S3Reader from the given configuration.
func NewS3Reader(log logrus.FieldLogger, cfg *config.S3Config) *S3Reader {
	return &S3Reader{
		log:    log.WithField("component", "s3-artifacts"),
		cfg:    cfg,
		client: newS3Client(cfg),
	}
}

func newS3Client(cfg *config.S3Config) *s3.Client {
	opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			} else {
				o.Region = "us-east-1"
			}

			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
			}

			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}

			if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}
		},
	}

	return s3.New(s3.Options{}, opts...)
}

func (r *S3Reader) objectKey(key string) string {
	prefix := strings.Trim(r.cfg.Prefix, "/")
	if prefix == "" {
		return strings.TrimPrefix(key, "/")
	}

	return prefix + "/" + strings.TrimPrefix(key, "/")
}

// Get returns the contents of key.
func (r *S3Reader) Get(ctx context.Context, key string) ([]byte, error) {
	objectKey := r.objectKey(key)

	out, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.cfg.Bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("getting object %q: %w", objectKey, err)
	}

	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading object %q: %w", objectKey, err)
	}

	r.log.WithFields(logrus.Fields{
		"key":  objectKey,
		"size": len(data),
	}).Debug("Fetched artifact")

	return data, nil
}

// List returns every key below prefix, relative to the configured prefix.
func (r *S3Reader) List(ctx context.Context, prefix string) ([]string, error) {
	root := r.objectKey("")
	full := r.objectKey(prefix)

	var keys []string

	paginator := s3.NewListObjectsV2Paginator(r.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(r.cfg.Bucket),
		Prefix: aws.String(full),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing objects under %q: %w", full, err)
		}

		for _, obj := range page.Contents {
			if obj.Key == nil || strings.HasSuffix(*obj.Key, "/") {
				continue
			}

			keys = append(keys, strings.TrimPrefix(*obj.Key, root))
		}
	}

	sort.Strings(keys)

	return keys, nil
}

// isS3NotFound returns true if the error indicates the object does not exist.
func isS3NotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}

	var nf *s3types.NotFound
	if errors.As(err, &nf) {
		return true
	}

	// Some S3-compatible implementations return a generic error with
	// "NoSuchKey" in the message rather than the typed error.
	return strings.Contains(err.Error(), "NoSuchKey")
}
