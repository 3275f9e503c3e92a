// Package media provides S3-compatible storage for item images.
// Owners upload images directly to the bucket through presigned URLs
// so image bytes never stream through the service.
package media

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/oklog/ulid/v2"
)

// UploadTTL is how long a presigned upload URL stays valid.
const UploadTTL = 15 * time.Minute

// ImageStore wraps an S3 client for item image operations.
type ImageStore struct {
	client *s3.Client
	bucket string
}

// NewImageStore creates an image store against an S3 or S3-compatible
// endpoint such as MinIO.
func NewImageStore(endpoint, region, bucket, accessKey, secretKey string) (*ImageStore, error) {
	cfg, err := config.LoadDefaultConfig(context.TODO(),
		config.WithRegion(region),
		config.WithBaseEndpoint(endpoint),
		config.WithCredentialsProvider(aws.CredentialsProviderFunc(
			func(ctx context.Context) (aws.Credentials, error) {
				return aws.Credentials{
					AccessKeyID:     accessKey,
					SecretAccessKey: secretKey,
				}, nil
			})),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Path-style addressing is required for MinIO
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	return &ImageStore{
		client: client,
		bucket: bucket,
	}, nil
}

// PresignItemUpload generates a presigned PUT URL for an item image.
// The object key is unique per call so re-uploads never clobber an
// image a snapshot may still reference.
func (s *ImageStore) PresignItemUpload(ctx context.Context, itemID, contentType string) (url, key string, expiresAt time.Time, err error) {
	key = fmt.Sprintf("items/%s/%s", itemID, ulid.Make().String())

	presignClient := s3.NewPresignClient(s.client)
	presigned, err := presignClient.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = UploadTTL
	})
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("failed to generate presigned URL: %w", err)
	}

	return presigned.URL, key, time.Now().Add(UploadTTL), nil
}

// ObjectExists reports whether an uploaded image is present in the
// bucket, along with its size.
func (s *ImageStore) ObjectExists(ctx context.Context, key string) (bool, int64, error) {
	result, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return false, 0, fmt.Errorf("failed to get object metadata: %w", err)
	}
	return true, aws.ToInt64(result.ContentLength), nil
}
