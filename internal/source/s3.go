package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/emergent-company/emergent.strategy-sub008/internal/util"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// NewS3Client builds an S3 client from the AWS_* environment, path-style
// for MinIO compatibility.
func NewS3Client(ctx context.Context) *s3.Client {
	region := util.GetEnv("AWS_REGION")
	endpoint := util.GetEnv("AWS_ENDPOINT")
	accessKey := util.GetEnv("AWS_ACCESS_KEY")
	secretKey := util.GetEnv("AWS_SECRET_KEY")

	cfg, err := config.LoadDefaultConfig(
		ctx,
		config.WithRegion(region),
		config.WithBaseEndpoint(endpoint),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKey,
			secretKey,
			"",
		)),
	)
	if err != nil {
		return nil
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})
}

// S3Source loads preprocessed document text from S3. Documents live under
// <project_id>/<document_id>.txt; binary parsing happens upstream, this
// layer only reads the text artifact.
type S3Source struct {
	client *s3.Client
	bucket string
}

type NewS3SourceParams struct {
	Client *s3.Client
	Bucket string
}

func NewS3Source(params NewS3SourceParams) *S3Source {
	bucket := params.Bucket
	if bucket == "" {
		bucket = util.GetEnvString("AWS_BUCKET", "extraction")
	}
	return &S3Source{client: params.Client, bucket: bucket}
}

func (s *S3Source) LoadText(ctx context.Context, projectID, documentID string) (string, error) {
	key := fmt.Sprintf("%s/%s.txt", projectID, documentID)

	// Transient S3 failures get a few tries; a missing key fails fast.
	return util.RetryWithContext(ctx, 3, func(ctx context.Context) (string, error) {
		result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			var noKey *types.NoSuchKey
			if errors.As(err, &noKey) {
				return "", fmt.Errorf("%w: %s", ErrDocumentNotFound, key)
			}
			return "", fmt.Errorf("get document %s from S3: %w", key, err)
		}
		defer result.Body.Close()

		buf := new(bytes.Buffer)
		if _, err := io.Copy(buf, result.Body); err != nil {
			return "", fmt.Errorf("read document %s: %w", key, err)
		}

		return buf.String(), nil
	}, ErrDocumentNotFound)
}
