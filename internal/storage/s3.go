// Package storage archives alignment results as JSON objects in S3.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/OFFIS-RIT/align/backend/internal/util"
	"github.com/OFFIS-RIT/align/backend/pkg/logger"
	"github.com/OFFIS-RIT/align/backend/pkg/pipeline"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const archivePrefix = "alignments"

// NewS3Client builds a path-style client from the AWS_* environment.
func NewS3Client(ctx context.Context) (*s3.Client, error) {
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
		return nil, fmt.Errorf("failed to load s3 config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})
	return client, nil
}

type objectClient interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Archive is a result sink that writes the whole result of a run as one
// JSON object.
type Archive struct {
	client objectClient
	bucket string
}

// NewArchive returns an archive writing into bucket.
func NewArchive(client objectClient, bucket string) *Archive {
	return &Archive{client: client, bucket: bucket}
}

// ResultKey is the object key of the archived result of runID.
func ResultKey(runID string) string {
	return path.Join(archivePrefix, runID, "result.json")
}

// SaveResult implements store.ResultSink.
func (a *Archive) SaveResult(ctx context.Context, res *pipeline.Result) error {
	if res == nil {
		return nil
	}
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	key := ResultKey(res.RunID)
	if err := a.PutObject(ctx, key, "application/json", bytes.NewReader(data)); err != nil {
		return err
	}
	logger.Debug("[Storage] Archived result", "run_id", res.RunID, "key", key, "bytes", len(data))
	return nil
}

// LoadResult reads the archived result of runID.
func (a *Archive) LoadResult(ctx context.Context, runID string) (*pipeline.Result, error) {
	data, err := a.GetFile(ctx, ResultKey(runID))
	if err != nil {
		return nil, err
	}
	var res pipeline.Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("failed to unmarshal archived result: %w", err)
	}
	return &res, nil
}

// PutObject uploads body under key.
func (a *Archive) PutObject(ctx context.Context, key, contentType string, body io.Reader) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s to S3: %w", key, err)
	}
	return nil
}

// GetFile downloads the object stored under key.
func (a *Archive) GetFile(ctx context.Context, key string) ([]byte, error) {
	result, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get %s from S3: %w", key, err)
	}
	defer result.Body.Close()

	buf := new(bytes.Buffer)
	if _, err := io.Copy(buf, result.Body); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return buf.Bytes(), nil
}

// GenerateDownloadLink presigns a GET for key against AWS_PUBLIC_ENDPOINT.
func GenerateDownloadLink(ctx context.Context, baseClient *s3.Client, bucket, key string) (string, error) {
	publicEndpoint := util.GetEnv("AWS_PUBLIC_ENDPOINT")

	publicURL, err := url.Parse(publicEndpoint)
	if err != nil || publicURL.Scheme == "" || publicURL.Host == "" {
		return "", fmt.Errorf("invalid AWS_PUBLIC_ENDPOINT: %s", publicEndpoint)
	}
	prefix := strings.TrimSuffix(publicURL.Path, "/")
	publicBaseEndpoint := fmt.Sprintf("%s://%s", publicURL.Scheme, publicURL.Host)

	// the signature must match the Host header the client will send
	presignClient := s3.NewFromConfig(
		aws.Config{
			Region:      baseClient.Options().Region,
			Credentials: baseClient.Options().Credentials,
			HTTPClient:  baseClient.Options().HTTPClient,
		},
		func(o *s3.Options) {
			o.BaseEndpoint = aws.String(publicBaseEndpoint)
			o.UsePathStyle = true
		},
	)

	out, err := s3.NewPresignClient(presignClient).PresignGetObject(
		ctx,
		&s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		},
		s3.WithPresignExpires(15*time.Minute),
	)
	if err != nil {
		return "", fmt.Errorf("failed to generate download link: %w", err)
	}

	return withPathPrefix(out.URL, prefix)
}

func withPathPrefix(rawURL, prefix string) (string, error) {
	if prefix == "" {
		return rawURL, nil
	}
	signedURL, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse presigned url: %w", err)
	}
	signedURL.Path = prefix + signedURL.Path
	return signedURL.String(), nil
}
