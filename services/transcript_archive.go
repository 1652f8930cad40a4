package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/kendall-kelly/support-relay-api/config"
	"github.com/kendall-kelly/support-relay-api/models"
)

// TranscriptArchive stores the transcript of a closed thread.
type TranscriptArchive interface {
	Archive(ctx context.Context, thread *models.Thread) (string, error)
	TranscriptURL(ctx context.Context, thread *models.Thread) (string, error)
}

// Transcript is the archived document.
type Transcript struct {
	ThreadID        string           `json:"threadId"`
	UserID          string           `json:"userId"`
	AssignedAdminID *string          `json:"assignedAdminId,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	ClosedAt        *time.Time       `json:"closedAt,omitempty"`
	Messages        []models.Message `json:"messages"`
	ArchivedAt      time.Time        `json:"archivedAt"`
}

// s3API is the slice of the S3 client the archive uses.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type s3Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*PresignedRequest, error)
}

// PresignedRequest is the part of a presigned request callers need.
type PresignedRequest struct {
	URL string
}

type presignClient struct {
	client *s3.PresignClient
}

func (p presignClient) PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*PresignedRequest, error) {
	req, err := p.client.PresignGetObject(ctx, params, optFns...)
	if err != nil {
		return nil, err
	}
	return &PresignedRequest{URL: req.URL}, nil
}

// S3TranscriptArchive writes transcripts as JSON objects under
// {prefix}/{userId}/{threadId}.json.
type S3TranscriptArchive struct {
	client    s3API
	presigner s3Presigner
	bucket    string
	prefix    string
	now       func() time.Time
}

// NewS3TranscriptArchive builds an archive from the AWS settings in cfg.
// Static credentials are used when set, otherwise the default AWS chain.
func NewS3TranscriptArchive(ctx context.Context, cfg *config.Config) (*S3TranscriptArchive, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.AWSRegion),
	}
	if cfg.AWSAccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AWSAccessKeyID,
			cfg.AWSSecretAccessKey,
			"",
		)))
	}

	awsConfig, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig)
	return newS3TranscriptArchive(client, presignClient{client: s3.NewPresignClient(client)}, cfg.TranscriptBucket, cfg.TranscriptPrefix), nil
}

func newS3TranscriptArchive(client s3API, presigner s3Presigner, bucket, prefix string) *S3TranscriptArchive {
	return &S3TranscriptArchive{
		client:    client,
		presigner: presigner,
		bucket:    bucket,
		prefix:    prefix,
		now:       time.Now,
	}
}

// TranscriptKey is the object key for a thread's transcript.
func TranscriptKey(prefix string, thread *models.Thread) string {
	if prefix == "" {
		return fmt.Sprintf("%s/%s.json", thread.UserID, thread.ID)
	}
	return fmt.Sprintf("%s/%s/%s.json", prefix, thread.UserID, thread.ID)
}

// Archive uploads the transcript and returns its key. Re-archiving a thread
// overwrites the previous object.
func (a *S3TranscriptArchive) Archive(ctx context.Context, thread *models.Thread) (string, error) {
	body, err := json.Marshal(Transcript{
		ThreadID:        thread.ID,
		UserID:          thread.UserID,
		AssignedAdminID: thread.AssignedAdminID,
		CreatedAt:       thread.CreatedAt,
		ClosedAt:        thread.ClosedAt,
		Messages:        thread.Messages,
		ArchivedAt:      a.now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode transcript: %w", err)
	}

	key := TranscriptKey(a.prefix, thread)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload transcript to S3: %w", err)
	}

	return key, nil
}

// TranscriptURL returns a presigned download URL valid for one hour.
func (a *S3TranscriptArchive) TranscriptURL(ctx context.Context, thread *models.Thread) (string, error) {
	req, err := a.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(TranscriptKey(a.prefix, thread)),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = time.Hour
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}
	return req.URL, nil
}

// ErrArchiveDisabled is returned by NoopTranscriptArchive.TranscriptURL.
var ErrArchiveDisabled = errors.New("transcript archive is not configured")

// NoopTranscriptArchive is used when no bucket is configured.
type NoopTranscriptArchive struct{}

func (NoopTranscriptArchive) Archive(ctx context.Context, thread *models.Thread) (string, error) {
	return "", nil
}

func (NoopTranscriptArchive) TranscriptURL(ctx context.Context, thread *models.Thread) (string, error) {
	return "", ErrArchiveDisabled
}
