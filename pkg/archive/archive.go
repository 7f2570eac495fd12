package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/histpath/histpath/pkg/analysis"
)

// Sentinel errors surfaced through ArchiveError.Err.
var (
	ErrBucketNotFound     = errors.New("bucket not found")
	ErrAccessDenied       = errors.New("access denied")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrThrottled          = errors.New("request throttled")
)

// ArchiveError wraps an upload failure with the operation and object key.
type ArchiveError struct {
	Op     string
	Bucket string
	Key    string
	Err    error
}

func (e *ArchiveError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("archive %s s3://%s/%s: %v", e.Op, e.Bucket, e.Key, e.Err)
	}
	return fmt.Sprintf("archive %s s3://%s: %v", e.Op, e.Bucket, e.Err)
}

func (e *ArchiveError) Unwrap() error { return e.Err }

// Uploader archives analysis artifacts to an S3 bucket.
type Uploader struct {
	client *s3.Client
	bucket string
	prefix string
}

// New creates an uploader with the given configuration.
//
// The AWS SDK v2 default credential chain is used unless explicit
// credentials are provided in the config.
func New(ctx context.Context, cfg Config) (*Uploader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &ArchiveError{Op: "New", Bucket: cfg.Bucket, Err: err}
	}

	s3Opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}
		},
	}

	// Custom endpoint for S3-compatible stores
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	return &Uploader{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// loadAWSConfig builds the AWS configuration with appropriate credentials.
func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error

	// Only apply explicit region if user set one in config.
	// Let SDK resolve from env/profile first.
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}

	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		staticCreds := credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"", // session token (empty for long-term credentials)
		)
		opts = append(opts, config.WithCredentialsProvider(staticCreds))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}

	awsCfg.Region = resolveRegion(cfg.Region, cfg.Endpoint, awsCfg.Region)

	return awsCfg, nil
}

// resolveRegion picks the effective region. Explicit config wins, then
// whatever the SDK resolved. AWS S3 itself falls back to us-east-1;
// custom endpoints get no default because most compatible stores ignore it.
func resolveRegion(configured, endpoint, resolved string) string {
	if configured != "" {
		return configured
	}
	if resolved != "" {
		return resolved
	}
	if endpoint == "" {
		return DefaultAWSRegion
	}
	return ""
}

// Keys returns the object keys an archived job occupies.
func (u *Uploader) Keys(analysisID string) (textKey, metaKey, visKey string) {
	base := path.Join(u.prefix, analysisID)
	return path.Join(base, "text.txt"),
		path.Join(base, "job.json"),
		path.Join(base, "visualization.png")
}

// ArchiveJob uploads the extracted text and job metadata for a completed
// analysis. It returns the keys written.
func (u *Uploader) ArchiveJob(ctx context.Context, job *analysis.Job) ([]string, error) {
	if job.AnalysisID == "" {
		return nil, &ArchiveError{Op: "ArchiveJob", Bucket: u.bucket, Err: errors.New("job has no analysis id")}
	}
	if job.Status != analysis.StatusCompleted {
		return nil, &ArchiveError{
			Op:     "ArchiveJob",
			Bucket: u.bucket,
			Err:    fmt.Errorf("job %s is %s, only completed jobs are archived", job.AnalysisID, job.Status),
		}
	}

	textKey, metaKey, _ := u.Keys(job.AnalysisID)

	if err := u.put(ctx, textKey, strings.NewReader(job.ExtractedText), int64(len(job.ExtractedText)), "text/plain; charset=utf-8"); err != nil {
		return nil, err
	}

	meta, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return nil, &ArchiveError{Op: "ArchiveJob", Bucket: u.bucket, Key: metaKey, Err: err}
	}
	if err := u.put(ctx, metaKey, bytes.NewReader(meta), int64(len(meta)), "application/json"); err != nil {
		return nil, err
	}

	return []string{textKey, metaKey}, nil
}

// ArchiveVisualization streams a visualization image alongside the job
// artifacts. The caller supplies the reader obtained from the service.
func (u *Uploader) ArchiveVisualization(ctx context.Context, analysisID string, body io.Reader, contentType string) (string, error) {
	_, _, visKey := u.Keys(analysisID)

	// PutObject needs a seekable body or a known length for signing, and
	// the service hands us a plain stream. Buffer it.
	data, err := io.ReadAll(body)
	if err != nil {
		return "", &ArchiveError{Op: "ArchiveVisualization", Bucket: u.bucket, Key: visKey, Err: err}
	}
	if contentType == "" {
		contentType = "image/png"
	}
	if err := u.put(ctx, visKey, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return "", err
	}
	return visKey, nil
}

func (u *Uploader) put(ctx context.Context, key string, body io.Reader, length int64, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: &length,
		ContentType:   aws.String(contentType),
	}

	if _, err := u.client.PutObject(ctx, input); err != nil {
		return u.wrapError("PutObject", key, err)
	}
	return nil
}

// wrapError converts S3 errors into ArchiveError with sentinel causes.
func (u *Uploader) wrapError(op, key string, err error) error {
	wrapped := &ArchiveError{Op: op, Bucket: u.bucket, Key: key, Err: err}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchBucket":
			wrapped.Err = ErrBucketNotFound
		case "AccessDenied", "Forbidden":
			wrapped.Err = ErrAccessDenied
		case "InvalidAccessKeyId", "SignatureDoesNotMatch":
			wrapped.Err = ErrInvalidCredentials
		case "SlowDown", "Throttling", "RequestLimitExceeded":
			wrapped.Err = ErrThrottled
		}
	}
	return wrapped
}
