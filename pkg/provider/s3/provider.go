package s3

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/3leaps/gotuner/pkg/provider"
)

// Provider reads dataset objects from one S3 (or S3-compatible) bucket.
type Provider struct {
	client  *s3.Client
	bucket  string
	maxKeys int
}

var _ provider.Store = (*Provider)(nil)

// New validates cfg and builds an S3 client for cfg.Bucket.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &provider.ProviderError{Op: "New", Provider: provider.ProviderS3, Bucket: cfg.Bucket, Err: err}
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &Provider{
		client:  client,
		bucket:  cfg.Bucket,
		maxKeys: clampMaxKeys(cfg.MaxKeys, DefaultMaxKeys),
	}, nil
}

func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	awsCfg.Region = resolveRegion(cfg.Region, cfg.Endpoint, awsCfg.Region)
	return awsCfg, nil
}

// List returns one page of objects under opts.Prefix.
func (p *Provider) List(ctx context.Context, opts provider.ListOptions) (*provider.ListResult, error) {
	input := &s3.ListObjectsV2Input{
		Bucket:  aws.String(p.bucket),
		MaxKeys: aws.Int32(int32(clampMaxKeys(opts.MaxKeys, p.maxKeys))),
	}
	if opts.Prefix != "" {
		input.Prefix = aws.String(opts.Prefix)
	}
	if opts.ContinuationToken != "" {
		input.ContinuationToken = aws.String(opts.ContinuationToken)
	}

	out, err := p.client.ListObjectsV2(ctx, input)
	if err != nil {
		return nil, p.wrapError("List", opts.Prefix, err)
	}

	res := &provider.ListResult{
		Objects:           make([]provider.ObjectSummary, 0, len(out.Contents)),
		IsTruncated:       aws.ToBool(out.IsTruncated),
		ContinuationToken: aws.ToString(out.NextContinuationToken),
	}
	for _, obj := range out.Contents {
		res.Objects = append(res.Objects, provider.ObjectSummary{
			Key:          aws.ToString(obj.Key),
			Size:         aws.ToInt64(obj.Size),
			ETag:         cleanETag(aws.ToString(obj.ETag)),
			LastModified: aws.ToTime(obj.LastModified),
		})
	}
	return res, nil
}

// Head returns metadata for key.
func (p *Provider) Head(ctx context.Context, key string) (*provider.ObjectMeta, error) {
	out, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, p.wrapError("Head", key, err)
	}
	return &provider.ObjectMeta{
		ObjectSummary: provider.ObjectSummary{
			Key:          key,
			Size:         aws.ToInt64(out.ContentLength),
			ETag:         cleanETag(aws.ToString(out.ETag)),
			LastModified: aws.ToTime(out.LastModified),
		},
		ContentType: aws.ToString(out.ContentType),
		Metadata:    out.Metadata,
	}, nil
}

// GetObject streams one object body. The caller closes it.
func (p *Provider) GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, 0, p.wrapError("GetObject", key, err)
	}
	return out.Body, aws.ToInt64(out.ContentLength), nil
}

func (p *Provider) Close() error { return nil }

// errorClasses maps S3 error codes, and the HTTP status seen in transport
// error text, to provider sentinels. Order matters for message matching.
var errorClasses = []struct {
	sentinel error
	codes    []string
	status   string
}{
	{provider.ErrNotFound, []string{"NoSuchKey", "NotFound"}, "StatusCode: 404"},
	{provider.ErrBucketNotFound, []string{"NoSuchBucket"}, ""},
	{provider.ErrAccessDenied, []string{"AccessDenied", "Forbidden"}, "StatusCode: 403"},
	{provider.ErrInvalidCredentials, []string{"InvalidAccessKeyId", "SignatureDoesNotMatch"}, ""},
	{provider.ErrThrottled, []string{"SlowDown", "Throttling", "RequestLimitExceeded"}, "StatusCode: 429"},
	{provider.ErrProviderUnavailable, []string{"ServiceUnavailable", "InternalError"}, "StatusCode: 503"},
}

// wrapError attaches op context and, when the cause is recognised, swaps it
// for the matching provider sentinel so callers can use errors.Is.
func (p *Provider) wrapError(op, key string, err error) error {
	wrapped := &provider.ProviderError{
		Op:       op,
		Provider: provider.ProviderS3,
		Bucket:   p.bucket,
		Key:      key,
		Err:      err,
	}
	if sentinel := classify(err); sentinel != nil {
		wrapped.Err = sentinel
	}
	return wrapped
}

func classify(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		for _, c := range errorClasses {
			for _, want := range c.codes {
				if code == want {
					return c.sentinel
				}
			}
		}
		return nil
	}

	msg := err.Error()
	for _, c := range errorClasses {
		if c.status != "" && strings.Contains(msg, c.status) {
			return c.sentinel
		}
		for _, want := range c.codes {
			if strings.Contains(msg, want) {
				return c.sentinel
			}
		}
	}
	return nil
}

// cleanETag strips the quotes S3 puts around ETags.
func cleanETag(etag string) string {
	return strings.Trim(etag, "\"")
}

// clampMaxKeys falls back to def for non-positive values and caps at
// MaxAllowedKeys.
func clampMaxKeys(requested, def int) int {
	if requested <= 0 {
		requested = def
	}
	return min(requested, MaxAllowedKeys)
}

// resolveRegion returns the SDK-resolved region, or us-east-1 for AWS proper.
// S3-compatible endpoints get no default.
func resolveRegion(cfgRegion, endpoint, sdkRegion string) string {
	switch {
	case sdkRegion != "":
		return sdkRegion
	case cfgRegion != "":
		return cfgRegion
	case endpoint == "":
		return DefaultAWSRegion
	default:
		return ""
	}
}
