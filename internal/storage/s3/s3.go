// Package s3 implements the AWS S3-compatible storage backend. It supports AWS
// S3 and S3-compatible services via a configurable endpoint. Multiple
// authentication methods are supported: the default AWS credential chain
// (recommended for EC2/EKS with IAM roles), static key/secret, OIDC web
// identity, and AssumeRole for cross-account access.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"

	appconfig "github.com/content-service/content-service/internal/config"
	"github.com/content-service/content-service/internal/storage"
	"github.com/content-service/content-service/pkg/checksum"
)

// MaxPresignExpiry is the longest expiry S3 signature v4 allows
const MaxPresignExpiry = 7 * 24 * time.Hour

// S3Storage implements storage.Service for S3-compatible storage
type S3Storage struct {
	client          *s3.Client
	presignClient   *s3.PresignClient
	bucket          string
	thumbnailBucket string
	region          string
	endpoint        string
	pipeline        *storage.Pipeline
}

// New creates a new S3-compatible storage backend
// Supports AWS S3, MinIO, DigitalOcean Spaces, and other S3-compatible services
//
// Authentication methods:
//   - "default" or empty: Uses AWS default credential chain (env vars, shared config, IAM role, IMDS)
//   - "static": Uses explicit access key and secret key
//   - "oidc": Uses Web Identity/OIDC token (for EKS, GitHub Actions, etc.)
//   - "assume_role": Assumes an IAM role (optionally with external ID for cross-account)
func New(cfg *appconfig.S3StorageConfig, pc storage.PipelineConfig) (*S3Storage, error) {
	if cfg.Bucket == "" {
		return nil, configError("s3 bucket name is required", nil)
	}
	if cfg.Region == "" {
		return nil, configError("s3 region is required", nil)
	}

	// Build AWS config options
	var opts []func(*config.LoadOptions) error

	// Set region
	opts = append(opts, config.WithRegion(cfg.Region))

	// Determine authentication method
	authMethod := cfg.AuthMethod
	if authMethod == "" {
		// Backwards compatibility: if access keys are provided, use static auth
		if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
			authMethod = "static"
		} else {
			authMethod = "default"
		}
	}

	switch authMethod {
	case "static":
		// Use explicit static credentials
		if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
			return nil, configError("access_key_id and secret_access_key are required for static auth", nil)
		}
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))

	case "oidc":
		// Web Identity/OIDC authentication will be configured after loading base config
		// Requires role_arn and either web_identity_token_file or environment variables

	case "assume_role":
		// AssumeRole authentication will be configured after loading base config
		// Requires role_arn

	case "default":
		// Use AWS default credential chain - no additional configuration needed
		// This automatically supports:
		// - Environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY, AWS_SESSION_TOKEN)
		// - Shared credentials file (~/.aws/credentials)
		// - Shared config file (~/.aws/config)
		// - IAM role for Amazon EC2/ECS/Lambda
		// - Web Identity Token credentials (EKS pod identity)

	default:
		return nil, configError(fmt.Sprintf("unsupported auth_method: %s (must be 'default', 'static', 'oidc', or 'assume_role')", authMethod), nil)
	}

	// Load base AWS configuration
	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, configError("failed to load AWS config", err)
	}

	// Configure OIDC or AssumeRole credentials (requires base config first)
	switch authMethod {
	case "oidc":
		if cfg.RoleARN == "" {
			return nil, configError("role_arn is required for OIDC auth", nil)
		}

		// Create STS client for assuming role
		stsClient := sts.NewFromConfig(awsCfg)

		// Configure Web Identity credentials
		var webIdentityOpts []func(*stscreds.WebIdentityRoleOptions)

		if cfg.RoleSessionName != "" {
			webIdentityOpts = append(webIdentityOpts, func(o *stscreds.WebIdentityRoleOptions) {
				o.RoleSessionName = cfg.RoleSessionName
			})
		}

		// Create Web Identity provider
		// If WebIdentityTokenFile is not set, it will use AWS_WEB_IDENTITY_TOKEN_FILE env var
		tokenFile := cfg.WebIdentityTokenFile
		if tokenFile == "" {
			// The SDK will look for AWS_WEB_IDENTITY_TOKEN_FILE automatically
			// but we need to provide a token retriever
			return nil, configError("web_identity_token_file is required for OIDC auth (or set AWS_WEB_IDENTITY_TOKEN_FILE)", nil)
		}

		provider := stscreds.NewWebIdentityRoleProvider(
			stsClient,
			cfg.RoleARN,
			stscreds.IdentityTokenFile(tokenFile),
			webIdentityOpts...,
		)

		awsCfg.Credentials = aws.NewCredentialsCache(provider)

	case "assume_role":
		if cfg.RoleARN == "" {
			return nil, configError("role_arn is required for assume_role auth", nil)
		}

		// Create STS client for assuming role
		stsClient := sts.NewFromConfig(awsCfg)

		// Configure AssumeRole options
		var assumeRoleOpts []func(*stscreds.AssumeRoleOptions)

		if cfg.RoleSessionName != "" {
			assumeRoleOpts = append(assumeRoleOpts, func(o *stscreds.AssumeRoleOptions) {
				o.RoleSessionName = cfg.RoleSessionName
			})
		}

		if cfg.ExternalID != "" {
			assumeRoleOpts = append(assumeRoleOpts, func(o *stscreds.AssumeRoleOptions) {
				o.ExternalID = aws.String(cfg.ExternalID)
			})
		}

		// Create AssumeRole provider
		provider := stscreds.NewAssumeRoleProvider(stsClient, cfg.RoleARN, assumeRoleOpts...)
		awsCfg.Credentials = aws.NewCredentialsCache(provider)
	}

	// Build S3 client options
	var s3Opts []func(*s3.Options)

	// Set custom endpoint for S3-compatible services (MinIO, DigitalOcean Spaces, etc.)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			// For S3-compatible services, use path-style addressing
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)

	s := &S3Storage{
		client:          client,
		presignClient:   s3.NewPresignClient(client),
		bucket:          cfg.Bucket,
		thumbnailBucket: cfg.ThumbnailBucket,
		region:          cfg.Region,
		endpoint:        cfg.Endpoint,
	}
	pc.Provider = storage.ProviderS3
	s.pipeline = storage.NewPipeline(pc, s)
	return s, nil
}

// Provider returns storage.ProviderS3
func (s *S3Storage) Provider() storage.Provider { return storage.ProviderS3 }

func (s *S3Storage) bucketFor(key string) string {
	if s.thumbnailBucket != "" && storage.IsThumbnailPath(key) {
		return s.thumbnailBucket
	}
	return s.bucket
}

// PutObject stores data with its content type and user metadata
func (s *S3Storage) PutObject(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucketFor(key)),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
		Metadata:      metadata,
	})
	if err != nil {
		return classify(err, storage.CategoryUpload, "put", key)
	}
	return nil
}

// UploadFile stores file under a freshly minted key
func (s *S3Storage) UploadFile(ctx context.Context, file storage.File, opts storage.UploadOptions) (*storage.FileResult, error) {
	return s.pipeline.Upload(ctx, file, opts)
}

// UploadBuffer writes data under key
func (s *S3Storage) UploadBuffer(ctx context.Context, data []byte, key string, metadata map[string]string) (*storage.BufferResult, error) {
	return s.pipeline.UploadBuffer(ctx, data, key, metadata)
}

// CreateThumbnail derives a thumbnail for an existing object
func (s *S3Storage) CreateThumbnail(ctx context.Context, key string, opts storage.ThumbnailOptions) (*storage.FileResult, error) {
	return s.pipeline.CreateThumbnail(ctx, s, key, opts)
}

// DownloadFile retrieves a file from S3
func (s *S3Storage) DownloadFile(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := storage.ValidateKey(key); err != nil {
		return nil, err
	}
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketFor(key)),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classify(err, storage.CategoryDownload, "download", key)
	}
	return result.Body, nil
}

// DeleteFile removes a file from S3. Deleting an absent key succeeds.
func (s *S3Storage) DeleteFile(ctx context.Context, key string) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucketFor(key)),
		Key:    aws.String(key),
	})
	if err != nil {
		err = classify(err, storage.CategoryDelete, "delete", key)
		if storage.IsNotFound(err) {
			return nil
		}
		return err
	}
	return nil
}

// FileExists checks if a file exists at the specified key
func (s *S3Storage) FileExists(ctx context.Context, key string) (bool, error) {
	if err := storage.ValidateKey(key); err != nil {
		return false, err
	}
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucketFor(key)),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	err = classify(err, storage.CategoryConnection, "exists", key)
	if storage.IsNotFound(err) {
		return false, nil
	}
	return false, err
}

// GetFileInfo retrieves file metadata without downloading the file
func (s *S3Storage) GetFileInfo(ctx context.Context, key string) (*storage.FileInfo, error) {
	if err := storage.ValidateKey(key); err != nil {
		return nil, err
	}
	result, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucketFor(key)),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classify(err, storage.CategoryDownload, "stat", key)
	}

	tags := storage.DecodeTags(result.Metadata)
	info := &storage.FileInfo{
		FileKey:  key,
		MimeType: aws.ToString(result.ContentType),
		ETag:     strings.Trim(aws.ToString(result.ETag), `"`),
		Checksum: tags[checksum.MetadataKey],
		Tags:     tags,
	}
	if result.ContentLength != nil {
		info.Size = *result.ContentLength
	}
	if result.LastModified != nil {
		info.LastModified = *result.LastModified
	}
	return info, nil
}

// GenerateTemporaryURL returns a presigned GET URL after confirming key exists
func (s *S3Storage) GenerateTemporaryURL(ctx context.Context, key string, expiresIn time.Duration) (string, error) {
	if err := storage.ValidateKey(key); err != nil {
		return "", err
	}
	if expiresIn < time.Second || expiresIn > MaxPresignExpiry {
		return "", storage.NewError(storage.CategorySigning, "sign", storage.ProviderS3, key,
			fmt.Sprintf("expiry %s must be between 1s and %s", expiresIn, MaxPresignExpiry), nil)
	}
	request, err := s.presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketFor(key)),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = expiresIn
	})
	if err != nil {
		return "", classify(err, storage.CategorySigning, "sign", key)
	}
	return request.URL, nil
}

// ListObjects pages through the primary bucket with ListObjectsV2
func (s *S3Storage) ListObjects(ctx context.Context, opts storage.ListOptions) *storage.ObjectIterator {
	size := opts.EffectivePageSize()
	return storage.NewObjectIterator(ctx, func(ctx context.Context, cursor string) ([]storage.ObjectInfo, string, error) {
		input := &s3.ListObjectsV2Input{
			Bucket:  aws.String(s.bucket),
			Prefix:  aws.String(opts.Prefix),
			MaxKeys: aws.Int32(int32(size)),
		}
		if !opts.Recursive {
			input.Delimiter = aws.String("/")
		}
		if cursor != "" {
			input.ContinuationToken = aws.String(cursor)
		}
		result, err := s.client.ListObjectsV2(ctx, input)
		if err != nil {
			return nil, "", classify(err, storage.CategoryBucket, "list", opts.Prefix)
		}

		page := make([]storage.ObjectInfo, 0, len(result.Contents))
		for _, obj := range result.Contents {
			o := storage.ObjectInfo{
				Name: aws.ToString(obj.Key),
				ETag: strings.Trim(aws.ToString(obj.ETag), `"`),
			}
			if obj.Size != nil {
				o.Size = *obj.Size
			}
			if obj.LastModified != nil {
				o.LastModified = *obj.LastModified
			}
			page = append(page, o)
		}
		next := ""
		if aws.ToBool(result.IsTruncated) {
			next = aws.ToString(result.NextContinuationToken)
		}
		return page, next, nil
	})
}

// EnsureBucket creates the primary and thumbnail buckets if they don't exist
func (s *S3Storage) EnsureBucket(ctx context.Context) error {
	buckets := []string{s.bucket}
	if s.thumbnailBucket != "" && s.thumbnailBucket != s.bucket {
		buckets = append(buckets, s.thumbnailBucket)
	}
	for _, b := range buckets {
		_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b)})
		if err == nil {
			continue
		}
		// HEAD has no body, so a missing bucket surfaces as a bare 404
		if cerr := classify(err, storage.CategoryUnknown, "ensure_bucket", b); !storage.IsNotFound(cerr) && !errors.Is(cerr, storage.ErrBucket) {
			return cerr
		}

		input := &s3.CreateBucketInput{Bucket: aws.String(b)}
		// us-east-1 rejects an explicit location constraint
		if s.region != "" && s.region != "us-east-1" {
			input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
				LocationConstraint: types.BucketLocationConstraint(s.region),
			}
		}
		if _, err := s.client.CreateBucket(ctx, input); err != nil {
			return classify(err, storage.CategoryBucket, "ensure_bucket", b)
		}
	}
	return nil
}

// classify maps an AWS SDK error onto the storage taxonomy
func classify(err error, fallback storage.Category, op, key string) error {
	if err == nil {
		return nil
	}
	cat := fallback
	msg := op + " failed"

	var (
		noSuchKey    *types.NoSuchKey
		notFound     *types.NotFound
		noSuchBucket *types.NoSuchBucket
		apiErr       smithy.APIError
		status       interface{ HTTPStatusCode() int }
	)
	code := ""
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
		if m := apiErr.ErrorMessage(); m != "" {
			msg = m
		}
	}
	httpStatus := 0
	if errors.As(err, &status) {
		httpStatus = status.HTTPStatusCode()
	}

	switch {
	case errors.As(err, &noSuchKey), errors.As(err, &notFound), code == "NoSuchKey", code == "NotFound":
		cat = storage.CategoryFileNotFound
	case errors.As(err, &noSuchBucket), code == "NoSuchBucket":
		cat = storage.CategoryBucket
	case code == "AccessDenied", code == "InvalidAccessKeyId", code == "SignatureDoesNotMatch",
		code == "Forbidden", httpStatus == http.StatusForbidden:
		cat = storage.CategoryPermission
	case httpStatus == http.StatusNotFound:
		cat = storage.CategoryFileNotFound
	case httpStatus >= http.StatusInternalServerError, storage.IsTransport(err):
		cat = storage.CategoryConnection
	}
	return storage.NewError(cat, op, storage.ProviderS3, key, msg, err)
}

func configError(msg string, cause error) error {
	return storage.NewError(storage.CategoryConfig, "init", storage.ProviderS3, "", msg, cause)
}

var _ storage.Service = (*S3Storage)(nil)
