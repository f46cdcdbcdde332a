// Package s3 implements the storage adapter for S3-compatible object
// stores (AWS S3, MinIO, Cloudflare R2). Presign operations sign
// against the public endpoint while data-plane calls use the internal
// one, so workers behind a private network hand out URLs that clients
// can actually reach.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/JunyuZhan/pis-worker/internal/apperr"
	"github.com/JunyuZhan/pis-worker/internal/logger"
	"github.com/JunyuZhan/pis-worker/internal/storage"
)

// Config holds connection settings for an S3-compatible store.
type Config struct {
	// Endpoint is the data-plane endpoint. Empty means real AWS.
	Endpoint string

	// PublicEndpoint is used for signing presigned URLs. Falls back
	// to Endpoint when empty.
	PublicEndpoint string

	Region    string
	Bucket    string
	AccessKey string
	SecretKey string

	// ForcePathStyle addresses the bucket as a path segment instead
	// of a subdomain. Required by MinIO and most self-hosted stores.
	ForcePathStyle bool

	// PublicBaseURL, when set, is used verbatim by PublicURL. Points
	// at a CDN or reverse proxy in front of the bucket.
	PublicBaseURL string
}

// Adapter talks to one bucket of an S3-compatible store.
type Adapter struct {
	cfg     Config
	client  *awss3.Client
	presign *awss3.PresignClient
	log     *logger.Logger
}

// New builds the adapter and its presign client. No network calls are
// made; the first operation surfaces connectivity problems.
func New(ctx context.Context, cfg Config, log *logger.Logger) (*Adapter, error) {
	if cfg.Bucket == "" {
		return nil, apperr.Fatal.New("s3: bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, apperr.Fatal.Wrap(err)
	}

	newClient := func(endpoint string) *awss3.Client {
		return awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
			}
			o.UsePathStyle = cfg.ForcePathStyle
		})
	}

	dataClient := newClient(cfg.Endpoint)
	presignClient := dataClient
	if cfg.PublicEndpoint != "" && cfg.PublicEndpoint != cfg.Endpoint {
		presignClient = newClient(cfg.PublicEndpoint)
	}

	return &Adapter{
		cfg:     cfg,
		client:  dataClient,
		presign: awss3.NewPresignClient(presignClient),
		log:     log.WithComponent("storage.s3"),
	}, nil
}

// Download returns the full object body.
func (a *Adapter) Download(ctx context.Context, key string) ([]byte, error) {
	out, err := a.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, normalizeErr(key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, apperr.Transient.Wrap(err)
	}
	return data, nil
}

// Upload stores data under key.
func (a *Adapter) Upload(ctx context.Context, key string, data []byte, opts storage.UploadOptions) (*storage.PutResult, error) {
	input := &awss3.PutObjectInput{
		Bucket:        aws.String(a.cfg.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if len(opts.Metadata) > 0 {
		input.Metadata = opts.Metadata
	}

	out, err := a.client.PutObject(ctx, input)
	if err != nil {
		return nil, normalizeErr(key, err)
	}
	res := &storage.PutResult{ETag: cleanETag(out.ETag)}
	if out.VersionId != nil {
		res.VersionID = *out.VersionId
	}
	return res, nil
}

// Delete removes key. S3 delete succeeds for missing keys already;
// normalization keeps that behavior for stores that differ.
func (a *Adapter) Delete(ctx context.Context, key string) error {
	_, err := a.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		err = normalizeErr(key, err)
		if apperr.IsNotFound(err) {
			return nil
		}
		return err
	}
	return nil
}

// Exists reports whether key is present.
func (a *Adapter) Exists(ctx context.Context, key string) (bool, error) {
	_, err := a.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		err = normalizeErr(key, err)
		if apperr.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// List returns objects under prefix in key order.
func (a *Adapter) List(ctx context.Context, prefix string) ([]storage.ObjectInfo, error) {
	var infos []storage.ObjectInfo
	paginator := awss3.NewListObjectsV2Paginator(a.client, &awss3.ListObjectsV2Input{
		Bucket: aws.String(a.cfg.Bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, normalizeErr(prefix, err)
		}
		for _, obj := range page.Contents {
			info := storage.ObjectInfo{
				Key:  aws.ToString(obj.Key),
				ETag: cleanETag(obj.ETag),
			}
			if obj.Size != nil {
				info.Size = *obj.Size
			}
			if obj.LastModified != nil {
				info.LastModified = *obj.LastModified
			}
			infos = append(infos, info)
		}
	}
	return infos, nil
}

// Copy duplicates src to dst within the bucket.
func (a *Adapter) Copy(ctx context.Context, src, dst string) error {
	source := a.cfg.Bucket + "/" + src
	_, err := a.client.CopyObject(ctx, &awss3.CopyObjectInput{
		Bucket:     aws.String(a.cfg.Bucket),
		Key:        aws.String(dst),
		CopySource: aws.String(url.PathEscape(source)),
	})
	if err != nil {
		return normalizeErr(src, err)
	}
	return nil
}

// PresignGet signs a time-limited download URL.
func (a *Adapter) PresignGet(ctx context.Context, key string, ttl time.Duration, contentDisposition string) (string, error) {
	input := &awss3.GetObjectInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(key),
	}
	if contentDisposition != "" {
		input.ResponseContentDisposition = aws.String(contentDisposition)
	}
	req, err := a.presign.PresignGetObject(ctx, input, awss3.WithPresignExpires(ttl))
	if err != nil {
		return "", apperr.Fatal.Wrap(err)
	}
	return req.URL, nil
}

// PresignPut signs a time-limited upload URL.
func (a *Adapter) PresignPut(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := a.presign.PresignPutObject(ctx, &awss3.PutObjectInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(key),
	}, awss3.WithPresignExpires(ttl))
	if err != nil {
		return "", apperr.Fatal.Wrap(err)
	}
	return req.URL, nil
}

// InitMultipart starts a multipart upload.
func (a *Adapter) InitMultipart(ctx context.Context, key string) (string, error) {
	out, err := a.client.CreateMultipartUpload(ctx, &awss3.CreateMultipartUploadInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", normalizeErr(key, err)
	}
	return aws.ToString(out.UploadId), nil
}

// UploadPart stores one part of a multipart upload.
func (a *Adapter) UploadPart(ctx context.Context, key, uploadID string, partNumber int, data []byte) (storage.Part, error) {
	out, err := a.client.UploadPart(ctx, &awss3.UploadPartInput{
		Bucket:        aws.String(a.cfg.Bucket),
		Key:           aws.String(key),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(int32(partNumber)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return storage.Part{}, normalizeErr(key, err)
	}
	return storage.Part{Number: partNumber, ETag: cleanETag(out.ETag)}, nil
}

// PresignPart signs an upload URL for one part.
func (a *Adapter) PresignPart(ctx context.Context, key, uploadID string, partNumber int, ttl time.Duration) (string, error) {
	req, err := a.presign.PresignUploadPart(ctx, &awss3.UploadPartInput{
		Bucket:     aws.String(a.cfg.Bucket),
		Key:        aws.String(key),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(int32(partNumber)),
	}, awss3.WithPresignExpires(ttl))
	if err != nil {
		return "", apperr.Fatal.Wrap(err)
	}
	return req.URL, nil
}

// CompleteMultipart finishes a multipart upload.
func (a *Adapter) CompleteMultipart(ctx context.Context, key, uploadID string, parts []storage.Part) error {
	completed := make([]types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(int32(p.Number)),
		})
	}
	_, err := a.client.CompleteMultipartUpload(ctx, &awss3.CompleteMultipartUploadInput{
		Bucket:          aws.String(a.cfg.Bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		err = normalizeErr(key, err)
		if apperr.IsTransient(err) {
			return err
		}
		// Part mismatches are not retryable.
		return apperr.Fatal.Wrap(err)
	}
	return nil
}

// AbortMultipart discards a multipart upload.
func (a *Adapter) AbortMultipart(ctx context.Context, key, uploadID string) error {
	_, err := a.client.AbortMultipartUpload(ctx, &awss3.AbortMultipartUploadInput{
		Bucket:   aws.String(a.cfg.Bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		err = normalizeErr(key, err)
		if apperr.IsNotFound(err) {
			return nil
		}
		return err
	}
	return nil
}

// PublicURL maps a key to a client-reachable URL.
func (a *Adapter) PublicURL(key string) string {
	if a.cfg.PublicBaseURL != "" {
		return strings.TrimSuffix(a.cfg.PublicBaseURL, "/") + "/" + key
	}
	endpoint := a.cfg.PublicEndpoint
	if endpoint == "" {
		endpoint = a.cfg.Endpoint
	}
	if endpoint == "" {
		region := a.cfg.Region
		if region == "" {
			region = "us-east-1"
		}
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", a.cfg.Bucket, region, key)
	}
	endpoint = strings.TrimSuffix(endpoint, "/")
	if a.cfg.ForcePathStyle {
		return fmt.Sprintf("%s/%s/%s", endpoint, a.cfg.Bucket, key)
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Sprintf("%s/%s/%s", endpoint, a.cfg.Bucket, key)
	}
	return fmt.Sprintf("%s://%s.%s/%s", u.Scheme, a.cfg.Bucket, u.Host, key)
}

// EnsureBucket creates the bucket when it does not exist yet.
func (a *Adapter) EnsureBucket(ctx context.Context) error {
	_, err := a.client.HeadBucket(ctx, &awss3.HeadBucketInput{
		Bucket: aws.String(a.cfg.Bucket),
	})
	if err == nil {
		return nil
	}
	if !apperr.IsNotFound(normalizeErr(a.cfg.Bucket, err)) {
		return normalizeErr(a.cfg.Bucket, err)
	}

	input := &awss3.CreateBucketInput{Bucket: aws.String(a.cfg.Bucket)}
	if a.cfg.Region != "" && a.cfg.Region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(a.cfg.Region),
		}
	}
	_, err = a.client.CreateBucket(ctx, input)
	if err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		var exists *types.BucketAlreadyExists
		if errors.As(err, &owned) || errors.As(err, &exists) {
			return nil
		}
		return normalizeErr(a.cfg.Bucket, err)
	}
	a.log.WithField("bucket", a.cfg.Bucket).Info("bucket created")
	return nil
}

// Close releases nothing; the underlying HTTP client is shared.
func (a *Adapter) Close() error { return nil }

// normalizeErr maps SDK errors onto the application error classes.
func normalizeErr(key string, err error) error {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return apperr.NotFound.New("%s: no such object", key)
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch code := respErr.HTTPStatusCode(); {
		case code == http.StatusNotFound:
			return apperr.NotFound.New("%s: no such object", key)
		case code == http.StatusUnauthorized || code == http.StatusForbidden:
			return apperr.Fatal.Wrap(err)
		case code == http.StatusTooManyRequests || code >= 500:
			return apperr.Transient.Wrap(err)
		}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchUpload":
			return apperr.NotFound.New("%s: no such object", key)
		case "NoSuchBucket", "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return apperr.Fatal.Wrap(err)
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable":
			return apperr.Transient.Wrap(err)
		}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return apperr.Transient.Wrap(err)
	}
	// Connection resets, DNS failures and other transport errors.
	return apperr.Transient.Wrap(err)
}

func cleanETag(etag *string) string {
	return strings.Trim(aws.ToString(etag), `"`)
}
