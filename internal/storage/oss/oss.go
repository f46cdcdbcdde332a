// Package oss implements the storage adapter for Alibaba Cloud OSS.
// It mirrors the S3 adapter's dual-endpoint behavior: URLs are signed
// against the public endpoint while object traffic uses the internal
// one (OSS exposes separate internal/external VPC endpoints).
package oss

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

	alioss "github.com/aliyun/aliyun-oss-go-sdk/oss"

	"github.com/JunyuZhan/pis-worker/internal/apperr"
	"github.com/JunyuZhan/pis-worker/internal/logger"
	"github.com/JunyuZhan/pis-worker/internal/storage"
)

// Config holds connection settings for an OSS bucket.
type Config struct {
	// Endpoint is the data-plane endpoint, e.g. the VPC-internal
	// oss-cn-hangzhou-internal.aliyuncs.com.
	Endpoint string

	// PublicEndpoint is used for signing URLs. Falls back to Endpoint.
	PublicEndpoint string

	Bucket    string
	AccessKey string
	SecretKey string

	// PublicBaseURL, when set, is used verbatim by PublicURL.
	PublicBaseURL string
}

// Adapter talks to one OSS bucket.
type Adapter struct {
	cfg        Config
	client     *alioss.Client
	bucket     *alioss.Bucket
	signBucket *alioss.Bucket
	log        *logger.Logger
}

// New builds the adapter. Construction validates configuration only;
// the first operation surfaces connectivity problems.
func New(cfg Config, log *logger.Logger) (*Adapter, error) {
	if cfg.Bucket == "" {
		return nil, apperr.Fatal.New("oss: bucket is required")
	}
	if cfg.Endpoint == "" {
		return nil, apperr.Fatal.New("oss: endpoint is required")
	}

	client, err := alioss.New(cfg.Endpoint, cfg.AccessKey, cfg.SecretKey)
	if err != nil {
		return nil, apperr.Fatal.Wrap(err)
	}
	bucket, err := client.Bucket(cfg.Bucket)
	if err != nil {
		return nil, apperr.Fatal.Wrap(err)
	}

	signBucket := bucket
	if cfg.PublicEndpoint != "" && cfg.PublicEndpoint != cfg.Endpoint {
		signClient, err := alioss.New(cfg.PublicEndpoint, cfg.AccessKey, cfg.SecretKey)
		if err != nil {
			return nil, apperr.Fatal.Wrap(err)
		}
		signBucket, err = signClient.Bucket(cfg.Bucket)
		if err != nil {
			return nil, apperr.Fatal.Wrap(err)
		}
	}

	return &Adapter{
		cfg:        cfg,
		client:     client,
		bucket:     bucket,
		signBucket: signBucket,
		log:        log.WithComponent("storage.oss"),
	}, nil
}

// Download returns the full object body.
func (a *Adapter) Download(ctx context.Context, key string) ([]byte, error) {
	body, err := a.bucket.GetObject(key)
	if err != nil {
		return nil, normalizeErr(key, err)
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, apperr.Transient.Wrap(err)
	}
	return data, nil
}

// Upload stores data under key.
func (a *Adapter) Upload(ctx context.Context, key string, data []byte, opts storage.UploadOptions) (*storage.PutResult, error) {
	options := []alioss.Option{}
	if opts.ContentType != "" {
		options = append(options, alioss.ContentType(opts.ContentType))
	}
	for k, v := range opts.Metadata {
		options = append(options, alioss.Meta(k, v))
	}
	var respHeader http.Header
	options = append(options, alioss.GetResponseHeader(&respHeader))

	if err := a.bucket.PutObject(key, bytes.NewReader(data), options...); err != nil {
		return nil, normalizeErr(key, err)
	}
	return &storage.PutResult{ETag: strings.Trim(respHeader.Get("ETag"), `"`)}, nil
}

// Delete removes key. Missing keys are not an error.
func (a *Adapter) Delete(ctx context.Context, key string) error {
	if err := a.bucket.DeleteObject(key); err != nil {
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
	ok, err := a.bucket.IsObjectExist(key)
	if err != nil {
		return false, normalizeErr(key, err)
	}
	return ok, nil
}

// List returns objects under prefix in key order.
func (a *Adapter) List(ctx context.Context, prefix string) ([]storage.ObjectInfo, error) {
	var infos []storage.ObjectInfo
	marker := ""
	for {
		res, err := a.bucket.ListObjects(
			alioss.Prefix(prefix),
			alioss.Marker(marker),
			alioss.MaxKeys(1000),
		)
		if err != nil {
			return nil, normalizeErr(prefix, err)
		}
		for _, obj := range res.Objects {
			infos = append(infos, storage.ObjectInfo{
				Key:          obj.Key,
				Size:         obj.Size,
				ETag:         strings.Trim(obj.ETag, `"`),
				LastModified: obj.LastModified,
			})
		}
		if !res.IsTruncated {
			break
		}
		marker = res.NextMarker
	}
	return infos, nil
}

// Copy duplicates src to dst within the bucket.
func (a *Adapter) Copy(ctx context.Context, src, dst string) error {
	if _, err := a.bucket.CopyObject(src, dst); err != nil {
		return normalizeErr(src, err)
	}
	return nil
}

// PresignGet signs a time-limited download URL.
func (a *Adapter) PresignGet(ctx context.Context, key string, ttl time.Duration, contentDisposition string) (string, error) {
	options := []alioss.Option{}
	if contentDisposition != "" {
		options = append(options, alioss.ResponseContentDisposition(contentDisposition))
	}
	signed, err := a.signBucket.SignURL(key, alioss.HTTPGet, int64(ttl.Seconds()), options...)
	if err != nil {
		return "", apperr.Fatal.Wrap(err)
	}
	return signed, nil
}

// PresignPut signs a time-limited upload URL.
func (a *Adapter) PresignPut(ctx context.Context, key string, ttl time.Duration) (string, error) {
	signed, err := a.signBucket.SignURL(key, alioss.HTTPPut, int64(ttl.Seconds()))
	if err != nil {
		return "", apperr.Fatal.Wrap(err)
	}
	return signed, nil
}

// InitMultipart starts a multipart upload.
func (a *Adapter) InitMultipart(ctx context.Context, key string) (string, error) {
	imur, err := a.bucket.InitiateMultipartUpload(key)
	if err != nil {
		return "", normalizeErr(key, err)
	}
	return imur.UploadID, nil
}

// UploadPart stores one part of a multipart upload.
func (a *Adapter) UploadPart(ctx context.Context, key, uploadID string, partNumber int, data []byte) (storage.Part, error) {
	imur := a.uploadRef(key, uploadID)
	part, err := a.bucket.UploadPart(imur, bytes.NewReader(data), int64(len(data)), partNumber)
	if err != nil {
		return storage.Part{}, normalizeErr(key, err)
	}
	return storage.Part{Number: part.PartNumber, ETag: strings.Trim(part.ETag, `"`)}, nil
}

// PresignPart is not offered by the OSS SDK's signing API.
func (a *Adapter) PresignPart(ctx context.Context, key, uploadID string, partNumber int, ttl time.Duration) (string, error) {
	return "", apperr.Unsupported.New("oss: presigned part upload is not supported")
}

// CompleteMultipart finishes a multipart upload.
func (a *Adapter) CompleteMultipart(ctx context.Context, key, uploadID string, parts []storage.Part) error {
	imur := a.uploadRef(key, uploadID)
	ossParts := make([]alioss.UploadPart, 0, len(parts))
	for _, p := range parts {
		ossParts = append(ossParts, alioss.UploadPart{
			PartNumber: p.Number,
			ETag:       p.ETag,
		})
	}
	if _, err := a.bucket.CompleteMultipartUpload(imur, ossParts); err != nil {
		err = normalizeErr(key, err)
		if apperr.IsTransient(err) {
			return err
		}
		return apperr.Fatal.Wrap(err)
	}
	return nil
}

// AbortMultipart discards a multipart upload.
func (a *Adapter) AbortMultipart(ctx context.Context, key, uploadID string) error {
	if err := a.bucket.AbortMultipartUpload(a.uploadRef(key, uploadID)); err != nil {
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
	host := endpoint
	scheme := "https"
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		host = u.Host
		if u.Scheme != "" {
			scheme = u.Scheme
		}
	}
	return fmt.Sprintf("%s://%s.%s/%s", scheme, a.cfg.Bucket, host, key)
}

// EnsureBucket creates the bucket when it does not exist yet.
func (a *Adapter) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.IsBucketExist(a.cfg.Bucket)
	if err != nil {
		return normalizeErr(a.cfg.Bucket, err)
	}
	if exists {
		return nil
	}
	if err := a.client.CreateBucket(a.cfg.Bucket); err != nil {
		err = normalizeErr(a.cfg.Bucket, err)
		if apperr.IsConflict(err) {
			return nil
		}
		return err
	}
	a.log.WithField("bucket", a.cfg.Bucket).Info("bucket created")
	return nil
}

// Close releases nothing; the underlying HTTP client is shared.
func (a *Adapter) Close() error { return nil }

func (a *Adapter) uploadRef(key, uploadID string) alioss.InitiateMultipartUploadResult {
	return alioss.InitiateMultipartUploadResult{
		Bucket:   a.cfg.Bucket,
		Key:      key,
		UploadID: uploadID,
	}
}

// normalizeErr maps OSS SDK errors onto the application error classes.
func normalizeErr(key string, err error) error {
	var svcErr alioss.ServiceError
	if errors.As(err, &svcErr) {
		switch {
		case svcErr.StatusCode == http.StatusNotFound || svcErr.Code == "NoSuchKey" || svcErr.Code == "NoSuchUpload":
			return apperr.NotFound.New("%s: no such object", key)
		case svcErr.Code == "BucketAlreadyExists":
			return apperr.Conflict.Wrap(err)
		case svcErr.StatusCode == http.StatusUnauthorized || svcErr.StatusCode == http.StatusForbidden ||
			svcErr.Code == "InvalidAccessKeyId" || svcErr.Code == "SignatureDoesNotMatch":
			return apperr.Fatal.Wrap(err)
		case svcErr.StatusCode == http.StatusTooManyRequests || svcErr.StatusCode >= 500:
			return apperr.Transient.Wrap(err)
		default:
			return apperr.Validation.Wrap(err)
		}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return apperr.Transient.Wrap(err)
	}
	return apperr.Transient.Wrap(err)
}
