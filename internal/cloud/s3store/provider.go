// Package s3store implements cloud.Provider on an S3-compatible bucket
// (AWS S3, MinIO).
//
// The bucket is the store and the application folder is a key prefix. Each
// note is one object keyed "<folder>/<uuid>-<file name>"; the object key is
// the remote file id. Access keys are kept in the credential vault after the
// first successful Authenticate so later sessions can rebuild the client
// without the keys being present in configuration.
package s3store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/dmitrijs2005/notesync/internal/cloud"
	"github.com/dmitrijs2005/notesync/internal/faults"
	"github.com/dmitrijs2005/notesync/internal/vault"
	"github.com/google/uuid"
)

const (
	DefaultName   = "s3"
	DefaultFolder = "notesync"
	contentType   = "text/markdown; charset=utf-8"
)

// API is the part of *s3.Client the provider uses.
type API interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, in *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// CredentialStore is the subset of the vault the provider needs.
type CredentialStore interface {
	Save(ctx context.Context, c vault.Credentials) error
	Get(ctx context.Context, provider string, userID *string) (vault.Credentials, error)
	Remove(ctx context.Context, provider string, userID *string) error
}

// Config describes the bucket. AccessKey and SecretKey may be empty when
// keys were stored in the vault by an earlier session.
type Config struct {
	Name      string
	Endpoint  string
	Region    string
	Bucket    string
	Folder    string
	AccessKey string
	SecretKey string
}

var loadDefaultAWSConfig = config.LoadDefaultConfig

// newClient builds an S3 client; replaced in tests.
var newClient = func(ctx context.Context, cfg Config, accessKey, secretKey string) (API, error) {
	awsCfg, err := loadDefaultAWSConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
	}), nil
}

type Provider struct {
	cfg   Config
	creds CredentialStore
	now   func() time.Time

	mu     sync.Mutex
	client API
}

func New(cfg Config, creds CredentialStore) *Provider {
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.Folder == "" {
		cfg.Folder = DefaultFolder
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	return &Provider{cfg: cfg, creds: creds, now: time.Now}
}

func (p *Provider) Name() string        { return p.cfg.Name }
func (p *Provider) DisplayName() string { return "S3 (" + p.cfg.Bucket + ")" }
func (p *Provider) Icon() string        { return "🪣" }

// Authenticate checks the bucket with the configured (or stored) keys,
// creating it if missing, and stores the keys in the vault.
func (p *Provider) Authenticate(ctx context.Context) (cloud.AuthResult, error) {
	accessKey, secretKey := p.cfg.AccessKey, p.cfg.SecretKey
	if accessKey == "" || secretKey == "" {
		if c, err := p.creds.Get(ctx, p.cfg.Name, nil); err == nil && c.UserID != nil {
			accessKey, secretKey = *c.UserID, c.AccessToken
		}
	}
	if accessKey == "" || secretKey == "" {
		err := faults.New(faults.Authentication, "no access keys configured for %s", p.cfg.Name)
		return cloud.AuthResult{Error: err.Error()}, err
	}

	client, err := newClient(ctx, p.cfg, accessKey, secretKey)
	if err != nil {
		err = faults.Wrap(faults.Authentication, fmt.Errorf("build s3 client: %w", err))
		return cloud.AuthResult{Error: err.Error()}, err
	}

	if err := p.ensureBucket(ctx, client); err != nil {
		return cloud.AuthResult{Error: err.Error()}, err
	}

	c := vault.Credentials{
		Provider:    p.cfg.Name,
		AccessToken: secretKey,
		Scope:       []string{"bucket:" + p.cfg.Bucket},
		UserID:      aws.String(accessKey),
	}
	if err := p.creds.Save(ctx, c); err != nil {
		err = faults.Wrap(faults.Authentication, fmt.Errorf("store credentials: %w", err))
		return cloud.AuthResult{Error: err.Error()}, err
	}

	p.mu.Lock()
	p.client = client
	p.mu.Unlock()

	return cloud.AuthResult{Success: true, AccessToken: accessKey}, nil
}

func (p *Provider) ensureBucket(ctx context.Context, client API) error {
	_, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(p.cfg.Bucket)})
	if err == nil {
		return nil
	}
	cerr := convert(err)
	if faults.KindOf(cerr) != faults.NotFound {
		return cerr
	}
	if _, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(p.cfg.Bucket)}); err != nil {
		return convert(err)
	}
	return nil
}

func (p *Provider) IsAuthenticated(ctx context.Context) bool {
	_, err := p.api(ctx)
	return err == nil
}

// api returns the client, rebuilding it from stored keys if needed.
func (p *Provider) api(ctx context.Context) (API, error) {
	c, err := p.creds.Get(ctx, p.cfg.Name, nil)
	if err != nil || c.UserID == nil {
		return nil, &faults.CloudError{Kind: faults.Authentication, StatusCode: 401, Err: errors.New("not authenticated")}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}
	client, err := newClient(ctx, p.cfg, *c.UserID, c.AccessToken)
	if err != nil {
		return nil, faults.Wrap(faults.Authentication, err)
	}
	p.client = client
	return client, nil
}

func (p *Provider) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	p.client = nil
	p.mu.Unlock()

	// Keys are stored under the access key id; drop every entry of this provider.
	for {
		c, err := p.creds.Get(ctx, p.cfg.Name, nil)
		if errors.Is(err, vault.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := p.creds.Remove(ctx, p.cfg.Name, c.UserID); err != nil {
			return err
		}
	}
}

// CreateApplicationFolder returns the key prefix notes live under.
func (p *Provider) CreateApplicationFolder(ctx context.Context) (string, error) {
	client, err := p.api(ctx)
	if err != nil {
		return "", err
	}
	if err := p.ensureBucket(ctx, client); err != nil {
		return "", err
	}
	return p.cfg.Folder, nil
}

func (p *Provider) ListFiles(ctx context.Context, folderID string) ([]cloud.File, error) {
	client, err := p.api(ctx)
	if err != nil {
		return nil, err
	}

	out := []cloud.File{}
	pager := s3.NewListObjectsV2Paginator(client, &s3.ListObjectsV2Input{
		Bucket: aws.String(p.cfg.Bucket),
		Prefix: aws.String(folderID + "/"),
	})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, convert(err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if !strings.HasSuffix(key, ".md") {
				continue
			}
			out = append(out, cloud.File{
				ID:           key,
				Name:         nameFromKey(key),
				ModifiedTime: aws.ToTime(obj.LastModified),
				Size:         aws.ToInt64(obj.Size),
				MimeType:     cloud.MarkdownMIME,
			})
		}
	}
	return out, nil
}

func (p *Provider) DownloadFile(ctx context.Context, fileID string) (string, error) {
	client, err := p.api(ctx)
	if err != nil {
		return "", err
	}

	obj, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.cfg.Bucket),
		Key:    aws.String(fileID),
	})
	if err != nil {
		return "", convert(err)
	}
	defer obj.Body.Close()

	body, err := io.ReadAll(obj.Body)
	if err != nil {
		return "", faults.Wrap(faults.Network, fmt.Errorf("read object body: %w", err))
	}
	if !utf8.Valid(body) {
		return "", faults.New(faults.InvalidResponse, "object %s is not text", fileID)
	}
	return string(body), nil
}

func (p *Provider) UploadFile(ctx context.Context, folderID, fileName, content string) (cloud.File, error) {
	client, err := p.api(ctx)
	if err != nil {
		return cloud.File{}, err
	}
	if !strings.HasSuffix(fileName, ".md") {
		fileName += ".md"
	}
	key := path.Join(folderID, uuid.NewString()+"-"+fileName)
	return p.put(ctx, client, key, content)
}

func (p *Provider) UpdateFile(ctx context.Context, fileID, content string) (cloud.File, error) {
	client, err := p.api(ctx)
	if err != nil {
		return cloud.File{}, err
	}
	if err := p.exists(ctx, client, fileID); err != nil {
		return cloud.File{}, err
	}
	return p.put(ctx, client, fileID, content)
}

func (p *Provider) DeleteFile(ctx context.Context, fileID string) error {
	client, err := p.api(ctx)
	if err != nil {
		return err
	}
	if err := p.exists(ctx, client, fileID); err != nil {
		return err
	}
	_, err = client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.cfg.Bucket),
		Key:    aws.String(fileID),
	})
	return convert(err)
}

func (p *Provider) exists(ctx context.Context, client API, key string) error {
	_, err := client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.cfg.Bucket),
		Key:    aws.String(key),
	})
	return convert(err)
}

func (p *Provider) put(ctx context.Context, client API, key, content string) (cloud.File, error) {
	_, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(p.cfg.Bucket),
		Key:           aws.String(key),
		Body:          strings.NewReader(content),
		ContentLength: aws.Int64(int64(len(content))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return cloud.File{}, convert(err)
	}
	return cloud.File{
		ID:           key,
		Name:         nameFromKey(key),
		ModifiedTime: p.now(),
		Size:         int64(len(content)),
		MimeType:     cloud.MarkdownMIME,
	}, nil
}

// nameFromKey strips the folder and the "<uuid>-" prefix.
func nameFromKey(key string) string {
	base := path.Base(key)
	if len(base) > 37 && base[36] == '-' {
		if _, err := uuid.Parse(base[:36]); err == nil {
			return base[37:]
		}
	}
	return base
}

type httpResponder interface {
	HTTPStatusCode() int
	HTTPResponse() *smithyhttp.Response
}

// convert tags SDK errors with the taxonomy at the point of origin.
func convert(err error) error {
	if err == nil {
		return nil
	}

	var hr httpResponder
	if errors.As(err, &hr) && hr.HTTPStatusCode() != 0 {
		ce := faults.FromStatus(hr.HTTPStatusCode(), err)
		if ce.Kind == faults.RateLimit {
			if resp := hr.HTTPResponse(); resp != nil && resp.Response != nil {
				ce.RetryAfter = faults.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
			}
		}
		return ce
	}

	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return faults.Wrap(faults.NotFound, err)
		case "SlowDown":
			return faults.Wrap(faults.RateLimit, err)
		case "AccessDenied":
			return faults.Wrap(faults.Permission, err)
		case "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
			return faults.Wrap(faults.Authentication, err)
		case "EntityTooLarge":
			return faults.Wrap(faults.FileTooLarge, err)
		case "InternalError", "ServiceUnavailable":
			return faults.Wrap(faults.Server, err)
		}
	}
	return err
}
