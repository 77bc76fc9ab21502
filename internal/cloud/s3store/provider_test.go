package s3store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/dmitrijs2005/notesync/internal/faults"
	"github.com/dmitrijs2005/notesync/internal/storage"
	"github.com/dmitrijs2005/notesync/internal/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func httpErr(status int, header http.Header) error {
	if header == nil {
		header = http.Header{}
	}
	return &smithyhttp.ResponseError{
		Response: &smithyhttp.Response{Response: &http.Response{StatusCode: status, Header: header}},
		Err:      fmt.Errorf("http %d", status),
	}
}

type fakeS3 struct {
	mu      sync.Mutex
	bucket  bool
	objects map[string]string
	putErr  error
	created int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string]string)}
}

func (f *fakeS3) HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.bucket {
		return nil, httpErr(404, nil)
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) CreateBucket(context.Context, *s3.CreateBucketInput, ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bucket = true
	f.created++
	return &s3.CreateBucketOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(k),
			Size:         aws.Int64(int64(len(f.objects[k]))),
			LastModified: aws.Time(time.Unix(1700000000, 0)),
		})
	}
	return out, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchKey", Message: "no such key"}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(v))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return nil, f.putErr
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = string(body)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[aws.ToString(in.Key)]; !ok {
		return nil, httpErr(404, nil)
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func setup(t *testing.T) (*fakeS3, *vault.Vault, *int) {
	t.Helper()
	fake := newFakeS3()
	builds := 0
	orig := newClient
	t.Cleanup(func() { newClient = orig })
	newClient = func(_ context.Context, _ Config, accessKey, secretKey string) (API, error) {
		builds++
		if accessKey != "AKIA" || secretKey != "secret" {
			return nil, errors.New("bad keys")
		}
		return fake, nil
	}

	v, err := vault.New(context.Background(), storage.NewMemory())
	require.NoError(t, err)
	require.NoError(t, v.SetMasterSecret(context.Background(), []byte("vault secret")))
	return fake, v, &builds
}

func TestProvider_AuthenticateCreatesBucketAndStoresKeys(t *testing.T) {
	ctx := context.Background()
	fake, v, _ := setup(t)
	p := New(Config{Bucket: "notes", AccessKey: "AKIA", SecretKey: "secret"}, v)

	assert.False(t, p.IsAuthenticated(ctx))
	res, err := p.Authenticate(ctx)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, fake.created)
	assert.True(t, p.IsAuthenticated(ctx))

	stored, err := v.Get(ctx, "s3", nil)
	require.NoError(t, err)
	assert.Equal(t, "AKIA", *stored.UserID)
	assert.Equal(t, "secret", stored.AccessToken)
}

func TestProvider_RebuildsClientFromVault(t *testing.T) {
	ctx := context.Background()
	_, v, builds := setup(t)

	first := New(Config{Bucket: "notes", AccessKey: "AKIA", SecretKey: "secret"}, v)
	_, err := first.Authenticate(ctx)
	require.NoError(t, err)

	second := New(Config{Bucket: "notes"}, v)
	folder, err := second.CreateApplicationFolder(ctx)
	require.NoError(t, err)
	assert.Equal(t, DefaultFolder, folder)
	assert.Equal(t, 2, *builds)

	res, err := second.Authenticate(ctx)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestProvider_AuthenticateWithoutKeys(t *testing.T) {
	_, v, _ := setup(t)
	p := New(Config{Bucket: "notes"}, v)

	res, err := p.Authenticate(context.Background())
	assert.ErrorIs(t, err, faults.ErrAuthentication)
	assert.False(t, res.Success)
}

func TestProvider_FileOperations(t *testing.T) {
	ctx := context.Background()
	fake, v, _ := setup(t)
	fake.bucket = true
	p := New(Config{Bucket: "notes", AccessKey: "AKIA", SecretKey: "secret"}, v)
	_, err := p.Authenticate(ctx)
	require.NoError(t, err)

	folder, err := p.CreateApplicationFolder(ctx)
	require.NoError(t, err)

	f, err := p.UploadFile(ctx, folder, "trip-plan", "# Trip Plan")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(f.ID, "notesync/"))
	assert.Equal(t, "trip-plan.md", f.Name)
	assert.Equal(t, int64(11), f.Size)

	fake.objects["notesync/readme.txt"] = "ignored"
	files, err := p.ListFiles(ctx, folder)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, f.ID, files[0].ID)
	assert.Equal(t, "trip-plan.md", files[0].Name)

	content, err := p.DownloadFile(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, "# Trip Plan", content)

	_, err = p.UpdateFile(ctx, f.ID, "# Trip Plan\nPacking list")
	require.NoError(t, err)
	assert.Equal(t, "# Trip Plan\nPacking list", fake.objects[f.ID])

	_, err = p.UpdateFile(ctx, "notesync/missing.md", "x")
	assert.ErrorIs(t, err, faults.ErrNotFound)

	require.NoError(t, p.DeleteFile(ctx, f.ID))
	assert.ErrorIs(t, p.DeleteFile(ctx, f.ID), faults.ErrNotFound)

	_, err = p.DownloadFile(ctx, f.ID)
	assert.ErrorIs(t, err, faults.ErrNotFound)
}

func TestProvider_DownloadRejectsBinary(t *testing.T) {
	ctx := context.Background()
	fake, v, _ := setup(t)
	fake.bucket = true
	p := New(Config{Bucket: "notes", AccessKey: "AKIA", SecretKey: "secret"}, v)
	_, err := p.Authenticate(ctx)
	require.NoError(t, err)

	fake.objects["notesync/bin.md"] = string([]byte{0xff, 0xfe, 0xfd})
	_, err = p.DownloadFile(ctx, "notesync/bin.md")
	assert.ErrorIs(t, err, faults.ErrInvalidResponse)
}

func TestProvider_Disconnect(t *testing.T) {
	ctx := context.Background()
	fake, v, _ := setup(t)
	fake.bucket = true
	p := New(Config{Bucket: "notes", AccessKey: "AKIA", SecretKey: "secret"}, v)
	_, err := p.Authenticate(ctx)
	require.NoError(t, err)

	require.NoError(t, p.Disconnect(ctx))
	assert.False(t, p.IsAuthenticated(ctx))
	_, err = v.Get(ctx, "s3", nil)
	assert.ErrorIs(t, err, vault.ErrNotFound)

	_, err = p.ListFiles(ctx, "notesync")
	assert.ErrorIs(t, err, faults.ErrAuthentication)
}

func TestConvert(t *testing.T) {
	assert.NoError(t, convert(nil))

	err := convert(httpErr(429, http.Header{"Retry-After": []string{"2"}}))
	var ce *faults.CloudError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, faults.RateLimit, ce.Kind)
	assert.Equal(t, 2*time.Second, ce.RetryAfter)

	assert.ErrorIs(t, convert(httpErr(503, nil)), faults.ErrServer)
	assert.ErrorIs(t, convert(httpErr(403, nil)), faults.ErrPermission)
	assert.ErrorIs(t, convert(&smithy.GenericAPIError{Code: "SlowDown"}), faults.ErrRateLimit)
	assert.ErrorIs(t, convert(&smithy.GenericAPIError{Code: "InvalidAccessKeyId"}), faults.ErrAuthentication)
	assert.ErrorIs(t, convert(&smithy.GenericAPIError{Code: "EntityTooLarge"}), faults.ErrFileTooLarge)

	plain := errors.New("plain")
	assert.Equal(t, plain, convert(plain))
}

func TestNameFromKey(t *testing.T) {
	assert.Equal(t, "trip.md", nameFromKey("notesync/123e4567-e89b-12d3-a456-426614174000-trip.md"))
	assert.Equal(t, "plain.md", nameFromKey("notesync/plain.md"))
}

func TestNewClient_AppliesConfig(t *testing.T) {
	orig := loadDefaultAWSConfig
	t.Cleanup(func() { loadDefaultAWSConfig = orig })

	var lo awsconfig.LoadOptions
	loadDefaultAWSConfig = func(_ context.Context, optFns ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		for _, fn := range optFns {
			require.NoError(t, fn(&lo))
		}
		return aws.Config{Region: lo.Region}, nil
	}

	client, err := newClient(context.Background(), Config{Region: "eu-west-1", Endpoint: "http://127.0.0.1:9000"}, "a", "b")
	require.NoError(t, err)
	assert.NotNil(t, client)
	assert.Equal(t, "eu-west-1", lo.Region)
	require.NotNil(t, lo.Credentials)

	creds, err := lo.Credentials.Retrieve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", creds.AccessKeyID)

	loadDefaultAWSConfig = func(context.Context, ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		return aws.Config{}, errors.New("no config")
	}
	_, err = newClient(context.Background(), Config{}, "a", "b")
	assert.Error(t, err)
}
