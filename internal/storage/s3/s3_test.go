package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	appconfig "github.com/content-service/content-service/internal/config"
	"github.com/content-service/content-service/internal/storage"
	"github.com/content-service/content-service/internal/storage/storagetest"
)

// ---------------------------------------------------------------------------
// New(): constructor validation (no AWS connection required)
// ---------------------------------------------------------------------------

func TestNew_MissingBucket(t *testing.T) {
	cfg := &appconfig.S3StorageConfig{
		Bucket: "",
		Region: "us-east-1",
	}
	_, err := New(cfg, storage.PipelineConfig{})
	if !errors.Is(err, storage.ErrConfig) {
		t.Errorf("New() error = %v, want config error for missing bucket", err)
	}
}

func TestNew_MissingRegion(t *testing.T) {
	cfg := &appconfig.S3StorageConfig{
		Bucket: "my-bucket",
		Region: "",
	}
	_, err := New(cfg, storage.PipelineConfig{})
	if !errors.Is(err, storage.ErrConfig) {
		t.Errorf("New() error = %v, want config error for missing region", err)
	}
}

func TestNew_StaticAuth_MissingKeys(t *testing.T) {
	cfg := &appconfig.S3StorageConfig{
		Bucket:      "my-bucket",
		Region:      "us-east-1",
		AuthMethod:  "static",
		AccessKeyID: "", // missing
	}
	_, err := New(cfg, storage.PipelineConfig{})
	if err == nil {
		t.Error("New() = nil error, want error for static auth with missing keys")
	}
}

func TestNew_UnsupportedAuthMethod(t *testing.T) {
	cfg := &appconfig.S3StorageConfig{
		Bucket:     "my-bucket",
		Region:     "us-east-1",
		AuthMethod: "unsupported-method",
	}
	_, err := New(cfg, storage.PipelineConfig{})
	if err == nil {
		t.Error("New() = nil error, want error for unsupported auth method")
	}
}

func TestNew_DefaultAuth_LoadsConfig(t *testing.T) {
	// default auth tries to load AWS config (env vars, shared config, etc.)
	// In CI without AWS credentials, this may fail or succeed with no-op credentials.
	// We just ensure no panic and correct handling.
	cfg := &appconfig.S3StorageConfig{
		Bucket:     "my-bucket",
		Region:     "us-east-1",
		AuthMethod: "default",
	}
	// May succeed or fail depending on environment; just ensure no panic
	_, _ = New(cfg, storage.PipelineConfig{})
}

func TestNew_OIDC_MissingRoleARN(t *testing.T) {
	cfg := &appconfig.S3StorageConfig{
		Bucket:     "my-bucket",
		Region:     "us-east-1",
		AuthMethod: "oidc",
		RoleARN:    "", // missing
	}
	_, err := New(cfg, storage.PipelineConfig{})
	if err == nil {
		t.Error("New() = nil error, want error for oidc auth with missing role_arn")
	}
}

func TestNew_OIDC_MissingTokenFile(t *testing.T) {
	cfg := &appconfig.S3StorageConfig{
		Bucket:               "my-bucket",
		Region:               "us-east-1",
		AuthMethod:           "oidc",
		RoleARN:              "arn:aws:iam::123456789:role/test-role",
		WebIdentityTokenFile: "", // missing
	}
	_, err := New(cfg, storage.PipelineConfig{})
	if err == nil {
		t.Error("New() = nil error, want error for oidc auth with missing token file")
	}
}

func TestNew_AssumeRole_MissingRoleARN(t *testing.T) {
	cfg := &appconfig.S3StorageConfig{
		Bucket:     "my-bucket",
		Region:     "us-east-1",
		AuthMethod: "assume_role",
		RoleARN:    "", // missing
	}
	_, err := New(cfg, storage.PipelineConfig{})
	if err == nil {
		t.Error("New() = nil error, want error for assume_role auth with missing role_arn")
	}
}

func TestNew_AssumeRole_WithExternalID(t *testing.T) {
	// assume_role with role_arn + external_id should succeed constructor (no network call for assume_role)
	cfg := &appconfig.S3StorageConfig{
		Bucket:     "my-bucket",
		Region:     "us-east-1",
		AuthMethod: "assume_role",
		RoleARN:    "arn:aws:iam::123456789:role/test-role",
		ExternalID: "external-id-123",
	}
	// This will succeed (no network call at construction time; AssumeRole is lazy)
	_, _ = New(cfg, storage.PipelineConfig{})
}

func TestNew_StaticAuth_WithEndpoint(t *testing.T) {
	cfg := &appconfig.S3StorageConfig{
		Bucket:          "my-bucket",
		Region:          "us-east-1",
		AuthMethod:      "static",
		AccessKeyID:     "test-key",
		SecretAccessKey: "test-secret",
		Endpoint:        "http://localhost:9000",
	}
	s, err := New(cfg, storage.PipelineConfig{})
	if err != nil {
		t.Fatalf("New() with custom endpoint error: %v", err)
	}
	if s == nil {
		t.Fatal("New() returned nil storage")
	}
	if s.Provider() != storage.ProviderS3 {
		t.Errorf("Provider() = %q, want s3", s.Provider())
	}
}

// ---------------------------------------------------------------------------
// Mock S3-compatible HTTP server for operations tests
// ---------------------------------------------------------------------------

const testBucket = "test-bucket"

// newS3TestStorage creates an S3Storage backed by storagetest, which speaks
// just enough of the S3 REST API (path-style) for CRUD tests.
func newS3TestStorage(t *testing.T) (*S3Storage, *storagetest.Server) {
	t.Helper()
	srv := storagetest.NewServer(t, storagetest.WithBuckets(testBucket))

	s, err := New(&appconfig.S3StorageConfig{
		Bucket:          testBucket,
		Region:          "us-east-1",
		AuthMethod:      "static",
		AccessKeyID:     "test-access-key",
		SecretAccessKey: "test-secret-key",
		Endpoint:        srv.URL,
	}, storage.PipelineConfig{Environment: "test"})
	if err != nil {
		t.Fatalf("New() for mock S3: %v", err)
	}
	return s, srv
}

// ---------------------------------------------------------------------------
// Upload
// ---------------------------------------------------------------------------

func TestS3_UploadFile(t *testing.T) {
	s, srv := newS3TestStorage(t)

	data := []byte("hello s3 world")
	result, err := s.UploadFile(context.Background(), storage.File{Buffer: data, OriginalName: "hello.txt", MimeType: "text/plain"},
		storage.UploadOptions{Business: "greetings"})
	if err != nil {
		t.Fatalf("UploadFile() error: %v", err)
	}
	if !strings.HasPrefix(result.FileKey, "test/private/greetings/") || !strings.HasSuffix(result.FileKey, ".txt") {
		t.Errorf("FileKey = %q, want test/private/greetings/<id>.txt", result.FileKey)
	}
	if result.Size != int64(len(data)) {
		t.Errorf("Size = %d, want %d", result.Size, len(data))
	}
	if len(result.Checksum) != 64 {
		t.Errorf("Checksum length = %d, want 64 (SHA256 hex)", len(result.Checksum))
	}

	obj, ok := srv.Object(testBucket, result.FileKey)
	if !ok {
		t.Fatalf("object %q not stored", result.FileKey)
	}
	if !bytes.Equal(obj.Data, data) {
		t.Errorf("stored = %q, want %q", obj.Data, data)
	}
	if obj.Meta["sha256"] != result.Checksum {
		t.Errorf("sha256 meta = %q, want %q", obj.Meta["sha256"], result.Checksum)
	}
}

func TestS3_UploadBuffer_ChecksumConsistency(t *testing.T) {
	s, _ := newS3TestStorage(t)
	ctx := context.Background()

	content := []byte("consistent data for checksum")
	if _, err := s.UploadBuffer(ctx, content, "test/public/c1.txt", nil); err != nil {
		t.Fatalf("UploadBuffer: %v", err)
	}
	if _, err := s.UploadBuffer(ctx, content, "test/public/c2.txt", nil); err != nil {
		t.Fatalf("UploadBuffer: %v", err)
	}
	i1, _ := s.GetFileInfo(ctx, "test/public/c1.txt")
	i2, _ := s.GetFileInfo(ctx, "test/public/c2.txt")
	if i1 == nil || i2 == nil || i1.Checksum != i2.Checksum || i1.Checksum == "" {
		t.Errorf("same content produced different checksums: %+v vs %+v", i1, i2)
	}
}

// ---------------------------------------------------------------------------
// Download
// ---------------------------------------------------------------------------

func TestS3_DownloadFile(t *testing.T) {
	s, srv := newS3TestStorage(t)
	ctx := context.Background()

	want := []byte("download me from s3")
	srv.Put(testBucket, "test/public/dl.txt", want, "text/plain", nil)

	rc, err := s.DownloadFile(ctx, "test/public/dl.txt")
	if err != nil {
		t.Fatalf("DownloadFile() error: %v", err)
	}
	got, _ := io.ReadAll(rc)
	rc.Close()

	if !bytes.Equal(got, want) {
		t.Errorf("Download content = %q, want %q", got, want)
	}
}

func TestS3_DownloadFile_NotFound(t *testing.T) {
	s, _ := newS3TestStorage(t)

	_, err := s.DownloadFile(context.Background(), "test/public/nonexistent.txt")
	if !errors.Is(err, storage.ErrFileNotFound) {
		t.Errorf("DownloadFile() error = %v, want file not found", err)
	}
}

// ---------------------------------------------------------------------------
// Delete / Exists
// ---------------------------------------------------------------------------

func TestS3_DeleteFile(t *testing.T) {
	s, srv := newS3TestStorage(t)
	ctx := context.Background()
	srv.Put(testBucket, "test/public/todel.txt", []byte("to be deleted"), "", nil)

	if err := s.DeleteFile(ctx, "test/public/todel.txt"); err != nil {
		t.Fatalf("DeleteFile() error: %v", err)
	}
	// Deleting again is not an error
	if err := s.DeleteFile(ctx, "test/public/todel.txt"); err != nil {
		t.Errorf("second DeleteFile() error: %v", err)
	}

	ok, _ := s.FileExists(ctx, "test/public/todel.txt")
	if ok {
		t.Error("FileExists = true after delete, want false")
	}
}

func TestS3_FileExists(t *testing.T) {
	s, srv := newS3TestStorage(t)
	ctx := context.Background()

	ok, err := s.FileExists(ctx, "test/public/ghost.txt")
	if err != nil {
		t.Fatalf("FileExists() error: %v", err)
	}
	if ok {
		t.Error("FileExists = true for nonexistent key, want false")
	}

	srv.Put(testBucket, "test/public/exists.txt", []byte("x"), "", nil)
	ok, err = s.FileExists(ctx, "test/public/exists.txt")
	if err != nil {
		t.Fatalf("FileExists() error: %v", err)
	}
	if !ok {
		t.Error("FileExists = false for existing key, want true")
	}
}

func TestS3_FileExists_Forbidden(t *testing.T) {
	s, srv := newS3TestStorage(t)
	srv.FailWith(http.StatusForbidden, "AccessDenied")

	_, err := s.FileExists(context.Background(), "test/public/secret.txt")
	if !errors.Is(err, storage.ErrPermission) {
		t.Errorf("FileExists() error = %v, want permission error", err)
	}
}

// ---------------------------------------------------------------------------
// GetFileInfo
// ---------------------------------------------------------------------------

func TestS3_GetFileInfo(t *testing.T) {
	s, _ := newS3TestStorage(t)
	ctx := context.Background()

	data := []byte("metadata content")
	res, err := s.UploadBuffer(ctx, data, "test/public/meta.json", map[string]string{"Owner": "Zoë"})
	if err != nil {
		t.Fatalf("UploadBuffer: %v", err)
	}

	info, err := s.GetFileInfo(ctx, res.Key)
	if err != nil {
		t.Fatalf("GetFileInfo() error: %v", err)
	}
	if info.FileKey != "test/public/meta.json" {
		t.Errorf("FileKey = %q, want test/public/meta.json", info.FileKey)
	}
	if info.Size != int64(len(data)) {
		t.Errorf("Size = %d, want %d", info.Size, len(data))
	}
	if info.MimeType != "application/json" {
		t.Errorf("MimeType = %q, want application/json", info.MimeType)
	}
	if len(info.Checksum) != 64 {
		t.Errorf("Checksum = %q, want 64-char hex", info.Checksum)
	}
	if info.Tags["owner"] != "Zoë" {
		t.Errorf("owner tag = %q, want Zoë", info.Tags["owner"])
	}
}

func TestS3_GetFileInfo_NotFound(t *testing.T) {
	s, _ := newS3TestStorage(t)

	_, err := s.GetFileInfo(context.Background(), "test/public/missing.txt")
	if !errors.Is(err, storage.ErrFileNotFound) {
		t.Errorf("GetFileInfo() error = %v, want file not found", err)
	}
}

// ---------------------------------------------------------------------------
// GenerateTemporaryURL
// ---------------------------------------------------------------------------

func TestS3_GenerateTemporaryURL_IsOffline(t *testing.T) {
	s, srv := newS3TestStorage(t)
	before := len(srv.Requests())

	// existence is checked by the caller; presigning makes no request
	if _, err := s.GenerateTemporaryURL(context.Background(), "test/public/missing.txt", time.Hour); err != nil {
		t.Errorf("GenerateTemporaryURL() error = %v", err)
	}
	if after := srv.Requests(); len(after) != before {
		t.Errorf("presigning issued requests %v", after[before:])
	}
}

func TestS3_GenerateTemporaryURL_Success(t *testing.T) {
	s, srv := newS3TestStorage(t)
	srv.Put(testBucket, "test/public/forurl.txt", []byte("content"), "text/plain", nil)

	raw, err := s.GenerateTemporaryURL(context.Background(), "test/public/forurl.txt", time.Hour)
	if err != nil {
		t.Fatalf("GenerateTemporaryURL() error: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	if u.Host != srv.Host() {
		t.Errorf("host = %q, want %q", u.Host, srv.Host())
	}
	if u.Path != "/"+testBucket+"/test/public/forurl.txt" {
		t.Errorf("path = %q, want path-style key", u.Path)
	}
	if u.Query().Get("X-Amz-Expires") != "3600" {
		t.Errorf("X-Amz-Expires = %q, want 3600", u.Query().Get("X-Amz-Expires"))
	}
}

func TestS3_GenerateTemporaryURL_ExpiryBounds(t *testing.T) {
	s, srv := newS3TestStorage(t)
	srv.Put(testBucket, "test/public/a.txt", []byte("x"), "", nil)

	for _, d := range []time.Duration{0, -time.Minute, 8 * 24 * time.Hour} {
		if _, err := s.GenerateTemporaryURL(context.Background(), "test/public/a.txt", d); !errors.Is(err, storage.ErrSigning) {
			t.Errorf("GenerateTemporaryURL(%s) error = %v, want signing error", d, err)
		}
	}
}

// ---------------------------------------------------------------------------
// ListObjects
// ---------------------------------------------------------------------------

func TestS3_ListObjects(t *testing.T) {
	s, srv := newS3TestStorage(t)
	for _, k := range []string{"test/public/l/1", "test/public/l/2", "test/public/l/3", "test/public/m/1"} {
		srv.Put(testBucket, k, []byte("abc"), "", nil)
	}

	objs, err := s.ListObjects(context.Background(), storage.ListOptions{Prefix: "test/public/l/", PageSize: 2, Recursive: true}).Collect(0)
	if err != nil {
		t.Fatalf("ListObjects() error: %v", err)
	}
	if len(objs) != 3 {
		t.Fatalf("listed %d objects, want 3", len(objs))
	}
	if objs[2].Name != "test/public/l/3" || objs[2].Size != 3 {
		t.Errorf("objs[2] = %+v", objs[2])
	}

	objs, err = s.ListObjects(context.Background(), storage.ListOptions{Prefix: "test/public/l/", PageSize: 2, Recursive: true}).Collect(1)
	if err != nil || len(objs) != 1 {
		t.Errorf("Collect(1) = %d objects, %v; want 1, nil", len(objs), err)
	}
}

// ---------------------------------------------------------------------------
// EnsureBucket
// ---------------------------------------------------------------------------

func TestS3_EnsureBucket(t *testing.T) {
	s, srv := newS3TestStorage(t)

	// Bucket already exists; nothing is created
	if err := s.EnsureBucket(context.Background()); err != nil {
		t.Fatalf("EnsureBucket() error: %v", err)
	}

	s.bucket = "created-on-demand"
	if err := s.EnsureBucket(context.Background()); err != nil {
		t.Fatalf("EnsureBucket() error: %v", err)
	}
	if !srv.HasBucket("created-on-demand") {
		t.Error("EnsureBucket did not create the missing bucket")
	}
}
