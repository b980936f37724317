package archive

import (
	"context"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/coordd/internal/clock"
)

func TestParseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		raw     string
		want    Target
		wantErr string
	}{
		{
			name: "bucket only",
			raw:  "s3://minio:9000/audit",
			want: Target{Endpoint: "minio:9000", Bucket: "audit"},
		},
		{
			name: "prefix and flags",
			raw:  "s3://minio:9000/audit/coordd/prod/?insecure=1&path-style=true&region=eu-north-1",
			want: Target{Endpoint: "minio:9000", Bucket: "audit", Prefix: "coordd/prod", Region: "eu-north-1", Insecure: true, PathStyle: true},
		},
		{name: "wrong scheme", raw: "http://minio/audit", wantErr: "not supported"},
		{name: "missing host", raw: "s3:///audit", wantErr: "missing host"},
		{name: "missing bucket", raw: "s3://minio:9000/", wantErr: "missing bucket"},
		{name: "bad bool", raw: "s3://minio/audit?insecure=maybe", wantErr: "not a boolean"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseURL(tc.raw)
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %+v want %+v", got, tc.want)
			}
		})
	}
}

func TestObjectKeyLayout(t *testing.T) {
	t.Parallel()

	a, err := New(Target{Endpoint: "127.0.0.1:9", Bucket: "b", Prefix: "logs"}, Options{
		Credentials: credentials.NewStaticV4("k", "s", ""),
		Clock:       clock.NewManual(time.Date(2025, 3, 1, 23, 30, 0, 0, time.UTC)),
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	key := a.ObjectKey("/var/lib/coordd/coordd.log")
	if !strings.HasPrefix(key, "logs/2025/03/01/") || !strings.HasSuffix(key, "-coordd.log") {
		t.Fatalf("unexpected key %q", key)
	}
	if other := a.ObjectKey("coordd.log"); other == key {
		t.Fatalf("keys must be unique, got %q twice", key)
	}
}

func TestNewRequiresBucket(t *testing.T) {
	t.Parallel()
	if _, err := New(Target{Endpoint: "x"}, Options{}); err == nil {
		t.Fatal("expected error for missing bucket")
	}
}

func setupFakeS3(t *testing.T) (*httptest.Server, Target) {
	t.Helper()
	backend := s3mem.New()
	fs := gofakes3.New(backend)
	server := httptest.NewServer(fs.Server())
	t.Cleanup(server.Close)
	bucket := "coordd-test"
	if err := backend.CreateBucket(bucket); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	return server, Target{
		Endpoint:  strings.TrimPrefix(server.URL, "http://"),
		Bucket:    bucket,
		Prefix:    "archive",
		Region:    "us-east-1",
		Insecure:  true,
		PathStyle: true,
	}
}

func TestUploadStoresLogContent(t *testing.T) {
	_, target := setupFakeS3(t)
	a, err := New(target, Options{Credentials: credentials.NewStaticV4("test", "test", "")})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	content := "2025-03-01 12:00:00.000000000 +00:00: [R] Request - 1\n"
	local := filepath.Join(t.TempDir(), "coordd.log")
	if err := os.WriteFile(local, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	obj, err := a.Upload(ctx, local)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if obj.Bucket != target.Bucket || !strings.HasPrefix(obj.Key, "archive/") {
		t.Fatalf("unexpected object %+v", obj)
	}
	if obj.Size != int64(len(content)) {
		t.Fatalf("size=%d want %d", obj.Size, len(content))
	}

	reader, err := a.client.GetObject(ctx, obj.Bucket, obj.Key, minio.GetObjectOptions{})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer reader.Close()
	got, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != content {
		t.Fatalf("content mismatch: %q", got)
	}
}

func TestUploadMissingFile(t *testing.T) {
	_, target := setupFakeS3(t)
	a, err := New(target, Options{Credentials: credentials.NewStaticV4("test", "test", "")})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := a.Upload(context.Background(), filepath.Join(t.TempDir(), "absent.log")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
