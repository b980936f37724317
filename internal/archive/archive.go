// Package archive uploads closed event logs to S3-compatible object storage.
//
// Targets are written as URLs:
//
//	s3://minio.local:9000/audit/coordd?insecure=1&path-style=1
//
// The first path segment is the bucket; the remainder is an object prefix.
package archive

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/xid"

	"pkt.systems/pslog"

	"pkt.systems/coordd/internal/clock"
	"pkt.systems/coordd/internal/svcfields"
)

// Target identifies where archives are written.
type Target struct {
	Endpoint  string
	Bucket    string
	Prefix    string
	Region    string
	Insecure  bool
	PathStyle bool
}

// ParseURL parses an s3:// archive URL. Recognised query parameters are
// insecure, path-style and region.
func ParseURL(raw string) (Target, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Target{}, fmt.Errorf("archive: parse url: %w", err)
	}
	if u.Scheme != "s3" {
		return Target{}, fmt.Errorf("archive: scheme %q not supported (expected s3://host[:port]/bucket[/prefix])", u.Scheme)
	}
	t := Target{Endpoint: strings.TrimSpace(u.Host)}
	if t.Endpoint == "" {
		return Target{}, fmt.Errorf("archive: missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	bucket, prefix, _ := strings.Cut(strings.Trim(u.Path, "/"), "/")
	t.Bucket = strings.TrimSpace(bucket)
	if t.Bucket == "" {
		return Target{}, fmt.Errorf("archive: missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	t.Prefix = strings.Trim(prefix, "/")

	q := u.Query()
	if t.Insecure, err = boolParam(q, "insecure"); err != nil {
		return Target{}, err
	}
	if t.PathStyle, err = boolParam(q, "path-style"); err != nil {
		return Target{}, err
	}
	t.Region = strings.TrimSpace(q.Get("region"))
	return t, nil
}

func boolParam(q url.Values, name string) (bool, error) {
	v := strings.TrimSpace(q.Get(name))
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("archive: %s=%q is not a boolean", name, v)
	}
	return b, nil
}

// Options tunes an Archiver.
type Options struct {
	// Credentials overrides the default chain (AWS env, MinIO env, AWS
	// credentials file, IAM).
	Credentials *credentials.Credentials
	Transport   http.RoundTripper
	Clock       clock.Clock
	Logger      pslog.Logger
}

// Archiver copies event log files into a bucket.
type Archiver struct {
	client *minio.Client
	target Target
	clock  clock.Clock
	logger pslog.Logger
}

// Object describes an uploaded archive.
type Object struct {
	Bucket string
	Key    string
	Size   int64
	ETag   string
}

// New builds an Archiver for target. It does not contact the endpoint.
func New(target Target, opts Options) (*Archiver, error) {
	if target.Bucket == "" {
		return nil, fmt.Errorf("archive: bucket is required")
	}
	creds := opts.Credentials
	if creds == nil {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	mopts := &minio.Options{
		Creds:     creds,
		Secure:    !target.Insecure,
		Region:    target.Region,
		Transport: opts.Transport,
	}
	if target.PathStyle {
		mopts.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(target.Endpoint, mopts)
	if err != nil {
		return nil, fmt.Errorf("archive: create client: %w", err)
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	return &Archiver{
		client: client,
		target: target,
		clock:  opts.Clock,
		logger: svcfields.WithSubsystem(opts.Logger, "archive"),
	}, nil
}

// ObjectKey returns the key a log named base would be stored under:
// <prefix>/<yyyy>/<mm>/<dd>/<xid>-<base>.
func (a *Archiver) ObjectKey(base string) string {
	now := a.clock.Now().UTC()
	name := xid.NewWithTime(now).String() + "-" + path.Base(base)
	return path.Join(a.target.Prefix, now.Format("2006/01/02"), name)
}

// Upload copies the file at localPath into the bucket under a fresh key.
func (a *Archiver) Upload(ctx context.Context, localPath string) (Object, error) {
	key := a.ObjectKey(localPath)
	info, err := a.client.FPutObject(ctx, a.target.Bucket, key, localPath, minio.PutObjectOptions{
		ContentType: "text/plain; charset=utf-8",
	})
	if err != nil {
		a.logger.Warn("archive.upload.failed", "bucket", a.target.Bucket, "key", key, "error", err)
		return Object{}, fmt.Errorf("archive: upload %s: %w", localPath, err)
	}
	a.logger.Info("archive.upload.complete",
		"bucket", a.target.Bucket,
		"key", info.Key,
		"size", humanize.Bytes(uint64(max(info.Size, 0))))
	return Object{Bucket: a.target.Bucket, Key: info.Key, Size: info.Size, ETag: info.ETag}, nil
}
