package main

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/pslog"

	"pkt.systems/coordd/client"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type archivedObject struct {
	key     string
	content string
}

func listArchive(t *testing.T, mc *minio.Client) []archivedObject {
	t.Helper()
	var objs []archivedObject
	for info := range mc.ListObjects(context.Background(), "audit", minio.ListObjectsOptions{Prefix: "coordd/", Recursive: true}) {
		if info.Err != nil {
			t.Errorf("list archive: %v", info.Err)
			return nil
		}
		obj, err := mc.GetObject(context.Background(), "audit", info.Key, minio.GetObjectOptions{})
		if err != nil {
			t.Errorf("get %s: %v", info.Key, err)
			return nil
		}
		data, err := io.ReadAll(obj)
		_ = obj.Close()
		if err != nil {
			t.Errorf("read %s: %v", info.Key, err)
			return nil
		}
		objs = append(objs, archivedObject{key: info.Key, content: string(data)})
	}
	return objs
}

// Not parallel: replaces exitProcess and sets AWS credentials in the
// environment.
func TestConsoleExitArchivesBeforeExiting(t *testing.T) {
	backend := s3mem.New()
	if err := backend.CreateBucket("audit"); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	s3 := httptest.NewServer(gofakes3.New(backend).Server())
	defer s3.Close()
	endpoint := strings.TrimPrefix(s3.URL, "http://")
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	mc, err := minio.New(endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4("test", "test", ""),
		Region:       "us-east-1",
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		t.Fatalf("minio client: %v", err)
	}

	logPath := filepath.Join(t.TempDir(), "events.log")
	var (
		exitCalls   int
		exitCode    = -1
		atExit      []archivedObject
		logsAtExit  string
		diagnostics lockedBuffer
	)
	origExit := exitProcess
	t.Cleanup(func() { exitProcess = origExit })
	exitProcess = func(code int) {
		exitCalls++
		exitCode = code
		atExit = listArchive(t, mc)
		logsAtExit = diagnostics.String()
	}

	logger := pslog.NewWithOptions(context.Background(), &diagnostics, pslog.Options{
		Mode:     pslog.ModeStructured,
		NoColor:  true,
		MinLevel: pslog.InfoLevel,
	})
	root := newRootCommand(logger)
	stdinReader, stdinWriter := io.Pipe()
	defer stdinWriter.Close()
	var out lockedBuffer
	root.SetIn(stdinReader)
	root.SetOut(&out)
	root.SetErr(&out)
	addr := freeAddr(t)
	root.SetArgs([]string{
		"--listen", addr,
		"-l", logPath,
		"--log-no-sync",
		"--console",
		"--archive-store", "s3://" + endpoint + "/audit/coordd?insecure=1&path-style=1&region=us-east-1",
	})
	errCh := make(chan error, 1)
	go func() { errCh <- root.ExecuteContext(context.Background()) }()

	cli, err := client.New(addr)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		attemptCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		hold, err := cli.Acquire(attemptCtx, 21)
		cancel()
		if err == nil {
			if err := hold.Release(); err != nil {
				t.Fatalf("release: %v", err)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("acquire never succeeded: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	waitForLog(t, logPath, "[R] Release - 21")

	if _, err := io.WriteString(stdinWriter, "3\n"); err != nil {
		t.Fatalf("write command: %v", err)
	}
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("root command: %v\n%s", err, out.String())
		}
	case <-time.After(15 * time.Second):
		t.Fatal("root command did not return after command 3")
	}

	if exitCalls != 1 || exitCode != 0 {
		t.Fatalf("exitProcess calls=%d code=%d want 1 call with 0", exitCalls, exitCode)
	}
	if !strings.Contains(out.String(), "Terminating the coordinator...") {
		t.Fatalf("console output missing termination notice: %q", out.String())
	}
	want, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read event log: %v", err)
	}
	if len(atExit) != 1 || !strings.HasSuffix(atExit[0].key, "-events.log") {
		t.Fatalf("archive at exit=%v, want the event log uploaded before exit", atExit)
	}
	if atExit[0].content != string(want) {
		t.Fatalf("archived log differs from final log:\n%q\nwant\n%q", atExit[0].content, want)
	}
	requested := strings.Index(logsAtExit, "console.exit.requested")
	complete := strings.Index(logsAtExit, "server.shutdown.complete")
	if requested < 0 || complete < requested {
		t.Fatalf("expected exit request logged before shutdown completed:\n%s", logsAtExit)
	}
}
