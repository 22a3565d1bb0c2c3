package relay

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"courier/internal/envelope"
	"courier/internal/metrics"
)

type resultServer struct {
	srv *httptest.Server

	mu       sync.Mutex
	failNext int
	received []string
	onUpload func()
}

func newResultServer(t *testing.T) *resultServer {
	t.Helper()

	rs := &resultServer{}
	rs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		rs.mu.Lock()
		hook := rs.onUpload
		fail := rs.failNext > 0
		if fail {
			rs.failNext--
		} else {
			rs.received = append(rs.received, string(body))
		}
		rs.mu.Unlock()

		if hook != nil {
			hook()
		}
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(rs.srv.Close)
	return rs
}

func (rs *resultServer) uploads() []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([]string(nil), rs.received...)
}

func newTestRelay(t *testing.T, rs *resultServer, opts func(*Options)) (*Relay, string) {
	t.Helper()

	dir := t.TempDir()
	o := Options{
		Enabled:     true,
		ResultsURL:  rs.srv.URL,
		PrimaryFile: filepath.Join(dir, "clientupdates.log"),
		Excluded:    []string{"courier.log"},
		Interval:    time.Millisecond,
		Client:      &http.Client{Timeout: 5 * time.Second},
		Codec:       envelope.Codec{},
		MachineKey:  "machine-a",
		Metrics:     metrics.New(),
		Log:         zerolog.Nop(),
	}
	if opts != nil {
		opts(&o)
	}
	return New(o), dir
}

func noTempFiles(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		require.False(t, strings.HasSuffix(e.Name(), ".tmp"), "leftover temp file %s", e.Name())
	}
}

func TestPrimaryUploadTruncates(t *testing.T) {
	rs := newResultServer(t)
	r, dir := newTestRelay(t, rs, nil)

	content := "line1\nline2\n"
	require.NoError(t, os.WriteFile(r.opts.PrimaryFile, []byte(content), 0o644))

	r.cycle(context.Background())

	uploads := rs.uploads()
	require.Len(t, uploads, 1)
	require.JSONEq(t, `{"Log":"line1\nline2\n"}`, uploads[0])

	// Primary stays for continued appending, emptied.
	got, err := os.ReadFile(r.opts.PrimaryFile)
	require.NoError(t, err)
	require.Empty(t, got)
	noTempFiles(t, dir)
}

func TestPrimaryUploadFailureRestoresWithConcurrentWrites(t *testing.T) {
	rs := newResultServer(t)
	r, dir := newTestRelay(t, rs, nil)

	original := "captured-1\ncaptured-2\n"
	interim := "written-mid-flight\n"
	require.NoError(t, os.WriteFile(r.opts.PrimaryFile, []byte(original), 0o644))

	rs.mu.Lock()
	rs.failNext = 1
	rs.onUpload = func() {
		// A producer appends while the upload is in flight; by now the
		// primary has been truncated, so this lands in the fresh file.
		_ = appendFile(r.opts.PrimaryFile, []byte(interim))
	}
	rs.mu.Unlock()

	r.cycle(context.Background())

	got, err := os.ReadFile(r.opts.PrimaryFile)
	require.NoError(t, err)
	require.Contains(t, string(got), original)
	require.Contains(t, string(got), interim)
	require.Len(t, got, len(original)+len(interim))
	noTempFiles(t, dir)
}

func TestRotateReturnsRestoredError(t *testing.T) {
	rs := newResultServer(t)
	r, _ := newTestRelay(t, rs, nil)

	require.NoError(t, os.WriteFile(r.opts.PrimaryFile, []byte("data\n"), 0o644))
	rs.mu.Lock()
	rs.failNext = 1
	rs.mu.Unlock()

	err := r.rotateAndSend(context.Background(), r.opts.PrimaryFile, false)
	var restored *RestoredError
	require.ErrorAs(t, err, &restored)
	require.Equal(t, r.opts.PrimaryFile, restored.Path)
}

func TestEmptyPrimarySkipsUpload(t *testing.T) {
	rs := newResultServer(t)
	r, dir := newTestRelay(t, rs, nil)

	require.NoError(t, os.WriteFile(r.opts.PrimaryFile, nil, 0o644))

	r.cycle(context.Background())

	require.Empty(t, rs.uploads())
	require.FileExists(t, r.opts.PrimaryFile)
	noTempFiles(t, dir)
}

func TestOverflowUploadDeletes(t *testing.T) {
	rs := newResultServer(t)
	r, dir := newTestRelay(t, rs, nil)

	overflow := filepath.Join(dir, "other.log")
	require.NoError(t, os.WriteFile(overflow, []byte("overflow data\n"), 0o644))

	r.cycle(context.Background())

	uploads := rs.uploads()
	require.Len(t, uploads, 1)
	require.JSONEq(t, `{"Log":"overflow data\n"}`, uploads[0])
	require.NoFileExists(t, overflow)
	noTempFiles(t, dir)
}

func TestOverflowUploadFailureRetainsFile(t *testing.T) {
	rs := newResultServer(t)
	r, dir := newTestRelay(t, rs, nil)

	overflow := filepath.Join(dir, "other.log")
	require.NoError(t, os.WriteFile(overflow, []byte("keep me\n"), 0o644))

	rs.mu.Lock()
	rs.failNext = 1
	rs.mu.Unlock()

	r.cycle(context.Background())

	got, err := os.ReadFile(overflow)
	require.NoError(t, err)
	require.Equal(t, "keep me\n", string(got))
	noTempFiles(t, dir)
}

func TestScanSkipsExcludedAndForeignFiles(t *testing.T) {
	rs := newResultServer(t)
	r, dir := newTestRelay(t, rs, nil)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "courier.log"), []byte("agent log"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not a log"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "extra.log"), []byte("ship me"), 0o644))

	r.cycle(context.Background())

	uploads := rs.uploads()
	require.Len(t, uploads, 1)
	require.Contains(t, uploads[0], "ship me")
}

func TestPrimaryRelayedBeforeOverflow(t *testing.T) {
	rs := newResultServer(t)
	r, dir := newTestRelay(t, rs, nil)

	require.NoError(t, os.WriteFile(r.opts.PrimaryFile, []byte("primary"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "aaa.log"), []byte("overflow"), 0o644))

	r.cycle(context.Background())

	uploads := rs.uploads()
	require.Len(t, uploads, 2)
	require.Contains(t, uploads[0], "primary")
	require.Contains(t, uploads[1], "overflow")
}

func TestSecureUploadDecryptsToDump(t *testing.T) {
	rs := newResultServer(t)
	codec := envelope.Codec{Secure: true, WorkFactor: 10}
	r, _ := newTestRelay(t, rs, func(o *Options) { o.Codec = codec })

	require.NoError(t, os.WriteFile(r.opts.PrimaryFile, []byte("secret line\n"), 0o644))

	r.cycle(context.Background())

	uploads := rs.uploads()
	require.Len(t, uploads, 1)

	plain, err := codec.Decode([]byte(uploads[0]), "machine-a")
	require.NoError(t, err)
	require.JSONEq(t, `{"Log":"secret line\n"}`, string(plain))
}

func TestArchiveKeepsShippedBytes(t *testing.T) {
	rs := newResultServer(t)

	var archivePath string
	r, dir := newTestRelay(t, rs, nil)
	archivePath = filepath.Join(dir, "shipments.zst")
	r.opts.Archive = NewArchive(archivePath)

	require.NoError(t, os.WriteFile(r.opts.PrimaryFile, []byte("first\n"), 0o644))
	r.cycle(context.Background())
	require.NoError(t, appendFile(r.opts.PrimaryFile, []byte("second\n")))
	r.cycle(context.Background())

	data, err := os.ReadFile(archivePath)
	require.NoError(t, err)

	dec, err := zstd.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer dec.Close()

	shipped, err := io.ReadAll(dec)
	require.NoError(t, err)
	require.Equal(t, "first\nsecond\n", string(shipped))
}

func TestRunDisabledReturnsImmediately(t *testing.T) {
	r := New(Options{Enabled: false, Log: zerolog.Nop(), Metrics: metrics.New()})

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("disabled relay did not return")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	rs := newResultServer(t)
	r, _ := newTestRelay(t, rs, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop on cancel")
	}
}
