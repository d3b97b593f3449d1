package downloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"megafetch/internal"
	"megafetch/utils"
)

// rangeServer serves data with Range support and records the requested ranges
type rangeServer struct {
	server *httptest.Server
	data   []byte

	mu     sync.Mutex
	ranges []string
	// failures maps a Range header to the number of 503 replies left for it
	failures map[string]int
	// ignoreRange serves the whole body with 200 regardless of Range
	ignoreRange bool
	requests    int32
}

func newRangeServer(t *testing.T, data []byte) *rangeServer {
	t.Helper()
	rs := &rangeServer{data: data, failures: make(map[string]int)}
	rs.server = httptest.NewServer(http.HandlerFunc(rs.handle))
	t.Cleanup(rs.server.Close)
	return rs
}

func (rs *rangeServer) handle(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&rs.requests, 1)
	rng := r.Header.Get("Range")

	rs.mu.Lock()
	rs.ranges = append(rs.ranges, rng)
	fail := rs.failures[rng] > 0
	if fail {
		rs.failures[rng]--
	}
	ignore := rs.ignoreRange
	rs.mu.Unlock()

	if fail {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if ignore {
		w.Write(rs.data)
		return
	}
	http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(rs.data))
}

func (rs *rangeServer) requestedRanges() []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make([]string, len(rs.ranges))
	copy(out, rs.ranges)
	return out
}

func newTestEngine() *MultiThreadEngine {
	engine := NewMultiThreadEngineWithClient(fastClient())
	engine.retryDelay = time.Millisecond
	engine.planner.backoffUnit = time.Millisecond
	return engine
}

func TestMultiThreadEngine_Download(t *testing.T) {
	data := testPayload(3*MinSegmentSize + 123)
	rs := newRangeServer(t, data)
	outputPath := filepath.Join(t.TempDir(), "video.mkv.crypted")

	meta := &internal.FileMetadata{
		Filename:  "video.mkv",
		Size:      int64(len(data)),
		DirectURL: rs.server.URL + "/dl",
		NodeID:    "n1",
	}

	var lastProgress int64
	config := &internal.DownloadConfig{
		OutputPath: outputPath,
		Threads:    4,
		Quiet:      true,
		OnProgress: func(written int64) {
			// Workers report concurrently; keep the highest value seen
			for {
				prev := atomic.LoadInt64(&lastProgress)
				if written <= prev || atomic.CompareAndSwapInt64(&lastProgress, prev, written) {
					return
				}
			}
		},
	}

	if err := newTestEngine().Download(context.Background(), meta, config); err != nil {
		t.Fatalf("Download failed: %v", err)
	}

	got, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("Failed to read output: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("Downloaded content does not match")
	}

	if _, err := os.Stat(outputPath + utils.PartSuffix); !os.IsNotExist(err) {
		t.Error("Part file should be renamed away")
	}
	if _, err := os.Stat(MetadataPath(outputPath)); !os.IsNotExist(err) {
		t.Error("Resume metadata should be removed after success")
	}

	// 3 MiB + 123 bytes with 4 threads is limited to 3 segments
	if n := len(rs.requestedRanges()); n != 3 {
		t.Errorf("Expected 3 range requests, got %d: %v", n, rs.requestedRanges())
	}
	for _, r := range rs.requestedRanges() {
		if !strings.HasPrefix(r, "bytes=") {
			t.Errorf("Request without range header: %q", r)
		}
	}
	if p := atomic.LoadInt64(&lastProgress); p != int64(len(data)) {
		t.Errorf("Expected final progress %d, got %d", len(data), p)
	}
}

func TestMultiThreadEngine_SmallFileSingleRequest(t *testing.T) {
	data := []byte("small encrypted body")
	rs := newRangeServer(t, data)
	outputPath := filepath.Join(t.TempDir(), "small.crypted")

	meta := &internal.FileMetadata{Filename: "small", Size: int64(len(data)), DirectURL: rs.server.URL, NodeID: "n1"}
	config := &internal.DownloadConfig{OutputPath: outputPath, Threads: 8, Quiet: true}

	if err := newTestEngine().Download(context.Background(), meta, config); err != nil {
		t.Fatalf("Download failed: %v", err)
	}

	got, _ := os.ReadFile(outputPath)
	if string(got) != string(data) {
		t.Errorf("Unexpected content %q", got)
	}
	if ranges := rs.requestedRanges(); len(ranges) != 1 || ranges[0] != fmt.Sprintf("bytes=0-%d", len(data)-1) {
		t.Errorf("Expected one full range request, got %v", ranges)
	}
}

func TestMultiThreadEngine_EmptyFile(t *testing.T) {
	rs := newRangeServer(t, nil)
	outputPath := filepath.Join(t.TempDir(), "nested", "empty.crypted")

	meta := &internal.FileMetadata{Filename: "empty", Size: 0, DirectURL: rs.server.URL, NodeID: "n1"}
	config := &internal.DownloadConfig{OutputPath: outputPath, Threads: 4, Quiet: true}

	if err := newTestEngine().Download(context.Background(), meta, config); err != nil {
		t.Fatalf("Download failed: %v", err)
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		t.Fatalf("Empty file not created: %v", err)
	}
	if info.Size() != 0 {
		t.Errorf("Expected empty file, got %d bytes", info.Size())
	}
	if atomic.LoadInt32(&rs.requests) != 0 {
		t.Error("Empty files should not be requested")
	}
}

func TestMultiThreadEngine_Resume(t *testing.T) {
	data := testPayload(2 * MinSegmentSize)
	rs := newRangeServer(t, data)
	engine := newTestEngine()
	outputPath := filepath.Join(t.TempDir(), "video.mkv.crypted")

	meta := &internal.FileMetadata{
		Filename:  "video.mkv",
		Size:      int64(len(data)),
		DirectURL: rs.server.URL,
		NodeID:    "n1",
	}
	segments := engine.planner.CalculateSegments(meta.Size, 2)
	if len(segments) != 2 {
		t.Fatalf("Expected 2 segments, got %d", len(segments))
	}

	// First segment already on disk, second still zeroed
	partial := make([]byte, len(data))
	copy(partial, data[:segments[0].End+1])
	if err := os.WriteFile(outputPath+utils.PartSuffix, partial, 0644); err != nil {
		t.Fatal(err)
	}
	segments[0].Completed = true
	if err := engine.planner.SaveResumeMetadata(outputPath, meta, segments); err != nil {
		t.Fatal(err)
	}

	config := &internal.DownloadConfig{Threads: 2, Quiet: true}
	if err := engine.Resume(context.Background(), outputPath+utils.PartSuffix, config); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}

	got, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("Failed to read output: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("Resumed content does not match")
	}

	want := fmt.Sprintf("bytes=%d-%d", segments[1].Start, segments[1].End)
	if ranges := rs.requestedRanges(); len(ranges) != 1 || ranges[0] != want {
		t.Errorf("Expected only %s to be fetched, got %v", want, ranges)
	}
}

func TestMultiThreadEngine_ResumeWithoutMetadata(t *testing.T) {
	engine := newTestEngine()
	err := engine.Resume(context.Background(), filepath.Join(t.TempDir(), "missing.part"), &internal.DownloadConfig{Quiet: true})

	hosterErr, ok := internal.AsHosterError(err)
	if !ok || hosterErr.Type != internal.ErrResumeDataCorrupted {
		t.Fatalf("Expected corrupted resume data error, got %v", err)
	}
}

func TestMultiThreadEngine_IncompatibleResumeStartsFresh(t *testing.T) {
	data := testPayload(4096)
	rs := newRangeServer(t, data)
	engine := newTestEngine()
	outputPath := filepath.Join(t.TempDir(), "a.crypted")

	// Metadata left by a different node of the same size
	stale := &internal.FileMetadata{Filename: "a", Size: 4096, NodeID: "other", DirectURL: rs.server.URL}
	os.WriteFile(outputPath+utils.PartSuffix, make([]byte, 4096), 0644)
	engine.planner.SaveResumeMetadata(outputPath, stale, []internal.SegmentInfo{{Index: 0, Start: 0, End: 4095, Completed: true}})

	meta := &internal.FileMetadata{Filename: "a", Size: 4096, NodeID: "n1", DirectURL: rs.server.URL}
	if err := engine.Download(context.Background(), meta, &internal.DownloadConfig{OutputPath: outputPath, Threads: 1, Quiet: true}); err != nil {
		t.Fatalf("Download failed: %v", err)
	}

	got, _ := os.ReadFile(outputPath)
	if !bytes.Equal(got, data) {
		t.Error("Stale resume data should have been discarded")
	}
}

func TestMultiThreadEngine_RecoversFromTransientFailure(t *testing.T) {
	data := testPayload(2 * MinSegmentSize)
	rs := newRangeServer(t, data)
	engine := newTestEngine()
	outputPath := filepath.Join(t.TempDir(), "flaky.crypted")

	segments := engine.planner.CalculateSegments(int64(len(data)), 2)
	flaky := fmt.Sprintf("bytes=%d-%d", segments[1].Start, segments[1].End)
	rs.failures[flaky] = 2

	meta := &internal.FileMetadata{Filename: "flaky", Size: int64(len(data)), DirectURL: rs.server.URL, NodeID: "n1"}
	if err := engine.Download(context.Background(), meta, &internal.DownloadConfig{OutputPath: outputPath, Threads: 2, Quiet: true}); err != nil {
		t.Fatalf("Download should survive two 503 replies: %v", err)
	}

	got, _ := os.ReadFile(outputPath)
	if !bytes.Equal(got, data) {
		t.Fatal("Content mismatch after recovery")
	}

	count := 0
	for _, r := range rs.requestedRanges() {
		if r == flaky {
			count++
		}
	}
	if count != 3 {
		t.Errorf("Expected the flaky range to be requested 3 times, got %d", count)
	}
}

func TestMultiThreadEngine_ServerIgnoresRange(t *testing.T) {
	data := testPayload(2 * MinSegmentSize)
	rs := newRangeServer(t, data)
	rs.ignoreRange = true
	outputPath := filepath.Join(t.TempDir(), "norange.crypted")

	meta := &internal.FileMetadata{Filename: "norange", Size: int64(len(data)), DirectURL: rs.server.URL, NodeID: "n1"}
	err := newTestEngine().Download(context.Background(), meta, &internal.DownloadConfig{OutputPath: outputPath, Threads: 2, Quiet: true})
	if err == nil {
		t.Fatal("A full body for a later segment must be rejected")
	}
	if !strings.Contains(err.Error(), "ignored the range request") {
		t.Errorf("Unexpected error: %v", err)
	}
	if _, statErr := os.Stat(outputPath); !os.IsNotExist(statErr) {
		t.Error("No final file should exist after a failed download")
	}
}

func TestMultiThreadEngine_SingleSegmentAcceptsFullBody(t *testing.T) {
	data := testPayload(1000)
	rs := newRangeServer(t, data)
	rs.ignoreRange = true
	outputPath := filepath.Join(t.TempDir(), "full.crypted")

	meta := &internal.FileMetadata{Filename: "full", Size: int64(len(data)), DirectURL: rs.server.URL, NodeID: "n1"}
	if err := newTestEngine().Download(context.Background(), meta, &internal.DownloadConfig{OutputPath: outputPath, Threads: 1, Quiet: true}); err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	got, _ := os.ReadFile(outputPath)
	if !bytes.Equal(got, data) {
		t.Error("Content mismatch")
	}
}

func TestMultiThreadEngine_Cancelled(t *testing.T) {
	data := testPayload(2 * MinSegmentSize)
	rs := newRangeServer(t, data)
	outputPath := filepath.Join(t.TempDir(), "cancel.crypted")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	meta := &internal.FileMetadata{Filename: "cancel", Size: int64(len(data)), DirectURL: rs.server.URL, NodeID: "n1"}
	err := newTestEngine().Download(ctx, meta, &internal.DownloadConfig{OutputPath: outputPath, Threads: 2, Quiet: true})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}

	if _, statErr := os.Stat(outputPath + utils.PartSuffix); statErr != nil {
		t.Error("Part file should be kept for resume")
	}
	if _, statErr := os.Stat(MetadataPath(outputPath)); statErr != nil {
		t.Error("Resume metadata should be kept for resume")
	}
}

func TestMultiThreadEngine_RateLimited(t *testing.T) {
	data := testPayload(64 * 1024)
	rs := newRangeServer(t, data)
	outputPath := filepath.Join(t.TempDir(), "slow.crypted")

	meta := &internal.FileMetadata{Filename: "slow", Size: int64(len(data)), DirectURL: rs.server.URL, NodeID: "n1"}
	config := &internal.DownloadConfig{OutputPath: outputPath, Threads: 1, RateLimit: 128 * 1024, Quiet: true}

	if err := newTestEngine().Download(context.Background(), meta, config); err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	got, _ := os.ReadFile(outputPath)
	if !bytes.Equal(got, data) {
		t.Error("Content mismatch")
	}
}

func TestMultiThreadEngine_InvalidInput(t *testing.T) {
	engine := newTestEngine()
	if err := engine.Download(context.Background(), nil, &internal.DownloadConfig{}); err == nil {
		t.Error("Expected error for nil metadata")
	}
	if err := engine.Download(context.Background(), &internal.FileMetadata{}, nil); err == nil {
		t.Error("Expected error for nil config")
	}
	if err := engine.Resume(context.Background(), "x.part", nil); err == nil {
		t.Error("Expected error for nil resume config")
	}
}

func TestWorkerPool_CopyWithRateLimit(t *testing.T) {
	var reported int64
	pool := &WorkerPool{
		ctx:     context.Background(),
		onBytes: func(n int64) { reported += n },
	}

	src := bytes.NewReader(testPayload(100 * 1024))
	var dst bytes.Buffer

	n, err := pool.copyWithRateLimit(&dst, src, 70*1024)
	if err != nil {
		t.Fatalf("copy failed: %v", err)
	}
	if n != 70*1024 || dst.Len() != 70*1024 {
		t.Errorf("Expected 70 KiB copied, got %d (buffer %d)", n, dst.Len())
	}
	if reported != n {
		t.Errorf("Progress callback saw %d bytes, expected %d", reported, n)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pool.ctx = ctx
	if _, err := pool.copyWithRateLimit(io.Discard, src, 1024); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected cancellation, got %v", err)
	}
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

var _ net.Error = timeoutError{}

func TestIsNetworkError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"cancelled", fmt.Errorf("wrapped: %w", context.Canceled), false},
		{"short body", fmt.Errorf("segment 1: %w", io.ErrUnexpectedEOF), true},
		{"net error", timeoutError{}, true},
		{"server error", fmt.Errorf("request failed: %w", internal.NewHosterError(503, "Server error", internal.ErrNetworkTimeout)), true},
		{"not found", internal.NewHosterError(404, "File not found", internal.ErrFileNotFound), false},
		{"reset message", errors.New("read: connection reset by peer"), true},
		{"plain error", errors.New("disk full"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isNetworkError(tt.err); got != tt.want {
				t.Errorf("isNetworkError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestMultiThreadEngine_IsRecoverableError(t *testing.T) {
	engine := newTestEngine()

	if !engine.isRecoverableError(internal.NewRetryError(4, 5, 30, "too many requests")) {
		t.Error("Retry outcome should be recoverable")
	}
	if engine.isRecoverableError(internal.NewHosterError(200, "server ignored the range request", internal.ErrDownloadFailed)) {
		t.Error("Ignored range should not be recoverable")
	}
	if !engine.isRecoverableError(fmt.Errorf("copy: %w", io.ErrUnexpectedEOF)) {
		t.Error("Truncated body should be recoverable")
	}
	if engine.isRecoverableError(nil) {
		t.Error("nil is not an error")
	}
}
