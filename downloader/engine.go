package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"megafetch/internal"
	"megafetch/metrics"
	"megafetch/utils"
)

// maxGlobalRetries is how often a whole download pass is repeated after a recoverable failure
const maxGlobalRetries = 3

// DownloadJob represents a segment download job
type DownloadJob struct {
	Segment    internal.SegmentInfo
	FileURL    string
	OutputPath string
	PartPath   string
}

// DownloadResult represents the result of a segment download
type DownloadResult struct {
	SegmentIndex int
	BytesWritten int64
	Error        error
	Completed    bool
}

// WorkerPool manages concurrent segment workers
type WorkerPool struct {
	workers     int
	jobs        chan DownloadJob
	results     chan DownloadResult
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	httpClient  *utils.HTTPClient
	rateLimiter internal.RateLimiter
	planner     *DownloadPlanner
	// onBytes receives every chunk written, negative to take back a failed attempt
	onBytes func(n int64)
}

// MultiThreadEngine implements the DownloadEngine interface with ranged
// requests written into a preallocated .part file
type MultiThreadEngine struct {
	httpClient *utils.HTTPClient
	planner    *DownloadPlanner
	fileOps    *utils.FileOperations
	metrics    *metrics.Metrics
	retryDelay time.Duration
}

// NewMultiThreadEngine creates a new instance of MultiThreadEngine
func NewMultiThreadEngine() *MultiThreadEngine {
	return NewMultiThreadEngineWithClient(utils.NewHTTPClient())
}

// NewMultiThreadEngineWithClient creates an engine that downloads through httpClient
func NewMultiThreadEngineWithClient(httpClient *utils.HTTPClient) *MultiThreadEngine {
	return &MultiThreadEngine{
		httpClient: httpClient,
		planner:    NewDownloadPlanner(),
		fileOps:    utils.NewFileOperations(),
		retryDelay: time.Second,
	}
}

// SetMetrics attaches a metrics sink
func (e *MultiThreadEngine) SetMetrics(m *metrics.Metrics) {
	e.metrics = m
}

// Planner returns the planner that owns the resume metadata
func (e *MultiThreadEngine) Planner() *DownloadPlanner {
	return e.planner
}

// Download fetches meta.DirectURL into config.OutputPath, resuming a matching
// interrupted download when one is found
func (e *MultiThreadEngine) Download(ctx context.Context, meta *internal.FileMetadata, config *internal.DownloadConfig) error {
	if meta == nil {
		return fmt.Errorf("file metadata cannot be nil")
	}
	if config == nil {
		return fmt.Errorf("download config cannot be nil")
	}

	outputPath := config.OutputPath
	if outputPath == "" {
		outputPath = meta.Filename
	}

	if err := e.fileOps.EnsureDir(outputPath); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	if meta.Size == 0 {
		return e.writeEmptyFile(outputPath)
	}

	resumeData, err := e.planner.DetectResumableDownload(outputPath)
	if err != nil {
		internal.LogWarn("%v", err)
		resumeData = nil
	}

	var segments []internal.SegmentInfo

	if resumeData != nil {
		if err := e.planner.ValidateResumeCompatibility(resumeData, meta); err != nil {
			internal.LogWarn("Resume validation failed: %v, starting fresh download", err)
			e.planner.CleanupResumeMetadata(outputPath)
			e.fileOps.RemoveIfExists(outputPath + utils.PartSuffix)
			resumeData = nil
		} else {
			internal.LogInfo("Resuming download from %.1f%% completion",
				e.planner.CalculateResumeProgress(resumeData.Segments))
			segments = resumeData.Segments
			config.ResumeData = resumeData
		}
	}

	if resumeData == nil {
		config.ResumeData = nil
		segments, err = e.planner.PlanDownload(meta, config)
		if err != nil {
			return fmt.Errorf("failed to plan download: %w", err)
		}
	}

	partPath := outputPath + utils.PartSuffix

	if resumeData == nil {
		if err := e.fileOps.CreatePartialFile(partPath, meta.Size); err != nil {
			return fmt.Errorf("failed to create part file: %w", err)
		}
	} else if err := e.fileOps.ValidatePartialFile(partPath, meta.Size); err != nil {
		return internal.NewPartialFileInvalidError(partPath, err.Error())
	}

	if err := e.planner.SaveResumeMetadata(outputPath, meta, segments); err != nil {
		return fmt.Errorf("failed to save resume metadata: %w", err)
	}

	if err := e.executeDownloadWithRetry(ctx, meta, segments, outputPath, partPath, config); err != nil {
		return fmt.Errorf("download failed: %w", err)
	}

	if err := e.verifyFileIntegrity(outputPath, meta.Size); err != nil {
		return fmt.Errorf("file integrity verification failed: %w", err)
	}

	if err := e.planner.CleanupResumeMetadata(outputPath); err != nil {
		internal.LogWarn("Failed to cleanup resume metadata: %v", err)
	}

	return nil
}

// Resume continues an interrupted download. partialPath may name the output
// file, its .part file or its resume metadata.
func (e *MultiThreadEngine) Resume(ctx context.Context, partialPath string, config *internal.DownloadConfig) error {
	if config == nil {
		return fmt.Errorf("download config cannot be nil")
	}

	outputPath := OutputPathFromPartial(partialPath)

	resumeData, err := e.planner.LoadResumeMetadata(outputPath)
	if err != nil {
		return internal.NewResumeDataCorruptedError(MetadataPath(outputPath), "cannot load resume metadata").WithCause(err)
	}
	if resumeData.FileMetadata == nil {
		return internal.NewResumeDataCorruptedError(MetadataPath(outputPath), "missing file information")
	}

	config.ResumeData = resumeData
	if config.OutputPath == "" {
		config.OutputPath = outputPath
	}

	return e.Download(ctx, resumeData.FileMetadata, config)
}

func (e *MultiThreadEngine) writeEmptyFile(outputPath string) error {
	if err := os.WriteFile(outputPath, nil, 0644); err != nil {
		return fmt.Errorf("failed to create empty file: %w", err)
	}
	e.planner.CleanupResumeMetadata(outputPath)
	return nil
}

// executeDownloadWithRetry repeats download passes while the failure is recoverable
func (e *MultiThreadEngine) executeDownloadWithRetry(ctx context.Context, meta *internal.FileMetadata, segments []internal.SegmentInfo, outputPath, partPath string, config *internal.DownloadConfig) error {
	var lastErr error

	for attempt := 0; attempt < maxGlobalRetries; attempt++ {
		err := e.executeDownload(ctx, meta, segments, outputPath, partPath, config)
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil || !e.isRecoverableError(err) {
			return err
		}

		internal.LogWarn("Download attempt %d failed: %v", attempt+1, err)

		if attempt < maxGlobalRetries-1 {
			if resumeData, loadErr := e.planner.LoadResumeMetadata(outputPath); loadErr != nil {
				internal.LogWarn("Failed to reload resume data: %v", loadErr)
			} else {
				segments = resumeData.Segments
			}

			backoff := time.Duration(1<<uint(attempt)) * e.retryDelay
			internal.LogInfo("Retrying in %v...", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return fmt.Errorf("download failed after %d attempts: %w", maxGlobalRetries, lastErr)
}

// executeDownload runs one pass over the incomplete segments
func (e *MultiThreadEngine) executeDownload(ctx context.Context, meta *internal.FileMetadata, segments []internal.SegmentInfo, outputPath, partPath string, config *internal.DownloadConfig) error {
	partFile, err := os.OpenFile(partPath, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open part file: %w", err)
	}
	if err := partFile.Truncate(meta.Size); err != nil {
		partFile.Close()
		return fmt.Errorf("failed to set part file size: %w", err)
	}
	partFile.Close()

	progressTracker := utils.NewProgressTracker(meta.Size, config.Quiet)
	progressTracker.SetFilename(outputPath)

	// Bytes of completed segments count from the start
	totalProgress := e.planner.CompletedBytes(segments)
	progressTracker.Update(totalProgress)

	onBytes := func(n int64) {
		current := atomic.AddInt64(&totalProgress, n)
		progressTracker.Update(current)
		if config.OnProgress != nil {
			config.OnProgress(current)
		}
		e.metrics.AddDownloadedBytes(n)
	}

	pool := e.createWorkerPool(ctx, config.Threads, config.RateLimit, onBytes)
	pool.start()

	pending := e.planner.GetIncompleteSegments(segments)
	go func() {
		defer close(pool.jobs)
		for _, segment := range pending {
			job := DownloadJob{
				Segment:    segment,
				FileURL:    meta.DirectURL,
				OutputPath: outputPath,
				PartPath:   partPath,
			}
			select {
			case pool.jobs <- job:
			case <-pool.ctx.Done():
				return
			}
		}
	}()

	var failure error
	completed := 0
	for result := range pool.results {
		if result.Error != nil {
			if failure == nil {
				failure = fmt.Errorf("segment %d download failed: %w", result.SegmentIndex, result.Error)
			}
			pool.cancel()
			continue
		}

		if result.Completed {
			if err := e.planner.UpdateSegmentProgress(outputPath, result.SegmentIndex, true); err != nil {
				internal.LogWarn("Failed to update segment progress: %v", err)
			}
			completed++
		}
	}
	pool.shutdown()

	// The pool may also stop because the caller cancelled
	if failure == nil && completed < len(pending) {
		failure = ctx.Err()
		if failure == nil {
			failure = fmt.Errorf("download stopped with %d of %d segments done", completed, len(pending))
		}
	}

	if failure != nil {
		progressTracker.Abort()
		return failure
	}

	if err := e.fileOps.AtomicRename(partPath, outputPath); err != nil {
		progressTracker.Abort()
		return fmt.Errorf("failed to rename part file to final file: %w", err)
	}

	progressTracker.Finish()
	return nil
}

// createWorkerPool creates a new worker pool bound to ctx
func (e *MultiThreadEngine) createWorkerPool(ctx context.Context, workers int, rateLimit int64, onBytes func(int64)) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	poolCtx, cancel := context.WithCancel(ctx)

	var rateLimiter internal.RateLimiter
	if rateLimit > 0 {
		rateLimiter = utils.NewDistributedRateLimiter(rateLimit, workers)
	}

	return &WorkerPool{
		workers:     workers,
		jobs:        make(chan DownloadJob, workers*2),
		results:     make(chan DownloadResult, workers*2),
		ctx:         poolCtx,
		cancel:      cancel,
		httpClient:  e.httpClient,
		rateLimiter: rateLimiter,
		planner:     e.planner,
		onBytes:     onBytes,
	}
}

// start launches the workers and closes results once they are all done
func (wp *WorkerPool) start() {
	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}

	go func() {
		wp.wg.Wait()
		close(wp.results)
	}()
}

// shutdown cancels outstanding work and waits for the workers
func (wp *WorkerPool) shutdown() {
	wp.cancel()
	wp.wg.Wait()
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	if limiter, ok := wp.rateLimiter.(*utils.TokenBucketLimiter); ok {
		limiter.RegisterThread()
		defer limiter.UnregisterThread()
	}

	for {
		select {
		case job, ok := <-wp.jobs:
			if !ok {
				return
			}
			result := wp.processJob(job)
			// Results are always delivered; the collector drains until close
			wp.results <- result
			if result.Error != nil {
				return
			}
		case <-wp.ctx.Done():
			return
		}
	}
}

// processJob downloads one segment, recovering from network errors through the planner
func (wp *WorkerPool) processJob(job DownloadJob) DownloadResult {
	result := DownloadResult{SegmentIndex: job.Segment.Index}

	for {
		written, err := wp.downloadSegment(job)
		if err == nil {
			result.BytesWritten = written
			result.Completed = true
			return result
		}

		// Take back the bytes of the failed attempt; the segment restarts from its start
		if written > 0 && wp.onBytes != nil {
			wp.onBytes(-written)
		}

		if wp.ctx.Err() != nil {
			result.Error = wp.ctx.Err()
			return result
		}
		if !isNetworkError(err) {
			result.Error = err
			return result
		}

		if recoverErr := wp.planner.RecoverFromNetworkInterruption(wp.ctx, job.OutputPath, job.Segment.Index, err); recoverErr != nil {
			result.Error = recoverErr
			return result
		}
	}
}

// downloadSegment fetches one byte range and writes it at the segment offset
func (wp *WorkerPool) downloadSegment(job DownloadJob) (int64, error) {
	file, err := os.OpenFile(job.PartPath, os.O_WRONLY, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to open part file: %w", err)
	}
	defer file.Close()

	if _, err := file.Seek(job.Segment.Start, io.SeekStart); err != nil {
		return 0, fmt.Errorf("failed to seek to segment position: %w", err)
	}

	resp, err := wp.httpClient.GetWithContext(wp.ctx, job.FileURL, map[string]string{
		"Range": fmt.Sprintf("bytes=%d-%d", job.Segment.Start, job.Segment.End),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to execute HTTP request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		// A full body is only usable for a segment starting at zero
		if job.Segment.Start != 0 {
			return 0, internal.NewHosterError(resp.StatusCode, "server ignored the range request", internal.ErrDownloadFailed).
				WithSuggestion("Retry with --threads 1")
		}
	case http.StatusRequestedRangeNotSatisfiable:
		return 0, internal.NewHosterError(resp.StatusCode, "range not satisfiable: segment may be invalid", internal.ErrDownloadFailed)
	default:
		return 0, internal.NewHosterError(resp.StatusCode, fmt.Sprintf("unexpected HTTP status: %d", resp.StatusCode), internal.ErrInvalidResponse)
	}

	want := job.Segment.End - job.Segment.Start + 1
	written, err := wp.copyWithRateLimit(file, resp.Body, want)
	if err != nil {
		return written, fmt.Errorf("failed to copy segment data: %w", err)
	}
	if written != want {
		return written, fmt.Errorf("segment %d: got %d of %d bytes: %w", job.Segment.Index, written, want, io.ErrUnexpectedEOF)
	}

	return written, nil
}

// copyWithRateLimit copies up to maxBytes from src to dst, honoring the rate limiter
func (wp *WorkerPool) copyWithRateLimit(dst io.Writer, src io.Reader, maxBytes int64) (int64, error) {
	const bufferSize = 32 * 1024
	buffer := make([]byte, bufferSize)
	var totalWritten int64

	for totalWritten < maxBytes {
		if err := wp.ctx.Err(); err != nil {
			return totalWritten, err
		}

		toRead := int64(bufferSize)
		if remaining := maxBytes - totalWritten; toRead > remaining {
			toRead = remaining
		}

		n, err := src.Read(buffer[:toRead])
		if n > 0 {
			if wp.rateLimiter != nil {
				if err := wp.rateLimiter.Wait(wp.ctx, n); err != nil {
					return totalWritten, fmt.Errorf("rate limiting error: %w", err)
				}
			}

			written, writeErr := dst.Write(buffer[:n])
			totalWritten += int64(written)
			if written > 0 && wp.onBytes != nil {
				wp.onBytes(int64(written))
			}

			if writeErr != nil {
				return totalWritten, writeErr
			}
			if written != n {
				return totalWritten, io.ErrShortWrite
			}
		}

		if err != nil {
			if err == io.EOF {
				break
			}
			return totalWritten, err
		}
	}

	return totalWritten, nil
}

// verifyFileIntegrity checks that the finished file has the expected size
func (e *MultiThreadEngine) verifyFileIntegrity(filePath string, expectedSize int64) error {
	actualSize, err := e.fileOps.GetFileSize(filePath)
	if err != nil {
		return fmt.Errorf("failed to get file size: %w", err)
	}
	if actualSize != expectedSize {
		return fmt.Errorf("file size mismatch: expected %d bytes, got %d bytes", expectedSize, actualSize)
	}
	return nil
}

// isRecoverableError reports whether another download pass may succeed
func (e *MultiThreadEngine) isRecoverableError(err error) bool {
	if err == nil {
		return false
	}
	if hosterErr, ok := internal.AsHosterError(err); ok {
		return hosterErr.IsRetryable()
	}
	return isNetworkError(err)
}

var networkErrorPatterns = []string{
	"connection reset",
	"connection refused",
	"timeout",
	"temporary failure",
	"network is unreachable",
	"no route to host",
	"broken pipe",
	"unexpected eof",
}

// isNetworkError reports transport failures worth retrying
func isNetworkError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if hosterErr, ok := internal.AsHosterError(err); ok {
		return hosterErr.Type == internal.ErrNetworkTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range networkErrorPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
