package downloader

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"megafetch/internal"
	"megafetch/utils"
)

const (
	// MinSegmentSize is the minimum size for a download segment (1MB)
	MinSegmentSize = 1024 * 1024
	// MaxThreads is the maximum number of download threads allowed
	MaxThreads = 32
	// ResumeMetadataExt is the file extension for resume metadata files
	ResumeMetadataExt = ".megafetch.json"
	// MaxSegmentRetries is the number of recorded failures after which a segment gives up
	MaxSegmentRetries = 5
	// maxResumeAge is how long resume metadata stays usable
	maxResumeAge = 7 * 24 * time.Hour
	// maxSegmentBackoff caps the per-segment recovery delay
	maxSegmentBackoff = 30 * time.Second
)

// DownloadPlanner handles download segmentation and the resume metadata stored
// next to the output file
type DownloadPlanner struct {
	minSegmentSize int64
	maxThreads     int
	backoffUnit    time.Duration

	// metaMutex serializes read-modify-write cycles on the metadata file
	metaMutex sync.Mutex
}

// NewDownloadPlanner creates a new instance of DownloadPlanner
func NewDownloadPlanner() *DownloadPlanner {
	return &DownloadPlanner{
		minSegmentSize: MinSegmentSize,
		maxThreads:     MaxThreads,
		backoffUnit:    time.Second,
	}
}

// MetadataPath returns the resume metadata path for an output file
func MetadataPath(outputPath string) string {
	return outputPath + ResumeMetadataExt
}

// OutputPathFromPartial maps "<file>.part" or "<file>.megafetch.json" back to "<file>"
func OutputPathFromPartial(path string) string {
	path = strings.TrimSuffix(path, ResumeMetadataExt)
	return strings.TrimSuffix(path, utils.PartSuffix)
}

// PlanDownload creates a download plan with optimal segmentation
func (p *DownloadPlanner) PlanDownload(meta *internal.FileMetadata, config *internal.DownloadConfig) ([]internal.SegmentInfo, error) {
	if meta == nil {
		return nil, fmt.Errorf("file metadata cannot be nil")
	}
	if config == nil {
		return nil, fmt.Errorf("download config cannot be nil")
	}
	if meta.Size < 0 {
		return nil, fmt.Errorf("invalid file size: %d", meta.Size)
	}

	if config.ResumeData != nil {
		return p.planResumeDownload(config.ResumeData, meta)
	}

	threads := p.determineOptimalThreads(meta.Size, config.Threads)
	return p.CalculateSegments(meta.Size, threads), nil
}

// CalculateSegments splits fileSize bytes into at most threadCount inclusive ranges.
// Segments are never smaller than the minimum segment size except for a
// single-segment plan, and the last segment absorbs the remainder.
func (p *DownloadPlanner) CalculateSegments(fileSize int64, threadCount int) []internal.SegmentInfo {
	if fileSize <= 0 {
		return []internal.SegmentInfo{}
	}

	threadCount = p.clampThreads(threadCount)

	if fileSize < p.minSegmentSize {
		return []internal.SegmentInfo{{Index: 0, Start: 0, End: fileSize - 1}}
	}

	segmentSize := fileSize / int64(threadCount)
	if segmentSize < p.minSegmentSize {
		threadCount = int(fileSize / p.minSegmentSize)
		if threadCount == 0 {
			threadCount = 1
		}
		segmentSize = fileSize / int64(threadCount)
	}

	segments := make([]internal.SegmentInfo, 0, threadCount)
	for i := 0; i < threadCount; i++ {
		start := int64(i) * segmentSize
		end := start + segmentSize - 1
		if i == threadCount-1 {
			end = fileSize - 1
		}
		segments = append(segments, internal.SegmentInfo{Index: i, Start: start, End: end})
	}

	return segments
}

func (p *DownloadPlanner) clampThreads(threads int) int {
	if threads <= 0 {
		return 1
	}
	if threads > p.maxThreads {
		return p.maxThreads
	}
	return threads
}

// determineOptimalThreads limits the requested threads so segments keep the minimum size
func (p *DownloadPlanner) determineOptimalThreads(fileSize int64, requestedThreads int) int {
	threads := p.clampThreads(requestedThreads)

	maxPossible := int(fileSize / p.minSegmentSize)
	if maxPossible == 0 {
		maxPossible = 1
	}
	if threads > maxPossible {
		threads = maxPossible
	}
	return threads
}

// planResumeDownload returns the stored segments when the resume data matches meta
func (p *DownloadPlanner) planResumeDownload(resumeData *internal.ResumeMetadata, currentMeta *internal.FileMetadata) ([]internal.SegmentInfo, error) {
	if resumeData.FileMetadata == nil {
		return nil, internal.NewResumeIncompatibleError("resume metadata missing file information")
	}
	if resumeData.FileMetadata.Size != currentMeta.Size {
		return nil, internal.NewResumeIncompatibleError(fmt.Sprintf("file size mismatch: expected %d, got %d",
			resumeData.FileMetadata.Size, currentMeta.Size))
	}
	if resumeData.FileMetadata.NodeID != currentMeta.NodeID {
		return nil, internal.NewResumeIncompatibleError(fmt.Sprintf("node mismatch: expected %s, got %s",
			resumeData.FileMetadata.NodeID, currentMeta.NodeID))
	}
	return resumeData.Segments, nil
}

// SaveResumeMetadata writes fresh resume metadata for outputPath
func (p *DownloadPlanner) SaveResumeMetadata(outputPath string, meta *internal.FileMetadata, segments []internal.SegmentInfo) error {
	now := time.Now()
	resumeData := &internal.ResumeMetadata{
		FileMetadata: meta,
		Segments:     segments,
		CreatedAt:    now,
		LastUpdate:   now,
	}

	if err := os.MkdirAll(filepath.Dir(MetadataPath(outputPath)), 0755); err != nil {
		return fmt.Errorf("failed to create metadata directory: %w", err)
	}

	p.metaMutex.Lock()
	defer p.metaMutex.Unlock()
	return p.writeMetadata(outputPath, resumeData)
}

// LoadResumeMetadata reads the resume metadata stored for outputPath
func (p *DownloadPlanner) LoadResumeMetadata(outputPath string) (*internal.ResumeMetadata, error) {
	p.metaMutex.Lock()
	defer p.metaMutex.Unlock()
	return p.readMetadata(outputPath)
}

// UpdateSegmentProgress marks a segment completed or pending
func (p *DownloadPlanner) UpdateSegmentProgress(outputPath string, segmentIndex int, completed bool) error {
	return p.updateSegment(outputPath, segmentIndex, func(s *internal.SegmentInfo) {
		s.Completed = completed
	})
}

// IncrementSegmentRetries records one more failure for a segment
func (p *DownloadPlanner) IncrementSegmentRetries(outputPath string, segmentIndex int) error {
	return p.updateSegment(outputPath, segmentIndex, func(s *internal.SegmentInfo) {
		s.Retries++
	})
}

func (p *DownloadPlanner) updateSegment(outputPath string, segmentIndex int, update func(*internal.SegmentInfo)) error {
	p.metaMutex.Lock()
	defer p.metaMutex.Unlock()

	resumeData, err := p.readMetadata(outputPath)
	if err != nil {
		return fmt.Errorf("failed to load resume metadata: %w", err)
	}
	if segmentIndex < 0 || segmentIndex >= len(resumeData.Segments) {
		return fmt.Errorf("invalid segment index: %d", segmentIndex)
	}

	update(&resumeData.Segments[segmentIndex])
	resumeData.LastUpdate = time.Now()

	return p.writeMetadata(outputPath, resumeData)
}

// IsDownloadComplete checks if all segments are completed
func (p *DownloadPlanner) IsDownloadComplete(segments []internal.SegmentInfo) bool {
	for _, segment := range segments {
		if !segment.Completed {
			return false
		}
	}
	return len(segments) > 0
}

// CleanupResumeMetadata removes the resume metadata file
func (p *DownloadPlanner) CleanupResumeMetadata(outputPath string) error {
	if err := os.Remove(MetadataPath(outputPath)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to cleanup resume metadata: %w", err)
	}
	return nil
}

// DetectResumableDownload returns the resume data for outputPath, or nil when
// there is nothing to resume. Stale or invalid resume files are removed.
func (p *DownloadPlanner) DetectResumableDownload(outputPath string) (*internal.ResumeMetadata, error) {
	metadataPath := MetadataPath(outputPath)
	partPath := outputPath + utils.PartSuffix

	if _, err := os.Stat(metadataPath); os.IsNotExist(err) {
		return nil, nil
	}

	partInfo, err := os.Stat(partPath)
	if os.IsNotExist(err) {
		// Metadata without a part file is stale
		os.Remove(metadataPath)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat part file: %w", err)
	}

	resumeData, err := p.LoadResumeMetadata(outputPath)
	if err != nil {
		os.Remove(metadataPath)
		os.Remove(partPath)
		return nil, internal.NewResumeDataCorruptedError(metadataPath, "cleaned up").WithCause(err)
	}
	if resumeData.FileMetadata == nil {
		os.Remove(metadataPath)
		os.Remove(partPath)
		return nil, internal.NewResumeDataCorruptedError(metadataPath, "missing file information, cleaned up")
	}

	if partInfo.Size() > resumeData.FileMetadata.Size {
		os.Remove(metadataPath)
		os.Remove(partPath)
		return nil, internal.NewPartialFileInvalidError(partPath, "part file size exceeds expected size, cleaned up")
	}

	return resumeData, nil
}

// ValidateResumeCompatibility checks that resume data belongs to the file being downloaded
func (p *DownloadPlanner) ValidateResumeCompatibility(resumeData *internal.ResumeMetadata, currentMeta *internal.FileMetadata) error {
	if resumeData.FileMetadata == nil {
		return internal.NewResumeIncompatibleError("resume metadata missing file information")
	}

	if resumeData.FileMetadata.Size != currentMeta.Size {
		return internal.NewResumeIncompatibleError(fmt.Sprintf("file size changed: resume=%d, current=%d",
			resumeData.FileMetadata.Size, currentMeta.Size))
	}

	if currentMeta.NodeID != "" && resumeData.FileMetadata.NodeID != currentMeta.NodeID {
		return internal.NewResumeIncompatibleError(fmt.Sprintf("node changed: resume=%s, current=%s",
			resumeData.FileMetadata.NodeID, currentMeta.NodeID))
	}

	if resumeData.FileMetadata.Filename != currentMeta.Filename {
		internal.LogWarn("Filename changed from %s to %s", resumeData.FileMetadata.Filename, currentMeta.Filename)
	}

	if time.Since(resumeData.LastUpdate) > maxResumeAge {
		return internal.NewResumeIncompatibleError(fmt.Sprintf("resume data is too old (last update: %s)",
			resumeData.LastUpdate.Format(time.RFC3339)))
	}

	return nil
}

// RecoverFromNetworkInterruption records a segment failure and waits out a
// backoff growing with the square of the retry count. It returns an error once
// the segment has used up its retries or ctx is done.
func (p *DownloadPlanner) RecoverFromNetworkInterruption(ctx context.Context, outputPath string, segmentIndex int, cause error) error {
	if err := p.IncrementSegmentRetries(outputPath, segmentIndex); err != nil {
		return fmt.Errorf("failed to update retry count: %w", err)
	}

	resumeData, err := p.LoadResumeMetadata(outputPath)
	if err != nil {
		return fmt.Errorf("failed to load resume data for recovery: %w", err)
	}
	if segmentIndex >= len(resumeData.Segments) {
		return fmt.Errorf("invalid segment index for recovery: %d", segmentIndex)
	}

	retries := resumeData.Segments[segmentIndex].Retries
	if retries >= MaxSegmentRetries {
		return fmt.Errorf("segment %d exceeded maximum retries (%d): %w", segmentIndex, MaxSegmentRetries, cause)
	}

	backoff := time.Duration(retries*retries) * p.backoffUnit
	if backoff > maxSegmentBackoff {
		backoff = maxSegmentBackoff
	}

	internal.LogWarn("Network interruption on segment %d (retry %d/%d), backing off for %v: %v",
		segmentIndex, retries, MaxSegmentRetries, backoff, cause)

	timer := time.NewTimer(backoff)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetIncompleteSegments returns segments that need to be downloaded
func (p *DownloadPlanner) GetIncompleteSegments(segments []internal.SegmentInfo) []internal.SegmentInfo {
	var incomplete []internal.SegmentInfo
	for _, segment := range segments {
		if !segment.Completed {
			incomplete = append(incomplete, segment)
		}
	}
	return incomplete
}

// CompletedBytes sums the sizes of completed segments
func (p *DownloadPlanner) CompletedBytes(segments []internal.SegmentInfo) int64 {
	var done int64
	for _, segment := range segments {
		if segment.Completed {
			done += segment.End - segment.Start + 1
		}
	}
	return done
}

// CalculateResumeProgress returns the percentage of download completed
func (p *DownloadPlanner) CalculateResumeProgress(segments []internal.SegmentInfo) float64 {
	var total int64
	for _, segment := range segments {
		total += segment.End - segment.Start + 1
	}
	if total == 0 {
		return 0.0
	}
	return float64(p.CompletedBytes(segments)) / float64(total) * 100.0
}

// readMetadata loads the metadata file. Caller holds metaMutex.
func (p *DownloadPlanner) readMetadata(outputPath string) (*internal.ResumeMetadata, error) {
	metadataPath := MetadataPath(outputPath)

	data, err := os.ReadFile(metadataPath)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("resume metadata not found: %s", metadataPath)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read resume metadata: %w", err)
	}

	var resumeData internal.ResumeMetadata
	if err := json.Unmarshal(data, &resumeData); err != nil {
		return nil, fmt.Errorf("failed to unmarshal resume metadata: %w", err)
	}

	return &resumeData, nil
}

// writeMetadata stores the metadata through a temp file and rename. Caller holds metaMutex.
func (p *DownloadPlanner) writeMetadata(outputPath string, resumeData *internal.ResumeMetadata) error {
	metadataPath := MetadataPath(outputPath)

	data, err := json.MarshalIndent(resumeData, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal resume metadata: %w", err)
	}

	tmpPath := metadataPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write resume metadata: %w", err)
	}
	if err := os.Rename(tmpPath, metadataPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write resume metadata: %w", err)
	}

	return nil
}
