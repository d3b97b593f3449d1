package utils

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/cheggaaa/pb/v3"
)

// Phase names the stage a progress bar is reporting on
type Phase string

const (
	PhaseDownload Phase = "Downloading"
	PhaseDecrypt  Phase = "Decrypting"
)

// ProgressTracker manages progress display with real-time statistics
type ProgressTracker struct {
	bar       *pb.ProgressBar
	quiet     bool
	phase     Phase
	out       io.Writer
	startTime time.Time
	total     int64
	current   int64
	filename  string
	mutex     sync.RWMutex

	// Statistics tracking
	lastUpdate   time.Time
	lastBytes    int64
	speedSamples []float64
	maxSamples   int
}

// TransferSummary contains final statistics for one phase
type TransferSummary struct {
	Phase        Phase
	TotalBytes   int64
	TotalTime    time.Duration
	AverageSpeed float64 // bytes per second
	PeakSpeed    float64 // bytes per second
	Filename     string
}

// NewProgressTracker creates a tracker for the download phase
func NewProgressTracker(total int64, quiet bool) *ProgressTracker {
	return NewPhaseTracker(PhaseDownload, total, quiet)
}

// NewPhaseTracker creates a tracker whose bar and summary are labelled with phase
func NewPhaseTracker(phase Phase, total int64, quiet bool) *ProgressTracker {
	tracker := &ProgressTracker{
		quiet:        quiet,
		phase:        phase,
		out:          os.Stdout,
		startTime:    time.Now(),
		total:        total,
		lastUpdate:   time.Now(),
		speedSamples: make([]float64, 0),
		maxSamples:   10, // Keep last 10 speed samples for smoothing
	}

	if !quiet {
		tmpl := `{{string . "prefix"}}{{counters . }} {{bar . }} {{percent . }} {{speed . }} {{rtime . "ETA %s"}}`
		bar := pb.ProgressBarTemplate(tmpl).Start64(total)
		bar.Set(pb.Bytes, true)
		bar.Set(pb.SIBytesPrefix, true)
		bar.Set("prefix", string(phase)+": ")
		tracker.bar = bar
	}

	return tracker
}

// Update sets the absolute progress and refreshes the speed samples
func (p *ProgressTracker) Update(current int64) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	now := time.Now()
	p.current = current

	timeDiff := now.Sub(p.lastUpdate).Seconds()
	if timeDiff > 0.1 { // Update speed every 100ms to avoid too frequent updates
		currentSpeed := float64(current-p.lastBytes) / timeDiff

		p.speedSamples = append(p.speedSamples, currentSpeed)
		if len(p.speedSamples) > p.maxSamples {
			p.speedSamples = p.speedSamples[1:]
		}

		p.lastUpdate = now
		p.lastBytes = current
	}

	if p.bar != nil {
		p.bar.SetCurrent(current)
	}
}

// Finish completes the progress bar and returns the phase summary
func (p *ProgressTracker) Finish() *TransferSummary {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	totalTime := time.Since(p.startTime)

	if p.bar != nil {
		p.bar.Finish()
	}

	var averageSpeed float64
	if secs := totalTime.Seconds(); secs > 0 {
		averageSpeed = float64(p.current) / secs
	}

	var peakSpeed float64
	for _, speed := range p.speedSamples {
		if speed > peakSpeed {
			peakSpeed = speed
		}
	}

	summary := &TransferSummary{
		Phase:        p.phase,
		TotalBytes:   p.current,
		TotalTime:    totalTime,
		AverageSpeed: averageSpeed,
		PeakSpeed:    peakSpeed,
		Filename:     p.filename,
	}

	if !p.quiet {
		p.displaySummary(summary)
	}

	return summary
}

// Abort stops the bar without printing a summary
func (p *ProgressTracker) Abort() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.bar != nil {
		p.bar.Finish()
		p.bar = nil
	}
}

func (p *ProgressTracker) displaySummary(summary *TransferSummary) {
	fmt.Fprintf(p.out, "\n")
	fmt.Fprintf(p.out, "%s completed successfully!\n", summary.Phase)
	fmt.Fprintf(p.out, "Total size: %s\n", formatBytes(summary.TotalBytes))
	fmt.Fprintf(p.out, "Total time: %v\n", summary.TotalTime.Round(time.Millisecond))
	fmt.Fprintf(p.out, "Average speed: %s/s\n", formatBytes(int64(summary.AverageSpeed)))
	if summary.PeakSpeed > 0 {
		fmt.Fprintf(p.out, "Peak speed: %s/s\n", formatBytes(int64(summary.PeakSpeed)))
	}
	if summary.Filename != "" {
		fmt.Fprintf(p.out, "Saved to: %s\n", summary.Filename)
	}
}

// SetFilename sets the path reported in the summary
func (p *ProgressTracker) SetFilename(filename string) {
	p.mutex.Lock()
	p.filename = filename
	p.mutex.Unlock()
}

// SetOutput redirects the summary, stdout by default
func (p *ProgressTracker) SetOutput(w io.Writer) {
	p.mutex.Lock()
	p.out = w
	p.mutex.Unlock()
}

// GetCurrentStats returns current speed, ETA and percentage
func (p *ProgressTracker) GetCurrentStats() (speed float64, eta time.Duration, percentage float64) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	var currentSpeed float64
	if len(p.speedSamples) > 0 {
		sampleCount := len(p.speedSamples)
		if sampleCount > 3 {
			sampleCount = 3 // Use last 3 samples for current speed
		}
		for i := len(p.speedSamples) - sampleCount; i < len(p.speedSamples); i++ {
			currentSpeed += p.speedSamples[i]
		}
		currentSpeed /= float64(sampleCount)
	}

	var etaTime time.Duration
	if currentSpeed > 0 && p.total > p.current {
		etaSeconds := float64(p.total-p.current) / currentSpeed
		etaTime = time.Duration(etaSeconds) * time.Second
	}

	var percent float64
	if p.total > 0 {
		percent = float64(p.current) / float64(p.total) * 100
	}

	return currentSpeed, etaTime, percent
}

// IsQuiet returns whether the tracker is in quiet mode
func (p *ProgressTracker) IsQuiet() bool {
	return p.quiet
}

// formatBytes formats byte count as human-readable string
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
