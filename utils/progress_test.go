package utils

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestProgressTracker_BasicFunctionality(t *testing.T) {
	quietTracker := NewProgressTracker(1000, true)
	if !quietTracker.IsQuiet() {
		t.Error("Expected quiet tracker to be in quiet mode")
	}

	quietTracker.Update(500)

	_, _, percentage := quietTracker.GetCurrentStats()
	if percentage != 50.0 {
		t.Errorf("Expected 50%% progress, got %.1f%%", percentage)
	}

	summary := quietTracker.Finish()
	if summary == nil {
		t.Fatal("Expected summary to be returned")
	}

	if summary.TotalBytes != 500 {
		t.Errorf("Expected 500 bytes, got %d", summary.TotalBytes)
	}
	if summary.Phase != PhaseDownload {
		t.Errorf("Expected download phase, got %s", summary.Phase)
	}
}

func TestProgressTracker_StatisticsCalculation(t *testing.T) {
	tracker := NewProgressTracker(1000, true)

	tracker.Update(100)
	time.Sleep(10 * time.Millisecond)
	tracker.Update(300)
	time.Sleep(10 * time.Millisecond)
	tracker.Update(600)

	speed, eta, percentage := tracker.GetCurrentStats()

	if percentage != 60.0 {
		t.Errorf("Expected 60%% progress, got %.1f%%", percentage)
	}

	// Speed may be zero due to short time intervals in tests
	if speed < 0 {
		t.Error("Speed should not be negative")
	}
	if eta < 0 {
		t.Error("ETA should not be negative")
	}

	tracker.Update(1000)
	summary := tracker.Finish()

	if summary.TotalBytes != 1000 {
		t.Errorf("Expected 1000 bytes, got %d", summary.TotalBytes)
	}

	if summary.TotalTime <= 0 {
		t.Error("Total time should be positive")
	}
}

func TestProgressTracker_ZeroTotal(t *testing.T) {
	tracker := NewPhaseTracker(PhaseDecrypt, 0, true)

	_, eta, percentage := tracker.GetCurrentStats()
	if percentage != 0 || eta != 0 {
		t.Errorf("Expected zero stats for empty file, got %.1f%% eta %v", percentage, eta)
	}

	summary := tracker.Finish()
	if summary.TotalBytes != 0 {
		t.Errorf("Expected 0 bytes, got %d", summary.TotalBytes)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		bytes    int64
		expected string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{1048576, "1.0 MB"},
		{1073741824, "1.0 GB"},
		{5368709120, "5.0 GB"},
	}

	for _, test := range tests {
		result := formatBytes(test.bytes)
		if result != test.expected {
			t.Errorf("formatBytes(%d) = %s, expected %s", test.bytes, result, test.expected)
		}
	}
}

func TestProgressTracker_NonQuietMode(t *testing.T) {
	tracker := NewPhaseTracker(PhaseDecrypt, 1000, false)
	if tracker.IsQuiet() {
		t.Error("Expected non-quiet tracker")
	}

	var out bytes.Buffer
	tracker.SetOutput(&out)
	tracker.SetFilename("video.mp4")

	tracker.Update(250)
	tracker.Update(500)
	tracker.Update(750)
	tracker.Update(1000)

	summary := tracker.Finish()
	if summary == nil {
		t.Fatal("Expected summary to be returned")
	}
	if summary.Filename != "video.mp4" {
		t.Errorf("Expected filename in summary, got %q", summary.Filename)
	}

	text := out.String()
	if !strings.Contains(text, "Decrypting completed successfully!") {
		t.Errorf("summary missing phase line: %q", text)
	}
	if !strings.Contains(text, "Saved to: video.mp4") {
		t.Errorf("summary missing filename: %q", text)
	}
}

func TestProgressTracker_Abort(t *testing.T) {
	tracker := NewPhaseTracker(PhaseDownload, 100, false)
	var out bytes.Buffer
	tracker.SetOutput(&out)

	tracker.Update(40)
	tracker.Abort()
	tracker.Abort() // second call is a no-op

	if out.Len() != 0 {
		t.Errorf("Abort printed a summary: %q", out.String())
	}
}
