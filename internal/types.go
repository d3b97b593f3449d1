package internal

import (
	"net/http"
	"time"
)

// FileMetadata contains information about a file to be downloaded
type FileMetadata struct {
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	DirectURL string    `json:"direct_url"`
	NodeID    string    `json:"node_id"`
	Public    bool      `json:"public"`
	Timestamp time.Time `json:"timestamp"`
	// EncodedKey is the key fragment of the share link; it is needed again to
	// decrypt a resumed download
	EncodedKey string `json:"encoded_key,omitempty"`
}

// DownloadConfig contains configuration for download operations
type DownloadConfig struct {
	OutputPath string
	Threads    int
	RateLimit  int64 // bytes per second
	ProxyURL   string
	Quiet      bool
	ResumeData *ResumeMetadata
	// OnProgress, when set, receives the number of bytes written so far
	OnProgress func(written int64)
}

// AccountInfo is the status reported by an account checker
type AccountInfo struct {
	Username   string  `json:"username"`
	Premium    bool    `json:"premium"`
	ValidUntil float64 `json:"valid_until"`
	// TrafficLeft and MaxTraffic are in KiB; -1 means unknown or unlimited
	TrafficLeft float64      `json:"traffic_left"`
	MaxTraffic  float64      `json:"max_traffic"`
	Group       string       `json:"group,omitempty"`
	Session     *http.Cookie `json:"-"`
}

// SegmentInfo represents a download segment for multi-threaded downloads
type SegmentInfo struct {
	Index     int   `json:"index"`
	Start     int64 `json:"start"`
	End       int64 `json:"end"`
	Completed bool  `json:"completed"`
	Retries   int   `json:"retries"`
}

// ResumeMetadata contains information needed to resume interrupted downloads
type ResumeMetadata struct {
	FileMetadata *FileMetadata `json:"file_metadata"`
	Segments     []SegmentInfo `json:"segments"`
	CreatedAt    time.Time     `json:"created_at"`
	LastUpdate   time.Time     `json:"last_update"`
}
