package internal

import "context"

// LinkResolver turns a share link into downloadable file metadata
type LinkResolver interface {
	Resolve(ctx context.Context, url string) (*FileMetadata, error)
}

// DownloadEngine manages multi-threaded downloads
type DownloadEngine interface {
	Download(ctx context.Context, meta *FileMetadata, config *DownloadConfig) error
	Resume(ctx context.Context, partialPath string, config *DownloadConfig) error
}

// AccountChecker reports the status of a hoster account
type AccountChecker interface {
	Check(ctx context.Context, username, password string) (*AccountInfo, error)
}

// RateLimiter controls bandwidth usage
type RateLimiter interface {
	Wait(ctx context.Context, n int) error
	SetRate(bytesPerSecond int64)
}
