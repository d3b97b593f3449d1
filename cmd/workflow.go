package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"megafetch/downloader"
	"megafetch/internal"
	"megafetch/megacrypt"
	"megafetch/metrics"
	"megafetch/utils"
)

// retryPolicy repeats an operation while the hoster asks for a retry
type retryPolicy struct {
	attempts int
	delay    time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
}

func newRetryPolicy(cfg *internal.Config) *retryPolicy {
	return &retryPolicy{
		attempts: cfg.RetryAttempts,
		delay:    time.Duration(cfg.RetryDelay) * time.Second,
		sleep:    sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// run calls op until it succeeds, fails with a non-retry outcome or the
// attempt budget is spent. The hoster's own attempt and delay hints win
// over the configured values.
func (p *retryPolicy) run(ctx context.Context, op func(ctx context.Context) error) error {
	retries := 0
	for {
		err := op(ctx)
		if err == nil {
			return nil
		}

		hosterErr, ok := internal.AsHosterError(err)
		if !ok || hosterErr.Outcome != internal.OutcomeRetry {
			return err
		}

		limit := p.attempts
		if hosterErr.RetryAttempts > 0 && (limit <= 0 || hosterErr.RetryAttempts < limit) {
			limit = hosterErr.RetryAttempts
		}
		if p.attempts <= 0 || retries >= limit {
			return fmt.Errorf("giving up after %d retries: %w", retries, err)
		}

		delay := p.delay
		if hosterErr.RetryAfter > 0 {
			delay = time.Duration(hosterErr.RetryAfter) * time.Second
		}
		retries++
		internal.LogWarn("%s, retry %d/%d in %s", hosterErr.Message, retries, limit, delay)

		if err := p.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// newHTTPClient builds the shared client from the loaded configuration
func newHTTPClient(cfg *internal.Config) *utils.HTTPClient {
	retry := utils.DefaultRetryConfig()
	retry.MaxAttempts = cfg.MaxRetries
	if retry.MaxAttempts < 1 {
		retry.MaxAttempts = 1
	}
	return utils.NewHTTPClientWithConfig(&utils.HTTPClientConfig{
		Timeout:     time.Duration(cfg.DefaultTimeout) * time.Second,
		ProxyURL:    proxyURL,
		RetryConfig: retry,
		UserAgents:  cfg.UserAgentList,
	})
}

func newHoster(cfg *internal.Config, m *metrics.Metrics) *downloader.MegaHoster {
	return downloader.NewMegaHoster(downloader.HosterOptions{
		HTTPClient:     newHTTPClient(cfg),
		APIURL:         cfg.APIURL,
		AllowedDomains: cfg.AllowedDomains,
		ChunkSize:      cfg.ChunkSize,
		VerifyMAC:      cfg.VerifyMAC,
		Metrics:        m,
	})
}

// signalContext cancels on SIGINT or SIGTERM so the engine can save resume data
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// startMetrics serves the registry in the background when an address is configured
func startMetrics(ctx context.Context, cfg *internal.Config) *metrics.Metrics {
	m := metrics.NewMetrics()
	if cfg.MetricsAddr == "" {
		return m
	}
	go func() {
		if err := m.Serve(ctx, cfg.MetricsAddr); err != nil {
			internal.LogWarn("Metrics server stopped: %v", err)
		}
	}()
	return m
}

// executeDownloadWorkflow resolves, downloads and decrypts one link
func executeDownloadWorkflow(parent context.Context, url string, dl *internal.DownloadConfig) error {
	ctx, cancel := signalContext(parent)
	defer cancel()

	m := startMetrics(ctx, config)
	hoster := newHoster(config, m)

	var artifact *megacrypt.Artifact
	err := newRetryPolicy(config).run(ctx, func(ctx context.Context) error {
		var err error
		artifact, err = hoster.Process(ctx, url, dl)
		return err
	})
	if err != nil {
		return reportFailure(ctx, err)
	}

	reportSuccess(artifact)
	return nil
}

// executeResumeWorkflow continues an interrupted download from its partial file
func executeResumeWorkflow(parent context.Context, partialPath string, dl *internal.DownloadConfig) error {
	ctx, cancel := signalContext(parent)
	defer cancel()

	m := startMetrics(ctx, config)
	hoster := newHoster(config, m)

	var artifact *megacrypt.Artifact
	err := newRetryPolicy(config).run(ctx, func(ctx context.Context) error {
		var err error
		artifact, err = hoster.Resume(ctx, partialPath, dl)
		return err
	})
	if err != nil {
		return reportFailure(ctx, err)
	}

	reportSuccess(artifact)
	return nil
}

func reportSuccess(artifact *megacrypt.Artifact) {
	if config.QuietMode {
		return
	}
	fmt.Printf("\nSaved %s (%s)\n", artifact.Path, formatFileSize(artifact.Size))
}

// reportFailure logs the error and turns the outcome into a user-facing message
func reportFailure(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		fmt.Fprintln(os.Stderr, "\nDownload interrupted. Partial data was kept; run 'megafetch resume <file.crypted.part>' to continue.")
		return err
	}

	hosterErr, ok := internal.AsHosterError(err)
	if !ok {
		internal.LogError("%v", err)
		return err
	}
	internal.LogHosterError(hosterErr)

	switch hosterErr.Outcome {
	case internal.OutcomeOffline:
		return fmt.Errorf("file is offline")
	case internal.OutcomeTempOffline:
		wait := hosterErr.RetryAfter
		if wait <= 0 {
			wait = config.TempOfflineDelay
		}
		return fmt.Errorf("file is temporarily unavailable, try again in %s", time.Duration(wait)*time.Second)
	case internal.OutcomeLoginFail:
		return fmt.Errorf("login failed: %s", hosterErr.Message)
	}

	if hosterErr.Suggestion != "" {
		fmt.Fprintf(os.Stderr, "Suggestion: %s\n", hosterErr.Suggestion)
	}
	return err
}

// formatFileSize formats file size in human-readable format
func formatFileSize(bytes int64) string {
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
