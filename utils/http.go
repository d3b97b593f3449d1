package utils

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/proxy"

	"megafetch/internal"
)

// RetryConfig defines retry behavior configuration
type RetryConfig struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	Multiplier    float64
	JitterPercent float64
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		BaseDelay:     1 * time.Second,
		MaxDelay:      30 * time.Second,
		Multiplier:    2.0,
		JitterPercent: 0.1,
	}
}

// HTTPClientConfig contains configuration for the HTTP client
type HTTPClientConfig struct {
	Timeout     time.Duration
	ProxyURL    string
	RetryConfig *RetryConfig
	// UserAgents overrides the rotation list when not empty
	UserAgents []string
}

// HTTPClient provides a custom HTTP client with retry logic and user-agent rotation
type HTTPClient struct {
	client       *http.Client
	jar          *cookiejar.Jar
	userAgent    string
	userAgents   []string
	userAgentIdx int
	mutex        sync.RWMutex
	retryConfig  *RetryConfig
}

// Predefined user agent strings for rotation
var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:109.0) Gecko/20100101 Firefox/120.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:109.0) Gecko/20100101 Firefox/120.0",
	"Mozilla/5.0 (X11; Linux x86_64; rv:109.0) Gecko/20100101 Firefox/120.0",
}

// NewHTTPClient creates a new HTTP client with default configuration
func NewHTTPClient() *HTTPClient {
	return NewHTTPClientWithConfig(&HTTPClientConfig{
		Timeout:     30 * time.Second,
		RetryConfig: DefaultRetryConfig(),
	})
}

// NewHTTPClientWithConfig creates a new HTTP client with custom configuration
func NewHTTPClientWithConfig(config *HTTPClientConfig) *HTTPClient {
	if config.RetryConfig == nil {
		config.RetryConfig = DefaultRetryConfig()
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: false,
		},
	}

	if config.ProxyURL != "" {
		if err := configureProxy(transport, config.ProxyURL); err != nil {
			// Continue without proxy
			internal.LogWarn("Failed to configure proxy %s: %v", config.ProxyURL, err)
		}
	}

	// cookiejar.New only fails with a broken public suffix list, which is nil here
	jar, _ := cookiejar.New(nil)

	client := &http.Client{
		Transport: transport,
		Timeout:   config.Timeout,
		Jar:       jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("too many redirects")
			}
			return nil
		},
	}

	agents := defaultUserAgents
	if len(config.UserAgents) > 0 {
		agents = config.UserAgents
	}
	userAgents := make([]string, len(agents))
	copy(userAgents, agents)

	return &HTTPClient{
		client:      client,
		jar:         jar,
		userAgents:  userAgents,
		userAgent:   userAgents[0],
		retryConfig: config.RetryConfig,
	}
}

// configureProxy sets up proxy configuration for the transport
func configureProxy(transport *http.Transport, proxyURL string) error {
	parsedURL, err := url.Parse(proxyURL)
	if err != nil {
		return fmt.Errorf("invalid proxy URL: %w", err)
	}

	switch parsedURL.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(parsedURL)
	case "socks5":
		var auth *proxy.Auth
		if parsedURL.User != nil {
			password, _ := parsedURL.User.Password()
			auth = &proxy.Auth{User: parsedURL.User.Username(), Password: password}
		}
		dialer, err := proxy.SOCKS5("tcp", parsedURL.Host, auth, proxy.Direct)
		if err != nil {
			return fmt.Errorf("failed to create SOCKS5 proxy: %w", err)
		}
		if ctxDialer, ok := dialer.(proxy.ContextDialer); ok {
			transport.DialContext = ctxDialer.DialContext
		} else {
			transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		}
	default:
		return fmt.Errorf("unsupported proxy scheme: %s", parsedURL.Scheme)
	}

	return nil
}

// Get performs a GET request with retry logic
func (c *HTTPClient) Get(url string) (*http.Response, error) {
	return c.GetWithContext(context.Background(), url, nil)
}

// GetWithHeaders performs a GET request with custom headers and retry logic
func (c *HTTPClient) GetWithHeaders(url string, headers map[string]string) (*http.Response, error) {
	return c.GetWithContext(context.Background(), url, headers)
}

// GetWithContext performs a GET request with context and retry logic
func (c *HTTPClient) GetWithContext(ctx context.Context, url string, headers map[string]string) (*http.Response, error) {
	return c.executeWithRetryContext(ctx, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		c.prepareRequest(req, headers)
		return c.client.Do(req)
	})
}

// PostWithContext performs a POST request with context and retry logic.
// The body is replayed on every attempt.
func (c *HTTPClient) PostWithContext(ctx context.Context, url, contentType string, body []byte, headers map[string]string) (*http.Response, error) {
	return c.executeWithRetryContext(ctx, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", contentType)
		c.prepareRequest(req, headers)
		return c.client.Do(req)
	})
}

func (c *HTTPClient) prepareRequest(req *http.Request, headers map[string]string) {
	c.mutex.RLock()
	req.Header.Set("User-Agent", c.userAgent)
	c.mutex.RUnlock()

	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	// Accept-Encoding is left to the transport for automatic gzip handling
	req.Header.Set("Connection", "keep-alive")

	for key, value := range headers {
		req.Header.Set(key, value)
	}

	internal.GetLogger().LogHTTPRequest(req)
}

// SetCookies stores cookies for the given URL in the client jar
func (c *HTTPClient) SetCookies(rawURL string, cookies []*http.Cookie) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid cookie URL: %w", err)
	}
	c.jar.SetCookies(u, cookies)
	return nil
}

// Cookies returns the cookies the jar would send to the given URL
func (c *HTTPClient) Cookies(rawURL string) []*http.Cookie {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	return c.jar.Cookies(u)
}

// RotateUserAgent rotates to the next user agent string
func (c *HTTPClient) RotateUserAgent() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.userAgentIdx = (c.userAgentIdx + 1) % len(c.userAgents)
	c.userAgent = c.userAgents[c.userAgentIdx]
}

// GetCurrentUserAgent returns the current user agent string
func (c *HTTPClient) GetCurrentUserAgent() string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.userAgent
}

// SetUserAgent sets a custom user agent string
func (c *HTTPClient) SetUserAgent(userAgent string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.userAgent = userAgent
}

// executeWithRetryContext executes a function with retry logic and context
func (c *HTTPClient) executeWithRetryContext(ctx context.Context, fn func() (*http.Response, error)) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt < c.retryConfig.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := c.calculateDelay(attempt)

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, err := fn()
		if err != nil {
			lastErr = err

			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !c.isRetryableError(err) {
				return nil, err
			}
			if c.shouldRotateUserAgent(err, resp) {
				c.RotateUserAgent()
			}
			continue
		}

		internal.GetLogger().LogHTTPResponse(resp)

		switch resp.StatusCode {
		case http.StatusOK, http.StatusPartialContent:
			return resp, nil
		case http.StatusForbidden:
			resp.Body.Close()
			c.RotateUserAgent()
			lastErr = internal.NewHosterError(resp.StatusCode, "Forbidden - rotating user agent", internal.ErrRateLimit)
			continue
		case http.StatusTooManyRequests:
			resp.Body.Close()
			lastErr = internal.NewHosterError(resp.StatusCode, "Rate limited", internal.ErrRateLimit)
			continue
		case http.StatusNotFound:
			resp.Body.Close()
			return nil, internal.NewHosterError(resp.StatusCode, "File not found", internal.ErrFileNotFound)
		case http.StatusUnauthorized:
			resp.Body.Close()
			return nil, internal.NewHosterError(resp.StatusCode, "Authentication required", internal.ErrAuthRequired)
		default:
			resp.Body.Close()
			if resp.StatusCode >= 500 {
				lastErr = internal.NewHosterError(resp.StatusCode, "Server error", internal.ErrNetworkTimeout)
				continue
			}
			return nil, internal.NewHosterError(resp.StatusCode, "Client error", internal.ErrInvalidResponse)
		}
	}

	if lastErr != nil {
		return nil, fmt.Errorf("request failed after %d attempts: %w", c.retryConfig.MaxAttempts, lastErr)
	}

	return nil, fmt.Errorf("request failed after %d attempts", c.retryConfig.MaxAttempts)
}

// calculateDelay calculates the delay for the next retry attempt
func (c *HTTPClient) calculateDelay(attempt int) time.Duration {
	// Exponential backoff: baseDelay * multiplier^(attempt-1)
	delay := float64(c.retryConfig.BaseDelay) * math.Pow(c.retryConfig.Multiplier, float64(attempt-1))

	// -jitterPercent to +jitterPercent
	jitter := delay * c.retryConfig.JitterPercent * (rand.Float64()*2 - 1)
	delay += jitter

	if delay > float64(c.retryConfig.MaxDelay) {
		delay = float64(c.retryConfig.MaxDelay)
	}
	if delay < 0 {
		delay = float64(c.retryConfig.BaseDelay)
	}

	return time.Duration(delay)
}

// isRetryableError determines if an error should trigger a retry
func (c *HTTPClient) isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if hosterErr, ok := internal.AsHosterError(err); ok {
		return hosterErr.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errStr := strings.ToLower(err.Error())
	retryableErrors := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"no such host",
		"network is unreachable",
		"temporary failure",
		"i/o timeout",
		"context deadline exceeded",
	}

	for _, retryableErr := range retryableErrors {
		if strings.Contains(errStr, retryableErr) {
			return true
		}
	}

	return false
}

// shouldRotateUserAgent determines if user agent should be rotated based on error/response
func (c *HTTPClient) shouldRotateUserAgent(err error, resp *http.Response) bool {
	if resp != nil && resp.StatusCode == http.StatusForbidden {
		return true
	}

	if err != nil {
		errStr := strings.ToLower(err.Error())
		if strings.Contains(errStr, "forbidden") || strings.Contains(errStr, "blocked") {
			return true
		}
	}

	return false
}
