package downloader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/url"
	"strconv"
	"sync"
	"time"

	"megafetch/internal"
	"megafetch/megacrypt"
	"megafetch/metrics"
	"megafetch/utils"
)

// maxAPIResponseSize caps how much of an API response body is read
const maxAPIResponseSize = 1 << 20

// MegaResolver implements the LinkResolver interface against the MEGA API
type MegaResolver struct {
	httpClient   *utils.HTTPClient
	urlValidator *utils.URLValidator
	apiURL       string
	metrics      *metrics.Metrics

	rngMutex sync.Mutex
	rng      *rand.Rand
}

// megaFileInfo is the object returned for a "g" command
type megaFileInfo struct {
	Error      *int   `json:"e,omitempty"`
	Attributes string `json:"at"`
	Size       int64  `json:"s"`
	URL        string `json:"g"`
}

// Resolution is a resolved link with its derived key and decrypted attributes
type Resolution struct {
	Metadata   *internal.FileMetadata
	Key        *megacrypt.KeyMaterial
	Attributes *megacrypt.Attributes
}

// NewMegaResolver creates a resolver with a default HTTP client
func NewMegaResolver() *MegaResolver {
	return NewMegaResolverWithClient(utils.NewHTTPClient(), internal.DefaultAPIURL)
}

// NewMegaResolverWithClient creates a resolver with a custom HTTP client and API endpoint
func NewMegaResolverWithClient(httpClient *utils.HTTPClient, apiURL string) *MegaResolver {
	if apiURL == "" {
		apiURL = internal.DefaultAPIURL
	}
	return &MegaResolver{
		httpClient:   httpClient,
		urlValidator: utils.NewURLValidator(),
		apiURL:       apiURL,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetMetrics attaches a metrics sink
func (r *MegaResolver) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

// SetValidator replaces the link validator, e.g. to accept extra domains
func (r *MegaResolver) SetValidator(v *utils.URLValidator) {
	r.urlValidator = v
}

// Resolve turns a MEGA share link into file metadata with a download URL
func (r *MegaResolver) Resolve(ctx context.Context, rawURL string) (*internal.FileMetadata, error) {
	res, err := r.ResolveLink(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return res.Metadata, nil
}

// ResolveLink resolves rawURL and keeps the derived key and attributes
func (r *MegaResolver) ResolveLink(ctx context.Context, rawURL string) (*Resolution, error) {
	link, err := r.urlValidator.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}

	internal.GetLogger().DebugFields(map[string]interface{}{
		"node":   link.NodeID,
		"public": link.IsPublic,
	}, "Resolving MEGA link")

	key, err := megacrypt.DeriveKey(link.EncodedKey)
	if err != nil {
		return nil, internal.NewHosterError(0, "Invalid file key in link", internal.ErrInvalidURL).
			WithURL(link.CanonicalURL()).
			WithCause(err)
	}

	info, err := r.requestDownload(ctx, link)
	if err != nil {
		return nil, err
	}

	attrs, err := megacrypt.DecryptAttributes(info.Attributes, key)
	if err != nil {
		return nil, internal.NewDecryptionError(link.NodeID, err).
			WithSuggestion("Check that the link contains the complete key")
	}

	internal.GetLogger().DebugFields(map[string]interface{}{
		"name": attrs.Name,
		"size": info.Size,
	}, "Decrypted attributes")

	if info.URL == "" {
		return nil, internal.NewFailError(0, "no download URL in API response")
	}

	meta := &internal.FileMetadata{
		Filename:   utils.SanitizeFilename(attrs.Name, link.NodeID),
		Size:       info.Size,
		DirectURL:  info.URL,
		NodeID:     link.NodeID,
		Public:     link.IsPublic,
		Timestamp:  time.Now(),
		EncodedKey: link.EncodedKey,
	}

	return &Resolution{Metadata: meta, Key: key, Attributes: attrs}, nil
}

// requestDownload issues the "g" command for the link's node
func (r *MegaResolver) requestDownload(ctx context.Context, link *utils.ShareLink) (*megaFileInfo, error) {
	cmd := map[string]interface{}{
		"a":   "g",
		"g":   1,
		"ssl": 1,
	}
	if link.IsPublic {
		cmd["p"] = link.NodeID
	} else {
		cmd["n"] = link.NodeID
	}

	start := time.Now()
	replies, err := r.apiCall(ctx, cmd)
	if err == nil && len(replies) == 0 {
		err = internal.NewHosterError(0, "empty API response", internal.ErrInvalidResponse)
	}

	var info megaFileInfo
	if err == nil {
		info, err = r.decodeFileInfo(replies[0], link)
	}
	r.metrics.RecordAPICall("g", time.Since(start), err)

	if err != nil {
		return nil, err
	}
	return &info, nil
}

func (r *MegaResolver) decodeFileInfo(reply json.RawMessage, link *utils.ShareLink) (megaFileInfo, error) {
	var info megaFileInfo

	// A per-command error is a bare number in place of the object
	if code, ok := parseErrorCode(reply); ok {
		return info, classifyMegaError(code, link.CanonicalURL())
	}

	if err := json.Unmarshal(reply, &info); err != nil {
		return info, internal.NewHosterError(0, "malformed file info in API response", internal.ErrInvalidResponse).
			WithCause(err)
	}
	if info.Error != nil {
		return info, classifyMegaError(*info.Error, link.CanonicalURL())
	}
	return info, nil
}

// apiCall posts one command and returns the per-command replies
func (r *MegaResolver) apiCall(ctx context.Context, cmd map[string]interface{}) ([]json.RawMessage, error) {
	payload, err := json.Marshal([]interface{}{cmd})
	if err != nil {
		return nil, fmt.Errorf("failed to encode API request: %w", err)
	}

	endpoint, err := url.Parse(r.apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL %q: %w", r.apiURL, err)
	}
	query := endpoint.Query()
	query.Set("id", strconv.FormatInt(r.sequenceID(), 10))
	endpoint.RawQuery = query.Encode()

	resp, err := r.httpClient.PostWithContext(ctx, endpoint.String(), "application/json", payload, nil)
	if err != nil {
		return nil, fmt.Errorf("MEGA API request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read API response: %w", err)
	}

	internal.LogDebug("MEGA API response: %s", body)

	// A request level error is a bare number instead of an array
	if code, ok := parseErrorCode(body); ok {
		return nil, classifyMegaError(code, "")
	}

	var replies []json.RawMessage
	if err := json.Unmarshal(body, &replies); err != nil {
		return nil, internal.NewHosterError(0, "failed to parse API response", internal.ErrInvalidResponse).
			WithCause(err)
	}

	return replies, nil
}

// sequenceID returns the random request id sent with each call
func (r *MegaResolver) sequenceID() int64 {
	r.rngMutex.Lock()
	defer r.rngMutex.Unlock()
	const low, high = 10 << 9, 10_000_000_000
	return low + r.rng.Int63n(high-low+1)
}

// parseErrorCode reports whether data is a bare JSON integer
func parseErrorCode(data []byte) (int, bool) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || (data[0] != '-' && (data[0] < '0' || data[0] > '9')) {
		return 0, false
	}
	code, err := strconv.Atoi(string(data))
	if err != nil {
		return 0, false
	}
	return code, true
}
