package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"megafetch/internal"
	"megafetch/metrics"
	"megafetch/utils"
)

const (
	// sessionCookieDomain receives the "a" token of a successful login
	sessionCookieDomain = "share-online.biz"
	sessionCookieName   = "a"
	notAvailable        = "not_available"
)

// premiumGroups are the account groups with premium download rights
var premiumGroups = map[string]bool{
	"PrePaid":         true,
	"Premium":         true,
	"Penalty-Premium": true,
}

// loginErrorPattern finds the "**message**" marker the API uses for rejected logins
var loginErrorPattern = regexp.MustCompile(`\*\*(.+?)\*\*`)

// ShareOnlineAccount implements the AccountChecker interface for Share-Online
type ShareOnlineAccount struct {
	httpClient *utils.HTTPClient
	accountURL string
	trafficCap int64
	metrics    *metrics.Metrics
}

// NewShareOnlineAccount creates an account checker with default settings
func NewShareOnlineAccount() *ShareOnlineAccount {
	return NewShareOnlineAccountWithClient(utils.NewHTTPClient(), internal.DefaultAccountURL, internal.DefaultTrafficCap)
}

// NewShareOnlineAccountWithClient creates an account checker with a custom client and endpoint
func NewShareOnlineAccountWithClient(httpClient *utils.HTTPClient, accountURL string, trafficCap int64) *ShareOnlineAccount {
	if accountURL == "" {
		accountURL = internal.DefaultAccountURL
	}
	if trafficCap <= 0 {
		trafficCap = internal.DefaultTrafficCap
	}
	return &ShareOnlineAccount{
		httpClient: httpClient,
		accountURL: accountURL,
		trafficCap: trafficCap,
	}
}

// SetMetrics attaches a metrics sink
func (a *ShareOnlineAccount) SetMetrics(m *metrics.Metrics) {
	a.metrics = m
}

// Check logs in and reports the account status
func (a *ShareOnlineAccount) Check(ctx context.Context, username, password string) (*internal.AccountInfo, error) {
	if username == "" {
		return nil, internal.NewValidationError("username", "username cannot be empty")
	}

	start := time.Now()
	info, err := a.check(ctx, username, password)
	a.metrics.RecordAPICall("userdetails", time.Since(start), err)
	a.metrics.RecordAccountCheck(info, err)
	return info, err
}

func (a *ShareOnlineAccount) check(ctx context.Context, username, password string) (*internal.AccountInfo, error) {
	body, err := a.fetchUserDetails(ctx, username, password)
	if err != nil {
		return nil, err
	}

	if err := DetectLoginError(body); err != nil {
		internal.LogError("Share-Online login failed for %s: %s", username, err.Message)
		return nil, err
	}

	info, err := ParseAccountStatus(body, a.trafficCap)
	if err != nil {
		return nil, err
	}
	info.Username = username

	if info.Session != nil {
		if err := a.httpClient.SetCookies("http://"+sessionCookieDomain+"/", []*http.Cookie{info.Session}); err != nil {
			internal.LogWarn("Failed to store session cookie: %v", err)
		}
	}

	internal.GetLogger().DebugFields(map[string]interface{}{
		"premium":      info.Premium,
		"group":        info.Group,
		"valid_until":  info.ValidUntil,
		"traffic_left": info.TrafficLeft,
	}, "Account status for %s", username)

	return info, nil
}

func (a *ShareOnlineAccount) fetchUserDetails(ctx context.Context, username, password string) (string, error) {
	endpoint, err := url.Parse(a.accountURL)
	if err != nil {
		return "", fmt.Errorf("invalid account URL %q: %w", a.accountURL, err)
	}
	query := endpoint.Query()
	query.Set("q", "userdetails")
	query.Set("aux", "traffic")
	query.Set("username", username)
	query.Set("password", password)
	endpoint.RawQuery = query.Encode()

	resp, err := a.httpClient.GetWithContext(ctx, endpoint.String(), nil)
	if err != nil {
		return "", fmt.Errorf("account API request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseSize))
	if err != nil {
		return "", fmt.Errorf("failed to read account API response: %w", err)
	}
	return string(body), nil
}

// DetectLoginError returns a login-fail error when body carries a "**message**" marker
func DetectLoginError(body string) *internal.HosterError {
	m := loginErrorPattern.FindStringSubmatch(body)
	if m == nil {
		return nil
	}
	return internal.NewLoginFailError(strings.TrimSpace(m[1]))
}

// parseKeyValues splits "key=value" lines on the first '='; lines without one are skipped
func parseKeyValues(body string) map[string]string {
	values := make(map[string]string)
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimRight(line, "\r")
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		values[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return values
}

// ParseAccountStatus parses a user details response. trafficCap is the daily
// allowance in bytes; traffic figures in the result are in KiB with -1 for unknown.
func ParseAccountStatus(body string, trafficCap int64) (*internal.AccountInfo, error) {
	values := parseKeyValues(body)

	info := &internal.AccountInfo{
		TrafficLeft: -1,
		MaxTraffic:  float64(trafficCap) / 1024,
	}

	token, ok := values["a"]
	if !ok {
		return nil, accountParseError("a", "missing session token")
	}
	if strings.EqualFold(token, notAvailable) {
		return info, nil
	}

	info.Session = &http.Cookie{
		Name:   sessionCookieName,
		Value:  token,
		Domain: sessionCookieDomain,
		Path:   "/",
	}

	info.Group = values["group"]
	info.Premium = premiumGroups[info.Group]

	expire, ok := values["expire_date"]
	if !ok {
		return nil, accountParseError("expire_date", "missing expiry date")
	}
	validUntil, err := strconv.ParseFloat(expire, 64)
	if err != nil {
		return nil, accountParseError("expire_date", fmt.Sprintf("invalid expiry date %q", expire))
	}
	info.ValidUntil = validUntil

	rawTraffic, ok := values["traffic_1d"]
	if !ok {
		return nil, accountParseError("traffic_1d", "missing daily traffic")
	}
	used, _, _ := strings.Cut(rawTraffic, ";")
	traffic, err := strconv.ParseFloat(strings.TrimSpace(used), 64)
	if err != nil {
		return nil, accountParseError("traffic_1d", fmt.Sprintf("invalid daily traffic %q", rawTraffic))
	}

	if float64(trafficCap) > traffic {
		info.TrafficLeft = (float64(trafficCap) - traffic) / 1024
	}

	return info, nil
}

func accountParseError(key, reason string) *internal.HosterError {
	return internal.NewHosterError(0, "Unexpected account API response: "+reason, internal.ErrInvalidResponse).
		WithContext("key", key)
}
