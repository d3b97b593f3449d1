package internal

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorType represents different types of errors
type ErrorType int

const (
	ErrInvalidURL ErrorType = iota
	ErrAuthRequired
	ErrRateLimit
	ErrNetworkTimeout
	ErrFileNotFound
	ErrTempUnavailable
	ErrQuotaExceeded
	ErrInvalidResponse
	ErrDownloadFailed
	ErrDecryptionFailed
	ErrPermissionDenied
	ErrDiskSpace
	ErrResumeDataCorrupted
	ErrResumeIncompatible
	ErrPartialFileInvalid
)

// ErrorSeverity represents the severity of an error
type ErrorSeverity int

const (
	SeverityInfo ErrorSeverity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

// Outcome is the signal a hoster error sends to the download host
type Outcome int

const (
	// OutcomeFail ends the download with a message
	OutcomeFail Outcome = iota
	// OutcomeOffline marks the file as permanently gone
	OutcomeOffline
	// OutcomeTempOffline marks the file as unavailable for now
	OutcomeTempOffline
	// OutcomeRetry asks the host to run the download again after a delay
	OutcomeRetry
	// OutcomeLoginFail marks the account credentials as rejected
	OutcomeLoginFail
)

// String returns the string representation of Outcome
func (o Outcome) String() string {
	switch o {
	case OutcomeFail:
		return "fail"
	case OutcomeOffline:
		return "offline"
	case OutcomeTempOffline:
		return "temporarily-offline"
	case OutcomeRetry:
		return "retry"
	case OutcomeLoginFail:
		return "login-fail"
	default:
		return "unknown"
	}
}

// HosterError represents a provider error with detailed information and the
// outcome it maps to
type HosterError struct {
	Code          int                    `json:"code"`
	Message       string                 `json:"message"`
	Type          ErrorType              `json:"type"`
	Severity      ErrorSeverity          `json:"severity"`
	Outcome       Outcome                `json:"outcome"`
	URL           string                 `json:"url,omitempty"`
	Suggestion    string                 `json:"suggestion,omitempty"`
	RetryAfter    int                    `json:"retry_after,omitempty"` // seconds
	RetryAttempts int                    `json:"retry_attempts,omitempty"`
	Context       map[string]interface{} `json:"context,omitempty"`
	Cause         error                  `json:"-"`
}

// Error implements the error interface
func (e *HosterError) Error() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("%s (code: %d, type: %s)", e.Outcome.String(), e.Code, e.Type.String()))

	if e.Message != "" {
		parts = append(parts, e.Message)
	}

	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	if e.Suggestion != "" {
		parts = append(parts, fmt.Sprintf("Suggestion: %s", e.Suggestion))
	}

	return strings.Join(parts, " - ")
}

// Unwrap returns the underlying cause
func (e *HosterError) Unwrap() error {
	return e.Cause
}

// DetailedError returns a detailed error message with all available information
func (e *HosterError) DetailedError() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[%s] %s Error (%s)", e.Severity.String(), e.Type.String(), e.Outcome.String()))

	if e.Code != 0 {
		parts = append(parts, fmt.Sprintf("Code: %d", e.Code))
	}
	if e.Message != "" {
		parts = append(parts, fmt.Sprintf("Message: %s", e.Message))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause: %v", e.Cause))
	}

	// URL is redacted, share links carry the file key
	if e.URL != "" {
		parts = append(parts, fmt.Sprintf("URL: %s", redactSensitiveURL(e.URL)))
	}

	if len(e.Context) > 0 {
		parts = append(parts, fmt.Sprintf("Context: %s", formatContext(e.Context)))
	}

	if e.Suggestion != "" {
		parts = append(parts, fmt.Sprintf("\nSuggestion: %s", e.Suggestion))
	}

	if e.RetryAfter > 0 {
		if e.RetryAttempts > 0 {
			parts = append(parts, fmt.Sprintf("Retry after: %d seconds (up to %d attempts)", e.RetryAfter, e.RetryAttempts))
		} else {
			parts = append(parts, fmt.Sprintf("Retry after: %d seconds", e.RetryAfter))
		}
	}

	return strings.Join(parts, "\n")
}

// String returns the string representation of ErrorType
func (et ErrorType) String() string {
	switch et {
	case ErrInvalidURL:
		return "InvalidURL"
	case ErrAuthRequired:
		return "AuthRequired"
	case ErrRateLimit:
		return "RateLimit"
	case ErrNetworkTimeout:
		return "NetworkTimeout"
	case ErrFileNotFound:
		return "FileNotFound"
	case ErrTempUnavailable:
		return "TempUnavailable"
	case ErrQuotaExceeded:
		return "QuotaExceeded"
	case ErrInvalidResponse:
		return "InvalidResponse"
	case ErrDownloadFailed:
		return "DownloadFailed"
	case ErrDecryptionFailed:
		return "DecryptionFailed"
	case ErrPermissionDenied:
		return "PermissionDenied"
	case ErrDiskSpace:
		return "DiskSpace"
	case ErrResumeDataCorrupted:
		return "ResumeDataCorrupted"
	case ErrResumeIncompatible:
		return "ResumeIncompatible"
	case ErrPartialFileInvalid:
		return "PartialFileInvalid"
	default:
		return "Unknown"
	}
}

// String returns the string representation of ErrorSeverity
func (es ErrorSeverity) String() string {
	switch es {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// NewHosterError creates a new HosterError with the fail outcome
func NewHosterError(code int, message string, errorType ErrorType) *HosterError {
	return &HosterError{
		Code:       code,
		Message:    message,
		Type:       errorType,
		Outcome:    OutcomeFail,
		Severity:   getDefaultSeverity(errorType),
		Suggestion: getDefaultSuggestion(errorType, code),
		Context:    make(map[string]interface{}),
	}
}

// NewHosterErrorWithContext creates a HosterError with additional context
func NewHosterErrorWithContext(code int, message string, errorType ErrorType, context map[string]interface{}) *HosterError {
	err := NewHosterError(code, message, errorType)
	for k, v := range context {
		err.Context[k] = v
	}
	return err
}

// WithSuggestion adds a custom suggestion to the error
func (e *HosterError) WithSuggestion(suggestion string) *HosterError {
	e.Suggestion = suggestion
	return e
}

// WithURL adds URL context to the error (will be redacted in logs)
func (e *HosterError) WithURL(url string) *HosterError {
	e.URL = url
	return e
}

// WithRetryAfter sets the retry delay
func (e *HosterError) WithRetryAfter(seconds int) *HosterError {
	e.RetryAfter = seconds
	return e
}

// WithOutcome overrides the outcome
func (e *HosterError) WithOutcome(outcome Outcome) *HosterError {
	e.Outcome = outcome
	return e
}

// WithCause records the underlying error
func (e *HosterError) WithCause(err error) *HosterError {
	e.Cause = err
	return e
}

// WithContext adds context information to the error
func (e *HosterError) WithContext(key string, value interface{}) *HosterError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// IsRetryable returns true if the error is retryable
func (e *HosterError) IsRetryable() bool {
	if e.Outcome == OutcomeRetry {
		return true
	}
	switch e.Type {
	case ErrNetworkTimeout, ErrRateLimit:
		return true
	case ErrInvalidResponse:
		// Some invalid responses might be temporary
		return e.Code >= 500
	default:
		return false
	}
}

// IsCritical returns true if the error is critical and should stop execution
func (e *HosterError) IsCritical() bool {
	return e.Severity == SeverityCritical
}

// AsHosterError extracts a HosterError from an error chain
func AsHosterError(err error) (*HosterError, bool) {
	var hosterErr *HosterError
	if errors.As(err, &hosterErr) {
		return hosterErr, true
	}
	return nil, false
}

// ValidationError represents input validation errors
type ValidationError struct {
	Field      string                 `json:"field"`
	Message    string                 `json:"message"`
	Value      interface{}            `json:"value,omitempty"`
	Suggestion string                 `json:"suggestion,omitempty"`
	Context    map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	parts := []string{fmt.Sprintf("validation error for %s: %s", e.Field, e.Message)}

	if e.Suggestion != "" {
		parts = append(parts, fmt.Sprintf("Suggestion: %s", e.Suggestion))
	}

	return strings.Join(parts, " - ")
}

// DetailedError returns a detailed validation error message
func (e *ValidationError) DetailedError() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Validation Error for field '%s'", e.Field))
	parts = append(parts, fmt.Sprintf("Message: %s", e.Message))

	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("Provided value: %v", e.Value))
	}

	if len(e.Context) > 0 {
		parts = append(parts, fmt.Sprintf("Context: %s", formatContext(e.Context)))
	}

	if e.Suggestion != "" {
		parts = append(parts, fmt.Sprintf("\nSuggestion: %s", e.Suggestion))
	}

	return strings.Join(parts, "\n")
}

// NewValidationError creates a new ValidationError
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// NewValidationErrorWithValue creates a ValidationError with the invalid value
func NewValidationErrorWithValue(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
		Context: make(map[string]interface{}),
	}
}

// WithSuggestion adds a suggestion to the validation error
func (e *ValidationError) WithSuggestion(suggestion string) *ValidationError {
	e.Suggestion = suggestion
	return e
}

// WithContext adds context to the validation error
func (e *ValidationError) WithContext(key string, value interface{}) *ValidationError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// formatContext renders context keys in a stable order
func formatContext(ctx map[string]interface{}) string {
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, ctx[k]))
	}
	return strings.Join(parts, ", ")
}

// getDefaultSuggestion returns a default suggestion based on error type and code
func getDefaultSuggestion(errorType ErrorType, code int) string {
	switch errorType {
	case ErrInvalidURL:
		return "Please ensure the URL is a valid MEGA file link (e.g., https://mega.co.nz/#!id!key)"
	case ErrAuthRequired:
		return "Check the account username and password"
	case ErrRateLimit:
		return "Please wait before retrying. Consider using --limit-rate to reduce bandwidth usage"
	case ErrNetworkTimeout:
		return "Check your internet connection and try again. Consider using a proxy if needed"
	case ErrFileNotFound:
		return "Verify the share link is still valid and the file hasn't been removed"
	case ErrTempUnavailable:
		return "The file is temporarily unavailable. Try again later"
	case ErrQuotaExceeded:
		return "Your transfer quota has been exceeded. Try again later or use a different account"
	case ErrInvalidResponse:
		if code >= 500 {
			return "Server error occurred. Please try again later"
		}
		return "Invalid response from server. The API might have changed or the link is invalid"
	case ErrDownloadFailed:
		return "Download failed. Check available disk space and network connection"
	case ErrDecryptionFailed:
		return "Decryption failed. Check that the link includes the correct key"
	case ErrPermissionDenied:
		return "Permission denied. Check file/directory permissions or try running with appropriate privileges"
	case ErrDiskSpace:
		return "Insufficient disk space. Free up space or choose a different output directory"
	case ErrResumeDataCorrupted:
		return "Resume metadata is corrupted. Delete the .megafetch.json file and restart the download"
	case ErrResumeIncompatible:
		return "Resume data is incompatible with current download. Delete resume files and restart"
	case ErrPartialFileInvalid:
		return "Partial download file is invalid. Delete the .part file and restart the download"
	default:
		return "Please check the error details and try again"
	}
}

// getDefaultSeverity returns the default severity for an error type
func getDefaultSeverity(errorType ErrorType) ErrorSeverity {
	switch errorType {
	case ErrRateLimit, ErrNetworkTimeout, ErrTempUnavailable:
		return SeverityWarning
	case ErrInvalidURL, ErrAuthRequired, ErrFileNotFound:
		return SeverityError
	case ErrQuotaExceeded, ErrPermissionDenied, ErrDiskSpace:
		return SeverityCritical
	default:
		return SeverityError
	}
}

// redactSensitiveURL drops query parameters and the link fragment, which
// carries the file key
func redactSensitiveURL(url string) string {
	if i := strings.Index(url, "#"); i >= 0 {
		url = url[:i] + "#[REDACTED]"
	}
	if i := strings.Index(url, "?"); i >= 0 {
		return url[:i] + "?[REDACTED]"
	}
	return url
}

// Outcome constructors

// NewOfflineError reports a file that no longer exists
func NewOfflineError(code int, url string) *HosterError {
	return NewHosterError(code, "File is offline", ErrFileNotFound).
		WithOutcome(OutcomeOffline).
		WithURL(url)
}

// NewTempOfflineError reports a file that is unavailable for now
func NewTempOfflineError(code int, retryAfter int) *HosterError {
	return NewHosterError(code, "File is temporarily unavailable", ErrTempUnavailable).
		WithOutcome(OutcomeTempOffline).
		WithRetryAfter(retryAfter)
}

// NewRetryError asks the host to try again after delay seconds for up to attempts times
func NewRetryError(code int, attempts int, delay int, message string) *HosterError {
	err := NewHosterError(code, message, ErrRateLimit).
		WithOutcome(OutcomeRetry).
		WithRetryAfter(delay).
		WithSuggestion(fmt.Sprintf("Will retry in %d seconds", delay))
	err.RetryAttempts = attempts
	return err
}

// NewFailError ends the download with a message
func NewFailError(code int, message string) *HosterError {
	return NewHosterError(code, message, ErrInvalidResponse)
}

// NewLoginFailError reports rejected account credentials
func NewLoginFailError(message string) *HosterError {
	return NewHosterError(401, message, ErrAuthRequired).
		WithOutcome(OutcomeLoginFail)
}

// Common error constructors for frequently used errors

// NewInvalidURLError creates an error for invalid URLs
func NewInvalidURLError(url string, reason string) *HosterError {
	return NewHosterError(400, fmt.Sprintf("Invalid URL: %s", reason), ErrInvalidURL).
		WithURL(url)
}

// NewRateLimitError creates an error for rate limiting
func NewRateLimitError(retryAfter int) *HosterError {
	return NewHosterError(429, "Rate limit exceeded", ErrRateLimit).
		WithRetryAfter(retryAfter).
		WithSuggestion(fmt.Sprintf("Please wait %d seconds before retrying", retryAfter))
}

// NewNetworkTimeoutError creates an error for network timeouts
func NewNetworkTimeoutError(operation string) *HosterError {
	return NewHosterError(408, fmt.Sprintf("Network timeout during %s", operation), ErrNetworkTimeout)
}

// NewDecryptionError wraps a pipeline failure; decryption errors are terminal
func NewDecryptionError(path string, cause error) *HosterError {
	return NewHosterError(0, "Decryption failed", ErrDecryptionFailed).
		WithContext("file", path).
		WithCause(cause)
}

// NewResumeDataCorruptedError creates an error for corrupted resume metadata
func NewResumeDataCorruptedError(path string, reason string) *HosterError {
	return NewHosterError(500, fmt.Sprintf("Resume metadata corrupted: %s", reason), ErrResumeDataCorrupted).
		WithContext("metadata_path", path)
}

// NewResumeIncompatibleError creates an error for incompatible resume data
func NewResumeIncompatibleError(reason string) *HosterError {
	return NewHosterError(409, fmt.Sprintf("Resume data incompatible: %s", reason), ErrResumeIncompatible).
		WithSuggestion("Delete resume files (.part and .megafetch.json) and restart the download")
}

// NewPartialFileInvalidError creates an error for invalid partial files
func NewPartialFileInvalidError(path string, reason string) *HosterError {
	return NewHosterError(422, fmt.Sprintf("Partial file invalid: %s", reason), ErrPartialFileInvalid).
		WithContext("partial_file", path)
}
