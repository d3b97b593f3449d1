package downloader

import (
	"fmt"

	"megafetch/internal"
)

const (
	// megaRetryAttempts and megaRetryDelay apply to the retry outcome
	megaRetryAttempts = 5
	megaRetryDelay    = 30 // seconds
	// megaTempOfflineDelay is how long a temporarily offline file is parked
	megaTempOfflineDelay = 30 * 60 // seconds
)

// megaError describes one MEGA API error code. Codes are stored positive;
// the API sends them negated.
type megaError struct {
	Outcome internal.Outcome
	Message string
}

// megaErrorTable classifies every code the API is known to return. Codes
// missing from the table fail the download.
var megaErrorTable = map[int]megaError{
	1:  {internal.OutcomeRetry, "internal error"},
	2:  {internal.OutcomeFail, "invalid arguments"},
	3:  {internal.OutcomeTempOffline, "request failed, retry with exponential backoff"},
	4:  {internal.OutcomeRetry, "too many requests"},
	5:  {internal.OutcomeFail, "request failed permanently"},
	6:  {internal.OutcomeRetry, "too many requests for this resource"},
	7:  {internal.OutcomeFail, "resource access out of range"},
	8:  {internal.OutcomeFail, "resource expired"},
	9:  {internal.OutcomeOffline, "resource does not exist"},
	10: {internal.OutcomeRetry, "circular linkage"},
	11: {internal.OutcomeFail, "access denied"},
	12: {internal.OutcomeFail, "resource already exists"},
	13: {internal.OutcomeTempOffline, "request incomplete"},
	14: {internal.OutcomeFail, "cryptographic error"},
	15: {internal.OutcomeRetry, "bad session id"},
	16: {internal.OutcomeOffline, "resource administratively blocked"},
	17: {internal.OutcomeTempOffline, "quota exceeded"},
	18: {internal.OutcomeTempOffline, "resource temporarily not available"},
	19: {internal.OutcomeTempOffline, "too many connections on this resource"},
	20: {internal.OutcomeFail, "write failed"},
	21: {internal.OutcomeOffline, "read failed"},
	22: {internal.OutcomeFail, "invalid application key"},
}

// classifyMegaError turns a code as received (usually negative) into a hoster error
func classifyMegaError(received int, link string) *internal.HosterError {
	code := received
	if code < 0 {
		code = -code
	}

	entry, known := megaErrorTable[code]
	if !known {
		entry = megaError{internal.OutcomeFail, "unknown error"}
	}
	message := fmt.Sprintf("MEGA API error %d: %s", code, entry.Message)

	var err *internal.HosterError
	switch entry.Outcome {
	case internal.OutcomeOffline:
		err = internal.NewOfflineError(code, link)
	case internal.OutcomeTempOffline:
		err = internal.NewTempOfflineError(code, megaTempOfflineDelay)
	case internal.OutcomeRetry:
		err = internal.NewRetryError(code, megaRetryAttempts, megaRetryDelay, message)
	default:
		err = internal.NewFailError(code, message)
	}

	return err.WithContext("api_message", entry.Message)
}
