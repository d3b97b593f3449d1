package internal

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// LogLevel represents different logging levels
type LogLevel int

const (
	LogLevelError LogLevel = iota
	LogLevelWarn
	LogLevelInfo
	LogLevelDebug
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case LogLevelError:
		return "ERROR"
	case LogLevelWarn:
		return "WARN"
	case LogLevelInfo:
		return "INFO"
	case LogLevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

func (l LogLevel) logrusLevel() logrus.Level {
	switch l {
	case LogLevelError:
		return logrus.ErrorLevel
	case LogLevelWarn:
		return logrus.WarnLevel
	case LogLevelDebug:
		return logrus.DebugLevel
	default:
		return logrus.InfoLevel
	}
}

// SecureLogger provides secure logging with sensitive data redaction
type SecureLogger struct {
	logger    *logrus.Logger
	level     LogLevel
	debug     bool
	quiet     bool
	redactors []Redactor
}

// Redactor defines an interface for redacting sensitive information
type Redactor interface {
	Redact(input string) string
}

// redactAfter replaces every value following one of the markers up to a
// terminator byte
func redactAfter(input string, markers []string, terminators string) string {
	result := input
	for _, marker := range markers {
		lowerMarker := strings.ToLower(marker)
		searchFrom := 0
		for {
			index := strings.Index(strings.ToLower(result[searchFrom:]), lowerMarker)
			if index == -1 {
				break
			}
			start := searchFrom + index + len(marker)
			end := start
			for end < len(result) && !strings.ContainsRune(terminators, rune(result[end])) {
				end++
			}
			if end > start && result[start:end] != "[REDACTED]" {
				result = result[:start] + "[REDACTED]" + result[end:]
			}
			searchFrom = start
			if searchFrom >= len(result) {
				break
			}
		}
	}
	return result
}

// CookieRedactor redacts cookie and credential header values
type CookieRedactor struct{}

func (r *CookieRedactor) Redact(input string) string {
	result := redactAfter(input, []string{"Bearer "}, " ;\n\r")
	// Authorization values run to the end of the header
	result = redactAfter(result, []string{"Authorization: "}, ";\n\r")
	return redactAfter(result, []string{"Cookie: ", "Set-Cookie: "}, " ;\n\r")
}

// URLRedactor redacts sensitive URL parameters
type URLRedactor struct{}

func (r *URLRedactor) Redact(input string) string {
	return redactAfter(input, []string{
		"access_token=",
		"token=",
		"secret=",
		"password=",
		"pwd=",
	}, "& \n")
}

// shareKeyPattern matches the key part of a MEGA link fragment
var shareKeyPattern = regexp.MustCompile(`(#N?![\w^_]+!)[\w,\-]+`)

// ShareKeyRedactor hides file keys embedded in share links
type ShareKeyRedactor struct{}

func (r *ShareKeyRedactor) Redact(input string) string {
	return shareKeyPattern.ReplaceAllString(input, "${1}[REDACTED]")
}

// NewSecureLogger creates a new secure logger writing text lines
func NewSecureLogger(output io.Writer, level LogLevel, debug, quiet bool) *SecureLogger {
	return NewSecureLoggerWithFormat(output, level, debug, quiet, "text")
}

// NewSecureLoggerWithFormat creates a secure logger; format is "text" or "json"
func NewSecureLoggerWithFormat(output io.Writer, level LogLevel, debug, quiet bool, format string) *SecureLogger {
	logger := logrus.New()
	logger.SetOutput(output)
	// Filtering happens in shouldLog
	logger.SetLevel(logrus.DebugLevel)

	if strings.EqualFold(format, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05Z07:00"})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:    true,
			TimestampFormat:  "2006-01-02 15:04:05",
			DisableColors:    true,
			QuoteEmptyFields: true,
		})
	}

	return &SecureLogger{
		logger: logger,
		level:  level,
		debug:  debug,
		quiet:  quiet,
		redactors: []Redactor{
			&CookieRedactor{},
			&URLRedactor{},
			&ShareKeyRedactor{},
		},
	}
}

// NewDefaultLogger creates a logger with default settings
func NewDefaultLogger(debug, quiet bool) *SecureLogger {
	level := LogLevelInfo
	if debug {
		level = LogLevelDebug
	}
	if quiet {
		level = LogLevelError
	}

	return NewSecureLogger(os.Stderr, level, debug, quiet)
}

// redactSensitiveData applies all redactors to the input string
func (sl *SecureLogger) redactSensitiveData(input string) string {
	result := input
	for _, redactor := range sl.redactors {
		result = redactor.Redact(result)
	}
	return result
}

// callerField returns file:line of the code that called the logger
func (sl *SecureLogger) callerField() string {
	for depth := 3; depth <= 6; depth++ {
		_, file, line, ok := runtime.Caller(depth)
		if !ok {
			break
		}
		parts := strings.Split(file, "/")
		filename := parts[len(parts)-1]
		if filename != "logger.go" && filename != "log.go" {
			return fmt.Sprintf("%s:%d", filename, line)
		}
	}
	return ""
}

// shouldLog determines if a message should be logged based on level
func (sl *SecureLogger) shouldLog(level LogLevel) bool {
	if sl.quiet && level > LogLevelError {
		return false
	}
	return level <= sl.level
}

func (sl *SecureLogger) emit(level LogLevel, fields logrus.Fields, format string, args ...interface{}) {
	if !sl.shouldLog(level) {
		return
	}

	message := sl.redactSensitiveData(fmt.Sprintf(format, args...))

	entry := logrus.NewEntry(sl.logger)
	if len(fields) > 0 {
		redacted := make(logrus.Fields, len(fields))
		for k, v := range fields {
			if s, ok := v.(string); ok {
				v = sl.redactSensitiveData(s)
			}
			redacted[k] = v
		}
		entry = entry.WithFields(redacted)
	}
	if sl.debug {
		if caller := sl.callerField(); caller != "" {
			entry = entry.WithField("caller", caller)
		}
	}

	entry.Log(level.logrusLevel(), message)
}

// Error logs an error message
func (sl *SecureLogger) Error(format string, args ...interface{}) {
	sl.emit(LogLevelError, nil, format, args...)
}

// Warn logs a warning message
func (sl *SecureLogger) Warn(format string, args ...interface{}) {
	sl.emit(LogLevelWarn, nil, format, args...)
}

// Info logs an info message
func (sl *SecureLogger) Info(format string, args ...interface{}) {
	sl.emit(LogLevelInfo, nil, format, args...)
}

// Debug logs a debug message
func (sl *SecureLogger) Debug(format string, args ...interface{}) {
	sl.emit(LogLevelDebug, nil, format, args...)
}

// InfoFields logs an info message with structured fields
func (sl *SecureLogger) InfoFields(fields map[string]interface{}, format string, args ...interface{}) {
	sl.emit(LogLevelInfo, fields, format, args...)
}

// DebugFields logs a debug message with structured fields
func (sl *SecureLogger) DebugFields(fields map[string]interface{}, format string, args ...interface{}) {
	sl.emit(LogLevelDebug, fields, format, args...)
}

// LogHTTPRequest logs an HTTP request with sensitive data redacted
func (sl *SecureLogger) LogHTTPRequest(req *http.Request) {
	if !sl.shouldLog(LogLevelDebug) {
		return
	}

	sl.emit(LogLevelDebug, logrus.Fields{
		"method":  req.Method,
		"url":     req.URL.String(),
		"headers": sl.sanitizeHeaders(req.Header),
	}, "HTTP Request")
}

// LogHTTPResponse logs an HTTP response with sensitive data redacted
func (sl *SecureLogger) LogHTTPResponse(resp *http.Response) {
	if !sl.shouldLog(LogLevelDebug) {
		return
	}

	sl.emit(LogLevelDebug, logrus.Fields{
		"status":  resp.StatusCode,
		"headers": sl.sanitizeHeaders(resp.Header),
	}, "HTTP Response")
}

func (sl *SecureLogger) sanitizeHeaders(header http.Header) map[string]string {
	sanitized := make(map[string]string, len(header))
	for name, values := range header {
		if sl.isSensitiveHeader(name) {
			sanitized[name] = "[REDACTED]"
		} else {
			sanitized[name] = strings.Join(values, ", ")
		}
	}
	return sanitized
}

// isSensitiveHeader checks if a header contains sensitive information
func (sl *SecureLogger) isSensitiveHeader(name string) bool {
	sensitiveHeaders := []string{
		"authorization",
		"cookie",
		"set-cookie",
		"x-auth-token",
		"x-api-key",
		"bearer",
		"token",
	}

	lowerName := strings.ToLower(name)
	for _, sensitive := range sensitiveHeaders {
		if strings.Contains(lowerName, sensitive) {
			return true
		}
	}
	return false
}

// SetLevel sets the logging level
func (sl *SecureLogger) SetLevel(level LogLevel) {
	sl.level = level
}

// SetDebug enables or disables debug mode
func (sl *SecureLogger) SetDebug(debug bool) {
	sl.debug = debug
	if debug && sl.level < LogLevelDebug {
		sl.level = LogLevelDebug
	}
}

// SetQuiet enables or disables quiet mode
func (sl *SecureLogger) SetQuiet(quiet bool) {
	sl.quiet = quiet
	if quiet {
		sl.level = LogLevelError
	}
}

// AddRedactor adds a custom redactor
func (sl *SecureLogger) AddRedactor(redactor Redactor) {
	sl.redactors = append(sl.redactors, redactor)
}
