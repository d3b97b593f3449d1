package utils

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"megafetch/internal"
)

// ShareLink contains parsed information from a MEGA file link
type ShareLink struct {
	OriginalURL string
	Domain      string
	NodeID      string
	EncodedKey  string
	// IsPublic is false for "#N!" links, which address a node inside a shared folder
	IsPublic bool
}

// URLValidator handles URL validation and parsing for MEGA links
type URLValidator struct {
	allowedDomains []string
	urlPatterns    []*regexp.Regexp
}

// NewURLValidator creates a new URL validator with predefined patterns
func NewURLValidator() *URLValidator {
	return NewURLValidatorWithDomains([]string{
		"mega.co.nz",
		"www.mega.co.nz",
		"mega.nz",
		"www.mega.nz",
	})
}

// NewURLValidatorWithDomains creates a validator accepting the given hosts
func NewURLValidatorWithDomains(domains []string) *URLValidator {
	patterns := []*regexp.Regexp{
		// Legacy fragment link: https://mega.co.nz/#!id!key or #N!id!key
		regexp.MustCompile(`^https?://(?:www\.)?mega\.(?:co\.)?nz/#(N|)!([\w^_]+)!([\w,\\-]+)$`),

		// File link: https://mega.nz/file/id#key
		regexp.MustCompile(`^https?://(?:www\.)?mega\.(?:co\.)?nz/file/([\w^_-]+)#([\w,\\-]+)$`),
	}

	allowed := make([]string, len(domains))
	for i, d := range domains {
		allowed[i] = strings.ToLower(d)
	}

	return &URLValidator{
		allowedDomains: allowed,
		urlPatterns:    patterns,
	}
}

// ValidateURL validates if the URL is from an allowed domain
func (v *URLValidator) ValidateURL(rawURL string) error {
	if rawURL == "" {
		return internal.NewValidationError("url", "URL cannot be empty")
	}

	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return internal.NewValidationError("url", fmt.Sprintf("invalid URL format: %v", err))
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return internal.NewValidationError("url", "URL must use http or https protocol")
	}

	host := strings.ToLower(parsedURL.Hostname())
	for _, allowedDomain := range v.allowedDomains {
		if host == allowedDomain {
			return nil
		}
	}

	return internal.NewInvalidURLError(rawURL, fmt.Sprintf("URL must be from mega.co.nz or mega.nz, got: %s", host))
}

// ParseURL extracts the node id and the encoded key from a MEGA link
func (v *URLValidator) ParseURL(rawURL string) (*ShareLink, error) {
	rawURL = strings.TrimSpace(rawURL)
	if err := v.ValidateURL(rawURL); err != nil {
		return nil, err
	}

	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, internal.NewValidationError("url", fmt.Sprintf("failed to parse URL: %v", err))
	}

	link := &ShareLink{
		OriginalURL: rawURL,
		Domain:      strings.ToLower(parsedURL.Hostname()),
		IsPublic:    true,
	}

	if m := v.urlPatterns[0].FindStringSubmatch(rawURL); m != nil {
		link.IsPublic = m[1] != "N"
		link.NodeID = m[2]
		link.EncodedKey = m[3]
		return link, nil
	}

	if m := v.urlPatterns[1].FindStringSubmatch(rawURL); m != nil {
		link.NodeID = m[1]
		link.EncodedKey = m[2]
		return link, nil
	}

	return nil, internal.NewInvalidURLError(rawURL, "unable to extract node id and key from URL")
}

// ParseShareLink parses a MEGA link with the default validator
func ParseShareLink(rawURL string) (*ShareLink, error) {
	return NewURLValidator().ParseURL(rawURL)
}

// CanonicalURL renders the link in the fragment form
func (l *ShareLink) CanonicalURL() string {
	kind := ""
	if !l.IsPublic {
		kind = "N"
	}
	return fmt.Sprintf("https://mega.co.nz/#%s!%s!%s", kind, l.NodeID, l.EncodedKey)
}

// String returns a string representation of the ShareLink; the key is never printed
func (l *ShareLink) String() string {
	return fmt.Sprintf("ShareLink{Domain: %s, NodeID: %s, IsPublic: %t}", l.Domain, l.NodeID, l.IsPublic)
}
