// Package horosafe holds the small input guards shared by the workbench:
// backend URL checks, dataset name validation for URL path segments, and
// bounded response reads.
package horosafe

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
)

// MaxResponseBody is the default cap for backend response reads (16 MiB).
// Trees of large files are the biggest payloads the backend returns.
const MaxResponseBody int64 = 16 << 20

// ErrUnsafeScheme is returned when a URL uses a non-HTTP(S) scheme.
var ErrUnsafeScheme = errors.New("horosafe: only http and https schemes are allowed")

// ErrResponseTooLarge is returned by LimitedReadAll when the limit is hit.
var ErrResponseTooLarge = errors.New("horosafe: response too large")

// ValidateBaseURL checks that rawURL is an absolute http(s) URL with a host
// and without query or fragment, so paths can be appended to it.
func ValidateBaseURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("horosafe: invalid URL: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return ErrUnsafeScheme
	}
	if u.Hostname() == "" {
		return fmt.Errorf("horosafe: URL has no host")
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("horosafe: base URL must not carry a query or fragment")
	}
	return nil
}

// ValidateIdentifier rejects names that are unsafe as a single URL path
// segment. Allows alphanumeric, underscore, hyphen, and dot, but not a name
// made only of dots.
func ValidateIdentifier(s string) error {
	if s == "" {
		return fmt.Errorf("horosafe: identifier must not be empty")
	}
	if len(s) > 256 {
		return fmt.Errorf("horosafe: identifier too long (max 256)")
	}
	if strings.Trim(s, ".") == "" {
		return fmt.Errorf("horosafe: identifier %q is not allowed", s)
	}
	for _, r := range s {
		if !isIdentChar(r) {
			return fmt.Errorf("horosafe: invalid character %q in identifier", r)
		}
	}
	return nil
}

// LimitedReadAll reads at most maxBytes from r. Returns ErrResponseTooLarge
// if the limit is exceeded.
func LimitedReadAll(r io.Reader, maxBytes int64) ([]byte, error) {
	lr := io.LimitReader(r, maxBytes+1)
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrResponseTooLarge, maxBytes)
	}
	return data, nil
}

func isIdentChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') || r == '_' || r == '-' || r == '.'
}
