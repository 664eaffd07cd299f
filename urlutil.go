package shadownloader

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	shaderr "github.com/kenneth/shadownloader/errors"
)

// ServerTarget is an immutable description of the companion server this
// Client talks to. It is derived once from a URL string and never mutated
// afterward, except when the capability cache's HTTPS fallback rewrites
// Secure to false.
type ServerTarget struct {
	Host   string
	Port   int // 0 means "use the scheme default"
	Secure bool
}

// ParseServerURL trims whitespace, defaults a missing scheme to https,
// strips trailing slashes, and splits the remainder into host/port/secure.
// An empty host is rejected.
func ParseServerURL(raw string) (ServerTarget, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimRight(s, "/")
	if s == "" {
		return ServerTarget{}, shaderr.New(shaderr.Validation, "empty_server_url", "server URL must not be empty")
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}

	u, err := url.Parse(s)
	if err != nil {
		return ServerTarget{}, shaderr.Wrap(shaderr.Validation, "invalid_server_url", "failed to parse server URL", err)
	}
	if u.Hostname() == "" {
		return ServerTarget{}, shaderr.New(shaderr.Validation, "empty_server_url", "server URL must include a host")
	}

	secure := u.Scheme != "http"
	port := 0
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return ServerTarget{}, shaderr.Wrap(shaderr.Validation, "invalid_server_url", "invalid port in server URL", err)
		}
		port = n
	}

	return ServerTarget{Host: u.Hostname(), Port: port, Secure: secure}, nil
}

// BuildBaseURL renders t back into "<scheme>://<host>[:<port>]". Round-tripped
// through ParseServerURL it reproduces the same target for any well-formed
// input.
func BuildBaseURL(t ServerTarget) string {
	scheme := "https"
	if !t.Secure {
		scheme = "http"
	}
	if t.Port == 0 {
		return fmt.Sprintf("%s://%s", scheme, t.Host)
	}
	return fmt.Sprintf("%s://%s:%d", scheme, t.Host, t.Port)
}

// CheckVersion compares client and server semver strings, ignoring patch.
// Differing majors are incompatible; a client minor greater than the
// server's is compatible but flagged with a "newer client" message.
func CheckVersion(clientVersion, serverVersion string) (compatible bool, message string, err error) {
	cMajor, cMinor, err := majorMinor(clientVersion)
	if err != nil {
		return false, "", shaderr.Wrap(shaderr.Validation, "invalid_client_version", "invalid client version", err)
	}
	sMajor, sMinor, err := majorMinor(serverVersion)
	if err != nil {
		return false, "", shaderr.Wrap(shaderr.Protocol, "invalid_server_version", "server reported an invalid version", err)
	}

	if cMajor != sMajor {
		return false, fmt.Sprintf("client major version %d is incompatible with server major version %d", cMajor, sMajor), nil
	}
	if cMinor > sMinor {
		return true, "client is newer than the server; some features may be unavailable", nil
	}
	return true, "", nil
}

func majorMinor(version string) (int, int, error) {
	v := strings.TrimPrefix(strings.TrimSpace(version), "v")
	parts := strings.SplitN(v, ".", 3)
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("version %q is not in major.minor[.patch] form", version)
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid major version in %q: %w", version, err)
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid minor version in %q: %w", version, err)
	}
	return major, minor, nil
}

// maxPlainFilenameLen is the longest filename ValidatePlainFilename accepts.
const maxPlainFilenameLen = 255

// ValidatePlainFilename rejects empty names, names over 255 characters, and
// names containing a path separator. Encrypted filenames (base64 of
// ciphertext) bypass this check entirely.
func ValidatePlainFilename(name string) error {
	if name == "" {
		return shaderr.New(shaderr.Validation, "empty_filename", "filename must not be empty")
	}
	if len([]rune(name)) > maxPlainFilenameLen {
		return shaderr.New(shaderr.Validation, "filename_too_long", "filename exceeds 255 characters")
	}
	if strings.ContainsAny(name, "/\\") {
		return shaderr.New(shaderr.Validation, "invalid_filename", "filename must not contain a path separator")
	}
	return nil
}
