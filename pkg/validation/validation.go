package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// IDRegex matches stream, transport, producer and consumer ids.
	IDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)
)

const (
	maxIDLength    = 100
	maxTitleLength = 200
)

func ValidateUsername(username string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return fmt.Errorf("username is required")
	}
	if len(username) < 3 {
		return fmt.Errorf("username must be at least 3 characters")
	}
	if len(username) > 50 {
		return fmt.Errorf("username is too long (max 50 characters)")
	}
	if !usernameRegex.MatchString(username) {
		return fmt.Errorf("username contains invalid characters (only letters, numbers, '.', '_' and '-' allowed)")
	}
	return nil
}

// ValidateID checks an identifier received from a client. field names the
// value in the error message.
func ValidateID(id, field string) error {
	if id == "" {
		return fmt.Errorf("%s is required", field)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("%s is too long (max %d characters)", field, maxIDLength)
	}
	if !IDRegex.MatchString(id) {
		return fmt.Errorf("invalid %s format", field)
	}
	return nil
}

func ValidateStreamID(streamID string) error {
	return ValidateID(streamID, "stream ID")
}

func ValidateStreamTitle(title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return fmt.Errorf("stream title is required")
	}
	if !utf8.ValidString(title) {
		return fmt.Errorf("stream title contains invalid characters")
	}
	if utf8.RuneCountInString(title) > maxTitleLength {
		return fmt.Errorf("stream title is too long (max %d characters)", maxTitleLength)
	}
	return nil
}

// ValidateRTMPURL accepts rtmp:// and rtmps:// endpoints with a host and an
// application path.
func ValidateRTMPURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("rtmp url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid rtmp url: %w", err)
	}
	if u.Scheme != "rtmp" && u.Scheme != "rtmps" {
		return fmt.Errorf("invalid rtmp url scheme %q (must be rtmp or rtmps)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("rtmp url must have a host")
	}
	if strings.Trim(u.Path, "/") == "" {
		return fmt.Errorf("rtmp url must include an application path")
	}
	return nil
}
