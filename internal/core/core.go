package core

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Mapping is the stored association between a shortcode and its original URL.
type Mapping struct {
	ID          uuid.UUID `db:"id" json:"-"`
	Shortcode   string    `db:"shortcode" json:"shortcode"`
	OriginalURL string    `db:"original_url" json:"originalUrl"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
	ExpiresAt   time.Time `db:"expires_at" json:"expiry"`
}

// Expired reports whether the mapping is no longer valid at t.
func (m Mapping) Expired(t time.Time) bool {
	return !m.ExpiresAt.IsZero() && !t.Before(m.ExpiresAt)
}

// Click is a single redirect served for a mapping.
type Click struct {
	Timestamp time.Time `db:"clicked_at" json:"timestamp"`
	Referrer  string    `db:"referrer" json:"referrer"`
	Location  string    `db:"location" json:"location"`
}

// Stats is the usage report of a mapping.
type Stats struct {
	Mapping
	TotalClicks int64   `json:"totalClicks"`
	Clicks      []Click `json:"clicks"`
}

// MaxURLLength is the maximum accepted length of an original URL.
const MaxURLLength = 2083

const (
	// alphabet holds the characters used for generating shortcodes.
	alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	// DefaultShortcodeLength is used when no positive length is requested.
	DefaultShortcodeLength = 6

	minCustomShortcodeLength = 4
	maxCustomShortcodeLength = 20
)

// reservedShortcodes are top-level route names that would shadow a redirect.
var reservedShortcodes = map[string]struct{}{
	"docs":      {},
	"health":    {},
	"metrics":   {},
	"shorturls": {},
}

// IsReservedShortcode reports whether s collides with a route of the service.
func IsReservedShortcode(s string) bool {
	_, ok := reservedShortcodes[s]
	return ok
}

// GenerateShortcode creates a random, URL-friendly string of the given length.
func GenerateShortcode(length int) (string, error) {
	if length <= 0 {
		length = DefaultShortcodeLength
	}
	n := big.NewInt(int64(len(alphabet)))
	result := make([]byte, length)
	for i := range result {
		num, err := rand.Int(rand.Reader, n)
		if err != nil {
			return "", fmt.Errorf("generateShortcode: %w", err)
		}
		result[i] = alphabet[num.Int64()]
	}
	return string(result), nil
}

// IsValidShortcode checks a caller-chosen shortcode. Reserved names are
// rejected.
func IsValidShortcode(s string) bool {
	if len(s) < minCustomShortcodeLength || len(s) > maxCustomShortcodeLength {
		return false
	}
	if IsReservedShortcode(s) {
		return false
	}
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(alphabet, s[i]) < 0 {
			return false
		}
	}
	return true
}

// IsValidURL reports whether s is an absolute http or https URL.
func IsValidURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return u.Host != ""
}

var locations = [...]string{
	"New York, US",
	"London, UK",
	"Tokyo, JP",
	"Sydney, AU",
	"Berlin, DE",
}

// LocationFromIP returns a placeholder location. The address is ignored.
func LocationFromIP(_ string) string {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(locations))))
	if err != nil {
		return locations[0]
	}
	return locations[n.Int64()]
}
