package keys

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
	"strings"
	"unicode"
)

// Key prefixes by service
const (
	PrefixLootLabs    = "LL"
	PrefixLinkvertise = "LV"
	PrefixDefault     = "CEVEX"

	// DefaultService is recorded when the request names no service.
	DefaultService = "direct"
)

// keyPattern is the only accepted key shape.
var keyPattern = regexp.MustCompile(`^(LL|LV|CEVEX)-[0-9A-F]{4}-[0-9A-F]{2}$`)

// NormalizeService trims and lower-cases a service name, defaulting to "direct".
func NormalizeService(service string) string {
	service = strings.ToLower(strings.TrimSpace(service))
	if service == "" {
		return DefaultService
	}
	return service
}

// PrefixFor maps a service name to its key prefix.
func PrefixFor(service string) string {
	switch NormalizeService(service) {
	case "lootlabs":
		return PrefixLootLabs
	case "linkvertise":
		return PrefixLinkvertise
	default:
		return PrefixDefault
	}
}

// Generate builds a key with the given prefix from three random bytes read from r.
// A nil reader uses crypto/rand.
func Generate(r io.Reader, prefix string) (string, error) {
	if r == nil {
		r = rand.Reader
	}
	var buf [3]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return "", fmt.Errorf("read key entropy: %w", err)
	}
	digits := strings.ToUpper(hex.EncodeToString(buf[:]))
	return fmt.Sprintf("%s-%s-%s", prefix, digits[:4], digits[4:]), nil
}

// Normalize upper-cases a user supplied key and strips all whitespace.
func Normalize(raw string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToUpper(r)
	}, raw)
}

// Validate reports ErrInvalidFormat unless key already matches the grammar.
// Callers normalize first.
func Validate(key string) error {
	if !keyPattern.MatchString(key) {
		return ErrInvalidFormat
	}
	return nil
}

// Mask hides the random middle group of a key for logging: LL-****-9F.
func Mask(key string) string {
	parts := strings.Split(key, "-")
	if len(parts) != 3 {
		if len(key) <= 4 {
			return "****"
		}
		return key[:2] + "****"
	}
	return parts[0] + "-****-" + parts[2]
}

// MaskDevice keeps the first four characters of a device token.
func MaskDevice(device string) string {
	if len(device) <= 4 {
		return "****"
	}
	return device[:4] + "****"
}
