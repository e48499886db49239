// Package identity derives a stable pseudo-identity for an anonymous visitor.
//
// The derivation tries, in order, the affiliate click id, the sub-affiliate id,
// a fingerprint over a fixed ordered set of request headers and finally a hash
// of the client address and user agent. Resolve is pure and never fails.
package identity

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
)

// Identity origins
const (
	OriginClick       = "click"
	OriginSub         = "sub"
	OriginFingerprint = "fingerprint"
	OriginIP          = "ip"
)

const unknown = "unknown"

// fingerprintHeaders is the ordered header set hashed into a fingerprint.
var fingerprintHeaders = []string{
	"User-Agent",
	"Accept-Language",
	"Accept-Encoding",
	"Sec-Ch-Ua",
	"Sec-Ch-Ua-Platform",
	"Sec-Ch-Ua-Mobile",
}

// Identity is a tagged pseudonym such as "click:abc123".
type Identity string

// String returns the tagged form.
func (i Identity) String() string { return string(i) }

// Origin returns the tag before the first colon.
func (i Identity) Origin() string {
	origin, _, _ := strings.Cut(string(i), ":")
	return origin
}

// Signals are the request inputs identity derivation looks at.
type Signals struct {
	ClickID  string
	SubID    string
	Headers  http.Header
	ClientIP string
}

// Resolve derives the identity for the given signals.
func Resolve(s Signals) Identity {
	if id := strings.TrimSpace(s.ClickID); id != "" {
		return Identity(OriginClick + ":" + id)
	}
	if id := strings.TrimSpace(s.SubID); id != "" {
		return Identity(OriginSub + ":" + id)
	}
	if fp, ok := fingerprint(s.Headers); ok {
		return Identity(OriginFingerprint + ":" + fp)
	}
	return Identity(OriginIP + ":" + addressHash(s.ClientIP, header(s.Headers, "User-Agent")))
}

// FromRequest collects signals from an HTTP request. The client address is
// the first X-Forwarded-For hop when present, otherwise the connection peer.
func FromRequest(r *http.Request) Signals {
	q := r.URL.Query()
	return Signals{
		ClickID:  q.Get("clickid"),
		SubID:    q.Get("subid"),
		Headers:  r.Header,
		ClientIP: ClientIP(r),
	}
}

// ClientIP returns the best-effort client address of r.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xr := strings.TrimSpace(r.Header.Get("X-Real-IP")); xr != "" {
		return xr
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// fingerprint hashes the ordered header values. Any one non-empty header is
// enough; absent headers hash as empty strings in their slot.
func fingerprint(h http.Header) (string, bool) {
	if h == nil {
		return "", false
	}
	values := make([]string, len(fingerprintHeaders))
	present := false
	for i, name := range fingerprintHeaders {
		values[i] = header(h, name)
		if values[i] != "" {
			present = true
		}
	}
	if !present {
		return "", false
	}
	sum := sha256.Sum256([]byte(strings.Join(values, "|")))
	return hex.EncodeToString(sum[:])[:16], true
}

func addressHash(ip, ua string) string {
	if ip == "" {
		ip = unknown
	}
	if ua == "" {
		ua = unknown
	}
	sum := md5.Sum([]byte(ip + ua))
	return hex.EncodeToString(sum[:])[:12]
}

func header(h http.Header, name string) string {
	if h == nil {
		return ""
	}
	return strings.TrimSpace(h.Get(name))
}
