package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func browserHeaders() http.Header {
	h := http.Header{}
	h.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64)")
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("Accept-Encoding", "gzip, deflate, br")
	h.Set("Sec-CH-UA", `"Chromium";v="124"`)
	return h
}

func TestResolvePriority(t *testing.T) {
	tests := []struct {
		name   string
		in     Signals
		origin string
		exact  Identity
	}{
		{
			name:   "click wins over everything",
			in:     Signals{ClickID: "abc123", SubID: "sub9", Headers: browserHeaders(), ClientIP: "10.0.0.1"},
			origin: OriginClick,
			exact:  "click:abc123",
		},
		{
			name:   "sub when no click",
			in:     Signals{SubID: "sub9", Headers: browserHeaders(), ClientIP: "10.0.0.1"},
			origin: OriginSub,
			exact:  "sub:sub9",
		},
		{
			name:   "blank click falls through",
			in:     Signals{ClickID: "   ", SubID: "sub9"},
			origin: OriginSub,
			exact:  "sub:sub9",
		},
		{
			name:   "fingerprint from browser headers",
			in:     Signals{Headers: browserHeaders(), ClientIP: "10.0.0.1"},
			origin: OriginFingerprint,
		},
		{
			name:   "fingerprint from user agent alone",
			in:     Signals{Headers: http.Header{"User-Agent": []string{"curl/8.0"}}, ClientIP: "10.0.0.1"},
			origin: OriginFingerprint,
		},
		{
			name: "fingerprint without user agent",
			in: Signals{Headers: http.Header{
				"Accept-Language": []string{"en-US"},
				"Accept-Encoding": []string{"gzip"},
			}, ClientIP: "10.0.0.1"},
			origin: OriginFingerprint,
		},
		{
			name:   "ip fallback with unrelated headers",
			in:     Signals{Headers: http.Header{"X-Forwarded-For": []string{"10.0.0.1"}}, ClientIP: "10.0.0.1"},
			origin: OriginIP,
		},
		{
			name:   "ip fallback with nothing",
			in:     Signals{},
			origin: OriginIP,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Resolve(tt.in)
			assert.Equal(t, tt.origin, got.Origin())
			if tt.exact != "" {
				assert.Equal(t, tt.exact, got)
			}
		})
	}
}

func TestResolveDeterministic(t *testing.T) {
	in := Signals{Headers: browserHeaders(), ClientIP: "192.0.2.4"}
	first := Resolve(in)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, Resolve(in))
	}
	assert.Len(t, first.String(), len("fingerprint:")+16)

	fallback := Signals{ClientIP: "192.0.2.4"}
	assert.Equal(t, Resolve(fallback), Resolve(fallback))
	assert.Len(t, Resolve(fallback).String(), len("ip:")+12)
}

func TestResolveDistinguishesClients(t *testing.T) {
	a := browserHeaders()
	b := browserHeaders()
	b.Set("Accept-Language", "fr-FR")

	assert.NotEqual(t, Resolve(Signals{Headers: a}), Resolve(Signals{Headers: b}))
	assert.NotEqual(t,
		Resolve(Signals{ClientIP: "192.0.2.1"}),
		Resolve(Signals{ClientIP: "192.0.2.2"}),
	)
}

func TestFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/key?clickid=c1&subid=s1", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

	s := FromRequest(req)
	assert.Equal(t, "c1", s.ClickID)
	assert.Equal(t, "s1", s.SubID)
	assert.Equal(t, "203.0.113.7", s.ClientIP)
	assert.Equal(t, Identity("click:c1"), Resolve(s))
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.3:5555"
	assert.Equal(t, "198.51.100.3", ClientIP(req))

	req.Header.Set("X-Real-IP", "198.51.100.9")
	assert.Equal(t, "198.51.100.9", ClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.1")
	assert.Equal(t, "203.0.113.1", ClientIP(req))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "not-an-addr"
	assert.Equal(t, "not-an-addr", ClientIP(req))
}
