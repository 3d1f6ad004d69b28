package devserver

import (
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultChallengeLimit is the number of challenges one IP may request
	// per window.
	DefaultChallengeLimit = 10

	challengeWindow = time.Minute
)

// challengeLimiter counts challenge requests per source IP in fixed
// minute buckets. Every request counts, successful or not, since each one
// allocates a nonce.
type challengeLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	buckets map[string]*bucket
}

type bucket struct {
	start time.Time
	count int
}

func newChallengeLimiter(max int) *challengeLimiter {
	return &challengeLimiter{
		max:     max,
		window:  challengeWindow,
		buckets: make(map[string]*bucket),
	}
}

// allow records one request from ip and reports whether it may proceed.
func (rl *challengeLimiter) allow(ip string, now time.Time) (ok bool, retryAfter time.Duration) {
	if rl.max <= 0 || ip == "" {
		return true, 0
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	start := now.Truncate(rl.window)
	for k, b := range rl.buckets {
		if b.start.Before(start) {
			delete(rl.buckets, k)
		}
	}
	b, found := rl.buckets[ip]
	if !found {
		b = &bucket{start: start}
		rl.buckets[ip] = b
	}
	b.count++
	if b.count > rl.max {
		return false, start.Add(rl.window).Sub(now)
	}
	return true, 0
}

func writeRateLimited(w http.ResponseWriter, limit int, retryAfter time.Duration) {
	w.Header().Set("Retry-After", retryAfterString(retryAfter))
	writeError(w, http.StatusTooManyRequests,
		"rate limit exceeded: "+strconv.Itoa(limit)+" challenge requests per minute")
}

func retryAfterString(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// clientIP returns the request's source address. Forwarding headers are
// honoured only when the direct peer is one of trustedProxies.
func clientIP(r *http.Request, trustedProxies []netip.Prefix) string {
	remoteIP, _ := parseIPCandidate(r.RemoteAddr)

	proxyTrusted := false
	if len(trustedProxies) > 0 && remoteIP != "" {
		if addr, err := netip.ParseAddr(remoteIP); err == nil {
			for _, prefix := range trustedProxies {
				if prefix.Contains(addr) {
					proxyTrusted = true
					break
				}
			}
		}
	}

	if proxyTrusted {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			for _, part := range strings.Split(xff, ",") {
				if ip, ok := parseIPCandidate(part); ok {
					return ip
				}
			}
		}
		if ip, ok := parseIPCandidate(r.Header.Get("X-Real-IP")); ok {
			return ip
		}
	}
	return remoteIP
}

func parseIPCandidate(raw string) (string, bool) {
	s := strings.Trim(strings.TrimSpace(raw), "\"")
	if s == "" {
		return "", false
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return "", false
	}
	return addr.Unmap().String(), true
}
