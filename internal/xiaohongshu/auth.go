// Package xiaohongshu talks to the Xiaohongshu web API with a captured
// browser session: list and detail fetches, single-URL summaries and the
// collection sync driver.
package xiaohongshu

import (
	"net/url"
	"sync"

	"github.com/untoldecay/midas/internal/types"
)

// CaptureInfo is the diagnostic view returned by a capture refresh.
type CaptureInfo struct {
	RequestURLHost string   `json:"request_url_host"`
	RequestMethod  string   `json:"request_method"`
	HeadersCount   int      `json:"headers_count"`
	EmptyKeys      []string `json:"empty_keys"`
	LoadedFrom     string   `json:"loaded_from"` // "runtime", "har" or "curl"
}

// AuthManager owns the in-memory AuthCapture. Updates replace the whole
// capture atomically; readers get a copy.
type AuthManager struct {
	mu      sync.Mutex
	capture types.AuthCapture
	info    CaptureInfo
	loaded  bool
}

func NewAuthManager() *AuthManager {
	return &AuthManager{}
}

// Update replaces the capture with caller-supplied values. An empty cookie
// is rejected.
func (m *AuthManager) Update(capture types.AuthCapture) (int, error) {
	if capture.Cookie == "" {
		return 0, types.E(types.KindInvalidInput, "auth capture has an empty cookie")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.capture = capture
	m.info = captureInfo(&capture, "", "", "runtime")
	m.loaded = true
	return capture.CookiePairs(), nil
}

// Current returns a copy of the capture, or AUTH_EXPIRED when none is loaded.
func (m *AuthManager) Current() (types.AuthCapture, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded {
		return types.AuthCapture{}, types.E(types.KindAuthExpired,
			"no auth capture loaded; update it or provide a HAR/cURL export")
	}
	return m.capture, nil
}

// Info returns the diagnostic view of the current capture.
func (m *AuthManager) Info() CaptureInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info
}

// RefreshFromDisk reloads the capture from the HAR export, falling back to
// the cURL export when the HAR is missing or unusable. A capture installed
// at runtime outranks the on-disk exports and is kept as-is.
func (m *AuthManager) RefreshFromDisk(harPath, curlPath string) (CaptureInfo, error) {
	m.mu.Lock()
	if m.loaded && m.info.LoadedFrom == "runtime" {
		info := m.info
		m.mu.Unlock()
		return info, nil
	}
	m.mu.Unlock()

	capture, reqURL, method, harErr := ParseHAR(harPath)
	if harErr == nil {
		return m.install(capture, reqURL, method, "har")
	}

	capture, reqURL, method, curlErr := ParseCurl(curlPath)
	if curlErr == nil {
		return m.install(capture, reqURL, method, "curl")
	}

	return CaptureInfo{}, types.E(types.KindInvalidInput,
		"no usable capture: har: %v; curl: %v", harErr, curlErr)
}

func (m *AuthManager) install(capture *types.AuthCapture, reqURL, method, from string) (CaptureInfo, error) {
	if capture.Cookie == "" {
		return CaptureInfo{}, types.E(types.KindInvalidInput,
			"capture from %s has an empty cookie", from)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.capture = *capture
	m.info = captureInfo(capture, reqURL, method, from)
	m.loaded = true
	return m.info, nil
}

func captureInfo(c *types.AuthCapture, reqURL, method, from string) CaptureInfo {
	info := CaptureInfo{
		RequestMethod: method,
		LoadedFrom:    from,
	}
	if u, err := url.Parse(reqURL); err == nil {
		info.RequestURLHost = u.Host
	}

	headers := map[string]string{
		"cookie":     c.Cookie,
		"user-agent": c.UserAgent,
		"origin":     c.Origin,
		"referer":    c.Referer,
	}
	for k, v := range c.ExtraHeaders {
		headers[k] = v
	}
	for k, v := range headers {
		if v == "" {
			info.EmptyKeys = append(info.EmptyKeys, k)
			continue
		}
		info.HeadersCount++
	}
	if info.EmptyKeys == nil {
		info.EmptyKeys = []string{}
	}
	return info
}
