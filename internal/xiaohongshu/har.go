package xiaohongshu

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/untoldecay/midas/internal/types"
)

// harFile mirrors the subset of the HAR 1.2 format the capture needs.
type harFile struct {
	Log struct {
		Entries []struct {
			Request struct {
				Method  string `json:"method"`
				URL     string `json:"url"`
				Headers []struct {
					Name  string `json:"name"`
					Value string `json:"value"`
				} `json:"headers"`
			} `json:"request"`
		} `json:"entries"`
	} `json:"log"`
}

// ParseHAR extracts an AuthCapture from a browser HAR export. The newest
// entry addressed at a xiaohongshu host with a cookie header wins.
func ParseHAR(path string) (*types.AuthCapture, string, string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, "", "", fmt.Errorf("reading HAR file: %w", err)
	}
	var har harFile
	if err := json.Unmarshal(raw, &har); err != nil {
		return nil, "", "", fmt.Errorf("parsing HAR file: %w", err)
	}

	for i := len(har.Log.Entries) - 1; i >= 0; i-- {
		req := har.Log.Entries[i].Request
		u, err := url.Parse(req.URL)
		if err != nil || !strings.HasSuffix(u.Hostname(), "xiaohongshu.com") {
			continue
		}

		capture := &types.AuthCapture{ExtraHeaders: map[string]string{}}
		for _, h := range req.Headers {
			assignHeader(capture, h.Name, h.Value)
		}
		if capture.Cookie == "" {
			continue
		}
		return capture, req.URL, req.Method, nil
	}
	return nil, "", "", fmt.Errorf("no xiaohongshu request with a cookie in %s", path)
}

// assignHeader routes one header into its capture slot. Pseudo-headers and
// hop-by-hop headers are dropped; signing headers ride in ExtraHeaders.
func assignHeader(c *types.AuthCapture, name, value string) {
	lower := strings.ToLower(name)
	switch {
	case strings.HasPrefix(lower, ":"):
	case lower == "cookie":
		c.Cookie = value
	case lower == "user-agent":
		c.UserAgent = value
	case lower == "origin":
		c.Origin = value
	case lower == "referer":
		c.Referer = value
	case lower == "host" || lower == "content-length" || lower == "connection" ||
		lower == "accept-encoding":
	default:
		c.ExtraHeaders[lower] = value
	}
}
