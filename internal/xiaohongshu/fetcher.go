package xiaohongshu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/untoldecay/midas/internal/config"
	"github.com/untoldecay/midas/internal/types"
)

const defaultAPIBase = "https://edith.xiaohongshu.com"

// ListItem is one entry of a favorite-collection page.
type ListItem struct {
	NoteID   string `json:"note_id"`
	Title    string `json:"title"`
	HasVideo bool   `json:"has_video"`
}

// ListPage is one page of fetch_list output.
type ListPage struct {
	Items      []ListItem `json:"items"`
	NextCursor string     `json:"next_cursor,omitempty"`
	HasMore    bool       `json:"has_more"`
}

// Detail is the note-detail payload the pipeline summarizes.
type Detail struct {
	NoteID      string    `json:"note_id"`
	Title       string    `json:"title"`
	Desc        string    `json:"desc"`
	ImageURLs   []string  `json:"image_urls,omitempty"`
	VideoURL    string    `json:"video_url,omitempty"`
	PublishedAt time.Time `json:"published_at,omitempty"`
}

// FallbackDriver fetches a collection page through a live browser session.
// The fetcher escalates to it when the signed HTTP path is rejected with the
// platform's signature-rejection status.
type FallbackDriver interface {
	FetchList(ctx context.Context, cursor string, limit int) (*ListPage, error)
}

// Fetcher issues authenticated upstream calls. It enforces HTTPS, the host
// allowlist, GET/POST only, and the configured per-request timeout.
type Fetcher struct {
	auth     *AuthManager
	settings func() config.XiaohongshuSettings
	client   *http.Client
	baseURL  string
	fallback FallbackDriver
}

// NewFetcher wires a fetcher against the production API host. No fallback
// driver is installed; list fetches surface signature rejections as errors.
func NewFetcher(auth *AuthManager, settings func() config.XiaohongshuSettings) *Fetcher {
	return &Fetcher{
		auth:     auth,
		settings: settings,
		client:   &http.Client{},
		baseURL:  defaultAPIBase,
	}
}

// WithBaseURL points the fetcher at another host. Used by tests together
// with an allowlist entry for that host.
func (f *Fetcher) WithBaseURL(base string) *Fetcher {
	out := *f
	out.baseURL = strings.TrimSuffix(base, "/")
	return &out
}

// WithHTTPClient swaps the transport. Used by tests with TLS test servers.
func (f *Fetcher) WithHTTPClient(client *http.Client) *Fetcher {
	out := *f
	out.client = client
	return &out
}

// WithFallbackDriver installs a live-browser driver for list fetches that
// fail signature verification.
func (f *Fetcher) WithFallbackDriver(driver FallbackDriver) *Fetcher {
	out := *f
	out.fallback = driver
	return &out
}

// FetchList returns one page of the configured favorite collection.
func (f *Fetcher) FetchList(ctx context.Context, cursor string, limit int) (*ListPage, error) {
	cfg := f.settings()
	if cfg.CollectionID == "" {
		return nil, types.E(types.KindInvalidInput, "xiaohongshu.collection_id is not configured")
	}

	params := url.Values{}
	params.Set("collection_id", cfg.CollectionID)
	params.Set("num", strconv.Itoa(limit))
	if cursor != "" {
		params.Set("cursor", cursor)
	}

	var out struct {
		Notes []struct {
			NoteID string `json:"note_id"`
			Title  string `json:"display_title"`
			Type   string `json:"type"`
		} `json:"notes"`
		Cursor  string `json:"cursor"`
		HasMore bool   `json:"has_more"`
	}
	err := f.call(ctx, "GET", "/api/sns/web/v2/note/collect/page?"+params.Encode(), nil, &out)
	if err != nil {
		if f.fallback != nil && types.MetaOf(err)["reason"] == "signature_rejected" {
			return f.fallback.FetchList(ctx, cursor, limit)
		}
		return nil, err
	}

	page := &ListPage{NextCursor: out.Cursor, HasMore: out.HasMore}
	for _, n := range out.Notes {
		page.Items = append(page.Items, ListItem{
			NoteID:   n.NoteID,
			Title:    n.Title,
			HasVideo: n.Type == "video",
		})
	}
	return page, nil
}

// FetchDetail returns the full fields of one note.
func (f *Fetcher) FetchDetail(ctx context.Context, noteID string) (*Detail, error) {
	if noteID == "" {
		return nil, types.E(types.KindInvalidInput, "empty note id")
	}
	body := map[string]interface{}{
		"source_note_id": noteID,
		"image_formats":  []string{"jpg", "webp"},
	}

	var out struct {
		Items []struct {
			NoteCard struct {
				Title     string `json:"title"`
				Desc      string `json:"desc"`
				Time      int64  `json:"time"` // milliseconds since epoch
				ImageList []struct {
					URLDefault string `json:"url_default"`
				} `json:"image_list"`
				Video struct {
					Media struct {
						Stream struct {
							H264 []struct {
								MasterURL string `json:"master_url"`
							} `json:"h264"`
						} `json:"stream"`
					} `json:"media"`
				} `json:"video"`
			} `json:"note_card"`
		} `json:"items"`
	}
	if err := f.call(ctx, "POST", "/api/sns/web/v1/feed", body, &out); err != nil {
		return nil, err
	}
	if len(out.Items) == 0 {
		return nil, types.E(types.KindUpstreamError, "note %s has no detail payload", noteID)
	}

	card := out.Items[0].NoteCard
	detail := &Detail{
		NoteID: noteID,
		Title:  card.Title,
		Desc:   card.Desc,
	}
	if card.Time > 0 {
		detail.PublishedAt = time.UnixMilli(card.Time).UTC()
	}
	maxImages := f.settings().WebReadonly.MaxImagesPerNote
	for _, img := range card.ImageList {
		if maxImages > 0 && len(detail.ImageURLs) >= maxImages {
			break
		}
		if img.URLDefault != "" {
			detail.ImageURLs = append(detail.ImageURLs, img.URLDefault)
		}
	}
	if streams := card.Video.Media.Stream.H264; len(streams) > 0 {
		detail.VideoURL = streams[0].MasterURL
	}
	return detail, nil
}

// call performs one signed request and decodes the success envelope.
func (f *Fetcher) call(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	if method != "GET" && method != "POST" {
		return types.E(types.KindInvalidInput, "method %s is not allowed upstream", method)
	}

	target := f.baseURL + path
	parsed, err := url.Parse(target)
	if err != nil {
		return types.E(types.KindInvalidInput, "bad upstream URL %q", target)
	}
	if parsed.Scheme != "https" {
		return types.E(types.KindInvalidInput, "upstream calls must use https, got %q", parsed.Scheme)
	}
	if !f.hostAllowed(parsed.Hostname()) {
		return types.E(types.KindInvalidInput, "host %s is not in the allowlist", parsed.Hostname())
	}

	capture, err := f.auth.Current()
	if err != nil {
		return err
	}

	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	cfg := f.settings()
	reqCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, target, reqBody)
	if err != nil {
		return fmt.Errorf("creating upstream request: %w", err)
	}
	applyCapture(req, &capture)
	if body != nil {
		req.Header.Set("Content-Type", "application/json;charset=UTF-8")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return types.Wrap(types.KindUpstreamError, err, "upstream request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.Wrap(types.KindUpstreamError, err, "reading upstream response")
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return types.E(types.KindAuthExpired,
			"upstream rejected the session (status %d); refresh the auth capture", resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return types.E(types.KindRateLimited, "upstream rate limited")
	case resp.StatusCode == http.StatusNotAcceptable:
		// The platform's signature-rejection status.
		return types.E(types.KindUpstreamError,
			"upstream rejected the request signature (status 406); re-export the capture").
			WithMeta("reason", "signature_rejected")
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return types.E(types.KindUpstreamError, "upstream returned status %d", resp.StatusCode)
	}

	var envelope struct {
		Success bool            `json:"success"`
		Code    int             `json:"code"`
		Msg     string          `json:"msg"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return types.E(types.KindUpstreamError, "upstream response is not valid JSON")
	}
	if !envelope.Success {
		// -100 is the platform's login-expired code.
		if envelope.Code == -100 {
			return types.E(types.KindAuthExpired, "upstream session expired: %s", envelope.Msg)
		}
		return types.E(types.KindUpstreamError, "upstream error %d: %s", envelope.Code, envelope.Msg)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return types.E(types.KindUpstreamError, "decoding upstream payload: %v", err)
		}
	}
	return nil
}

func (f *Fetcher) hostAllowed(host string) bool {
	for _, allowed := range f.settings().AllowedHosts {
		if strings.EqualFold(host, allowed) {
			return true
		}
	}
	return false
}

func applyCapture(req *http.Request, c *types.AuthCapture) {
	req.Header.Set("Cookie", c.Cookie)
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	if c.Origin != "" {
		req.Header.Set("Origin", c.Origin)
	}
	if c.Referer != "" {
		req.Header.Set("Referer", c.Referer)
	}
	for k, v := range c.ExtraHeaders {
		req.Header.Set(k, v)
	}
}
