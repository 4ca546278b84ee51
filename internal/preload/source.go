package preload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/MeKo-Tech/panowalk/internal/apierr"
	"github.com/MeKo-Tech/panowalk/internal/pano"
)

// TileSource fetches a single 512x512 panorama tile from upstream.
type TileSource interface {
	FetchTile(ctx context.Context, panoID string, zoom, x, y int) ([]byte, error)
}

// MetadataSource fetches panorama metadata (coordinates, capture date,
// center heading, adjacency links) from upstream.
type MetadataSource interface {
	FetchMeta(ctx context.Context, panoID string) (*pano.Metadata, error)
}

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// tilesToken is an upstream tile-session token with its expiry.
type tilesToken struct {
	value  string
	expiry time.Time
}

// expired reports whether the token is expired or will expire within buffer.
func (t *tilesToken) expired(buffer time.Duration) bool {
	return t == nil || !time.Now().Before(t.expiry.Add(-buffer))
}

// HTTPTileSource talks to a tiles API that issues session tokens
// (POST {base}/createSession, then GET {base}/streetview/tiles/{z}/{x}/{y}).
// The token is created lazily and refreshed before it expires.
type HTTPTileSource struct {
	baseURL       string
	apiKey        string
	refreshBuffer time.Duration
	client        *http.Client

	mu    sync.Mutex
	token *tilesToken
}

// NewHTTPTileSource creates a tile source for the given API base URL.
func NewHTTPTileSource(baseURL, apiKey string, refreshBuffer time.Duration) *HTTPTileSource {
	return &HTTPTileSource{
		baseURL:       baseURL,
		apiKey:        apiKey,
		refreshBuffer: refreshBuffer,
		client:        &http.Client{Timeout: 30 * time.Second},
	}
}

// FetchTile downloads one tile. 429 and 503 responses come back as
// rate_limited errors so the caller can back off and retry.
func (s *HTTPTileSource) FetchTile(ctx context.Context, panoID string, zoom, x, y int) ([]byte, error) {
	token, err := s.ensureToken(ctx)
	if err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%s/streetview/tiles/%d/%d/%d", s.baseURL, zoom, x, y)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build tile request: %w", err)
	}
	q := url.Values{}
	q.Set("session", token)
	q.Set("key", s.apiKey)
	q.Set("panoId", panoID)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("User-Agent", defaultUserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tile request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return io.ReadAll(resp.Body)
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return nil, apierr.New(apierr.RateLimited,
			"tile %s z%d (%d,%d): upstream returned %d", panoID, zoom, x, y, resp.StatusCode)
	default:
		return nil, fmt.Errorf("tile %s z%d (%d,%d): upstream returned %d", panoID, zoom, x, y, resp.StatusCode)
	}
}

func (s *HTTPTileSource) ensureToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.token.expired(s.refreshBuffer) {
		return s.token.value, nil
	}

	payload, _ := json.Marshal(map[string]string{
		"mapType":  "streetview",
		"language": "en-US",
		"region":   "US",
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.baseURL+"/createSession?key="+url.QueryEscape(s.apiKey), bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to build session request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", defaultUserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("session request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("session request returned %d", resp.StatusCode)
	}

	var body struct {
		Session string `json:"session"`
		Expiry  string `json:"expiry"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode session response: %w", err)
	}
	if body.Session == "" {
		return "", fmt.Errorf("session response missing token")
	}

	expiry, err := time.Parse(time.RFC3339, body.Expiry)
	if err != nil {
		expiry = time.Now().Add(time.Hour)
	}
	s.token = &tilesToken{value: body.Session, expiry: expiry}
	return s.token.value, nil
}

// HTTPMetadataSource fetches panorama metadata from a JSON endpoint
// (GET {base}/metadata?pano={id}&key={key}).
type HTTPMetadataSource struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPMetadataSource creates a metadata source for the given base URL.
func NewHTTPMetadataSource(baseURL, apiKey string) *HTTPMetadataSource {
	return &HTTPMetadataSource{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// FetchMeta downloads and decodes metadata for one panorama.
func (s *HTTPMetadataSource) FetchMeta(ctx context.Context, panoID string) (*pano.Metadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/metadata", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build metadata request: %w", err)
	}
	q := url.Values{}
	q.Set("pano", panoID)
	q.Set("key", s.apiKey)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("User-Agent", defaultUserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("metadata request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return nil, apierr.New(apierr.RateLimited,
			"metadata %s: upstream returned %d", panoID, resp.StatusCode)
	default:
		return nil, fmt.Errorf("metadata %s: upstream returned %d", panoID, resp.StatusCode)
	}

	var body struct {
		Location struct {
			Lat float64 `json:"lat"`
			Lng float64 `json:"lng"`
		} `json:"location"`
		Date          string  `json:"date"`
		CenterHeading float64 `json:"centerHeading"`
		Links         []struct {
			PanoID  string  `json:"panoId"`
			Heading float64 `json:"heading"`
		} `json:"links"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode metadata for %s: %w", panoID, err)
	}

	meta := &pano.Metadata{
		PanoID:        panoID,
		Lat:           body.Location.Lat,
		Lng:           body.Location.Lng,
		CaptureDate:   body.Date,
		CenterHeading: body.CenterHeading,
		FetchedAt:     time.Now().UTC(),
		Source:        s.baseURL,
	}
	for _, l := range body.Links {
		meta.Links = append(meta.Links, pano.Link{TargetID: l.PanoID, Heading: l.Heading})
	}
	return meta, nil
}
