package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPStore talks to a Supabase-style storage REST API:
//
//	POST {base}/storage/v1/object/{bucket}/{key}   (x-upsert: true)
//	GET  {base}/storage/v1/object/public/{bucket}/{key}
type HTTPStore struct {
	Client *http.Client
	Base   string
	Bucket string
	APIKey string
}

func NewHTTPStore(base, bucket, apiKey string, timeout time.Duration) *HTTPStore {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPStore{
		Client: &http.Client{Timeout: timeout},
		Base:   normalizeBase(base),
		Bucket: bucket,
		APIKey: apiKey,
	}
}

func normalizeBase(base string) string {
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}
	return strings.TrimRight(base, "/")
}

func (s *HTTPStore) objectURL(public bool, key string) string {
	p := "/storage/v1/object/"
	if public {
		p += "public/"
	}
	return s.Base + p + url.PathEscape(s.Bucket) + "/" + url.PathEscape(key)
}

func (s *HTTPStore) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.objectURL(false, key), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-upsert", "true")
	if s.APIKey != "" {
		req.Header.Set("apikey", s.APIKey)
		req.Header.Set("Authorization", "Bearer "+s.APIKey)
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("storage upload %s status=%d: %s", key, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

func (s *HTTPStore) PublicURL(key string) string {
	return s.objectURL(true, key)
}
