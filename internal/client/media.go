package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/LeventeLantos/messaging-fleet/internal/campaign"
)

// MediaFetcher downloads campaign media over HTTP.
type MediaFetcher struct {
	client   *http.Client
	maxBytes int64
}

func NewMediaFetcher(timeout time.Duration, maxBytes int) *MediaFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxBytes <= 0 {
		maxBytes = 16 << 20
	}
	return &MediaFetcher{
		client:   &http.Client{Timeout: timeout},
		maxBytes: int64(maxBytes),
	}
}

func (f *MediaFetcher) Fetch(ctx context.Context, ref string) (campaign.Media, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return campaign.Media{}, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return campaign.Media{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return campaign.Media{}, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return campaign.Media{}, err
	}
	if int64(len(data)) > f.maxBytes {
		return campaign.Media{}, fmt.Errorf("media larger than %d bytes", f.maxBytes)
	}

	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = http.DetectContentType(data)
	}
	return campaign.Media{Data: data, MimeType: mime}, nil
}
