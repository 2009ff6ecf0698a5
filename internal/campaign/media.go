package campaign

import (
	"context"
	"fmt"
	"sync"
)

type Media struct {
	Data     []byte
	MimeType string
}

// MediaFetcher loads the bytes behind a media reference.
type MediaFetcher interface {
	Fetch(ctx context.Context, ref string) (Media, error)
}

// mediaCache keeps the media of one campaign run in memory. It is never
// shared between runs or users.
type mediaCache struct {
	f MediaFetcher

	mu sync.Mutex
	m  map[string]Media
}

func newMediaCache(f MediaFetcher) *mediaCache {
	return &mediaCache{f: f, m: make(map[string]Media)}
}

func (c *mediaCache) get(ctx context.Context, ref string) (Media, error) {
	c.mu.Lock()
	if m, ok := c.m[ref]; ok {
		c.mu.Unlock()
		return m, nil
	}
	c.mu.Unlock()

	if c.f == nil {
		return Media{}, fmt.Errorf("%w: no fetcher for %q", ErrMediaUnavailable, ref)
	}
	m, err := c.f.Fetch(ctx, ref)
	if err != nil {
		return Media{}, fmt.Errorf("%w: %s: %v", ErrMediaUnavailable, ref, err)
	}
	if len(m.Data) == 0 {
		return Media{}, fmt.Errorf("%w: %s is empty", ErrMediaUnavailable, ref)
	}

	c.mu.Lock()
	c.m[ref] = m
	c.mu.Unlock()
	return m, nil
}
