package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tillware/possync/internal/store"
	"github.com/tillware/possync/internal/types"
)

// Image returns a cached image by storage path, fetching and caching it on a
// miss when the tenant API is reachable. Concurrent misses for the same path
// collapse into one fetch.
func (c *Cache) Image(ctx context.Context, path string) (*types.CachedImage, error) {
	img, err := c.store().GetImage(ctx, path)
	if err == nil {
		return img, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if !c.online.IsOnline() {
		return nil, fmt.Errorf("image %s not cached: %w", path, ErrOffline)
	}

	// Detached like the catalog flight: waiters must not inherit the
	// initiating caller's cancellation.
	fetchCtx := context.WithoutCancel(ctx)
	v, err, _ := c.group.Do("image:"+path, func() (any, error) {
		payload, err := c.fetcher.FetchImage(fetchCtx, path)
		if err != nil {
			return nil, fmt.Errorf("fetch image %s: %w", path, err)
		}
		img := types.CachedImage{URL: path, Base64: payload, CachedAt: time.Now().UTC()}
		if err := c.store().PutImage(fetchCtx, img); err != nil {
			slog.Warn("failed to cache image",
				"component", "catalog",
				"path", path,
				"error", err,
			)
		}
		return &img, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.CachedImage), nil
}

// prefetchImages warms the image cache after a refresh. Best effort: a failed
// batch leaves misses to be fetched lazily.
func (c *Cache) prefetchImages(ctx context.Context, products []types.CachedProduct) {
	var missing []string
	for _, p := range products {
		if p.ImageURL == "" {
			continue
		}
		if _, err := c.store().GetImage(ctx, p.ImageURL); errors.Is(err, store.ErrNotFound) {
			missing = append(missing, p.ImageURL)
		}
	}
	if len(missing) == 0 {
		return
	}

	images, err := c.fetcher.FetchImages(ctx, missing)
	if err != nil {
		slog.Warn("image prefetch failed",
			"component", "catalog",
			"requested", len(missing),
			"error", err,
		)
		return
	}

	now := time.Now().UTC()
	cached := 0
	for path, payload := range images {
		img := types.CachedImage{URL: path, Base64: payload, CachedAt: now}
		if err := c.store().PutImage(ctx, img); err != nil {
			slog.Warn("failed to cache prefetched image",
				"component", "catalog",
				"path", path,
				"error", err,
			)
			continue
		}
		cached++
	}

	slog.Debug("image prefetch finished",
		"component", "catalog",
		"requested", len(missing),
		"cached", cached,
	)
}
