package playback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/h2non/filetype"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

const (
	defaultArtworkConcurrency = 2
	maxArtworkBytes           = 4 << 20
)

var errNotImage = errors.New("artwork payload is not an image")

// ArtworkLoader fetches cover images off the state delivery path. Concurrent
// requests for the same URL share one fetch; total fetches are bounded.
type ArtworkLoader struct {
	client *http.Client
	sem    *semaphore.Weighted
	group  singleflight.Group
	logger zerolog.Logger
}

func NewArtworkLoader(client *http.Client, maxConcurrent int64, logger zerolog.Logger) *ArtworkLoader {
	if client == nil {
		client = cleanhttp.DefaultPooledClient()
	}
	if maxConcurrent <= 0 {
		maxConcurrent = defaultArtworkConcurrency
	}
	return &ArtworkLoader{
		client: client,
		sem:    semaphore.NewWeighted(maxConcurrent),
		logger: logger,
	}
}

// Load returns the artwork behind url. NoArtwork resolves without any I/O.
func (l *ArtworkLoader) Load(ctx context.Context, url string) (Artwork, error) {
	if url == NoArtwork || url == "" {
		return Artwork{URL: NoArtwork}, nil
	}

	v, err, shared := l.group.Do(url, func() (any, error) {
		if err := l.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer l.sem.Release(1)
		return l.fetch(ctx, url)
	})
	if err != nil {
		return Artwork{}, err
	}
	if shared {
		l.logger.Debug().Str("url", url).Msg("artwork_fetch_shared")
	}
	return v.(Artwork), nil
}

// LoadAsync runs Load on its own goroutine and hands the result to deliver.
func (l *ArtworkLoader) LoadAsync(ctx context.Context, url string, deliver func(Artwork, error)) {
	go func() {
		art, err := l.Load(ctx, url)
		if deliver != nil {
			deliver(art, err)
		}
	}()
}

func (l *ArtworkLoader) fetch(ctx context.Context, url string) (Artwork, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Artwork{}, fmt.Errorf("build artwork request: %w", err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return Artwork{}, fmt.Errorf("fetch artwork: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Artwork{}, fmt.Errorf("fetch artwork: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxArtworkBytes))
	if err != nil {
		return Artwork{}, fmt.Errorf("read artwork: %w", err)
	}
	if !filetype.IsImage(data) {
		return Artwork{}, errNotImage
	}
	kind, err := filetype.Match(data)
	if err != nil {
		return Artwork{}, fmt.Errorf("sniff artwork: %w", err)
	}

	l.logger.Debug().Str("url", url).Int("bytes", len(data)).Str("mime", kind.MIME.Value).Msg("artwork_fetched")
	return Artwork{URL: url, ContentType: kind.MIME.Value, Data: data}, nil
}
