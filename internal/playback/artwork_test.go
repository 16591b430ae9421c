package playback

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

func TestArtworkLoaderSharesInFlightFetch(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		_, _ = w.Write(pngHeader)
	}))
	t.Cleanup(srv.Close)

	loader := NewArtworkLoader(srv.Client(), 2, zerolog.Nop())

	var wg sync.WaitGroup
	results := make([]Artwork, 3)
	errs := make([]error, 3)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = loader.Load(context.Background(), srv.URL+"/cover800x800")
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), hits.Load())
	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, "image/png", results[i].ContentType)
	}
}

func TestArtworkLoaderRejectsNonImages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>not a cover</html>"))
	}))
	t.Cleanup(srv.Close)

	loader := NewArtworkLoader(srv.Client(), 1, zerolog.Nop())
	_, err := loader.Load(context.Background(), srv.URL)
	assert.ErrorIs(t, err, errNotImage)
}

func TestArtworkLoaderNoArtworkSkipsFetch(t *testing.T) {
	loader := NewArtworkLoader(nil, 1, zerolog.Nop())

	art, err := loader.Load(context.Background(), NoArtwork)
	require.NoError(t, err)
	assert.Equal(t, NoArtwork, art.URL)
	assert.Empty(t, art.Data)
}

func TestArtworkLoaderAsyncDelivers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(pngHeader)
	}))
	t.Cleanup(srv.Close)

	loader := NewArtworkLoader(srv.Client(), 1, zerolog.Nop())
	done := make(chan Artwork, 1)
	loader.LoadAsync(context.Background(), srv.URL+"/a", func(art Artwork, err error) {
		assert.NoError(t, err)
		done <- art
	})

	select {
	case art := <-done:
		assert.Equal(t, srv.URL+"/a", art.URL)
	case <-time.After(2 * time.Second):
		t.Fatal("artwork was not delivered")
	}
}
