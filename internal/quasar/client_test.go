package quasar

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go2tv.app/station-remote/internal/domain"
	"go2tv.app/station-remote/internal/session"
)

type fakeRequester struct {
	body  string
	err   error
	calls []string
}

func (f *fakeRequester) Request(_ context.Context, method, rawURL string, _ session.Body) (*session.RawResponse, error) {
	f.calls = append(f.calls, method+" "+rawURL)
	if f.err != nil {
		return nil, f.err
	}
	return &session.RawResponse{StatusCode: http.StatusOK, Body: []byte(f.body)}, nil
}

func TestSpeakersFiltersUncontrollableEntries(t *testing.T) {
	req := &fakeRequester{body: `{"status":"ok","devices":[
		{"id":"A1","name":"Kitchen","platform":"yandexstation_2"},
		{"id":"","name":"Broken","platform":"yandexmini"},
		{"id":"B2","name":"Bulb"},
		"garbage",
		{"id":"C3","name":"Bedroom","platform":"yandexmini","glagol":{"security":{}}}
	]}`}
	client := NewClient(req, Endpoints{Web: "https://web.test"}, zerolog.Nop())

	speakers, err := client.Speakers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []domain.Speaker{
		{ID: "A1", Name: "Kitchen", Platform: "yandexstation_2"},
		{ID: "C3", Name: "Bedroom", Platform: "yandexmini"},
	}, speakers)
	assert.Equal(t, []string{"GET https://web.test/glagol/device_list"}, req.calls)
}

func TestSpeakersRejectsMalformedPayload(t *testing.T) {
	client := NewClient(&fakeRequester{body: `{"status":"ok"}`}, Endpoints{}, zerolog.Nop())

	_, err := client.Speakers(context.Background())
	assert.ErrorIs(t, err, domain.ErrRequestUnknown)
	assert.ErrorIs(t, err, errNoDevices)
}

func TestSpeakersPropagatesTransportErrors(t *testing.T) {
	client := NewClient(&fakeRequester{err: &domain.RequestError{Kind: domain.RequestTimeout}}, Endpoints{}, zerolog.Nop())

	_, err := client.Speakers(context.Background())
	assert.ErrorIs(t, err, domain.ErrRequestTimeout)
}

func TestGlagolTokenQueriesByDeviceAndPlatform(t *testing.T) {
	req := &fakeRequester{body: `{"status":"ok","token":"conv-token"}`}
	client := NewClient(req, Endpoints{API: "https://api.test/"}, zerolog.Nop())

	token, err := client.GlagolToken(context.Background(), domain.Speaker{ID: "A 1", Platform: "yandexmini"})
	require.NoError(t, err)
	assert.Equal(t, "conv-token", token)

	require.Len(t, req.calls, 1)
	u, err := url.Parse(req.calls[0][len("GET "):])
	require.NoError(t, err)
	assert.Equal(t, "/glagol/token", u.Path)
	assert.Equal(t, "A 1", u.Query().Get("device_id"))
	assert.Equal(t, "yandexmini", u.Query().Get("platform"))
}

func TestGlagolTokenMissing(t *testing.T) {
	client := NewClient(&fakeRequester{body: `{"status":"error"}`}, Endpoints{}, zerolog.Nop())

	_, err := client.GlagolToken(context.Background(), domain.Speaker{ID: "A1", Platform: "p"})
	assert.True(t, errors.Is(err, errNoToken))
}
