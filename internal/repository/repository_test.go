package repository

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetGamesListRejectsUnhandledVersion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"version":4,"games":{}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, false)
	c.resolver = &endpointResolver{} // skip DNS rotation, hit httptest server directly
	_, err := c.GetGamesList(context.Background())
	assert.ErrorIs(t, err, ErrVersionNotHandled)
}

func TestGetGamesListMergesPreRelease(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"version":5,"games":{"a":{"name":"A"}},"preReleasedGames":{"b":{"name":"B"}}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, true)
	c.resolver = &endpointResolver{}
	list, err := c.GetGamesList(context.Background())
	require.NoError(t, err)
	assert.Contains(t, list.Games, "a")
	assert.Contains(t, list.Games, "b")
}

func TestGetGamesListNormalizesLegacyKeys(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"version":5,"Games":{"a":{"Name":"A"}}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, false)
	c.resolver = &endpointResolver{}
	list, err := c.GetGamesList(context.Background())
	require.NoError(t, err)
	require.Contains(t, list.Games, "a")
	assert.Equal(t, "A", list.Games["a"].Name)
}

func TestGetHashBuildsHashPrefixedPath(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte("blob"))
	}))
	defer srv.Close()

	c := New(srv.URL, false)
	c.resolver = &endpointResolver{}
	body, err := c.GetHash(context.Background(), "wakfu", "aabbccdd")
	require.NoError(t, err)
	defer body.Close()
	assert.Equal(t, "/wakfu/hashes/aa/aabbccdd", gotPath)
}

func TestWatchEmitsOnChange(t *testing.T) {
	version := 1
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if version == 1 {
			w.Write([]byte(`{"version":5,"games":{"a":{"name":"A"}}}`))
		} else {
			w.Write([]byte(`{"version":5,"games":{"a":{"name":"A2"}}}`))
		}
	}))
	defer srv.Close()

	c := New(srv.URL, false)
	c.resolver = &endpointResolver{}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	version = 2
	events := c.Watch(ctx, &GamesList{Version: 5, Games: map[string]Game{"a": {Name: "A"}}}, 20*time.Millisecond)

	select {
	case ev := <-events:
		require.NoError(t, ev.Err)
		require.NotNil(t, ev.List)
		assert.Equal(t, "A2", ev.List.Games["a"].Name)
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for watch event")
	}
}

func TestToLowerCamel(t *testing.T) {
	assert.Equal(t, "gameId", toLowerCamel("game_id"))
	assert.Equal(t, "gameId", toLowerCamel("GameId"))
	assert.Equal(t, "name", toLowerCamel("name"))
}
