package aqar

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-image-dedup/internal/pipeline"
)

type fakeFetcher struct {
	body     []byte
	err      error
	requests []pipeline.FetchRequest
}

func (f *fakeFetcher) Fetch(_ context.Context, req pipeline.FetchRequest) (pipeline.FetchResponse, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return pipeline.FetchResponse{}, f.err
	}
	return pipeline.FetchResponse{URL: req.URL, StatusCode: http.StatusOK, Body: f.body}, nil
}

func TestFetchPageBuildsQuery(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{body: []byte(`{"data":{"Web":{"find":{"listings":[],"total":0}}}}`)}
	src, err := New(Config{}, fetcher)
	require.NoError(t, err)

	_, err = src.FetchPage(context.Background(), pipeline.Run{Name: "riyadh_villas", Category: 3, City: 21}, 100)
	require.NoError(t, err)
	require.Len(t, fetcher.requests, 1)

	req := fetcher.requests[0]
	require.Equal(t, http.MethodPost, req.Method)
	require.Equal(t, DefaultEndpoint, req.URL)
	require.Equal(t, "application/json", req.Headers["Content-Type"])

	var payload map[string]any
	require.NoError(t, json.Unmarshal(req.Body, &payload))
	require.Equal(t, "findListings", payload["operationName"])
	vars := payload["variables"].(map[string]any)
	require.InDelta(t, 50, vars["size"], 0)
	require.InDelta(t, 100, vars["from"], 0)
	where := vars["where"].(map[string]any)
	require.InDelta(t, 3, where["category"].(map[string]any)["eq"], 0)
	require.InDelta(t, 21, where["city_id"].(map[string]any)["eq"], 0)
}

func TestFetchPageParsesListings(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{body: []byte(`{"data":{"Web":{"find":{
		"listings":[
			{"id":101,"imgs":["abc.jpg","def.jpg"]},
			{"id":"102","imgs":[]},
			{"id":103,"imgs":null}
		],
		"total":3}}}}`)}
	src, err := New(Config{}, fetcher)
	require.NoError(t, err)

	page, err := src.FetchPage(context.Background(), pipeline.Run{Name: "r1"}, 0)
	require.NoError(t, err)
	require.Equal(t, 3, page.Total)
	require.Len(t, page.Listings, 3)
	require.Equal(t, "101", page.Listings[0].ID)
	require.Equal(t, []string{
		"https://images.aqar.fm/webp/300x0/props/abc.jpg",
		"https://images.aqar.fm/webp/300x0/props/def.jpg",
	}, page.Listings[0].Images)
	require.Equal(t, "102", page.Listings[1].ID)
	require.Empty(t, page.Listings[1].Images)
	require.Empty(t, page.Listings[2].Images)
}

func TestFetchPageMalformedBodies(t *testing.T) {
	t.Parallel()

	bodies := map[string]string{
		"not json":     `<html>busy</html>`,
		"graphql error": `{"errors":[{"message":"boom"}],"data":null}`,
		"missing find": `{"data":{"Web":{}}}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			src, err := New(Config{}, &fakeFetcher{body: []byte(body)})
			require.NoError(t, err)
			_, err = src.FetchPage(context.Background(), pipeline.Run{Name: "r1"}, 0)
			require.ErrorIs(t, err, pipeline.ErrMalformedPage)
		})
	}
}

func TestFetchPageTransportErrorIsNotMalformed(t *testing.T) {
	t.Parallel()

	src, err := New(Config{}, &fakeFetcher{err: errors.New("connection reset")})
	require.NoError(t, err)
	_, err = src.FetchPage(context.Background(), pipeline.Run{Name: "r1"}, 0)
	require.Error(t, err)
	require.NotErrorIs(t, err, pipeline.ErrMalformedPage)
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil)
	require.Error(t, err)

	_, err = New(Config{ImageURLTemplate: "https://img.example/static"}, &fakeFetcher{})
	require.Error(t, err)

	src, err := New(Config{PageSize: 20, ImageURLTemplate: "https://img.example/{image_id}.png"}, &fakeFetcher{})
	require.NoError(t, err)
	require.Equal(t, 20, src.PageSize())
	require.Equal(t, "https://img.example/x.png", src.ImageURL("x"))
}
