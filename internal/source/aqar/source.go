// Package aqar implements pipeline.PageSource against the sa.aqar.fm GraphQL listing API.
package aqar

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/JakeFAU/listing-image-dedup/internal/pipeline"
)

// Defaults for the public listing API.
const (
	DefaultEndpoint         = "https://sa.aqar.fm/graphql"
	DefaultImageURLTemplate = "https://images.aqar.fm/webp/300x0/props/{image_id}"
	DefaultPageSize         = 50
	DefaultAppVersion       = "0.16.18"

	imageIDPlaceholder = "{image_id}"
)

const findListingsQuery = `query findListings($size: Int, $from: Int, $sort: SortInput, $where: WhereInput) {
  Web {
    find(size: $size, from: $from, sort: $sort, where: $where) {
      listings {
        id
        imgs
        __typename
      }
      total
      __typename
    }
    __typename
  }
}`

// Config controls how pages are requested.
type Config struct {
	Endpoint         string
	ImageURLTemplate string
	PageSize         int
	AppVersion       string
	RequestTimeout   time.Duration
}

// Source requests listing pages through a pipeline.Fetcher.
type Source struct {
	cfg     Config
	fetcher pipeline.Fetcher
}

// New builds a Source, filling unset config values with the public defaults.
func New(cfg Config, fetcher pipeline.Fetcher) (*Source, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.ImageURLTemplate == "" {
		cfg.ImageURLTemplate = DefaultImageURLTemplate
	}
	if !strings.Contains(cfg.ImageURLTemplate, imageIDPlaceholder) {
		return nil, fmt.Errorf("image url template must contain %s", imageIDPlaceholder)
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.AppVersion == "" {
		cfg.AppVersion = DefaultAppVersion
	}
	return &Source{cfg: cfg, fetcher: fetcher}, nil
}

// PageSize returns the number of listings requested per page.
func (s *Source) PageSize() int {
	return s.cfg.PageSize
}

// FetchPage requests the page that starts at offset skip.
// Transport failures are returned as-is; unparsable bodies wrap pipeline.ErrMalformedPage.
func (s *Source) FetchPage(ctx context.Context, run pipeline.Run, skip int) (pipeline.Page, error) {
	body, err := json.Marshal(s.buildPayload(run, skip))
	if err != nil {
		return pipeline.Page{}, fmt.Errorf("marshal listing query: %w", err)
	}
	resp, err := s.fetcher.Fetch(ctx, pipeline.FetchRequest{
		Method:  http.MethodPost,
		URL:     s.cfg.Endpoint,
		Body:    body,
		Headers: s.headers(),
		Timeout: s.cfg.RequestTimeout,
	})
	if err != nil {
		return pipeline.Page{}, fmt.Errorf("fetch listing page: %w", err)
	}
	return s.parsePage(resp.Body)
}

// ImageURL turns an image reference from a listing into a fetchable URL.
func (s *Source) ImageURL(imageID string) string {
	return strings.ReplaceAll(s.cfg.ImageURLTemplate, imageIDPlaceholder, imageID)
}

type queryPayload struct {
	OperationName string         `json:"operationName"`
	Variables     queryVariables `json:"variables"`
	Query         string         `json:"query"`
}

type queryVariables struct {
	Size  int        `json:"size"`
	From  int        `json:"from"`
	Sort  querySort  `json:"sort"`
	Where queryWhere `json:"where"`
}

type querySort struct {
	CreateTime string `json:"create_time"`
	HasImage   string `json:"has_img"`
}

type queryWhere struct {
	Category eqFilter `json:"category"`
	CityID   eqFilter `json:"city_id"`
}

type eqFilter struct {
	Eq int `json:"eq"`
}

func (s *Source) buildPayload(run pipeline.Run, skip int) queryPayload {
	return queryPayload{
		OperationName: "findListings",
		Variables: queryVariables{
			Size:  s.cfg.PageSize,
			From:  skip,
			Sort:  querySort{CreateTime: "desc", HasImage: "desc"},
			Where: queryWhere{Category: eqFilter{Eq: run.Category}, CityID: eqFilter{Eq: run.City}},
		},
		Query: findListingsQuery,
	}
}

func (s *Source) headers() map[string]string {
	return map[string]string{
		"Accept":        "*/*",
		"Cache-Control": "no-cache",
		"Content-Type":  "application/json",
		"Origin":        "https://sa.aqar.fm",
		"Pragma":        "no-cache",
		"App-Version":   s.cfg.AppVersion,
		"Req-App":       "web",
	}
}

type findResponse struct {
	Data *struct {
		Web *struct {
			Find *struct {
				Listings []listingJSON `json:"listings"`
				Total    int           `json:"total"`
			} `json:"find"`
		} `json:"Web"`
	} `json:"data"`
}

type listingJSON struct {
	ID   json.RawMessage `json:"id"`
	Imgs []string        `json:"imgs"`
}

func (s *Source) parsePage(body []byte) (pipeline.Page, error) {
	var decoded findResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return pipeline.Page{}, fmt.Errorf("decode listing page: %w: %w", pipeline.ErrMalformedPage, err)
	}
	if decoded.Data == nil || decoded.Data.Web == nil || decoded.Data.Web.Find == nil {
		return pipeline.Page{}, fmt.Errorf("listing page has no data.Web.find: %w", pipeline.ErrMalformedPage)
	}
	find := decoded.Data.Web.Find
	page := pipeline.Page{
		Listings: make([]pipeline.Listing, 0, len(find.Listings)),
		Total:    find.Total,
	}
	for _, l := range find.Listings {
		listing := pipeline.Listing{ID: strings.Trim(string(l.ID), `"`)}
		for _, img := range l.Imgs {
			if img = strings.TrimSpace(img); img != "" {
				listing.Images = append(listing.Images, s.ImageURL(img))
			}
		}
		page.Listings = append(page.Listings, listing)
	}
	return page, nil
}
