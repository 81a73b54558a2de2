package catalog

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/carsandcollectibles/yardwatch/internal/harvest"
	"github.com/carsandcollectibles/yardwatch/internal/parse"
)

// MarketConfig locates the marketplace sold-listings search.
type MarketConfig struct {
	BaseURL string
	// SearchPath is appended to BaseURL; the search term lands in the
	// _nkw query parameter.
	SearchPath string
}

// MarketClient fetches completed-sale listings for one search term per
// leaf query. Listing markup drifts, so extraction goes through the
// tolerant card matcher and a dead term yields zero records.
type MarketClient struct {
	cfg      MarketConfig
	fetcher  harvest.Fetcher
	listings *parse.Parser
	logger   *zap.Logger
}

// NewMarketClient builds a client for the marketplace search endpoint.
func NewMarketClient(cfg MarketConfig, fetcher harvest.Fetcher, logger *zap.Logger) (*MarketClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("marketplace base url is required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.SearchPath == "" {
		cfg.SearchPath = "/sch/i.html"
	}
	return &MarketClient{
		cfg:     cfg,
		fetcher: fetcher,
		listings: parse.New(
			parse.HTMLItemCards{
				ItemSelector: "li.s-item",
				Fields: [][2]string{
					{"title", ".s-item__title"},
					{"price", ".s-item__price"},
					{"date", ".s-item__caption"},
				},
			},
		),
		logger: logger,
	}, nil
}

// SoldListings fetches completed sales matching term. Each record is
// tagged with the term so listing identity survives across terms.
func (c *MarketClient) SoldListings(ctx context.Context, term string) ([]harvest.Record, error) {
	query := url.Values{}
	query.Set("_nkw", term)
	query.Set("LH_Sold", "1")
	query.Set("LH_Complete", "1")

	body, err := c.fetcher.Get(ctx, c.cfg.BaseURL+c.cfg.SearchPath+"?"+query.Encode())
	if err != nil {
		return nil, fmt.Errorf("sold listings for %q: %w", term, err)
	}
	records := c.listings.Parse(body)
	for _, r := range records {
		r["term"] = term
	}
	return records, nil
}

// SearchTerms derives the distinct "year make model" search terms from a
// set of inventory records, sorted for a stable traversal order.
func SearchTerms(records []harvest.Record) []string {
	seen := make(map[string]struct{}, len(records))
	var terms []string
	for _, r := range records {
		year, mk, model := r["year"], r["make"], r["model"]
		if year == "" || mk == "" || model == "" {
			continue
		}
		term := year + " " + mk + " " + model
		if _, dup := seen[term]; dup {
			continue
		}
		seen[term] = struct{}{}
		terms = append(terms, term)
	}
	sort.Strings(terms)
	return terms
}
