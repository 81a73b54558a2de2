// Package catalog walks the fixed source hierarchies, location to make
// to model for the yard service and search terms for the marketplace,
// yielding flat records through the shared fetch and parse layers.
package catalog

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/carsandcollectibles/yardwatch/internal/harvest"
	"github.com/carsandcollectibles/yardwatch/internal/parse"
)

// YardConfig locates the yard catalog service.
type YardConfig struct {
	BaseURL string
	// InventoryColumns declare the cell layout of the inventory results
	// table, left to right.
	InventoryColumns []string
}

// DefaultInventoryColumns is the row shape the inventory table has
// carried for years: exactly four cells, Year through Row.
var DefaultInventoryColumns = []string{"year", "make", "model", "row"}

// YardClient speaks the yard service's form-post API. Make and model
// enumerations have shipped as both JSON arrays and select markup, so
// both shapes are matched.
type YardClient struct {
	cfg       YardConfig
	fetcher   harvest.Fetcher
	makes     *parse.Parser
	models    *parse.Parser
	inventory *parse.Parser
	logger    *zap.Logger
}

// NewYardClient builds a client for one yard catalog deployment.
func NewYardClient(cfg YardConfig, fetcher harvest.Fetcher, logger *zap.Logger) (*YardClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("yard base url is required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if len(cfg.InventoryColumns) == 0 {
		cfg.InventoryColumns = DefaultInventoryColumns
	}
	return &YardClient{
		cfg:     cfg,
		fetcher: fetcher,
		makes: parse.New(
			parse.JSONList{Column: "make", FieldPriority: []string{"makeName", "MakeName", "name"}},
			parse.HTMLSelectOptions{SelectName: "VehicleMake", Column: "make", DropTokens: []string{"Select Make", "All Makes", "All"}},
		),
		models: parse.New(
			parse.JSONList{Column: "model", FieldPriority: []string{"modelName", "ModelName", "name"}},
			parse.HTMLSelectOptions{SelectName: "VehicleModel", Column: "model", DropTokens: []string{"Select Model", "All Models", "All"}},
		),
		inventory: parse.New(
			parse.HTMLTableRows{Columns: cfg.InventoryColumns},
		),
		logger: logger,
	}, nil
}

// Makes enumerates the make names stocked at one yard.
func (c *YardClient) Makes(ctx context.Context, yardID string) ([]string, error) {
	body, err := c.fetcher.PostForm(ctx, c.cfg.BaseURL+"/Home/GetMakes", map[string]string{
		"yardId": yardID,
	})
	if err != nil {
		return nil, fmt.Errorf("get makes for yard %s: %w", yardID, err)
	}
	return column(c.makes.Parse(body), "make"), nil
}

// Models enumerates the model names of one make at one yard.
func (c *YardClient) Models(ctx context.Context, yardID, makeName string) ([]string, error) {
	body, err := c.fetcher.PostForm(ctx, c.cfg.BaseURL+"/Home/GetModels", map[string]string{
		"yardId":   yardID,
		"makeName": makeName,
	})
	if err != nil {
		return nil, fmt.Errorf("get models for %s at yard %s: %w", makeName, yardID, err)
	}
	return column(c.models.Parse(body), "model"), nil
}

// Inventory fetches the current rows for one make and model at one yard.
// The search form only answers to the multipart encoding browsers send.
func (c *YardClient) Inventory(ctx context.Context, yardID, makeName, modelName string) ([]harvest.Record, error) {
	body, err := c.fetcher.PostMultipart(ctx, c.cfg.BaseURL+"/", [][2]string{
		{"YardId", yardID},
		{"VehicleMake", makeName},
		{"VehicleModel", modelName},
	})
	if err != nil {
		return nil, fmt.Errorf("inventory for %s %s at yard %s: %w", makeName, modelName, yardID, err)
	}
	return c.inventory.Parse(body), nil
}

func column(records []harvest.Record, col string) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		if v := r[col]; v != "" {
			out = append(out, v)
		}
	}
	return out
}
