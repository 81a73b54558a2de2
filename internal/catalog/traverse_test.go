package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/carsandcollectibles/yardwatch/internal/harvest"
)

// fakeFetcher answers catalog requests from canned bodies.
type fakeFetcher struct {
	get           func(rawURL string) ([]byte, error)
	postForm      func(rawURL string, form map[string]string) ([]byte, error)
	postMultipart func(rawURL string, fields [][2]string) ([]byte, error)
}

func (f *fakeFetcher) Get(_ context.Context, rawURL string) ([]byte, error) {
	return f.get(rawURL)
}

func (f *fakeFetcher) PostForm(_ context.Context, rawURL string, form map[string]string) ([]byte, error) {
	return f.postForm(rawURL, form)
}

func (f *fakeFetcher) PostMultipart(_ context.Context, rawURL string, fields [][2]string) ([]byte, error) {
	return f.postMultipart(rawURL, fields)
}

func inventoryRow(year, mk, model, row string) string {
	return fmt.Sprintf("<tr><td>%s</td><td>%s</td><td>%s</td><td>%s</td></tr>", year, mk, model, row)
}

// yardFixture serves two makes with one model each; FORD MUSTANG has
// inventory, DODGE DART comes back empty.
func yardFixture(t *testing.T) *fakeFetcher {
	t.Helper()
	return &fakeFetcher{
		postForm: func(rawURL string, form map[string]string) ([]byte, error) {
			switch {
			case strings.HasSuffix(rawURL, "/Home/GetMakes"):
				require.Equal(t, "1020", form["yardId"])
				return []byte(`["FORD","DODGE"]`), nil
			case strings.HasSuffix(rawURL, "/Home/GetModels"):
				if form["makeName"] == "FORD" {
					return []byte(`[{"modelName":"MUSTANG"}]`), nil
				}
				return []byte(`[{"modelName":"DART"}]`), nil
			}
			return nil, fmt.Errorf("unexpected form post %s", rawURL)
		},
		postMultipart: func(_ string, fields [][2]string) ([]byte, error) {
			var mk string
			for _, f := range fields {
				if f[0] == "VehicleMake" {
					mk = f[1]
				}
			}
			if mk == "FORD" {
				return []byte("<table>" + inventoryRow("2001", "FORD", "MUSTANG", "A1") + "</table>"), nil
			}
			return []byte("<table></table>"), nil
		},
	}
}

func boiseSource() harvest.Source {
	return harvest.Source{Key: "boise", RemoteID: "1020", KeyColumns: []string{"year", "make", "model", "row"}}
}

func newYard(t *testing.T, fetcher harvest.Fetcher) *YardClient {
	t.Helper()
	yard, err := NewYardClient(YardConfig{BaseURL: "https://yard.test"}, fetcher, zap.NewNop())
	require.NoError(t, err)
	return yard
}

func TestInventory_DefaultColumnsAcceptFourCellRows(t *testing.T) {
	t.Parallel()

	// The live inventory table ships exactly four cells per row.
	fetcher := &fakeFetcher{
		postMultipart: func(string, [][2]string) ([]byte, error) {
			return []byte(`<table>
				<tr><th>Year</th><th>Make</th><th>Model</th><th>Row</th></tr>
				<tr><td>2001</td><td>FORD</td><td>MUSTANG</td><td>A1</td></tr>
				<tr><td>1998</td><td>FORD</td><td>THUNDERBIRD</td><td>B2</td></tr>
			</table>`), nil
		},
	}

	yard := newYard(t, fetcher)
	records, err := yard.Inventory(context.Background(), "1020", "FORD", "")
	require.NoError(t, err)
	require.Equal(t, []harvest.Record{
		{"year": "2001", "make": "FORD", "model": "MUSTANG", "row": "A1"},
		{"year": "1998", "make": "FORD", "model": "THUNDERBIRD", "row": "B2"},
	}, records)
}

func TestHarvest_FullModeVisitsEveryLeaf(t *testing.T) {
	t.Parallel()

	tr := NewTraverser(newYard(t, yardFixture(t)), TraverserConfig{}, zap.NewNop())
	result, err := tr.Harvest(context.Background(), boiseSource(), nil)
	require.NoError(t, err)

	require.Len(t, result.Records, 1)
	require.Equal(t, "MUSTANG", result.Records[0]["model"])
	require.Equal(t, 1, result.Stats.OK)
	require.Equal(t, 1, result.Stats.Skipped)
	require.Zero(t, result.Stats.Failed)
}

func TestHarvest_SelectiveModeRestrictsLeaves(t *testing.T) {
	t.Parallel()

	tr := NewTraverser(newYard(t, yardFixture(t)), TraverserConfig{}, zap.NewNop())
	sel := NewSelection(map[string]struct{}{"DODGE": {}}, nil)

	result, err := tr.Harvest(context.Background(), boiseSource(), sel)
	require.NoError(t, err)

	require.Empty(t, result.Records)
	require.Equal(t, 1, result.Stats.Units())
}

func TestHarvest_FailingLeafDoesNotAbortSiblings(t *testing.T) {
	t.Parallel()

	fetcher := yardFixture(t)
	inner := fetcher.postMultipart
	fetcher.postMultipart = func(rawURL string, fields [][2]string) ([]byte, error) {
		for _, f := range fields {
			if f[0] == "VehicleMake" && f[1] == "FORD" {
				return nil, errors.New("fetch attempts exhausted")
			}
		}
		return inner(rawURL, fields)
	}

	tr := NewTraverser(newYard(t, fetcher), TraverserConfig{}, zap.NewNop())
	result, err := tr.Harvest(context.Background(), boiseSource(), nil)
	require.NoError(t, err)

	require.Equal(t, 1, result.Stats.Failed)
	require.Equal(t, 1, result.Stats.Skipped)
	require.Empty(t, result.Records)
}

func TestHarvest_MakeEnumerationFailureFailsSource(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{
		postForm: func(string, map[string]string) ([]byte, error) {
			return nil, errors.New("connection reset")
		},
	}
	tr := NewTraverser(newYard(t, fetcher), TraverserConfig{}, zap.NewNop())
	_, err := tr.Harvest(context.Background(), boiseSource(), nil)
	require.Error(t, err)
}

func TestHarvest_WorkerPoolYieldsSameRecords(t *testing.T) {
	t.Parallel()

	tr := NewTraverser(newYard(t, yardFixture(t)), TraverserConfig{Workers: 4}, zap.NewNop())
	result, err := tr.Harvest(context.Background(), boiseSource(), nil)
	require.NoError(t, err)

	require.Len(t, result.Records, 1)
	require.Equal(t, 2, result.Stats.Units())
}

func TestSelection_NilAdmitsEverything(t *testing.T) {
	t.Parallel()

	var sel *Selection
	require.True(t, sel.Admit("FORD", "MUSTANG"))
}

func TestSelection_PairsAndMakesNormalized(t *testing.T) {
	t.Parallel()

	sel := NewSelection(map[string]struct{}{"DODGE": {}}, [][2]string{{"ford", "thunderbird"}})
	require.True(t, sel.Admit("Dodge", "Dart"))
	require.True(t, sel.Admit("FORD", "THUNDERBIRD"))
	require.False(t, sel.Admit("FORD", "MUSTANG"))
}

func TestHarvestSold_TagsRecordsWithTerm(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{
		get: func(rawURL string) ([]byte, error) {
			if strings.Contains(rawURL, "1998+FORD+THUNDERBIRD") {
				return []byte(`<ul>
					<li class="s-item">
						<div class="s-item__title">1998 Ford Thunderbird LX</div>
						<span class="s-item__price">$3,400</span>
						<span class="s-item__caption">Sold Aug 12, 2026</span>
					</li>
				</ul>`), nil
			}
			return []byte("<ul></ul>"), nil
		},
	}
	market, err := NewMarketClient(MarketConfig{BaseURL: "https://market.test"}, fetcher, zap.NewNop())
	require.NoError(t, err)

	source := harvest.Source{Key: "marketplace", KeyColumns: []string{"term", "title"}}
	result, err := HarvestSold(context.Background(), market, source,
		[]string{"1998 FORD THUNDERBIRD", "1960 EDSEL RANGER"}, zap.NewNop())
	require.NoError(t, err)

	require.Len(t, result.Records, 1)
	require.Equal(t, "1998 FORD THUNDERBIRD", result.Records[0]["term"])
	require.Equal(t, "$3,400", result.Records[0]["price"])
	require.Equal(t, 1, result.Stats.OK)
	require.Equal(t, 1, result.Stats.Skipped)
}

func TestSearchTerms_DistinctAndSorted(t *testing.T) {
	t.Parallel()

	terms := SearchTerms([]harvest.Record{
		{"year": "2001", "make": "FORD", "model": "MUSTANG", "row": "A1"},
		{"year": "2001", "make": "FORD", "model": "MUSTANG", "row": "A2"},
		{"year": "1998", "make": "FORD", "model": "THUNDERBIRD", "row": "B2"},
		{"year": "", "make": "FORD", "model": "ESCORT"},
	})
	require.Equal(t, []string{"1998 FORD THUNDERBIRD", "2001 FORD MUSTANG"}, terms)
}
