package runner

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/carsandcollectibles/yardwatch/internal/alert"
	"github.com/carsandcollectibles/yardwatch/internal/catalog"
	"github.com/carsandcollectibles/yardwatch/internal/harvest"
	"github.com/carsandcollectibles/yardwatch/internal/subscription"
)

type fakeHarvester struct {
	records  map[string][]harvest.Record
	lastSel  *catalog.Selection
	failKeys map[string]struct{}
	calls    int
}

func (f *fakeHarvester) Harvest(_ context.Context, source harvest.Source, sel *catalog.Selection) (catalog.Result, error) {
	f.calls++
	f.lastSel = sel
	if _, fail := f.failKeys[source.Key]; fail {
		return catalog.Result{}, errors.New("yard unreachable")
	}
	records := f.records[source.Key]
	var result catalog.Result
	result.Records = append(result.Records, records...)
	result.Stats.OK = len(records)
	return result, nil
}

// memStore is an in-memory SnapshotStore keeping newest-first order.
type memStore struct {
	snaps      map[string][]harvest.Snapshot
	failLatest map[string]error
	now        time.Time
}

func newMemStore() *memStore {
	return &memStore{snaps: make(map[string][]harvest.Snapshot), now: time.Date(2026, 8, 24, 6, 0, 0, 0, time.UTC)}
}

func (s *memStore) Write(_ context.Context, sourceKey string, columns []string, records []harvest.Record) (harvest.Snapshot, error) {
	s.now = s.now.Add(time.Hour)
	snap := harvest.Snapshot{SourceKey: sourceKey, CapturedAt: s.now, Columns: columns, Records: records}
	s.snaps[sourceKey] = append([]harvest.Snapshot{snap}, s.snaps[sourceKey]...)
	return snap, nil
}

func (s *memStore) Latest(_ context.Context, sourceKey string, n int) ([]harvest.Snapshot, error) {
	if err := s.failLatest[sourceKey]; err != nil {
		return nil, err
	}
	snaps := s.snaps[sourceKey]
	if len(snaps) > n {
		snaps = snaps[:n]
	}
	return snaps, nil
}

func (s *memStore) Prune(_ context.Context, sourceKey string, keep int) (int, error) {
	snaps := s.snaps[sourceKey]
	if keep < 1 {
		keep = 1
	}
	if len(snaps) <= keep {
		return 0, nil
	}
	removed := len(snaps) - keep
	s.snaps[sourceKey] = snaps[:keep]
	return removed, nil
}

type fakeIssues struct {
	issues []harvest.Issue
	err    error
}

func (f *fakeIssues) OpenIssues(context.Context) ([]harvest.Issue, error) {
	return f.issues, f.err
}

type captureNotifier struct {
	sent []harvest.Message
}

func (c *captureNotifier) Send(_ context.Context, msg harvest.Message) error {
	c.sent = append(c.sent, msg)
	return nil
}

type fixedClock struct{ at time.Time }

func (c fixedClock) Now() time.Time { return c.at }

func boiseSource() harvest.Source {
	return harvest.Source{Key: "boise", RemoteID: "1020", KeyColumns: []string{"year", "make", "model", "row"}}
}

const subscriptionBody = `### Email to notify
collector@example.com

### Make(s)
FORD

### Model(s)
THUNDERBIRD

### Year range
1990-2000
`

func newRunner(cfg Config, h SourceHarvester, store harvest.SnapshotStore, issues harvest.IssueSource, notifier harvest.Notifier) *Runner {
	logger := zap.NewNop()
	return New(Params{
		Config:      cfg,
		YardSources: []harvest.Source{boiseSource()},
		Harvester:   h,
		Store:       store,
		Issues:      issues,
		Resolver:    subscription.NewResolver(nil, logger),
		Dispatcher:  alert.NewDispatcher(notifier, alert.Config{From: "alerts@yardwatch.test"}, logger),
		Clock:       fixedClock{at: time.Date(2026, 8, 24, 7, 0, 0, 0, time.UTC)},
		Logger:      logger,
	})
}

func TestRun_FullModeHarvestsThenAlerts(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	_, err := store.Write(context.Background(), "boise",
		[]string{"year", "make", "model", "row"},
		[]harvest.Record{{"year": "2001", "make": "FORD", "model": "MUSTANG", "row": "A1"}},
	)
	require.NoError(t, err)

	h := &fakeHarvester{records: map[string][]harvest.Record{
		"boise": {
			{"year": "2001", "make": "FORD", "model": "MUSTANG", "row": "A1"},
			{"year": "1998", "make": "FORD", "model": "THUNDERBIRD", "row": "B2"},
		},
	}}
	notifier := &captureNotifier{}
	issues := &fakeIssues{issues: []harvest.Issue{{Number: 1, Body: subscriptionBody}}}

	r := newRunner(Config{Mode: ModeFull}, h, store, issues, notifier)
	stats, err := r.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, store.snaps["boise"], 2)
	require.Len(t, notifier.sent, 1)
	require.Contains(t, notifier.sent[0].Subject, "match your alert")
	require.Contains(t, notifier.sent[0].HTML, "B2")
	require.GreaterOrEqual(t, stats.OK, 3)
	require.Zero(t, stats.Failed)
}

func TestRun_BackfillModeSkipsAlerting(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	h := &fakeHarvester{records: map[string][]harvest.Record{
		"boise": {{"year": "2001", "make": "FORD", "model": "MUSTANG", "row": "A1"}},
	}}
	notifier := &captureNotifier{}
	issues := &fakeIssues{err: errors.New("must not be called")}

	r := newRunner(Config{Mode: ModeBackfill}, h, store, issues, notifier)
	_, err := r.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, store.snaps["boise"], 1)
	require.Empty(t, notifier.sent)
}

func TestRun_AuditModeNeedsHistory(t *testing.T) {
	t.Parallel()

	r := newRunner(Config{Mode: ModeAudit},
		&fakeHarvester{}, newMemStore(),
		&fakeIssues{issues: []harvest.Issue{{Number: 1, Body: subscriptionBody}}},
		&captureNotifier{},
	)
	_, err := r.Run(context.Background())
	require.Error(t, err)
}

func TestRun_AuditModeDoesNotFetch(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := store.Write(ctx, "boise",
			[]string{"year", "make", "model", "row"},
			[]harvest.Record{{"year": "2001", "make": "FORD", "model": "MUSTANG", "row": "A1"}},
		)
		require.NoError(t, err)
	}

	h := &fakeHarvester{}
	notifier := &captureNotifier{}
	r := newRunner(Config{Mode: ModeAudit}, h, store,
		&fakeIssues{issues: []harvest.Issue{{Number: 1, Body: subscriptionBody}}}, notifier)

	_, err := r.Run(ctx)
	require.NoError(t, err)
	require.Zero(t, h.calls)
	require.Len(t, notifier.sent, 1)
	require.Contains(t, notifier.sent[0].Subject, "No inventory changes")
}

func TestRun_TrackerFailureIsConfigurationLevel(t *testing.T) {
	t.Parallel()

	r := newRunner(Config{Mode: ModeAudit},
		&fakeHarvester{}, newMemStore(),
		&fakeIssues{err: errors.New("bad credentials")},
		&captureNotifier{},
	)
	_, err := r.Run(context.Background())
	require.Error(t, err)
}

func TestRun_SourceFailureIsCountedNotFatal(t *testing.T) {
	t.Parallel()

	h := &fakeHarvester{failKeys: map[string]struct{}{"boise": {}}}
	r := newRunner(Config{Mode: ModeBackfill}, h, newMemStore(), &fakeIssues{}, &captureNotifier{})

	stats, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Failed)
}

func TestRun_RefreshBuildsSelectionFromHistory(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	ctx := context.Background()
	_, err := store.Write(ctx, "boise",
		[]string{"year", "make", "model", "row"},
		[]harvest.Record{{"year": "2001", "make": "FORD", "model": "MUSTANG", "row": "A1"}},
	)
	require.NoError(t, err)
	_, err = store.Write(ctx, "boise",
		[]string{"year", "make", "model", "row"},
		[]harvest.Record{
			{"year": "2001", "make": "FORD", "model": "MUSTANG", "row": "A1"},
			{"year": "1969", "make": "DODGE", "model": "DART", "row": "C3"},
		},
	)
	require.NoError(t, err)

	h := &fakeHarvester{}
	r := newRunner(Config{Mode: ModeBackfill, Refresh: true}, h, store, &fakeIssues{}, &captureNotifier{})

	_, err = r.Run(ctx)
	require.NoError(t, err)

	// 2026-08-24 is a Monday, whose refresh group carries D and F.
	require.NotNil(t, h.lastSel)
	require.True(t, h.lastSel.Admit("FORD", "ANYTHING"))
	require.True(t, h.lastSel.Admit("DODGE", "DART"))
	require.False(t, h.lastSel.Admit("TOYOTA", "COROLLA"))
}

func TestRun_SelectiveRefreshCarriesUnrefreshedRows(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	ctx := context.Background()
	_, err := store.Write(ctx, "boise",
		[]string{"year", "make", "model", "row"},
		[]harvest.Record{
			{"year": "2001", "make": "FORD", "model": "MUSTANG", "row": "A1"},
			{"year": "1990", "make": "TOYOTA", "model": "COROLLA", "row": "D4"},
		},
	)
	require.NoError(t, err)

	// 2026-08-24 is a Monday: FORD is in the refresh group, TOYOTA is not.
	h := &fakeHarvester{records: map[string][]harvest.Record{
		"boise": {{"year": "2001", "make": "FORD", "model": "MUSTANG", "row": "A1"}},
	}}
	r := newRunner(Config{Mode: ModeBackfill, Refresh: true}, h, store, &fakeIssues{}, &captureNotifier{})

	_, err = r.Run(ctx)
	require.NoError(t, err)

	written := store.snaps["boise"][0].Records
	require.Len(t, written, 2)
	require.Contains(t, written, harvest.Record{"year": "1990", "make": "TOYOTA", "model": "COROLLA", "row": "D4"})
}

func TestRun_SelectiveRefreshStillDropsRescrapedRows(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	ctx := context.Background()
	_, err := store.Write(ctx, "boise",
		[]string{"year", "make", "model", "row"},
		[]harvest.Record{
			{"year": "2001", "make": "FORD", "model": "MUSTANG", "row": "A1"},
			{"year": "1998", "make": "FORD", "model": "THUNDERBIRD", "row": "B2"},
		},
	)
	require.NoError(t, err)

	// The re-scraped FORD leaves no longer list the Thunderbird, so it
	// must genuinely disappear rather than being carried forward.
	h := &fakeHarvester{records: map[string][]harvest.Record{
		"boise": {{"year": "2001", "make": "FORD", "model": "MUSTANG", "row": "A1"}},
	}}
	r := newRunner(Config{Mode: ModeBackfill, Refresh: true}, h, store, &fakeIssues{}, &captureNotifier{})

	_, err = r.Run(ctx)
	require.NoError(t, err)

	written := store.snaps["boise"][0].Records
	require.Len(t, written, 1)
	require.Equal(t, "MUSTANG", written[0]["model"])
}

func TestRun_UnreadableHistorySkipsSourceNotRun(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	store.failLatest = map[string]error{"boise": errors.New("corrupt csv")}
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := store.Write(ctx, "nampa",
			[]string{"year", "make", "model", "row"},
			[]harvest.Record{{"year": "2001", "make": "FORD", "model": "MUSTANG", "row": "A1"}},
		)
		require.NoError(t, err)
	}

	notifier := &captureNotifier{}
	logger := zap.NewNop()
	r := New(Params{
		Config: Config{Mode: ModeAudit},
		YardSources: []harvest.Source{
			boiseSource(),
			{Key: "nampa", RemoteID: "1022", KeyColumns: []string{"year", "make", "model", "row"}},
		},
		Store:      store,
		Issues:     &fakeIssues{issues: []harvest.Issue{{Number: 1, Body: subscriptionBody}}},
		Resolver:   subscription.NewResolver(nil, logger),
		Dispatcher: alert.NewDispatcher(notifier, alert.Config{From: "alerts@yardwatch.test"}, logger),
		Logger:     logger,
	})

	stats, err := r.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Failed)
	require.Len(t, notifier.sent, 1)
	require.Contains(t, notifier.sent[0].Subject, "Nampa")
}

func TestRun_RefreshWithoutHistoryFallsBackToFull(t *testing.T) {
	t.Parallel()

	h := &fakeHarvester{}
	r := newRunner(Config{Mode: ModeBackfill, Refresh: true}, h, newMemStore(), &fakeIssues{}, &captureNotifier{})

	_, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Nil(t, h.lastSel)
}

func TestRun_PruneHonorsRetention(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := store.Write(ctx, "boise",
			[]string{"year", "make", "model", "row"},
			[]harvest.Record{{"year": "2001", "make": "FORD", "model": "MUSTANG", "row": "A1"}},
		)
		require.NoError(t, err)
	}

	h := &fakeHarvester{records: map[string][]harvest.Record{
		"boise": {{"year": "2001", "make": "FORD", "model": "MUSTANG", "row": "A1"}},
	}}
	r := newRunner(Config{Mode: ModeBackfill, Keep: 2}, h, store, &fakeIssues{}, &captureNotifier{})

	_, err := r.Run(ctx)
	require.NoError(t, err)
	require.Len(t, store.snaps["boise"], 2)
}

func TestCollapseDuplicates_FirstRecordWins(t *testing.T) {
	t.Parallel()

	records := collapseDuplicates([]harvest.Record{
		{"year": "2001", "make": "FORD", "model": "MUSTANG", "row": "A1", "date": "first"},
		{"year": "2001", "make": "FORD", "model": "MUSTANG", "row": "A1", "date": "second"},
		{"year": "1998", "make": "FORD", "model": "THUNDERBIRD", "row": "B2"},
	}, []string{"year", "make", "model", "row"})

	require.Len(t, records, 2)
	require.Equal(t, "first", records[0]["date"])
}

func TestSnapshotColumns_KeyColumnsFirstThenSortedRest(t *testing.T) {
	t.Parallel()

	columns := snapshotColumns([]string{"year", "make"}, []harvest.Record{
		{"year": "2001", "make": "FORD", "price": "$1", "date": "x"},
	})
	require.Equal(t, []string{"year", "make"}, columns[:2])
	rest := columns[2:]
	require.True(t, sort.StringsAreSorted(rest))
	require.ElementsMatch(t, []string{"date", "price"}, rest)
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	for _, valid := range []string{"full", "audit", "backfill"} {
		mode, err := ParseMode(valid)
		require.NoError(t, err)
		require.Equal(t, Mode(valid), mode)
	}
	_, err := ParseMode("turbo")
	require.Error(t, err)
}
