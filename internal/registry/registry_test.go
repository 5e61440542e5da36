package registry

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/rs/zerolog"

	"mapsync/core-go/internal/errs"
	"mapsync/core-go/internal/remote"
)

type fakeSource struct {
	statusesFn func(ctx context.Context) ([]remote.Status, error)
	layersFn   func(ctx context.Context) ([]remote.Layer, error)
}

func (f *fakeSource) Statuses(ctx context.Context) ([]remote.Status, error) {
	return f.statusesFn(ctx)
}

func (f *fakeSource) Layers(ctx context.Context) ([]remote.Layer, error) {
	return f.layersFn(ctx)
}

func hiddenSet(slugs ...string) func(string) bool {
	set := make(map[string]bool, len(slugs))
	for _, s := range slugs {
		set[s] = true
	}
	return func(slug string) bool { return set[slug] }
}

func boolPtr(b bool) *bool { return &b }

func defaultSource() *fakeSource {
	return &fakeSource{
		statusesFn: func(ctx context.Context) ([]remote.Status, error) {
			return []remote.Status{
				{Slug: "active", Name: "Active", FillColor: "#0f0", StrokeColor: "#000", StrokeWidth: 2},
				{Slug: "planned", Name: "Planned", FillColor: "#ff0"},
			}, nil
		},
		layersFn: func(ctx context.Context) ([]remote.Layer, error) {
			return []remote.Layer{
				{Slug: "fiber", Name: "Fiber"},
				{Slug: "wifi", Name: "Wifi"},
				{Slug: "archive", Name: "Archive", Visible: boolPtr(false)},
			}, nil
		},
	}
}

func TestLegendLoad_RestoresHiddenStatuses(t *testing.T) {
	legend := NewLegend(zerolog.Nop(), defaultSource(), hiddenSet("planned"))
	if err := legend.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}

	planned, ok := legend.Get("planned")
	if !ok {
		t.Fatalf("expected planned entry")
	}
	if planned.Visible {
		t.Fatalf("expected planned hidden from the previous session")
	}
	active, _ := legend.Get("active")
	if !active.Visible || active.FillColor != "#0f0" || active.StrokeWidth != 2 {
		t.Fatalf("unexpected active entry %+v", active)
	}
	if !reflect.DeepEqual(legend.Slugs(), []string{"active", "planned"}) {
		t.Fatalf("expected API order, got %v", legend.Slugs())
	}
}

func TestLegendLoad_FailureKeepsEntries(t *testing.T) {
	src := defaultSource()
	legend := NewLegend(zerolog.Nop(), src, nil)
	if err := legend.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}

	src.statusesFn = func(ctx context.Context) ([]remote.Status, error) {
		return nil, &errs.NetworkError{Op: "GET", URL: "/status/", StatusCode: 500}
	}
	err := legend.Load(context.Background())
	if !errs.IsNetwork(err) {
		t.Fatalf("expected network error, got %v", err)
	}
	if legend.Len() != 2 {
		t.Fatalf("expected entries kept after failed reload, got %d", legend.Len())
	}
}

func TestLegendLoad_ReloadKeepsCounts(t *testing.T) {
	legend := NewLegend(zerolog.Nop(), defaultSource(), nil)
	_ = legend.Load(context.Background())
	legend.SetCount("active", 3)

	if err := legend.Load(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if e, _ := legend.Get("active"); e.Count != 3 {
		t.Fatalf("expected count carried over, got %d", e.Count)
	}
}

func TestLegendSetVisible_IsIdempotent(t *testing.T) {
	legend := NewLegend(zerolog.Nop(), defaultSource(), nil)
	_ = legend.Load(context.Background())

	var events []LegendEntry
	unsubscribe := legend.OnVisibilityChanged(func(e LegendEntry) { events = append(events, e) })

	changed, err := legend.SetVisible("active", false)
	if err != nil || !changed {
		t.Fatalf("expected change, got changed=%v err=%v", changed, err)
	}
	changed, err = legend.SetVisible("active", false)
	if err != nil || changed {
		t.Fatalf("expected no-op, got changed=%v err=%v", changed, err)
	}
	if len(events) != 1 || events[0].Slug != "active" || events[0].Visible {
		t.Fatalf("expected one hide event, got %+v", events)
	}

	unsubscribe()
	_, _ = legend.SetVisible("active", true)
	if len(events) != 1 {
		t.Fatalf("expected no events after unsubscribe, got %d", len(events))
	}
}

func TestLegendSetVisible_UnknownSlug(t *testing.T) {
	legend := NewLegend(zerolog.Nop(), defaultSource(), nil)
	_ = legend.Load(context.Background())

	_, err := legend.SetVisible("retired", false)
	var invalid *errs.InvalidSlugError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidSlugError, got %v", err)
	}
	if invalid.Kind != "legend" || invalid.Slug != "retired" {
		t.Fatalf("unexpected error fields %+v", invalid)
	}
}

func TestLegendCounts(t *testing.T) {
	legend := NewLegend(zerolog.Nop(), defaultSource(), nil)
	_ = legend.Load(context.Background())

	if !legend.SetCount("Active", 4) {
		t.Fatalf("expected count set on known slug")
	}
	if legend.SetCount("unknown", 1) {
		t.Fatalf("expected unknown slug ignored")
	}

	var got map[string]int
	legend.OnCounted(func(c map[string]int) { got = c })
	legend.PublishCounts()

	if !reflect.DeepEqual(got, map[string]int{"active": 4, "planned": 0}) {
		t.Fatalf("unexpected counts %v", got)
	}
}

func TestLayersLoad_CombinesDefaultAndHidden(t *testing.T) {
	layers := NewLayers(zerolog.Nop(), defaultSource(), hiddenSet("wifi"), nil)
	if err := layers.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}

	cases := map[string]bool{"fiber": true, "wifi": false, "archive": false}
	for slug, want := range cases {
		if got := layers.IsVisible(slug); got != want {
			t.Fatalf("layer %s: expected visible=%v, got %v", slug, want, got)
		}
	}
	if layers.IsVisible("missing") {
		t.Fatalf("expected unknown layer reported invisible")
	}
	if !reflect.DeepEqual(layers.Slugs(), []string{"fiber", "wifi", "archive"}) {
		t.Fatalf("unexpected slugs %v", layers.Slugs())
	}
}

func TestLayersSetVisible(t *testing.T) {
	layers := NewLayers(zerolog.Nop(), defaultSource(), nil, nil)
	_ = layers.Load(context.Background())

	var events []LayerEntry
	layers.OnVisibilityChanged(func(e LayerEntry) { events = append(events, e) })

	if changed, err := layers.SetVisible("wifi", false); err != nil || !changed {
		t.Fatalf("expected change, got changed=%v err=%v", changed, err)
	}
	if changed, _ := layers.SetVisible("wifi", false); changed {
		t.Fatalf("expected idempotent set")
	}
	if _, err := layers.SetVisible("nope", true); !errs.IsInvalidSlug(err) {
		t.Fatalf("expected InvalidSlugError, got %v", err)
	}
	if len(events) != 1 || events[0].Slug != "wifi" {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestAll_ReturnsCopies(t *testing.T) {
	layers := NewLayers(zerolog.Nop(), defaultSource(), nil, nil)
	_ = layers.Load(context.Background())

	all := layers.All()
	all[0].Visible = false
	if !layers.IsVisible(all[0].Slug) {
		t.Fatalf("expected registry unaffected by caller mutation")
	}
}

func TestLayersLoad_ReloadKeepsCurrentVisibility(t *testing.T) {
	layers := NewLayers(zerolog.Nop(), defaultSource(), nil, nil)
	ctx := context.Background()
	if err := layers.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}

	var events []LayerEntry
	layers.OnVisibilityChanged(func(e LayerEntry) { events = append(events, e) })
	if changed, err := layers.SetVisible("archive", true); err != nil || !changed {
		t.Fatalf("expected archive shown, got changed=%v err=%v", changed, err)
	}
	_, _ = layers.SetVisible("fiber", false)

	if err := layers.Load(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !layers.IsVisible("archive") {
		t.Fatalf("expected archive to stay visible across reload")
	}
	if layers.IsVisible("fiber") {
		t.Fatalf("expected fiber to stay hidden across reload")
	}
	if len(events) != 2 {
		t.Fatalf("expected only the two explicit changes, got %+v", events)
	}
}

func TestLayersLoad_RestoresShownLayer(t *testing.T) {
	layers := NewLayers(zerolog.Nop(), defaultSource(), nil, hiddenSet("archive"))
	if err := layers.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	if !layers.IsVisible("archive") {
		t.Fatalf("expected archive shown from the previous session")
	}

	both := NewLayers(zerolog.Nop(), defaultSource(), hiddenSet("archive"), hiddenSet("archive"))
	_ = both.Load(context.Background())
	if both.IsVisible("archive") {
		t.Fatalf("expected hidden to win over shown")
	}
}

func TestLegendLoad_ReloadKeepsCurrentVisibility(t *testing.T) {
	legend := NewLegend(zerolog.Nop(), defaultSource(), nil)
	_ = legend.Load(context.Background())
	_, _ = legend.SetVisible("planned", false)

	if err := legend.Load(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if legend.IsVisible("planned") {
		t.Fatalf("expected planned to stay hidden across reload")
	}
}
