package tagstore

import (
	"path/filepath"
	"testing"

	"github.com/accessatlas/accessatlas/tags"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tags.db")
	store, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func strPtr(s string) *string     { return &s }
func floatPtr(f float64) *float64 { return &f }

func sampleTags() []*tags.Tag {
	return []*tags.Tag{
		{
			LocationName: "Central Library",
			Lat:          34.0007,
			Lon:          -81.0348,
			Type:         tags.TagRamp,
			Source:       tags.SourceUser,
			Notes:        strPtr("steep but usable"),
		},
		{
			LocationName: "Central Library",
			Lat:          34.0009,
			Lon:          -81.0350,
			Type:         tags.TagEntrance,
			Source:       tags.SourceOSM,
			OSMID:        strPtr("node/123456"),
		},
		{
			LocationName: "Central Library",
			Lat:          34.0008,
			Lon:          -81.0349,
			Type:         tags.TagElevator,
			Source:       tags.SourceModel,
			Confidence:   floatPtr(0.91),
			Notes:        strPtr("tiles/34.0008_-81.0349.png"),
		},
	}
}

func TestInsertAndQueryByLocation(t *testing.T) {
	store := newTestStore(t)

	ids, err := store.InsertTags(sampleTags())
	if err != nil {
		t.Fatalf("InsertTags failed: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("Expected 3 ids, got %d", len(ids))
	}
	for i, id := range ids {
		if id <= 0 {
			t.Errorf("Tag %d got non-positive id %d", i, id)
		}
	}

	got, err := store.TagsByLocation("Central Library")
	if err != nil {
		t.Fatalf("TagsByLocation failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Expected 3 tags, got %d", len(got))
	}

	// Same created_at for the batch, so newest-first falls back to id
	// descending.
	for i := 1; i < len(got); i++ {
		if got[i-1].ID < got[i].ID {
			t.Errorf("Tags not ordered newest first: id %d before %d", got[i-1].ID, got[i].ID)
		}
	}

	byType := make(map[tags.TagType]*tags.Tag)
	for _, tag := range got {
		byType[tag.Type] = tag
		if tag.CreatedAt.IsZero() {
			t.Errorf("Tag %d has zero created_at", tag.ID)
		}
		if tag.UpdatedAt != nil {
			t.Errorf("Tag %d has unexpected updated_at", tag.ID)
		}
	}

	model := byType[tags.TagElevator]
	if model == nil {
		t.Fatal("Model tag not returned")
	}
	if model.Confidence == nil || *model.Confidence != 0.91 {
		t.Errorf("Model confidence not round-tripped: %v", model.Confidence)
	}
	osm := byType[tags.TagEntrance]
	if osm == nil || osm.OSMID == nil || *osm.OSMID != "node/123456" {
		t.Error("OSM id not round-tripped")
	}
	user := byType[tags.TagRamp]
	if user == nil || user.Notes == nil || *user.Notes != "steep but usable" {
		t.Error("User notes not round-tripped")
	}
	if user.Confidence != nil {
		t.Error("User tag should have nil confidence")
	}

	missing, err := store.TagsByLocation("Nowhere")
	if err != nil {
		t.Fatalf("TagsByLocation for unknown location failed: %v", err)
	}
	if len(missing) != 0 {
		t.Errorf("Expected no tags for unknown location, got %d", len(missing))
	}
}

func TestInsertRejectsInvalidBatch(t *testing.T) {
	store := newTestStore(t)

	invalid := []*tags.Tag{
		{
			LocationName: "Park",
			Lat:          34.0,
			Lon:          -81.0,
			Type:         tags.TagRamp,
			Source:       tags.SourceUser,
		},
		{
			// Confidence on a user tag violates the domain rules.
			LocationName: "Park",
			Lat:          34.0,
			Lon:          -81.0,
			Type:         tags.TagRamp,
			Source:       tags.SourceUser,
			Confidence:   floatPtr(0.5),
		},
	}
	if _, err := store.InsertTags(invalid); err == nil {
		t.Fatal("Expected error for confidence on user tag")
	}

	// The whole batch must be rejected, including the valid first tag.
	stats, err := store.Statistics()
	if err != nil {
		t.Fatalf("Statistics failed: %v", err)
	}
	if stats.TotalTags != 0 {
		t.Errorf("Expected empty store after rejected batch, got %d tags", stats.TotalTags)
	}

	withOSMID := []*tags.Tag{{
		LocationName: "Park",
		Lat:          34.0,
		Lon:          -81.0,
		Type:         tags.TagRamp,
		Source:       tags.SourceUser,
		OSMID:        strPtr("node/9"),
	}}
	if _, err := store.InsertTags(withOSMID); err == nil {
		t.Fatal("Expected error for osm_id on user tag")
	}

	if _, err := store.InsertTags(nil); err == nil {
		t.Fatal("Expected error for empty batch")
	}
}

func TestDeleteTag(t *testing.T) {
	store := newTestStore(t)

	ids, err := store.InsertTags(sampleTags()[:1])
	if err != nil {
		t.Fatalf("InsertTags failed: %v", err)
	}

	deleted, err := store.DeleteTag(ids[0])
	if err != nil {
		t.Fatalf("DeleteTag failed: %v", err)
	}
	if !deleted {
		t.Error("Expected delete of existing tag to report true")
	}

	deleted, err = store.DeleteTag(ids[0])
	if err != nil {
		t.Fatalf("Second DeleteTag failed: %v", err)
	}
	if deleted {
		t.Error("Expected delete of missing tag to report false")
	}
}

func TestStatistics(t *testing.T) {
	store := newTestStore(t)

	batch := sampleTags()
	batch = append(batch, &tags.Tag{
		LocationName: "Bus Station",
		Lat:          34.01,
		Lon:          -81.04,
		Type:         tags.TagRamp,
		Source:       tags.SourceModel,
		Confidence:   floatPtr(0.71),
	})
	if _, err := store.InsertTags(batch); err != nil {
		t.Fatalf("InsertTags failed: %v", err)
	}

	stats, err := store.Statistics()
	if err != nil {
		t.Fatalf("Statistics failed: %v", err)
	}
	if stats.TotalTags != 4 {
		t.Errorf("Expected 4 total tags, got %d", stats.TotalTags)
	}
	if stats.BySource["model"] != 2 || stats.BySource["user"] != 1 || stats.BySource["osm"] != 1 {
		t.Errorf("Unexpected source counts: %v", stats.BySource)
	}
	if stats.ByType["Ramp"] != 2 {
		t.Errorf("Expected 2 Ramp tags, got %d", stats.ByType["Ramp"])
	}
	if stats.AvgModelConfidence == nil {
		t.Fatal("Expected average model confidence")
	}
	want := (0.91 + 0.71) / 2
	if diff := *stats.AvgModelConfidence - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("Expected avg confidence %v, got %v", want, *stats.AvgModelConfidence)
	}
}

func TestStatisticsEmptyStore(t *testing.T) {
	store := newTestStore(t)

	stats, err := store.Statistics()
	if err != nil {
		t.Fatalf("Statistics failed: %v", err)
	}
	if stats.TotalTags != 0 {
		t.Errorf("Expected 0 tags, got %d", stats.TotalTags)
	}
	if stats.AvgModelConfidence != nil {
		t.Error("Expected nil average confidence for empty store")
	}
}

func TestLocations(t *testing.T) {
	store := newTestStore(t)

	batch := sampleTags()
	batch = append(batch, &tags.Tag{
		LocationName: "Bus Station",
		Lat:          34.0100,
		Lon:          -81.0400,
		Type:         tags.TagParking,
		Source:       tags.SourceUser,
	})
	if _, err := store.InsertTags(batch); err != nil {
		t.Fatalf("InsertTags failed: %v", err)
	}

	locations, err := store.Locations()
	if err != nil {
		t.Fatalf("Locations failed: %v", err)
	}
	if len(locations) != 2 {
		t.Fatalf("Expected 2 locations, got %d", len(locations))
	}
	// Sorted by name: Bus Station before Central Library.
	if locations[0].LocationName != "Bus Station" || locations[0].TagCount != 1 {
		t.Errorf("Unexpected first location: %+v", locations[0])
	}
	if locations[1].LocationName != "Central Library" || locations[1].TagCount != 3 {
		t.Errorf("Unexpected second location: %+v", locations[1])
	}
	if locations[1].Lat < 34.0006 || locations[1].Lat > 34.0010 {
		t.Errorf("Centroid lat out of range: %v", locations[1].Lat)
	}
}

func TestExportRecords(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.InsertTags(sampleTags()); err != nil {
		t.Fatalf("InsertTags failed: %v", err)
	}

	records, err := store.ExportRecords()
	if err != nil {
		t.Fatalf("ExportRecords failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("Expected 3 records, got %d", len(records))
	}

	var model *tags.TagRecord
	for _, rec := range records {
		if rec.Lat == nil || rec.Lon == nil {
			t.Fatalf("Record missing coordinates: %+v", rec)
		}
		if rec.Source == tags.SourceModel {
			model = rec
		}
	}
	if model == nil {
		t.Fatal("Model record not exported")
	}
	if model.ImagePath != "tiles/34.0008_-81.0349.png" {
		t.Errorf("Image path not lifted from notes: %q", model.ImagePath)
	}
	if model.Confidence == nil || *model.Confidence != 0.91 {
		t.Errorf("Confidence not exported: %v", model.Confidence)
	}

	// Coordinates must be distinct pointers per record.
	if records[0].Lat == records[1].Lat {
		t.Error("Records share a lat pointer")
	}
}

func TestReopenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tags.db")

	store, err := Open(path, nil)
	if err != nil {
		t.Fatalf("First Open failed: %v", err)
	}
	if _, err := store.InsertTags(sampleTags()[:1]); err != nil {
		t.Fatalf("InsertTags failed: %v", err)
	}
	store.Close()

	// Reopening runs migrations again; already current is not an error.
	store, err = Open(path, nil)
	if err != nil {
		t.Fatalf("Second Open failed: %v", err)
	}
	defer store.Close()

	version, dirty, err := store.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion failed: %v", err)
	}
	if version != 1 || dirty {
		t.Errorf("Expected clean version 1, got version %d dirty %v", version, dirty)
	}

	got, err := store.TagsByLocation("Central Library")
	if err != nil {
		t.Fatalf("TagsByLocation failed: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("Expected data to survive reopen, got %d tags", len(got))
	}
}
