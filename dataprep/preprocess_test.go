package dataprep

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/accessatlas/accessatlas/tags"
)

// buildCSV writes a synthetic tag CSV with count rows per class.
func buildCSV(t *testing.T, path string, classes []string, perClass int) {
	t.Helper()
	var b strings.Builder
	b.WriteString("image_path,lat,lon,type,source\n")
	row := 0
	for _, class := range classes {
		for i := 0; i < perClass; i++ {
			source := "user"
			if row%3 == 0 {
				source = "osm"
			}
			fmt.Fprintf(&b, "img_%04d.jpg,%f,%f,%s,%s\n",
				row, 34.0+float64(row)*0.001, -82.0-float64(row)*0.001, class, source)
			row++
		}
	}
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		t.Fatalf("Failed to write test CSV: %v", err)
	}
}

func defaultOptions(csvPath, outDir string) Options {
	return Options{
		CSVPath:    csvPath,
		OutputDir:  outDir,
		TrainRatio: 0.7,
		ValRatio:   0.15,
		TestRatio:  0.15,
		Seed:       42,
	}
}

func TestRatioValidation(t *testing.T) {
	opts := defaultOptions("in.csv", "out")
	opts.TestRatio = 0.2
	_, err := New(opts, nil)
	if err == nil {
		t.Fatal("Expected error for ratios not summing to 1.0")
	}
	if !strings.Contains(err.Error(), "must sum to 1.0") {
		t.Errorf("Expected ratio sum error, got: %v", err)
	}

	opts = defaultOptions("in.csv", "out")
	opts.TrainRatio = 1.0
	opts.ValRatio = 0.15
	opts.TestRatio = -0.15
	_, err = New(opts, nil)
	if err == nil {
		t.Fatal("Expected error for negative ratio")
	}
	if !strings.Contains(err.Error(), "must be positive") {
		t.Errorf("Expected positive ratio error, got: %v", err)
	}
}

func TestMissingRequiredColumns(t *testing.T) {
	path := "test_missing_cols.csv"
	body := "image_path,lat,lon\nimg.jpg,34.0,-82.0\n"
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("Failed to write test CSV: %v", err)
	}
	defer os.Remove(path)

	pre, err := New(defaultOptions(path, "test_missing_cols_out"), nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer os.RemoveAll("test_missing_cols_out")

	_, err = pre.Run()
	if err == nil {
		t.Fatal("Expected error for missing columns")
	}
	if !strings.Contains(err.Error(), "missing required column(s)") {
		t.Errorf("Expected missing column error, got: %v", err)
	}
	if !strings.Contains(err.Error(), "type") || !strings.Contains(err.Error(), "source") {
		t.Errorf("Expected both missing columns named, got: %v", err)
	}
}

func TestSplit500Rows(t *testing.T) {
	csvPath := "test_split500.csv"
	outDir := "test_split500_out"
	classes := []string{"Ramp", "Elevator", "Entrance", "Obstacle", "Parking"}
	buildCSV(t, csvPath, classes, 100)
	defer os.Remove(csvPath)
	defer os.RemoveAll(outDir)

	pre, err := New(defaultOptions(csvPath, outDir), nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	result, err := pre.Run()
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if result.TotalRows != 500 || result.DroppedRows != 0 {
		t.Errorf("Expected 500 rows with 0 dropped, got %d/%d", result.TotalRows, result.DroppedRows)
	}
	if result.TrainRows+result.ValRows+result.TestRows != 500 {
		t.Errorf("Split sizes must sum to 500, got %d+%d+%d",
			result.TrainRows, result.ValRows, result.TestRows)
	}
	if result.TrainRows < 349 || result.TrainRows > 351 {
		t.Errorf("Expected ~350 train rows, got %d", result.TrainRows)
	}
	if result.ValRows < 74 || result.ValRows > 76 {
		t.Errorf("Expected ~75 val rows, got %d", result.ValRows)
	}
	if result.TestRows < 74 || result.TestRows > 76 {
		t.Errorf("Expected ~75 test rows, got %d", result.TestRows)
	}

	// Stratification: each class fraction stays within 5% of the requested ratio.
	splits := []struct {
		path  string
		ratio float64
	}{
		{result.TrainPath, 0.7},
		{result.ValPath, 0.15},
		{result.TestPath, 0.15},
	}
	for _, s := range splits {
		rows, err := ReadSplit(s.path)
		if err != nil {
			t.Fatalf("ReadSplit(%s) failed: %v", s.path, err)
		}
		counts := make(map[tags.TagType]int)
		for _, row := range rows {
			counts[row.Type]++
		}
		for _, class := range classes {
			fraction := float64(counts[tags.TagType(class)]) / 100.0
			if math.Abs(fraction-s.ratio) > 0.05 {
				t.Errorf("Class %s in %s: fraction %v deviates from ratio %v by more than 5%%",
					class, filepath.Base(s.path), fraction, s.ratio)
			}
		}
	}

	// Balanced classes give uniform weights.
	for i, w := range result.Metadata.ClassWeights {
		if math.Abs(w-1.0) > 1e-9 {
			t.Errorf("Expected class weight 1.0 for balanced class %d, got %v", i, w)
		}
	}
}

func TestSplitDeterminism(t *testing.T) {
	csvPath := "test_determinism.csv"
	classes := []string{"Ramp", "Elevator", "Restroom"}
	buildCSV(t, csvPath, classes, 40)
	defer os.Remove(csvPath)

	dirs := []string{"test_determinism_a", "test_determinism_b"}
	for _, dir := range dirs {
		defer os.RemoveAll(dir)
		pre, err := New(defaultOptions(csvPath, dir), nil)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		if _, err := pre.Run(); err != nil {
			t.Fatalf("Run into %s failed: %v", dir, err)
		}
	}

	for _, name := range []string{"tags_train.csv", "tags_val.csv", "tags_test.csv", "preprocessing_metadata.json"} {
		a, err := os.ReadFile(filepath.Join(dirs[0], name))
		if err != nil {
			t.Fatalf("Failed to read %s: %v", name, err)
		}
		b, err := os.ReadFile(filepath.Join(dirs[1], name))
		if err != nil {
			t.Fatalf("Failed to read %s: %v", name, err)
		}
		if !bytes.Equal(a, b) {
			t.Errorf("%s differs between identical runs", name)
		}
	}
}

func TestSplitPartition(t *testing.T) {
	csvPath := "test_partition.csv"
	outDir := "test_partition_out"
	var b strings.Builder
	b.WriteString("image_path,lat,lon,type,source\n")
	row := 0
	for _, spec := range []struct {
		class string
		count int
	}{{"Ramp", 30}, {"Elevator", 20}, {"Tactile Path", 10}} {
		for i := 0; i < spec.count; i++ {
			fmt.Fprintf(&b, "img_%04d.jpg,%f,%f,%s,user\n",
				row, 34.0+float64(row)*0.01, -82.0+float64(row)*0.01, spec.class)
			row++
		}
	}
	if err := os.WriteFile(csvPath, []byte(b.String()), 0644); err != nil {
		t.Fatalf("Failed to write test CSV: %v", err)
	}
	defer os.Remove(csvPath)
	defer os.RemoveAll(outDir)

	pre, err := New(defaultOptions(csvPath, outDir), nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	result, err := pre.Run()
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	seen := make(map[string]string)
	for _, path := range []string{result.TrainPath, result.ValPath, result.TestPath} {
		rows, err := ReadSplit(path)
		if err != nil {
			t.Fatalf("ReadSplit failed: %v", err)
		}
		for _, row := range rows {
			if prev, ok := seen[row.ImagePath]; ok {
				t.Errorf("Row %s appears in both %s and %s", row.ImagePath, prev, filepath.Base(path))
			}
			seen[row.ImagePath] = filepath.Base(path)
		}
	}
	if len(seen) != 60 {
		t.Errorf("Expected all 60 rows across the splits, got %d", len(seen))
	}
}

func TestMetadataContents(t *testing.T) {
	csvPath := "test_metadata.csv"
	outDir := "test_metadata_out"
	classes := []string{"Restroom", "Elevator", "Ramp"}
	buildCSV(t, csvPath, classes, 20)
	defer os.Remove(csvPath)
	defer os.RemoveAll(outDir)

	pre, err := New(defaultOptions(csvPath, outDir), nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	result, err := pre.Run()
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	meta, err := LoadMetadata(result.MetadataPath)
	if err != nil {
		t.Fatalf("LoadMetadata failed: %v", err)
	}

	// Tag types are sorted alphabetically regardless of input order.
	want := []string{"Elevator", "Ramp", "Restroom"}
	if len(meta.TagTypes) != 3 {
		t.Fatalf("Expected 3 tag types, got %v", meta.TagTypes)
	}
	for i, name := range want {
		if meta.TagTypes[i] != name {
			t.Errorf("Tag type %d: expected %q, got %q", i, name, meta.TagTypes[i])
		}
	}
	if meta.NumClasses != 3 {
		t.Errorf("Expected num_classes 3, got %d", meta.NumClasses)
	}
	if len(meta.SourceTypes) != 2 || meta.SourceTypes[0] != "osm" || meta.SourceTypes[1] != "user" {
		t.Errorf("Expected sorted source types [osm user], got %v", meta.SourceTypes)
	}

	label, ok := meta.LabelIndex(tags.TagRamp)
	if !ok || label != 1 {
		t.Errorf("Expected Ramp label 1, got %d (ok=%v)", label, ok)
	}
	idx, ok := meta.SourceIndex(tags.SourceUser)
	if !ok || idx != 1 {
		t.Errorf("Expected user source index 1, got %d (ok=%v)", idx, ok)
	}

	// Population statistics over all 60 rows.
	var mean float64
	lats := make([]float64, 60)
	for i := range lats {
		lats[i] = 34.0 + float64(i)*0.001
		mean += lats[i]
	}
	mean /= 60
	var variance float64
	for _, v := range lats {
		variance += (v - mean) * (v - mean)
	}
	std := math.Sqrt(variance / 60)
	if math.Abs(meta.LatMean-mean) > 1e-9 {
		t.Errorf("Expected lat_mean %v, got %v", mean, meta.LatMean)
	}
	if math.Abs(meta.LatStd-std) > 1e-9 {
		t.Errorf("Expected population lat_std %v, got %v", std, meta.LatStd)
	}

	// The JSON file carries the exact key set downstream tools expect.
	data, err := os.ReadFile(result.MetadataPath)
	if err != nil {
		t.Fatalf("Failed to read metadata file: %v", err)
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Failed to decode metadata file: %v", err)
	}
	for _, key := range []string{"source_types", "tag_types", "lat_mean", "lat_std", "lon_mean", "lon_std", "num_classes", "class_weights"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("Metadata file missing key %q", key)
		}
	}
}

func TestClassWeightsInverseToFrequency(t *testing.T) {
	records := []*tags.TagRecord{}
	add := func(class string, count int) {
		for i := 0; i < count; i++ {
			lat, lon := 34.0, -82.0
			records = append(records, &tags.TagRecord{
				ImagePath: fmt.Sprintf("%s_%d.jpg", class, i),
				Lat:       &lat,
				Lon:       &lon,
				Type:      tags.TagType(class),
				Source:    tags.SourceUser,
			})
		}
	}
	add("Ramp", 60)
	add("Elevator", 30)
	add("Obstacle", 10)

	meta, _ := buildMetadata(records)

	// Alphabetical labels: Elevator=0, Obstacle=1, Ramp=2.
	wantWeights := []float64{
		100.0 / (3 * 30.0),
		100.0 / (3 * 10.0),
		100.0 / (3 * 60.0),
	}
	for i, want := range wantWeights {
		if math.Abs(meta.ClassWeights[i]-want) > 1e-9 {
			t.Errorf("Class weight %d: expected %v, got %v", i, want, meta.ClassWeights[i])
		}
	}
	if meta.ClassWeights[1] <= meta.ClassWeights[0] || meta.ClassWeights[0] <= meta.ClassWeights[2] {
		t.Error("Expected rarer classes to receive larger weights")
	}
}

func TestInvalidRowsDroppedWithWarning(t *testing.T) {
	csvPath := "test_dropped.csv"
	outDir := "test_dropped_out"
	body := "image_path,lat,lon,type,source\n" +
		"good_1.jpg,34.0,-82.0,Ramp,user\n" +
		"no_lat.jpg,,-82.0,Ramp,user\n" +
		"bad_type.jpg,34.0,-82.0,Stairs,user\n" +
		"good_2.jpg,34.1,-82.1,Elevator,osm\n" +
		"good_3.jpg,34.2,-82.2,Ramp,user\n" +
		"good_4.jpg,34.3,-82.3,Elevator,user\n"
	if err := os.WriteFile(csvPath, []byte(body), 0644); err != nil {
		t.Fatalf("Failed to write test CSV: %v", err)
	}
	defer os.Remove(csvPath)
	defer os.RemoveAll(outDir)

	pre, err := New(defaultOptions(csvPath, outDir), nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	result, err := pre.Run()
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if result.TotalRows != 6 {
		t.Errorf("Expected 6 total rows, got %d", result.TotalRows)
	}
	if result.DroppedRows != 2 {
		t.Errorf("Expected 2 dropped rows, got %d", result.DroppedRows)
	}
	if result.TrainRows+result.ValRows+result.TestRows != 4 {
		t.Errorf("Expected 4 rows across splits, got %d",
			result.TrainRows+result.ValRows+result.TestRows)
	}
}

func TestMissingImagesWarnOnly(t *testing.T) {
	base := "test_missing_images"
	csvPath := base + ".csv"
	outDir := base + "_out"
	imageDir := base + "_imgs"
	if err := os.MkdirAll(imageDir, 0755); err != nil {
		t.Fatalf("Failed to create image dir: %v", err)
	}
	defer os.RemoveAll(imageDir)
	if err := os.WriteFile(filepath.Join(imageDir, "exists.jpg"), []byte("x"), 0644); err != nil {
		t.Fatalf("Failed to create image file: %v", err)
	}

	body := "image_path,lat,lon,type,source\n" +
		"exists.jpg,34.0,-82.0,Ramp,user\n" +
		"gone_1.jpg,34.1,-82.1,Elevator,user\n" +
		"gone_2.jpg,34.2,-82.2,Ramp,osm\n" +
		"exists.jpg,34.3,-82.3,Elevator,user\n"
	if err := os.WriteFile(csvPath, []byte(body), 0644); err != nil {
		t.Fatalf("Failed to write test CSV: %v", err)
	}
	defer os.Remove(csvPath)
	defer os.RemoveAll(outDir)

	opts := defaultOptions(csvPath, outDir)
	opts.ImageDir = imageDir
	pre, err := New(opts, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	result, err := pre.Run()
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if result.MissingImages != 2 {
		t.Errorf("Expected 2 missing images, got %d", result.MissingImages)
	}
	if result.TrainRows+result.ValRows+result.TestRows != 4 {
		t.Error("Rows with missing images must stay in the dataset")
	}
}

func TestRunRecords(t *testing.T) {
	outDir := "test_run_records_out"
	defer os.RemoveAll(outDir)

	var records []*tags.TagRecord
	for i := 0; i < 30; i++ {
		lat := 34.0 + float64(i)*0.01
		lon := -82.0 + float64(i)*0.01
		class := tags.TagRamp
		if i%2 == 0 {
			class = tags.TagEntrance
		}
		records = append(records, &tags.TagRecord{
			ImagePath: fmt.Sprintf("tile_%03d.jpg", i),
			Lat:       &lat,
			Lon:       &lon,
			Type:      class,
			Source:    tags.SourceUser,
		})
	}

	opts := Options{
		OutputDir:  outDir,
		TrainRatio: 0.7,
		ValRatio:   0.15,
		TestRatio:  0.15,
		Seed:       7,
	}
	pre, err := New(opts, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	result, err := pre.RunRecords(records)
	if err != nil {
		t.Fatalf("RunRecords failed: %v", err)
	}

	if result.TrainRows+result.ValRows+result.TestRows != 30 {
		t.Errorf("Expected 30 rows across splits, got %d",
			result.TrainRows+result.ValRows+result.TestRows)
	}
	if _, err := os.Stat(result.MetadataPath); err != nil {
		t.Errorf("Expected metadata file at %s: %v", result.MetadataPath, err)
	}
}
