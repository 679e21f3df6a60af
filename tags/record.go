package tags

import "fmt"

// TagRecord is one row of the raw training CSV. Lat, Lon and Confidence
// are pointers so empty cells stay nil instead of collapsing to zero,
// which lets the preprocessor tell a missing coordinate from a real one.
type TagRecord struct {
	ImagePath  string   `csv:"image_path"`
	Lat        *float64 `csv:"lat,omitempty"`
	Lon        *float64 `csv:"lon,omitempty"`
	Type       TagType  `csv:"type"`
	Source     Source   `csv:"source"`
	Confidence *float64 `csv:"confidence,omitempty"`
	OSMID      string   `csv:"osm_id,omitempty"`
	Notes      string   `csv:"notes,omitempty"`
}

// Validate checks a raw row for the values the training pipeline needs.
// Rows failing validation are dropped by the preprocessor, not fatal.
func (r *TagRecord) Validate() error {
	if r.ImagePath == "" {
		return fmt.Errorf("missing image_path")
	}
	if r.Lat == nil {
		return fmt.Errorf("missing lat")
	}
	if r.Lon == nil {
		return fmt.Errorf("missing lon")
	}
	if *r.Lat < -90 || *r.Lat > 90 {
		return fmt.Errorf("latitude %v out of range [-90, 90]", *r.Lat)
	}
	if *r.Lon < -180 || *r.Lon > 180 {
		return fmt.Errorf("longitude %v out of range [-180, 180]", *r.Lon)
	}
	if !r.Type.Valid() {
		return fmt.Errorf("unknown tag type %q", r.Type)
	}
	if !r.Source.Valid() {
		return fmt.Errorf("unknown tag source %q", r.Source)
	}
	if r.Confidence != nil {
		if r.Source != SourceModel {
			return fmt.Errorf("confidence can only be set for model-generated tags, got source %q", r.Source)
		}
		if *r.Confidence < 0 || *r.Confidence > 1 {
			return fmt.Errorf("confidence %v out of range [0, 1]", *r.Confidence)
		}
	}
	if r.OSMID != "" && r.Source != SourceOSM {
		return fmt.Errorf("osm_id can only be set for osm-sourced tags, got source %q", r.Source)
	}
	return nil
}

// SplitRecord is one row of a preprocessed split CSV. The preprocessor
// adds normalized coordinates and the encoded label to the raw columns;
// the dataset reads splits back through this type.
type SplitRecord struct {
	ImagePath string  `csv:"image_path"`
	Lat       float64 `csv:"lat"`
	Lon       float64 `csv:"lon"`
	Type      TagType `csv:"type"`
	Source    Source  `csv:"source"`
	LatNorm   float64 `csv:"lat_norm"`
	LonNorm   float64 `csv:"lon_norm"`
	Label     int     `csv:"label"`
}
