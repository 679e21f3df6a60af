package tags

import (
	"fmt"
	"time"
)

// Tag is a stored accessibility tag. Optional columns are pointers so
// that absent values survive both JSON and SQL NULL round trips.
type Tag struct {
	ID           int64      `json:"id"`
	LocationName string     `json:"location_name"`
	Lat          float64    `json:"lat"`
	Lon          float64    `json:"lon"`
	Type         TagType    `json:"type"`
	Source       Source     `json:"source"`
	Address      *string    `json:"address,omitempty"`
	Confidence   *float64   `json:"confidence,omitempty"`
	OSMID        *string    `json:"osm_id,omitempty"`
	Notes        *string    `json:"notes,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    *time.Time `json:"updated_at,omitempty"`
}

// Validate checks the tag against the domain rules. Confidence is
// reserved for model-generated tags and osm_id for OSM-sourced tags.
func (t *Tag) Validate() error {
	if !t.Type.Valid() {
		return fmt.Errorf("unknown tag type %q", t.Type)
	}
	if !t.Source.Valid() {
		return fmt.Errorf("unknown tag source %q", t.Source)
	}
	if t.Lat < -90 || t.Lat > 90 {
		return fmt.Errorf("latitude %v out of range [-90, 90]", t.Lat)
	}
	if t.Lon < -180 || t.Lon > 180 {
		return fmt.Errorf("longitude %v out of range [-180, 180]", t.Lon)
	}
	if t.Confidence != nil {
		if t.Source != SourceModel {
			return fmt.Errorf("confidence can only be set for model-generated tags, got source %q", t.Source)
		}
		if *t.Confidence < 0 || *t.Confidence > 1 {
			return fmt.Errorf("confidence %v out of range [0, 1]", *t.Confidence)
		}
	}
	if t.OSMID != nil && t.Source != SourceOSM {
		return fmt.Errorf("osm_id can only be set for osm-sourced tags, got source %q", t.Source)
	}
	return nil
}
