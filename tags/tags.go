// Package tags defines the accessibility tag vocabulary and the record
// types shared by the data pipeline, the tag store, and the HTTP API.
package tags

import "fmt"

// TagType identifies the kind of accessibility feature a tag describes
type TagType string

const (
	TagRamp        TagType = "Ramp"
	TagElevator    TagType = "Elevator"
	TagEntrance    TagType = "Entrance"
	TagTactilePath TagType = "Tactile Path"
	TagObstacle    TagType = "Obstacle"
	TagParking     TagType = "Parking"
	TagRestroom    TagType = "Restroom"
)

// Source identifies where a tag came from
type Source string

const (
	SourceUser  Source = "user"
	SourceOSM   Source = "osm"
	SourceModel Source = "model"
)

// AllTagTypes lists every known tag type in declaration order
var AllTagTypes = []TagType{
	TagRamp,
	TagElevator,
	TagEntrance,
	TagTactilePath,
	TagObstacle,
	TagParking,
	TagRestroom,
}

// AllSources lists every known tag source
var AllSources = []Source{
	SourceUser,
	SourceOSM,
	SourceModel,
}

// Valid reports whether t is a known tag type
func (t TagType) Valid() bool {
	for _, known := range AllTagTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known tag source
func (s Source) Valid() bool {
	for _, known := range AllSources {
		if s == known {
			return true
		}
	}
	return false
}

func (t TagType) String() string {
	return string(t)
}

func (s Source) String() string {
	return string(s)
}

// ParseTagType converts a string to a TagType, failing on unknown values
func ParseTagType(s string) (TagType, error) {
	t := TagType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown tag type %q", s)
	}
	return t, nil
}

// ParseSource converts a string to a Source, failing on unknown values
func ParseSource(s string) (Source, error) {
	src := Source(s)
	if !src.Valid() {
		return "", fmt.Errorf("unknown tag source %q", s)
	}
	return src, nil
}

// TagTypeNames returns the tag vocabulary as plain strings in declaration
// order. Label encodings are derived from observed data, not from this
// list, so consumers must not assume these indices match trained labels.
func TagTypeNames() []string {
	names := make([]string, len(AllTagTypes))
	for i, t := range AllTagTypes {
		names[i] = string(t)
	}
	return names
}

// SourceNames returns the source vocabulary as plain strings
func SourceNames() []string {
	names := make([]string, len(AllSources))
	for i, s := range AllSources {
		names[i] = string(s)
	}
	return names
}
