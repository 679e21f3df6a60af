// Package tagstore persists accessibility tags in a SQLite database
// matching the platform schema, with versioned migrations embedded in
// the binary. It backs the REST API, the predictor's --save path and
// the preprocessor's --from-db input.
package tagstore

import (
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/accessatlas/accessatlas/tags"
)

// Store wraps the SQLite tag database.
type Store struct {
	*sql.DB
	logger *zap.Logger
}

// Open opens the tag database at path, creating it if needed, and
// brings its schema up to date.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open tag database: %w", err)
	}

	s := &Store{DB: db, logger: logger}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// InsertTags validates and stores a batch of tags in one transaction,
// returning the assigned row IDs in input order. One invalid tag
// rejects the whole batch. The domain rules from tags.Tag.Validate
// apply: confidence only with source=model, osm_id only with
// source=osm.
func (s *Store) InsertTags(tagList []*tags.Tag) ([]int64, error) {
	if len(tagList) == 0 {
		return nil, fmt.Errorf("no tags to insert")
	}
	for i, t := range tagList {
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("tag %d: %w", i, err)
		}
	}

	tx, err := s.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO accessibility_tags (
			location_name, lat, lon, tag_type, source,
			address, confidence, osm_id, notes, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	ids := make([]int64, 0, len(tagList))
	for i, t := range tagList {
		res, err := stmt.Exec(
			t.LocationName, t.Lat, t.Lon, string(t.Type), string(t.Source),
			t.Address, t.Confidence, t.OSMID, t.Notes, now,
		)
		if err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("failed to insert tag %d: %w", i, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("failed to read inserted id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit tags: %w", err)
	}

	s.logger.Info("Stored tags",
		zap.Int("count", len(ids)),
		zap.String("location", tagList[0].LocationName))
	return ids, nil
}

// TagsByLocation returns every tag whose location_name matches name,
// newest first.
func (s *Store) TagsByLocation(name string) ([]*tags.Tag, error) {
	rows, err := s.Query(`
		SELECT id, location_name, lat, lon, tag_type, source,
		       address, confidence, osm_id, notes, created_at, updated_at
		FROM accessibility_tags
		WHERE location_name = ?
		ORDER BY created_at DESC, id DESC
	`, name)
	if err != nil {
		return nil, fmt.Errorf("failed to query tags: %w", err)
	}
	defer rows.Close()

	var result []*tags.Tag
	for rows.Next() {
		var (
			t             tags.Tag
			tagType       string
			source        string
			address       sql.NullString
			confidence    sql.NullFloat64
			osmID         sql.NullString
			notes         sql.NullString
			createdAtUnix int64
			updatedAtUnix sql.NullInt64
		)
		err := rows.Scan(
			&t.ID, &t.LocationName, &t.Lat, &t.Lon, &tagType, &source,
			&address, &confidence, &osmID, &notes, &createdAtUnix, &updatedAtUnix,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tag: %w", err)
		}

		t.Type = tags.TagType(tagType)
		t.Source = tags.Source(source)
		if address.Valid {
			t.Address = &address.String
		}
		if confidence.Valid {
			t.Confidence = &confidence.Float64
		}
		if osmID.Valid {
			t.OSMID = &osmID.String
		}
		if notes.Valid {
			t.Notes = &notes.String
		}
		t.CreatedAt = time.Unix(createdAtUnix, 0)
		if updatedAtUnix.Valid {
			updated := time.Unix(updatedAtUnix.Int64, 0)
			t.UpdatedAt = &updated
		}
		result = append(result, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tags: %w", err)
	}
	return result, nil
}

// LocationSummary is one row of the locations listing. Lat and Lon are
// the centroid of the location's tags.
type LocationSummary struct {
	LocationName string  `json:"location_name"`
	Lat          float64 `json:"lat"`
	Lon          float64 `json:"lon"`
	TagCount     int     `json:"tag_count"`
}

// Locations lists every distinct location with its tag count.
func (s *Store) Locations() ([]LocationSummary, error) {
	rows, err := s.Query(`
		SELECT location_name, AVG(lat), AVG(lon), COUNT(*)
		FROM accessibility_tags
		GROUP BY location_name
		ORDER BY location_name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query locations: %w", err)
	}
	defer rows.Close()

	var locations []LocationSummary
	for rows.Next() {
		var loc LocationSummary
		if err := rows.Scan(&loc.LocationName, &loc.Lat, &loc.Lon, &loc.TagCount); err != nil {
			return nil, fmt.Errorf("failed to scan location: %w", err)
		}
		locations = append(locations, loc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating locations: %w", err)
	}
	return locations, nil
}

// DeleteTag removes a tag by ID, reporting whether it existed.
func (s *Store) DeleteTag(id int64) (bool, error) {
	res, err := s.Exec(`DELETE FROM accessibility_tags WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete tag %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read delete result: %w", err)
	}
	if n > 0 {
		s.logger.Info("Deleted tag", zap.Int64("id", id))
	}
	return n > 0, nil
}

// Stats summarizes the stored tags.
type Stats struct {
	TotalTags          int            `json:"total_tags"`
	BySource           map[string]int `json:"by_source"`
	ByType             map[string]int `json:"by_type"`
	AvgModelConfidence *float64       `json:"avg_model_confidence,omitempty"`
}

// Statistics counts tags by source and type and averages the
// confidence of model-generated tags.
func (s *Store) Statistics() (*Stats, error) {
	stats := &Stats{
		BySource: make(map[string]int),
		ByType:   make(map[string]int),
	}

	if err := s.QueryRow(`SELECT COUNT(*) FROM accessibility_tags`).Scan(&stats.TotalTags); err != nil {
		return nil, fmt.Errorf("failed to count tags: %w", err)
	}

	if err := s.countBy("source", stats.BySource); err != nil {
		return nil, err
	}
	if err := s.countBy("tag_type", stats.ByType); err != nil {
		return nil, err
	}

	var avg sql.NullFloat64
	err := s.QueryRow(`
		SELECT AVG(confidence) FROM accessibility_tags
		WHERE source = ? AND confidence IS NOT NULL
	`, string(tags.SourceModel)).Scan(&avg)
	if err != nil {
		return nil, fmt.Errorf("failed to average model confidence: %w", err)
	}
	if avg.Valid {
		stats.AvgModelConfidence = &avg.Float64
	}
	return stats, nil
}

func (s *Store) countBy(column string, into map[string]int) error {
	rows, err := s.Query(fmt.Sprintf(`
		SELECT %s, COUNT(*) FROM accessibility_tags GROUP BY %s
	`, column, column))
	if err != nil {
		return fmt.Errorf("failed to count by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return fmt.Errorf("failed to scan %s count: %w", column, err)
		}
		into[key] = count
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating %s counts: %w", column, err)
	}
	return nil
}

// ExportRecords converts the stored tags into raw training records for
// the preprocessor. Model predictions saved by the predictor keep their
// source image path in the notes column; it is lifted back into
// image_path here. Rows without one come back with an empty image path
// and are dropped later by preprocessing validation.
func (s *Store) ExportRecords() ([]*tags.TagRecord, error) {
	rows, err := s.Query(`
		SELECT lat, lon, tag_type, source, confidence, osm_id, notes
		FROM accessibility_tags
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tags for export: %w", err)
	}
	defer rows.Close()

	var records []*tags.TagRecord
	for rows.Next() {
		var (
			lat, lon   float64
			tagType    string
			source     string
			confidence sql.NullFloat64
			osmID      sql.NullString
			notes      sql.NullString
		)
		if err := rows.Scan(&lat, &lon, &tagType, &source, &confidence, &osmID, &notes); err != nil {
			return nil, fmt.Errorf("failed to scan export row: %w", err)
		}

		rec := &tags.TagRecord{
			Lat:    &lat,
			Lon:    &lon,
			Type:   tags.TagType(tagType),
			Source: tags.Source(source),
			OSMID:  osmID.String,
		}
		if confidence.Valid {
			rec.Confidence = &confidence.Float64
		}
		if notes.Valid {
			rec.ImagePath = notes.String
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating export rows: %w", err)
	}

	s.logger.Info("Exported tag records", zap.Int("count", len(records)))
	return records, nil
}
