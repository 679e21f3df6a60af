package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/accessatlas/accessatlas/predict"
	"github.com/accessatlas/accessatlas/tags"
	"github.com/accessatlas/accessatlas/tagstore"
)

// TagCreate is one tag inside a store request. Coordinates travel per
// tag so a batch can cover several features of the same location.
type TagCreate struct {
	Type       string   `json:"type"`
	Lat        float64  `json:"lat"`
	Lon        float64  `json:"lon"`
	Source     string   `json:"source"`
	Address    *string  `json:"address,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	OSMID      *string  `json:"osm_id,omitempty"`
	Notes      *string  `json:"notes,omitempty"`
}

// StoreTagsRequest is the body of POST /api/tags/store.
type StoreTagsRequest struct {
	LocationName string      `json:"location_name"`
	Lat          float64     `json:"lat"`
	Lon          float64     `json:"lon"`
	Tags         []TagCreate `json:"tags"`
}

// StoreTagsResponse acknowledges a stored batch.
type StoreTagsResponse struct {
	Success      bool    `json:"success"`
	Message      string  `json:"message"`
	LocationName string  `json:"location_name"`
	TagsStored   int     `json:"tags_stored"`
	TagIDs       []int64 `json:"tag_ids"`
}

// LocationTagsResponse lists a location's tags grouped by source.
// Every source key is present even when its group is empty.
type LocationTagsResponse struct {
	LocationName string                 `json:"location_name"`
	Lat          float64                `json:"lat"`
	Lon          float64                `json:"lon"`
	TotalTags    int                    `json:"total_tags"`
	Tags         map[string][]*tags.Tag `json:"tags"`
}

func (s *Server) handleStoreTags(w http.ResponseWriter, r *http.Request) {
	var req StoreTagsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if len(req.Tags) == 0 {
		writeJSONError(w, http.StatusBadRequest, "At least one tag must be provided")
		return
	}
	if req.LocationName == "" {
		writeJSONError(w, http.StatusBadRequest, "location_name must not be empty")
		return
	}

	batch := make([]*tags.Tag, 0, len(req.Tags))
	for i, tc := range req.Tags {
		tag := &tags.Tag{
			LocationName: req.LocationName,
			Lat:          tc.Lat,
			Lon:          tc.Lon,
			Type:         tags.TagType(tc.Type),
			Source:       tags.Source(tc.Source),
			Address:      tc.Address,
			Confidence:   tc.Confidence,
			OSMID:        tc.OSMID,
			Notes:        tc.Notes,
		}
		if err := tag.Validate(); err != nil {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("tag %d: %v", i, err))
			return
		}
		batch = append(batch, tag)
	}

	ids, err := s.store.InsertTags(batch)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, StoreTagsResponse{
		Success:      true,
		Message:      fmt.Sprintf("Successfully stored %d tags", len(ids)),
		LocationName: req.LocationName,
		TagsStored:   len(ids),
		TagIDs:       ids,
	})
}

func (s *Server) handleLocationTags(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	tagList, err := s.store.TagsByLocation(name)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	grouped := make(map[string][]*tags.Tag, len(tags.AllSources))
	for _, src := range tags.AllSources {
		grouped[string(src)] = []*tags.Tag{}
	}
	for _, t := range tagList {
		grouped[string(t.Source)] = append(grouped[string(t.Source)], t)
	}

	// Coordinates come from the query when given, otherwise from the
	// newest tag.
	lat, latOK := queryFloat(r, "lat")
	lon, lonOK := queryFloat(r, "lon")
	if !latOK || !lonOK {
		if len(tagList) > 0 {
			lat, lon = tagList[0].Lat, tagList[0].Lon
		} else {
			lat, lon = 0, 0
		}
	}

	writeJSON(w, http.StatusOK, LocationTagsResponse{
		LocationName: name,
		Lat:          lat,
		Lon:          lon,
		TotalTags:    len(tagList),
		Tags:         grouped,
	})
}

func (s *Server) handleLocations(w http.ResponseWriter, r *http.Request) {
	locations, err := s.store.Locations()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if locations == nil {
		locations = []tagstore.LocationSummary{}
	}
	writeJSON(w, http.StatusOK, locations)
}

func (s *Server) handleDeleteTag(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid tag id %q", raw))
		return
	}

	deleted, err := s.store.DeleteTag(id)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !deleted {
		writeJSONError(w, http.StatusNotFound, fmt.Sprintf("Tag with ID %d not found", id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Statistics()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	if s.predictor == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "no model is loaded")
		return
	}

	var req predict.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.ImagePath == "" {
		writeJSONError(w, http.StatusBadRequest, "image_path must not be empty")
		return
	}
	if req.Source == "" {
		req.Source = tags.SourceUser
	}
	if !req.Source.Valid() {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown tag source %q", req.Source))
		return
	}

	res := s.predictor.Single(req)
	if res.Err != "" {
		writeJSONError(w, http.StatusUnprocessableEntity, res.Err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"model_loaded": s.predictor != nil,
	})
}

func queryFloat(r *http.Request, key string) (float64, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
