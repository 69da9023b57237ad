package store

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"time"
)

//go:embed seed.json
var seedJSON []byte

// snapshot is the complete content of a store, as kept in the local data
// file.
type snapshot struct {
	Version    int         `json:"version"`
	Components []Component `json:"components"`
	Projects   []Project   `json:"projects"`
	Tags       []Tag       `json:"tags"`
}

const snapshotVersion = 1

// loadSeed returns the demo data set owned by userID, timestamped now.
func loadSeed(userID string, now time.Time) (*snapshot, error) {
	var s snapshot
	if err := json.Unmarshal(seedJSON, &s); err != nil {
		return nil, fmt.Errorf("decoding seed data: %w", err)
	}
	s.Version = snapshotVersion
	for i := range s.Components {
		s.Components[i].UserID = userID
		s.Components[i].CreatedAt = now
		s.Components[i].UpdatedAt = now
	}
	for i := range s.Projects {
		s.Projects[i].UserID = userID
		s.Projects[i].CreatedAt = now
		s.Projects[i].UpdatedAt = now
	}
	for i := range s.Tags {
		s.Tags[i].UserID = userID
		s.Tags[i].CreatedAt = now
	}
	return &s, nil
}

func (s *snapshot) clone() *snapshot {
	out := &snapshot{
		Version:    s.Version,
		Components: make([]Component, len(s.Components)),
		Projects:   append([]Project(nil), s.Projects...),
		Tags:       append([]Tag(nil), s.Tags...),
	}
	for i, c := range s.Components {
		c.Tags = append([]string(nil), c.Tags...)
		out.Components[i] = c
	}
	return out
}
