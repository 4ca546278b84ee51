// Package geofence loads the named panorama whitelists that bound where a
// task takes place, and answers the graph question "from here, where may the
// agent go". Whitelist semantics: a panorama is legal iff its id appears in
// the geofence; a geofence name with no entry in the config allows all.
package geofence

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"

	"github.com/MeKo-Tech/panowalk/internal/apierr"
	"github.com/MeKo-Tech/panowalk/internal/pano"
)

// Locator resolves panorama ids to coordinates. Satisfied by *cache.Store.
type Locator interface {
	GetLocations(panoIDs []string) (map[string][2]float64, error)
}

// Neighbor is one legal move out of a panorama.
type Neighbor struct {
	TargetID string
	Heading  float64
	Distance float64 // metres, 0 when unknown
	Virtual  bool
}

// Service holds the loaded geofence config. Safe for concurrent use;
// Reload swaps the whole map under the write lock.
type Service struct {
	path   string
	logger *slog.Logger

	mu     sync.RWMutex
	fences map[string]map[string]struct{}
}

// Load reads the geofence config file. A missing file yields an empty
// service (every geofence allows all) rather than an error, so a fresh
// checkout can start before any geofence is defined.
func Load(path string, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{path: path, logger: logger, fences: map[string]map[string]struct{}{}}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the config file and replaces the in-memory whitelists.
func (s *Service) Reload() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.logger.Warn("geofence config not found, allowing all", "path", s.path)
		s.mu.Lock()
		s.fences = map[string]map[string]struct{}{}
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read geofence config: %w", err)
	}

	var raw map[string][]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse geofence config %s: %w", s.path, err)
	}

	fences := make(map[string]map[string]struct{}, len(raw))
	for name, ids := range raw {
		set := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			set[id] = struct{}{}
		}
		fences[name] = set
	}

	s.mu.Lock()
	s.fences = fences
	s.mu.Unlock()
	s.logger.Info("geofence config loaded", "path", s.path, "geofences", len(fences))
	return nil
}

// Names returns all defined geofence names, sorted.
func (s *Service) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.fences))
	for name := range s.fences {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Members returns the panorama ids of a geofence, sorted. Nil if the
// geofence is not defined.
func (s *Service) Members(name string) []string {
	s.mu.RLock()
	set, ok := s.fences[name]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Size returns the member count of a geofence, 0 if undefined.
func (s *Service) Size(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.fences[name])
}

// Contains reports whether a panorama is legal within a geofence.
// An undefined geofence allows every panorama.
func (s *Service) Contains(name, panoID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.fences[name]
	if !ok {
		return true
	}
	_, in := set[panoID]
	return in
}

// Neighbors returns the legal moves out of the panorama described by meta,
// restricted to the geofence. The current panorama itself must be inside
// the geofence. Results are sorted by heading ascending; duplicate targets
// keep the first link encountered. Distances are great-circle metres from
// cached coordinates, falling back to the link's own distance when the
// target location is not cached yet.
func (s *Service) Neighbors(name string, meta *pano.Metadata, loc Locator) ([]Neighbor, error) {
	if !s.Contains(name, meta.PanoID) {
		return nil, apierr.New(apierr.OutOfGeofence,
			"panorama %s is outside geofence %s", meta.PanoID, name)
	}

	seen := make(map[string]struct{}, len(meta.Links))
	neighbors := make([]Neighbor, 0, len(meta.Links))
	targets := make([]string, 0, len(meta.Links))
	for _, l := range meta.Links {
		if !s.Contains(name, l.TargetID) {
			continue
		}
		if _, dup := seen[l.TargetID]; dup {
			continue
		}
		seen[l.TargetID] = struct{}{}
		neighbors = append(neighbors, Neighbor{
			TargetID: l.TargetID,
			Heading:  l.Heading,
			Distance: l.Distance,
			Virtual:  l.Virtual,
		})
		targets = append(targets, l.TargetID)
	}

	if loc != nil && len(targets) > 0 {
		locations, err := loc.GetLocations(targets)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve neighbor locations: %w", err)
		}
		from := orb.Point{meta.Lng, meta.Lat}
		for i := range neighbors {
			if ll, ok := locations[neighbors[i].TargetID]; ok {
				neighbors[i].Distance = geo.DistanceHaversine(from, orb.Point{ll[1], ll[0]})
			}
		}
	}

	sort.SliceStable(neighbors, func(i, j int) bool {
		return neighbors[i].Heading < neighbors[j].Heading
	})
	return neighbors, nil
}
