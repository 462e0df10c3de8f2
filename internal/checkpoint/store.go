// Package checkpoint persists pipeline run state so interrupted runs can
// resume where they left off.
package checkpoint

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-fabric/internal/fabricerr"
)

// Version is the current checkpoint schema version. Readers use it to
// migrate older documents forward.
const Version = 1

const fileSuffix = ".checkpoint.json"

// Document is the on-disk envelope around the run state.
type Document struct {
	RunID     string          `json:"runId"`
	Timestamp time.Time       `json:"timestamp"`
	Version   int             `json:"version"`
	State     json.RawMessage `json:"state"`
}

// Info summarizes one stored checkpoint.
type Info struct {
	RunID     string    `json:"runId"`
	Timestamp time.Time `json:"timestamp"`
	Path      string    `json:"path"`
}

// Store persists and restores run state by run id.
type Store interface {
	Save(runID string, state any) error
	Load(runID string, out any) (bool, error)
	Remove(runID string) error
	List() ([]Info, error)
	Cleanup(maxAgeDays int) (int, error)
}

type fileStore struct {
	dir    string
	logger zerolog.Logger
	now    func() time.Time
}

// NewFileStore returns a Store writing one JSON document per run id under
// dir, creating the directory if needed.
func NewFileStore(dir string, logger zerolog.Logger) (Store, error) {
	if dir == "" {
		return nil, fabricerr.New(fabricerr.KindConfiguration, "checkpoint directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fabricerr.Wrap(fabricerr.KindConfiguration, err, "create checkpoint directory").WithDetail("dir", dir)
	}
	return &fileStore{
		dir:    dir,
		logger: logger.With().Str("component", "checkpoint").Logger(),
		now:    time.Now,
	}, nil
}

func (s *fileStore) path(runID string) string {
	return filepath.Join(s.dir, runID+fileSuffix)
}

// Save overwrites the run's checkpoint with a whole-file write, so a
// concurrent reader never observes a half-updated document.
func (s *fileStore) Save(runID string, state any) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fabricerr.Wrap(fabricerr.KindConfiguration, err, "serialize checkpoint state").WithDetail("runId", runID)
	}
	doc := Document{
		RunID:     runID,
		Timestamp: s.now().UTC(),
		Version:   Version,
		State:     raw,
	}
	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fabricerr.Wrap(fabricerr.KindConfiguration, err, "serialize checkpoint document")
	}
	if err := os.WriteFile(s.path(runID), body, 0o644); err != nil {
		return fabricerr.Wrap(fabricerr.KindConfiguration, err, "write checkpoint").WithDetail("runId", runID)
	}
	s.logger.Debug().Str("run_id", runID).Msg("checkpoint saved")
	return nil
}

// Load restores the run state into out. The boolean reports whether a
// checkpoint existed.
func (s *fileStore) Load(runID string, out any) (bool, error) {
	body, err := os.ReadFile(s.path(runID))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fabricerr.Wrap(fabricerr.KindConfiguration, err, "read checkpoint").WithDetail("runId", runID)
	}

	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return false, fabricerr.Wrap(fabricerr.KindProtocol, err, "parse checkpoint").WithDetail("runId", runID)
	}
	if doc.Version > Version {
		return false, fabricerr.Newf(fabricerr.KindProtocol, "checkpoint version %d is newer than supported %d", doc.Version, Version)
	}
	if err := json.Unmarshal(doc.State, out); err != nil {
		return false, fabricerr.Wrap(fabricerr.KindProtocol, err, "parse checkpoint state").WithDetail("runId", runID)
	}
	return true, nil
}

func (s *fileStore) Remove(runID string) error {
	err := os.Remove(s.path(runID))
	if err != nil && !os.IsNotExist(err) {
		return fabricerr.Wrap(fabricerr.KindConfiguration, err, "remove checkpoint").WithDetail("runId", runID)
	}
	return nil
}

func (s *fileStore) List() ([]Info, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fabricerr.Wrap(fabricerr.KindConfiguration, err, "list checkpoints").WithDetail("dir", s.dir)
	}

	var infos []Info
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		path := filepath.Join(s.dir, name)
		body, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var doc Document
		if err := json.Unmarshal(body, &doc); err != nil {
			s.logger.Warn().Str("path", path).Err(err).Msg("skipping unreadable checkpoint")
			continue
		}
		infos = append(infos, Info{
			RunID:     doc.RunID,
			Timestamp: doc.Timestamp,
			Path:      path,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Timestamp.After(infos[j].Timestamp) })
	return infos, nil
}

// Cleanup removes checkpoints older than maxAgeDays and returns the count
// removed.
func (s *fileStore) Cleanup(maxAgeDays int) (int, error) {
	infos, err := s.List()
	if err != nil {
		return 0, err
	}
	cutoff := s.now().AddDate(0, 0, -maxAgeDays)

	removed := 0
	for _, info := range infos {
		if info.Timestamp.Before(cutoff) {
			if err := os.Remove(info.Path); err != nil {
				return removed, fabricerr.Wrap(fabricerr.KindConfiguration, err, "remove stale checkpoint").WithDetail("runId", info.RunID)
			}
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info().Int("removed", removed).Int("max_age_days", maxAgeDays).Msg("checkpoint cleanup")
	}
	return removed, nil
}
