// Package ccpstate persists the last accepted epoch and core assignment so
// the prover resumes after a restart without operator action (spec §4.G).
package ccpstate

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/fluencelabs/capacity-commitment-prover/internal/ccptypes"
)

// Document is the on-disk schema at <state-dir>/state.toml.
type Document struct {
	HasEpoch     bool     `toml:"has_epoch"`
	GlobalNonce  string   `toml:"global_nonce"`
	Difficulty   string   `toml:"difficulty"`
	CUIDs        []string `toml:"cuids"`
	WorkerCores  []int    `toml:"worker_cores"`
	UtilityCores []int    `toml:"utility_cores"`
}

// Empty reports whether the document carries no active commitment.
func (d Document) Empty() bool { return !d.HasEpoch || len(d.CUIDs) == 0 }

// ToDomain converts the on-disk hex-encoded document into domain types.
func (d Document) ToDomain() (epoch ccptypes.EpochParameters, cuids []ccptypes.CUID, err error) {
	if !d.HasEpoch {
		return epoch, nil, nil
	}
	epoch.GlobalNonce, err = ccptypes.GlobalNonceFromHex(d.GlobalNonce)
	if err != nil {
		return epoch, nil, fmt.Errorf("ccpstate: global_nonce: %w", err)
	}
	epoch.Difficulty, err = ccptypes.DifficultyFromHex(d.Difficulty)
	if err != nil {
		return epoch, nil, fmt.Errorf("ccpstate: difficulty: %w", err)
	}
	cuids = make([]ccptypes.CUID, 0, len(d.CUIDs))
	for _, s := range d.CUIDs {
		c, err := ccptypes.CUIDFromHex(s)
		if err != nil {
			return epoch, nil, fmt.Errorf("ccpstate: cuid: %w", err)
		}
		cuids = append(cuids, c)
	}
	return epoch, cuids, nil
}

// FromDomain builds a Document ready to persist.
func FromDomain(epoch *ccptypes.EpochParameters, cuids []ccptypes.CUID, workerCores, utilityCores []int) Document {
	d := Document{WorkerCores: workerCores, UtilityCores: utilityCores}
	if epoch == nil {
		return d
	}
	d.HasEpoch = true
	d.GlobalNonce = epoch.GlobalNonce.String()
	d.Difficulty = epoch.Difficulty.String()
	for _, c := range cuids {
		d.CUIDs = append(d.CUIDs, c.String())
	}
	return d
}

// Store reads and atomically rewrites the state document at a fixed path.
type Store struct {
	path string
}

func New(stateDir string) *Store {
	return &Store{path: filepath.Join(stateDir, "state.toml")}
}

// Load returns the zero Document, with no error, if the file does not
// exist yet — a fresh prover has nothing to resume.
func (s *Store) Load() (Document, error) {
	var doc Document
	b, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return doc, nil
	}
	if err != nil {
		return doc, fmt.Errorf("ccpstate: read %s: %w", s.path, err)
	}
	if err := toml.Unmarshal(b, &doc); err != nil {
		return doc, fmt.Errorf("ccpstate: parse %s: %w", s.path, err)
	}
	return doc, nil
}

// Save writes doc atomically: encode to a temp file in the same directory,
// then rename over the target, so a crash mid-write never corrupts the
// previous, still-valid state.
func (s *Store) Save(doc Document) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ccpstate: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "state-*.toml.tmp")
	if err != nil {
		return fmt.Errorf("ccpstate: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	enc := toml.NewEncoder(tmp)
	if err := enc.Encode(doc); err != nil {
		tmp.Close()
		return fmt.Errorf("ccpstate: encode: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("ccpstate: fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("ccpstate: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("ccpstate: rename into place: %w", err)
	}
	return nil
}
