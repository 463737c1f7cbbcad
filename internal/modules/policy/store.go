package policy

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Store serves the current policy document and handles atomic reloads.
// Readers always see a complete, validated document.
type Store struct {
	mu   sync.RWMutex
	doc  *Document
	path string
	log  zerolog.Logger
}

// NewStore loads the policy from path, writing the default document first
// if no file exists yet.
func NewStore(path string, log zerolog.Logger) (*Store, error) {
	s := &Store{
		path: path,
		log:  log.With().Str("service", "policy").Logger(),
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		s.log.Info().Str("path", path).Msg("No policy file found, writing defaults")
		if err := writeDocument(path, Default()); err != nil {
			return nil, err
		}
	}

	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Current returns the active policy document. The returned pointer must be
// treated as read-only; use Update to change policy.
func (s *Store) Current() *Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc
}

// Reload re-reads the policy file. On validation failure the previous
// document stays active.
func (s *Store) Reload() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read policy file: %w", err)
	}

	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse policy file: %w", err)
	}
	applyDefaults(&doc)
	if err := doc.Validate(); err != nil {
		return fmt.Errorf("invalid policy document: %w", err)
	}

	s.mu.Lock()
	s.doc = &doc
	s.mu.Unlock()

	s.log.Info().Str("version", doc.Version).Msg("Policy document loaded")
	return nil
}

// Update validates, persists, and activates a new document. The version
// must change so decision records stay traceable.
func (s *Store) Update(doc *Document) error {
	applyDefaults(doc)
	if err := doc.Validate(); err != nil {
		return fmt.Errorf("invalid policy document: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.doc != nil && s.doc.Version == doc.Version {
		return fmt.Errorf("policy version %q unchanged, bump the version to update", doc.Version)
	}

	doc.UpdatedAt = time.Now().UTC()
	if err := writeDocument(s.path, doc); err != nil {
		return err
	}
	s.doc = doc

	s.log.Info().Str("version", doc.Version).Msg("Policy document updated")
	return nil
}

// applyDefaults fills zero-valued fields so a sparse YAML file still yields
// a runnable policy.
func applyDefaults(doc *Document) {
	def := Default()
	if doc.MaxProtocolRisk == 0 {
		doc.MaxProtocolRisk = def.MaxProtocolRisk
	}
	if doc.MinPoolTVLUSD == 0 {
		doc.MinPoolTVLUSD = def.MinPoolTVLUSD
	}
	if doc.HalfOpenCapUSD == 0 {
		doc.HalfOpenCapUSD = def.HalfOpenCapUSD
	}
	if doc.DrawdownLimit == 0 {
		doc.DrawdownLimit = def.DrawdownLimit
	}
	if doc.MaxDeriskFraction == 0 {
		doc.MaxDeriskFraction = def.MaxDeriskFraction
	}
	if doc.RotationMinLift == 0 {
		doc.RotationMinLift = def.RotationMinLift
	}
	if doc.RotationMaxRisk == 0 {
		doc.RotationMaxRisk = def.RotationMaxRisk
	}
	if doc.MinPositionAge == 0 {
		doc.MinPositionAge = def.MinPositionAge
	}
	if doc.MaxSuggestions == 0 {
		doc.MaxSuggestions = def.MaxSuggestions
	}
	if doc.HarvestMinUSD == 0 {
		doc.HarvestMinUSD = def.HarvestMinUSD
	}
	if len(doc.GasThresholdsGwei) == 0 {
		doc.GasThresholdsGwei = copyThresholds(def.GasThresholdsGwei)
	}
	if len(doc.StablecoinPegs) == 0 {
		doc.StablecoinPegs = def.StablecoinPegs
	}
	if doc.DeriskTriggers == nil {
		doc.DeriskTriggers = def.DeriskTriggers
	}
	if doc.DeriskCooldown == 0 {
		doc.DeriskCooldown = def.DeriskCooldown
	}
}

func writeDocument(path string, doc *Document) error {
	raw, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		return fmt.Errorf("write policy: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace policy file: %w", err)
	}
	return nil
}
