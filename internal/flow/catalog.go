// Package flow resolves per-category routing templates. The catalog is
// read-only at runtime; administrative edits go through config import and
// only affect propositions protocoled afterwards.
package flow

import (
	"fmt"

	"plenario/internal/config"
)

// ConfigurationError signals a category with no registered flow (or a
// reference into one that does not exist).
type ConfigurationError struct {
	Category string
}

func (e ConfigurationError) Error() string {
	return fmt.Sprintf("no flow registered for category %q", e.Category)
}

type Catalog struct {
	cfg *config.Config
}

func NewCatalog(cfg *config.Config) Catalog {
	return Catalog{cfg: cfg}
}

// Template returns the ordered stage templates for a category.
func (c Catalog) Template(category string) ([]config.StageTemplate, error) {
	f, err := c.flow(category)
	if err != nil {
		return nil, err
	}
	return f.Stages, nil
}

// Stage returns one template entry by index.
func (c Catalog) Stage(category string, index int) (config.StageTemplate, error) {
	stages, err := c.Template(category)
	if err != nil {
		return config.StageTemplate{}, err
	}
	if index < 0 || index >= len(stages) {
		return config.StageTemplate{}, fmt.Errorf("category %s has no stage %d", category, index)
	}
	return stages[index], nil
}

// Rule finds a transition rule by id for a category, scoped to the stage
// it departs from.
func (c Catalog) Rule(category, ruleID string, fromStage int) (config.TransitionRule, bool, error) {
	f, err := c.flow(category)
	if err != nil {
		return config.TransitionRule{}, false, err
	}
	for _, r := range f.Rules {
		if r.ID == ruleID && r.FromStage == fromStage {
			return r, true, nil
		}
	}
	return config.TransitionRule{}, false, nil
}

// Rounds returns how many voting rounds the category requires (1 or 2).
func (c Catalog) Rounds(category string) (int, error) {
	f, err := c.flow(category)
	if err != nil {
		return 0, err
	}
	return f.Rounds, nil
}

// IntersticeDays returns the minimum business-day gap between rounds.
func (c Catalog) IntersticeDays(category string) (int, error) {
	f, err := c.flow(category)
	if err != nil {
		return 0, err
	}
	return f.IntersticeDays, nil
}

// VoteQuorum returns the quorum policy used for the category's floor vote.
func (c Catalog) VoteQuorum(category string) (config.QuorumPolicy, error) {
	f, err := c.flow(category)
	if err != nil {
		return config.QuorumPolicy{}, err
	}
	name := f.VoteQuorum
	if name == "" {
		name = "votacao-simples"
	}
	q, ok := c.cfg.Quorums[name]
	if !ok {
		return config.QuorumPolicy{}, ConfigurationError{Category: category}
	}
	return q, nil
}

func (c Catalog) flow(category string) (config.Flow, error) {
	if c.cfg == nil {
		return config.Flow{}, ConfigurationError{Category: category}
	}
	f, ok := c.cfg.Flows[category]
	if !ok {
		return config.Flow{}, ConfigurationError{Category: category}
	}
	return f, nil
}
