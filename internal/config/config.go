package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"plenario/internal/domain"
)

// Config models plenario.yml: the chamber's regimental configuration.
// It is read-only at engine runtime; edits apply to propositions
// protocoled after the change, never to open stage instances.
type Config struct {
	Chamber struct {
		ID         string `yaml:"id"`
		Name       string `yaml:"name"`
		TotalSeats int    `yaml:"total_seats"`
	} `yaml:"chamber"`
	Flows    map[string]Flow         `yaml:"flows"`
	Quorums  map[string]QuorumPolicy `yaml:"quorums"`
	Holidays []string                `yaml:"holidays"`
	Webhooks []WebhookConfig         `yaml:"webhooks,omitempty"`
	NATS     struct {
		URL           string `yaml:"url"`
		SubjectPrefix string `yaml:"subject_prefix"`
	} `yaml:"nats"`
}

// Flow is the routing template for one proposition category.
type Flow struct {
	Rounds         int              `yaml:"rounds"`
	IntersticeDays int              `yaml:"interstice_days"`
	VoteQuorum     string           `yaml:"vote_quorum"`
	Stages         []StageTemplate  `yaml:"stages"`
	Rules          []TransitionRule `yaml:"rules,omitempty"`
}

type StageTemplate struct {
	Name            string `yaml:"name"`
	UnitID          string `yaml:"unit"`
	DeadlineDays    int    `yaml:"deadline_days"`
	RequiresOpinion bool   `yaml:"requires_opinion"`
	UnlocksFloor    bool   `yaml:"unlocks_floor"`
	Terminal        bool   `yaml:"terminal"`
}

// TransitionRule redirects an advance from one stage index to another,
// overriding template order. Matched by id when the caller names one.
type TransitionRule struct {
	ID        string `yaml:"id"`
	FromStage int    `yaml:"from_stage"`
	ToStage   int    `yaml:"to_stage"`
}

type QuorumPolicy struct {
	Type                domain.QuorumType `yaml:"type"`
	Base                domain.QuorumBase `yaml:"base"`
	AllowAbstention     bool              `yaml:"allow_abstention"`
	AbstentionAsAgainst bool              `yaml:"abstention_as_against"`
	RequiresRollCall    bool              `yaml:"requires_roll_call"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with pln config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Chamber.ID == "" {
		return fmt.Errorf("config.chamber.id is required")
	}
	if c.Chamber.TotalSeats <= 0 {
		return fmt.Errorf("config.chamber.total_seats must be positive")
	}
	if len(c.Flows) == 0 {
		return fmt.Errorf("config.flows is required")
	}
	for category, flow := range c.Flows {
		if category == "" {
			return fmt.Errorf("config.flows contains empty category")
		}
		if flow.Rounds != 1 && flow.Rounds != 2 {
			return fmt.Errorf("flow %s: rounds must be 1 or 2", category)
		}
		if flow.Rounds == 2 && flow.IntersticeDays <= 0 {
			return fmt.Errorf("flow %s: interstice_days required for two-round voting", category)
		}
		if len(flow.Stages) == 0 {
			return fmt.Errorf("flow %s has no stages", category)
		}
		if flow.VoteQuorum != "" {
			if _, ok := c.Quorums[flow.VoteQuorum]; !ok {
				return fmt.Errorf("flow %s references unknown quorum %s", category, flow.VoteQuorum)
			}
		}
		terminals := 0
		for i, st := range flow.Stages {
			if st.Name == "" {
				return fmt.Errorf("flow %s stage %d has no name", category, i)
			}
			if st.UnitID == "" {
				return fmt.Errorf("flow %s stage %q has no unit", category, st.Name)
			}
			if st.DeadlineDays < 0 {
				return fmt.Errorf("flow %s stage %q has negative deadline", category, st.Name)
			}
			if st.Terminal {
				terminals++
				if i != len(flow.Stages)-1 {
					return fmt.Errorf("flow %s: terminal stage %q must be last", category, st.Name)
				}
			}
		}
		if terminals == 0 {
			return fmt.Errorf("flow %s has no terminal stage", category)
		}
		for _, rule := range flow.Rules {
			if rule.ID == "" {
				return fmt.Errorf("flow %s has a rule without id", category)
			}
			if rule.FromStage < 0 || rule.FromStage >= len(flow.Stages) {
				return fmt.Errorf("flow %s rule %s: from_stage out of range", category, rule.ID)
			}
			if rule.ToStage < 0 || rule.ToStage >= len(flow.Stages) {
				return fmt.Errorf("flow %s rule %s: to_stage out of range", category, rule.ID)
			}
		}
	}
	if len(c.Quorums) == 0 {
		return fmt.Errorf("config.quorums is required")
	}
	for name, q := range c.Quorums {
		if name == "" {
			return fmt.Errorf("config.quorums contains empty name")
		}
		if !q.Type.Valid() {
			return fmt.Errorf("quorum %s: unknown type %q", name, q.Type)
		}
		if !q.Base.Valid() {
			return fmt.Errorf("quorum %s: unknown base %q", name, q.Base)
		}
		if q.AbstentionAsAgainst && !q.AllowAbstention {
			return fmt.Errorf("quorum %s: abstention_as_against requires allow_abstention", name)
		}
	}
	for _, h := range c.Holidays {
		if _, err := parseHoliday(h); err != nil {
			return fmt.Errorf("invalid holiday %q: %w", h, err)
		}
	}
	return nil
}

func parseHoliday(s string) (string, error) {
	if len(s) != 10 || s[4] != '-' || s[7] != '-' {
		return "", fmt.Errorf("want YYYY-MM-DD")
	}
	return s, nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "plenario.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(chamberID string) string {
	return fmt.Sprintf(defaultTemplate, chamberID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a chamber.
func Default(chamberID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, chamberID))).Decode(&cfg)
	cfg.Chamber.ID = chamberID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `chamber:
  id: %s
  name: "Câmara Municipal"
  total_seats: 9

flows:
  projeto-de-lei:
    rounds: 1
    vote_quorum: votacao-simples
    stages:
      - name: "Protocolo"
        unit: protocolo
        deadline_days: 3
      - name: "Comissão de Justiça"
        unit: ccj
        deadline_days: 15
        requires_opinion: true
      - name: "Votação em Plenário"
        unit: plenario
        deadline_days: 10
        unlocks_floor: true
        terminal: true

  projeto-de-lei-organica:
    rounds: 2
    interstice_days: 10
    vote_quorum: votacao-dois-tercos
    stages:
      - name: "Protocolo"
        unit: protocolo
        deadline_days: 3
      - name: "Comissão de Justiça"
        unit: ccj
        deadline_days: 20
        requires_opinion: true
      - name: "Votação em Plenário"
        unit: plenario
        deadline_days: 15
        unlocks_floor: true
        terminal: true
    rules:
      - id: urgencia
        from_stage: 0
        to_stage: 2

  requerimento:
    rounds: 1
    vote_quorum: votacao-simples
    stages:
      - name: "Protocolo"
        unit: protocolo
        deadline_days: 2
      - name: "Votação em Plenário"
        unit: plenario
        deadline_days: 5
        unlocks_floor: true
        terminal: true

quorums:
  abertura-sessao:
    type: ABSOLUTE_MAJORITY
    base: TOTAL_MEMBERS
    allow_abstention: false
  votacao-simples:
    type: SIMPLE_MAJORITY
    base: PRESENT_MEMBERS
    allow_abstention: true
  votacao-absoluta:
    type: ABSOLUTE_MAJORITY
    base: TOTAL_MEMBERS
    allow_abstention: true
  votacao-dois-tercos:
    type: TWO_THIRDS
    base: TOTAL_MEMBERS
    allow_abstention: true
    requires_roll_call: true
  derrubada-veto:
    type: ABSOLUTE_MAJORITY
    base: TOTAL_MEMBERS
    allow_abstention: false
    requires_roll_call: true

holidays: []
`
