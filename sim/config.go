package sim

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"slices"
	"sort"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/traffic-sim/traffic-sim/sim/trace"
)

// Config is the complete description of an experiment, loadable from YAML.
type Config struct {
	Experiment   ExperimentConfig         `yaml:"experiment"`
	Scheduler    SchedulerSection         `yaml:"scheduler"`
	Profiles     map[string]ProfileConfig `yaml:"profiles" validate:"required,min=1,dive"`
	SpawnPoints  []SpawnPointConfig       `yaml:"spawn_points" validate:"dive"`
	Detectors    []DetectorConfig         `yaml:"detectors" validate:"dive"`
	Manipulators []ManipulatorConfig      `yaml:"manipulators" validate:"dive"`
	Output       OutputConfig             `yaml:"output"`
}

// ExperimentConfig groups the repetition and timing settings.
type ExperimentConfig struct {
	Invocations int   `yaml:"invocations" validate:"gte=1"`
	Seed        int64 `yaml:"seed"`
	EndTime     int64 `yaml:"end_time" validate:"gte=0"`
	MaxRetries  *int  `yaml:"max_retries" validate:"omitempty,gte=0"` // nil = DefaultMaxRetries
}

// RetryBudget returns the configured retry bound, DefaultMaxRetries when unset.
func (e ExperimentConfig) RetryBudget() int {
	if e.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *e.MaxRetries
}

// SchedulerSection groups the scheduler settings.
type SchedulerSection struct {
	Workers     int   `yaml:"workers" validate:"gte=0"`
	EventWindow int64 `yaml:"event_window" validate:"gte=0"` // 0 = DefaultEventWindow
	Policy      `yaml:",inline"`
}

// Window returns the configured event window, DefaultEventWindow when unset.
func (s SchedulerSection) Window() int64 {
	if s.EventWindow == 0 {
		return DefaultEventWindow
	}
	return s.EventWindow
}

// ProfileConfig is the model graph of one kind of agent.
type ProfileConfig struct {
	Type       AgentType       `yaml:"type" validate:"omitempty,oneof=vehicle pedestrian"`
	Components []ComponentSpec `yaml:"components" validate:"required,min=1,dive"`
	Channels   []Channel       `yaml:"channels" validate:"dive"`
}

// OutputConfig selects where results go.
type OutputConfig struct {
	ResultsDB   string `yaml:"results_db"`   // SQLite file; empty keeps results in memory
	Summary     string `yaml:"summary"`      // JSON run summary file; the summary is always printed
	Trace       string `yaml:"trace"`        // "none" (default) or "lifecycle"
	MetricsAddr string `yaml:"metrics_addr"` // Prometheus listen address; empty disables
}

// ValidDetectorTypes is the set of recognized detector types.
var ValidDetectorTypes = map[string]bool{"simulation_time": true}

var validate = validator.New()

// LoadConfig reads and parses a YAML experiment configuration.
// Uses strict parsing: unrecognized keys (typos) are rejected.
// The result is not validated; call Validate.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML configuration bytes with strict field checking.
func ParseConfig(data []byte) (*Config, error) {
	cfg := &Config{Experiment: ExperimentConfig{Invocations: 1}}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// Validate checks field ranges with the struct tags and then the references
// between sections: component timing, channel endpoints, libraries, spawn
// point types and profiles, manipulator actions and categories.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	var errs []error
	for _, name := range c.profileNames() {
		if err := validateProfile(name, c.Profiles[name]); err != nil {
			errs = append(errs, err)
		}
	}
	for i, sp := range c.SpawnPoints {
		if !IsValidSpawnPointType(sp.Type) {
			errs = append(errs, fmt.Errorf("spawn_points[%d]: unknown type %q; valid: %v", i, sp.Type, SpawnPointTypes()))
		}
		for _, p := range sp.Profiles {
			if _, ok := c.Profiles[p]; !ok {
				errs = append(errs, fmt.Errorf("spawn_points[%d]: unknown profile %q", i, p))
			}
		}
	}
	for i, d := range c.Detectors {
		if !ValidDetectorTypes[d.Type] {
			errs = append(errs, fmt.Errorf("detectors[%d]: unknown type %q", i, d.Type))
		}
	}
	for i, m := range c.Manipulators {
		if err := validateManipulator(m); err != nil {
			errs = append(errs, fmt.Errorf("manipulators[%d]: %w", i, err))
		}
	}
	if !trace.IsValidTraceLevel(c.Output.Trace) {
		errs = append(errs, fmt.Errorf("output.trace: unknown level %q", c.Output.Trace))
	}
	return errors.Join(errs...)
}

func validateProfile(name string, p ProfileConfig) error {
	var errs []error
	seen := make(map[string]bool, len(p.Components))
	for _, spec := range p.Components {
		if seen[spec.Name] {
			errs = append(errs, fmt.Errorf("profile %q: duplicate component %q", name, spec.Name))
		}
		seen[spec.Name] = true
		if spec.CycleTime <= 0 && !spec.InitPhase {
			errs = append(errs, fmt.Errorf("profile %q component %q: cycle_time must be > 0", name, spec.Name))
		}
		if !isLoadable(spec.Library) {
			errs = append(errs, fmt.Errorf("profile %q component %q: no loader for library %q", name, spec.Name, spec.Library))
		}
	}
	for _, ch := range p.Channels {
		if !seen[ch.Source] {
			errs = append(errs, fmt.Errorf("profile %q: channel source %q is not a component", name, ch.Source))
		}
		if !seen[ch.Target] {
			errs = append(errs, fmt.Errorf("profile %q: channel target %q is not a component", name, ch.Target))
		}
	}
	return errors.Join(errs...)
}

func validateManipulator(m ManipulatorConfig) error {
	kind, err := ParseActionKind(m.Action)
	if err != nil {
		return err
	}
	category, err := ParseEventCategory(m.Category)
	if err != nil {
		return err
	}
	if _, err := actionFactories[kind](m); err != nil {
		return fmt.Errorf("%s: %w", m.Action, err)
	}
	// action events are OpenPASS events; watching their own output there would re-trigger forever
	if category == CategoryOpenPASS && slices.Contains(actionEventNames, EventName(m.Watch)) {
		return fmt.Errorf("%s: cannot watch action event %q in category %s", m.Action, m.Watch, category)
	}
	return nil
}

var actionEventNames = []EventName{
	EventRemoveAgent, EventSpeedAction, EventLaneChange, EventComponentStateChange, EventCustomCommand,
}

func isLoadable(libraryID string) bool {
	for _, l := range DefaultLoaders() {
		if l.CanLoad(libraryID) {
			return true
		}
	}
	return false
}

func (c *Config) profileNames() []string {
	names := make([]string, 0, len(c.Profiles))
	for name := range c.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Libraries returns every library identifier referenced by a profile, sorted.
func (c *Config) Libraries() []string {
	set := map[string]bool{}
	for _, p := range c.Profiles {
		for _, spec := range p.Components {
			set[spec.Library] = true
		}
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Blueprints converts every profile into an agent blueprint keyed by profile name.
func (c *Config) Blueprints() map[string]AgentBlueprint {
	out := make(map[string]AgentBlueprint, len(c.Profiles))
	for name, p := range c.Profiles {
		agentType := p.Type
		if agentType == "" {
			agentType = AgentVehicle
		}
		out[name] = AgentBlueprint{
			Profile:    name,
			Type:       agentType,
			Components: slices.Clone(p.Components),
			Channels:   slices.Clone(p.Channels),
		}
	}
	return out
}
