// Package conflict detects diverged target rows and resolves them with named strategies.
package conflict

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/terrafusion/syncservice/internal/domain/errors"
	"github.com/terrafusion/syncservice/internal/domain/job"
	"github.com/terrafusion/syncservice/internal/domain/record"
)

// Strategy names.
const (
	StrategySourceWins      = "source_wins"
	StrategyTargetWins      = "target_wins"
	StrategyNewestWins      = "newest_wins"
	StrategyFieldLevelMerge = "field_level_merge"
)

// Winner identifies which side a resolution kept.
type Winner string

const (
	WinnerSource Winner = "source"
	WinnerTarget Winner = "target"
	WinnerMerged Winner = "merged"
)

// Conflict is an update whose target row changed after detection.
type Conflict struct {
	Table    job.TableSpec
	RecordID string
	// Source is the record about to be written.
	Source record.Record
	// Target is the current target row. Nil when the row vanished.
	Target record.Record
	// Base is the target row seen at detection time. Nil for inserts.
	Base record.Record
}

// Differences returns the diverging non-key fields between source and target.
func (c Conflict) Differences() map[string]record.Difference {
	return record.Diff(c.Source, c.Target, c.Table.NonKeyFields())
}

// Resolution is the outcome of a strategy.
type Resolution struct {
	Record   record.Record
	Strategy string
	Winner   Winner
	// Write reports whether Record must be written to the target.
	Write bool
}

// Strategy chooses a winning record for a conflict.
type Strategy interface {
	Name() string
	Resolve(ctx context.Context, c Conflict) (*Resolution, error)
}

// Detect reports whether the current target row diverged from the base snapshot
// on any of the given columns.
func Detect(base, current record.Record, cols []string) bool {
	if base == nil {
		return current != nil
	}
	if current == nil {
		return true
	}
	return record.Differs(base, current, cols)
}

// SourceWins always writes the source record.
type SourceWins struct{}

func (SourceWins) Name() string { return StrategySourceWins }

func (SourceWins) Resolve(_ context.Context, c Conflict) (*Resolution, error) {
	return &Resolution{Record: c.Source.Clone(), Strategy: StrategySourceWins, Winner: WinnerSource, Write: true}, nil
}

// TargetWins keeps the target row untouched.
type TargetWins struct{}

func (TargetWins) Name() string { return StrategyTargetWins }

func (TargetWins) Resolve(_ context.Context, c Conflict) (*Resolution, error) {
	return &Resolution{Record: c.Target.Clone(), Strategy: StrategyTargetWins, Winner: WinnerTarget}, nil
}

// NewestWins keeps the side with the later modified time.
type NewestWins struct {
	// Column overrides the table's modified time column.
	Column string
}

func (NewestWins) Name() string { return StrategyNewestWins }

func (s NewestWins) Resolve(_ context.Context, c Conflict) (*Resolution, error) {
	col := s.Column
	if col == "" {
		col = c.Table.ModifiedTimeColumn
	}
	if col == "" {
		return nil, unresolved(c, "newest_wins requires a modified time column")
	}
	if c.Target == nil {
		return &Resolution{Record: c.Source.Clone(), Strategy: StrategyNewestWins, Winner: WinnerSource, Write: true}, nil
	}
	cmp, err := compareTimes(c.Source[col], c.Target[col])
	if err != nil {
		return nil, unresolved(c, err.Error())
	}
	switch {
	case cmp > 0:
		return &Resolution{Record: c.Source.Clone(), Strategy: StrategyNewestWins, Winner: WinnerSource, Write: true}, nil
	case cmp < 0:
		return &Resolution{Record: c.Target.Clone(), Strategy: StrategyNewestWins, Winner: WinnerTarget}, nil
	default:
		return nil, unresolved(c, "source and target have identical "+col)
	}
}

// FieldPolicy picks a side for a single field.
type FieldPolicy string

const (
	PolicySource FieldPolicy = "source"
	PolicyTarget FieldPolicy = "target"
	PolicyNewest FieldPolicy = "newest"
)

// FieldLevelMerge merges source and target field by field.
type FieldLevelMerge struct {
	Policies map[string]FieldPolicy
	// Default applies to fields without a policy. Empty means source.
	Default FieldPolicy
	// Column is the modified time column used by the newest policy.
	Column string
}

func (FieldLevelMerge) Name() string { return StrategyFieldLevelMerge }

func (s FieldLevelMerge) Resolve(_ context.Context, c Conflict) (*Resolution, error) {
	if c.Target == nil {
		return &Resolution{Record: c.Source.Clone(), Strategy: StrategyFieldLevelMerge, Winner: WinnerSource, Write: true}, nil
	}
	col := s.Column
	if col == "" {
		col = c.Table.ModifiedTimeColumn
	}

	merged := c.Target.Clone()
	changed := false
	newestSide := 0
	newestKnown := false

	for _, field := range c.Table.NonKeyFields() {
		policy, ok := s.Policies[field]
		if !ok {
			policy = s.Default
		}
		if policy == "" {
			policy = PolicySource
		}
		takeSource := false
		switch policy {
		case PolicySource:
			takeSource = true
		case PolicyTarget:
		case PolicyNewest:
			if !newestKnown {
				if col == "" {
					return nil, unresolved(c, "newest field policy requires a modified time column")
				}
				cmp, err := compareTimes(c.Source[col], c.Target[col])
				if err != nil {
					return nil, unresolved(c, err.Error())
				}
				if cmp == 0 {
					return nil, unresolved(c, "source and target have identical "+col)
				}
				newestSide, newestKnown = cmp, true
			}
			takeSource = newestSide > 0
		default:
			return nil, errors.NewError(errors.CodeConfiguration, "unknown field policy "+string(policy), errors.ErrUnsupportedStrategy)
		}
		if !takeSource {
			continue
		}
		if v, present := c.Source[field]; present {
			if !record.ValuesEqual(v, merged[field]) {
				changed = true
			}
			merged[field] = v
		}
	}
	for _, pk := range c.Table.PrimaryKeys {
		if v, ok := c.Source[pk]; ok {
			merged[pk] = v
		}
	}

	winner := WinnerMerged
	if !changed {
		winner = WinnerTarget
	}
	return &Resolution{Record: merged, Strategy: StrategyFieldLevelMerge, Winner: winner, Write: changed}, nil
}

// Resolver selects a strategy per table.
type Resolver struct {
	Default  Strategy
	PerTable map[string]Strategy
}

// NewResolver creates a Resolver whose default strategy is def (source_wins when nil).
func NewResolver(def Strategy) *Resolver {
	if def == nil {
		def = SourceWins{}
	}
	return &Resolver{Default: def, PerTable: make(map[string]Strategy)}
}

// SetTableStrategy overrides the strategy for one table.
func (r *Resolver) SetTableStrategy(table string, s Strategy) {
	r.PerTable[table] = s
}

// StrategyFor returns the strategy used for a table.
func (r *Resolver) StrategyFor(table string) Strategy {
	if s, ok := r.PerTable[table]; ok {
		return s
	}
	return r.Default
}

// Resolve resolves a conflict with the table's strategy.
// Returns an error wrapping errors.ErrUnresolvedConflict when no side can be chosen.
func (r *Resolver) Resolve(ctx context.Context, c Conflict) (*Resolution, error) {
	return r.StrategyFor(c.Table.Name).Resolve(ctx, c)
}

// StrategyConfig is the configuration form of a strategy.
type StrategyConfig struct {
	Strategy      string            `json:"strategy" yaml:"strategy" toml:"strategy"`
	Column        string            `json:"column,omitempty" yaml:"column,omitempty" toml:"column"`
	Default       string            `json:"default_policy,omitempty" yaml:"default_policy,omitempty" toml:"default_policy"`
	FieldPolicies map[string]string `json:"field_policies,omitempty" yaml:"field_policies,omitempty" toml:"field_policies"`
}

// StrategyFromConfig builds a Strategy from its configuration.
func StrategyFromConfig(cfg StrategyConfig) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Strategy)) {
	case "", StrategySourceWins:
		return SourceWins{}, nil
	case StrategyTargetWins:
		return TargetWins{}, nil
	case StrategyNewestWins:
		return NewestWins{Column: cfg.Column}, nil
	case StrategyFieldLevelMerge:
		m := FieldLevelMerge{Policies: make(map[string]FieldPolicy), Column: cfg.Column}
		def, err := parsePolicy(cfg.Default)
		if err != nil {
			return nil, err
		}
		m.Default = def
		for field, p := range cfg.FieldPolicies {
			policy, err := parsePolicy(p)
			if err != nil {
				return nil, err
			}
			m.Policies[field] = policy
		}
		return m, nil
	default:
		return nil, errors.NewError(errors.CodeConfiguration, "unknown conflict strategy "+cfg.Strategy, errors.ErrUnsupportedStrategy)
	}
}

// StrategyNames lists the supported strategy names.
func StrategyNames() []string {
	names := []string{StrategySourceWins, StrategyTargetWins, StrategyNewestWins, StrategyFieldLevelMerge}
	sort.Strings(names)
	return names
}

func parsePolicy(p string) (FieldPolicy, error) {
	switch FieldPolicy(strings.ToLower(strings.TrimSpace(p))) {
	case "":
		return "", nil
	case PolicySource:
		return PolicySource, nil
	case PolicyTarget:
		return PolicyTarget, nil
	case PolicyNewest:
		return PolicyNewest, nil
	}
	return "", errors.NewError(errors.CodeConfiguration, "unknown field policy "+p, errors.ErrUnsupportedStrategy)
}

func compareTimes(a, b any) (int, error) {
	ta, ok := record.ParseTime(a)
	if !ok {
		return 0, fmt.Errorf("source modified time %v is not a timestamp", a)
	}
	tb, ok := record.ParseTime(b)
	if !ok {
		return 0, fmt.Errorf("target modified time %v is not a timestamp", b)
	}
	return ta.Compare(tb), nil
}

func unresolved(c Conflict, reason string) error {
	return errors.WithContext(
		errors.NewError(errors.CodeConflict, fmt.Sprintf("%s %s: %s", c.Table.Name, c.RecordID, reason), errors.ErrUnresolvedConflict),
		"record_id", c.RecordID)
}
