package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Engine EngineConfig   `toml:"engine"`
	Server ServerConfig   `toml:"server"`
	Raw    map[string]any `toml:"-"`
	Path   string         `toml:"-"`
}

// EngineConfig tunes the negotiation engine. The defaults reproduce the
// behaviour of the reference experiment; they are configuration, not invariants.
type EngineConfig struct {
	// ConflictPenalty is the cost of one same-colour edge. It must dominate
	// the maximum preference spread of the problem so that resolving a
	// conflict always beats any preference gain.
	ConflictPenalty float64 `toml:"conflict_penalty"`
	// ImprovementThreshold gates snap-to-best: an exhaustive result replaces
	// the greedy one only if it improves the score by more than this.
	ImprovementThreshold float64 `toml:"improvement_threshold"`
	// OfferExpiryTurns is the age in turns after which an unanswered pending
	// offer expires.
	OfferExpiryTurns int `toml:"offer_expiry_turns"`
	// ExhaustiveCeiling caps the number of free nodes exhaustive search will
	// enumerate over. Beyond it the solver stays heuristic and says so.
	ExhaustiveCeiling int `toml:"exhaustive_ceiling"`
	// MaxTurns bounds a session before it is declared exhausted.
	MaxTurns int `toml:"max_turns"`
}

type ServerConfig struct {
	Addr        string `toml:"addr"`
	DBPath      string `toml:"db_path"`
	ProblemPath string `toml:"problem_path"`
}

func (e EngineConfig) WithDefaults() EngineConfig {
	if e.ConflictPenalty <= 0 {
		e.ConflictPenalty = 100
	}
	if e.ImprovementThreshold <= 0 {
		e.ImprovementThreshold = 0.5
	}
	if e.OfferExpiryTurns <= 0 {
		e.OfferExpiryTurns = 5
	}
	if e.ExhaustiveCeiling <= 0 {
		e.ExhaustiveCeiling = 12
	}
	if e.MaxTurns <= 0 {
		e.MaxTurns = 200
	}
	return e
}

func Load(path string) (Config, error) {
	resolved := path
	if resolved == "" {
		resolved = defaultConfigPath()
	}
	if strings.HasPrefix(resolved, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(resolved, "~")
		trimmed = strings.TrimPrefix(trimmed, "/")
		resolved = filepath.Join(home, trimmed)
	}
	resolved = filepath.Clean(resolved)

	bytes, err := os.ReadFile(resolved)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(bytes), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	var raw map[string]any
	if _, err := toml.Decode(string(bytes), &raw); err != nil {
		return Config{}, fmt.Errorf("decode raw config: %w", err)
	}
	cfg.Engine = cfg.Engine.WithDefaults()
	cfg.Raw = raw
	cfg.Path = resolved
	return cfg, nil
}

// Default returns a config with engine defaults and no file backing.
func Default() Config {
	return Config{Engine: EngineConfig{}.WithDefaults()}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chroma_accord/config.toml"
	}
	return filepath.Join(home, ".chroma_accord", "config.toml")
}
