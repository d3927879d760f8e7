package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"kairu-assistant/internal/plan"
)

const (
	// WorkspaceDirName is the directory holding project-level Kairu config.
	WorkspaceDirName = ".kairu"
	// WorkspaceConfigFile is the config file name inside the workspace directory.
	WorkspaceConfigFile = "config.yaml"
	// MaxSearchDepth limits how many parent directories are walked when discovering a workspace.
	MaxSearchDepth = 10
)

// WorkspaceOptions controls workspace discovery.
type WorkspaceOptions struct {
	// Disable skips workspace discovery entirely.
	Disable bool
	// ExplicitDir is used as the workspace root instead of walking up from the working directory.
	ExplicitDir string
}

// Config captures every tunable setting of the assistant.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Browser   BrowserConfig   `yaml:"browser"`
	MCP       MCPConfig       `yaml:"mcp"`
	Assistant AssistantConfig `yaml:"assistant"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	Planner   PlannerConfig   `yaml:"planner"`
	Storage   StorageConfig   `yaml:"storage"`
	Journal   JournalConfig   `yaml:"journal"`
	Recorder  RecorderConfig  `yaml:"recorder"`
}

type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// LoggingConfig configures the zap logger and its rotating file sink.
type LoggingConfig struct {
	// Level is a zap level name: debug | info | warn | error.
	Level string `yaml:"level"`
	// Format of the console output: console | json.
	Format string `yaml:"format"`
	// File receives JSON logs, rotated by lumberjack. Empty disables it.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// BrowserConfig configures how Chrome is launched or attached.
type BrowserConfig struct {
	// DebuggerURL is a control endpoint (e.g. ws://localhost:9222). Required when launch is empty.
	DebuggerURL string `yaml:"debugger_url"`
	// Launch starts Chrome through rod's launcher. The first element is the binary; the rest are flags.
	Launch []string `yaml:"launch"`
	// AutoStart connects at startup.
	AutoStart bool `yaml:"auto_start"`
	// Headless defaults to false: the assistant is meant to be watched.
	Headless *bool `yaml:"headless"`
	// StartURL is opened once the browser is up. Empty leaves about:blank.
	StartURL                 string `yaml:"start_url"`
	DefaultNavigationTimeout string `yaml:"default_navigation_timeout"`
	DefaultAttachTimeout     string `yaml:"default_attach_timeout"`
	ViewportWidth            int    `yaml:"viewport_width"`
	ViewportHeight           int    `yaml:"viewport_height"`
}

type MCPConfig struct {
	// SSEPort starts an SSE server on this port instead of stdio.
	SSEPort int `yaml:"sse_port"`
}

// AssistantConfig is the feature surface that distinguishes the compact and
// full assistant variants.
type AssistantConfig struct {
	ContainerID     string   `yaml:"container_id"`
	HistoryCapacity int      `yaml:"history_capacity"`
	Actions         []string `yaml:"actions"`
	DragEnabled     *bool    `yaml:"drag_enabled"`
	ScrollLock      *bool    `yaml:"scroll_lock"`
	ActionDelay     string   `yaml:"action_delay"`
	WindowCooldown  string   `yaml:"window_cooldown"`
	InfoTextLimit   int      `yaml:"info_text_limit"`
	ExecLogLimit    int      `yaml:"exec_log_limit"`
}

// SnapshotConfig caps snapshot fields, in characters. HTMLLimit 0 is unbounded.
type SnapshotConfig struct {
	ValueLimit int `yaml:"value_limit"`
	TextLimit  int `yaml:"text_limit"`
	HrefLimit  int `yaml:"href_limit"`
	HTMLLimit  int `yaml:"html_limit"`
}

type PlannerConfig struct {
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	// APIKeyEnv names an environment variable consulted when no key is stored.
	APIKeyEnv string `yaml:"api_key_env"`
	Timeout   string `yaml:"timeout"`
}

type StorageConfig struct {
	Path string `yaml:"path"`
}

// JournalConfig controls the deductive plan journal.
type JournalConfig struct {
	Enable     bool   `yaml:"enable"`
	SchemaPath string `yaml:"schema_path"`
	FactLimit  int    `yaml:"fact_limit"`
}

// RecorderConfig controls the per-turn trace files.
type RecorderConfig struct {
	Enable     bool   `yaml:"enable"`
	Dir        string `yaml:"dir"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// DefaultConfig is the full variant: long history, every action, drag and
// scroll lock on.
func DefaultConfig() Config {
	actions := make([]string, len(plan.AllKinds))
	for i, k := range plan.AllKinds {
		actions[i] = string(k)
	}
	return Config{
		Server: ServerConfig{
			Name:    "kairu",
			Version: "0.3.0",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			File:       "kairu.log",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
		Browser: BrowserConfig{
			AutoStart:                true,
			Launch:                   []string{"chrome"},
			DefaultNavigationTimeout: "15s",
			DefaultAttachTimeout:     "10s",
			ViewportWidth:            1280,
			ViewportHeight:           800,
		},
		Assistant: AssistantConfig{
			ContainerID:     "kairu-ai-container",
			HistoryCapacity: 1000,
			Actions:         actions,
			ActionDelay:     "800ms",
			WindowCooldown:  "100ms",
			InfoTextLimit:   500,
			ExecLogLimit:    100,
		},
		Snapshot: SnapshotConfig{
			ValueLimit: 50,
			TextLimit:  80,
			HrefLimit:  50,
			HTMLLimit:  300000,
		},
		Planner: PlannerConfig{
			BaseURL:   "https://api.openai.com/v1",
			Model:     "gpt-5-nano",
			APIKeyEnv: "OPENAI_API_KEY",
			Timeout:   "2m",
		},
		Storage: StorageConfig{
			Path: "data/kairu.db",
		},
		Journal: JournalConfig{
			Enable:    true,
			FactLimit: 4096,
		},
		Recorder: RecorderConfig{
			Enable:     true,
			Dir:        "data/traces",
			MaxSizeMB:  5,
			MaxBackups: 3,
		},
	}
}

// Load reads a YAML file over the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, errors.New("config path is required")
	}
	if err := overlay(&cfg, path); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func overlay(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

// DiscoverWorkspace walks up from startDir looking for .kairu/config.yaml.
// It returns the directory containing .kairu, or "" when none is found.
func DiscoverWorkspace(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving start directory: %w", err)
	}
	for i := 0; i < MaxSearchDepth; i++ {
		if _, err := os.Stat(workspaceConfigPath(dir)); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", nil
}

func workspaceConfigPath(root string) string {
	return filepath.Join(root, WorkspaceDirName, WorkspaceConfigFile)
}

// LoadWithWorkspace merges, later layers winning:
//
//	DefaultConfig() <- .kairu/config.yaml <- explicit --config
//
// CLI flags are applied by the caller. The workspace root is returned, or ""
// when none was used.
func LoadWithWorkspace(explicitConfig string, opts WorkspaceOptions) (Config, string, error) {
	cfg := DefaultConfig()
	wsDir := ""

	if !opts.Disable {
		if opts.ExplicitDir != "" {
			if _, err := os.Stat(workspaceConfigPath(opts.ExplicitDir)); err == nil {
				wsDir = opts.ExplicitDir
			}
		} else {
			cwd, err := os.Getwd()
			if err != nil {
				return cfg, "", fmt.Errorf("getting working directory: %w", err)
			}
			if wsDir, err = DiscoverWorkspace(cwd); err != nil {
				return cfg, "", fmt.Errorf("discovering workspace: %w", err)
			}
		}

		if wsDir != "" {
			if err := overlay(&cfg, workspaceConfigPath(wsDir)); err != nil {
				return cfg, "", err
			}
			cfg = resolveWorkspacePaths(cfg, filepath.Join(wsDir, WorkspaceDirName))
		}
	}

	if explicitConfig != "" {
		if err := overlay(&cfg, explicitConfig); err != nil {
			return cfg, wsDir, err
		}
	}

	return cfg, wsDir, cfg.Validate()
}

// InitWorkspace creates .kairu/ under root with a commented config template.
func InitWorkspace(root string) error {
	wsDir := filepath.Join(root, WorkspaceDirName)
	if _, err := os.Stat(wsDir); err == nil {
		return fmt.Errorf("workspace directory already exists: %s", wsDir)
	}
	for _, d := range []string{wsDir, filepath.Join(wsDir, "data")} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}

	template := `# Kairu project-level configuration.
# Values here override the defaults and are overridden by --config and flags.
# Relative paths resolve against this directory.

# assistant:
#   history_capacity: 30
#   actions: [click, type, navigate, scroll]
#   drag_enabled: false
#   scroll_lock: false

# planner:
#   model: gpt-5-nano
#   api_key_env: OPENAI_API_KEY

# browser:
#   headless: false
#   start_url: "https://example.com"
`
	if err := os.WriteFile(filepath.Join(wsDir, WorkspaceConfigFile), []byte(template), 0o644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}
	gitignore := "# Runtime data (database, logs, traces)\ndata/\n*.log\n"
	if err := os.WriteFile(filepath.Join(wsDir, ".gitignore"), []byte(gitignore), 0o644); err != nil {
		return fmt.Errorf("writing .gitignore: %w", err)
	}
	return nil
}

// resolveWorkspacePaths anchors relative paths at base.
func resolveWorkspacePaths(cfg Config, base string) Config {
	resolve := func(p string) string {
		if p == "" || p == ":memory:" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	cfg.Logging.File = resolve(cfg.Logging.File)
	cfg.Storage.Path = resolve(cfg.Storage.Path)
	cfg.Journal.SchemaPath = resolve(cfg.Journal.SchemaPath)
	cfg.Recorder.Dir = resolve(cfg.Recorder.Dir)
	return cfg
}

// Validate ensures the settings can start the assistant deterministically.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	if c.Browser.AutoStart && c.Browser.DebuggerURL == "" && len(c.Browser.Launch) == 0 {
		return errors.New("browser.debugger_url or browser.launch must be provided")
	}
	if c.Assistant.ContainerID == "" {
		return errors.New("assistant.container_id is required")
	}
	if c.Assistant.HistoryCapacity < 0 {
		return errors.New("assistant.history_capacity must not be negative")
	}
	for _, a := range c.Assistant.Actions {
		if !plan.Kind(a).Known() {
			return fmt.Errorf("assistant.actions: unknown action %q", a)
		}
	}
	if c.Storage.Path == "" {
		return errors.New("storage.path is required")
	}
	if c.Planner.BaseURL == "" || c.Planner.Model == "" {
		return errors.New("planner.base_url and planner.model are required")
	}
	return nil
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

func (b BrowserConfig) NavigationTimeout() time.Duration {
	return parseDuration(b.DefaultNavigationTimeout, 15*time.Second)
}

func (b BrowserConfig) AttachTimeout() time.Duration {
	return parseDuration(b.DefaultAttachTimeout, 10*time.Second)
}

// IsHeadless defaults to false.
func (b BrowserConfig) IsHeadless() bool {
	return b.Headless != nil && *b.Headless
}

func (b BrowserConfig) GetViewportWidth() int {
	if b.ViewportWidth <= 0 {
		return 1280
	}
	return b.ViewportWidth
}

func (b BrowserConfig) GetViewportHeight() int {
	if b.ViewportHeight <= 0 {
		return 800
	}
	return b.ViewportHeight
}

// EnabledActions returns the configured action set, or every action when
// none is configured.
func (a AssistantConfig) EnabledActions() []plan.Kind {
	kinds := plan.ParseKinds(a.Actions)
	if len(kinds) == 0 {
		return plan.AllKinds
	}
	return kinds
}

// IsDragEnabled defaults to true.
func (a AssistantConfig) IsDragEnabled() bool {
	return a.DragEnabled == nil || *a.DragEnabled
}

// IsScrollLock defaults to true.
func (a AssistantConfig) IsScrollLock() bool {
	return a.ScrollLock == nil || *a.ScrollLock
}

func (a AssistantConfig) GetActionDelay() time.Duration {
	return parseDuration(a.ActionDelay, 800*time.Millisecond)
}

func (a AssistantConfig) GetWindowCooldown() time.Duration {
	return parseDuration(a.WindowCooldown, 100*time.Millisecond)
}

func (a AssistantConfig) GetHistoryCapacity() int {
	if a.HistoryCapacity <= 0 {
		return 1000
	}
	return a.HistoryCapacity
}

func (a AssistantConfig) GetInfoTextLimit() int {
	if a.InfoTextLimit <= 0 {
		return 500
	}
	return a.InfoTextLimit
}

func (a AssistantConfig) GetExecLogLimit() int {
	if a.ExecLogLimit <= 0 {
		return 100
	}
	return a.ExecLogLimit
}

func (p PlannerConfig) GetTimeout() time.Duration {
	return parseDuration(p.Timeout, 2*time.Minute)
}

// APIKeyFromEnv reads the fallback API key from the configured variable.
func (p PlannerConfig) APIKeyFromEnv() string {
	if p.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(p.APIKeyEnv)
}
