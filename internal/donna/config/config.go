// Package config loads and validates Donna's startup configuration.
//
// All non-secret configuration lives in a single YAML document read once at
// startup and treated as read-only afterwards. Credentials (the LLM API key
// and the WhatsApp instance token) are never part of the document — they are
// read from the environment by the composition root.
//
// Validation is two-phase: the raw document is first checked against an
// embedded JSON schema (unknown keys, wrong types), then the decoded struct
// goes through semantic checks (ranges, required role budgets). Callers are
// expected to treat any error from Load as fatal with exit code 2.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON string

// RoleClient and RoleGodfather are the two principal classes. The godfather
// chat gets the large token budget and global memory scope.
const (
	RoleClient    = "client"
	RoleGodfather = "godfather"
)

// Config is the root of the YAML configuration document.
type Config struct {
	Completion   Completion   `yaml:"completion"`
	Embedding    Embedding    `yaml:"embedding"`
	Session      Session      `yaml:"session"`
	LTM          LTM          `yaml:"ltm"`
	Media        Media        `yaml:"media"`
	Principals   Principals   `yaml:"principals"`
	FeatureFlags FeatureFlags `yaml:"feature_flags"`
	Commands     Commands     `yaml:"commands"`
	WhatsApp     WhatsApp     `yaml:"whatsapp"`

	// SystemPreamblePath points at the behavioural preamble file. Empty means
	// the embedded default preamble is used.
	SystemPreamblePath string `yaml:"system_preamble_path"`

	// Prompts holds file paths to the media prompt templates. Empty entries
	// fall back to the embedded defaults.
	Prompts Prompts `yaml:"prompts"`
}

// Completion configures the chat completion provider.
type Completion struct {
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	// BaseURL overrides the API endpoint (Azure, Ollama, proxies).
	// Defaults to the public OpenAI endpoint when empty.
	BaseURL string `yaml:"base_url"`
}

// Embedding configures the embedding provider.
type Embedding struct {
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

// Session configures the session store and lifecycle manager.
type Session struct {
	// RoleTokenBudgets maps a role name to the maximum cumulative token
	// count of messages included in a completion request. The keys "client"
	// and "godfather" are required.
	RoleTokenBudgets map[string]int `yaml:"role_token_budgets"`

	// IdleTimeoutHours is how long a session may sit without activity before
	// it is summarised and archived. Default 24.
	IdleTimeoutHours int `yaml:"idle_timeout_hours"`

	// CleanupIntervalSeconds is the background sweep period. Default 900.
	CleanupIntervalSeconds int `yaml:"cleanup_interval_seconds"`

	// StorageRoot holds the active/ and archive/ session directories.
	StorageRoot string `yaml:"storage_root"`
}

// LTM configures the long-term memory store.
type LTM struct {
	StorageRoot    string  `yaml:"storage_root"`
	CollectionName string  `yaml:"collection_name"`
	TopK           int     `yaml:"top_k"`
	MinSimilarity  float64 `yaml:"min_similarity"`
}

// Media configures attachment ingestion.
type Media struct {
	StorageRoot string `yaml:"storage_root"`
	MaxBytes    int64  `yaml:"max_bytes"`
	MaxPDFPages int    `yaml:"max_pdf_pages"`
}

// Principals identifies specially privileged chats.
type Principals struct {
	// PrivilegedChatID is the ChatID granted the godfather role.
	PrivilegedChatID string `yaml:"privileged_chat_id"`
}

// FeatureFlags holds coarse feature switches.
type FeatureFlags struct {
	// MemoryEnabled controls the whole memory subsystem. When false the
	// pipeline is a stateless single-turn relay: no sessions, no recall,
	// no lifecycle sweeps.
	MemoryEnabled bool `yaml:"memory_enabled"`
}

// Commands holds the literal command trigger strings.
type Commands struct {
	Reset string `yaml:"reset"`
}

// Prompts holds file paths to prompt templates used by media ingestion.
type Prompts struct {
	ImageOCR               string `yaml:"image_ocr"`
	Classify               string `yaml:"classify"`
	ExtractContract        string `yaml:"extract_contract"`
	ExtractReceipt         string `yaml:"extract_receipt"`
	ExtractInvoice         string `yaml:"extract_invoice"`
	ExtractCourtResolution string `yaml:"extract_court_resolution"`
}

// WhatsApp configures the polling messaging provider.
type WhatsApp struct {
	BaseURL    string `yaml:"base_url"`
	InstanceID string `yaml:"instance_id"`
}

// IdleTimeout returns the configured idle timeout as a duration.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Session.IdleTimeoutHours) * time.Hour
}

// CleanupInterval returns the configured sweep period as a duration.
func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.Session.CleanupIntervalSeconds) * time.Second
}

// Load reads, schema-checks, decodes, defaults, and validates the YAML
// configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse is the file-free core of Load, used directly by tests.
func Parse(data []byte) (*Config, error) {
	// Phase 1: structural check against the embedded schema. yaml.v3 decodes
	// mappings with string keys into map[string]interface{}, which is what
	// the jsonschema validator expects.
	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	schema, err := jsonschema.CompileString("config.schema.json", schemaJSON)
	if err != nil {
		return nil, fmt.Errorf("config: compile schema: %w", err)
	}
	if err := schema.Validate(raw); err != nil {
		return nil, fmt.Errorf("config: schema validation: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}

	applyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills zero values with the documented defaults.
func applyDefaults(cfg *Config) {
	if cfg.Completion.Model == "" {
		cfg.Completion.Model = "gpt-4o-mini"
	}
	if cfg.Completion.MaxTokens == 0 {
		cfg.Completion.MaxTokens = 1024
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = "text-embedding-3-small"
	}
	if cfg.Session.IdleTimeoutHours == 0 {
		cfg.Session.IdleTimeoutHours = 24
	}
	if cfg.Session.CleanupIntervalSeconds == 0 {
		cfg.Session.CleanupIntervalSeconds = 900
	}
	if cfg.LTM.CollectionName == "" {
		cfg.LTM.CollectionName = "memories"
	}
	if cfg.LTM.TopK == 0 {
		cfg.LTM.TopK = 5
	}
	if cfg.LTM.MinSimilarity == 0 {
		cfg.LTM.MinSimilarity = 0.7
	}
	if cfg.Media.MaxBytes == 0 {
		cfg.Media.MaxBytes = 10 << 20
	}
	if cfg.Media.MaxPDFPages == 0 {
		cfg.Media.MaxPDFPages = 10
	}
	if cfg.Commands.Reset == "" {
		cfg.Commands.Reset = "/reset"
	}
}

// Validate checks a Config for semantic correctness. It returns the first
// validation error encountered, or nil if the config is valid.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config must not be nil")
	}

	// ── Completion ───────────────────────────────────────────────────────────
	if cfg.Completion.Temperature < 0 || cfg.Completion.Temperature > 1.0 {
		return fmt.Errorf("completion.temperature %.2f is outside valid range [0.0, 1.0]", cfg.Completion.Temperature)
	}
	if cfg.Completion.MaxTokens < 1 {
		return fmt.Errorf("completion.max_tokens must be >= 1")
	}

	// ── Session ──────────────────────────────────────────────────────────────
	if strings.TrimSpace(cfg.Session.StorageRoot) == "" {
		return fmt.Errorf("session.storage_root must not be empty")
	}
	for _, role := range []string{RoleClient, RoleGodfather} {
		budget, ok := cfg.Session.RoleTokenBudgets[role]
		if !ok {
			return fmt.Errorf("session.role_token_budgets missing required key %q", role)
		}
		if budget < 1 {
			return fmt.Errorf("session.role_token_budgets[%s] must be >= 1", role)
		}
	}
	if cfg.Session.IdleTimeoutHours < 1 {
		return fmt.Errorf("session.idle_timeout_hours must be >= 1")
	}
	if cfg.Session.CleanupIntervalSeconds < 1 {
		return fmt.Errorf("session.cleanup_interval_seconds must be >= 1")
	}

	// ── LTM ──────────────────────────────────────────────────────────────────
	if strings.TrimSpace(cfg.LTM.StorageRoot) == "" {
		return fmt.Errorf("ltm.storage_root must not be empty")
	}
	if cfg.LTM.MinSimilarity < 0 || cfg.LTM.MinSimilarity > 1.0 {
		return fmt.Errorf("ltm.min_similarity %.2f is outside valid range [0.0, 1.0]", cfg.LTM.MinSimilarity)
	}
	if cfg.LTM.TopK < 1 {
		return fmt.Errorf("ltm.top_k must be >= 1")
	}

	// ── Media ────────────────────────────────────────────────────────────────
	if strings.TrimSpace(cfg.Media.StorageRoot) == "" {
		return fmt.Errorf("media.storage_root must not be empty")
	}
	if cfg.Media.MaxBytes < 1 {
		return fmt.Errorf("media.max_bytes must be >= 1")
	}
	if cfg.Media.MaxPDFPages < 1 {
		return fmt.Errorf("media.max_pdf_pages must be >= 1")
	}

	// ── Commands ─────────────────────────────────────────────────────────────
	if !strings.HasPrefix(cfg.Commands.Reset, "/") {
		return fmt.Errorf("commands.reset %q must start with '/'", cfg.Commands.Reset)
	}

	return nil
}
