// Package config loads and validates the orchestrator's TOML configuration,
// with every setting overridable by an environment variable.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "30s" or "5m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the root configuration for the orchestrator process.
type Config struct {
	General       General       `toml:"general"`
	Conversation  LLMConfig     `toml:"conversation_llm"`
	Decomposition Decomposition `toml:"decomposition"`
	Executor      ExecutorLLM   `toml:"executor"`
	WebSearch     WebSearch     `toml:"web_search"`
	GraphRAG      GraphRAG      `toml:"graph_rag"`
	API           API           `toml:"api"`
	JobRetention  JobRetention  `toml:"job_retention"`
}

// General holds process-wide settings.
type General struct {
	DataRoot     string `toml:"data_root"` // resolves main registry and per-plan directory (env: DB_ROOT)
	LogLevel     string `toml:"log_level"`
	MaxPlanFiles int    `toml:"max_plan_files"` // per-plan sqlite LRU cache size
}

// LLMConfig names a single LLM provider endpoint.
type LLMConfig struct {
	Provider string `toml:"provider"`
	Model    string `toml:"model"`
	APIURL   string `toml:"api_url"`
	APIKey   string `toml:"api_key"`
}

// Decomposition configures the independent decomposition LLM and BFS limits.
type Decomposition struct {
	LLM             LLMConfig `toml:"llm"`
	MaxDepth        int       `toml:"max_depth"`
	MaxChildren     int       `toml:"max_children"`
	TotalNodeBudget int       `toml:"total_node_budget"`
	AutoOnCreate    bool      `toml:"auto_on_create"`
	RetryLimit      int       `toml:"retry_limit"`
}

// ExecutorLLM configures the independent executor LLM and execution limits.
type ExecutorLLM struct {
	LLM         LLMConfig `toml:"llm"`
	MaxRetries  int       `toml:"max_retries"`
	Timeout     Duration  `toml:"timeout"`
	UseContext  bool      `toml:"use_context"`
	Parallelism int       `toml:"parallelism"` // 1 = sequential (default, per spec §9 open question)
}

// WebSearch configures the builtin/external web_search tool.
type WebSearch struct {
	DefaultProvider string            `toml:"default_provider"`
	BuiltinProvider string            `toml:"builtin_provider"`
	BuiltinURL      string            `toml:"builtin_url"`
	ProviderKeys    map[string]string `toml:"provider_keys"`
}

// GraphRAG configures the graph_rag tool's triple store.
type GraphRAG struct {
	TriplesPath string   `toml:"triples_path"`
	CacheTTL    Duration `toml:"cache_ttl"`
}

// API configures the HTTP server.
type API struct {
	Bind string `toml:"bind"`
}

// JobRetention configures log/action-log pruning.
type JobRetention struct {
	RetentionDays int `toml:"retention_days"`
	MaxRows       int `toml:"max_rows"`
}

// Default returns a config with sane defaults, analogous to the teacher's
// applyDefaults pass but expressed as a constructor since this module has a
// single top-level config rather than cortex's per-project table.
func Default() *Config {
	return &Config{
		General: General{
			DataRoot:     "./data",
			LogLevel:     "info",
			MaxPlanFiles: 64,
		},
		Decomposition: Decomposition{
			MaxDepth:        3,
			MaxChildren:     6,
			TotalNodeBudget: 64,
			RetryLimit:      2,
		},
		Executor: ExecutorLLM{
			MaxRetries:  2,
			Timeout:     Duration{2 * time.Minute},
			UseContext:  true,
			Parallelism: 1,
		},
		WebSearch: WebSearch{
			DefaultProvider: "builtin",
			BuiltinProvider: "builtin",
		},
		GraphRAG: GraphRAG{
			CacheTTL: Duration{10 * time.Minute},
		},
		API: API{
			Bind: ":8080",
		},
		JobRetention: JobRetention{
			RetentionDays: 30,
			MaxRows:       10000,
		},
	}
}

// Load reads the TOML file at path (if it exists), applies defaults for any
// unset field, then applies environment variable overrides. A missing file
// is not an error: the process can run entirely from the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("config: decode %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: stat %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	str(&cfg.General.DataRoot, "DB_ROOT")

	str(&cfg.Conversation.Provider, "CONVERSATION_LLM_PROVIDER")
	str(&cfg.Conversation.Model, "CONVERSATION_LLM_MODEL")
	str(&cfg.Conversation.APIURL, "CONVERSATION_LLM_API_URL")
	str(&cfg.Conversation.APIKey, "CONVERSATION_LLM_API_KEY")

	str(&cfg.Decomposition.LLM.Model, "DECOMP_MODEL")
	str(&cfg.Decomposition.LLM.Provider, "DECOMP_PROVIDER")
	str(&cfg.Decomposition.LLM.APIURL, "DECOMP_API_URL")
	str(&cfg.Decomposition.LLM.APIKey, "DECOMP_API_KEY")
	intVar(&cfg.Decomposition.MaxDepth, "DECOMP_MAX_DEPTH")
	intVar(&cfg.Decomposition.MaxChildren, "DECOMP_MAX_CHILDREN")
	intVar(&cfg.Decomposition.TotalNodeBudget, "DECOMP_TOTAL_NODE_BUDGET")
	boolVar(&cfg.Decomposition.AutoOnCreate, "DECOMP_AUTO_ON_CREATE")

	str(&cfg.Executor.LLM.Model, "PLAN_EXECUTOR_MODEL")
	str(&cfg.Executor.LLM.Provider, "PLAN_EXECUTOR_PROVIDER")
	str(&cfg.Executor.LLM.APIURL, "PLAN_EXECUTOR_API_URL")
	str(&cfg.Executor.LLM.APIKey, "PLAN_EXECUTOR_API_KEY")
	intVar(&cfg.Executor.MaxRetries, "PLAN_EXECUTOR_MAX_RETRIES")
	durationVar(&cfg.Executor.Timeout, "PLAN_EXECUTOR_TIMEOUT")
	boolVar(&cfg.Executor.UseContext, "PLAN_EXECUTOR_USE_CONTEXT")

	str(&cfg.WebSearch.DefaultProvider, "DEFAULT_WEB_SEARCH_PROVIDER")
	str(&cfg.WebSearch.BuiltinProvider, "BUILTIN_SEARCH_PROVIDER")
	if v := os.Getenv("PERPLEXITY_API_KEY"); v != "" {
		if cfg.WebSearch.ProviderKeys == nil {
			cfg.WebSearch.ProviderKeys = map[string]string{}
		}
		cfg.WebSearch.ProviderKeys["perplexity"] = v
	}

	str(&cfg.GraphRAG.TriplesPath, "GRAPH_RAG_TRIPLES_PATH")
	durationVar(&cfg.GraphRAG.CacheTTL, "GRAPH_RAG_CACHE_TTL")

	str(&cfg.API.Bind, "API_BIND")

	intVar(&cfg.JobRetention.RetentionDays, "JOB_LOG_RETENTION_DAYS")
	intVar(&cfg.JobRetention.MaxRows, "JOB_LOG_MAX_ROWS")
}

func str(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func intVar(dst *int, env string) {
	v := os.Getenv(env)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	*dst = n
}

func boolVar(dst *bool, env string) {
	v := os.Getenv(env)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return
	}
	*dst = b
}

func durationVar(dst *Duration, env string) {
	v := os.Getenv(env)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return
	}
	dst.Duration = d
}

func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.General.DataRoot) == "" {
		return fmt.Errorf("general.data_root (DB_ROOT) is required")
	}
	if cfg.Decomposition.MaxDepth <= 0 {
		return fmt.Errorf("decomposition.max_depth must be positive")
	}
	if cfg.Decomposition.MaxChildren <= 0 {
		return fmt.Errorf("decomposition.max_children must be positive")
	}
	if cfg.Decomposition.TotalNodeBudget <= 0 {
		return fmt.Errorf("decomposition.total_node_budget must be positive")
	}
	if cfg.Executor.Parallelism <= 0 {
		cfg.Executor.Parallelism = 1
	}
	return nil
}
