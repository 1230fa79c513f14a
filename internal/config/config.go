// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Repository() RepositoryConfig
	LLM() LLMConfig
	Server() ServerConfig
	GitAnalysis() GitAnalysisConfig
	ContextDiscovery() ContextDiscoveryConfig
	Reports() ReportsConfig
	Database() DatabaseConfig
	Events() EventsConfig
	Intake() IntakeConfig
	Telemetry() TelemetryConfig
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg           LoggerConfig           `mapstructure:"logger" yaml:"logger"`
	RepositoryCfg       RepositoryConfig       `mapstructure:"repository" yaml:"repository"`
	LLMCfg              LLMConfig              `mapstructure:"llm" yaml:"llm"`
	ServerCfg           ServerConfig           `mapstructure:"server" yaml:"server"`
	GitAnalysisCfg      GitAnalysisConfig      `mapstructure:"git_analysis" yaml:"git_analysis"`
	ContextDiscoveryCfg ContextDiscoveryConfig `mapstructure:"context_discovery" yaml:"context_discovery"`
	ReportsCfg          ReportsConfig          `mapstructure:"reports" yaml:"reports"`
	DatabaseCfg         DatabaseConfig         `mapstructure:"database" yaml:"database"`
	EventsCfg           EventsConfig           `mapstructure:"events" yaml:"events"`
	IntakeCfg           IntakeConfig           `mapstructure:"intake" yaml:"intake"`
	TelemetryCfg        TelemetryConfig        `mapstructure:"telemetry" yaml:"telemetry"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig                     { return c.LoggerCfg }
func (c *Config) Repository() RepositoryConfig             { return c.RepositoryCfg }
func (c *Config) LLM() LLMConfig                           { return c.LLMCfg }
func (c *Config) Server() ServerConfig                     { return c.ServerCfg }
func (c *Config) GitAnalysis() GitAnalysisConfig           { return c.GitAnalysisCfg }
func (c *Config) ContextDiscovery() ContextDiscoveryConfig { return c.ContextDiscoveryCfg }
func (c *Config) Reports() ReportsConfig                   { return c.ReportsCfg }
func (c *Config) Database() DatabaseConfig                 { return c.DatabaseCfg }
func (c *Config) Events() EventsConfig                     { return c.EventsCfg }
func (c *Config) Intake() IntakeConfig                     { return c.IntakeCfg }
func (c *Config) Telemetry() TelemetryConfig               { return c.TelemetryCfg }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`

	// PerDiagnosis writes every diagnosis' LLM interactions to its own file
	// under DiagnosisLogDir in addition to the main log.
	PerDiagnosis    bool                 `mapstructure:"per_diagnosis" yaml:"per_diagnosis"`
	DiagnosisLogDir string               `mapstructure:"diagnosis_log_dir" yaml:"diagnosis_log_dir"`
	LLMInteractions LLMInteractionConfig `mapstructure:"llm_interactions" yaml:"llm_interactions"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// LLMInteractionConfig controls logging of prompt and response bodies.
type LLMInteractionConfig struct {
	LogRequests          bool `mapstructure:"log_requests" yaml:"log_requests"`
	LogResponses         bool `mapstructure:"log_responses" yaml:"log_responses"`
	TruncateLarge        bool `mapstructure:"truncate_large" yaml:"truncate_large"`
	MaxPromptLogLength   int  `mapstructure:"max_prompt_log_length" yaml:"max_prompt_log_length"`
	MaxResponseLogLength int  `mapstructure:"max_response_log_length" yaml:"max_response_log_length"`
}

// Supported repository auth methods.
const (
	AuthSSH   = "ssh"
	AuthHTTPS = "https"
	AuthToken = "token"
)

// RepositoryConfig describes the single tracked repository.
type RepositoryConfig struct {
	URL        string `mapstructure:"url" yaml:"url"`
	Branch     string `mapstructure:"branch" yaml:"branch"`
	LocalPath  string `mapstructure:"local_path" yaml:"local_path"`
	AuthMethod string `mapstructure:"auth_method" yaml:"auth_method"`
	Username   string `mapstructure:"username" yaml:"username"`
	Token      string `mapstructure:"token" yaml:"-"`
	SSHUser    string `mapstructure:"ssh_user" yaml:"ssh_user"`
	SSHKeyPath string `mapstructure:"ssh_key_path" yaml:"ssh_key_path"`
	SSHKeyPass string `mapstructure:"ssh_key_passphrase" yaml:"-"`
}

// LLMProvider names a provider implementation.
type LLMProvider string

const (
	ProviderOpenAI    LLMProvider = "openai"
	ProviderAnthropic LLMProvider = "anthropic"
	ProviderGemini    LLMProvider = "gemini"
	ProviderObserved  LLMProvider = "observed"
)

// LLMConfig configures the diagnosis model and the retry policy around it.
type LLMConfig struct {
	Provider    LLMProvider   `mapstructure:"provider" yaml:"provider"`
	Model       string        `mapstructure:"model" yaml:"model"`
	RepairModel string        `mapstructure:"repair_model" yaml:"repair_model"`
	APIKey      string        `mapstructure:"api_key" yaml:"-"`
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	Temperature float64       `mapstructure:"temperature" yaml:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`

	RetryCount        int     `mapstructure:"retry_count" yaml:"retry_count"`
	RetryBackoffBase  float64 `mapstructure:"retry_backoff_base" yaml:"retry_backoff_base"`
	RetryBackoffMax   float64 `mapstructure:"retry_backoff_max" yaml:"retry_backoff_max"`
	RetryJitter       float64 `mapstructure:"retry_jitter" yaml:"retry_jitter"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	MaxPromptChars    int     `mapstructure:"max_prompt_chars" yaml:"max_prompt_chars"`

	// PublicKey and SecretKey authenticate against the observed proxy.
	PublicKey string `mapstructure:"public_key" yaml:"-"`
	SecretKey string `mapstructure:"secret_key" yaml:"-"`
}

// ServerConfig configures the worker pool and the HTTP surface.
type ServerConfig struct {
	Host                 string        `mapstructure:"host" yaml:"host"`
	Port                 int           `mapstructure:"port" yaml:"port"`
	DiagnosisWorkerCount int           `mapstructure:"diagnosis_worker_count" yaml:"diagnosis_worker_count"`
	QueueCapacity        int           `mapstructure:"queue_capacity" yaml:"queue_capacity"`
	JobRetention         time.Duration `mapstructure:"job_retention" yaml:"job_retention"`
	QueueLogInterval     time.Duration `mapstructure:"queue_log_interval" yaml:"queue_log_interval"`
	ShutdownTimeout      time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// GitAnalysisConfig bounds the commit history attached to a snapshot.
type GitAnalysisConfig struct {
	IncludeRecentCommits    bool     `mapstructure:"include_recent_commits" yaml:"include_recent_commits"`
	MaxCommitsToAnalyze     int      `mapstructure:"max_commits_to_analyze" yaml:"max_commits_to_analyze"`
	FileExtensionsToInclude []string `mapstructure:"file_extensions_to_include" yaml:"file_extensions_to_include"`
}

// ContextDiscoveryConfig holds the budgets of the context discovery engine.
type ContextDiscoveryConfig struct {
	Enabled                  bool     `mapstructure:"enabled" yaml:"enabled"`
	MaxIterations            int      `mapstructure:"max_iterations" yaml:"max_iterations"`
	ConfidenceThreshold      float64  `mapstructure:"confidence_threshold" yaml:"confidence_threshold"`
	FileSizeLimitKB          float64  `mapstructure:"file_size_limit_kb" yaml:"file_size_limit_kb"`
	MaxTotalContextSizeKB    float64  `mapstructure:"max_total_context_size_kb" yaml:"max_total_context_size_kb"`
	FileExtensionsPriority   []string `mapstructure:"file_extensions_priority" yaml:"file_extensions_priority"`
	ExcludePatterns          []string `mapstructure:"exclude_patterns" yaml:"exclude_patterns"`
	PrioritizeRecentChanges  bool     `mapstructure:"prioritize_recent_changes" yaml:"prioritize_recent_changes"`
	MinConfidenceImprovement float64  `mapstructure:"min_confidence_improvement" yaml:"min_confidence_improvement"`
	InitialBatch             int      `mapstructure:"initial_batch" yaml:"initial_batch"`
	MinRelevance             float64  `mapstructure:"min_relevance" yaml:"min_relevance"`
	SnippetContextLines      int      `mapstructure:"snippet_context_lines" yaml:"snippet_context_lines"`
	MaxSnippetsPerFile       int      `mapstructure:"max_snippets_per_file" yaml:"max_snippets_per_file"`
	ModelAssisted            bool     `mapstructure:"model_assisted" yaml:"model_assisted"`
	ModelAssistedTopK        int      `mapstructure:"model_assisted_top_k" yaml:"model_assisted_top_k"`
}

// Report store backends.
const (
	ReportsSQLite   = "sqlite"
	ReportsPostgres = "postgres"
	ReportsNone     = "none"
)

// ReportsConfig selects where diagnosis results are persisted.
type ReportsConfig struct {
	Backend    string `mapstructure:"backend" yaml:"backend"`
	SQLitePath string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	MaxReports int    `mapstructure:"max_reports" yaml:"max_reports"`
}

// DatabaseConfig holds the database connection details.
type DatabaseConfig struct {
	URL      string `mapstructure:"url" yaml:"url"`
	MaxConns int32  `mapstructure:"max_conns" yaml:"max_conns"`
	MinConns int32  `mapstructure:"min_conns" yaml:"min_conns"`
}

// EventsConfig configures publication of job completion events.
type EventsConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	Brokers        []string      `mapstructure:"brokers" yaml:"brokers"`
	CompletedTopic string        `mapstructure:"completed_topic" yaml:"completed_topic"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout" yaml:"publish_timeout"`
}

// IntakeConfig configures automatic log intake.
type IntakeConfig struct {
	KafkaTopic    string `mapstructure:"kafka_topic" yaml:"kafka_topic"`
	ConsumerGroup string `mapstructure:"consumer_group" yaml:"consumer_group"`
	// MinLevel is the lowest level a tailed or consumed entry needs to be submitted.
	MinLevel     string `mapstructure:"min_level" yaml:"min_level"`
	FromStart    bool   `mapstructure:"from_start" yaml:"from_start"`
	MaxEntrySize int    `mapstructure:"max_entry_size" yaml:"max_entry_size"`
}

// TelemetryConfig configures metrics and tracing.
type TelemetryConfig struct {
	MetricsEnabled bool   `mapstructure:"metrics_enabled" yaml:"metrics_enabled"`
	TracingEnabled bool   `mapstructure:"tracing_enabled" yaml:"tracing_enabled"`
	CollectorAddr  string `mapstructure:"collector_addr" yaml:"collector_addr"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "logdiag")
	v.SetDefault("logger.log_file", "logdiag.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.per_diagnosis", true)
	v.SetDefault("logger.diagnosis_log_dir", "./logs/diagnoses")
	v.SetDefault("logger.llm_interactions.log_requests", true)
	v.SetDefault("logger.llm_interactions.log_responses", true)
	v.SetDefault("logger.llm_interactions.truncate_large", true)
	v.SetDefault("logger.llm_interactions.max_prompt_log_length", 2000)
	v.SetDefault("logger.llm_interactions.max_response_log_length", 2000)

	// -- Repository --
	v.SetDefault("repository.url", "")
	v.SetDefault("repository.branch", "main")
	v.SetDefault("repository.local_path", "./repo")
	v.SetDefault("repository.auth_method", AuthSSH)
	v.SetDefault("repository.username", "")
	v.SetDefault("repository.token", "")
	v.SetDefault("repository.ssh_user", "git")
	v.SetDefault("repository.ssh_key_path", "")
	v.SetDefault("repository.ssh_key_passphrase", "")

	// -- LLM --
	v.SetDefault("llm.provider", string(ProviderOpenAI))
	v.SetDefault("llm.model", "gpt-4")
	v.SetDefault("llm.repair_model", "")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.endpoint", "")
	v.SetDefault("llm.max_tokens", 2000)
	v.SetDefault("llm.temperature", 0.1)
	v.SetDefault("llm.timeout", "30s")
	v.SetDefault("llm.retry_count", 5)
	v.SetDefault("llm.retry_backoff_base", 2.0)
	v.SetDefault("llm.retry_backoff_max", 30.0)
	v.SetDefault("llm.retry_jitter", 1.0)
	v.SetDefault("llm.requests_per_second", 0.0)
	v.SetDefault("llm.max_prompt_chars", 60000)
	v.SetDefault("llm.public_key", "")
	v.SetDefault("llm.secret_key", "")

	// -- Server --
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.diagnosis_worker_count", 4)
	v.SetDefault("server.queue_capacity", 100)
	v.SetDefault("server.job_retention", "24h")
	v.SetDefault("server.queue_log_interval", "60s")
	v.SetDefault("server.shutdown_timeout", "30s")

	// -- Git Analysis --
	v.SetDefault("git_analysis.include_recent_commits", true)
	v.SetDefault("git_analysis.max_commits_to_analyze", 5)
	v.SetDefault("git_analysis.file_extensions_to_include", []string{".py", ".js", ".ts", ".java", ".go", ".rs", ".cpp", ".c"})

	// -- Context Discovery --
	v.SetDefault("context_discovery.enabled", true)
	v.SetDefault("context_discovery.max_iterations", 3)
	v.SetDefault("context_discovery.confidence_threshold", 0.8)
	v.SetDefault("context_discovery.file_size_limit_kb", 100.0)
	v.SetDefault("context_discovery.max_total_context_size_kb", 500.0)
	v.SetDefault("context_discovery.file_extensions_priority", []string{".py", ".js", ".ts", ".java", ".go", ".rs", ".cpp", ".c"})
	v.SetDefault("context_discovery.exclude_patterns", []string{"*.log", "*.tmp", "node_modules/*", "__pycache__/*", ".git/*"})
	v.SetDefault("context_discovery.prioritize_recent_changes", true)
	v.SetDefault("context_discovery.min_confidence_improvement", 0.1)
	v.SetDefault("context_discovery.initial_batch", 3)
	v.SetDefault("context_discovery.min_relevance", 0.15)
	v.SetDefault("context_discovery.snippet_context_lines", 8)
	v.SetDefault("context_discovery.max_snippets_per_file", 3)
	v.SetDefault("context_discovery.model_assisted", false)
	v.SetDefault("context_discovery.model_assisted_top_k", 10)

	// -- Reports --
	v.SetDefault("reports.backend", ReportsSQLite)
	v.SetDefault("reports.sqlite_path", "./reports/reports.db")
	v.SetDefault("reports.max_reports", 100)

	// -- Database --
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)

	// -- Events --
	v.SetDefault("events.enabled", false)
	v.SetDefault("events.brokers", []string{"localhost:19092"})
	v.SetDefault("events.completed_topic", "logdiag.diagnosis.completed")
	v.SetDefault("events.publish_timeout", "10s")

	// -- Intake --
	v.SetDefault("intake.kafka_topic", "")
	v.SetDefault("intake.consumer_group", "logdiag-intake")
	v.SetDefault("intake.min_level", "ERROR")
	v.SetDefault("intake.from_start", false)
	v.SetDefault("intake.max_entry_size", 64*1024)

	// -- Telemetry --
	v.SetDefault("telemetry.metrics_enabled", true)
	v.SetDefault("telemetry.tracing_enabled", false)
	v.SetDefault("telemetry.collector_addr", "localhost:4317")
}

// providerKeyEnv maps a provider to the conventional environment variable holding its key.
var providerKeyEnv = map[LLMProvider]string{
	ProviderOpenAI:    "OPENAI_API_KEY",
	ProviderAnthropic: "ANTHROPIC_API_KEY",
	ProviderGemini:    "GEMINI_API_KEY",
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	_ = v.BindEnv("llm.api_key", "LOGDIAG_LLM_API_KEY")
	_ = v.BindEnv("llm.public_key", "LOGDIAG_LLM_PUBLIC_KEY", "OBSERVED_PUBLIC_KEY")
	_ = v.BindEnv("llm.secret_key", "LOGDIAG_LLM_SECRET_KEY", "OBSERVED_SECRET_KEY")
	_ = v.BindEnv("repository.token", "LOGDIAG_REPOSITORY_TOKEN", "GIT_TOKEN")
	_ = v.BindEnv("repository.username", "LOGDIAG_REPOSITORY_USERNAME", "GIT_USERNAME")
	_ = v.BindEnv("database.url", "LOGDIAG_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Fall back to the provider's conventional variable for the API key.
	if cfg.LLMCfg.APIKey == "" {
		if name, ok := providerKeyEnv[cfg.LLMCfg.Provider]; ok {
			cfg.LLMCfg.APIKey = os.Getenv(name)
		}
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) expandPaths() error {
	paths := []*string{
		&c.RepositoryCfg.LocalPath,
		&c.RepositoryCfg.SSHKeyPath,
		&c.LoggerCfg.LogFile,
		&c.LoggerCfg.DiagnosisLogDir,
		&c.ReportsCfg.SQLitePath,
	}
	for _, p := range paths {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// ValidationError lists every problem found in a configuration. It is fatal at startup.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return strings.Join(e.Problems, "; ")
}

// Kind labels the error in user facing output.
func (e *ValidationError) Kind() string { return "config" }

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	// -- Repository --
	if c.RepositoryCfg.URL == "" {
		add("repository.url is required")
	}
	if c.RepositoryCfg.Branch == "" {
		add("repository.branch is required")
	}
	if c.RepositoryCfg.LocalPath == "" {
		add("repository.local_path is required")
	}
	switch c.RepositoryCfg.AuthMethod {
	case AuthSSH:
	case AuthHTTPS, AuthToken:
		if c.RepositoryCfg.Token == "" {
			add("repository.token is required for auth_method %q (set GIT_TOKEN)", c.RepositoryCfg.AuthMethod)
		}
	default:
		add("repository.auth_method must be one of ssh, https, token (got %q)", c.RepositoryCfg.AuthMethod)
	}

	// -- LLM --
	l := c.LLMCfg
	switch l.Provider {
	case ProviderOpenAI, ProviderAnthropic, ProviderGemini:
		if l.APIKey == "" {
			add("llm.api_key is required for provider %q (set %s)", l.Provider, providerKeyEnv[l.Provider])
		}
	case ProviderObserved:
		if l.PublicKey == "" || l.SecretKey == "" {
			add("llm.public_key and llm.secret_key are required for the observed provider")
		}
		if l.Endpoint == "" {
			add("llm.endpoint is required for the observed provider")
		}
	default:
		add("llm.provider %q is not supported. Supported: [openai, anthropic, gemini, observed]", l.Provider)
	}
	if l.Model == "" {
		add("llm.model is required")
	}
	if l.MaxTokens <= 0 {
		add("llm.max_tokens must be a positive integer")
	}
	if l.Temperature < 0 || l.Temperature > 2 {
		add("llm.temperature must be between 0.0 and 2.0")
	}
	if l.Timeout <= 0 {
		add("llm.timeout must be a positive duration")
	}
	if l.RetryCount < 0 {
		add("llm.retry_count must not be negative")
	}
	if l.RetryBackoffBase < 1 {
		add("llm.retry_backoff_base must be at least 1")
	}
	if l.RetryBackoffMax <= 0 {
		add("llm.retry_backoff_max must be positive")
	}
	if l.RetryJitter < 0 {
		add("llm.retry_jitter must not be negative")
	}
	if l.RequestsPerSecond < 0 {
		add("llm.requests_per_second must not be negative")
	}
	if l.MaxPromptChars <= 0 {
		add("llm.max_prompt_chars must be a positive integer")
	}

	// -- Server --
	if c.ServerCfg.DiagnosisWorkerCount <= 0 {
		add("server.diagnosis_worker_count must be a positive integer")
	}
	if c.ServerCfg.QueueCapacity <= 0 {
		add("server.queue_capacity must be a positive integer")
	}

	// -- Git Analysis --
	if c.GitAnalysisCfg.MaxCommitsToAnalyze < 0 {
		add("git_analysis.max_commits_to_analyze must not be negative")
	}

	// -- Context Discovery --
	if err := c.ContextDiscoveryCfg.Validate(); err != nil {
		add("context_discovery: %v", err)
	}

	// -- Reports --
	switch c.ReportsCfg.Backend {
	case ReportsSQLite:
		if c.ReportsCfg.SQLitePath == "" {
			add("reports.sqlite_path is required for the sqlite backend")
		}
	case ReportsPostgres:
		if c.DatabaseCfg.URL == "" {
			add("database.url is required for the postgres report backend")
		}
	case ReportsNone:
	default:
		add("reports.backend must be one of sqlite, postgres, none (got %q)", c.ReportsCfg.Backend)
	}

	// -- Events --
	if c.EventsCfg.Enabled && len(c.EventsCfg.Brokers) == 0 {
		add("events.brokers must list at least one broker when events are enabled")
	}
	if c.IntakeCfg.KafkaTopic != "" && len(c.EventsCfg.Brokers) == 0 {
		add("events.brokers must list at least one broker when intake.kafka_topic is set")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Validate checks the context discovery budgets.
func (d *ContextDiscoveryConfig) Validate() error {
	if !d.Enabled {
		return nil
	}
	if d.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be at least 1")
	}
	if d.ConfidenceThreshold < 0 || d.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold must be between 0.0 and 1.0")
	}
	if d.MinConfidenceImprovement < 0 || d.MinConfidenceImprovement > 1 {
		return fmt.Errorf("min_confidence_improvement must be between 0.0 and 1.0")
	}
	if d.FileSizeLimitKB <= 0 || d.MaxTotalContextSizeKB <= 0 {
		return fmt.Errorf("file_size_limit_kb and max_total_context_size_kb must be positive")
	}
	if len(d.FileExtensionsPriority) == 0 {
		return fmt.Errorf("file_extensions_priority must not be empty")
	}
	return nil
}
