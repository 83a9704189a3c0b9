package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type GlobalFlags struct {
	ConfigPath     string
	JSON           bool
	Plain          bool
	Select         string
	ResultsOnly    bool
	EnableCommands string
	Strict         bool
	Timeout        string
	Retries        int
	MaxStale       string
	NoStale        bool
	NoCache        bool
	LogLevel       string
	AutoDeposit    bool
}

type Settings struct {
	OutputMode     string
	SelectFields   []string
	ResultsOnly    bool
	EnableCommands []string
	// Strict turns an incomplete plan (skipped assets) into an error.
	Strict          bool
	Timeout         time.Duration
	Retries         int
	MaxStale        time.Duration
	NoStale         bool
	CacheEnabled    bool
	CachePath       string
	CacheLockPath   string
	BalanceTTL      time.Duration
	RunStorePath    string
	RunLockPath     string
	LogLevel        string
	LogFormat       string
	MetricsTextfile string
	ZerionAPIKey    string
	LiFiAPIKey      string
	Integrator      string
	AutoDeposit     bool
	RPCOverrides    map[int64]string
}

type fileConfig struct {
	Output  string `yaml:"output"`
	Strict  *bool  `yaml:"strict"`
	Timeout string `yaml:"timeout"`
	Retries *int   `yaml:"retries"`
	Log     struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Cache struct {
		Enabled    *bool  `yaml:"enabled"`
		MaxStale   string `yaml:"max_stale"`
		BalanceTTL string `yaml:"balance_ttl"`
		Path       string `yaml:"path"`
		LockPath   string `yaml:"lock_path"`
	} `yaml:"cache"`
	Execution struct {
		RunsPath     string           `yaml:"runs_path"`
		RunsLockPath string           `yaml:"runs_lock_path"`
		AutoDeposit  *bool            `yaml:"auto_deposit"`
		RPC          map[int64]string `yaml:"rpc"`
	} `yaml:"execution"`
	Metrics struct {
		Textfile string `yaml:"textfile"`
	} `yaml:"metrics"`
	Providers struct {
		Zerion struct {
			APIKey    string `yaml:"api_key"`
			APIKeyEnv string `yaml:"api_key_env"`
		} `yaml:"zerion"`
		LiFi struct {
			APIKey     string `yaml:"api_key"`
			APIKeyEnv  string `yaml:"api_key_env"`
			Integrator string `yaml:"integrator"`
		} `yaml:"lifi"`
	} `yaml:"providers"`
}

func Load(flags GlobalFlags) (Settings, error) {
	settings, err := defaultSettings()
	if err != nil {
		return Settings{}, err
	}

	cfgPath, err := resolveConfigPath(flags.ConfigPath)
	if err != nil {
		return Settings{}, err
	}

	if err := applyFileConfig(cfgPath, &settings); err != nil {
		return Settings{}, err
	}

	applyEnv(&settings)

	if err := applyFlags(flags, &settings); err != nil {
		return Settings{}, err
	}

	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 30 * time.Second
	}
	if settings.Retries < 0 {
		settings.Retries = 0
	}
	if settings.MaxStale < 0 {
		settings.MaxStale = 5 * time.Minute
	}
	if settings.BalanceTTL <= 0 {
		settings.BalanceTTL = 60 * time.Second
	}
	if strings.TrimSpace(settings.Integrator) == "" {
		settings.Integrator = DefaultIntegrator
	}

	return settings, nil
}

// DefaultIntegrator is the id the routing service attributes fees to.
const DefaultIntegrator = "stoneplace"

func defaultSettings() (Settings, error) {
	cachePath, lockPath, err := defaultCachePaths()
	if err != nil {
		return Settings{}, err
	}
	cacheDir := filepath.Dir(cachePath)
	return Settings{
		OutputMode:    "json",
		Timeout:       30 * time.Second,
		Retries:       2,
		MaxStale:      5 * time.Minute,
		CacheEnabled:  true,
		CachePath:     cachePath,
		CacheLockPath: lockPath,
		BalanceTTL:    60 * time.Second,
		RunStorePath:  filepath.Join(cacheDir, "runs.db"),
		RunLockPath:   filepath.Join(cacheDir, "runs.lock"),
		LogLevel:      "warn",
		LogFormat:     "console",
		Integrator:    DefaultIntegrator,
		RPCOverrides:  map[int64]string{},
	}, nil
}

func resolveConfigPath(input string) (string, error) {
	if strings.TrimSpace(input) != "" {
		return input, nil
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "boundless", "config.yaml"), nil
}

func defaultCachePaths() (string, string, error) {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", "", err
		}
		base = filepath.Join(home, ".cache")
	}
	dir := filepath.Join(base, "boundless")
	return filepath.Join(dir, "cache.db"), filepath.Join(dir, "cache.lock"), nil
}

func applyFileConfig(path string, settings *Settings) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}

	if cfg.Output != "" {
		settings.OutputMode = strings.ToLower(cfg.Output)
	}
	if cfg.Strict != nil {
		settings.Strict = *cfg.Strict
	}
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return fmt.Errorf("config timeout: %w", err)
		}
		settings.Timeout = d
	}
	if cfg.Retries != nil {
		settings.Retries = *cfg.Retries
	}
	if cfg.Log.Level != "" {
		settings.LogLevel = cfg.Log.Level
	}
	if cfg.Log.Format != "" {
		settings.LogFormat = strings.ToLower(cfg.Log.Format)
	}
	if cfg.Cache.Enabled != nil {
		settings.CacheEnabled = *cfg.Cache.Enabled
	}
	if cfg.Cache.MaxStale != "" {
		d, err := time.ParseDuration(cfg.Cache.MaxStale)
		if err != nil {
			return fmt.Errorf("config cache.max_stale: %w", err)
		}
		settings.MaxStale = d
	}
	if cfg.Cache.BalanceTTL != "" {
		d, err := time.ParseDuration(cfg.Cache.BalanceTTL)
		if err != nil {
			return fmt.Errorf("config cache.balance_ttl: %w", err)
		}
		settings.BalanceTTL = d
	}
	if cfg.Cache.Path != "" {
		settings.CachePath = cfg.Cache.Path
	}
	if cfg.Cache.LockPath != "" {
		settings.CacheLockPath = cfg.Cache.LockPath
	}
	if cfg.Execution.RunsPath != "" {
		settings.RunStorePath = cfg.Execution.RunsPath
	}
	if cfg.Execution.RunsLockPath != "" {
		settings.RunLockPath = cfg.Execution.RunsLockPath
	}
	if cfg.Execution.AutoDeposit != nil {
		settings.AutoDeposit = *cfg.Execution.AutoDeposit
	}
	for chainID, rpcURL := range cfg.Execution.RPC {
		if strings.TrimSpace(rpcURL) != "" {
			settings.RPCOverrides[chainID] = strings.TrimSpace(rpcURL)
		}
	}
	if cfg.Metrics.Textfile != "" {
		settings.MetricsTextfile = cfg.Metrics.Textfile
	}
	if cfg.Providers.Zerion.APIKey != "" {
		settings.ZerionAPIKey = cfg.Providers.Zerion.APIKey
	}
	if cfg.Providers.Zerion.APIKeyEnv != "" {
		settings.ZerionAPIKey = os.Getenv(cfg.Providers.Zerion.APIKeyEnv)
	}
	if cfg.Providers.LiFi.APIKey != "" {
		settings.LiFiAPIKey = cfg.Providers.LiFi.APIKey
	}
	if cfg.Providers.LiFi.APIKeyEnv != "" {
		settings.LiFiAPIKey = os.Getenv(cfg.Providers.LiFi.APIKeyEnv)
	}
	if cfg.Providers.LiFi.Integrator != "" {
		settings.Integrator = cfg.Providers.LiFi.Integrator
	}

	return nil
}

const rpcEnvPrefix = "BOUNDLESS_RPC_"

func applyEnv(settings *Settings) {
	if v := os.Getenv("BOUNDLESS_OUTPUT"); v != "" {
		settings.OutputMode = strings.ToLower(v)
	}
	if v := os.Getenv("BOUNDLESS_STRICT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.Strict = b
		}
	}
	if v := os.Getenv("BOUNDLESS_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.Timeout = d
		}
	}
	if v := os.Getenv("BOUNDLESS_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.Retries = n
		}
	}
	if v := os.Getenv("BOUNDLESS_MAX_STALE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.MaxStale = d
		}
	}
	if v := os.Getenv("BOUNDLESS_NO_STALE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.NoStale = b
		}
	}
	if v := os.Getenv("BOUNDLESS_NO_CACHE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.CacheEnabled = !b
		}
	}
	if v := os.Getenv("BOUNDLESS_BALANCE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.BalanceTTL = d
		}
	}
	if v := os.Getenv("BOUNDLESS_CACHE_PATH"); v != "" {
		settings.CachePath = v
	}
	if v := os.Getenv("BOUNDLESS_CACHE_LOCK_PATH"); v != "" {
		settings.CacheLockPath = v
	}
	if v := os.Getenv("BOUNDLESS_RUNS_PATH"); v != "" {
		settings.RunStorePath = v
	}
	if v := os.Getenv("BOUNDLESS_RUNS_LOCK_PATH"); v != "" {
		settings.RunLockPath = v
	}
	if v := os.Getenv("BOUNDLESS_LOG_LEVEL"); v != "" {
		settings.LogLevel = v
	}
	if v := os.Getenv("BOUNDLESS_LOG_FORMAT"); v != "" {
		settings.LogFormat = strings.ToLower(v)
	}
	if v := os.Getenv("BOUNDLESS_METRICS_TEXTFILE"); v != "" {
		settings.MetricsTextfile = v
	}
	if v := os.Getenv("BOUNDLESS_ZERION_API_KEY"); v != "" {
		settings.ZerionAPIKey = v
	}
	if v := os.Getenv("BOUNDLESS_LIFI_API_KEY"); v != "" {
		settings.LiFiAPIKey = v
	}
	if v := os.Getenv("BOUNDLESS_INTEGRATOR"); v != "" {
		settings.Integrator = v
	}
	if v := os.Getenv("BOUNDLESS_AUTO_DEPOSIT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.AutoDeposit = b
		}
	}
	// BOUNDLESS_RPC_<chain id>=<url>
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, rpcEnvPrefix) || strings.TrimSpace(value) == "" {
			continue
		}
		chainID, err := strconv.ParseInt(strings.TrimPrefix(name, rpcEnvPrefix), 10, 64)
		if err != nil || chainID <= 0 {
			continue
		}
		settings.RPCOverrides[chainID] = strings.TrimSpace(value)
	}
}

func applyFlags(flags GlobalFlags, settings *Settings) error {
	if flags.JSON && flags.Plain {
		return fmt.Errorf("cannot use --json and --plain together")
	}
	if flags.JSON {
		settings.OutputMode = "json"
	}
	if flags.Plain {
		settings.OutputMode = "plain"
	}
	if fields := splitList(flags.Select); len(fields) > 0 {
		settings.SelectFields = fields
	}
	settings.ResultsOnly = flags.ResultsOnly

	if allowed := splitList(flags.EnableCommands); len(allowed) > 0 {
		settings.EnableCommands = allowed
	}

	if flags.Strict {
		settings.Strict = true
	}
	if flags.Timeout != "" {
		d, err := time.ParseDuration(flags.Timeout)
		if err != nil {
			return fmt.Errorf("parse --timeout: %w", err)
		}
		settings.Timeout = d
	}
	if flags.Retries >= 0 {
		settings.Retries = flags.Retries
	}
	if flags.MaxStale != "" {
		d, err := time.ParseDuration(flags.MaxStale)
		if err != nil {
			return fmt.Errorf("parse --max-stale: %w", err)
		}
		settings.MaxStale = d
	}
	if flags.NoStale {
		settings.NoStale = true
	}
	if flags.NoCache {
		settings.CacheEnabled = false
	}
	if flags.LogLevel != "" {
		settings.LogLevel = flags.LogLevel
	}
	if flags.AutoDeposit {
		settings.AutoDeposit = true
	}

	if settings.OutputMode != "json" && settings.OutputMode != "plain" {
		return fmt.Errorf("output must be json or plain")
	}
	if settings.LogFormat != "console" && settings.LogFormat != "json" {
		return fmt.Errorf("log format must be console or json")
	}

	return nil
}

func splitList(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
