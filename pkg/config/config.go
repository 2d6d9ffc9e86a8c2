package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// LoadDotenv loads a .env file if present. Missing files are not an error;
// the environment always wins over file values.
func LoadDotenv(paths ...string) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
		}
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

// Ledger holds the ledger service configuration.
type Ledger struct {
	Addr    string
	DataDir string
}

// LoadLedger reads ledger config from the environment.
func LoadLedger() Ledger {
	return Ledger{
		Addr:    envStr("IRONCLAW_LEDGER_ADDR", ":8010"),
		DataDir: envStr("IRONCLAW_LEDGER_DATA_DIR", "./data/ledger"),
	}
}

// Vault holds the vault service configuration.
type Vault struct {
	Addr        string
	TheaterRoot string
}

// LoadVault reads vault config from the environment.
func LoadVault() Vault {
	return Vault{
		Addr:        envStr("IRONCLAW_VAULT_ADDR", ":8011"),
		TheaterRoot: envStr("IRONCLAW_THEATER_ROOT", "./theaters"),
	}
}

// Worker holds the worker service configuration.
type Worker struct {
	Addr        string
	TheaterRoot string
	LedgerURL   string

	ModelBaseURL string
	ModelAPIKey  string
	ModelRetries int
	ModelTimeout int // seconds, per attempt
}

// LoadWorker reads worker config from the environment.
func LoadWorker() Worker {
	return Worker{
		Addr:         envStr("IRONCLAW_WORKER_ADDR", ":8012"),
		TheaterRoot:  envStr("IRONCLAW_THEATER_ROOT", "./theaters"),
		LedgerURL:    envStr("IRONCLAW_LEDGER_URL", "http://127.0.0.1:8010"),
		ModelBaseURL: envStr("IRONCLAW_MODEL_BASE_URL", "https://api.openai.com/v1"),
		ModelAPIKey:  envStr("IRONCLAW_MODEL_API_KEY", ""),
		ModelRetries: envInt("IRONCLAW_MODEL_RETRIES", 3),
		ModelTimeout: envInt("IRONCLAW_MODEL_TIMEOUT_SECONDS", 60),
	}
}

// Conductor holds the CO service configuration.
type Conductor struct {
	Addr        string
	TheaterRoot string
	Theater     string
	LedgerURL   string
	VaultURL    string
	WorkerURL   string

	KeepWorktree       bool
	StallSeconds       int
	HardTimeoutSeconds int
	DefaultProfile     string
}

// LoadConductor reads conductor config from the environment.
func LoadConductor() Conductor {
	return Conductor{
		Addr:               envStr("IRONCLAW_CO_ADDR", ":8013"),
		TheaterRoot:        envStr("IRONCLAW_THEATER_ROOT", "./theaters"),
		Theater:            envStr("IRONCLAW_THEATER", "demo"),
		LedgerURL:          envStr("IRONCLAW_LEDGER_URL", "http://127.0.0.1:8010"),
		VaultURL:           envStr("IRONCLAW_VAULT_URL", "http://127.0.0.1:8011"),
		WorkerURL:          envStr("IRONCLAW_WORKER_URL", "http://127.0.0.1:8012"),
		KeepWorktree:       envBool("IRONCLAW_KEEP_WORKTREE", false),
		StallSeconds:       envInt("IRONCLAW_STALL_SECONDS", 300),
		HardTimeoutSeconds: envInt("IRONCLAW_HARD_TIMEOUT_SECONDS", 900),
		DefaultProfile:     envStr("IRONCLAW_DEFAULT_PROFILE", "executor_default"),
	}
}

// Observer holds the observer service configuration.
type Observer struct {
	Addr        string
	TheaterRoot string
	Theater     string
	LedgerURL   string
	VaultURL    string

	StallSeconds        int
	PollIntervalSeconds int
	DedupeTTLSeconds    int
	EnableVaultCleanup  bool
	AlertsPath          string
}

// LoadObserver reads observer config from the environment.
func LoadObserver() Observer {
	return Observer{
		Addr:                envStr("IRONCLAW_OBSERVER_ADDR", ":8014"),
		TheaterRoot:         envStr("IRONCLAW_THEATER_ROOT", "./theaters"),
		Theater:             envStr("IRONCLAW_THEATER", "demo"),
		LedgerURL:           envStr("IRONCLAW_LEDGER_URL", "http://127.0.0.1:8010"),
		VaultURL:            envStr("IRONCLAW_VAULT_URL", "http://127.0.0.1:8011"),
		StallSeconds:        envInt("IRONCLAW_OBSERVER_STALL_SECONDS", 1800),
		PollIntervalSeconds: envInt("IRONCLAW_POLL_INTERVAL_SECONDS", 30),
		DedupeTTLSeconds:    envInt("IRONCLAW_DEDUPE_TTL_SECONDS", 3600),
		EnableVaultCleanup:  envBool("IRONCLAW_ENABLE_VAULT_CLEANUP", false),
		AlertsPath:          envStr("IRONCLAW_ALERTS_PATH", "./data/observer/alerts.jsonl"),
	}
}
