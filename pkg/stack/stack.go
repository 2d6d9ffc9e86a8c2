package stack

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/TLoveOps1/ironclaw/pkg/log"
)

// Config maps the optional stack.yaml overrides onto the environment the
// child services read.
type Config struct {
	LedgerAddr   string `yaml:"ledger_addr"`
	VaultAddr    string `yaml:"vault_addr"`
	WorkerAddr   string `yaml:"worker_addr"`
	COAddr       string `yaml:"co_addr"`
	ObserverAddr string `yaml:"observer_addr"`
	TheaterRoot  string `yaml:"theater_root"`
	Theater      string `yaml:"theater"`
}

// DefaultConfig returns the standard local port layout.
func DefaultConfig() Config {
	return Config{
		LedgerAddr:   ":8010",
		VaultAddr:    ":8011",
		WorkerAddr:   ":8012",
		COAddr:       ":8013",
		ObserverAddr: ":8014",
	}
}

// LoadConfig reads a stack.yaml, layering it over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read stack config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse stack config: %w", err)
	}
	return cfg, nil
}

type role struct {
	name       string
	addr       string
	healthPath string
}

// Supervisor launches the five services as child processes of this
// binary and tears them down together. It is a local development
// convenience, not a production process manager.
type Supervisor struct {
	cfg    Config
	logger zerolog.Logger
	procs  []*exec.Cmd
}

// NewSupervisor creates a Supervisor.
func NewSupervisor(cfg Config) *Supervisor {
	return &Supervisor{cfg: cfg, logger: log.WithComponent("stack")}
}

// Start spawns every role and waits for each health endpoint.
func (s *Supervisor) Start(ctx context.Context) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate binary: %w", err)
	}

	roles := []role{
		{name: "ledger", addr: s.cfg.LedgerAddr, healthPath: "/health"},
		{name: "vault", addr: s.cfg.VaultAddr, healthPath: "/health"},
		{name: "worker", addr: s.cfg.WorkerAddr, healthPath: "/health"},
		{name: "co", addr: s.cfg.COAddr, healthPath: "/health"},
		{name: "observer", addr: s.cfg.ObserverAddr, healthPath: "/healthz"},
	}

	env := os.Environ()
	env = append(env,
		"IRONCLAW_LEDGER_ADDR="+s.cfg.LedgerAddr,
		"IRONCLAW_VAULT_ADDR="+s.cfg.VaultAddr,
		"IRONCLAW_WORKER_ADDR="+s.cfg.WorkerAddr,
		"IRONCLAW_CO_ADDR="+s.cfg.COAddr,
		"IRONCLAW_OBSERVER_ADDR="+s.cfg.ObserverAddr,
		"IRONCLAW_LEDGER_URL="+localURL(s.cfg.LedgerAddr),
		"IRONCLAW_VAULT_URL="+localURL(s.cfg.VaultAddr),
		"IRONCLAW_WORKER_URL="+localURL(s.cfg.WorkerAddr),
	)
	if s.cfg.TheaterRoot != "" {
		env = append(env, "IRONCLAW_THEATER_ROOT="+s.cfg.TheaterRoot)
	}
	if s.cfg.Theater != "" {
		env = append(env, "IRONCLAW_THEATER="+s.cfg.Theater)
	}

	for _, r := range roles {
		cmd := exec.Command(self, r.name, "--log-json")
		cmd.Env = env
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			s.Stop()
			return fmt.Errorf("failed to start %s: %w", r.name, err)
		}
		s.procs = append(s.procs, cmd)
		s.logger.Info().Str("role", r.name).Int("pid", cmd.Process.Pid).Msg("service started")
	}

	for _, r := range roles {
		if err := waitHealthy(ctx, localURL(r.addr)+r.healthPath, 30*time.Second); err != nil {
			s.Stop()
			return fmt.Errorf("%s failed to become healthy: %w", r.name, err)
		}
		s.logger.Info().Str("role", r.name).Msg("service healthy")
	}
	return nil
}

// Stop kills every child process.
func (s *Supervisor) Stop() {
	for _, cmd := range s.procs {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
		}
	}
	s.procs = nil
}

func waitHealthy(ctx context.Context, url string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	hc := &http.Client{Timeout: 2 * time.Second}
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		resp, err := hc.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("timed out waiting for %s", url)
}

func localURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "http://127.0.0.1" + addr
	}
	return "http://" + addr
}
