// Package config loads broker configuration from the environment (secrets,
// endpoints) and an optional YAML file (statically declared workers and
// channel subscriptions).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration struct, bound from environment variables.
type Config struct {
	RelayAPIKey          string        `env:"RELAY_API_KEY"`
	RelayBaseURL         string        `env:"RELAY_BASE_URL" envDefault:"https://relay.example.com"`
	RelayAgentName       string        `env:"RELAY_AGENT_NAME" envDefault:"broker"`
	RelayChannels        []string      `env:"RELAY_CHANNELS" envSeparator:","`
	RelayStrictAgentName bool          `env:"RELAY_STRICT_AGENT_NAME"`
	RelaycastBaseURL     string        `env:"RELAYCAST_BASE_URL"`
	RelaycastWSURL       string        `env:"RELAYCAST_WS_URL"`

	DeliveryRetryInterval time.Duration `env:"AGENT_RELAY_DELIVERY_RETRY_MS" envDefault:"1000ms"`

	// DigestCron, when non-empty, enables the scheduled fleet-status digest.
	// Empty disables it.
	DigestCron string `env:"AGENT_RELAY_DIGEST_CRON" envDefault:""`

	// CrashAdvisorProvider selects the LLM backend for the crash insight
	// advisor: "anthropic", "openai", or "" (disabled —
	// classification still runs, just without the LLM paragraph).
	CrashAdvisorProvider string `env:"AGENT_RELAY_CRASH_ADVISOR" envDefault:""`
	CrashAdvisorAPIKey   string `env:"AGENT_RELAY_CRASH_ADVISOR_API_KEY"`
	CrashAdvisorModel    string `env:"AGENT_RELAY_CRASH_ADVISOR_MODEL"`

	ProjectDir string `env:"AGENT_RELAY_PROJECT_DIR" envDefault:"."`

	// MaxConcurrentSpawns bounds how many spawn_wrap calls the Spawner runs
	// at once, via a resilience.Bulkhead; a burst of spawn_agent events
	// beyond this queues rather than forking unboundedly.
	MaxConcurrentSpawns int `env:"AGENT_RELAY_MAX_CONCURRENT_SPAWNS" envDefault:"8"`

	// ReleaseGrace is how long release() waits for a graceful exit before
	// escalating to SIGKILL.
	ReleaseGrace time.Duration `env:"AGENT_RELAY_RELEASE_GRACE" envDefault:"2s"`
}

const minDeliveryRetryInterval = 50 * time.Millisecond

// Load reads configuration from the environment, applying the minimum-floor
// rule on AGENT_RELAY_DELIVERY_RETRY_MS.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if cfg.DeliveryRetryInterval < minDeliveryRetryInterval {
		cfg.DeliveryRetryInterval = minDeliveryRetryInterval
	}
	return cfg, nil
}

// AgentSpec is one statically declared worker in agents.yaml.
type AgentSpec struct {
	Name     string   `yaml:"name"`
	CLI      string   `yaml:"cli"`
	Args     []string `yaml:"args"`
	Channels []string `yaml:"channels"`
	Owner    string   `yaml:"owner"`
}

// AgentsFile is the top-level shape of agents.yaml.
type AgentsFile struct {
	Agents []AgentSpec `yaml:"agents"`
}

// LoadAgentsFile reads and parses a declarative agents.yaml. A missing file
// is not an error — it returns an empty AgentsFile, since static
// pre-declaration is optional.
func LoadAgentsFile(path string) (*AgentsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &AgentsFile{}, nil
		}
		return nil, fmt.Errorf("read agents file %s: %w", path, err)
	}
	var af AgentsFile
	if err := yaml.Unmarshal(data, &af); err != nil {
		return nil, fmt.Errorf("parse agents file %s: %w", path, err)
	}
	return &af, nil
}
