package conductor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/TLoveOps1/ironclaw/pkg/types"
)

// ErrBadRequest marks a caller mistake: unknown model profile or a model
// override outside the allowlist. Surfaced as HTTP 400.
var ErrBadRequest = errors.New("bad_request")

// ResolvePolicy loads the theater's model policy, looks up the requested
// profile, and merges the caller overrides. A `model` override must be in
// allowlist_models; temperature and max_tokens copy through; unknown keys
// are ignored. The resolved config carries profile_name.
func ResolvePolicy(theaterRoot, theater, profile string, overrides map[string]interface{}) (types.ModelConfig, error) {
	policyPath := filepath.Join(theaterRoot, theater, "repo", "policy", "model_policy.json")
	if _, err := os.Stat(policyPath); err != nil {
		policyPath = filepath.Join(theaterRoot, "default", "repo", "policy", "model_policy.json")
	}

	data, err := os.ReadFile(policyPath)
	if err != nil {
		return nil, fmt.Errorf("model policy not found for theater %s: %w", theater, err)
	}
	var policy types.ModelPolicy
	if err := json.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("failed to parse model policy: %w", err)
	}

	prof, ok := policy.Profiles[profile]
	if !ok {
		return nil, fmt.Errorf("%w: unknown model profile: %s", ErrBadRequest, profile)
	}

	cfg := types.ModelConfig{
		"model":       prof.Model,
		"temperature": prof.Temperature,
		"max_tokens":  prof.MaxTokens,
	}

	if m, ok := overrides["model"]; ok {
		name, _ := m.(string)
		if !contains(policy.AllowlistModels, name) {
			return nil, fmt.Errorf("%w: model %s not in allowlist", ErrBadRequest, name)
		}
		cfg["model"] = name
	}
	if t, ok := overrides["temperature"]; ok {
		cfg["temperature"] = t
	}
	if mt, ok := overrides["max_tokens"]; ok {
		cfg["max_tokens"] = mt
	}

	cfg["profile_name"] = profile
	return cfg, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
