package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/TLoveOps1/ironclaw/pkg/types"
)

// Inputs are the canonical model-call inputs the cache key is built from.
// order_id and run_id are deliberately absent: two callers asking the same
// question share results.
type Inputs struct {
	ModelID        string                 `json:"model_id"`
	ProfileName    string                 `json:"profile_name"`
	Prompt         string                 `json:"prompt"`
	TemplateCommit string                 `json:"template_commit"`
	Overrides      map[string]interface{} `json:"overrides"`
}

// Compute returns the hex SHA-256 over the canonical JSON of the inputs.
// The prompt is normalized (whitespace-trimmed) before hashing; overrides
// exclude model and profile_name since those are already first-class keys.
func Compute(cfg types.ModelConfig, prompt, templateCommit string) string {
	overrides := make(map[string]interface{}, len(cfg))
	for k, v := range cfg {
		if k == "model" || k == "profile_name" {
			continue
		}
		overrides[k] = v
	}

	in := Inputs{
		ModelID:        cfg.Model(),
		ProfileName:    cfg.ProfileName(),
		Prompt:         Normalize(prompt),
		TemplateCommit: templateCommit,
		Overrides:      overrides,
	}

	// encoding/json sorts map keys, which makes the encoding canonical.
	data, _ := json.Marshal(in)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Normalize is the prompt normalization applied before hashing.
func Normalize(prompt string) string {
	return strings.TrimSpace(prompt)
}
