package taxchat

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mashiike/taxchat/jsonnetutil"
)

const (
	DefaultProvider = "bedrock"
	DefaultModelID  = "anthropic.claude-3-5-sonnet-20240620-v1:0"
)

// Config selects the backend model and the persona. It is read from an
// optional Jsonnet (or JSON) file; flags override individual fields.
type Config struct {
	Provider             string         `json:"provider,omitempty"`
	ModelID              string         `json:"model_id,omitempty"`
	ModelParams          map[string]any `json:"model_params,omitempty"`
	SystemPrompt         string         `json:"system_prompt,omitempty"`
	SystemPromptTemplate string         `json:"system_prompt_template,omitempty"`
	SystemPromptVars     map[string]any `json:"system_prompt_vars,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Provider: DefaultProvider,
		ModelID:  DefaultModelID,
		ModelParams: map[string]any{
			"max_tokens": float64(4096),
		},
	}
}

// LoadConfig evaluates the file at path over the defaults. Files next to it
// are importable as '@includes/<name>'.
func LoadConfig(path string, extVars map[string]string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	vm := jsonnetutil.MakeVM()
	vm.ExtVars(extVars)
	dir := filepath.Dir(path)
	fsys := os.DirFS(dir)
	vm.Includes(fsys)
	jsonStr, err := vm.EvaluateFile(fsys, filepath.Base(path))
	if err != nil {
		return nil, fmt.Errorf("evaluate config: %w", err)
	}
	if err := cfg.UnmarshalJSONString(jsonStr); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) UnmarshalJSONString(jsonStr string) error {
	var loaded Config
	if err := json.Unmarshal([]byte(jsonStr), &loaded); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	if loaded.Provider != "" {
		cfg.Provider = loaded.Provider
	}
	if loaded.ModelID != "" {
		cfg.ModelID = loaded.ModelID
	}
	if loaded.ModelParams != nil {
		cfg.ModelParams = loaded.ModelParams
	}
	cfg.SystemPrompt = loaded.SystemPrompt
	cfg.SystemPromptTemplate = loaded.SystemPromptTemplate
	cfg.SystemPromptVars = loaded.SystemPromptVars
	return nil
}

// RenderSystemPrompt returns the literal system_prompt when set, otherwise
// renders system_prompt_template (or the default persona).
func (cfg *Config) RenderSystemPrompt() (string, error) {
	if cfg.SystemPrompt != "" {
		return cfg.SystemPrompt, nil
	}
	return RenderSystemPrompt(cfg.SystemPromptTemplate, cfg.SystemPromptVars)
}
