package predicate

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/predicatelabs/predicate-go/artifacts"
	"github.com/predicatelabs/predicate-go/snapshot"
)

// CaptchaConfig is the declarative slice of CAPTCHA options; handlers and
// reset hooks are code and are attached via SetCaptchaOptions.
type CaptchaConfig struct {
	Policy               string  `yaml:"policy"`
	MinConfidence        float64 `yaml:"min_confidence"`
	TimeoutMS            int     `yaml:"timeout_ms"`
	PollMS               int     `yaml:"poll_ms"`
	MaxRetriesNewSession int     `yaml:"max_retries_new_session"`
}

// BrowserConfig configures the launched browser.
type BrowserConfig struct {
	Headless       bool   `yaml:"headless"`
	ViewportWidth  int    `yaml:"viewport_width"`
	ViewportHeight int    `yaml:"viewport_height"`
	ProfileName    string `yaml:"profile_name"`
	ProfileDir     string `yaml:"profile_dir"`
}

// PermissionsConfig is the startup permission policy.
type PermissionsConfig struct {
	Default   string   `yaml:"default"`
	AutoGrant []string `yaml:"auto_grant"`
	Origin    string   `yaml:"origin"`
	Geolocation *struct {
		Latitude  float64 `yaml:"latitude"`
		Longitude float64 `yaml:"longitude"`
	} `yaml:"geolocation"`
}

// Config is the top-level runtime configuration.
type Config struct {
	// RunID identifies the run in traces and artifacts; empty generates one.
	RunID string `yaml:"run_id"`

	// TracePath receives the JSONL trace stream.
	TracePath string `yaml:"trace_path"`

	// APIKey enables refinement-service routing and artifact upload.
	APIKey string `yaml:"api_key"`

	Snapshot    *snapshot.Options  `yaml:"snapshot"`
	Artifacts   *artifacts.Options `yaml:"artifacts"`
	Captcha     *CaptchaConfig     `yaml:"captcha"`
	Browser     *BrowserConfig     `yaml:"browser"`
	Permissions *PermissionsConfig `yaml:"permissions"`

	// Model is the LLM model id for the executor.
	Model string `yaml:"model"`
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
