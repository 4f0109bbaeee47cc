package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/tailscale/hujson"
)

var envTemplateRe = regexp.MustCompile(`\$\{\{\s*\.Env\.(\w+)\s*\}\}`)

// Load reads a JSONC config file, expands ${{ .Env.VAR }} templates,
// standardizes it to plain JSON, unmarshals it into Config and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand before standardizing, since templates live inside strings.
	expanded := expandEnvTemplates(string(data))

	std, err := hujson.Standardize([]byte(expanded))
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(std, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadOrDefault loads path, returning the defaults when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Default returns a config with every field at its default.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// expandEnvTemplates replaces ${{ .Env.VAR }} with the env var value.
func expandEnvTemplates(s string) string {
	return envTemplateRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envTemplateRe.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		return os.Getenv(parts[1])
	})
}

func orSeconds(v *Seconds, def float64) {
	if *v <= 0 {
		*v = Secs(def)
	}
}

func orFloat(v *float64, def float64) {
	if *v <= 0 {
		*v = def
	}
}

func orInt(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func orList(v *[]string, def ...string) {
	if len(*v) == 0 {
		*v = def
	}
}

// applyDefaults replaces absent or non-positive values with defaults.
func applyDefaults(cfg *Config) {
	r := &cfg.Run
	orSeconds(&r.GenerationTimeout, 180)
	orSeconds(&r.PageLoadTimeout, 30)
	orSeconds(&r.InputTimeout, 20)
	orSeconds(&r.StepDelay, 1)
	orSeconds(&r.TaskInterval, 5)
	orSeconds(&r.PollInterval, 1)
	orSeconds(&r.SettleDelay, 3)
	orSeconds(&r.DownloadTimeout, 90)
	orInt(&r.MaxRetries, 3)

	if cfg.Target.Host == "" {
		cfg.Target.Host = "gemini.google.com"
	}
	orList(&cfg.Target.ConversationPaths, "/app/*", "/u/*/app/*", "/gem/*/*")

	f := &cfg.Files
	orList(&f.ImagePatterns, "*.png", "*.jpg", "*.jpeg", "*.webp")
	orList(&f.GeneratedPatterns, "Gemini_Generated_Image_*")
	orSeconds(&f.ScanInterval, 0.5)
	orSeconds(&f.StabilityInterval, 0.5)
	orInt(&f.StableReads, 3)
	orFloat(&f.WidenFraction, 0.5)
	orFloat(&f.SquareTolerance, 0.15)
	orFloat(&f.WideRatio, 16.0/9.0)
	orFloat(&f.WideTolerance, 0.2)

	if cfg.Browser.UserDataDir == "" && cfg.Browser.RemoteURL == "" {
		cfg.Browser.UserDataDir = filepath.Join(HomePath(), "chrome")
	}

	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = "127.0.0.1"
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 18480
	}
	if cfg.Events.BufferSize == 0 {
		cfg.Events.BufferSize = 1024
	}

	applySelectorDefaults(&cfg.Selectors)
}

func applySelectorDefaults(s *SelectorsConfig) {
	orList(&s.Input,
		`rich-textarea .ql-editor[contenteditable="true"]`,
		`div.ql-editor[contenteditable="true"]`,
		`[contenteditable="true"][role="textbox"]`,
		`textarea`,
	)
	orList(&s.Send,
		`button.send-button`,
		`button[aria-label*="Send"]`,
		`button[data-test-id="send-button"]`,
	)
	orList(&s.Stop,
		`button.send-button.stop`,
		`button[aria-label*="Stop"]`,
	)
	orList(&s.PromptEcho,
		`user-query .query-text`,
		`user-query`,
		`.user-query-container`,
	)
	orList(&s.Response,
		`model-response`,
		`.model-response-container`,
		`response-container`,
	)
	orList(&s.Busy,
		`.loading`,
		`[aria-busy="true"]`,
		`mat-progress-bar`,
		`.generating`,
	)
	orList(&s.Image,
		`generated-image img`,
		`single-image img`,
		`img.image`,
	)
	orList(&s.Download,
		`button[data-test-id="download-generated-image-button"]`,
		`download-generated-image-button button`,
		`button[aria-label*="Download"]`,
	)
	orList(&s.GlobalDownload,
		`button[data-test-id="download-generated-image-button"]`,
		`button[aria-label*="Download full size"]`,
	)
	orList(&s.MenuDownload,
		`[role="menu"] button[aria-label*="Download"]`,
		`.mat-mdc-menu-content button`,
		`[role="menuitem"]`,
	)
}
