package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Config is the root configuration for genbatch.
type Config struct {
	Run       RunConfig       `json:"run"`
	Target    TargetConfig    `json:"target"`
	Files     FilesConfig     `json:"files"`
	Browser   BrowserConfig   `json:"browser"`
	Gateway   GatewayConfig   `json:"gateway"`
	Events    EventsConfig    `json:"events"`
	Selectors SelectorsConfig `json:"selectors"`
}

// RunConfig holds the per-run timings consulted at run start and at every
// tab-recreation boundary.
type RunConfig struct {
	GenerationTimeout Seconds `json:"generation_timeout"`
	PageLoadTimeout   Seconds `json:"page_load_timeout"`
	InputTimeout      Seconds `json:"input_timeout"`
	StepDelay         Seconds `json:"step_delay"`
	TaskInterval      Seconds `json:"task_interval"`
	PollInterval      Seconds `json:"poll_interval"`
	SettleDelay       Seconds `json:"settle_delay"`
	DownloadTimeout   Seconds `json:"download_timeout"`
	MaxRetries        int     `json:"max_retries"`
	LockedURL         string  `json:"locked_url,omitempty"` // pin every task to this conversation
}

// TargetConfig describes the chat application the tool drives.
type TargetConfig struct {
	Host              string   `json:"host"`
	ConversationPaths []string `json:"conversation_paths"` // doublestar patterns on the URL path
}

// FilesConfig tunes download detection and validation.
type FilesConfig struct {
	ImagePatterns     []string `json:"image_patterns"`
	GeneratedPatterns []string `json:"generated_patterns"`
	ScanInterval      Seconds  `json:"scan_interval"`
	StabilityInterval Seconds  `json:"stability_interval"`
	StableReads       int      `json:"stable_reads"`
	WidenFraction     float64  `json:"widen_fraction"`
	SquareTolerance   float64  `json:"square_tolerance"`
	WideRatio         float64  `json:"wide_ratio"`
	WideTolerance     float64  `json:"wide_tolerance"`
}

// BrowserConfig selects how Chrome is reached.
type BrowserConfig struct {
	RemoteURL   string `json:"remote_url,omitempty"` // ws:// or http:// DevTools endpoint of a running Chrome
	ExecPath    string `json:"exec_path,omitempty"`
	UserDataDir string `json:"user_data_dir,omitempty"`
	Headless    bool   `json:"headless"`
}

// GatewayConfig holds the status server settings.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// EventsConfig holds event bus settings.
type EventsConfig struct {
	BufferSize int `json:"buffer_size"`
}

// SelectorsConfig lists, per page element, the CSS selectors tried in order.
type SelectorsConfig struct {
	Input          []string `json:"input"`
	Send           []string `json:"send"`
	Stop           []string `json:"stop"`
	PromptEcho     []string `json:"prompt_echo"`
	Response       []string `json:"response"`
	Busy           []string `json:"busy"`
	Image          []string `json:"image"`
	Download       []string `json:"download"`
	GlobalDownload []string `json:"global_download"`
	MenuDownload   []string `json:"menu_download"`
}

// Seconds is a positive duration expressed in config as a number of seconds
// or as a Go duration string ("90s", "2m").
type Seconds time.Duration

// Duration returns the value as a time.Duration.
func (s Seconds) Duration() time.Duration {
	return time.Duration(s)
}

// Secs converts a float number of seconds.
func Secs(v float64) Seconds {
	return Seconds(v * float64(time.Second))
}

func (s *Seconds) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if raw == "null" {
		*s = 0
		return nil
	}
	if len(raw) >= 2 && raw[0] == '"' && raw[len(raw)-1] == '"' {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		if f, err := strconv.ParseFloat(str, 64); err == nil {
			*s = Secs(f)
			return nil
		}
		d, err := time.ParseDuration(str)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", str, err)
		}
		*s = Seconds(d)
		return nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("invalid seconds %s: %w", raw, err)
	}
	*s = Secs(f)
	return nil
}

func (s Seconds) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatFloat(time.Duration(s).Seconds(), 'f', -1, 64)), nil
}
