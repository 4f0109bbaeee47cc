package files

import (
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/dohr-michael/genbatch/internal/config"
)

// Options tunes download detection and validation.
type Options struct {
	ImagePatterns     []string
	GeneratedPatterns []string
	ScanInterval      time.Duration
	StabilityInterval time.Duration
	StableReads       int
	Timeout           time.Duration
	WidenFraction     float64
	SquareTolerance   float64
	WideRatio         float64
	WideTolerance     float64
}

// OptionsFromConfig builds Options from a defaulted config.
func OptionsFromConfig(cfg *config.Config) Options {
	f := cfg.Files
	return Options{
		ImagePatterns:     f.ImagePatterns,
		GeneratedPatterns: f.GeneratedPatterns,
		ScanInterval:      f.ScanInterval.Duration(),
		StabilityInterval: f.StabilityInterval.Duration(),
		StableReads:       f.StableReads,
		Timeout:           cfg.Run.DownloadTimeout.Duration(),
		WidenFraction:     f.WidenFraction,
		SquareTolerance:   f.SquareTolerance,
		WideRatio:         f.WideRatio,
		WideTolerance:     f.WideTolerance,
	}
}

// isImage reports whether name carries an image extension. Matching is
// case-insensitive.
func (o Options) isImage(name string) bool {
	return matchAny(o.ImagePatterns, name)
}

// isGenerated reports whether name follows the host's generated-image naming.
func (o Options) isGenerated(name string) bool {
	return matchAny(o.GeneratedPatterns, name)
}

func matchAny(patterns []string, name string) bool {
	lower := strings.ToLower(name)
	for _, p := range patterns {
		if ok, _ := doublestar.Match(strings.ToLower(p), lower); ok {
			return true
		}
	}
	return false
}
