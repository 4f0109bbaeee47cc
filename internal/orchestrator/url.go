package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/dohr-michael/genbatch/internal/config"
	"github.com/dohr-michael/genbatch/internal/failure"
)

// ErrNoConversation is returned when the active tab is not a conversation.
var ErrNoConversation = errors.New("active tab is not a conversation")

// ValidateConversationURL checks that raw is on the target host and
// addresses a specific conversation rather than a fresh chat.
func ValidateConversationURL(raw string, target config.TargetConfig) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse %q: %w", raw, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("%q is not a web page", raw)
	}
	if !strings.EqualFold(u.Hostname(), target.Host) {
		return fmt.Errorf("%q is not on %s", raw, target.Host)
	}
	path := strings.TrimSuffix(u.Path, "/")
	for _, pattern := range target.ConversationPaths {
		if ok, _ := doublestar.Match(pattern, path); ok {
			return nil
		}
	}
	return fmt.Errorf("%q does not reference a conversation", raw)
}

// resolveURL returns the locked URL when configured, otherwise the active
// tab's URL. Either must pass ValidateConversationURL.
func resolveURL(ctx context.Context, b Browser, cfg *config.Config) (string, error) {
	if locked := cfg.Run.LockedURL; locked != "" {
		if err := ValidateConversationURL(locked, cfg.Target); err != nil {
			return "", failure.Wrap(failure.KindLockedURLMismatch, "locked url", err)
		}
		return locked, nil
	}

	active, err := b.ActiveURL(ctx)
	if err != nil {
		return "", fmt.Errorf("read active tab: %w", err)
	}
	if err := ValidateConversationURL(active, cfg.Target); err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoConversation, err)
	}
	return active, nil
}
