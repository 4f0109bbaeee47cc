package automator

import (
	"net/url"
	"strings"
)

// SameConversation reports whether two URLs address the same conversation:
// same host and same path, ignoring query, fragment and a trailing slash.
func SameConversation(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	return strings.EqualFold(ua.Host, ub.Host) &&
		strings.TrimSuffix(ua.Path, "/") == strings.TrimSuffix(ub.Path, "/")
}
