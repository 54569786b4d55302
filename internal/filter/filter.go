// Package filter implements the content filter stage: a time-window gated
// policy over destination domains and file types.
package filter

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	"ahc-proxy-go/internal/config"
	"ahc-proxy-go/internal/model"
)

var socialMediaDomains = map[string]struct{}{
	"facebook.com": {}, "www.facebook.com": {},
	"twitter.com": {}, "www.twitter.com": {}, "x.com": {},
	"instagram.com": {}, "www.instagram.com": {},
	"tiktok.com": {}, "www.tiktok.com": {},
	"linkedin.com": {}, "www.linkedin.com": {},
}

var streamingDomains = map[string]struct{}{
	"youtube.com": {}, "www.youtube.com": {},
	"netflix.com": {}, "www.netflix.com": {},
	"twitch.tv": {}, "www.twitch.tv": {},
	"hulu.com": {}, "www.hulu.com": {},
}

var executableExtensions = []string{".exe", ".msi", ".dmg", ".deb"}

// Rule names reported with a Decision, also used as metric labels.
const (
	RuleSocialMedia = "social_media"
	RuleStreaming   = "streaming"
	RuleExecutable  = "executable"
)

// The reason strings keep the advertised 9 AM - 5 PM wording even though the
// enforced window defaults to 09:00-20:00.
const (
	reasonSocialMedia = "Social media blocked during work hours (9 AM - 5 PM)"
	reasonStreaming   = "Streaming services blocked during work hours (9 AM - 5 PM)"
	reasonExecutable  = "Executable downloads blocked during work hours"
)

var errNoHost = errors.New("filter: request carries no host")

// Decision is the outcome of evaluating a request.
type Decision struct {
	Blocked bool
	Rule    string
	Reason  string
}

// Allow is the zero Decision.
var Allow = Decision{}

// Policy toggles the individual rules.
type Policy struct {
	BlockSocialMedia bool
	BlockStreaming   bool
	BlockExecutables bool
}

// Filter evaluates requests against a Policy. It is stateless apart from its
// configuration and safe for concurrent use.
type Filter struct {
	enabled     bool
	policy      Policy
	windowStart time.Duration
	windowEnd   time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// New creates a Filter from the [filter] configuration section.
func New(cfg *config.Config, logger *slog.Logger) *Filter {
	start, end := cfg.Filter.Window()
	return &Filter{
		enabled: cfg.Filter.Enabled,
		policy: Policy{
			BlockSocialMedia: cfg.Filter.BlockSocialMedia,
			BlockStreaming:   cfg.Filter.BlockStreaming,
			BlockExecutables: cfg.Filter.BlockExecutables,
		},
		windowStart: start,
		windowEnd:   end,
		now:         time.Now,
		logger:      logger.With("component", "filter"),
	}
}

// Enabled reports whether requests should carry the content filter stage.
func (f *Filter) Enabled() bool {
	return f.enabled
}

// Evaluate applies the social media, streaming and executable rules in that
// order. The first matching rule wins. Any failure to inspect the request
// yields Allow.
func (f *Filter) Evaluate(req *model.ForwardRequest) (d Decision) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("content filter panic, allowing request", "panic", r)
			d = Allow
		}
	}()

	host, path, err := extract(req)
	if err != nil {
		f.logger.Warn("content filter could not inspect request, allowing", "error", err)
		return Allow
	}
	f.logger.Debug("evaluating content filter", "host", host, "path", path)

	inWindow := f.inWindow(f.now())

	if f.policy.BlockSocialMedia && inWindow {
		if _, ok := socialMediaDomains[host]; ok {
			return Decision{Blocked: true, Rule: RuleSocialMedia, Reason: reasonSocialMedia}
		}
	}
	if f.policy.BlockStreaming && inWindow {
		if _, ok := streamingDomains[host]; ok {
			return Decision{Blocked: true, Rule: RuleStreaming, Reason: reasonStreaming}
		}
	}
	if f.policy.BlockExecutables && inWindow {
		lower := strings.ToLower(path)
		for _, ext := range executableExtensions {
			if strings.HasSuffix(lower, ext) {
				return Decision{Blocked: true, Rule: RuleExecutable, Reason: reasonExecutable}
			}
		}
	}
	return Allow
}

// inWindow reports whether t falls strictly inside the restricted window.
// Both bounds are exclusive.
func (f *Filter) inWindow(t time.Time) bool {
	since := time.Duration(t.Hour())*time.Hour +
		time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second +
		time.Duration(t.Nanosecond())
	return since > f.windowStart && since < f.windowEnd
}

// extract returns the lower-cased host (port stripped) and the path of req.
func extract(req *model.ForwardRequest) (host, path string, err error) {
	switch req.Protocol {
	case model.HTTP2:
		host = req.Authority
		path = req.Target
		if i := strings.IndexAny(path, "?#"); i >= 0 {
			path = path[:i]
		}
	default:
		u, perr := url.ParseRequestURI(req.Target)
		if perr != nil && !req.IsConnect() {
			return "", "", fmt.Errorf("filter: parse target %q: %w", req.Target, perr)
		}
		if u != nil {
			path = u.Path
		}
		host = req.Header.Get("Host")
		if host == "" {
			switch {
			case req.IsConnect():
				host = req.Target
			case u.IsAbs():
				host = u.Host
			}
		}
	}

	if host == "" {
		return "", "", errNoHost
	}
	return normalizeHost(host), path, nil
}

func normalizeHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(host)
}
