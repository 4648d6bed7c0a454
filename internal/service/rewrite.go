// Package service implements content classification and sub-resource URL rewriting.
package service

import (
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"github.com/ExoticCitron/Hianime-proxy-revamp/internal/metrics"
	"github.com/ExoticCitron/Hianime-proxy-revamp/internal/model"
)

// rewritePrefix is the literal prefix of every rewritten sub-resource URL,
// routing the follow-up request back through this proxy.
const rewritePrefix = "/fetch?url="

// playlistMarker must open every real HLS playlist body.
const playlistMarker = "#EXTM3U"

// absoluteURLPattern matches whole-line absolute URLs (http, https, ftp) and
// scheme-relative references.
var absoluteURLPattern = regexp.MustCompile(`(?i)^(?:(?:https?|ftp):)?//\S+$`)

// subtitleImagePattern matches thumbnail-sprite filenames in WebVTT bodies.
// Only the .jpg extension is matched, lowercase.
var subtitleImagePattern = regexp.MustCompile(`\S+\.jpg`)

// playlistContentTypes are matched as case-sensitive substrings of the
// declared content type. application/x-mpegurl is handled separately, in any
// case.
var playlistContentTypes = []string{
	"application/vnd.apple.mpegurl",
	"video/MP2T",
	"audio/mpegurl",
	"audio/x-mpegurl",
}

// Rewrite strategy labels, also used as metric label values.
const (
	strategySubtitle    = "subtitle"
	strategyPlaylist    = "playlist"
	strategyPassthrough = "passthrough"
)

// Rewriter classifies upstream responses by declared content type and
// rewrites embedded sub-resource references to route back through the proxy.
type Rewriter struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRewriter creates a Rewriter. The metrics parameter is optional; pass nil
// to disable rewrite metrics recording.
func NewRewriter(logger *slog.Logger, m *metrics.Metrics) *Rewriter {
	return &Rewriter{
		logger:  logger.With("component", "rewriter"),
		metrics: m,
	}
}

// rewriteContext holds the URL-resolution bases derived from the target URL.
// It is recomputed for every request; different requests may target different
// origins.
type rewriteContext struct {
	origin string // scheme://host of the target URL
	dir    string // target URL up to and including the last "/"
}

func newRewriteContext(targetURL string) rewriteContext {
	var rc rewriteContext
	if i := strings.LastIndex(targetURL, "/"); i >= 0 {
		rc.dir = targetURL[:i+1]
	}
	if u, err := url.Parse(targetURL); err == nil && u.Host != "" {
		rc.origin = u.Scheme + "://" + u.Host
	}
	return rc
}

// Rewrite dispatches the upstream response to one of three mutually exclusive
// strategies chosen by declared content type, first match wins: subtitle
// rewrite, playlist rewrite, or raw pass-through.
func (r *Rewriter) Rewrite(up *model.UpstreamResponse, targetURL string) *model.ProxyResponse {
	switch {
	case strings.Contains(up.ContentType, "text/vtt"):
		return r.rewriteSubtitle(up, targetURL)
	case matchesPlaylist(up.ContentType, targetURL):
		return r.rewritePlaylist(up, targetURL)
	default:
		return r.passThrough(up)
	}
}

// matchesPlaylist reports whether the declared content type identifies an HLS
// playlist. text/html counts only when the target URL itself looks like a
// playlist or segment path, a known origin misconfiguration.
func matchesPlaylist(contentType, targetURL string) bool {
	for _, t := range playlistContentTypes {
		if strings.Contains(contentType, t) {
			return true
		}
	}
	if strings.Contains(strings.ToLower(contentType), "application/x-mpegurl") {
		return true
	}
	if strings.Contains(contentType, "text/html") &&
		(strings.HasSuffix(targetURL, ".m3u8") || strings.HasSuffix(targetURL, ".ts")) {
		return true
	}
	return false
}

// rewritePlaylist rewrites every segment/media URI line of an HLS playlist.
// Directive lines (#...) and blank lines pass through untouched, and line
// order is preserved exactly: playlists are segment-sequence sensitive.
func (r *Rewriter) rewritePlaylist(up *model.UpstreamResponse, targetURL string) *model.ProxyResponse {
	body := string(up.Body)
	if !strings.HasPrefix(body, playlistMarker) {
		// Mislabeled response. Pass the bytes through untouched, with no
		// Content-Type header, rather than mangling something that is not a
		// playlist.
		r.logger.Debug("playlist content type without #EXTM3U marker",
			"url", targetURL,
			"content_type", up.ContentType,
		)
		r.count(strategyPassthrough)
		return &model.ProxyResponse{
			StatusCode: up.StatusCode,
			StatusText: up.StatusText,
			Body:       up.Body,
		}
	}

	rc := newRewriteContext(targetURL)
	lines := strings.Split(body, "\n")
	for i, line := range lines {
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines[i] = rewriteURI(rc, line)
	}

	r.count(strategyPlaylist)
	return &model.ProxyResponse{
		StatusCode:  up.StatusCode,
		StatusText:  up.StatusText,
		ContentType: "application/vnd.apple.mpegurl",
		Body:        []byte(strings.Join(lines, "\n")),
	}
}

// rewriteURI resolves one playlist URI line to an absolute upstream URL and
// rewrites it to route back through the proxy.
func rewriteURI(rc rewriteContext, line string) string {
	// ./segment.ts style artifact: drop the leading dot.
	if strings.HasPrefix(line, ".") {
		line = line[1:]
	}
	switch {
	case absoluteURLPattern.MatchString(line):
		// already absolute or scheme-relative
	case strings.HasPrefix(line, "/"):
		line = rc.origin + line
	default:
		line = rc.dir + line
	}
	return rewritePrefix + url.QueryEscape(line)
}

// rewriteSubtitle rewrites thumbnail image references in a WebVTT body. Each
// distinct filename is resolved against the target URL's directory and every
// literal occurrence is replaced in a single pass, so no filename is
// rewritten twice.
func (r *Rewriter) rewriteSubtitle(up *model.UpstreamResponse, targetURL string) *model.ProxyResponse {
	body := string(up.Body)
	rc := newRewriteContext(targetURL)

	seen := make(map[string]bool)
	for _, name := range subtitleImagePattern.FindAllString(body, -1) {
		if seen[name] {
			continue
		}
		seen[name] = true
		body = strings.ReplaceAll(body, name, rewritePrefix+url.QueryEscape(rc.dir+name))
	}

	r.count(strategySubtitle)
	return &model.ProxyResponse{
		StatusCode:  up.StatusCode,
		StatusText:  up.StatusText,
		ContentType: up.ContentType,
		Body:        []byte(body),
	}
}

// passThrough forwards the body as an opaque byte stream. 0x47 is the MPEG-TS
// sync byte; origins are known to mislabel raw segments, so the first byte
// wins over the declared type.
func (r *Rewriter) passThrough(up *model.UpstreamResponse) *model.ProxyResponse {
	contentType := up.ContentType
	if len(up.Body) > 0 && up.Body[0] == 0x47 {
		contentType = "video/mp2t"
	}

	r.count(strategyPassthrough)
	return &model.ProxyResponse{
		StatusCode:  up.StatusCode,
		StatusText:  up.StatusText,
		ContentType: contentType,
		Body:        up.Body,
	}
}

func (r *Rewriter) count(strategy string) {
	if r.metrics != nil {
		r.metrics.RewritesTotal.WithLabelValues(strategy).Inc()
	}
}
