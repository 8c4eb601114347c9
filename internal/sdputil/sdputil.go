// Package sdputil holds the pure SDP text transforms used by negotiation.
//
// Splitting and rewriting work at line level so that partials keep the exact
// attribute bytes the peer sent; codec inspection parses with pion/sdp.
package sdputil

import (
	"regexp"
	"strings"

	"github.com/mconf/bbb-webrtc-sfu/internal/domain"
)

const crlf = "\r\n"

// ContentSlides marks a content (screen-share) m-section.
const ContentSlides = "content:slides"

// ContentMain marks a main-video m-section.
const ContentMain = "content:main"

func splitLines(body string) []string {
	body = strings.ReplaceAll(body, crlf, "\n")
	return strings.Split(strings.TrimRight(body, "\n"), "\n")
}

func joinLines(lines []string) string {
	return strings.Join(lines, crlf) + crlf
}

// SessionDescriptionHeader returns the session-level prelude: every line up
// to (not including) the first m= line.
func SessionDescriptionHeader(body string) string {
	if body == "" {
		return ""
	}
	lines := splitLines(body)
	for i, l := range lines {
		if strings.HasPrefix(l, "m=") {
			return joinLines(lines[:i])
		}
	}
	return joinLines(lines)
}

// RemoveSessionDescription strips the session-level prelude, leaving only
// the m-sections.
func RemoveSessionDescription(body string) string {
	if body == "" {
		return ""
	}
	lines := splitLines(body)
	for i, l := range lines {
		if strings.HasPrefix(l, "m=") {
			return joinLines(lines[i:])
		}
	}
	return ""
}

// GetPartialDescriptions splits a multi-m-line description into one partial
// per media section, each re-carrying the session header.
func GetPartialDescriptions(body string) []string {
	if body == "" {
		return nil
	}
	header := SessionDescriptionHeader(body)
	lines := splitLines(body)

	var partials []string
	start := -1
	flush := func(end int) {
		if start >= 0 {
			partials = append(partials, header+joinLines(lines[start:end]))
		}
	}
	for i, l := range lines {
		if strings.HasPrefix(l, "m=") {
			flush(i)
			start = i
		}
	}
	flush(len(lines))
	return partials
}

// KindOf classifies a partial description by its first m-line.
func KindOf(partial string) domain.MediaKind {
	for _, l := range splitLines(partial) {
		switch {
		case strings.HasPrefix(l, "m=audio"):
			return domain.KindAudio
		case strings.HasPrefix(l, "m=video"):
			if strings.Contains(partial, "a="+ContentSlides) {
				return domain.KindContent
			}
			return domain.KindVideo
		case strings.HasPrefix(l, "m=application"), strings.HasPrefix(l, "m=text"):
			return domain.KindAll
		}
	}
	return domain.KindAll
}

// GetAudioSDP returns the audio partial of body, or "".
func GetAudioSDP(body string) string { return partialOfKind(body, domain.KindAudio) }

// GetVideoSDP returns the main-video partial of body, or "".
func GetVideoSDP(body string) string { return partialOfKind(body, domain.KindVideo) }

// GetContentSDP returns the content partial (a=content:slides), or "".
func GetContentSDP(body string) string { return partialOfKind(body, domain.KindContent) }

func partialOfKind(body string, kind domain.MediaKind) string {
	for _, p := range GetPartialDescriptions(body) {
		if KindOf(p) == kind {
			return p
		}
	}
	return ""
}

// GetPartialForProfile maps a media profile to its partial description.
// ProfileAll returns the body untouched.
func GetPartialForProfile(body string, profile domain.MediaProfile) string {
	switch profile {
	case domain.ProfileAudio:
		return GetAudioSDP(body)
	case domain.ProfileMain:
		return GetVideoSDP(body)
	case domain.ProfileContent:
		return GetContentSDP(body)
	default:
		return body
	}
}

var connectionRe = regexp.MustCompile(`c=IN IP4 (\S+)`)

// ReplaceServerIPv4 substitutes every c= connection address with ip.
func ReplaceServerIPv4(body, ip string) string {
	return connectionRe.ReplaceAllString(body, "c=IN IP4 "+ip)
}

// MakeInactiveStub produces the inactive m-section used to pad reduced
// renegotiation bodies so m-line order is preserved.
func MakeInactiveStub(kind domain.MediaKind) string {
	media := "audio"
	if kind == domain.KindVideo || kind == domain.KindContent {
		media = "video"
	}
	return "m=" + media + " 0 RTP/AVP 96" + crlf + "a=inactive" + crlf
}
