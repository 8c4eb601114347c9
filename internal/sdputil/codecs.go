package sdputil

import (
	"regexp"
	"strings"

	"github.com/pion/sdp/v3"

	"github.com/mconf/bbb-webrtc-sfu/internal/domain"
)

func parse(body string) (*sdp.SessionDescription, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(body)); err != nil {
		return nil, err
	}
	return &desc, nil
}

// FilterByVideoCodec retains only the payload types of the named codec in
// every video m-line, dropping orphan rtpmap/fmtp/rtcp-fb lines.
func FilterByVideoCodec(body, codec string) string {
	desc, err := parse(body)
	if err != nil {
		return body
	}

	keep := map[string]bool{}
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media != "video" {
			continue
		}
		for _, a := range m.Attributes {
			if a.Key != "rtpmap" {
				continue
			}
			fields := strings.SplitN(a.Value, " ", 2)
			if len(fields) == 2 && strings.EqualFold(strings.SplitN(fields[1], "/", 2)[0], codec) {
				keep[fields[0]] = true
			}
		}
	}

	lines := splitLines(body)
	out := make([]string, 0, len(lines))
	inVideo := false
	for _, l := range lines {
		if strings.HasPrefix(l, "m=") {
			inVideo = strings.HasPrefix(l, "m=video")
			if inVideo {
				l = filterMLine(l, keep)
			}
			out = append(out, l)
			continue
		}
		if inVideo && payloadAttr(l) != "" && !keep[payloadAttr(l)] {
			continue
		}
		out = append(out, l)
	}
	return joinLines(out)
}

// filterMLine rewrites the payload list of an m= line to the kept set.
func filterMLine(l string, keep map[string]bool) string {
	fields := strings.Fields(l)
	if len(fields) <= 3 {
		return l
	}
	head, payloads := fields[:3], fields[3:]
	kept := make([]string, 0, len(payloads))
	for _, pt := range payloads {
		if keep[pt] {
			kept = append(kept, pt)
		}
	}
	if len(kept) == 0 {
		return l
	}
	return strings.Join(append(head, kept...), " ")
}

// payloadAttr extracts the payload type of an rtpmap/fmtp/rtcp-fb line, or "".
func payloadAttr(l string) string {
	for _, prefix := range []string{"a=rtpmap:", "a=fmtp:", "a=rtcp-fb:"} {
		if strings.HasPrefix(l, prefix) {
			rest := strings.TrimPrefix(l, prefix)
			if i := strings.IndexByte(rest, ' '); i > 0 {
				return rest[:i]
			}
			return rest
		}
	}
	return ""
}

// CodecSpec is the codec subset a negotiation actually settled on.
type CodecSpec struct {
	Audio []string
	Video []string
}

// UpdateSpecWithChosenCodecs inspects a negotiated description and narrows
// the media spec to the codecs present, locking further negotiations to a
// compatible subset.
func UpdateSpecWithChosenCodecs(body string) CodecSpec {
	spec := CodecSpec{}
	desc, err := parse(body)
	if err != nil {
		return spec
	}
	seen := map[string]bool{}
	for _, m := range desc.MediaDescriptions {
		for _, a := range m.Attributes {
			if a.Key != "rtpmap" {
				continue
			}
			fields := strings.SplitN(a.Value, " ", 2)
			if len(fields) != 2 {
				continue
			}
			name := strings.SplitN(fields[1], "/", 2)[0]
			if seen[m.MediaName.Media+"/"+name] {
				continue
			}
			seen[m.MediaName.Media+"/"+name] = true
			switch m.MediaName.Media {
			case "audio":
				spec.Audio = append(spec.Audio, name)
			case "video":
				spec.Video = append(spec.Video, name)
			}
		}
	}
	return spec
}

// HasAvailableAudioCodec reports whether body carries at least one live
// audio m-line with a payload to negotiate.
func HasAvailableAudioCodec(body string) bool { return hasAvailable(body, "audio") }

// HasAvailableVideoCodec reports whether body carries at least one live
// video m-line with a payload to negotiate.
func HasAvailableVideoCodec(body string) bool { return hasAvailable(body, "video") }

func hasAvailable(body, media string) bool {
	desc, err := parse(body)
	if err != nil {
		return false
	}
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media != media || m.MediaName.Port.Value == 0 {
			continue
		}
		if _, inactive := m.Attribute("inactive"); inactive {
			continue
		}
		if len(m.MediaName.Formats) > 0 {
			return true
		}
	}
	return false
}

// MediaTypesOf derives the per-kind direction matrix from a description.
func MediaTypesOf(body string) domain.MediaTypes {
	var mt domain.MediaTypes
	for _, p := range GetPartialDescriptions(body) {
		dir := directionOf(p)
		switch KindOf(p) {
		case domain.KindAudio:
			mt.Audio = mt.Audio.Merge(dir)
		case domain.KindVideo:
			mt.Video = mt.Video.Merge(dir)
		case domain.KindContent:
			mt.Content = mt.Content.Merge(dir)
		}
	}
	return mt
}

func directionOf(partial string) domain.Direction {
	for _, l := range splitLines(partial) {
		switch l {
		case "a=sendrecv":
			return domain.DirSendRecv
		case "a=sendonly":
			return domain.DirSendOnly
		case "a=recvonly":
			return domain.DirRecvOnly
		case "a=inactive":
			return domain.DirInactive
		}
	}
	// Direction attributes default to sendrecv for live sections.
	if strings.Contains(partial, " 0 RTP") {
		return domain.DirInactive
	}
	return domain.DirSendRecv
}

var plainRTPDropRe = regexp.MustCompile(`(?m)^a=(rtcp-fb|mid|setup:actpass|extmap:\d+ http://www\.webrtc\.org/experiments/rtp-hdrext/abs-send-time).*\r?\n`)

// StripForPlainRTP prepares an offer for plain-RTP peers: removes RTCP
// feedback, mid, abs-send-time and a=setup:actpass lines and downshifts
// AVPF profiles to AVP.
func StripForPlainRTP(body string) string {
	body = plainRTPDropRe.ReplaceAllString(body, "")
	body = strings.ReplaceAll(body, "RTP/SAVPF", "RTP/AVP")
	body = strings.ReplaceAll(body, "RTP/AVPF", "RTP/AVP")
	return body
}
