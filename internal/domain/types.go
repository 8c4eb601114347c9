package domain

// UserType classifies how a participant consumes the conference.
type UserType string

const (
	UserSFU   UserType = "SFU"
	UserMCU   UserType = "MCU"
	UserOther UserType = "OTHER"
)

// SessionType selects the backend element family a session negotiates with.
type SessionType string

const (
	SessionWebRTC    SessionType = "WebRtcSession"
	SessionRTP       SessionType = "RtpSession"
	SessionRecording SessionType = "RecordingSession"
	SessionURI       SessionType = "UriSession"
	SessionMCU       SessionType = "McuSession"
	SessionFilter    SessionType = "FilterSession"
)

// MediaProfile partitions a negotiation by payload class. Composed adapters
// route each profile to its own backend.
type MediaProfile string

const (
	ProfileMain    MediaProfile = "main"
	ProfileContent MediaProfile = "content"
	ProfileAudio   MediaProfile = "audio"
	ProfileAll     MediaProfile = "all"
)

// MediaKind names one leg of a connect/disconnect request.
type MediaKind string

const (
	KindAll     MediaKind = "ALL"
	KindAudio   MediaKind = "AUDIO"
	KindVideo   MediaKind = "VIDEO"
	KindContent MediaKind = "CONTENT"
)

// Direction is the negotiated a=direction of one kind within a unit.
// The zero value means the kind is absent from the unit.
type Direction string

const (
	DirSendRecv Direction = "sendrecv"
	DirSendOnly Direction = "sendonly"
	DirRecvOnly Direction = "recvonly"
	DirInactive Direction = "inactive"
	DirNone     Direction = ""
)

// Active reports whether media can flow in at least one direction.
func (d Direction) Active() bool {
	return d != DirNone && d != DirInactive
}

// Sends reports whether the remote end emits media on this kind.
func (d Direction) Sends() bool {
	return d == DirSendRecv || d == DirSendOnly
}

// Merge unions two directions, preferring the one that keeps media flowing.
func (d Direction) Merge(o Direction) Direction {
	return mergeDir(d, o)
}

// NegotiationRole is fixed at the first descriptor assignment and never flips.
type NegotiationRole string

const (
	RoleNone     NegotiationRole = ""
	RoleOfferer  NegotiationRole = "OFFERER"
	RoleAnswerer NegotiationRole = "ANSWERER"
)

// MediaTypes is the per-kind direction matrix of a media unit.
type MediaTypes struct {
	Audio   Direction `json:"audio,omitempty"`
	Video   Direction `json:"video,omitempty"`
	Content Direction `json:"content,omitempty"`
}

// Merge unions two matrices, preferring directions that keep media flowing.
func (m MediaTypes) Merge(o MediaTypes) MediaTypes {
	return MediaTypes{
		Audio:   mergeDir(m.Audio, o.Audio),
		Video:   mergeDir(m.Video, o.Video),
		Content: mergeDir(m.Content, o.Content),
	}
}

func mergeDir(a, b Direction) Direction {
	if !a.Active() {
		return b
	}
	if !b.Active() {
		return a
	}
	if a == DirSendRecv || b == DirSendRecv || (a.Sends() && b == DirRecvOnly) || (b.Sends() && a == DirRecvOnly) {
		return DirSendRecv
	}
	return a
}

// MediaInfo is the wire-facing snapshot of a media unit.
type MediaInfo struct {
	MediaID    string     `json:"mediaId"`
	SessionID  string     `json:"mediaSessionId"`
	UserID     string     `json:"userId"`
	RoomID     string     `json:"roomId"`
	MediaTypes MediaTypes `json:"mediaTypes"`
}

// FloorInfo is a floor snapshot carried by floor-changed events.
type FloorInfo struct {
	Floor         *MediaInfo  `json:"floor"`
	PreviousFloor []MediaInfo `json:"previousFloor"`
}
