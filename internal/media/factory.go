package media

import (
	"github.com/mconf/bbb-webrtc-sfu/internal/domain"
	"github.com/mconf/bbb-webrtc-sfu/internal/errs"
)

// NewSession validates the requested type and builds a session wired to the
// given adapters. URI sessions require a source uri; recording sessions a
// target path.
func NewSession(cfg SessionConfig) (*Session, error) {
	switch cfg.Type {
	case domain.SessionWebRTC, domain.SessionRTP, domain.SessionMCU:
	case domain.SessionRecording:
		if cfg.Options.RecordingPath == "" {
			return nil, errs.ErrMediaInvalidOperation.WithMessage("recording session requires a path")
		}
	case domain.SessionURI:
		if cfg.Options.URI == "" {
			return nil, errs.ErrMediaInvalidOperation.WithMessage("uri session requires a uri")
		}
	case domain.SessionFilter:
		return nil, errs.ErrMediaInvalidType.WithMessage("filter sessions are not supported")
	default:
		return nil, errs.ErrMediaInvalidType.WithMessage("unknown session type %q", cfg.Type)
	}
	if len(cfg.Adapters) == 0 {
		return nil, errs.ErrMediaInvalidOperation.WithMessage("session requires at least one adapter")
	}
	return newSession(cfg), nil
}
