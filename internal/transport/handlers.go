package transport

import (
	"context"
	"encoding/json"

	"github.com/pion/webrtc/v4"

	"github.com/mconf/bbb-webrtc-sfu/internal/domain"
	"github.com/mconf/bbb-webrtc-sfu/internal/errs"
	"github.com/mconf/bbb-webrtc-sfu/internal/events"
	"github.com/mconf/bbb-webrtc-sfu/internal/media"
)

// mediaParams is the shared parameter shape of publish-like methods.
type mediaParams struct {
	UserID     string `json:"userId"`
	RoomID     string `json:"roomId"`
	MediaID    string `json:"mediaId"`
	SourceID   string `json:"sourceId"`
	Type       string `json:"type"`
	Descriptor string `json:"descriptor"`
	Name       string `json:"name"`
	Profile    string `json:"mediaProfile"`
	URI        string `json:"uri"`
	PlainRTP   bool   `json:"plainRtp"`
	HostID     string `json:"hostId"`
}

func (p *mediaParams) sessionType() domain.SessionType {
	if p.Type == "" {
		return domain.SessionWebRTC
	}
	return domain.SessionType(p.Type)
}

func (p *mediaParams) options() media.Options {
	return media.Options{
		Name:     p.Name,
		URI:      p.URI,
		Profile:  domain.MediaProfile(p.Profile),
		PlainRTP: p.PlainRTP,
		HostID:   p.HostID,
	}
}

func decode[T any](raw json.RawMessage) (*T, error) {
	var v T
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, errs.ErrMediaInvalidOperation.WithMessage("bad params: %v", err)
		}
	}
	return &v, nil
}

func (s *Server) dispatch(ctx context.Context, c *clientConn, req *request) (any, error) {
	switch req.Method {
	case "ping":
		return "pong", nil

	case "join":
		p, err := decode[struct {
			RoomID string `json:"roomId"`
			Type   string `json:"type"`
			Name   string `json:"name"`
		}](req.Params)
		if err != nil {
			return nil, err
		}
		userID, err := s.Ctrl.Join(p.RoomID, domain.UserType(p.Type), p.Name)
		if err != nil {
			return nil, err
		}
		c.bindUser(userID, p.RoomID)
		return map[string]string{"userId": userID}, nil

	case "leave":
		p, err := decode[mediaParams](req.Params)
		if err != nil {
			return nil, err
		}
		c.unbindUser(p.UserID)
		return nil, s.Ctrl.Leave(ctx, p.UserID, p.RoomID)

	case "publish":
		p, err := decode[mediaParams](req.Params)
		if err != nil {
			return nil, err
		}
		return s.Ctrl.Publish(ctx, p.UserID, p.RoomID, p.sessionType(), p.Descriptor, p.options())

	case "unpublish":
		p, err := decode[mediaParams](req.Params)
		if err != nil {
			return nil, err
		}
		return nil, s.Ctrl.Unpublish(ctx, p.UserID, p.MediaID)

	case "subscribe":
		p, err := decode[mediaParams](req.Params)
		if err != nil {
			return nil, err
		}
		return s.Ctrl.Subscribe(ctx, p.UserID, p.SourceID, p.sessionType(), p.Descriptor, p.options())

	case "unsubscribe":
		p, err := decode[mediaParams](req.Params)
		if err != nil {
			return nil, err
		}
		return nil, s.Ctrl.Unsubscribe(ctx, p.UserID, p.MediaID)

	case "publishAndSubscribe":
		p, err := decode[mediaParams](req.Params)
		if err != nil {
			return nil, err
		}
		return s.Ctrl.PublishAndSubscribe(ctx, p.UserID, p.RoomID, p.sessionType(), p.Descriptor, p.options())

	case "process":
		p, err := decode[mediaParams](req.Params)
		if err != nil {
			return nil, err
		}
		descriptor, err := s.Ctrl.ProcessDescriptor(ctx, p.MediaID, p.Descriptor)
		if err != nil {
			return nil, err
		}
		return map[string]string{"descriptor": descriptor}, nil

	case "connect", "disconnect":
		p, err := decode[struct {
			SourceID string   `json:"sourceId"`
			SinkIDs  []string `json:"sinkIds"`
			Kind     string   `json:"kind"`
		}](req.Params)
		if err != nil {
			return nil, err
		}
		kind := domain.MediaKind(p.Kind)
		if kind == "" {
			kind = domain.KindAll
		}
		if req.Method == "connect" {
			return nil, s.Ctrl.Connect(ctx, p.SourceID, p.SinkIDs, kind)
		}
		return nil, s.Ctrl.Disconnect(ctx, p.SourceID, p.SinkIDs, kind)

	case "addIceCandidate":
		p, err := decode[struct {
			MediaID   string                  `json:"mediaId"`
			Candidate webrtc.ICECandidateInit `json:"candidate"`
		}](req.Params)
		if err != nil {
			return nil, err
		}
		return nil, s.Ctrl.AddIceCandidate(ctx, p.MediaID, p.Candidate)

	case "startRecording":
		p, err := decode[struct {
			UserID  string `json:"userId"`
			MediaID string `json:"mediaId"`
			Path    string `json:"path"`
		}](req.Params)
		if err != nil {
			return nil, err
		}
		recordingID, err := s.Ctrl.StartRecording(ctx, p.UserID, p.MediaID, p.Path, media.Options{})
		if err != nil {
			return nil, err
		}
		return map[string]string{"recordingId": recordingID}, nil

	case "stopRecording":
		p, err := decode[struct {
			UserID      string `json:"userId"`
			RecordingID string `json:"recordingId"`
		}](req.Params)
		if err != nil {
			return nil, err
		}
		return nil, s.Ctrl.StopRecording(ctx, p.UserID, p.RecordingID)

	case "setConferenceFloor":
		p, err := decode[mediaParams](req.Params)
		if err != nil {
			return nil, err
		}
		return s.Ctrl.SetConferenceFloor(p.RoomID, p.MediaID)

	case "setContentFloor":
		p, err := decode[mediaParams](req.Params)
		if err != nil {
			return nil, err
		}
		return s.Ctrl.SetContentFloor(p.RoomID, p.MediaID)

	case "releaseConferenceFloor":
		p, err := decode[mediaParams](req.Params)
		if err != nil {
			return nil, err
		}
		return s.Ctrl.ReleaseConferenceFloor(p.RoomID)

	case "releaseContentFloor":
		p, err := decode[mediaParams](req.Params)
		if err != nil {
			return nil, err
		}
		return s.Ctrl.ReleaseContentFloor(p.RoomID)

	case "getConferenceFloor":
		p, err := decode[mediaParams](req.Params)
		if err != nil {
			return nil, err
		}
		return s.Ctrl.GetConferenceFloor(p.RoomID)

	case "getContentFloor":
		p, err := decode[mediaParams](req.Params)
		if err != nil {
			return nil, err
		}
		return s.Ctrl.GetContentFloor(p.RoomID)

	case "getRooms":
		return map[string]any{"rooms": s.Ctrl.GetRooms()}, nil

	case "getUsers":
		p, err := decode[mediaParams](req.Params)
		if err != nil {
			return nil, err
		}
		users, err := s.Ctrl.GetUsers(p.RoomID)
		if err != nil {
			return nil, err
		}
		out := make([]map[string]string, 0, len(users))
		for _, u := range users {
			out = append(out, map[string]string{"userId": u.ID, "name": u.Name, "type": string(u.Type)})
		}
		return map[string]any{"users": out}, nil

	case "getUserMedias":
		p, err := decode[mediaParams](req.Params)
		if err != nil {
			return nil, err
		}
		medias, err := s.Ctrl.GetUserMedias(p.UserID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"medias": medias}, nil

	case "setVolume":
		p, err := decode[struct {
			MediaID string `json:"mediaId"`
			Volume  int    `json:"volume"`
		}](req.Params)
		if err != nil {
			return nil, err
		}
		return nil, s.Ctrl.SetVolume(ctx, p.MediaID, p.Volume)

	case "mute":
		p, err := decode[mediaParams](req.Params)
		if err != nil {
			return nil, err
		}
		return nil, s.Ctrl.Mute(ctx, p.MediaID)

	case "unmute":
		p, err := decode[mediaParams](req.Params)
		if err != nil {
			return nil, err
		}
		return nil, s.Ctrl.Unmute(ctx, p.MediaID)

	case "dtmf":
		p, err := decode[struct {
			MediaID string `json:"mediaId"`
			Tone    string `json:"tone"`
		}](req.Params)
		if err != nil {
			return nil, err
		}
		return nil, s.Ctrl.Dtmf(p.MediaID, p.Tone)

	case "requestKeyframe":
		p, err := decode[mediaParams](req.Params)
		if err != nil {
			return nil, err
		}
		return nil, s.Ctrl.RequestKeyframe(ctx, p.MediaID)

	case "setStrategy":
		p, err := decode[struct {
			Identifier string `json:"identifier"`
			Strategy   string `json:"strategy"`
		}](req.Params)
		if err != nil {
			return nil, err
		}
		return nil, s.Ctrl.SetStrategy(p.Identifier, p.Strategy)

	case "getStrategy":
		p, err := decode[struct {
			Identifier string `json:"identifier"`
		}](req.Params)
		if err != nil {
			return nil, err
		}
		return map[string]string{"strategy": s.Ctrl.GetStrategy(p.Identifier)}, nil

	case "onEvent":
		p, err := decode[struct {
			EventName  string `json:"eventName"`
			Identifier string `json:"identifier"`
		}](req.Params)
		if err != nil {
			return nil, err
		}
		identifier := p.Identifier
		if identifier == "" {
			identifier = events.GlobalID
		}
		cancel := s.Ctrl.Bus().Subscribe(events.Kind(p.EventName), identifier, func(ev events.Event) {
			s.sendJSON(c, eventMsg{Event: string(ev.Kind), Identifier: ev.Identifier, Data: ev.Data})
		})
		c.addSub(cancel)
		return nil, nil

	default:
		return nil, errs.ErrMediaInvalidOperation.WithMessage("unknown method %q", req.Method)
	}
}
