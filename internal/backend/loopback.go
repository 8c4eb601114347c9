package backend

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/mconf/bbb-webrtc-sfu/internal/domain"
	"github.com/mconf/bbb-webrtc-sfu/internal/errs"
	"github.com/mconf/bbb-webrtc-sfu/internal/sdputil"
)

// Loopback is an in-process driver used in dev mode and by tests. It keeps
// the pipeline/element bookkeeping honest and answers offers by echoing them
// back with every c= address rewritten to the host IP; directions and codecs
// are left as offered.
type Loopback struct {
	HostIP string

	mu        sync.Mutex
	pipelines map[string]map[string]bool // pipelineID -> element set
	elemPipe  map[string]string
	handler   EventHandler
}

func NewLoopback(hostIP string) *Loopback {
	return &Loopback{
		HostIP:    hostIP,
		pipelines: make(map[string]map[string]bool),
		elemPipe:  make(map[string]string),
	}
}

func (l *Loopback) CreatePipeline(ctx context.Context, roomID string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := "pipeline/" + uuid.NewString()
	l.pipelines[id] = make(map[string]bool)
	log.Debug().Str("module", "backend.loopback").Str("room", roomID).Str("pipeline", id).Msg("pipeline created")
	return id, nil
}

func (l *Loopback) ReleasePipeline(ctx context.Context, pipelineID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.pipelines[pipelineID]; !ok {
		return errs.ErrMediaNotFound.WithMessage("pipeline %s", pipelineID)
	}
	delete(l.pipelines, pipelineID)
	return nil
}

func (l *Loopback) CreateElement(ctx context.Context, pipelineID, elementType string, opts Options) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	elems, ok := l.pipelines[pipelineID]
	if !ok {
		return "", errs.ErrMediaNotFound.WithMessage("pipeline %s", pipelineID)
	}
	id := fmt.Sprintf("%s/%s_%s", pipelineID, elementType, uuid.NewString())
	elems[id] = true
	l.elemPipe[id] = pipelineID
	return id, nil
}

func (l *Loopback) ReleaseElement(ctx context.Context, elementID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	pipe, ok := l.elemPipe[elementID]
	if !ok {
		return errs.ErrMediaNotFound.WithMessage("element %s", elementID)
	}
	delete(l.elemPipe, elementID)
	delete(l.pipelines[pipe], elementID)
	return nil
}

func (l *Loopback) ProcessOffer(ctx context.Context, elementID, offer string) (string, error) {
	return sdputil.ReplaceServerIPv4(offer, l.HostIP), nil
}

func (l *Loopback) ProcessAnswer(ctx context.Context, elementID, answer string) error {
	return nil
}

func (l *Loopback) GenerateOffer(ctx context.Context, elementID string) (string, error) {
	return "v=0\r\n" +
		"o=- 0 0 IN IP4 " + l.HostIP + "\r\n" +
		"s=loopback\r\n" +
		"c=IN IP4 " + l.HostIP + "\r\n" +
		"t=0 0\r\n" +
		"m=audio 30000 RTP/AVP 0\r\n" +
		"a=rtpmap:0 PCMU/8000\r\n" +
		"a=sendrecv\r\n" +
		"m=video 30002 RTP/AVP 96 97\r\n" +
		"a=rtpmap:96 H264/90000\r\n" +
		"a=rtpmap:97 VP8/90000\r\n" +
		"a=sendrecv\r\n", nil
}

func (l *Loopback) GatherCandidates(ctx context.Context, elementID string) error { return nil }

func (l *Loopback) AddIceCandidate(ctx context.Context, elementID string, cand webrtc.ICECandidateInit) error {
	return nil
}

func (l *Loopback) Connect(ctx context.Context, srcID, sinkID string, kind domain.MediaKind) error {
	l.emit(Event{Kind: EventFlowOut, ElementID: srcID, State: "FLOWING"})
	l.emit(Event{Kind: EventFlowIn, ElementID: sinkID, State: "FLOWING"})
	return nil
}

func (l *Loopback) Disconnect(ctx context.Context, srcID, sinkID string, kind domain.MediaKind) error {
	return nil
}

func (l *Loopback) StartRecording(ctx context.Context, elementID string) error { return nil }
func (l *Loopback) StopRecording(ctx context.Context, elementID string) error  { return nil }

func (l *Loopback) SetVideoFloor(ctx context.Context, mixerID, elementID string) error { return nil }
func (l *Loopback) SetLayoutType(ctx context.Context, mixerID, layout string) error    { return nil }

func (l *Loopback) SetVolume(ctx context.Context, elementID string, volume int) error { return nil }
func (l *Loopback) Mute(ctx context.Context, elementID string) error                  { return nil }
func (l *Loopback) Unmute(ctx context.Context, elementID string) error                { return nil }
func (l *Loopback) RequestKeyframe(ctx context.Context, elementID string) error       { return nil }

func (l *Loopback) OnEvent(h EventHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = h
}

func (l *Loopback) emit(ev Event) {
	l.mu.Lock()
	h := l.handler
	l.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (l *Loopback) Ping(ctx context.Context) error { return nil }
