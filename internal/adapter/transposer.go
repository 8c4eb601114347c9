package adapter

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/mconf/bbb-webrtc-sfu/internal/backend"
	"github.com/mconf/bbb-webrtc-sfu/internal/domain"
	"github.com/mconf/bbb-webrtc-sfu/internal/errs"
	"github.com/mconf/bbb-webrtc-sfu/internal/events"
	"github.com/mconf/bbb-webrtc-sfu/internal/media"
	"github.com/mconf/bbb-webrtc-sfu/internal/sdputil"
)

// transposer is a pair of RTP endpoints bridging one source element to one
// remote host. The source side lives until the source element is released;
// the sink side serves every sink on that host.
type transposer struct {
	key         string
	roomID      string
	profile     domain.MediaProfile
	srcHostID   string
	sinkHostID  string
	srcElement  string
	sinkElement string

	ready chan struct{}
	err   error
}

func transposerKey(srcHostID, srcElementID, sinkHostID string) string {
	return srcHostID + "|" + srcElementID + "|" + sinkHostID
}

// Connect wires src into sink, transposing across hosts when needed.
func (d *Driver) Connect(ctx context.Context, src, sink *media.Unit, kind domain.MediaKind) error {
	if src.HostID == sink.HostID {
		h, err := d.hostOf(src)
		if err != nil {
			return err
		}
		cctx, cancel := d.callCtx(ctx)
		defer cancel()
		return mapErr(h.Client.Connect(cctx, src.ElementID, sink.ElementID, kind))
	}

	t, err := d.getOrCreateTransposer(ctx, src, sink, kind)
	if err != nil {
		return err
	}
	sinkHost, err := d.hostOf(sink)
	if err != nil {
		return err
	}
	cctx, cancel := d.callCtx(ctx)
	defer cancel()
	return mapErr(sinkHost.Client.Connect(cctx, t.sinkElement, sink.ElementID, kind))
}

// Disconnect undoes a connect. Cross-host, only the sink side is detached:
// the source-side transposer keeps serving other sinks on the remote host.
func (d *Driver) Disconnect(ctx context.Context, src, sink *media.Unit, kind domain.MediaKind) error {
	if src.HostID == sink.HostID {
		h, err := d.hostOf(src)
		if err != nil {
			return err
		}
		cctx, cancel := d.callCtx(ctx)
		defer cancel()
		return mapErr(h.Client.Disconnect(cctx, src.ElementID, sink.ElementID, kind))
	}

	d.mu.Lock()
	t := d.transposers[src.ElementID][sink.HostID]
	d.mu.Unlock()
	if t == nil {
		return nil
	}
	sinkHost, err := d.hostOf(sink)
	if err != nil {
		return err
	}
	cctx, cancel := d.callCtx(ctx)
	defer cancel()
	return mapErr(sinkHost.Client.Disconnect(cctx, t.sinkElement, sink.ElementID, kind))
}

// getOrCreateTransposer coalesces concurrent bridge creation per
// (srcHost, srcElement, sinkHost): the first caller builds the pair, later
// callers wait for its completion and reuse it.
func (d *Driver) getOrCreateTransposer(ctx context.Context, src, sink *media.Unit, kind domain.MediaKind) (*transposer, error) {
	key := transposerKey(src.HostID, src.ElementID, sink.HostID)

	d.mu.Lock()
	if t, ok := d.transposers[src.ElementID][sink.HostID]; ok {
		d.mu.Unlock()
		return t, nil
	}
	if t, ok := d.pending[key]; ok {
		d.mu.Unlock()
		select {
		case <-t.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if t.err != nil {
			return nil, t.err
		}
		return t, nil
	}
	t := &transposer{
		key:        key,
		roomID:     src.RoomID,
		profile:    src.Profile,
		srcHostID:  src.HostID,
		sinkHostID: sink.HostID,
		ready:      make(chan struct{}),
	}
	d.pending[key] = t
	d.mu.Unlock()

	t.err = d.buildTransposer(ctx, t, src, kind)

	d.mu.Lock()
	delete(d.pending, key)
	if t.err == nil {
		if d.transposers[src.ElementID] == nil {
			d.transposers[src.ElementID] = make(map[string]*transposer)
		}
		d.transposers[src.ElementID][sink.HostID] = t
	}
	close(t.ready)
	d.mu.Unlock()

	if t.err != nil {
		return nil, t.err
	}
	d.bus.Publish(events.Event{Kind: events.ElementTransposed, Identifier: key, Data: t.sinkElement})
	return t, nil
}

func (d *Driver) buildTransposer(ctx context.Context, t *transposer, src *media.Unit, kind domain.MediaKind) error {
	srcHost, err := d.hostOf(src)
	if err != nil {
		return err
	}
	sinkHost, ok := d.balancer.RetrieveHost(t.sinkHostID)
	if !ok {
		return errs.ErrServerGenericError.WithMessage("host %s not registered", t.sinkHostID)
	}

	srcPipe, err := d.getOrCreatePipeline(ctx, t.roomID, srcHost)
	if err != nil {
		return err
	}
	sinkPipe, err := d.getOrCreatePipeline(ctx, t.roomID, sinkHost)
	if err != nil {
		return err
	}

	t.srcElement, err = d.createElement(ctx, srcHost, srcPipe, backend.ElementRTP, backend.Options{Profile: t.profile})
	if err != nil {
		return err
	}
	t.sinkElement, err = d.createElement(ctx, sinkHost, sinkPipe, backend.ElementRTP, backend.Options{Profile: t.profile})
	if err != nil {
		d.releaseElement(ctx, srcHost, t.srcElement)
		return err
	}
	d.mu.Lock()
	d.elements[t.srcElement] = &elementRef{pipe: srcPipe.key}
	d.elements[t.sinkElement] = &elementRef{pipe: sinkPipe.key}
	d.mu.Unlock()

	cctx, cancel := d.callCtx(ctx)
	defer cancel()

	offer, err := srcHost.Client.GenerateOffer(cctx, t.srcElement)
	if err != nil {
		return mapErr(err)
	}
	if kind != domain.KindAudio && t.profile != domain.ProfileAudio {
		offer = sdputil.FilterByVideoCodec(offer, TransposerVideoCodec)
	}
	offer = sdputil.ReplaceServerIPv4(offer, srcHost.IP)

	answer, err := sinkHost.Client.ProcessOffer(cctx, t.sinkElement, offer)
	if err != nil {
		return mapErr(err)
	}
	answer = sdputil.ReplaceServerIPv4(answer, sinkHost.IP)

	if err := srcHost.Client.ProcessAnswer(cctx, t.srcElement, answer); err != nil {
		return mapErr(err)
	}
	if err := srcHost.Client.Connect(cctx, src.ElementID, t.srcElement, kind); err != nil {
		return mapErr(err)
	}

	d.balancer.IncrementHostStreams(t.srcHostID, t.profile)
	d.balancer.IncrementHostStreams(t.sinkHostID, t.profile)
	log.Info().Str("module", "adapter").Str("room", t.roomID).Str("src_host", t.srcHostID).Str("sink_host", t.sinkHostID).Msg("transposer established")
	return nil
}

// Stop releases a unit's element, its source-side transposers and their
// remote counterparts, and rebalances the stream counters.
func (d *Driver) Stop(ctx context.Context, roomID string, u *media.Unit) error {
	d.mu.Lock()
	sinks := d.transposers[u.ElementID]
	delete(d.transposers, u.ElementID)
	d.mu.Unlock()

	for _, t := range sinks {
		if srcHost, ok := d.balancer.RetrieveHost(t.srcHostID); ok {
			d.releaseElement(ctx, srcHost, t.srcElement)
		}
		if sinkHost, ok := d.balancer.RetrieveHost(t.sinkHostID); ok {
			d.releaseElement(ctx, sinkHost, t.sinkElement)
		}
		d.balancer.DecrementHostStreams(t.srcHostID, t.profile)
		d.balancer.DecrementHostStreams(t.sinkHostID, t.profile)
	}

	host, ok := d.balancer.RetrieveHost(u.HostID)
	if !ok {
		return nil
	}
	d.releaseElement(ctx, host, u.ElementID)
	d.balancer.DecrementHostStreams(u.HostID, u.Profile)
	return nil
}
