package adapter

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/mconf/bbb-webrtc-sfu/internal/backend"
	"github.com/mconf/bbb-webrtc-sfu/internal/balancer"
)

// getOrCreatePipeline returns the single pipeline for (room, host),
// creating it on first use. Concurrent first-time callers coalesce on one
// pending creation; completion satisfies all waiters.
func (d *Driver) getOrCreatePipeline(ctx context.Context, roomID string, host *balancer.Host) (*pipeline, error) {
	key := pipeKey{roomID: roomID, hostID: host.ID}

	d.mu.Lock()
	if p, ok := d.pipelines[key]; ok {
		d.mu.Unlock()
		select {
		case <-p.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if p.err != nil {
			return nil, p.err
		}
		return p, nil
	}
	p := &pipeline{key: key, ready: make(chan struct{})}
	d.pipelines[key] = p
	d.mu.Unlock()

	cctx, cancel := d.callCtx(ctx)
	id, err := host.Client.CreatePipeline(cctx, roomID)
	cancel()

	d.mu.Lock()
	if err != nil {
		p.err = mapErr(err)
		delete(d.pipelines, key)
	} else {
		p.id = id
	}
	close(p.ready)
	d.mu.Unlock()

	if p.err != nil {
		return nil, p.err
	}
	log.Debug().Str("module", "adapter").Str("room", roomID).Str("host", host.ID).Str("pipeline", id).Msg("pipeline ready")
	return p, nil
}

// createElement spawns an element on p and bumps its active count.
func (d *Driver) createElement(ctx context.Context, host *balancer.Host, p *pipeline, elementType string, opts backend.Options) (string, error) {
	cctx, cancel := d.callCtx(ctx)
	defer cancel()
	elementID, err := host.Client.CreateElement(cctx, p.id, elementType, opts)
	if err != nil {
		d.maybeReleaseEmptyPipeline(ctx, host, p)
		return "", mapErr(err)
	}
	d.mu.Lock()
	p.activeElements++
	d.mu.Unlock()
	return elementID, nil
}

// releaseElement drops an element and, when the pipeline drains, the
// pipeline itself. The pipeline entry is removed before the release round
// trip so a subsequent create for the same (room, host) starts fresh.
func (d *Driver) releaseElement(ctx context.Context, host *balancer.Host, elementID string) {
	d.mu.Lock()
	ref, ok := d.elements[elementID]
	if ok {
		delete(d.elements, elementID)
	}
	var drained *pipeline
	if ok {
		if p, pok := d.pipelines[ref.pipe]; pok {
			p.activeElements--
			if p.activeElements <= 0 {
				delete(d.pipelines, ref.pipe)
				drained = p
			}
		}
	}
	d.mu.Unlock()

	// Dead hosts get no farewell round-trips.
	if !d.balancer.HostOnline(host.ID) {
		return
	}
	cctx, cancel := d.callCtx(ctx)
	defer cancel()
	if err := host.Client.ReleaseElement(cctx, elementID); err != nil {
		log.Warn().Err(err).Str("module", "adapter").Str("element", elementID).Msg("element release failed")
	}
	if drained != nil {
		if err := host.Client.ReleasePipeline(cctx, drained.id); err != nil {
			log.Warn().Err(err).Str("module", "adapter").Str("pipeline", drained.id).Msg("pipeline release failed")
		}
	}
}

func (d *Driver) maybeReleaseEmptyPipeline(ctx context.Context, host *balancer.Host, p *pipeline) {
	d.mu.Lock()
	empty := p.activeElements <= 0
	if empty {
		delete(d.pipelines, p.key)
	}
	d.mu.Unlock()
	if !empty {
		return
	}
	cctx, cancel := d.callCtx(ctx)
	defer cancel()
	_ = host.Client.ReleasePipeline(cctx, p.id)
}

// purgeHost forgets every pipeline, element and transposer on an offline
// host without backend round-trips.
func (d *Driver) purgeHost(hostID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for key := range d.pipelines {
		if key.hostID == hostID {
			delete(d.pipelines, key)
		}
	}
	for id, ref := range d.elements {
		if ref.pipe.hostID == hostID {
			delete(d.elements, id)
		}
	}
	for srcElem, sinks := range d.transposers {
		for sinkHost, t := range sinks {
			if t.srcHostID == hostID || sinkHost == hostID {
				delete(sinks, sinkHost)
			}
		}
		if len(sinks) == 0 {
			delete(d.transposers, srcElem)
		}
	}
	for key, t := range d.pending {
		if t.srcHostID == hostID || t.sinkHostID == hostID {
			delete(d.pending, key)
		}
	}
	log.Warn().Str("module", "adapter").Str("host", hostID).Msg("purged state for offline host")
}
