// Package bridge relays control-plane events to the legacy conferencing
// bus through its Redis sidecar, and ingests the commands the legacy side
// still issues.
package bridge

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/mconf/bbb-webrtc-sfu/internal/app"
	"github.com/mconf/bbb-webrtc-sfu/internal/domain"
	"github.com/mconf/bbb-webrtc-sfu/internal/events"
)

// egressKinds are the externally visible events mirrored onto the bus.
var egressKinds = []events.Kind{
	events.RoomCreated,
	events.RoomDestroyed,
	events.UserJoined,
	events.UserLeft,
	events.MediaConnected,
	events.MediaDisconnected,
	events.ContentFloorChanged,
	events.ConferenceFloorChanged,
	events.StrategyChanged,
}

type Bridge struct {
	rdb     *redis.Client
	ctrl    *app.Controller
	ingress string
	egress  string

	cancels []func()
}

// New returns nil when no redis address is configured; the bridge is
// optional.
func New(addr, ingress, egress string, ctrl *app.Controller) *Bridge {
	if addr == "" {
		return nil
	}
	return &Bridge{
		rdb:     redis.NewClient(&redis.Options{Addr: addr}),
		ctrl:    ctrl,
		ingress: ingress,
		egress:  egress,
	}
}

// busEnvelope is the JSON shape exchanged with the sidecar.
type busEnvelope struct {
	Event      string          `json:"event,omitempty"`
	Method     string          `json:"method,omitempty"`
	Identifier string          `json:"identifier,omitempty"`
	Data       any             `json:"data,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
}

// Run wires egress subscriptions and blocks on the ingress loop until ctx
// is done.
func (b *Bridge) Run(ctx context.Context) {
	for _, kind := range egressKinds {
		kind := kind
		cancel := b.ctrl.Bus().Subscribe(kind, events.GlobalID, func(ev events.Event) {
			b.publish(ctx, ev)
		})
		b.cancels = append(b.cancels, cancel)
	}
	defer func() {
		for _, c := range b.cancels {
			c()
		}
	}()

	sub := b.rdb.Subscribe(ctx, b.ingress)
	defer sub.Close()
	ch := sub.Channel()
	log.Info().Str("module", "bridge").Str("channel", b.ingress).Msg("legacy bus bridge running")

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.handleIngress(ctx, msg.Payload)
		}
	}
}

func (b *Bridge) publish(ctx context.Context, ev events.Event) {
	payload, err := json.Marshal(busEnvelope{
		Event:      string(ev.Kind),
		Identifier: ev.Identifier,
		Data:       ev.Data,
	})
	if err != nil {
		log.Warn().Err(err).Str("module", "bridge").Msg("egress marshal failed")
		return
	}
	if err := b.rdb.Publish(ctx, b.egress, payload).Err(); err != nil {
		log.Warn().Err(err).Str("module", "bridge").Str("kind", string(ev.Kind)).Msg("egress publish failed")
	}
}

func (b *Bridge) handleIngress(ctx context.Context, payload string) {
	var env busEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		log.Warn().Err(err).Str("module", "bridge").Msg("bad ingress payload")
		return
	}

	switch env.Method {
	case "join":
		var p struct {
			RoomID string `json:"roomId"`
			Type   string `json:"type"`
			Name   string `json:"name"`
		}
		if err := json.Unmarshal(env.Params, &p); err != nil {
			log.Warn().Err(err).Str("module", "bridge").Msg("bad join params")
			return
		}
		if _, err := b.ctrl.Join(p.RoomID, domain.UserType(p.Type), p.Name); err != nil {
			log.Warn().Err(err).Str("module", "bridge").Msg("ingress join failed")
		}
	case "leave":
		var p struct {
			UserID string `json:"userId"`
			RoomID string `json:"roomId"`
		}
		if err := json.Unmarshal(env.Params, &p); err != nil {
			log.Warn().Err(err).Str("module", "bridge").Msg("bad leave params")
			return
		}
		if err := b.ctrl.Leave(ctx, p.UserID, p.RoomID); err != nil {
			log.Warn().Err(err).Str("module", "bridge").Msg("ingress leave failed")
		}
	default:
		log.Debug().Str("module", "bridge").Str("method", env.Method).Msg("ignored ingress method")
	}
}

// Close releases the redis connection.
func (b *Bridge) Close() error {
	return b.rdb.Close()
}
