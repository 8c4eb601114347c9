package media

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DTMF command digits. The first queued digit selects the command, the rest
// are its argument.
const (
	dtmfCmdVideoFloor    = "*"
	dtmfCmdVideoFloorAlt = "10"
	dtmfCmdLayout        = "#"
	dtmfCmdLayoutAlt     = "11"

	dtmfArgSubtitleGlobal = "3"
	dtmfArgSubtitleMedia  = "4"
)

// DtmfActions are the commands a flushed digit sequence can trigger.
type DtmfActions struct {
	SetVideoFloor        func()
	SetLayout            func(layout string)
	ToggleSubtitleGlobal func()
	ToggleSubtitleMedia  func()
}

// DtmfAggregator collects tones into a per-session FIFO guarded by a
// restartable timer. Reaching the configured code length flushes
// immediately; the timer flushes whatever arrived when it fires.
type DtmfAggregator struct {
	mu      sync.Mutex
	queue   []string
	timer   *time.Timer
	active  bool
	timeout time.Duration
	length  int
	actions DtmfActions
}

func NewDtmfAggregator(timeout time.Duration, length int, actions DtmfActions) *DtmfAggregator {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if length <= 0 {
		length = 2
	}
	return &DtmfAggregator{timeout: timeout, length: length, actions: actions}
}

// Push accepts one tone.
func (d *DtmfAggregator) Push(tone string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.active {
		d.queue = append(d.queue, tone)
		if len(d.queue) >= d.length {
			d.flushLocked()
			return
		}
		d.timer.Reset(d.timeout)
		return
	}

	d.queue = []string{tone}
	d.active = true
	if d.timer == nil {
		d.timer = time.AfterFunc(d.timeout, d.onTimeout)
	} else {
		d.timer.Reset(d.timeout)
	}
}

func (d *DtmfAggregator) onTimeout() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active {
		d.flushLocked()
	}
}

// Stop cancels any pending command.
func (d *DtmfAggregator) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.queue = nil
	d.active = false
}

func (d *DtmfAggregator) flushLocked() {
	queue := d.queue
	d.queue = nil
	d.active = false
	if d.timer != nil {
		d.timer.Stop()
	}
	if len(queue) == 0 {
		return
	}

	cmd, args := queue[0], queue[1:]
	switch cmd {
	case dtmfCmdVideoFloor, dtmfCmdVideoFloorAlt:
		if len(args) > 0 {
			switch args[0] {
			case dtmfArgSubtitleGlobal:
				d.call(d.actions.ToggleSubtitleGlobal)
				return
			case dtmfArgSubtitleMedia:
				d.call(d.actions.ToggleSubtitleMedia)
				return
			}
		}
		d.call(d.actions.SetVideoFloor)
	case dtmfCmdLayout, dtmfCmdLayoutAlt:
		if d.actions.SetLayout != nil {
			d.actions.SetLayout(strings.Join(args, ""))
		}
	default:
		log.Warn().Str("module", "media.dtmf").Str("command", cmd).Msg("unknown dtmf command discarded")
	}
}

func (d *DtmfAggregator) call(f func()) {
	if f != nil {
		f()
	}
}
