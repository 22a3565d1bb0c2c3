// Package update implements the inbound half of the agent: a perpetual loop
// that polls the control server for typed updates and dispatches them. A bad
// cycle is logged and survived; only context cancellation stops the loop.
package update

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"courier/internal/dispatch"
	"courier/internal/jitter"
	"courier/internal/metrics"
	"courier/internal/timeline"
)

const maxUpdateBody = 8 << 20

// Options assembles a Poller from its collaborators.
type Options struct {
	Enabled      bool
	UpdatesURL   string
	TimelinesURL string
	HealthPath   string
	Interval     time.Duration
	Jitter       float64

	Client     *http.Client
	Store      *timeline.Store
	Dispatcher dispatch.Dispatcher
	Metrics    *metrics.Set
	Log        zerolog.Logger
}

// Poller polls the updates endpoint and dispatches by update type.
type Poller struct {
	opts Options
	log  zerolog.Logger
}

// NewPoller returns a configured Poller.
func NewPoller(opts Options) *Poller {
	return &Poller{
		opts: opts,
		log:  opts.Log.With().Str("component", "update-poller").Logger(),
	}
}

// Run executes the polling loop until ctx is cancelled. When polling is
// disabled it returns immediately without touching the network.
func (p *Poller) Run(ctx context.Context) error {
	if !p.opts.Enabled {
		p.log.Info().Msg("update polling disabled")
		return nil
	}

	p.log.Info().
		Str("endpoint", p.opts.UpdatesURL).
		Dur("interval", p.opts.Interval).
		Msg("update poller started")

	for {
		if !jitter.Sleep(ctx, p.opts.Interval, p.opts.Jitter) {
			p.log.Info().Msg("update poller stopped")
			return ctx.Err()
		}
		p.cycle(ctx)
	}
}

// cycle runs one poll-and-dispatch pass. Panics from dispatch collaborators
// are recovered here so a single bad update can never kill the loop.
func (p *Poller) cycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.opts.Metrics.PollFailures.Inc()
			p.log.Error().Interface("panic", r).Msg("poll cycle panicked")
		}
	}()

	p.opts.Metrics.PollCycles.Inc()

	env, ok := p.fetch(ctx)
	if !ok {
		return
	}
	p.dispatchUpdate(ctx, env)
}

// fetch polls once. The second return value is false when there is nothing
// to dispatch: connection failures, 404, empty bodies, and unparseable
// envelopes all end the cycle quietly.
func (p *Poller) fetch(ctx context.Context) (Envelope, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.opts.UpdatesURL, nil)
	if err != nil {
		p.log.Error().Err(err).Msg("build update request")
		return Envelope{}, false
	}

	resp, err := p.opts.Client.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			p.opts.Metrics.PollFailures.Inc()
			p.log.Warn().Err(err).Msg("update poll failed")
		}
		return Envelope{}, false
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		p.log.Debug().Msg("no update available")
		return Envelope{}, false
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		p.opts.Metrics.PollFailures.Inc()
		p.log.Warn().Int("status", resp.StatusCode).Msg("update poll unexpected status")
		return Envelope{}, false
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUpdateBody))
	if err != nil {
		p.opts.Metrics.PollFailures.Inc()
		p.log.Warn().Err(err).Msg("read update body")
		return Envelope{}, false
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return Envelope{}, false
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		p.opts.Metrics.PollFailures.Inc()
		p.log.Warn().Err(err).Msg("parse update envelope")
		return Envelope{}, false
	}
	return env, true
}

func (p *Poller) dispatchUpdate(ctx context.Context, env Envelope) {
	switch env.Type {
	case TypeRequestForTimeline:
		p.opts.Metrics.Updates.WithLabelValues(string(env.Type)).Inc()
		p.handleTimelineRequest(ctx, env.Update)
	case TypeTimeline:
		p.opts.Metrics.Updates.WithLabelValues(string(env.Type)).Inc()
		p.handleTimelineReplace(env.Update)
	case TypeTimelinePartial:
		p.opts.Metrics.Updates.WithLabelValues(string(env.Type)).Inc()
		p.handleTimelinePartial(ctx, env.Update)
	case TypeHealth:
		p.opts.Metrics.Updates.WithLabelValues(string(env.Type)).Inc()
		p.handleHealth(env.Update)
	default:
		p.log.Warn().Str("type", string(env.Type)).Msg("unrecognized update type")
	}
}

// handleTimelineRequest reports stored timelines back to the server: the one
// matching the requested id, or all of them when the request names none. A
// failed upload of one timeline does not stop the rest.
func (p *Poller) handleTimelineRequest(ctx context.Context, payload json.RawMessage) {
	var req TimelineRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		p.log.Debug().Err(err).Msg("timeline request without usable payload, reporting all")
	}

	stored, err := p.opts.Store.Load()
	if err != nil {
		p.log.Error().Err(err).Msg("load stored timelines")
		return
	}
	if len(stored) == 0 {
		p.log.Debug().Msg("no stored timelines to report")
		return
	}

	selected := stored
	if req.TimelineId != "" {
		for _, t := range stored {
			if t.Id == req.TimelineId {
				selected = []timeline.Timeline{t}
				break
			}
		}
	}

	for _, t := range selected {
		if err := p.reportTimeline(ctx, t); err != nil {
			p.log.Error().Err(err).Str("timeline_id", t.Id).Msg("report timeline")
		}
	}
}

func (p *Poller) reportTimeline(ctx context.Context, t timeline.Timeline) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal timeline: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.opts.TimelinesURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build timeline report: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.opts.Client.Do(req)
	if err != nil {
		return fmt.Errorf("post timeline: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post timeline unexpected status %d", resp.StatusCode)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// handleTimelineReplace overwrites the stored timeline content verbatim.
func (p *Poller) handleTimelineReplace(payload json.RawMessage) {
	if err := p.opts.Store.Replace(payload); err != nil {
		p.log.Error().Err(err).Msg("replace timeline store")
		return
	}
	p.log.Info().Int("bytes", len(payload)).Msg("timeline replaced")
}

// handleTimelinePartial injects trackable ids and hands each handler to the
// dispatcher independently.
func (p *Poller) handleTimelinePartial(ctx context.Context, payload json.RawMessage) {
	var t timeline.Timeline
	if err := json.Unmarshal(payload, &t); err != nil {
		p.log.Warn().Err(err).Msg("parse partial timeline")
		return
	}

	assigned := timeline.EnsureTrackableIDs(&t)
	if assigned > 0 {
		p.log.Debug().Int("assigned", assigned).Msg("trackable ids injected")
	}

	for _, h := range t.Handlers {
		if err := p.opts.Dispatcher.Dispatch(ctx, t.Id, h); err != nil {
			p.opts.Metrics.DispatchFailures.Inc()
			p.log.Error().Err(err).
				Str("timeline_id", t.Id).
				Str("handler_type", h.HandlerType).
				Msg("dispatch handler")
		}
	}
}

// handleHealth persists the payload as indented JSON, replacing any previous
// snapshot atomically.
func (p *Poller) handleHealth(payload json.RawMessage) {
	var indented bytes.Buffer
	if err := json.Indent(&indented, payload, "", "  "); err != nil {
		p.log.Warn().Err(err).Msg("parse health payload")
		return
	}

	dir := filepath.Dir(p.opts.HealthPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		p.log.Error().Err(err).Msg("create health dir")
		return
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(p.opts.HealthPath)+".*")
	if err != nil {
		p.log.Error().Err(err).Msg("create health temp file")
		return
	}

	_, werr := tmp.Write(indented.Bytes())
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		os.Remove(tmp.Name())
		p.log.Error().AnErr("write", werr).AnErr("close", cerr).Msg("write health snapshot")
		return
	}

	if err := os.Rename(tmp.Name(), p.opts.HealthPath); err != nil {
		os.Remove(tmp.Name())
		p.log.Error().Err(err).Msg("replace health snapshot")
		return
	}
	p.log.Info().Msg("health snapshot updated")
}
