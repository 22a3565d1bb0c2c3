// Package relay implements the outbound half of the agent: a perpetual loop
// that harvests locally produced result files and uploads them with
// crash-safe rotation, plus the one-shot survey reporter. Delivery is
// at-least-once: a capture is either uploaded and cleared locally, or
// restored to disk for a later cycle.
package relay

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"courier/internal/envelope"
	"courier/internal/jitter"
	"courier/internal/metrics"
)

// TransferLogDump is one batch of raw log text bound for the results
// endpoint.
type TransferLogDump struct {
	Log string `json:"Log"`
}

const (
	kindPrimary  = "primary"
	kindOverflow = "overflow"
)

// Options assembles a Relay from its collaborators.
type Options struct {
	Enabled     bool
	ResultsURL  string
	PrimaryFile string
	Excluded    []string
	Interval    time.Duration
	Jitter      float64

	Client     *http.Client
	Codec      envelope.Codec
	MachineKey string
	Archive    *Archive
	Metrics    *metrics.Set
	Log        zerolog.Logger
}

// Relay drains result files to the control server.
type Relay struct {
	opts     Options
	excluded map[string]struct{}
	log      zerolog.Logger
}

// New returns a configured Relay.
func New(opts Options) *Relay {
	excluded := make(map[string]struct{}, len(opts.Excluded))
	for _, name := range opts.Excluded {
		excluded[name] = struct{}{}
	}
	return &Relay{
		opts:     opts,
		excluded: excluded,
		log:      opts.Log.With().Str("component", "result-relay").Logger(),
	}
}

// Run executes the relay loop until ctx is cancelled. When relaying is
// disabled it returns immediately.
func (r *Relay) Run(ctx context.Context) error {
	if !r.opts.Enabled {
		r.log.Info().Msg("result relaying disabled")
		return nil
	}

	r.log.Info().
		Str("endpoint", r.opts.ResultsURL).
		Str("primary", r.opts.PrimaryFile).
		Dur("interval", r.opts.Interval).
		Msg("result relay started")

	for {
		if !jitter.Sleep(ctx, r.opts.Interval, r.opts.Jitter) {
			r.log.Info().Msg("result relay stopped")
			return ctx.Err()
		}
		r.cycle(ctx)
	}
}

// cycle relays the primary file first, then scans for overflow files. Every
// file is fault-isolated: one failure never blocks the rest of the cycle.
func (r *Relay) cycle(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().Interface("panic", rec).Msg("relay cycle panicked")
		}
	}()

	if fileExists(r.opts.PrimaryFile) {
		r.relayFile(ctx, r.opts.PrimaryFile, false, kindPrimary)
	}

	for _, path := range r.scanOverflow() {
		if ctx.Err() != nil {
			return
		}
		r.relayFile(ctx, path, true, kindOverflow)
	}
}

// scanOverflow lists log files in the primary file's directory that are
// neither the primary file nor excluded by configuration.
func (r *Relay) scanOverflow() []string {
	dir := filepath.Dir(r.opts.PrimaryFile)
	primary := filepath.Base(r.opts.PrimaryFile)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			r.log.Warn().Err(err).Str("dir", dir).Msg("scan result dir")
		}
		return nil
	}

	var found []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if filepath.Ext(name) != ".log" || name == primary {
			continue
		}
		if _, skip := r.excluded[name]; skip {
			continue
		}
		found = append(found, filepath.Join(dir, name))
	}
	return found
}

func (r *Relay) relayFile(ctx context.Context, path string, deletable bool, kind string) {
	r.opts.Metrics.RelayAttempts.WithLabelValues(kind).Inc()

	err := r.rotateAndSend(ctx, path, deletable)
	if err == nil {
		r.opts.Metrics.RelaySuccesses.WithLabelValues(kind).Inc()
		return
	}

	r.opts.Metrics.RelayFailures.WithLabelValues(kind).Inc()

	var restored *RestoredError
	if errors.As(err, &restored) {
		r.log.Warn().Err(restored.Err).Str("file", path).Msg("relay failed, capture restored for retry")
		return
	}
	r.log.Error().Err(err).Str("file", path).Msg("relay failed")
}

// send encodes the capture per the configured codec and POSTs it.
func (r *Relay) send(ctx context.Context, data []byte) error {
	dump := TransferLogDump{Log: string(data)}
	body, err := r.opts.Codec.Encode(dump, r.opts.MachineKey)
	if err != nil {
		return err
	}
	if err := postJSON(ctx, r.opts.Client, r.opts.ResultsURL, body); err != nil {
		return err
	}
	r.opts.Metrics.BytesUploaded.Add(float64(len(data)))
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
