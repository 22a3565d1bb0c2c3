package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"courier/internal/envelope"
	"courier/internal/jitter"
	"courier/internal/metrics"
)

// SurveyOptions assembles a SurveyReporter.
type SurveyOptions struct {
	SurveyFile string
	SurveyURL  string
	Delay      time.Duration
	Jitter     float64

	Client     *http.Client
	Codec      envelope.Codec
	MachineKey string
	Metrics    *metrics.Set
	Log        zerolog.Logger
}

// SurveyReporter delivers a survey artifact in a single attempt. There is no
// retry loop here: a failure leaves the file in place for the next external
// trigger.
type SurveyReporter struct {
	opts SurveyOptions
	log  zerolog.Logger
}

// NewSurveyReporter returns a configured SurveyReporter.
func NewSurveyReporter(opts SurveyOptions) *SurveyReporter {
	return &SurveyReporter{
		opts: opts,
		log:  opts.Log.With().Str("component", "survey-reporter").Logger(),
	}
}

// Report uploads the survey file if it exists and deletes it on success.
// A missing file is a no-op, not an error.
func (s *SurveyReporter) Report(ctx context.Context) error {
	if _, err := os.Stat(s.opts.SurveyFile); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.log.Debug().Str("file", s.opts.SurveyFile).Msg("no survey artifact")
			return nil
		}
		return fmt.Errorf("stat survey file: %w", err)
	}

	if !jitter.Sleep(ctx, s.opts.Delay, s.opts.Jitter) {
		return ctx.Err()
	}

	data, err := os.ReadFile(s.opts.SurveyFile)
	if err != nil {
		return fmt.Errorf("read survey file: %w", err)
	}

	var survey any
	if err := json.Unmarshal(data, &survey); err != nil {
		return fmt.Errorf("parse survey file: %w", err)
	}

	body, err := s.opts.Codec.Encode(survey, s.opts.MachineKey)
	if err != nil {
		return fmt.Errorf("encode survey: %w", err)
	}

	if err := postJSON(ctx, s.opts.Client, s.opts.SurveyURL, body); err != nil {
		return fmt.Errorf("upload survey: %w", err)
	}

	if err := os.Remove(s.opts.SurveyFile); err != nil {
		return fmt.Errorf("remove survey file after upload: %w", err)
	}

	s.opts.Metrics.SurveysReported.Inc()
	s.log.Info().Str("file", s.opts.SurveyFile).Msg("survey reported")
	return nil
}
