package summary

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/voicelink/callbridge/pkg/frames"
	"github.com/voicelink/callbridge/pkg/logging"
	"github.com/voicelink/callbridge/pkg/metrics"
	"github.com/voicelink/callbridge/pkg/store"
	"github.com/voicelink/callbridge/pkg/transcript"
)

// TextGenerator is the text-generation capability used for rich summaries.
type TextGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// CallSummary is produced exactly once per call session.
type CallSummary struct {
	CandidateID string
	GeneratedAt time.Time
	Text        string
	EventCount  int
	// Fallback marks a degraded summary produced without the generation
	// capability.
	Fallback bool
}

type Config struct {
	// MaxTranscriptChars bounds the transcript text included in the
	// prompt; older turns are trimmed first.
	MaxTranscriptChars int
	Timeout            time.Duration
	Observer           metrics.Observer
}

func (c Config) withDefaults() Config {
	if c.MaxTranscriptChars <= 0 {
		c.MaxTranscriptChars = 8000
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Observer == nil {
		c.Observer = metrics.NoopObserver{}
	}
	return c
}

// Summarizer turns a finished transcript into a CallSummary and persists it
// through the candidate store. It never returns an error to the call
// pipeline: generation failures degrade to a deterministic fallback.
type Summarizer struct {
	cfg    Config
	gen    TextGenerator
	store  store.Store
	logger *slog.Logger
}

func NewSummarizer(gen TextGenerator, st store.Store, cfg Config) *Summarizer {
	return &Summarizer{
		cfg:    cfg.withDefaults(),
		gen:    gen,
		store:  st,
		logger: logging.NewComponentLogger(slog.Default(), "summarizer"),
	}
}

// Summarize builds a prompt from the ordered transcript, invokes the
// generator and writes the result to the candidate store. The degraded
// path is taken when the generator fails, returns an empty result, or no
// generator is configured.
func (s *Summarizer) Summarize(ctx context.Context, snapshot []transcript.Event, candidateID string) CallSummary {
	out := CallSummary{
		CandidateID: candidateID,
		GeneratedAt: time.Now(),
		EventCount:  len(snapshot),
	}

	// Nothing was said; there is nothing to generate from.
	if len(snapshot) == 0 {
		out.Text = FallbackText(out.GeneratedAt, 0)
		out.Fallback = true
		s.persist(candidateID, out)
		s.record(candidateID, out)
		return out
	}

	text, err := s.generate(ctx, snapshot)
	if err != nil || strings.TrimSpace(text) == "" {
		if err != nil {
			s.logger.Warn("summary_generation_failed",
				slog.String("candidate_id", candidateID),
				slog.String("error", err.Error()))
		}
		out.Text = FallbackText(out.GeneratedAt, len(snapshot))
		out.Fallback = true
	} else {
		out.Text = fmt.Sprintf("Call summary (%s):\n%s",
			out.GeneratedAt.Format("2006-01-02 15:04:05"), strings.TrimSpace(text))
	}

	s.persist(candidateID, out)
	s.record(candidateID, out)
	return out
}

func (s *Summarizer) generate(ctx context.Context, snapshot []transcript.Event) (string, error) {
	if s.gen == nil {
		return "", fmt.Errorf("no generator configured")
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	return s.gen.Generate(ctx, s.buildPrompt(snapshot))
}

func (s *Summarizer) buildPrompt(snapshot []transcript.Event) string {
	var b strings.Builder
	for _, ev := range snapshot {
		role := "User"
		if ev.Speaker == transcript.SpeakerAgent {
			role = "Agent"
		}
		b.WriteString(role)
		b.WriteString(": ")
		b.WriteString(ev.Text)
		b.WriteString("\n")
	}
	conversation := b.String()
	if len(conversation) > s.cfg.MaxTranscriptChars {
		conversation = conversation[len(conversation)-s.cfg.MaxTranscriptChars:]
	}
	return "Generate a concise, structured summary of the following call:\n" +
		conversation +
		"\nThe summary must include:\n" +
		"1. Main points discussed\n" +
		"2. Agreements or decisions reached\n" +
		"3. Next steps or actions to take, if any\n" +
		"4. Overall emotional state of the beneficiary\n"
}

func (s *Summarizer) persist(candidateID string, out CallSummary) {
	if s.store == nil || candidateID == "" {
		return
	}
	if err := s.store.UpdateCandidate(candidateID, store.Fields{"summary": out.Text}); err != nil {
		s.logger.Error("summary_store_update_failed",
			slog.String("candidate_id", candidateID),
			slog.String("error", err.Error()))
	}
}

func (s *Summarizer) record(candidateID string, out CallSummary) {
	s.cfg.Observer.RecordEvent(metrics.MetricsEvent{
		Name: "call_summary",
		Time: out.GeneratedAt,
		Tags: map[string]string{
			frames.MetaCandidateID: candidateID,
		},
		Fields: map[string]any{
			"event_count": out.EventCount,
			"fallback":    out.Fallback,
		},
	})
}

// FallbackText is the deterministic degraded summary.
func FallbackText(at time.Time, exchanges int) string {
	return fmt.Sprintf("Call summary (%s): %d exchanges recorded, detailed summary unavailable.",
		at.Format("2006-01-02 15:04:05"), exchanges)
}

// SummarizeFallback produces the degraded summary unconditionally, skipping
// the generator even when one is configured. Used when the call ended on an
// error path and the transcript cannot be trusted to be complete.
func (s *Summarizer) SummarizeFallback(ctx context.Context, snapshot []transcript.Event, candidateID string) CallSummary {
	_ = ctx
	out := CallSummary{
		CandidateID: candidateID,
		GeneratedAt: time.Now(),
		EventCount:  len(snapshot),
		Fallback:    true,
	}
	out.Text = FallbackText(out.GeneratedAt, len(snapshot))
	s.persist(candidateID, out)
	s.record(candidateID, out)
	return out
}
