// Package transcript tracks the partial/final transcript state for one
// speech session.
package transcript

import (
	"log/slog"
	"strings"
	"time"
)

// Handler holds the last partial and final transcripts seen from an STT
// adapter and exposes the staleness check the speech session uses to force
// a premature final when the talker trails off without the STT ever
// emitting one.
//
// Handler is not safe for concurrent use; SpeechSession serializes calls to
// it from the session's single monitoring goroutine.
type Handler struct {
	logger *slog.Logger

	lastPartial          string
	lastFinal            string
	lastPartialAt        time.Time
	partialUnchangedFor  time.Duration

	OnPartial func(text string)
	OnFinal   func(text string)
}

func New(logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger}
}

// HandlePartial records a partial transcript update. Unchanged partials
// don't retrigger OnPartial; the unchanged timer keeps advancing so
// HasStalePartial can still fire.
func (h *Handler) HandlePartial(text string, now time.Time) {
	text = strings.TrimSpace(text)
	if text == h.lastPartial {
		if !h.lastPartialAt.IsZero() {
			h.partialUnchangedFor = now.Sub(h.lastPartialAt)
		}
		return
	}
	h.lastPartial = text
	h.lastPartialAt = now
	h.partialUnchangedFor = 0

	if text == "" {
		return
	}
	h.logger.Info("partial transcript", "text", text)
	if h.OnPartial != nil {
		h.OnPartial(text)
	}
}

// HandleFinal records a final transcript. Empty finals are ignored — an STT
// adapter emitting an empty "text" field is treated as having nothing to
// say, not as ending the utterance.
func (h *Handler) HandleFinal(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	h.lastFinal = text
	h.lastPartialAt = time.Time{}
	h.partialUnchangedFor = 0
	if text != h.lastPartial {
		h.lastPartial = text
	}

	h.logger.Info("final transcript", "text", text)
	if h.OnFinal != nil {
		h.OnFinal(text)
	}
}

// HasStalePartial reports whether the current partial has sat unchanged for
// at least maxUnchanged, signaling the session should promote it to final
// on its own rather than waiting forever for the STT adapter to confirm.
func (h *Handler) HasStalePartial(maxUnchanged time.Duration) bool {
	if h.lastPartial == "" || h.lastPartialAt.IsZero() {
		return false
	}
	if time.Since(h.lastPartialAt) >= maxUnchanged {
		return true
	}
	return h.partialUnchangedFor >= maxUnchanged
}

// Clear resets all transcript state. The speech session calls it on
// barge-in.
func (h *Handler) Clear() {
	h.lastPartial = ""
	h.lastFinal = ""
	h.lastPartialAt = time.Time{}
	h.partialUnchangedFor = 0
}

// Best returns the most definitive transcript available: the last final if
// one exists, otherwise the last partial, otherwise an empty string.
func (h *Handler) Best() string {
	if h.lastFinal != "" {
		return h.lastFinal
	}
	return h.lastPartial
}

// LastPartial and LastFinal expose the raw tracked strings for callers (e.g.
// logging, scenario validation) that need to distinguish the two rather
// than use Best's fallback.
func (h *Handler) LastPartial() string { return h.lastPartial }
func (h *Handler) LastFinal() string   { return h.lastFinal }
