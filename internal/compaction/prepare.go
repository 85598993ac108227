package compaction

import (
	"github.com/haasonsaas/weft/internal/config"
	"github.com/haasonsaas/weft/pkg/models"
)

// Preparation describes what a compaction will do: which entries get
// summarized, which are kept verbatim, and where the kept tail starts.
type Preparation struct {
	SummarizeEntries []*models.Entry
	KeepEntries      []*models.Entry
	FirstKeptEntryID string
	TokensBefore     int

	// PriorSummary carries the active compaction's summary so a second
	// compaction does not lose what the first one already condensed.
	PriorSummary string
}

// Prepare splits a branch for compaction, or returns nil when nothing can
// be compacted: the branch is already below the keep budget, or the last
// entry is already a compaction.
func Prepare(branch []*models.Entry, settings config.CompactionSettings) *Preparation {
	if len(branch) == 0 {
		return nil
	}
	if branch[len(branch)-1].Type == models.EntryCompaction {
		return nil
	}

	// Resume after the active compaction, if any; its summary is carried
	// into the new one.
	start := 0
	priorSummary := ""
	index := make(map[string]int, len(branch))
	for i, e := range branch {
		index[e.ID] = i
	}
	for i := len(branch) - 1; i >= 0; i-- {
		e := branch[i]
		if e.Type == models.EntryCompaction && e.Compaction != nil {
			if at, ok := index[e.Compaction.FirstKeptEntryID]; ok {
				start = at
				priorSummary = e.Compaction.Summary
			}
			break
		}
	}

	var candidates []*models.Entry
	for _, e := range branch[start:] {
		if e.Type == models.EntryCompaction {
			continue
		}
		if !e.InContext() {
			continue
		}
		if e.Type == models.EntryAssistantMessage && e.Assistant != nil && e.Assistant.StopReason == models.StopError {
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) < 2 {
		return nil
	}

	tokens := make([]int, len(candidates))
	total := 0
	for i, e := range candidates {
		tokens[i] = EstimateTokens(e)
		total += tokens[i]
	}

	// Walk backwards keeping roughly KeepRecentTokens, then snap the cut
	// to a user message so a tool call is never separated from its result.
	keepBudget := settings.KeepRecentTokens
	if keepBudget <= 0 {
		keepBudget = 20000
	}
	cut := len(candidates)
	acc := 0
	for i := len(candidates) - 1; i > 0; i-- {
		acc += tokens[i]
		cut = i
		if acc >= keepBudget {
			break
		}
	}
	for cut > 0 && candidates[cut].Type != models.EntryUserMessage {
		cut--
	}
	if cut <= 0 {
		// The kept tail would swallow everything: too small to compact.
		return nil
	}

	return &Preparation{
		SummarizeEntries: candidates[:cut],
		KeepEntries:      candidates[cut:],
		FirstKeptEntryID: candidates[cut].ID,
		TokensBefore:     total,
		PriorSummary:     priorSummary,
	}
}

// ShouldCompact reports whether a successful assistant message pushed the
// context past the threshold. The comparison is strict: exactly reaching
// the trigger point does not compact.
func ShouldCompact(usage models.Usage, contextWindow int, settings config.CompactionSettings) bool {
	if !settings.Enabled || contextWindow <= 0 {
		return false
	}
	reserve := settings.ReserveTokens
	if reserve <= 0 {
		reserve = 16384
	}
	return usage.ContextTokens() > contextWindow-reserve
}
