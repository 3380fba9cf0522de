package pipeline

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"

	"log/slog"

	"github.com/orcabot/orcabot/internal/store"
	"github.com/orcabot/orcabot/internal/types"
)

// referencePatterns match phrases that point a reply at a different
// thread than the one the message arrived in. English and Vietnamese.
// Vietnamese alternations avoid \b, which only understands ASCII word
// characters.
var referencePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\breply (there|in (that|the other) (thread|chat|group|conversation))\b`),
	regexp.MustCompile(`(?i)\bsend (it |that |this )?(to|in) (that|the other) (thread|chat|group|conversation)\b`),
	regexp.MustCompile(`(?i)\b(tell|message|answer|ask) (them|him|her) (there|in (that|the other) (thread|chat|group))\b`),
	regexp.MustCompile(`(?i)\bover in (that|the other) (thread|chat|group)\b`),
	regexp.MustCompile(`(?i)trả lời (trong|bên|ở) (đó|kia)`),
	regexp.MustCompile(`(?i)gửi (qua|sang|vào) (bên|nhóm|đoạn chat) (kia|đó)`),
	regexp.MustCompile(`(?i)nhắn (bên|qua|trong) (nhóm |đoạn chat )?(kia|đó)`),
}

// Candidate scoring. A thread accumulates weight for name words found
// in the message, for its whole name appearing verbatim, for recent
// activity, and for being a group. Anything at or below scoreFloor is
// noise; a best candidate at or above scoreConfident wins outright.
const (
	scoreWordOverlap = 0.3
	scoreFullName    = 0.4
	scoreFreshHour   = 0.2
	scoreFreshDay    = 0.1
	scoreGroup       = 0.1
	scoreFloor       = 0.4
	scoreConfident   = 0.75
)

// candidateLimit bounds how many threads one resolution scores.
const candidateLimit = 50

// ThreadCandidate is one scored disambiguation option.
type ThreadCandidate struct {
	ThreadID types.ID
	Name     string
	Score    float64
}

// Resolution is the resolver's outcome. Either a target thread with a
// confidence, or Ambiguous with a ready-to-send question and the top
// candidates that produced it.
type Resolution struct {
	ThreadID   types.ID
	Confidence float64
	Ambiguous  bool
	Prompt     string
	Candidates []ThreadCandidate
}

// Resolver decides which thread a reply should target.
type Resolver struct {
	threads Store
	logger  *slog.Logger
	nowFunc func() time.Time
}

func newResolver(threads Store, logger *slog.Logger) *Resolver {
	return &Resolver{threads: threads, logger: logger, nowFunc: time.Now}
}

// Resolve inspects text for a cross-thread reference. Without one the
// current thread wins with full confidence. With one, known threads
// are scored; a clear winner is returned directly and a murky field
// becomes a disambiguation question.
func (r *Resolver) Resolve(current types.ID, text string) (*Resolution, error) {
	if !referencesOtherThread(text) {
		return &Resolution{ThreadID: current, Confidence: 1.0}, nil
	}

	threads, err := r.threads.ListThreads(candidateLimit, 0)
	if err != nil {
		return nil, fmt.Errorf("list candidate threads: %w", err)
	}

	now := r.nowFunc()
	messageWords := wordSet(text)
	lowered := strings.ToLower(text)

	var candidates []ThreadCandidate
	for i := range threads {
		t := &threads[i]
		if t.ID == current || !t.Enabled {
			continue
		}
		score := scoreThread(t, messageWords, lowered, now)
		if score <= scoreFloor {
			continue
		}
		candidates = append(candidates, ThreadCandidate{
			ThreadID: t.ID,
			Name:     t.Name,
			Score:    score,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})

	if len(candidates) > 0 && candidates[0].Score >= scoreConfident {
		best := candidates[0]
		conf := best.Score
		if conf > 1.0 {
			conf = 1.0
		}
		r.logger.Debug("cross-thread reference resolved",
			"thread_id", best.ThreadID, "name", best.Name, "score", best.Score)
		return &Resolution{ThreadID: best.ThreadID, Confidence: conf}, nil
	}

	if len(candidates) == 0 {
		// Reference phrasing detected but no thread is plausible.
		// Answering in place beats guessing.
		r.logger.Debug("cross-thread reference had no plausible target")
		return &Resolution{ThreadID: current, Confidence: 0.5}, nil
	}

	if len(candidates) > 3 {
		candidates = candidates[:3]
	}
	return &Resolution{
		ThreadID:   current,
		Ambiguous:  true,
		Prompt:     disambiguationPrompt(candidates),
		Candidates: candidates,
	}, nil
}

func referencesOtherThread(text string) bool {
	for _, re := range referencePatterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func scoreThread(t *store.Thread, messageWords map[string]bool, loweredText string, now time.Time) float64 {
	name := strings.ToLower(strings.TrimSpace(t.Name))
	if name == "" {
		return 0
	}

	var score float64
	for _, w := range splitWords(name) {
		if messageWords[w] {
			score += scoreWordOverlap
		}
	}
	if strings.Contains(loweredText, name) {
		score += scoreFullName
	}

	switch age := now.Sub(t.UpdatedAt); {
	case age < time.Hour:
		score += scoreFreshHour
	case age < 24*time.Hour:
		score += scoreFreshDay
	}

	if t.IsGroup {
		score += scoreGroup
	}
	return score
}

func splitWords(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func wordSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range splitWords(s) {
		set[w] = true
	}
	return set
}
