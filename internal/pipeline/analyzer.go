package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"log/slog"

	"github.com/orcabot/orcabot/internal/llm"
	"github.com/orcabot/orcabot/internal/metrics"
)

// Intent and tone values the analyzer reports.
const (
	IntentQuestion   = "question"
	IntentRequest    = "request"
	IntentDiscussion = "discussion"
	IntentGreeting   = "greeting"
	IntentOther      = "other"

	ToneFormal = "formal"
	ToneCasual = "casual"
	ToneMixed  = "mixed"
)

const (
	// analyzerTemperature keeps the model close to the schema.
	analyzerTemperature = 0.3

	// heuristicConfidence is reported whenever the regex path runs.
	heuristicConfidence = 0.5

	// Windows at or below heuristicMaxMessages are too thin to be
	// worth an LLM round-trip.
	heuristicMaxMessages = 3

	maxHeuristicQuestions = 5
	maxHeuristicNumbers   = 10
)

// Entities are the concrete things a conversation mentions.
type Entities struct {
	People   []string `json:"people"`
	Dates    []string `json:"dates"`
	Products []string `json:"products"`
	Numbers  []string `json:"numbers"`
}

// Analysis is the analyzer's structured read of the conversation.
type Analysis struct {
	Intent          string   `json:"intent"`
	Tone            string   `json:"tone"`
	QuestionsAsked  []string `json:"questions_asked"`
	DecisionsMade   []string `json:"decisions_made"`
	UnresolvedItems []string `json:"unresolved_items"`
	Entities        Entities `json:"entities"`
	Summary         string   `json:"summary"`
	Confidence      float64  `json:"confidence"`
}

// Register and intent markers, English and Vietnamese. The Vietnamese
// alternations sit outside \b, which only understands ASCII.
var (
	questionRe = regexp.MustCompile(`(?i)(\?|^\s*(what|why|how|when|where|who|which|can|could|would|should|is|are|do|does|did)\b|tại sao|vì sao|làm sao|thế nào|khi nào|bao giờ|bao nhiêu|ở đâu|được không|phải không|đúng không|hay không)`)
	greetingRe = regexp.MustCompile(`(?i)^\s*((hi|hello|hey|yo|sup|good (morning|afternoon|evening)|alo)\b|xin chào|chào( (bạn|anh|chị|em|cả nhà|mọi người))?|hế lô)`)
	requestRe  = regexp.MustCompile(`(?i)^\s*(please|pls|can you|could you|send|give|make|help|show)\b|giúp mình|giúp tôi|làm ơn|hãy |gửi cho|cho mình|cho tôi`)
	formalRe   = regexp.MustCompile(`(?i)\b(please|kindly|regards|sincerely|would you|thank you|dear)\b|vui lòng|kính |thưa |dạ |trân trọng|xin cảm ơn`)
	casualRe   = regexp.MustCompile(`(?i)\b(lol|lmao|haha|bro|dude|omg|btw|gonna|wanna|yeah|nah)\b|hehe|hihi|kaka| nha\b| nhé| ơi|mày |tao `)
	numberRe   = regexp.MustCompile(`\d+[\d.,]*`)
)

// Analyzer is stage three. With an LLM it asks for a strict JSON
// analysis at low temperature; without one, or whenever the LLM path
// fails, it falls back to regex heuristics.
type Analyzer struct {
	llm    llm.Client
	reg    *metrics.Registry
	logger *slog.Logger
}

// Analyze reads the conversation. Never fails: the heuristic path has
// no failure mode.
func (a *Analyzer) Analyze(ctx context.Context, convo *Context, current string) *Analysis {
	if a.llm == nil || convo.MessageCount <= heuristicMaxMessages {
		return a.heuristic(convo, current)
	}
	an, err := a.analyzeLLM(ctx, convo, current)
	if err != nil {
		a.logger.Warn("llm analysis failed, using heuristic", "error", err)
		return a.heuristic(convo, current)
	}
	return an
}

func (a *Analyzer) analyzeLLM(ctx context.Context, convo *Context, current string) (*Analysis, error) {
	a.reg.Inc(metrics.LLMCalls)
	resp, err := a.llm.Chat(ctx, &llm.ChatRequest{
		System:      analyzerSystem,
		Messages:    []llm.Message{{Role: "user", Content: analyzerPrompt(convo.Rendered, current)}},
		Temperature: analyzerTemperature,
	})
	if err != nil {
		a.reg.Inc(metrics.LLMErrors)
		return nil, err
	}
	an, err := parseAnalysis(resp.Text)
	if err != nil {
		a.reg.Inc(metrics.LLMErrors)
		return nil, err
	}
	return an, nil
}

// parseAnalysis decodes the model's JSON, tolerating a fenced code
// block wrapper, and normalizes out-of-schema values.
func parseAnalysis(text string) (*Analysis, error) {
	cleaned := stripFences(text)
	var an Analysis
	if err := json.Unmarshal([]byte(cleaned), &an); err != nil {
		return nil, fmt.Errorf("analysis json: %w", err)
	}

	switch an.Intent {
	case IntentQuestion, IntentRequest, IntentDiscussion, IntentGreeting, IntentOther:
	default:
		an.Intent = IntentOther
	}
	switch an.Tone {
	case ToneFormal, ToneCasual, ToneMixed:
	default:
		an.Tone = ToneMixed
	}
	if an.Confidence < 0 {
		an.Confidence = 0
	}
	if an.Confidence > 1 {
		an.Confidence = 1
	}
	return &an, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// heuristic classifies with fixed regexes. Decisions and unresolved
// items stay empty: no regex detects those reliably.
func (a *Analyzer) heuristic(convo *Context, current string) *Analysis {
	an := &Analysis{
		Intent:     IntentOther,
		Confidence: heuristicConfidence,
	}

	switch {
	case greetingRe.MatchString(current):
		an.Intent = IntentGreeting
	case questionRe.MatchString(current):
		an.Intent = IntentQuestion
	case requestRe.MatchString(current):
		an.Intent = IntentRequest
	case convo.MessageCount > 1:
		an.Intent = IntentDiscussion
	}

	all := convo.Rendered + "\n" + current
	formal := len(formalRe.FindAllString(all, -1))
	casual := len(casualRe.FindAllString(all, -1))
	switch {
	case formal > 0 && casual > 0:
		an.Tone = ToneMixed
	case formal > 0:
		an.Tone = ToneFormal
	default:
		an.Tone = ToneCasual
	}

	an.QuestionsAsked = collectQuestions(convo.Rendered, current, an.Intent)
	if nums := numberRe.FindAllString(current, -1); len(nums) > 0 {
		if len(nums) > maxHeuristicNumbers {
			nums = nums[:maxHeuristicNumbers]
		}
		an.Entities.Numbers = nums
	}
	return an
}

// collectQuestions walks the window for lines that end with a question
// mark, then makes sure the current message is represented when it is
// itself the question.
func collectQuestions(rendered, current, intent string) []string {
	var questions []string
	for _, line := range strings.Split(rendered, "\n") {
		text := line
		if i := strings.Index(line, "]: "); i >= 0 {
			text = line[i+3:]
		}
		text = strings.TrimSpace(text)
		if strings.HasSuffix(text, "?") {
			questions = append(questions, text)
		}
	}

	cur := strings.TrimSpace(current)
	if intent == IntentQuestion && (len(questions) == 0 || questions[len(questions)-1] != cur) {
		questions = append(questions, cur)
	}

	if len(questions) > maxHeuristicQuestions {
		questions = questions[len(questions)-maxHeuristicQuestions:]
	}
	return questions
}
