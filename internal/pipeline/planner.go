package pipeline

import "strings"

// Plan actions and length guidance values.
const (
	ActionAnswerQuestion  = "answer_question"
	ActionProposeNextStep = "propose_next_step"
	ActionClarifyMissing  = "clarify_missing_info"
	ActionSummarize       = "summarize"
	ActionGreet           = "greet"
	ActionDiscuss         = "discuss"

	LengthConcise  = "concise"
	LengthMedium   = "medium"
	LengthDetailed = "detailed"
)

// maxKeyPoints bounds how much of the analysis the composer prompt
// carries.
const maxKeyPoints = 5

// Plan is the reply blueprint handed to the composer.
type Plan struct {
	Action          string
	KeyPoints       []string
	Tone            string
	LengthGuidance  string
	IncludeGreeting bool
	AvoidRepeating  []string
	SearchQuery     string
}

// BuildPlan derives the reply plan from the analysis, the gating
// decision, and the current message. Pure function: no I/O, no LLM,
// same inputs same plan.
func BuildPlan(an *Analysis, gating Gating, current string, messageCount int) *Plan {
	p := &Plan{
		Tone:           an.Tone,
		LengthGuidance: LengthMedium,
		AvoidRepeating: an.DecisionsMade,
	}

	switch {
	case an.Intent == IntentGreeting:
		p.Action = ActionGreet
		p.LengthGuidance = LengthConcise
		p.IncludeGreeting = true
	case an.Intent == IntentQuestion:
		p.Action = ActionAnswerQuestion
	case len(an.UnresolvedItems) > 0:
		p.Action = ActionClarifyMissing
		p.KeyPoints = append(p.KeyPoints, an.UnresolvedItems...)
	case len(an.QuestionsAsked) > 0:
		p.Action = ActionAnswerQuestion
	case len(an.DecisionsMade) > 0:
		p.Action = ActionProposeNextStep
	default:
		p.Action = ActionDiscuss
	}

	// Whatever gets answered, the open question comes first.
	if p.Action == ActionAnswerQuestion {
		if q := lastQuestion(an, current); q != "" {
			p.KeyPoints = append([]string{q}, p.KeyPoints...)
		}
	}

	if len(p.KeyPoints) > maxKeyPoints {
		p.KeyPoints = p.KeyPoints[:maxKeyPoints]
	}

	// Fresh threads and greetings get greeted back.
	if messageCount <= 2 || an.Intent == IntentGreeting {
		p.IncludeGreeting = true
	}

	if gating.NeedSearch {
		p.SearchQuery = strings.TrimSpace(current)
	}
	return p
}

func lastQuestion(an *Analysis, current string) string {
	if n := len(an.QuestionsAsked); n > 0 {
		return an.QuestionsAsked[n-1]
	}
	return strings.TrimSpace(current)
}
