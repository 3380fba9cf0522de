package pipeline

// Prompt templates for the LLM stages. Prompt text is Go code rather
// than config: templates interpolate with fmt, ride along at compile
// time, and get exercised by tests. Each template documents its format
// verbs.

import (
	"fmt"
	"strings"
)

// analyzerSystem pins the model to machine-readable output.
const analyzerSystem = "You analyze chat conversations. Respond with a single JSON object and nothing else."

// analyzerTemplate is the stage-three prompt. The two format verbs are
// the rendered conversation window and the current message.
const analyzerTemplate = `Analyze this chat conversation and return JSON with exactly these fields:

{
  "intent": "one of: question, request, discussion, greeting, other",
  "tone": "one of: formal, casual, mixed",
  "questions_asked": ["questions that are still open"],
  "decisions_made": ["decisions the participants reached"],
  "unresolved_items": ["things that still need an answer or follow-up"],
  "entities": {"people": [], "dates": [], "products": [], "numbers": []},
  "summary": "1-2 sentence summary of where the conversation stands",
  "confidence": 0.8
}

Base everything on what was actually said. The conversation may mix
English and Vietnamese; analyze it as-is. Lines are formatted
"[senderId]: text".

Conversation:
%s

Current message:
%s

JSON:`

// analyzerPrompt returns the fully interpolated analysis prompt.
func analyzerPrompt(conversation, current string) string {
	return fmt.Sprintf(analyzerTemplate, conversation, current)
}

// composerSystem frames the reply role for stage five.
const composerSystem = "You write the next message in a chat conversation. Match the conversation's language and register. Output only the message text."

// actionGoals maps plan actions to the goal line the composer prompt
// carries.
var actionGoals = map[string]string{
	ActionAnswerQuestion:  "answer the open question directly",
	ActionProposeNextStep: "propose a concrete next step",
	ActionClarifyMissing:  "ask for the information that is still missing",
	ActionSummarize:       "summarize where the conversation stands",
	ActionGreet:           "greet the sender back",
	ActionDiscuss:         "keep the discussion going naturally",
}

// composerPrompt builds the stage-five prompt: the conversation
// window, optional search findings, and the plan rendered as guidance
// lines. The closing directive keeps meta text out of the reply body.
func composerPrompt(conversation, searchText string, plan *Plan) string {
	var b strings.Builder

	b.WriteString("You are replying in this chat conversation. Lines are formatted \"[senderId]: text\".\n\nConversation:\n")
	b.WriteString(conversation)
	b.WriteString("\n")

	if searchText != "" {
		b.WriteString("\nRelevant information from a lookup:\n")
		b.WriteString(searchText)
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "\nGuidance for the reply:\n- Goal: %s\n- Tone: %s\n- Length: %s\n",
		actionGoal(plan.Action), plan.Tone, plan.LengthGuidance)
	if plan.IncludeGreeting {
		b.WriteString("- Open with a brief greeting\n")
	}
	for _, kp := range plan.KeyPoints {
		fmt.Fprintf(&b, "- Address: %s\n", kp)
	}
	for _, ar := range plan.AvoidRepeating {
		fmt.Fprintf(&b, "- Already settled, do not repeat: %s\n", ar)
	}

	b.WriteString("\nWrite only the message body. No sender prefix, no quotes around it, no commentary about what you are doing.")
	return b.String()
}

// actionGoal resolves one action's goal line, defaulting to discuss.
func actionGoal(action string) string {
	if g, ok := actionGoals[action]; ok {
		return g
	}
	return actionGoals[ActionDiscuss]
}

// disambiguationPrompt is the resolver's question when several threads
// could be the reply target. Nameless threads fall back to their id.
func disambiguationPrompt(candidates []ThreadCandidate) string {
	var b strings.Builder
	b.WriteString("Which conversation did you mean?")
	for i, c := range candidates {
		name := c.Name
		if name == "" {
			name = c.ThreadID.String()
		}
		fmt.Fprintf(&b, "\n%d. %s", i+1, name)
	}
	return b.String()
}
