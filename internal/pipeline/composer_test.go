package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/orcabot/orcabot/internal/metrics"
)

func TestComposeUnavailableWithoutLLM(t *testing.T) {
	c := &Composer{reg: metrics.NewRegistry(), logger: testLogger()}

	_, err := c.Compose(context.Background(), "[1]: hi", "", &Plan{Action: ActionGreet})
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestComposeTrimsAndCounts(t *testing.T) {
	client := &fakeLLM{response: "  Hey! Good to hear from you.\n"}
	reg := metrics.NewRegistry()
	c := &Composer{llm: client, reg: reg, logger: testLogger()}

	got, err := c.Compose(context.Background(), "[1]: hi", "", &Plan{
		Action: ActionGreet, Tone: ToneCasual, LengthGuidance: LengthConcise,
	})
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if got != "Hey! Good to hear from you." {
		t.Errorf("reply = %q, want trimmed", got)
	}
	if reg.Counter(metrics.LLMCalls) != 1 {
		t.Errorf("llm.calls = %d, want 1", reg.Counter(metrics.LLMCalls))
	}
	if reg.Counter(metrics.LLMErrors) != 0 {
		t.Errorf("llm.errors = %d, want 0", reg.Counter(metrics.LLMErrors))
	}
}

func TestComposeCountsErrors(t *testing.T) {
	client := &fakeLLM{err: errors.New("quota exceeded")}
	reg := metrics.NewRegistry()
	c := &Composer{llm: client, reg: reg, logger: testLogger()}

	if _, err := c.Compose(context.Background(), "[1]: hi", "", &Plan{Action: ActionGreet}); err == nil {
		t.Fatal("expected error")
	}
	if reg.Counter(metrics.LLMErrors) != 1 {
		t.Errorf("llm.errors = %d, want 1", reg.Counter(metrics.LLMErrors))
	}
}

func TestComposerPromptCarriesThePlan(t *testing.T) {
	plan := &Plan{
		Action:          ActionAnswerQuestion,
		KeyPoints:       []string{"when is the deadline?"},
		Tone:            ToneFormal,
		LengthGuidance:  LengthMedium,
		IncludeGreeting: true,
		AvoidRepeating:  []string{"ship friday"},
	}
	prompt := composerPrompt("[1]: hello\n[2]: when is the deadline?", "found: friday", plan)

	for _, want := range []string{
		"[1]: hello",
		"found: friday",
		"answer the open question directly",
		"Tone: formal",
		"Length: medium",
		"Open with a brief greeting",
		"Address: when is the deadline?",
		"do not repeat: ship friday",
		"Write only the message body",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestComposerPromptOmitsEmptySections(t *testing.T) {
	prompt := composerPrompt("[1]: hi", "", &Plan{
		Action: ActionDiscuss, Tone: ToneCasual, LengthGuidance: LengthMedium,
	})

	if strings.Contains(prompt, "Relevant information") {
		t.Error("prompt carries an empty search section")
	}
	if strings.Contains(prompt, "Open with a brief greeting") {
		t.Error("prompt asks for a greeting the plan did not request")
	}
	if strings.Contains(prompt, "Address:") {
		t.Error("prompt carries key points the plan does not have")
	}
}

func TestActionGoalFallsBackToDiscuss(t *testing.T) {
	if got := actionGoal("no_such_action"); got != actionGoals[ActionDiscuss] {
		t.Errorf("actionGoal = %q", got)
	}
}
