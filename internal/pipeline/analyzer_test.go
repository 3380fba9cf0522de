package pipeline

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/orcabot/orcabot/internal/metrics"
)

func newTestAnalyzer(client *fakeLLM) (*Analyzer, *metrics.Registry) {
	reg := metrics.NewRegistry()
	a := &Analyzer{reg: reg, logger: testLogger()}
	if client != nil {
		a.llm = client
	}
	return a, reg
}

func TestHeuristicIntents(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"hi there", IntentGreeting},
		{"Hello!", IntentGreeting},
		{"good morning everyone", IntentGreeting},
		{"xin chào mọi người", IntentGreeting},
		{"chào bạn", IntentGreeting},
		{"what time is the meeting?", IntentQuestion},
		{"where do we meet", IntentQuestion},
		{"tại sao lại thế", IntentQuestion},
		{"bao giờ họp", IntentQuestion},
		{"được không", IntentQuestion},
		{"please send the report", IntentRequest},
		{"can you check the numbers", IntentQuestion}, // question word wins over request
		{"giúp mình đặt bàn với", IntentRequest},
		{"just finished lunch", IntentOther},
	}
	a, _ := newTestAnalyzer(nil)
	for _, tt := range tests {
		an := a.Analyze(context.Background(), &Context{MessageCount: 1}, tt.text)
		if an.Intent != tt.want {
			t.Errorf("intent(%q) = %s, want %s", tt.text, an.Intent, tt.want)
		}
		if an.Confidence != heuristicConfidence {
			t.Errorf("confidence(%q) = %v, want %v", tt.text, an.Confidence, heuristicConfidence)
		}
	}
}

func TestHeuristicDiscussionNeedsHistory(t *testing.T) {
	a, _ := newTestAnalyzer(nil)

	convo := &Context{Rendered: "[1]: we shipped it\n[2]: nice work", MessageCount: 2}
	an := a.Analyze(context.Background(), convo, "team did a great job on this")
	if an.Intent != IntentDiscussion {
		t.Errorf("intent = %s, want discussion", an.Intent)
	}
}

func TestHeuristicTone(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"formal", "Would you kindly review the attached file, thank you", ToneFormal},
		{"casual", "lol yeah that was wild bro", ToneCasual},
		{"mixed", "please check it lol", ToneMixed},
		{"neither defaults casual", "the sky is blue today", ToneCasual},
		{"vietnamese formal", "vui lòng kiểm tra giúp em", ToneFormal},
	}
	a, _ := newTestAnalyzer(nil)
	for _, tt := range tests {
		an := a.Analyze(context.Background(), &Context{MessageCount: 1}, tt.text)
		if an.Tone != tt.want {
			t.Errorf("%s: tone(%q) = %s, want %s", tt.name, tt.text, an.Tone, tt.want)
		}
	}
}

func TestHeuristicNumbers(t *testing.T) {
	a, _ := newTestAnalyzer(nil)
	an := a.Analyze(context.Background(), &Context{MessageCount: 1},
		"the budget is 1,500.50 for 3 people")

	want := []string{"1,500.50", "3"}
	if !reflect.DeepEqual(an.Entities.Numbers, want) {
		t.Errorf("numbers = %v, want %v", an.Entities.Numbers, want)
	}
}

func TestHeuristicCollectsQuestions(t *testing.T) {
	a, _ := newTestAnalyzer(nil)
	convo := &Context{
		Rendered:     "[1]: where are we meeting?\n[2]: not sure yet\n[1]: did you book the room?",
		MessageCount: 3,
	}
	an := a.Analyze(context.Background(), convo, "so what's the plan?")

	want := []string{"where are we meeting?", "did you book the room?", "so what's the plan?"}
	if !reflect.DeepEqual(an.QuestionsAsked, want) {
		t.Errorf("questions = %v, want %v", an.QuestionsAsked, want)
	}
}

func TestAnalyzeUsesLLMForLargeWindows(t *testing.T) {
	client := &fakeLLM{response: `{
		"intent": "question",
		"tone": "formal",
		"questions_asked": ["when is the deadline?"],
		"decisions_made": ["ship friday"],
		"unresolved_items": ["owner for QA"],
		"entities": {"people": ["An"], "dates": ["friday"], "products": [], "numbers": ["2"]},
		"summary": "Planning the release.",
		"confidence": 0.9
	}`}
	a, reg := newTestAnalyzer(client)

	convo := &Context{Rendered: "[1]: a\n[2]: b\n[1]: c\n[2]: d", MessageCount: 4}
	an := a.Analyze(context.Background(), convo, "when is the deadline?")

	if an.Intent != IntentQuestion || an.Tone != ToneFormal {
		t.Errorf("analysis = %+v", an)
	}
	if an.Confidence != 0.9 {
		t.Errorf("confidence = %v, want 0.9", an.Confidence)
	}
	if got := reg.Counter(metrics.LLMCalls); got != 1 {
		t.Errorf("llm.calls = %d, want 1", got)
	}

	req := client.lastRequest()
	if req.Temperature != analyzerTemperature {
		t.Errorf("temperature = %v, want %v", req.Temperature, analyzerTemperature)
	}
	if req.System != analyzerSystem {
		t.Errorf("system prompt = %q", req.System)
	}
	if !strings.Contains(req.Messages[0].Content, "when is the deadline?") {
		t.Error("prompt missing the current message")
	}
}

func TestAnalyzeSmallWindowSkipsLLM(t *testing.T) {
	client := &fakeLLM{response: `{"intent":"question","tone":"formal"}`}
	a, reg := newTestAnalyzer(client)

	convo := &Context{Rendered: "[1]: hi", MessageCount: heuristicMaxMessages}
	a.Analyze(context.Background(), convo, "hello")

	if len(client.requests) != 0 {
		t.Error("LLM consulted for a thin window")
	}
	if got := reg.Counter(metrics.LLMCalls); got != 0 {
		t.Errorf("llm.calls = %d, want 0", got)
	}
}

func TestAnalyzeFallsBackOnLLMError(t *testing.T) {
	client := &fakeLLM{err: errors.New("upstream 500")}
	a, reg := newTestAnalyzer(client)

	convo := &Context{Rendered: "[1]: a\n[2]: b\n[1]: c\n[2]: d?", MessageCount: 4}
	an := a.Analyze(context.Background(), convo, "what do you think?")

	if an.Confidence != heuristicConfidence {
		t.Errorf("confidence = %v, want heuristic fallback", an.Confidence)
	}
	if an.Intent != IntentQuestion {
		t.Errorf("intent = %s, want question", an.Intent)
	}
	if got := reg.Counter(metrics.LLMErrors); got != 1 {
		t.Errorf("llm.errors = %d, want 1", got)
	}
}

func TestAnalyzeFallsBackOnBadJSON(t *testing.T) {
	client := &fakeLLM{response: "I think the conversation is about lunch."}
	a, reg := newTestAnalyzer(client)

	convo := &Context{Rendered: "[1]: a\n[2]: b\n[1]: c\n[2]: d", MessageCount: 4}
	an := a.Analyze(context.Background(), convo, "lunch?")

	if an.Confidence != heuristicConfidence {
		t.Errorf("confidence = %v, want heuristic fallback", an.Confidence)
	}
	if got := reg.Counter(metrics.LLMErrors); got != 1 {
		t.Errorf("llm.errors = %d, want 1", got)
	}
}

func TestParseAnalysisToleratesFences(t *testing.T) {
	fenced := "```json\n{\"intent\":\"greeting\",\"tone\":\"casual\",\"confidence\":0.8}\n```"
	an, err := parseAnalysis(fenced)
	if err != nil {
		t.Fatalf("parseAnalysis: %v", err)
	}
	if an.Intent != IntentGreeting || an.Tone != ToneCasual || an.Confidence != 0.8 {
		t.Errorf("parsed = %+v", an)
	}
}

func TestParseAnalysisNormalizesOutOfSchema(t *testing.T) {
	an, err := parseAnalysis(`{"intent":"sarcasm","tone":"angry","confidence":3.5}`)
	if err != nil {
		t.Fatalf("parseAnalysis: %v", err)
	}
	if an.Intent != IntentOther {
		t.Errorf("intent = %s, want other", an.Intent)
	}
	if an.Tone != ToneMixed {
		t.Errorf("tone = %s, want mixed", an.Tone)
	}
	if an.Confidence != 1.0 {
		t.Errorf("confidence = %v, want clamped 1.0", an.Confidence)
	}
}
