package ttsr

import (
	"strings"
	"testing"

	"github.com/haasonsaas/weft/pkg/models"
)

func passwordRule() *models.Rule {
	return &models.Rule{
		Name:        "no-passwords",
		Path:        "rules/no-passwords.md",
		Pattern:     `password\s*=`,
		Content:     "Never print credentials.",
		TTSRTrigger: true,
	}
}

func newTestEngine(t *testing.T, cfg Config, rules ...*models.Rule) *Engine {
	t.Helper()
	e, err := NewEngine(rules, cfg, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e
}

func TestRuleFiresOnMatchingDelta(t *testing.T) {
	e := newTestEngine(t, Config{}, passwordRule())
	e.OnTurnStart()

	if trig := e.OnDelta("The pass"); trig != nil {
		t.Fatal("partial text must not fire")
	}
	trig := e.OnDelta("word = ")
	if trig == nil {
		t.Fatal("rule did not fire across delta boundary")
	}
	if len(trig.Rules) != 1 || trig.Rules[0].Name != "no-passwords" {
		t.Fatalf("trigger = %+v", trig)
	}
}

func TestRepeatOnceSuppressesSecondFire(t *testing.T) {
	e := newTestEngine(t, Config{RepeatMode: RepeatOnce}, passwordRule())
	e.OnTurnStart()

	if e.OnDelta("password = hunter2") == nil {
		t.Fatal("first match must fire")
	}
	// Same session, later turns: suppressed forever under once mode.
	for i := 0; i < 10; i++ {
		e.OnTurnEnd()
		e.OnTurnStart()
		if e.OnDelta("password = hunter2") != nil {
			t.Fatal("once mode re-fired")
		}
	}
}

func TestRepeatAfterGap(t *testing.T) {
	e := newTestEngine(t, Config{RepeatMode: RepeatAfterGap, RepeatGap: 3}, passwordRule())
	e.OnTurnStart()

	if e.OnDelta("password = x") == nil {
		t.Fatal("first match must fire")
	}

	// Within the gap: suppressed.
	for i := 0; i < 2; i++ {
		e.OnTurnEnd()
		e.OnTurnStart()
		if e.OnDelta("password = x") != nil {
			t.Fatalf("fired during gap at turn %d", i+1)
		}
	}

	// Gap satisfied: may refire.
	e.OnTurnEnd()
	e.OnTurnStart()
	if e.OnDelta("password = x") == nil {
		t.Fatal("rule did not refire after gap")
	}
}

func TestMultipleRulesFireAsOneTrigger(t *testing.T) {
	secrets := &models.Rule{
		Name: "no-secrets", Path: "rules/no-secrets.md",
		Pattern: `secret`, Content: "No secrets.", TTSRTrigger: true,
	}
	e := newTestEngine(t, Config{}, passwordRule(), secrets)
	e.OnTurnStart()

	trig := e.OnDelta("the secret password = 42")
	if trig == nil || len(trig.Rules) != 2 {
		t.Fatalf("trigger = %+v, want both rules in one trigger", trig)
	}
}

func TestBufferResetsAtTurnStart(t *testing.T) {
	e := newTestEngine(t, Config{}, passwordRule())
	e.OnTurnStart()
	e.OnDelta("pass")
	e.OnTurnStart()
	if e.OnDelta("word = ") != nil {
		t.Fatal("match must not span a turn boundary")
	}
}

func TestZeroWidthPatternRejected(t *testing.T) {
	bad := &models.Rule{
		Name: "empty", Path: "rules/empty.md",
		Pattern: `x*`, Content: "matches everything", TTSRTrigger: true,
	}
	if _, err := NewEngine([]*models.Rule{bad}, Config{}, nil); err == nil {
		t.Fatal("zero-width pattern must be rejected at load")
	}
}

func TestInvalidPatternRejected(t *testing.T) {
	bad := &models.Rule{
		Name: "broken", Path: "rules/broken.md",
		Pattern: `[unclosed`, Content: "x", TTSRTrigger: true,
	}
	if _, err := NewEngine([]*models.Rule{bad}, Config{}, nil); err == nil {
		t.Fatal("invalid pattern must be rejected at load")
	}
}

func TestNonTriggerRulesIgnored(t *testing.T) {
	passive := &models.Rule{
		Name: "style", Path: "rules/style.md",
		Pattern: `TODO`, Content: "style note", TTSRTrigger: false,
	}
	e := newTestEngine(t, Config{}, passive)
	if e.RuleCount() != 0 {
		t.Fatalf("rule count = %d, want 0 active", e.RuleCount())
	}
	e.OnTurnStart()
	if e.OnDelta("TODO later") != nil {
		t.Fatal("non-trigger rule fired")
	}
}

func TestBuildInterrupt(t *testing.T) {
	text := BuildInterrupt([]*models.Rule{passwordRule()})
	for _, want := range []string{
		`reason="rule_violation"`,
		`rule="no-passwords"`,
		`path="rules/no-passwords.md"`,
		"Never print credentials.",
		"</system_interrupt>",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("interrupt missing %q:\n%s", want, text)
		}
	}
}

func TestBufferBounded(t *testing.T) {
	e := newTestEngine(t, Config{MaxBuffer: 1024}, passwordRule())
	e.OnTurnStart()
	filler := strings.Repeat("a", 200)
	for i := 0; i < 100; i++ {
		e.OnDelta(filler)
	}
	// Still functional after heavy truncation.
	if e.OnDelta("password = x") == nil {
		t.Fatal("rule did not fire after buffer truncation")
	}
}
