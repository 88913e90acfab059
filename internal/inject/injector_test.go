package inject

import (
	"errors"
	"strings"
	"testing"

	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/types"
)

func result(id string, unitType types.UnitType, score float64, content string, keywords ...string) types.SearchResult {
	return types.SearchResult{
		Unit: types.MemoryUnit{
			ID:       id,
			UnitType: unitType,
			Title:    "about " + id,
			Summary:  "summary of " + id,
			Content:  content,
			Keywords: keywords,
		},
		Score: score,
	}
}

func TestParseStrategy(t *testing.T) {
	cases := []struct {
		name string
		want string
	}{
		{"", "balanced"},
		{"balanced", "balanced"},
		{"conservative", "conservative"},
		{"comprehensive", "comprehensive"},
	}
	for _, tc := range cases {
		s, err := ParseStrategy(tc.name)
		if err != nil {
			t.Fatalf("ParseStrategy(%q) failed: %v", tc.name, err)
		}
		if s.Name != tc.want {
			t.Errorf("ParseStrategy(%q) = %s, want %s", tc.name, s.Name, tc.want)
		}
	}
	if _, err := ParseStrategy("extreme"); !errors.Is(err, types.ErrInputInvalid) {
		t.Errorf("expected ErrInputInvalid, got %v", err)
	}
}

func TestInjectRendersMemoriesAndPrompt(t *testing.T) {
	in := New()
	candidates := []types.SearchResult{
		result("u1", types.UnitConversation, 0.9, "we chose postgres", "postgres"),
	}

	res, err := in.Inject("what database do we use?", candidates, Balanced)
	if err != nil {
		t.Fatalf("Inject failed: %v", err)
	}
	if len(res.UsedMemories) != 1 {
		t.Fatalf("expected 1 used memory, got %d", len(res.UsedMemories))
	}
	if !strings.Contains(res.EnhancedPrompt, "we chose postgres") {
		t.Error("enhanced prompt missing memory content")
	}
	if !strings.Contains(res.EnhancedPrompt, "what database do we use?") {
		t.Error("enhanced prompt missing original prompt")
	}
	if !strings.Contains(res.EnhancedPrompt, "about u1") {
		t.Error("enhanced prompt missing memory title")
	}
	if res.TokensUsed == 0 {
		t.Error("expected nonzero token usage")
	}
}

func TestInjectNoCandidatesReturnsOriginalPrompt(t *testing.T) {
	in := New()
	res, err := in.Inject("plain prompt", nil, Balanced)
	if err != nil {
		t.Fatalf("Inject failed: %v", err)
	}
	if res.EnhancedPrompt != "plain prompt" {
		t.Errorf("expected unchanged prompt, got %q", res.EnhancedPrompt)
	}
	if len(res.UsedMemories) != 0 || res.TokensUsed != 0 {
		t.Errorf("expected empty usage, got %+v", res)
	}
}

func TestInjectFiltersByStrategyMinScore(t *testing.T) {
	in := New()
	candidates := []types.SearchResult{
		result("high", types.UnitConversation, 0.9, "high confidence"),
		result("low", types.UnitConversation, 0.5, "low confidence"),
	}

	res, err := in.Inject("prompt", candidates, Conservative)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.UsedMemories) != 1 || res.UsedMemories[0].Unit.ID != "high" {
		t.Errorf("expected only the high-score memory, got %+v", res.UsedMemories)
	}
}

func TestInjectRespectsMaxUnits(t *testing.T) {
	in := New()
	var candidates []types.SearchResult
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		candidates = append(candidates, result(id, types.UnitConversation, 0.9, "content "+id, "kw-"+id))
	}

	res, err := in.Inject("prompt", candidates, Conservative)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.UsedMemories) != Conservative.MaxUnits {
		t.Errorf("expected %d memories, got %d", Conservative.MaxUnits, len(res.UsedMemories))
	}
}

func TestInjectPrefersDurableUnitTypes(t *testing.T) {
	in := New()
	candidates := []types.SearchResult{
		result("conv", types.UnitConversation, 0.95, "conversation memory", "one"),
		result("glob", types.UnitGlobal, 0.80, "global memory", "two"),
		result("decn", types.UnitDecision, 0.85, "decision memory", "three"),
	}

	res, err := in.Inject("prompt", candidates, Balanced)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.UsedMemories) != 3 {
		t.Fatalf("expected 3 memories, got %d", len(res.UsedMemories))
	}
	order := []string{res.UsedMemories[0].Unit.ID, res.UsedMemories[1].Unit.ID, res.UsedMemories[2].Unit.ID}
	want := []string{"glob", "decn", "conv"}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("selection order %v, want %v", order, want)
			break
		}
	}
}

func TestInjectSkipsNearDuplicates(t *testing.T) {
	in := New()
	candidates := []types.SearchResult{
		result("first", types.UnitConversation, 0.9, "primary record", "postgres", "billing", "schema"),
		result("dupe", types.UnitConversation, 0.85, "same topic again", "postgres", "billing", "schema", "migration"),
		result("other", types.UnitConversation, 0.8, "different topic", "react", "frontend"),
	}

	res, err := in.Inject("prompt", candidates, Balanced)
	if err != nil {
		t.Fatal(err)
	}
	ids := map[string]bool{}
	for _, m := range res.UsedMemories {
		ids[m.Unit.ID] = true
	}
	if !ids["first"] || !ids["other"] {
		t.Errorf("expected first and other selected, got %v", ids)
	}
	if ids["dupe"] {
		t.Error("near-duplicate memory must be skipped")
	}
}

func TestInjectDegradesToSummaryUnderBudget(t *testing.T) {
	in := New()
	big := result("big", types.UnitConversation, 0.9, strings.Repeat("long content ", 400), "huge")
	small := result("small", types.UnitConversation, 0.85, "fits fine", "tiny")

	tight := Strategy{Name: "tight", MaxUnits: 5, TokenBudget: 100, MinScore: 0.5}
	res, err := in.Inject("prompt", []types.SearchResult{big, small}, tight)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.UsedMemories) != 2 {
		t.Fatalf("expected both memories via summary fallback, got %d", len(res.UsedMemories))
	}
	if strings.Contains(res.EnhancedPrompt, "long content") {
		t.Error("oversized content must be replaced by its summary")
	}
	if !strings.Contains(res.EnhancedPrompt, "summary of big") {
		t.Error("expected summary of the big unit in the prompt")
	}
	if res.TokensUsed > tight.TokenBudget {
		t.Errorf("token usage %d exceeds budget %d", res.TokensUsed, tight.TokenBudget)
	}
}

func TestStrategyForQueryScalesWithLength(t *testing.T) {
	if s := StrategyForQuery("what database"); s.Name != Conservative.Name {
		t.Errorf("short query picked %s", s.Name)
	}
	medium := strings.Repeat("word ", 20)
	if s := StrategyForQuery(medium); s.Name != Balanced.Name {
		t.Errorf("medium query picked %s", s.Name)
	}
	long := strings.Repeat("word ", 50)
	if s := StrategyForQuery(long); s.Name != Comprehensive.Name {
		t.Errorf("long query picked %s", s.Name)
	}
}

func TestInjectTemplatePerStrategy(t *testing.T) {
	in := New()
	candidates := []types.SearchResult{
		result("u1", types.UnitDecision, 0.9, "we chose postgres", "postgres"),
	}

	res, err := in.Inject("prompt", candidates, Conservative)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.EnhancedPrompt, "- about u1: we chose postgres") {
		t.Errorf("conservative strategy must use the compact layout, got %q", res.EnhancedPrompt)
	}

	res, err = in.Inject("prompt", candidates, Comprehensive)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.EnhancedPrompt, "Type: decision") {
		t.Error("comprehensive strategy must annotate the unit type")
	}
	if !strings.Contains(res.EnhancedPrompt, "Keywords: postgres") {
		t.Error("comprehensive strategy must list keywords")
	}
}

func TestInjectBudgetCoversRenderedBlock(t *testing.T) {
	in := New()
	candidates := []types.SearchResult{
		result("u1", types.UnitConversation, 0.9, "short body", "one"),
	}

	// The body alone fits, but the rendered headers push past the budget.
	// The block must fall back to the compact layout and stay inside it.
	tight := Strategy{Name: "tight", MaxUnits: 5, TokenBudget: 30, MinScore: 0.5, Template: TemplateDetailed}
	res, err := in.Inject("prompt", candidates, tight)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.UsedMemories) != 1 {
		t.Fatalf("expected 1 memory, got %d", len(res.UsedMemories))
	}
	if res.TokensUsed > tight.TokenBudget {
		t.Errorf("token usage %d exceeds budget %d", res.TokensUsed, tight.TokenBudget)
	}
}

func TestInjectTruncatesLastMemoryInsteadOfDroppingAll(t *testing.T) {
	in := New()
	big := result("big", types.UnitConversation, 0.9, strings.Repeat("verbose detail ", 100), "huge")
	big.Unit.Summary = strings.Repeat("still long summary ", 40)

	tight := Strategy{Name: "tiny", MaxUnits: 3, TokenBudget: 60, MinScore: 0.5, Template: TemplateMinimal}
	res, err := in.Inject("prompt", []types.SearchResult{big}, tight)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.UsedMemories) != 1 {
		t.Fatalf("at least one memory must survive, got %d", len(res.UsedMemories))
	}
	if res.TokensUsed > tight.TokenBudget {
		t.Errorf("token usage %d exceeds budget %d", res.TokensUsed, tight.TokenBudget)
	}
	if !strings.Contains(res.EnhancedPrompt, "...") {
		t.Error("truncated body must carry the ellipsis marker")
	}
	if !strings.Contains(res.EnhancedPrompt, "prompt") {
		t.Error("original prompt must survive truncation")
	}
}

func TestInjectRejectsEmptyPrompt(t *testing.T) {
	in := New()
	if _, err := in.Inject("  ", nil, Balanced); !errors.Is(err, types.ErrInputInvalid) {
		t.Errorf("expected ErrInputInvalid, got %v", err)
	}
}

func TestIsNearDuplicateOverlapFraction(t *testing.T) {
	selected := []types.SearchResult{
		result("s", types.UnitConversation, 0.9, "x", "a", "b", "c", "d"),
	}
	// 2 of 3 shared terms is under the threshold against the smaller set? 2/3 < 0.7.
	if isNearDuplicate([]string{"a", "b", "z"}, selected) {
		t.Error("2/3 overlap should pass the diversity filter")
	}
	// 3 of 4 shared is 0.75 against the smaller set of 4.
	if !isNearDuplicate([]string{"a", "b", "c", "y"}, selected) {
		t.Error("3/4 overlap should be flagged as duplicate")
	}
}
