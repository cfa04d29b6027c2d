package toolcall

import (
	"encoding/json"
	"errors"
	"math/rand"
	"reflect"
	"strings"
	"testing"

	"mate-gateway/internal/models"
)

func stockTools() []models.Tool {
	return []models.Tool{
		{Name: "get_stock_price", Properties: []string{"ticker"}, Required: []string{"ticker"}},
		{Name: "get_weather", Properties: []string{"city", "unit"}, Required: []string{"city"}},
	}
}

func TestAccumulatorReassemblesSplitArguments(t *testing.T) {
	t.Parallel()

	acc := New(stockTools())
	if _, ok := acc.Name("get_stock_price"); ok {
		t.Fatal("name alone must not emit")
	}

	var emitted []models.ContentItem
	for _, fragment := range []string{`{"tic`, `ker":"AA`, `PL"}`} {
		if item, ok := acc.AppendArgs(fragment); ok {
			emitted = append(emitted, item)
		}
	}

	if len(emitted) != 1 {
		t.Fatalf("got %d tool uses, want 1", len(emitted))
	}
	use := emitted[0].ToolUse
	if emitted[0].Type != models.ItemToolUse || use == nil {
		t.Fatalf("got item %+v, want tool_use", emitted[0])
	}
	if use.Name != "get_stock_price" {
		t.Errorf("name = %q", use.Name)
	}
	if !reflect.DeepEqual(use.Input, map[string]any{"ticker": "AAPL"}) {
		t.Errorf("input = %v", use.Input)
	}
	if !strings.HasPrefix(use.ID, "toolu_") {
		t.Errorf("id = %q, want generated toolu_ id", use.ID)
	}
	if acc.Active() {
		t.Error("accumulator still active after emit")
	}
	if _, ok, err := acc.Finish(); ok || err != nil {
		t.Errorf("Finish after emit = (%v, %v), want nothing", ok, err)
	}
}

func TestAccumulatorArbitrarySplits(t *testing.T) {
	t.Parallel()

	objects := []map[string]any{
		{"ticker": "AAPL"},
		{"query": "naïve café ☕", "limit": float64(10), "nested": map[string]any{"a": []any{true, nil, "x}y{"}}},
		{"escaped": "quote \" and brace } inside", "n": -1.5e3},
		{},
	}
	rng := rand.New(rand.NewSource(7))

	for _, obj := range objects {
		raw, err := json.Marshal(obj)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}

		for round := range 50 {
			fragments := randomSplit(rng, string(raw))

			acc := New(nil)
			acc.Name("tool")
			var emitted []models.ContentItem
			for _, f := range fragments {
				if item, ok := acc.AppendArgs(f); ok {
					emitted = append(emitted, item)
				}
			}

			if len(emitted) != 1 {
				t.Fatalf("%s round %d (%q): got %d tool uses, want 1", raw, round, fragments, len(emitted))
			}
			got, err := json.Marshal(emitted[0].ToolUse.Input)
			if err != nil {
				t.Fatalf("marshal input: %v", err)
			}
			if string(got) != string(raw) {
				t.Fatalf("%s round %d: input %s", raw, round, got)
			}
		}
	}
}

func TestAccumulatorResolvesNameFromSchema(t *testing.T) {
	t.Parallel()

	acc := New(stockTools())
	if _, ok := acc.AppendArgs(`{"city":"Berlin",`); ok {
		t.Fatal("partial JSON must not emit")
	}
	item, ok := acc.AppendArgs(`"unit":"c"}`)
	if !ok {
		t.Fatal("expected emit once JSON completes")
	}
	if item.ToolUse.Name != "get_weather" {
		t.Errorf("name = %q, want get_weather", item.ToolUse.Name)
	}
}

func TestAccumulatorAmbiguousSchemaPicksFirstDeclared(t *testing.T) {
	t.Parallel()

	tools := []models.Tool{
		{Name: "search_docs", Properties: []string{"query"}},
		{Name: "search_web", Properties: []string{"query"}},
	}
	acc := New(tools)
	item, ok := acc.AppendArgs(`{"query":"go generics"}`)
	if !ok {
		t.Fatal("expected emit")
	}
	if item.ToolUse.Name != "search_docs" {
		t.Errorf("name = %q, want first declared tool", item.ToolUse.Name)
	}
}

func TestAccumulatorUnmatchedObjectIsAbandonedAtFinish(t *testing.T) {
	t.Parallel()

	acc := New(stockTools())
	if _, ok := acc.AppendArgs(`{"symbol":"AAPL"}`); ok {
		t.Fatal("object matching no schema must not emit")
	}
	_, ok, err := acc.Finish()
	if ok {
		t.Fatal("Finish emitted an unresolvable call")
	}
	if !errors.Is(err, ErrToolResolution) {
		t.Fatalf("err = %v, want ErrToolResolution", err)
	}
}

func TestAccumulatorTruncatedArgumentsAreAbandoned(t *testing.T) {
	t.Parallel()

	acc := New(stockTools())
	acc.Name("get_stock_price")
	acc.AppendArgs(`{"ticker":"AA`)

	_, ok, err := acc.Finish()
	if ok || !errors.Is(err, ErrToolResolution) {
		t.Fatalf("Finish = (%v, %v), want abandoned call", ok, err)
	}
	if acc.Active() {
		t.Error("accumulator still active after Finish")
	}
}

func TestAccumulatorNamedCallWithoutArguments(t *testing.T) {
	t.Parallel()

	acc := New(nil)
	acc.Name("list_files")
	acc.AppendArgs("")

	item, ok := acc.Name("get_time")
	if !ok {
		t.Fatal("expected the argument-less call to be emitted when the next call starts")
	}
	if item.ToolUse.Name != "list_files" || len(item.ToolUse.Input) != 0 {
		t.Errorf("got %+v", item.ToolUse)
	}

	item, ok, err := acc.Finish()
	if err != nil || !ok {
		t.Fatalf("Finish = (%v, %v)", ok, err)
	}
	if item.ToolUse.Name != "get_time" {
		t.Errorf("name = %q, want get_time", item.ToolUse.Name)
	}
}

func TestAccumulatorRepeatedNameIsIgnored(t *testing.T) {
	t.Parallel()

	acc := New(nil)
	acc.Name("lookup")
	if _, ok := acc.Name("lookup"); ok {
		t.Fatal("repeating the pending name must not emit")
	}
	item, ok := acc.AppendArgs(`{"id":1}`)
	if !ok || item.ToolUse.Name != "lookup" {
		t.Fatalf("got (%+v, %v)", item.ToolUse, ok)
	}
}

func TestAccumulatorTracksSequentialCalls(t *testing.T) {
	t.Parallel()

	acc := New(nil)
	var names []string
	for _, call := range []struct{ name, args string }{
		{"first", `{"a":1}`},
		{"second", `{"b":2}`},
	} {
		acc.Name(call.name)
		if item, ok := acc.AppendArgs(call.args); ok {
			names = append(names, item.ToolUse.Name)
		}
	}
	if strings.Join(names, ",") != "first,second" {
		t.Errorf("names = %v", names)
	}
}

func randomSplit(rng *rand.Rand, s string) []string {
	if len(s) <= 1 {
		return []string{s}
	}
	var out []string
	for len(s) > 0 {
		n := 1 + rng.Intn(len(s))
		if n > 4 && rng.Intn(2) == 0 {
			n = 1 + rng.Intn(4)
		}
		out = append(out, s[:n])
		s = s[n:]
	}
	return out
}

func TestAccumulatorNewNameDropsIncompleteArguments(t *testing.T) {
	t.Parallel()

	acc := New(nil)
	acc.Name("first")
	if _, ok := acc.AppendArgs(`{"a":`); ok {
		t.Fatal("incomplete arguments must not emit")
	}
	if _, ok := acc.Name("second"); ok {
		t.Fatal("replacing a call with partial arguments must not emit")
	}
	item, ok := acc.AppendArgs(`{"b":2}`)
	if !ok || item.ToolUse.Name != "second" || !reflect.DeepEqual(item.ToolUse.Input, map[string]any{"b": json.Number("2")}) {
		t.Fatalf("got (%+v, %v)", item.ToolUse, ok)
	}
}

func TestAccumulatorKeepsLargeIntegers(t *testing.T) {
	t.Parallel()

	const args = `{"amount":12345678901234567890,"order_id":9007199254740993}`

	acc := New(nil)
	acc.Name("place_order")
	var emitted []models.ContentItem
	for i := 0; i < len(args); i += 7 {
		end := min(i+7, len(args))
		if item, ok := acc.AppendArgs(args[i:end]); ok {
			emitted = append(emitted, item)
		}
	}
	if len(emitted) != 1 {
		t.Fatalf("got %d tool uses, want 1", len(emitted))
	}

	got, err := json.Marshal(emitted[0].ToolUse.Input)
	if err != nil {
		t.Fatalf("marshal input: %v", err)
	}
	if string(got) != args {
		t.Errorf("input = %s, want %s", got, args)
	}
}

func TestMissingRequired(t *testing.T) {
	t.Parallel()

	tools := stockTools()
	tests := []struct {
		use  *models.ToolUse
		want []string
	}{
		{&models.ToolUse{Name: "get_weather", Input: map[string]any{"unit": "c"}}, []string{"city"}},
		{&models.ToolUse{Name: "get_weather", Input: map[string]any{"city": "Oslo"}}, nil},
		{&models.ToolUse{Name: "undeclared", Input: map[string]any{}}, nil},
		{nil, nil},
	}
	for _, tt := range tests {
		if got := MissingRequired(tools, tt.use); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("MissingRequired(%+v) = %v, want %v", tt.use, got, tt.want)
		}
	}
}
