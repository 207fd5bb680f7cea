package schema

import (
	"reflect"
	"testing"
)

func TestNormalizeRiskTags(t *testing.T) {
	got := NormalizeRiskTags([]string{"delete", "bogus", "network", "delete", "batch"})
	want := []RiskTag{RiskDelete, RiskNetwork, RiskBatch}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("normalize mismatch: got %v want %v", got, want)
	}
	if tags := NormalizeRiskTags(nil); tags != nil {
		t.Fatalf("nil input should stay nil, got %v", tags)
	}
	if tags := NormalizeRiskTags([]string{"unknown"}); len(tags) != 0 {
		t.Fatalf("unknown tags should be dropped, got %v", tags)
	}
}

func TestPayloadAccessors(t *testing.T) {
	payload := map[string]any{
		"text":  "hello",
		"count": 3,
		"big":   int64(9),
		"ratio": 1.5,
		"steps": []any{"a", "b"},
		"names": []string{"x"},
		"inner": map[string]any{"k": "v"},
	}

	if GetString(payload, "text") != "hello" || GetString(payload, "missing") != "" {
		t.Fatalf("GetString broken")
	}
	for key, want := range map[string]float64{"count": 3, "big": 9, "ratio": 1.5} {
		got, ok := GetNumber(payload, key)
		if !ok || got != want {
			t.Fatalf("GetNumber(%s) = %v, %v", key, got, ok)
		}
	}
	if _, ok := GetNumber(payload, "text"); ok {
		t.Fatalf("GetNumber should reject strings")
	}
	if steps := GetStrings(payload, "steps"); !reflect.DeepEqual(steps, []string{"a", "b"}) {
		t.Fatalf("GetStrings []any broken: %v", steps)
	}
	if names := GetStrings(payload, "names"); !reflect.DeepEqual(names, []string{"x"}) {
		t.Fatalf("GetStrings []string broken: %v", names)
	}
	if inner := GetMap(payload, "inner"); inner["k"] != "v" {
		t.Fatalf("GetMap broken: %v", inner)
	}
}

func TestUsageAccounting(t *testing.T) {
	u := UsageFromPayload(map[string]any{"input_tokens": 100, "output_tokens": 40})
	if u.TotalTokens != 140 {
		t.Fatalf("total not derived: %+v", u)
	}

	u.Add(Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15})
	if u.InputTokens != 110 || u.TotalTokens != 155 {
		t.Fatalf("add broken: %+v", u)
	}

	round := UsageFromPayload(u.ToPayload())
	if round != u {
		t.Fatalf("payload round trip mismatch: %+v vs %+v", round, u)
	}
}
