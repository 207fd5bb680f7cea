package schema

import "strings"

// RiskTag classifies why a tool action needs human approval.
type RiskTag string

const (
	RiskDelete    RiskTag = "delete"
	RiskOverwrite RiskTag = "overwrite"
	RiskNetwork   RiskTag = "network"
	RiskConnector RiskTag = "connector"
	RiskBatch     RiskTag = "batch"
)

// ParseRiskTag validates a raw string against the fixed vocabulary.
// Returns "" for unknown tags.
func ParseRiskTag(raw string) RiskTag {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "delete":
		return RiskDelete
	case "overwrite":
		return RiskOverwrite
	case "network":
		return RiskNetwork
	case "connector":
		return RiskConnector
	case "batch":
		return RiskBatch
	default:
		return ""
	}
}

// NormalizeRiskTags maps raw tags onto the fixed vocabulary, dropping
// unknown values and duplicates while preserving first-seen order.
func NormalizeRiskTags(raw []string) []RiskTag {
	var out []RiskTag
	seen := map[RiskTag]struct{}{}
	for _, r := range raw {
		tag := ParseRiskTag(r)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}

// RiskTagStrings converts tags back to plain strings for persistence.
func RiskTagStrings(tags []RiskTag) []string {
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		out = append(out, string(tag))
	}
	return out
}
