package providers

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/kaelmora/relaygate/internal/store"
)

// ResolveModel translates a client-requested model id into the id the
// upstream account actually understands: per-account JSON mapping of
// family/wildcard to provider-specific model id, ordered by key length
// descending at lookup. Account mappings win over the global fallback
// table; within each, the longest matching key wins, so
// "claude-3-5-sonnet" beats a bare "sonnet" entry when both are
// present.
func ResolveModel(requested string, accountMappingsJSON string, globalTranslations []store.ModelTranslation) string {
	mappings := decodeAccountMappings(accountMappingsJSON)
	if m, ok := matchLongestKey(requested, mappings); ok {
		return m
	}
	// Default fallback to the account's "sonnet" mapping when nothing
	// else matches: sonnet is the mid-tier Claude family most accounts
	// configure a substitute for.
	if m, ok := mappings["sonnet"]; ok && m != "" {
		return m
	}
	if m, ok := matchGlobalTranslations(requested, globalTranslations); ok {
		return m
	}
	return requested
}

func decodeAccountMappings(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return m
}

// matchLongestKey finds every mapping key contained in requested
// (substring match, per spec's "arbitrary substrings") and returns the
// target for the longest such key. Ties break on the key itself
// sorting last, giving a deterministic winner across calls.
func matchLongestKey(requested string, mappings map[string]string) (string, bool) {
	if len(mappings) == 0 {
		return "", false
	}
	keys := make([]string, 0, len(mappings))
	for k := range mappings {
		if k != "" && strings.Contains(requested, k) {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return "", false
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] > keys[j]
	})
	return mappings[keys[0]], true
}

// matchGlobalTranslations applies the same longest-key-first rule over
// the global fallback table, using each row's Pattern as the matched
// key. Rows with equal pattern length fall back to the table's own
// Priority ordering (globalTranslations is expected pre-sorted
// priority DESC, per ModelTranslationRepo.List).
func matchGlobalTranslations(requested string, rows []store.ModelTranslation) (string, bool) {
	var best *store.ModelTranslation
	for i := range rows {
		row := &rows[i]
		if row.Pattern == "" || !strings.Contains(requested, row.Pattern) {
			continue
		}
		if best == nil || len(row.Pattern) > len(best.Pattern) {
			best = row
		}
	}
	if best == nil {
		return "", false
	}
	return best.Target, true
}
