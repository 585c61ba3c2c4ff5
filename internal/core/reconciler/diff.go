package reconciler

import (
	"sort"
	"strings"

	"github.com/r3labs/diff/v3"
	"github.com/samber/lo"

	"github.com/zeusync/worldcore/internal/core/models"
)

// changedFields lists the dotted paths that differ between two payloads.
func changedFields(before, after models.Payload) []string {
	if before == nil {
		return after.Keys()
	}

	changelog, err := diff.Diff(map[string]any(before), map[string]any(after))
	if err != nil {
		return topLevelChanges(before, after)
	}

	paths := make([]string, 0, len(changelog))
	for _, c := range changelog {
		paths = append(paths, strings.Join(c.Path, "."))
	}
	paths = lo.Uniq(paths)
	sort.Strings(paths)
	return paths
}

func topLevelChanges(before, after models.Payload) []string {
	keys := lo.Union(before.Keys(), after.Keys())
	out := lo.Filter(keys, func(k string, _ int) bool {
		return !models.Payload{k: before[k]}.Equal(models.Payload{k: after[k]})
	})
	sort.Strings(out)
	return out
}
