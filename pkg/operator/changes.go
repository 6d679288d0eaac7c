package operator

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/aegis-sre/aegis/pkg/types"
)

// imagePattern and replicasPattern extract the two most common structured
// hints a FixProposal's free-text commands/description carry: a new image
// reference or a target replica count. The LM emits prose, not the closed
// six-key map shadow.Manager.ApplyChanges requires (spec.md §4.4), so this
// bridges the two without inventing a new LM output schema field.
var (
	imagePattern    = regexp.MustCompile(`(?:--image[= ]|image:\s*)([a-zA-Z0-9./_-]+:[a-zA-Z0-9._-]+)`)
	replicasPattern = regexp.MustCompile(`(?:--replicas[= ]|replicas:\s*)(\d+)`)
)

// DefaultShadowChanges derives the typed changes map shadow.Manager expects
// from a FixProposal's commands and description. Only image and replicas are
// currently extractable this way; config-change/resources-shaped fixes fall
// through to an empty map, which is still a valid (no-op) verification run.
func DefaultShadowChanges(fix types.FixProposal) map[string]string {
	changes := map[string]string{}

	haystack := fix.Description + "\n" + strings.Join(fix.Commands, "\n")

	if m := imagePattern.FindStringSubmatch(haystack); len(m) == 2 {
		changes["image"] = m[1]
	}
	if m := replicasPattern.FindStringSubmatch(haystack); len(m) == 2 {
		if _, err := strconv.Atoi(m[1]); err == nil {
			changes["replicas"] = m[1]
		}
	}

	return changes
}
