package operator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aegis-sre/aegis/pkg/types"
)

func TestDefaultShadowChanges_ExtractsImageFromDescription(t *testing.T) {
	fix := types.FixProposal{Description: "roll out image: registry.internal/demo-api:1.4.2 to replace the leaking version"}
	changes := DefaultShadowChanges(fix)
	assert.Equal(t, "registry.internal/demo-api:1.4.2", changes["image"])
}

func TestDefaultShadowChanges_ExtractsReplicasFromCommands(t *testing.T) {
	fix := types.FixProposal{Commands: []string{"kubectl scale deployment/demo-api --replicas=5"}}
	changes := DefaultShadowChanges(fix)
	assert.Equal(t, "5", changes["replicas"])
}

func TestDefaultShadowChanges_NoHints_ReturnsEmptyMap(t *testing.T) {
	fix := types.FixProposal{Description: "restart the pod"}
	changes := DefaultShadowChanges(fix)
	assert.Empty(t, changes)
}
