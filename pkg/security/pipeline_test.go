package security

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-sre/aegis/pkg/metrics"
	"github.com/aegis-sre/aegis/pkg/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// fakeRunner is a scripted CommandRunner: keyed by tool name, returns
// canned stdout or an error, and records every invocation for assertions.
type fakeRunner struct {
	outputs map[string][]byte
	errs    map[string]error
	calls   []string
}

func (f *fakeRunner) Run(ctx context.Context, tool string, args []string, stdin []byte) ([]byte, error) {
	f.calls = append(f.calls, tool)
	if err, ok := f.errs[tool]; ok {
		return nil, err
	}
	return f.outputs[tool], nil
}

func newChainFixture(t *testing.T, imageOutput []byte) (*Chain, *metrics.Registry) {
	t.Helper()
	policy, err := NewGatePolicy()
	require.NoError(t, err)

	runner := &fakeRunner{outputs: map[string][]byte{"trivy": imageOutput}}
	imageScanner := NewImageScanner("trivy", "CRITICAL,HIGH", PriorityCritical, runner, policy)

	reg := metrics.NewRegistry(prometheus.NewRegistry())
	chain := NewChain(imageScanner, nil, nil, nil, nil, reg, nil)
	return chain, reg
}

// S1 scenario (spec.md §8): hotfix image with no critical vulnerabilities
// passes the gate chain.
func TestChain_S1_CleanImage_Passes(t *testing.T) {
	clean := []byte(`{"Results": [{"Vulnerabilities": []}]}`)
	chain, _ := newChainFixture(t, clean)

	env := types.ShadowEnvironment{Namespace: "aegis-shadow-abc", CreatedAt: time.Now()}
	fix := types.FixProposal{Kind: types.FixPatch}
	changes := map[string]string{"image": "demo-api:1.2.3-hotfix"}

	report := chain.Run(context.Background(), env, fix, changes)
	assert.True(t, report.Passed)
}

// S2 scenario (spec.md §8): an image with a CRITICAL vulnerability blocks
// the chain and increments security_blocks_total{scanner="image",severity="CRITICAL"}.
func TestChain_S2_VulnerableImage_Blocks(t *testing.T) {
	vulnerable := []byte(`{"Results": [{"Vulnerabilities": [{"Severity": "CRITICAL", "VulnerabilityID": "CVE-2021-1234", "PkgName": "openssl"}]}]}`)
	chain, reg := newChainFixture(t, vulnerable)

	env := types.ShadowEnvironment{Namespace: "aegis-shadow-xyz", CreatedAt: time.Now()}
	fix := types.FixProposal{Kind: types.FixPatch}
	changes := map[string]string{"image": "nginx:1.10"}

	report := chain.Run(context.Background(), env, fix, changes)
	assert.False(t, report.Passed)
	assert.Equal(t, 1, report.SeverityCounts[types.SeverityCritical])

	count := testutil.ToFloat64(reg.SecurityBlocksTotal.WithLabelValues("image", "CRITICAL"))
	assert.Equal(t, float64(1), count)
}
