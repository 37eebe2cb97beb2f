package resolver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pior/trafficcore/proxyerr"
)

func TestResolver_DirectUsesResolveFn(t *testing.T) {
	r := New(nil)
	r.SetResolveFn(func(ctx context.Context, host string, port int) (Target, error) {
		return Target{Host: "10.0.0.1", Port: port}, nil
	})

	got, err := r.Resolve(context.Background(), PolicyDirect, "example.com", 80, "")
	require.NoError(t, err)
	assert.Equal(t, Target{Host: "10.0.0.1", Port: 80}, got)
}

func TestResolver_ParentFailoverExhaustionYields502(t *testing.T) {
	r := New([]Parent{{Host: "127.0.0.1", Port: 1}, {Host: "127.0.0.1", Port: 2}})
	// Ports 1 and 2 are not listening; dialParent will fail for both,
	// exercising the failover-then-surface path end to end.
	_, err := r.Resolve(context.Background(), PolicyParent, "foo", 80, "fp")
	require.Error(t, err)
	var pe *proxyerr.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 502, pe.Kind.Status())
}

func TestResolver_CandidateOrderCoversAllParents(t *testing.T) {
	r := New([]Parent{{Host: "a", Port: 1}, {Host: "b", Port: 2}, {Host: "c", Port: 3}})
	order := r.candidateOrder("some-key")
	assert.Len(t, order, 3)
	seen := map[string]bool{}
	for _, k := range order {
		seen[k] = true
	}
	assert.Len(t, seen, 3, "every parent appears exactly once in the failover order")
}

func TestResolver_AddRemoveParent(t *testing.T) {
	r := New([]Parent{{Host: "a", Port: 1}})
	r.AddParent(Parent{Host: "b", Port: 2})
	assert.Len(t, r.candidateOrder("k"), 2)

	r.RemoveParent(Parent{Host: "a", Port: 1})
	assert.Len(t, r.candidateOrder("k"), 1)
}
