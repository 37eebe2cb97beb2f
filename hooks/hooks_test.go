package hooks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScoped_FiresScopedThenGlobalInOrder(t *testing.T) {
	reg := NewRegistry()
	var order []string

	reg.AddGlobal(TxnStart, Continuation{Name: "global-1", Fn: func(ctx context.Context, p Payload) Outcome {
		order = append(order, "global-1")
		return OutcomeContinue
	}})

	scoped := NewScoped(reg)
	scoped.Add(TxnStart, Continuation{Name: "scoped-1", Fn: func(ctx context.Context, p Payload) Outcome {
		order = append(order, "scoped-1")
		return OutcomeContinue
	}})

	outcome, fired := scoped.Fire(context.Background(), TxnStart, nil)
	require.Equal(t, OutcomeContinue, outcome)
	require.Equal(t, 2, fired)
	require.Equal(t, []string{"scoped-1", "global-1"}, order)
}

func TestScoped_ErrorShortCircuitsDispatch(t *testing.T) {
	reg := NewRegistry()
	scoped := NewScoped(reg)

	var ranSecond bool
	scoped.Add(ReadRequestHdr, Continuation{Fn: func(ctx context.Context, p Payload) Outcome {
		return OutcomeError
	}})
	scoped.Add(ReadRequestHdr, Continuation{Fn: func(ctx context.Context, p Payload) Outcome {
		ranSecond = true
		return OutcomeContinue
	}})

	outcome, fired := scoped.Fire(context.Background(), ReadRequestHdr, nil)
	require.Equal(t, OutcomeError, outcome)
	require.Equal(t, 1, fired)
	require.False(t, ranSecond, "dispatch must stop at the first OutcomeError")
}

func TestScoped_NoCallbackSuppressesDeliveryWithoutUnregistering(t *testing.T) {
	reg := NewRegistry()
	scoped := NewScoped(reg)

	called := false
	scoped.Add(SendResponseHdr, Continuation{NoCallback: true, Fn: func(ctx context.Context, p Payload) Outcome {
		called = true
		return OutcomeContinue
	}})

	require.Equal(t, 1, scoped.AddedCount(SendResponseHdr))
	outcome, fired := scoped.Fire(context.Background(), SendResponseHdr, nil)
	require.Equal(t, OutcomeContinue, outcome)
	require.Equal(t, 0, fired)
	require.False(t, called)
}

func TestScoped_SamePointMidDispatchAdditionNotRetroactive(t *testing.T) {
	reg := NewRegistry()
	scoped := NewScoped(reg)

	var secondRan bool
	scoped.Add(OSDNS, Continuation{Fn: func(ctx context.Context, p Payload) Outcome {
		scoped.Add(OSDNS, Continuation{Fn: func(ctx context.Context, p Payload) Outcome {
			secondRan = true
			return OutcomeContinue
		}})
		return OutcomeContinue
	}})

	_, fired := scoped.Fire(context.Background(), OSDNS, nil)
	require.Equal(t, 1, fired, "the hook added during this dispatch must not be walked in the same Fire call")
	require.False(t, secondRan)
	require.Equal(t, 2, scoped.AddedCount(OSDNS), "but it is registered for the next dispatch")
}

func TestScoped_AddedCountCombinesScopedAndGlobal(t *testing.T) {
	reg := NewRegistry()
	reg.AddGlobal(TxnClose, Continuation{Fn: func(context.Context, Payload) Outcome { return OutcomeContinue }})

	scoped := NewScoped(reg)
	scoped.Add(TxnClose, Continuation{Fn: func(context.Context, Payload) Outcome { return OutcomeContinue }})
	scoped.Add(TxnClose, Continuation{Fn: func(context.Context, Payload) Outcome { return OutcomeContinue }})

	require.Equal(t, 3, scoped.AddedCount(TxnClose))
}

func TestScoped_IndependentInstancesDoNotShareScopedHooks(t *testing.T) {
	reg := NewRegistry()
	a := NewScoped(reg)
	b := NewScoped(reg)

	a.Add(TxnStart, Continuation{Fn: func(context.Context, Payload) Outcome { return OutcomeContinue }})

	require.Equal(t, 1, a.AddedCount(TxnStart))
	require.Equal(t, 0, b.AddedCount(TxnStart))
}
