package ridefsm_test

import (
	"testing"

	"github.com/rideflare/ridecore/ridefsm"
	"github.com/stretchr/testify/require"
)

func TestHappyPathTransitions(t *testing.T) {
	ctx := ridefsm.Context{RiderPubKey: "rider1"}
	state := ridefsm.StateCreated

	res := ridefsm.Transition(state, ctx, ridefsm.Event{
		Kind:               ridefsm.EventAccept,
		AcceptDriverPubKey: "driver1",
		AcceptMintURL:      "https://mint.example",
	})
	require.True(t, res.Valid)
	require.Equal(t, ridefsm.StateAccepted, res.NewState)
	state, ctx = res.NewState, res.NewContext

	res = ridefsm.Transition(state, ctx, ridefsm.Event{
		Kind:                 ridefsm.EventConfirm,
		ConfirmPrecisePickup: "38.4297,-108.8274",
		ConfirmPaymentHash:   "deadbeef",
	})
	require.True(t, res.Valid)
	require.Equal(t, ridefsm.StateConfirmed, res.NewState)
	state, ctx = res.NewState, res.NewContext

	res = ridefsm.Transition(state, ctx, ridefsm.Event{Kind: ridefsm.EventStatusUpdate, StatusPhase: ridefsm.PhaseEnRoutePickup})
	require.True(t, res.Valid)
	require.Equal(t, ridefsm.StateEnRoute, res.NewState)
	state = res.NewState

	res = ridefsm.Transition(state, ctx, ridefsm.Event{Kind: ridefsm.EventStatusUpdate, StatusPhase: ridefsm.PhaseArrived})
	require.True(t, res.Valid)
	require.Equal(t, ridefsm.StateArrived, res.NewState)
	state = res.NewState

	res = ridefsm.Transition(state, ctx, ridefsm.Event{Kind: ridefsm.EventPinVerify, PinVerified: true})
	require.True(t, res.Valid)
	require.Equal(t, ridefsm.StateArrived, res.NewState)

	res = ridefsm.Transition(state, ctx, ridefsm.Event{Kind: ridefsm.EventStatusUpdate, StatusPhase: ridefsm.PhaseInProgress})
	require.True(t, res.Valid)
	require.Equal(t, ridefsm.StateInProgress, res.NewState)
	state = res.NewState

	res = ridefsm.Transition(state, ctx, ridefsm.Event{Kind: ridefsm.EventComplete})
	require.True(t, res.Valid)
	require.Equal(t, ridefsm.StateCompleted, res.NewState)
}

func TestInvalidTransitionsRejected(t *testing.T) {
	ctx := ridefsm.Context{}

	res := ridefsm.Transition(ridefsm.StateCreated, ctx, ridefsm.Event{Kind: ridefsm.EventConfirm})
	require.False(t, res.Valid)
	require.NotEmpty(t, res.Reason)

	res = ridefsm.Transition(ridefsm.StateAccepted, ctx, ridefsm.Event{Kind: ridefsm.EventStatusUpdate, StatusPhase: ridefsm.PhaseArrived})
	require.False(t, res.Valid)

	res = ridefsm.Transition(ridefsm.StateEnRoute, ctx, ridefsm.Event{Kind: ridefsm.EventStatusUpdate, StatusPhase: ridefsm.PhaseInProgress})
	require.False(t, res.Valid)
}

func TestCancelAndExpireFromAnyNonTerminalState(t *testing.T) {
	ctx := ridefsm.Context{}
	for _, s := range []ridefsm.State{
		ridefsm.StateCreated, ridefsm.StateAccepted, ridefsm.StateConfirmed,
		ridefsm.StateEnRoute, ridefsm.StateArrived, ridefsm.StateInProgress,
	} {
		res := ridefsm.Transition(s, ctx, ridefsm.Event{Kind: ridefsm.EventCancel, CancelByPubKey: "x"})
		require.True(t, res.Valid, "cancel should be valid from %s", s)
		require.Equal(t, ridefsm.StateCancelled, res.NewState)

		res = ridefsm.Transition(s, ctx, ridefsm.Event{Kind: ridefsm.EventExpire})
		require.True(t, res.Valid, "expire should be valid from %s", s)
		require.Equal(t, ridefsm.StateCancelled, res.NewState)
	}
}

func TestTerminalStatesRejectEverything(t *testing.T) {
	ctx := ridefsm.Context{}
	res := ridefsm.Transition(ridefsm.StateCompleted, ctx, ridefsm.Event{Kind: ridefsm.EventCancel})
	require.False(t, res.Valid)

	res = ridefsm.Transition(ridefsm.StateCancelled, ctx, ridefsm.Event{Kind: ridefsm.EventExpire})
	require.False(t, res.Valid)
}

func TestPinAttemptIncrementsOnWrongSubmission(t *testing.T) {
	ctx := ridefsm.Context{PinAttempt: 1}
	res := ridefsm.Transition(ridefsm.StateArrived, ctx, ridefsm.Event{Kind: ridefsm.EventPinVerify, PinVerified: false})
	require.True(t, res.Valid)
	require.Equal(t, 2, res.NewContext.PinAttempt)
	require.Equal(t, ridefsm.StateArrived, res.NewState)
}
