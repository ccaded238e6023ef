package callsession

import (
	"context"

	"github.com/looplab/fsm"
)

type State string

const (
	StateIdle                  State = "IDLE"
	StateJoinRequested         State = "JOIN_REQUESTED"
	StateRoomJoined            State = "ROOM_JOINED"
	StateOfferPending          State = "OFFER_PENDING"
	StateAwaitingOffer         State = "AWAITING_OFFER"
	StateDescriptionsExchanged State = "DESCRIPTIONS_EXCHANGED"
	StateIceNegotiating        State = "ICE_NEGOTIATING"
	StateMediaConnected        State = "MEDIA_CONNECTED"
	StateTimerActive           State = "TIMER_ACTIVE"
	StateEnded                 State = "ENDED"
	StateFailed                State = "FAILED"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateEnded || s == StateFailed }

// Live reports whether media flows and quality is sampled.
func (s State) Live() bool { return s == StateMediaConnected || s == StateTimerActive }

const (
	evJoin      = "join"
	evJoined    = "joined"
	evOffer     = "offer"
	evAwait     = "await"
	evExchanged = "exchanged"
	evIce       = "ice"
	evConnected = "connected"
	evTimer     = "timer"
	evDegrade   = "degrade"
	evReconnect = "reconnect"
	evRejoin    = "rejoin"
	evEnd       = "end"
	evFail      = "fail"
)

func names(states ...State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

var nonTerminal = []State{
	StateIdle, StateJoinRequested, StateRoomJoined, StateOfferPending, StateAwaitingOffer,
	StateDescriptionsExchanged, StateIceNegotiating, StateMediaConnected, StateTimerActive,
}

// newStateMachine declares every legal controller transition. onEnter is
// invoked after each successful transition.
func newStateMachine(onEnter func(from, to State)) *fsm.FSM {
	return fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: evJoin, Src: names(StateIdle), Dst: string(StateJoinRequested)},
			{Name: evJoined, Src: names(StateJoinRequested), Dst: string(StateRoomJoined)},
			{Name: evOffer, Src: names(StateRoomJoined), Dst: string(StateOfferPending)},
			{Name: evAwait, Src: names(StateRoomJoined), Dst: string(StateAwaitingOffer)},
			{Name: evExchanged, Src: names(StateOfferPending, StateAwaitingOffer), Dst: string(StateDescriptionsExchanged)},
			{Name: evIce, Src: names(StateDescriptionsExchanged), Dst: string(StateIceNegotiating)},
			{Name: evConnected, Src: names(StateDescriptionsExchanged, StateIceNegotiating), Dst: string(StateMediaConnected)},
			{Name: evTimer, Src: names(StateMediaConnected), Dst: string(StateTimerActive)},
			{Name: evDegrade, Src: names(StateMediaConnected, StateTimerActive), Dst: string(StateIceNegotiating)},
			{Name: evReconnect, Src: names(
				StateJoinRequested, StateOfferPending, StateAwaitingOffer, StateDescriptionsExchanged,
				StateIceNegotiating, StateMediaConnected, StateTimerActive,
			), Dst: string(StateRoomJoined)},
			{Name: evRejoin, Src: names(
				StateRoomJoined, StateOfferPending, StateAwaitingOffer, StateDescriptionsExchanged,
				StateIceNegotiating, StateMediaConnected, StateTimerActive,
			), Dst: string(StateJoinRequested)},
			{Name: evEnd, Src: names(nonTerminal...), Dst: string(StateEnded)},
			{Name: evFail, Src: names(nonTerminal...), Dst: string(StateFailed)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				onEnter(State(e.Src), State(e.Dst))
			},
		},
	)
}
