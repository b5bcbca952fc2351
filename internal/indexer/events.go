package indexer

import (
	"strings"

	"onchainflip/apps/coord/internal/chain"
)

// Stable event-type names used for dedup keys and projection dispatch.
const (
	EventBetCreated        = "bet_created"
	EventBetAccepted       = "bet_accepted"
	EventBetRevealed       = "bet_revealed"
	EventBetCanceled       = "bet_canceled"
	EventBetTimeoutClaimed = "bet_timeout_claimed"
	EventCommissionPaid    = "commission_paid"
)

var actionToEvent = map[string]string{
	"create_bet":      EventBetCreated,
	"accept_bet":      EventBetAccepted,
	"reveal":          EventBetRevealed,
	"cancel_bet":      EventBetCanceled,
	"claim_timeout":   EventBetTimeoutClaimed,
	"commission_paid": EventCommissionPaid,
}

// BetEvent is one contract event flattened to an attribute map. Optional
// attributes are simply absent from Attrs.
type BetEvent struct {
	TxHash string
	Height int64
	Type   string
	Attrs  map[string]string
}

// ExtractEvents filters a transaction's events down to this contract's game
// events. Both the plain "wasm" type with an action attribute and the
// "wasm-<action>" suffix form are accepted.
func ExtractEvents(tx chain.TxResult, contract string) []BetEvent {
	if tx.Code != 0 {
		return nil
	}
	var out []BetEvent
	for _, ev := range tx.Events {
		action, ok := eventAction(ev)
		if !ok {
			continue
		}
		evType, ok := actionToEvent[action]
		if !ok {
			continue
		}
		if addr, ok := ev.Attr("_contract_address"); !ok || addr != contract {
			continue
		}
		attrs := make(map[string]string, len(ev.Attributes))
		for _, a := range ev.Attributes {
			attrs[a.Key] = a.Value
		}
		out = append(out, BetEvent{
			TxHash: tx.Hash,
			Height: tx.Height,
			Type:   evType,
			Attrs:  attrs,
		})
	}
	return out
}

func eventAction(ev chain.Event) (string, bool) {
	if ev.Type == "wasm" {
		return ev.Attr("action")
	}
	if rest, ok := strings.CutPrefix(ev.Type, "wasm-"); ok {
		return rest, true
	}
	return "", false
}
