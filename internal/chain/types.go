package chain

import "encoding/json"

// Event is a chain event attached to a transaction, after attribute decoding.
type Event struct {
	Type       string
	Attributes []Attribute
}

// Attribute is a decoded event attribute.
type Attribute struct {
	Key   string
	Value string
}

// Attr returns the value of the named attribute.
func (e Event) Attr(key string) (string, bool) {
	for _, a := range e.Attributes {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}

// BroadcastResult is the outcome of mempool admission (check-tx), not of
// commitment.
type BroadcastResult struct {
	TxHash string
	Code   uint32
	RawLog string
}

// TxResult is a committed (or rejected) transaction as reported by the node.
// Events merges the modern top-level layout and the legacy logs[] layout.
type TxResult struct {
	Found  bool
	Hash   string
	Code   uint32
	RawLog string
	Height int64
	Events []Event
}

// ---- wire shapes (LCD REST JSON) ----

type txResponseEnvelope struct {
	TxResponse *wireTxResponse `json:"tx_response"`
}

type txsAtHeightEnvelope struct {
	TxResponses []*wireTxResponse `json:"tx_responses"`
}

type wireTxResponse struct {
	TxHash string      `json:"txhash"`
	Code   uint32      `json:"code"`
	RawLog string      `json:"raw_log"`
	Height string      `json:"height"`
	Events []wireEvent `json:"events"`
	Logs   []wireLog   `json:"logs"`
}

type wireLog struct {
	Events []wireEvent `json:"events"`
}

type wireEvent struct {
	Type       string          `json:"type"`
	Attributes []wireAttribute `json:"attributes"`
}

type wireAttribute struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type latestBlockEnvelope struct {
	Block struct {
		Header struct {
			Height string `json:"height"`
		} `json:"header"`
	} `json:"block"`
}

type smartQueryEnvelope struct {
	Data json.RawMessage `json:"data"`
}

type accountEnvelope struct {
	Account *wireAccount `json:"account"`
}

type wireAccount struct {
	AccountNumber string       `json:"account_number"`
	Sequence      string       `json:"sequence"`
	BaseAccount   *wireAccount `json:"base_account"`
}

type bankBalanceEnvelope struct {
	Balance struct {
		Denom  string `json:"denom"`
		Amount string `json:"amount"`
	} `json:"balance"`
}
