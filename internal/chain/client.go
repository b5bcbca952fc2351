package chain

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
	"unicode/utf8"

	errorsmod "cosmossdk.io/errors"
	"cosmossdk.io/log"
	sdkmath "cosmossdk.io/math"
)

// Chain client sentinel errors.
var (
	ErrRequest  = errorsmod.Register("coord/chain", 1, "chain request failed")
	ErrResponse = errorsmod.Register("coord/chain", 2, "unexpected chain response")
)

// Client is a thin synchronous adapter over the node's REST surface. It
// retries transient network errors once and surfaces chain-level errors
// verbatim; retry policy beyond that belongs to callers.
type Client struct {
	restURL string
	hc      *http.Client
	logger  log.Logger
}

func NewClient(restURL string, timeout time.Duration, logger log.Logger) *Client {
	return &Client{
		restURL: restURL,
		hc:      &http.Client{Timeout: timeout},
		logger:  logger.With("module", "chain"),
	}
}

// BroadcastSync submits tx bytes in BROADCAST_MODE_SYNC and returns the
// check-tx verdict.
func (c *Client) BroadcastSync(ctx context.Context, txBytes []byte) (BroadcastResult, error) {
	body, err := json.Marshal(map[string]string{
		"tx_bytes": base64.StdEncoding.EncodeToString(txBytes),
		"mode":     "BROADCAST_MODE_SYNC",
	})
	if err != nil {
		return BroadcastResult{}, fmt.Errorf("encode broadcast body: %w", err)
	}

	var env txResponseEnvelope
	if err := c.doJSON(ctx, http.MethodPost, "/cosmos/tx/v1beta1/txs", body, &env); err != nil {
		return BroadcastResult{}, err
	}
	if env.TxResponse == nil {
		return BroadcastResult{}, ErrResponse.Wrap("missing tx_response")
	}
	return BroadcastResult{
		TxHash: env.TxResponse.TxHash,
		Code:   env.TxResponse.Code,
		RawLog: env.TxResponse.RawLog,
	}, nil
}

// QueryTx fetches a transaction by hash. Found is false while the tx is
// still unindexed.
func (c *Client) QueryTx(ctx context.Context, hash string) (TxResult, error) {
	var env txResponseEnvelope
	err := c.doJSON(ctx, http.MethodGet, "/cosmos/tx/v1beta1/txs/"+url.PathEscape(hash), nil, &env)
	if err != nil {
		var httpErr *statusError
		if asStatusError(err, &httpErr) && (httpErr.code == http.StatusNotFound || httpErr.code == http.StatusBadRequest) {
			return TxResult{}, nil
		}
		return TxResult{}, err
	}
	if env.TxResponse == nil {
		return TxResult{}, nil
	}
	return decodeTxResponse(env.TxResponse), nil
}

// TxsAtHeight lists committed transactions of one block. Newer nodes take the
// filter via the query parameter, older ones via events; both are tried.
func (c *Client) TxsAtHeight(ctx context.Context, height int64) ([]TxResult, error) {
	filter := url.QueryEscape(fmt.Sprintf("tx.height=%d", height))

	var env txsAtHeightEnvelope
	err := c.doJSON(ctx, http.MethodGet, "/cosmos/tx/v1beta1/txs?query="+filter+"&limit=100", nil, &env)
	if err != nil {
		var httpErr *statusError
		if !asStatusError(err, &httpErr) || httpErr.code != http.StatusBadRequest {
			return nil, err
		}
		env = txsAtHeightEnvelope{}
		if err := c.doJSON(ctx, http.MethodGet, "/cosmos/tx/v1beta1/txs?events="+filter+"&limit=100", nil, &env); err != nil {
			return nil, err
		}
	}

	out := make([]TxResult, 0, len(env.TxResponses))
	for _, tr := range env.TxResponses {
		out = append(out, decodeTxResponse(tr))
	}
	return out, nil
}

// CurrentHeight returns the node's latest committed block height.
func (c *Client) CurrentHeight(ctx context.Context) (int64, error) {
	var env latestBlockEnvelope
	if err := c.doJSON(ctx, http.MethodGet, "/cosmos/base/tendermint/v1beta1/blocks/latest", nil, &env); err != nil {
		return 0, err
	}
	h, err := strconv.ParseInt(env.Block.Header.Height, 10, 64)
	if err != nil {
		return 0, ErrResponse.Wrapf("bad height %q", env.Block.Header.Height)
	}
	return h, nil
}

// SmartQuery runs a smart-contract query and unmarshals the data payload
// into out.
func (c *Client) SmartQuery(ctx context.Context, contract string, query any, out any) error {
	qb, err := json.Marshal(query)
	if err != nil {
		return fmt.Errorf("encode contract query: %w", err)
	}
	path := "/cosmwasm/wasm/v1/contract/" + url.PathEscape(contract) + "/smart/" +
		url.PathEscape(base64.StdEncoding.EncodeToString(qb))

	var env smartQueryEnvelope
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &env); err != nil {
		return err
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return ErrResponse.Wrapf("decode contract data: %v", err)
		}
	}
	return nil
}

// Account returns the signer's account number and sequence.
func (c *Client) Account(ctx context.Context, addr string) (accNum, sequence uint64, err error) {
	var env accountEnvelope
	if err := c.doJSON(ctx, http.MethodGet, "/cosmos/auth/v1beta1/accounts/"+url.PathEscape(addr), nil, &env); err != nil {
		return 0, 0, err
	}
	acct := env.Account
	// Vesting and module accounts nest the base account.
	for acct != nil && acct.AccountNumber == "" && acct.BaseAccount != nil {
		acct = acct.BaseAccount
	}
	if acct == nil {
		return 0, 0, ErrResponse.Wrapf("no account for %s", addr)
	}
	accNum, err = strconv.ParseUint(acct.AccountNumber, 10, 64)
	if err != nil {
		return 0, 0, ErrResponse.Wrapf("bad account_number %q", acct.AccountNumber)
	}
	sequence, err = strconv.ParseUint(acct.Sequence, 10, 64)
	if err != nil {
		return 0, 0, ErrResponse.Wrapf("bad sequence %q", acct.Sequence)
	}
	return accNum, sequence, nil
}

// BankBalance returns the address's spendable native balance in denom.
func (c *Client) BankBalance(ctx context.Context, addr, denom string) (sdkmath.Int, error) {
	path := "/cosmos/bank/v1beta1/balances/" + url.PathEscape(addr) + "/by_denom?denom=" + url.QueryEscape(denom)
	var env bankBalanceEnvelope
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &env); err != nil {
		return sdkmath.Int{}, err
	}
	if env.Balance.Amount == "" {
		return sdkmath.ZeroInt(), nil
	}
	amt, ok := sdkmath.NewIntFromString(env.Balance.Amount)
	if !ok {
		return sdkmath.Int{}, ErrResponse.Wrapf("bad balance amount %q", env.Balance.Amount)
	}
	return amt, nil
}

// ---- plumbing ----

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.code, e.body)
}

func asStatusError(err error, target **statusError) bool {
	return errors.As(err, target)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body []byte, out any) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.restURL+path, rd)
		if err != nil {
			return ErrRequest.Wrap(err.Error())
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.hc.Do(req)
		if err != nil {
			// Transient network failure: retry once unless the context is done.
			lastErr = ErrRequest.Wrap(err.Error())
			if ctx.Err() != nil {
				return lastErr
			}
			continue
		}

		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = ErrRequest.Wrap(err.Error())
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%w: %w", ErrRequest, &statusError{code: resp.StatusCode, body: string(data)})
		}
		if out != nil {
			if err := json.Unmarshal(data, out); err != nil {
				return ErrResponse.Wrapf("decode %s: %v", path, err)
			}
		}
		return nil
	}
	return lastErr
}

func decodeTxResponse(tr *wireTxResponse) TxResult {
	height, _ := strconv.ParseInt(tr.Height, 10, 64)
	res := TxResult{
		Found:  true,
		Hash:   tr.TxHash,
		Code:   tr.Code,
		RawLog: tr.RawLog,
		Height: height,
	}
	// Modern layout: top-level events. Legacy layout: logs[].events. Chains
	// in this SDK family emit one or the other (sometimes both); gather both
	// and let the indexer deduplicate.
	for _, ev := range tr.Events {
		res.Events = append(res.Events, decodeEvent(ev))
	}
	for _, lg := range tr.Logs {
		for _, ev := range lg.Events {
			res.Events = append(res.Events, decodeEvent(ev))
		}
	}
	return res
}

func decodeEvent(ev wireEvent) Event {
	out := Event{Type: ev.Type, Attributes: make([]Attribute, 0, len(ev.Attributes))}
	for _, a := range ev.Attributes {
		out.Attributes = append(out.Attributes, Attribute{
			Key:   maybeBase64(a.Key),
			Value: maybeBase64(a.Value),
		})
	}
	return out
}

// maybeBase64 handles the older SDK fork that base64-encodes attribute keys
// and values. Plain attribute strings almost never form valid base64 (wrong
// length, or characters like '_' outside the alphabet), so a string that
// decodes cleanly to printable UTF-8 is treated as encoded.
func maybeBase64(s string) string {
	if s == "" {
		return s
	}
	dec, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return s
	}
	if !utf8.Valid(dec) {
		return s
	}
	for _, b := range dec {
		if b < 0x20 || b == 0x7f {
			return s
		}
	}
	return string(dec)
}
