package relayer

import (
	"context"
	"regexp"
	"strconv"
	"sync"

	"cosmossdk.io/log"

	wasmtypes "github.com/CosmWasm/wasmd/x/wasm/types"
	"github.com/cosmos/cosmos-sdk/client"
	clienttx "github.com/cosmos/cosmos-sdk/client/tx"
	"github.com/cosmos/cosmos-sdk/codec"
	codectypes "github.com/cosmos/cosmos-sdk/codec/types"
	cryptocodec "github.com/cosmos/cosmos-sdk/crypto/codec"
	"github.com/cosmos/cosmos-sdk/crypto/hd"
	cryptotypes "github.com/cosmos/cosmos-sdk/crypto/types"
	sdk "github.com/cosmos/cosmos-sdk/types"
	txsigning "github.com/cosmos/cosmos-sdk/types/tx/signing"
	authsigning "github.com/cosmos/cosmos-sdk/x/auth/signing"
	authtx "github.com/cosmos/cosmos-sdk/x/auth/tx"
	"github.com/cosmos/cosmos-sdk/x/authz"

	"onchainflip/apps/coord/internal/chain"
)

// Action is a high-level game or vault operation relayed on behalf of a user.
type Action string

const (
	ActionCreateBet    Action = "create_bet"
	ActionAcceptBet    Action = "accept_bet"
	ActionReveal       Action = "reveal"
	ActionCancelBet    Action = "cancel_bet"
	ActionClaimTimeout Action = "claim_timeout"
	ActionWithdraw     Action = "withdraw"
)

// ChainClient is the broadcast/account slice of the chain client.
type ChainClient interface {
	BroadcastSync(ctx context.Context, txBytes []byte) (chain.BroadcastResult, error)
	Account(ctx context.Context, addr string) (accNum, sequence uint64, err error)
}

// Result reports the outcome of mempool admission. Success means check-tx
// accepted the transaction; commitment is the caller's problem.
type Result struct {
	Success bool
	TxHash  string
	RawLog  string
	Timeout bool
	Err     error
}

// Options tweak a single relay call.
type Options struct {
	// Funds attached to the inner contract execution.
	Funds sdk.Coins
	// FeeGranter pays the fee when set (e.g. treasury for VIP users).
	FeeGranter string
}

// Config for the relayer identity and fees.
type Config struct {
	Mnemonic      string
	ChainID       string
	Contract      string
	GasLimit      uint64
	FeeAmount     sdk.Coins
	MaxSeqRetries int
}

// Relayer holds the single signing identity and funnels every on-behalf-of
// submission through one strictly serial broadcast path. The chain requires
// strictly increasing sequence numbers per signer, so all sign+broadcast work
// happens under one mutex; upstream fairness comes from the per-user guard.
type Relayer struct {
	mu sync.Mutex // broadcast mutex: held for the whole sign+broadcast

	chainClient ChainClient
	txConfig    client.TxConfig
	logger      log.Logger

	priv    cryptotypes.PrivKey
	address sdk.AccAddress

	chainID       string
	contract      string
	gasLimit      uint64
	feeAmount     sdk.Coins
	maxSeqRetries int

	// cached signer state, loaded lazily and repaired on mismatch
	accNum    uint64
	sequence  uint64
	seqLoaded bool
}

func New(chainClient ChainClient, cfg Config, logger log.Logger) (*Relayer, error) {
	if cfg.Mnemonic == "" {
		return nil, ErrNotReady.Wrap("missing relayer mnemonic")
	}
	derived, err := hd.Secp256k1.Derive()(cfg.Mnemonic, "", sdk.GetConfig().GetFullBIP44Path())
	if err != nil {
		return nil, ErrNotReady.Wrapf("derive signer: %v", err)
	}
	priv := hd.Secp256k1.Generate()(derived)

	retries := cfg.MaxSeqRetries
	if retries <= 0 {
		retries = 3
	}

	return &Relayer{
		chainClient:   chainClient,
		txConfig:      newTxConfig(),
		logger:        logger.With("module", "relayer"),
		priv:          priv,
		address:       sdk.AccAddress(priv.PubKey().Address()),
		chainID:       cfg.ChainID,
		contract:      cfg.Contract,
		gasLimit:      cfg.GasLimit,
		feeAmount:     cfg.FeeAmount,
		maxSeqRetries: retries,
	}, nil
}

func newTxConfig() client.TxConfig {
	reg := codectypes.NewInterfaceRegistry()
	cryptocodec.RegisterInterfaces(reg)
	sdk.RegisterInterfaces(reg)
	authz.RegisterInterfaces(reg)
	wasmtypes.RegisterInterfaces(reg)
	return authtx.NewTxConfig(codec.NewProtoCodec(reg), authtx.DefaultSignModes)
}

// Address returns the relayer's own bech32 address.
func (r *Relayer) Address() string {
	return r.address.String()
}

// Relay signs and broadcasts one contract execution on behalf of onBehalfOf.
// Executions for other granters are wrapped in an authz exec; the relayer's
// own transactions (e.g. treasury sweeps) go out unwrapped.
func (r *Relayer) Relay(ctx context.Context, action Action, onBehalfOf string, payload []byte, opts Options) Result {
	if r == nil || r.priv == nil {
		return Result{Err: ErrNotReady}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.seqLoaded {
		accNum, seq, err := r.chainClient.Account(ctx, r.address.String())
		if err != nil {
			return Result{Err: ErrNotReady.Wrapf("load signer account: %v", err)}
		}
		r.accNum, r.sequence, r.seqLoaded = accNum, seq, true
	}

	for attempt := 0; attempt <= r.maxSeqRetries; attempt++ {
		txBytes, err := r.buildAndSign(ctx, onBehalfOf, payload, opts)
		if err != nil {
			return Result{Err: err}
		}

		res, err := r.chainClient.BroadcastSync(ctx, txBytes)
		if err != nil {
			r.logger.Error("broadcast failed", "action", action, "error", err)
			return Result{Timeout: true, Err: ErrBroadcastTimeout.Wrap(err.Error())}
		}

		if res.Code == 0 {
			r.sequence++
			r.logger.Info("tx broadcast",
				"action", action, "granter", onBehalfOf, "tx_hash", res.TxHash, "sequence", r.sequence-1)
			return Result{Success: true, TxHash: res.TxHash, RawLog: res.RawLog}
		}

		if expected, ok := parseExpectedSequence(res.RawLog); ok {
			r.logger.Warn("sequence mismatch, retrying",
				"cached", r.sequence, "expected", expected, "attempt", attempt)
			r.sequence = expected
			continue
		}

		return Result{RawLog: res.RawLog, Err: ErrCheckTxRejected.Wrapf("code %d: %s", res.Code, res.RawLog)}
	}

	r.seqLoaded = false
	return Result{Err: ErrSequenceMismatch.Wrapf("retries exhausted (%d)", r.maxSeqRetries)}
}

func (r *Relayer) buildAndSign(ctx context.Context, onBehalfOf string, payload []byte, opts Options) ([]byte, error) {
	builder := r.txConfig.NewTxBuilder()

	inner := &wasmtypes.MsgExecuteContract{
		Sender:   onBehalfOf,
		Contract: r.contract,
		Msg:      payload,
		Funds:    opts.Funds,
	}

	var msg sdk.Msg = inner
	if onBehalfOf != r.address.String() {
		exec := authz.NewMsgExec(r.address, []sdk.Msg{inner})
		msg = &exec
	}
	if err := builder.SetMsgs(msg); err != nil {
		return nil, ErrCheckTxRejected.Wrapf("set msgs: %v", err)
	}

	builder.SetGasLimit(r.gasLimit)
	builder.SetFeeAmount(r.feeAmount)
	if opts.FeeGranter != "" {
		granter, err := sdk.AccAddressFromBech32(opts.FeeGranter)
		if err != nil {
			return nil, ErrCheckTxRejected.Wrapf("bad fee granter: %v", err)
		}
		builder.SetFeeGranter(granter)
	}

	signerData := authsigning.SignerData{
		Address:       r.address.String(),
		ChainID:       r.chainID,
		AccountNumber: r.accNum,
		Sequence:      r.sequence,
		PubKey:        r.priv.PubKey(),
	}
	sig, err := clienttx.SignWithPrivKey(
		ctx, txsigning.SignMode_SIGN_MODE_DIRECT, signerData, builder, r.priv, r.txConfig, r.sequence,
	)
	if err != nil {
		return nil, ErrCheckTxRejected.Wrapf("sign: %v", err)
	}
	if err := builder.SetSignatures(sig); err != nil {
		return nil, ErrCheckTxRejected.Wrapf("set signatures: %v", err)
	}

	return r.txConfig.TxEncoder()(builder.GetTx())
}

// expectedSeqRe matches the node's "account sequence mismatch, expected N,
// got M" hint.
var expectedSeqRe = regexp.MustCompile(`expected (\d+)`)

func parseExpectedSequence(rawLog string) (uint64, bool) {
	m := expectedSeqRe.FindStringSubmatch(rawLog)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
