package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"cosmossdk.io/log"
	sdkmath "cosmossdk.io/math"
	"github.com/julienschmidt/httprouter"

	"onchainflip/apps/coord/internal/bets"
	"onchainflip/apps/coord/internal/game"
	"onchainflip/apps/coord/internal/jackpot"
	"onchainflip/apps/coord/internal/relayer"
)

// userHeader carries the authenticated bech32 address. Signature
// verification happens upstream of this process; the adapter trusts the
// header.
const userHeader = "X-User-Address"

// Server is the thin JSON adapter over the game service. Request validation
// beyond basic shape, auth, and WebSocket fan-out live outside the core.
type Server struct {
	svc     *game.Service
	machine *bets.Machine
	engine  *jackpot.Engine
	tiers   []jackpot.Tier
	logger  log.Logger
	httpSrv *http.Server
}

func New(svc *game.Service, machine *bets.Machine, engine *jackpot.Engine, tiers []jackpot.Tier, logger log.Logger) *Server {
	return &Server{
		svc:     svc,
		machine: machine,
		engine:  engine,
		tiers:   tiers,
		logger:  logger.With("module", "server"),
	}
}

func (s *Server) Router() *httprouter.Router {
	r := httprouter.New()
	r.POST("/v1/bets", s.createBet)
	r.GET("/v1/bets", s.listOpenBets)
	r.POST("/v1/bets/:id/accept", s.acceptBet)
	r.POST("/v1/bets/:id/cancel", s.cancelBet)
	r.POST("/v1/bets/:id/reveal", s.revealBet)
	r.POST("/v1/bets/:id/claim-timeout", s.claimTimeout)
	r.GET("/v1/vault/balance", s.balance)
	r.POST("/v1/vault/withdraw", s.withdraw)
	r.GET("/v1/jackpot/pools", s.jackpotPools)
	return r
}

// ListenAndServe blocks until ctx is done, then drains in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.httpSrv = &http.Server{Addr: addr, Handler: s.Router()}
	errCh := make(chan error, 1)
	go func() { errCh <- s.httpSrv.ListenAndServe() }()
	s.logger.Info("http server listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

// ---- handlers ----

func (s *Server) createBet(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	user, ok := s.user(w, r)
	if !ok {
		return
	}
	var body struct {
		Amount string `json:"amount"`
		Side   string `json:"side"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	amount, ok2 := sdkmath.NewIntFromString(body.Amount)
	if !ok2 {
		s.writeError(w, game.ErrInvalidAmount.Wrapf("amount %q", body.Amount))
		return
	}
	res, err := s.svc.CreateBet(r.Context(), user, amount, body.Side)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) acceptBet(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	user, ok := s.user(w, r)
	if !ok {
		return
	}
	id, ok := s.betID(w, ps)
	if !ok {
		return
	}
	var body struct {
		Guess string `json:"guess"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	if body.Guess != bets.SideHeads && body.Guess != bets.SideTails {
		s.writeError(w, game.ErrInvalidAmount.Wrapf("guess %q", body.Guess))
		return
	}
	res, err := s.svc.AcceptBet(r.Context(), user, id, body.Guess)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) cancelBet(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	user, ok := s.user(w, r)
	if !ok {
		return
	}
	id, ok := s.betID(w, ps)
	if !ok {
		return
	}
	res, err := s.svc.CancelBet(r.Context(), user, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) revealBet(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	user, ok := s.user(w, r)
	if !ok {
		return
	}
	id, ok := s.betID(w, ps)
	if !ok {
		return
	}
	res, err := s.svc.Reveal(r.Context(), user, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) claimTimeout(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	user, ok := s.user(w, r)
	if !ok {
		return
	}
	id, ok := s.betID(w, ps)
	if !ok {
		return
	}
	res, err := s.svc.ClaimTimeout(r.Context(), user, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) listOpenBets(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	rows, err := s.machine.ListByStatus(bets.StatusOpen)
	if err != nil {
		s.writeError(w, err)
		return
	}
	type openBet struct {
		ID      uint64 `json:"bet_id"`
		Maker   string `json:"maker"`
		Amount  string `json:"amount"`
		Created string `json:"created_time"`
	}
	out := make([]openBet, 0, len(rows))
	for _, b := range rows {
		out = append(out, openBet{
			ID: b.ID, Maker: b.Maker, Amount: b.Amount.String(),
			Created: b.CreatedTime.UTC().Format(time.RFC3339),
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"bets": out})
}

func (s *Server) balance(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	user, ok := s.user(w, r)
	if !ok {
		return
	}
	info, err := s.svc.Balance(r.Context(), user)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) withdraw(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	user, ok := s.user(w, r)
	if !ok {
		return
	}
	var body struct {
		Amount string `json:"amount"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	amount, ok2 := sdkmath.NewIntFromString(body.Amount)
	if !ok2 {
		s.writeError(w, game.ErrInvalidAmount.Wrapf("amount %q", body.Amount))
		return
	}
	res, err := s.svc.Withdraw(r.Context(), user, amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) jackpotPools(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	type poolView struct {
		Tier    string `json:"tier"`
		Cycle   uint32 `json:"cycle"`
		Current string `json:"current"`
		Target  string `json:"target"`
		Status  string `json:"status"`
	}
	out := make([]poolView, 0, len(s.tiers))
	for _, tier := range s.tiers {
		if !tier.Active {
			continue
		}
		p, err := s.engine.ActivePool(tier.ID)
		if err != nil {
			continue
		}
		out = append(out, poolView{
			Tier: tier.ID, Cycle: p.Cycle, Current: p.Current.String(),
			Target: tier.Target.String(), Status: string(p.Status),
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"pools": out})
}

// ---- plumbing ----

func (s *Server) user(w http.ResponseWriter, r *http.Request) (string, bool) {
	user := r.Header.Get(userHeader)
	if user == "" {
		s.writeJSON(w, http.StatusUnauthorized, errBody{Error: "UNAUTHORIZED", Message: "missing user address"})
		return "", false
	}
	return user, true
}

func (s *Server) betID(w http.ResponseWriter, ps httprouter.Params) (uint64, bool) {
	id, err := strconv.ParseUint(ps.ByName("id"), 10, 64)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errBody{Error: "BAD_BET_ID", Message: err.Error()})
		return 0, false
	}
	return id, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errBody{Error: "BAD_REQUEST", Message: err.Error()})
		return false
	}
	return true
}

type errBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// writeError maps service sentinels onto the HTTP contract.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var code string
	var status int
	switch {
	case errors.Is(err, game.ErrInvalidAmount):
		code, status = "INVALID_AMOUNT", http.StatusBadRequest
	case errors.Is(err, game.ErrSelfAccept):
		code, status = "SELF_ACCEPT", http.StatusBadRequest
	case errors.Is(err, game.ErrNotYourBet):
		code, status = "NOT_YOUR_BET", http.StatusForbidden
	case errors.Is(err, game.ErrBetNotFound):
		code, status = "BET_NOT_FOUND", http.StatusNotFound
	case errors.Is(err, game.ErrBetAlreadyClaimed):
		code, status = "BET_ALREADY_CLAIMED", http.StatusConflict
	case errors.Is(err, game.ErrWrongState):
		code, status = "WRONG_STATE", http.StatusConflict
	case errors.Is(err, game.ErrBetCanceled):
		code, status = "BET_CANCELED", http.StatusGone
	case errors.Is(err, game.ErrTooManyOpenBets):
		code, status = "TOO_MANY_OPEN_BETS", http.StatusUnprocessableEntity
	case errors.Is(err, game.ErrInsufficientBalance):
		code, status = "INSUFFICIENT_BALANCE", http.StatusPaymentRequired
	case errors.Is(err, relayer.ErrActionInProgress):
		code, status = "ACTION_IN_PROGRESS", http.StatusTooManyRequests
	case errors.Is(err, game.ErrChainTxFailed):
		code, status = "CHAIN_TX_FAILED", http.StatusBadGateway
	default:
		s.logger.Error("request failed", "error", err)
		code, status = "INTERNAL", http.StatusInternalServerError
	}
	s.writeJSON(w, status, errBody{Error: code, Message: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", "error", err)
	}
}
