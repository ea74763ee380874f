package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go-tweetescrow/escrow"
	"go-tweetescrow/model"
	"go-tweetescrow/store"
	"go-tweetescrow/verification"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RequestCanceler drops outbound verification requests of a task that no
// longer needs them.
type RequestCanceler interface {
	CancelRequests(ctx context.Context, taskID int64) (int, error)
}

type Options struct {
	OracleSecret   string
	MaxSkew        time.Duration
	TrustedFulfill bool
	Canceler       RequestCanceler
	// Nonces defaults to a process-local store.
	Nonces NonceStore
}

type Server struct {
	engine *escrow.Engine
	bridge *verification.Bridge
	auth   *Authenticator
	opts   Options
}

func NewServer(addr string, engine *escrow.Engine, bridge *verification.Bridge, opts Options) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewHandler(engine, bridge, opts),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func NewHandler(engine *escrow.Engine, bridge *verification.Bridge, opts Options) http.Handler {
	mux := http.NewServeMux()

	srv := &Server{
		engine: engine,
		bridge: bridge,
		auth:   NewAuthenticator(opts.MaxSkew, opts.Nonces),
		opts:   opts,
	}
	mux.HandleFunc("POST /tasks", srv.signed(srv.postTask))
	mux.HandleFunc("GET /tasks", srv.getTasks)
	mux.HandleFunc("GET /tasks/{id}", srv.getTask)
	mux.HandleFunc("DELETE /tasks/{id}", srv.signed(srv.refundTask))
	mux.HandleFunc("POST /tasks/{id}/verify", srv.signed(srv.verifyTask))
	mux.HandleFunc("GET /tasks/{id}/verifications", srv.getVerifications)
	mux.HandleFunc("POST /tasks/{id}/fulfill", srv.signed(srv.fulfillTask))
	mux.HandleFunc("POST /tasks/{id}/withdraw", srv.signed(srv.withdrawTask))
	mux.HandleFunc("GET /tokens", srv.getTokens)
	mux.HandleFunc("POST /tokens", srv.signed(srv.postToken))
	mux.HandleFunc("GET /tokens/{token}/balance", srv.getBalance)
	mux.HandleFunc("POST /verifications/callback", srv.oracleCallback)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

type signedHandler func(w http.ResponseWriter, r *http.Request, caller common.Address, body []byte)

// signed authenticates the caller before handing the already read body on.
func (s *Server) signed(h signedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := readBody(w, r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "[API] Unreadable request body")
			return
		}
		caller, err := s.auth.Authenticate(r, body)
		if err != nil {
			if errors.Cause(err) != errUnauthenticated {
				log.Printf("[API] Authentication unavailable: %v", err)
				writeError(w, http.StatusServiceUnavailable, "[API] Authentication unavailable")
				return
			}
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		h(w, r, caller, body)
	}
}

func taskID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.Wrap(escrow.ErrInvalidArgument, "invalid task ID")
	}
	return id, nil
}

func parseAddress(field, v string) (common.Address, error) {
	v = strings.TrimSpace(v)
	if !common.IsHexAddress(v) {
		return common.Address{}, errors.Wrapf(escrow.ErrInvalidArgument, "invalid %s address %q", field, v)
	}
	return common.HexToAddress(v), nil
}

type createTaskRequest struct {
	Promoter         string `json:"promoter"`
	ContentReference string `json:"contentReference"`
	Content          string `json:"content"`
	RewardAmount     string `json:"rewardAmount"`
	RewardToken      string `json:"rewardToken"`
}

func (req createTaskRequest) input() (escrow.CreateTaskInput, error) {
	var in escrow.CreateTaskInput
	var err error

	if in.Promoter, err = parseAddress("promoter", req.Promoter); err != nil {
		return in, err
	}
	if in.RewardToken, err = parseAddress("reward token", req.RewardToken); err != nil {
		return in, err
	}

	switch {
	case req.ContentReference != "" && req.Content != "":
		return in, errors.Wrap(escrow.ErrInvalidArgument, "give either content or contentReference")
	case req.Content != "":
		in.ContentReference = crypto.Keccak256Hash([]byte(req.Content))
	default:
		ref := strings.TrimSpace(req.ContentReference)
		raw, err := hexutil.Decode(ref)
		if err != nil || len(raw) != common.HashLength {
			return in, errors.Wrapf(escrow.ErrInvalidArgument, "invalid content reference %q", ref)
		}
		in.ContentReference = common.BytesToHash(raw)
	}

	amount, err := uint256.FromDecimal(strings.TrimSpace(req.RewardAmount))
	if err != nil {
		return in, errors.Wrapf(escrow.ErrInvalidArgument, "invalid reward amount %q", req.RewardAmount)
	}
	in.RewardAmount = amount
	return in, nil
}

func (s *Server) postTask(w http.ResponseWriter, r *http.Request, caller common.Address, body []byte) {
	var req createTaskRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	in, err := req.input()
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	task, err := s.engine.CreateTask(r.Context(), caller, in)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newTaskView(task))
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	task, err := s.engine.GetTask(r.Context(), id)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTaskView(task))
}

func (s *Server) getTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter store.TaskFilter

	if v := q.Get("status"); v != "" {
		status, err := model.ParseStatus(strings.ToLower(v))
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid status value")
			return
		}
		filter.Status = &status
	}
	for field, dst := range map[string]**common.Address{"sponsor": &filter.Sponsor, "promoter": &filter.Promoter} {
		if v := q.Get(field); v != "" {
			addr, err := parseAddress(field, v)
			if err != nil {
				writeFailure(w, r, err)
				return
			}
			*dst = &addr
		}
	}
	for field, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		if v := q.Get(field); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "Invalid "+field+" value")
				return
			}
			*dst = n
		}
	}

	tasks, err := s.engine.ListTasks(r.Context(), filter)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	views := make([]taskView, 0, len(tasks))
	for i := range tasks {
		views = append(views, newTaskView(&tasks[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) verifyTask(w http.ResponseWriter, r *http.Request, caller common.Address, _ []byte) {
	id, err := taskID(r)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	v, err := s.bridge.Request(r.Context(), caller, id)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, newVerificationView(v))
}

func (s *Server) getVerifications(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	if _, err := s.engine.GetTask(r.Context(), id); err != nil {
		writeFailure(w, r, err)
		return
	}
	all, err := s.bridge.List(r.Context(), id)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	views := make([]verificationView, 0, len(all))
	for i := range all {
		views = append(views, newVerificationView(&all[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

// fulfillTask is the trusted local shortcut around the oracle.
func (s *Server) fulfillTask(w http.ResponseWriter, r *http.Request, caller common.Address, _ []byte) {
	if !s.opts.TrustedFulfill {
		writeError(w, http.StatusForbidden, "trusted fulfillment is disabled")
		return
	}
	if err := s.engine.RequireOwner(caller); err != nil {
		writeFailure(w, r, err)
		return
	}
	id, err := taskID(r)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	task, err := s.engine.FulfillTask(r.Context(), id)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTaskView(task))
}

func (s *Server) withdrawTask(w http.ResponseWriter, r *http.Request, caller common.Address, _ []byte) {
	id, err := taskID(r)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	task, err := s.engine.WithdrawReward(r.Context(), caller, id)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTaskView(task))
}

func (s *Server) refundTask(w http.ResponseWriter, r *http.Request, caller common.Address, _ []byte) {
	id, err := taskID(r)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	task, err := s.engine.RefundTask(r.Context(), caller, id)
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	if s.opts.Canceler != nil {
		if n, err := s.opts.Canceler.CancelRequests(r.Context(), id); err != nil {
			log.Printf("[API] Failed to drop queued verification requests for task %d: %v", id, err)
		} else if n > 0 {
			log.Printf("[API] Dropped %d queued verification requests for task %d", n, id)
		}
	}
	writeJSON(w, http.StatusOK, newTaskView(task))
}

func (s *Server) getTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := s.engine.ListTokens(r.Context())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, t.Hex())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) postToken(w http.ResponseWriter, r *http.Request, caller common.Address, body []byte) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	token, err := parseAddress("token", req.Token)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	added, err := s.engine.AddToken(r.Context(), caller, token)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	status := http.StatusOK
	if added {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"token": token.Hex(), "added": added})
}

func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	token, err := parseAddress("token", r.PathValue("token"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	b, err := s.engine.Balances(r.Context(), token)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceView{Token: token.Hex(), Custody: b.Custody.Dec(), Protocol: b.Protocol.Dec()})
}

func (s *Server) oracleCallback(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "[API] Unreadable request body")
		return
	}
	if !verifyOracleSignature(s.opts.OracleSecret, body, r.Header.Get(HeaderOracleSignature)) {
		writeError(w, http.StatusUnauthorized, "invalid oracle signature")
		return
	}

	var result model.VerificationResult
	if err := json.Unmarshal(body, &result); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	task, err := s.bridge.Resolve(r.Context(), result.CorrelationToken, result.Verdict)
	if errors.Is(err, verification.ErrAlreadyResolved) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "already_resolved"})
		return
	}
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "resolved", "task": newTaskView(task)})
}
