package api

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"go-tweetescrow/escrow"
	"go-tweetescrow/model"
	"go-tweetescrow/verification"

	"github.com/pkg/errors"
)

const maxBodyBytes = 1 << 20

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	return io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[API] Encoding error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, escrow.ErrNotFound), errors.Is(err, verification.ErrUnknownCorrelation):
		return http.StatusNotFound
	case errors.Is(err, escrow.ErrUnauthorized), errors.Is(err, escrow.ErrNotPromoter), errors.Is(err, escrow.ErrNotSponsor):
		return http.StatusForbidden
	case errors.Is(err, escrow.ErrTokenNotAllowed), errors.Is(err, escrow.ErrInvalidArgument), errors.Is(err, verification.ErrInvalidVerdict):
		return http.StatusBadRequest
	case errors.Is(err, escrow.ErrInvalidState), errors.Is(err, escrow.ErrNotFulfilled):
		return http.StatusConflict
	case errors.Is(err, escrow.ErrTransferFailed):
		return http.StatusPaymentRequired
	case errors.Is(err, verification.ErrOracleRejected):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeFailure maps a domain error to its status. Internal errors are logged
// and their details withheld.
func writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Printf("[API] %s %s: %+v", r.Method, r.URL.Path, err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

type taskView struct {
	ID               int64     `json:"id"`
	Sponsor          string    `json:"sponsor"`
	Promoter         string    `json:"promoter"`
	ContentReference string    `json:"contentReference"`
	RewardAmount     string    `json:"rewardAmount"`
	FeeAmount        string    `json:"feeAmount"`
	RewardToken      string    `json:"rewardToken"`
	Status           string    `json:"status"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

func newTaskView(t *model.Task) taskView {
	return taskView{
		ID:               t.ID,
		Sponsor:          t.Sponsor.Hex(),
		Promoter:         t.Promoter.Hex(),
		ContentReference: t.ContentReference.Hex(),
		RewardAmount:     t.RewardAmount.Dec(),
		FeeAmount:        t.FeeAmount.Dec(),
		RewardToken:      t.RewardToken.Hex(),
		Status:           t.Status.String(),
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
	}
}

type verificationView struct {
	CorrelationToken string     `json:"correlationToken"`
	TaskID           int64      `json:"taskId"`
	ContentReference string     `json:"contentReference"`
	Requester        string     `json:"requester"`
	State            string     `json:"state"`
	RequestedAt      time.Time  `json:"requestedAt"`
	ResolvedAt       *time.Time `json:"resolvedAt,omitempty"`
}

func newVerificationView(v *model.Verification) verificationView {
	return verificationView{
		CorrelationToken: v.CorrelationToken,
		TaskID:           v.TaskID,
		ContentReference: v.ContentReference.Hex(),
		Requester:        v.Requester.Hex(),
		State:            string(v.State),
		RequestedAt:      v.RequestedAt,
		ResolvedAt:       v.ResolvedAt,
	}
}

type balanceView struct {
	Token    string `json:"token"`
	Custody  string `json:"custody"`
	Protocol string `json:"protocol"`
}
