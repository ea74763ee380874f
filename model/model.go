package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Status is the lifecycle state of a Task.
type Status uint8

const (
	StatusCreated Status = iota
	StatusFulfilled
	StatusRejected
	StatusWithdrawn
	StatusRefunded
)

var statusNames = map[Status]string{
	StatusCreated:   "created",
	StatusFulfilled: "fulfilled",
	StatusRejected:  "rejected",
	StatusWithdrawn: "withdrawn",
	StatusRefunded:  "refunded",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Valid reports whether the status value is one of the known states.
func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

// Terminal reports whether no further transition can leave s. A terminal
// task is settled and its fee belongs to the protocol.
func (s Status) Terminal() bool {
	return s == StatusWithdrawn || s == StatusRefunded
}

func ParseStatus(v string) (Status, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	for s, name := range statusNames {
		if name == v {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown task status %q", v)
}

func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid task status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	parsed, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

type Task struct {
	ID               int64          `json:"id"`
	Sponsor          common.Address `json:"sponsor"`
	Promoter         common.Address `json:"promoter"`
	ContentReference common.Hash    `json:"contentReference"`
	RewardAmount     *uint256.Int   `json:"rewardAmount"`
	FeeAmount        *uint256.Int   `json:"feeAmount"`
	RewardToken      common.Address `json:"rewardToken"`
	Status           Status         `json:"status"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// Clone returns a deep copy so stores can hand out tasks without aliasing
// their amounts.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	clone := *t
	clone.RewardAmount = cloneAmount(t.RewardAmount)
	clone.FeeAmount = cloneAmount(t.FeeAmount)
	return &clone
}

// Deposit is the total pulled from the sponsor at creation.
func (t *Task) Deposit() *uint256.Int {
	return new(uint256.Int).Add(cloneAmount(t.RewardAmount), cloneAmount(t.FeeAmount))
}

func cloneAmount(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v.Clone()
}

// EntryKind classifies custody journal rows.
type EntryKind string

const (
	EntryEscrowLock    EntryKind = "escrow_lock"
	EntryProtocolFee   EntryKind = "protocol_fee"
	EntryRewardRelease EntryKind = "reward_release"
	EntryRefund        EntryKind = "refund"
	// EntryReversal undoes a release or refund whose payout failed.
	EntryReversal EntryKind = "reversal"
)

// Credit reports whether the entry adds to custody.
func (k EntryKind) Credit() bool {
	return k == EntryEscrowLock || k == EntryProtocolFee || k == EntryReversal
}

type LedgerEntry struct {
	TaskID    int64          `json:"taskId"`
	Token     common.Address `json:"token"`
	Kind      EntryKind      `json:"kind"`
	Amount    *uint256.Int   `json:"amount"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Balances summarises one token. Custody comes from the journal; Protocol is
// the fee of every settled (withdrawn or refunded) task.
type Balances struct {
	Token    common.Address `json:"token"`
	Custody  *uint256.Int   `json:"custody"`
	Protocol *uint256.Int   `json:"protocol"`
}

// Verdict is the oracle's answer for a verification request.
type Verdict string

const (
	VerdictVerified Verdict = "verified"
	VerdictRejected Verdict = "rejected"
)

func (v Verdict) Valid() bool {
	return v == VerdictVerified || v == VerdictRejected
}

type VerificationState string

const (
	VerificationPending  VerificationState = "pending"
	VerificationVerified VerificationState = "verified"
	VerificationRejected VerificationState = "rejected"
	VerificationFailed   VerificationState = "failed"
)

type Verification struct {
	CorrelationToken string            `json:"correlationToken"`
	TaskID           int64             `json:"taskId"`
	ContentReference common.Hash       `json:"contentReference"`
	Requester        common.Address    `json:"requester"`
	State            VerificationState `json:"state"`
	RequestedAt      time.Time         `json:"requestedAt"`
	ResolvedAt       *time.Time        `json:"resolvedAt,omitempty"`
}

// VerificationRequest is what the oracle receives.
type VerificationRequest struct {
	CorrelationToken string      `json:"correlationToken"`
	TaskID           int64       `json:"taskId"`
	ContentReference common.Hash `json:"contentReference"`
	RequestedAt      time.Time   `json:"requestedAt"`
}

// VerificationResult is what the oracle sends back.
type VerificationResult struct {
	CorrelationToken string  `json:"correlationToken"`
	Verdict          Verdict `json:"verdict"`
	Attempt          int     `json:"attempt,omitempty"`
}
