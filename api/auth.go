package api

import (
	"context"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	HeaderCallerAddress   = "X-Caller-Address"
	HeaderCallerTimestamp = "X-Caller-Timestamp"
	HeaderCallerSignature = "X-Caller-Signature"
	HeaderCallerNonce     = "X-Caller-Nonce"
	HeaderOracleSignature = "X-Oracle-Signature"
)

var errUnauthenticated = errors.New("unauthenticated")

// SigningDigest is the hash a caller signs:
// keccak256(method \n path \n timestamp \n nonce \n keccak256(body)).
func SigningDigest(method, path, timestamp, nonce string, body []byte) []byte {
	payload := strings.Join([]string{method, path, timestamp, nonce, crypto.Keccak256Hash(body).Hex()}, "\n")
	return crypto.Keccak256([]byte(payload))
}

// SignRequest sets the caller headers on r for body, signed with key under a
// fresh nonce.
func SignRequest(r *http.Request, key *ecdsa.PrivateKey, body []byte, at time.Time) error {
	ts := strconv.FormatInt(at.Unix(), 10)
	nonce := uuid.NewString()
	sig, err := crypto.Sign(SigningDigest(r.Method, r.URL.Path, ts, nonce, body), key)
	if err != nil {
		return errors.WithStack(err)
	}
	r.Header.Set(HeaderCallerAddress, crypto.PubkeyToAddress(key.PublicKey).Hex())
	r.Header.Set(HeaderCallerTimestamp, ts)
	r.Header.Set(HeaderCallerNonce, nonce)
	r.Header.Set(HeaderCallerSignature, hexutil.Encode(sig))
	return nil
}

// NonceStore remembers nonces for ttl. Claim reports false when the nonce
// was already claimed by the same caller.
type NonceStore interface {
	Claim(ctx context.Context, caller common.Address, nonce string, ttl time.Duration) (bool, error)
}

// MemoryNonces is a process-local NonceStore.
type MemoryNonces struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

func NewMemoryNonces() *MemoryNonces {
	return &MemoryNonces{seen: make(map[string]time.Time), now: time.Now}
}

func (m *MemoryNonces) Claim(_ context.Context, caller common.Address, nonce string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for k, expires := range m.seen {
		if !now.Before(expires) {
			delete(m.seen, k)
		}
	}
	key := caller.Hex() + ":" + nonce
	if _, ok := m.seen[key]; ok {
		return false, nil
	}
	m.seen[key] = now.Add(ttl)
	return true, nil
}

type Authenticator struct {
	maxSkew time.Duration
	nonces  NonceStore
	now     func() time.Time
}

func NewAuthenticator(maxSkew time.Duration, nonces NonceStore) *Authenticator {
	if maxSkew <= 0 {
		maxSkew = 5 * time.Minute
	}
	if nonces == nil {
		nonces = NewMemoryNonces()
	}
	return &Authenticator{maxSkew: maxSkew, nonces: nonces, now: time.Now}
}

// Authenticate recovers the signer of r, checks it against the claimed
// caller address and burns the nonce. A nonce is remembered for twice the
// allowed skew, which covers every timestamp that could still be accepted.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) (common.Address, error) {
	claimed := strings.TrimSpace(r.Header.Get(HeaderCallerAddress))
	if !common.IsHexAddress(claimed) {
		return common.Address{}, errors.Wrap(errUnauthenticated, "missing or invalid caller address")
	}

	ts := strings.TrimSpace(r.Header.Get(HeaderCallerTimestamp))
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return common.Address{}, errors.Wrap(errUnauthenticated, "invalid timestamp")
	}
	skew := a.now().Sub(time.Unix(unix, 0))
	if skew > a.maxSkew || skew < -a.maxSkew {
		return common.Address{}, errors.Wrap(errUnauthenticated, "timestamp outside allowed window")
	}

	nonce := strings.TrimSpace(r.Header.Get(HeaderCallerNonce))
	if nonce == "" || len(nonce) > 128 {
		return common.Address{}, errors.Wrap(errUnauthenticated, "missing or invalid nonce")
	}

	sig, err := hexutil.Decode(strings.TrimSpace(r.Header.Get(HeaderCallerSignature)))
	if err != nil || len(sig) != crypto.SignatureLength {
		return common.Address{}, errors.Wrap(errUnauthenticated, "invalid signature encoding")
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(SigningDigest(r.Method, r.URL.Path, ts, nonce, body), sig)
	if err != nil {
		return common.Address{}, errors.Wrap(errUnauthenticated, "signature recovery failed")
	}
	signer := crypto.PubkeyToAddress(*pub)
	if signer != common.HexToAddress(claimed) {
		return common.Address{}, errors.Wrap(errUnauthenticated, "signature does not match caller")
	}

	fresh, err := a.nonces.Claim(r.Context(), signer, nonce, 2*a.maxSkew)
	if err != nil {
		return common.Address{}, errors.Wrap(err, "claim nonce")
	}
	if !fresh {
		return common.Address{}, errors.Wrap(errUnauthenticated, "nonce already used")
	}
	return signer, nil
}

// OracleSignature is the hex HMAC-SHA256 of body under secret.
func OracleSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func verifyOracleSignature(secret string, body []byte, provided string) bool {
	if strings.TrimSpace(secret) == "" {
		return false
	}
	cleaned := strings.TrimSpace(strings.ToLower(provided))
	cleaned = strings.TrimPrefix(cleaned, "0x")
	if cleaned == "" {
		return false
	}
	decoded, err := hex.DecodeString(cleaned)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), decoded)
}
