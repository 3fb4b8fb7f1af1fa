// Package crypto provides HMAC attestation of oracle position updates and
// encrypted at-rest storage for the oracle secret.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/bandforband/dueld/internal/domain"
)

// Attestor signs and verifies position updates with HMAC-SHA256. The escrow
// engine and the oracle share the secret; the engine rejects any update whose
// signature does not verify.
type Attestor struct {
	oracleID string
	secret   []byte
}

// NewAttestor creates an Attestor for the given oracle identity and shared
// secret.
func NewAttestor(oracleID string, secret []byte) (*Attestor, error) {
	if oracleID == "" {
		return nil, fmt.Errorf("crypto: oracle id must not be empty")
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("crypto: secret must not be empty")
	}
	return &Attestor{oracleID: oracleID, secret: secret}, nil
}

// OracleID returns the identity this attestor signs as.
func (a *Attestor) OracleID() string {
	return a.oracleID
}

// Sign produces a SignedUpdate for the given measurement.
func (a *Attestor) Sign(upd domain.PositionUpdate) domain.SignedUpdate {
	return domain.SignedUpdate{
		PositionUpdate: upd,
		OracleID:       a.oracleID,
		Signature:      a.signature(upd),
	}
}

// Verify checks a SignedUpdate's oracle identity and signature. It returns
// domain.ErrBadSignature on any mismatch.
func (a *Attestor) Verify(upd domain.SignedUpdate) error {
	if upd.OracleID != a.oracleID {
		return fmt.Errorf("crypto: oracle id %q: %w", upd.OracleID, domain.ErrBadSignature)
	}
	want := a.signature(upd.PositionUpdate)
	if !hmac.Equal([]byte(want), []byte(upd.Signature)) {
		return fmt.Errorf("crypto: duel %d: %w", upd.DuelID, domain.ErrBadSignature)
	}
	return nil
}

// signature computes HMAC-SHA256 over the canonical update message and
// returns it base64 standard-encoded.
func (a *Attestor) signature(upd domain.PositionUpdate) string {
	message := strings.Join([]string{
		strconv.FormatUint(upd.DuelID, 10),
		strconv.FormatUint(upd.CreatorValue, 10),
		strconv.FormatUint(upd.OpponentValue, 10),
		strconv.FormatInt(upd.Timestamp, 10),
	}, "|")

	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (a *Attestor) String() string {
	return fmt.Sprintf("Attestor{oracle=%s, secret=****}", a.oracleID)
}
