package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrPaymentDeclined is returned by a PaymentVerifier when the processor
// reports a failure or the proof does not match the booking.
var ErrPaymentDeclined = errors.New("payment declined")

// Payment is what the finalizer asks the processor to vouch for.
type Payment struct {
	BookingID   string
	UserID      string
	AmountCents int64
	Proof       string
}

// PaymentResult is the success signal of the processor.
type PaymentResult struct {
	Reference string
}

// PaymentVerifier checks a proof token from the payment processor.
// Implementations must honour ctx cancellation; the finalizer bounds
// the call by the booking's payment deadline.
type PaymentVerifier interface {
	Verify(ctx context.Context, p Payment) (PaymentResult, error)
}

// ProofClaims is the payload of a signed payment proof.
type ProofClaims struct {
	AmountCents int64  `json:"amount"`
	Reference   string `json:"ref"`
	jwt.RegisteredClaims
}

// SignedProofVerifier accepts HS256 proofs issued by the payment
// gateway with a shared secret.
type SignedProofVerifier struct {
	secret []byte
}

// NewSignedProofVerifier returns a verifier for proofs signed with secret.
func NewSignedProofVerifier(secret string) *SignedProofVerifier {
	return &SignedProofVerifier{secret: []byte(secret)}
}

func (v *SignedProofVerifier) Verify(ctx context.Context, p Payment) (PaymentResult, error) {
	if err := ctx.Err(); err != nil {
		return PaymentResult{}, err
	}
	claims := &ProofClaims{}
	_, err := jwt.ParseWithClaims(p.Proof, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return PaymentResult{}, fmt.Errorf("%w: %v", ErrPaymentDeclined, err)
	}
	if claims.Subject != p.UserID {
		return PaymentResult{}, fmt.Errorf("%w: proof issued to another user", ErrPaymentDeclined)
	}
	if claims.AmountCents != p.AmountCents {
		return PaymentResult{}, fmt.Errorf("%w: paid %d, due %d", ErrPaymentDeclined, claims.AmountCents, p.AmountCents)
	}
	if claims.Reference == "" {
		return PaymentResult{}, fmt.Errorf("%w: missing reference", ErrPaymentDeclined)
	}
	return PaymentResult{Reference: claims.Reference}, nil
}

// SignProof issues a proof the way the payment gateway does.  It is used
// by the load generator and tests.
func SignProof(secret, userID string, amountCents int64, reference string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := ProofClaims{
		AmountCents: amountCents,
		Reference:   reference,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
