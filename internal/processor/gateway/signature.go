package gateway

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/smallbiznis/settlement/internal/processor"
)

// signatureClaims is the JWT carried by webhook deliveries.
type signatureClaims struct {
	BodySHA256 string `json:"body_sha256"`
	jwt.RegisteredClaims
}

// signatureLeeway tolerates clock skew between the gateway and us.
const signatureLeeway = 5 * time.Minute

// Verify checks the HS256 token in the signature header and that it was
// issued for exactly this body.
func (a *Adapter) Verify(_ context.Context, payload []byte, headers http.Header) error {
	raw := strings.TrimSpace(headers.Get(SignatureHeader))
	if raw == "" {
		return fmt.Errorf("%w: %v", processor.ErrInvalidSignature, errMissingSignature)
	}

	var claims signatureClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(token *jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(signatureLeeway),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", processor.ErrInvalidSignature, err)
	}

	sum := sha256.Sum256(payload)
	expected := hex.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(claims.BodySHA256))) != 1 {
		return fmt.Errorf("%w: body digest mismatch", processor.ErrInvalidSignature)
	}
	return nil
}

// Sign produces the signature header value for payload. The gateway signs
// deliveries this way; it is exported for replay tooling and tests.
func Sign(secret string, payload []byte, issuedAt time.Time) (string, error) {
	sum := sha256.Sum256(payload)
	claims := signatureClaims{
		BodySHA256: hex.EncodeToString(sum[:]),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(10 * time.Minute)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
