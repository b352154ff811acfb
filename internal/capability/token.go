package capability

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	crcerrors "github.com/noacore/crc-pipeline/internal/ambient/errors"
)

// tokenClaims is the JWT claim set carried by a capability token: the
// granted scope, the holder it was issued to, and the concrete capability
// ids the scope resolves to at issuance time.
type tokenClaims struct {
	Scope        string   `json:"scope"`
	Holder       string   `json:"holder"`
	Capabilities []string `json:"capabilities"`
	jwt.RegisteredClaims
}

// IssueToken signs a capability token for holder under scope, using the
// manifest's token policy for the scope's TTL and capability set. The
// registry must have been constructed with a non-nil signing key.
func (r *Registry) IssueToken(holder, scope string) (string, error) {
	if len(r.signingKey) == 0 {
		return "", crcerrors.New(crcerrors.CodeTokenInvalid, "registry has no signing key configured")
	}
	if r.manifest == nil {
		return "", crcerrors.New(crcerrors.CodeUnknownTokenScope, fmt.Sprintf("unknown token scope %s", scope))
	}
	policy, ok := r.manifest.tokenPolicy(scope)
	if !ok {
		return "", crcerrors.New(crcerrors.CodeUnknownTokenScope, fmt.Sprintf("unknown token scope %s", scope))
	}

	now := time.Now().UTC()
	claims := tokenClaims{
		Scope:        scope,
		Holder:       holder,
		Capabilities: policy.Capabilities,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(policy.TTLSeconds) * time.Second)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(r.signingKey)
	if err != nil {
		return "", crcerrors.Wrap(crcerrors.CodeTokenInvalid, "sign capability token", err)
	}
	return signed, nil
}

// VerifyToken parses and validates a capability token, returning the
// scope's capability set if the token is well-formed, unexpired, and, when
// requiredCapability is non-empty, grants that specific capability.
func (r *Registry) VerifyToken(raw string, requiredCapability string) ([]string, error) {
	if len(r.signingKey) == 0 {
		return nil, crcerrors.New(crcerrors.CodeTokenInvalid, "registry has no signing key configured")
	}

	var claims tokenClaims
	parsed, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return r.signingKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, crcerrors.Wrap(crcerrors.CodeTokenExpired, "capability token expired", err)
		}
		return nil, crcerrors.Wrap(crcerrors.CodeTokenInvalid, "parse capability token", err)
	}
	if !parsed.Valid {
		return nil, crcerrors.New(crcerrors.CodeTokenInvalid, "capability token failed validation")
	}
	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now().UTC()) {
		return nil, crcerrors.New(crcerrors.CodeTokenExpired, "capability token expired")
	}

	if requiredCapability != "" {
		granted := false
		for _, c := range claims.Capabilities {
			if c == requiredCapability {
				granted = true
				break
			}
		}
		if !granted {
			return nil, crcerrors.New(crcerrors.CodeTokenScopeDenied,
				fmt.Sprintf("token scope %s does not grant capability %s", claims.Scope, requiredCapability)).
				WithDetails("scope", claims.Scope).
				WithDetails("capability", requiredCapability)
		}
	}

	return claims.Capabilities, nil
}
