// Package authn issues and verifies the HMAC-signed bearer tokens used by
// the HTTP ingress, and normalizes the fixed role vocabulary (Admin,
// Approver, Reviewer, Viewer, Auditor) RequireRoles gates against.
package authn

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"invoicerun/pkg/clock"
)

// ErrInvalidToken covers a malformed token, a bad signature, or an expired
// one: callers should not distinguish these for an unauthenticated caller.
var ErrInvalidToken = errors.New("authn: invalid token")

// roleAliases maps the looser vocabulary legacy callers might send onto the
// five canonical roles.
var roleAliases = map[string]string{
	"admin": "Admin", "reviewer": "Reviewer", "reader": "Viewer", "viewer": "Viewer",
	"approver": "Approver", "auditor": "Auditor", "service": "Admin",
}

// NormalizeRole maps role onto its canonical form via roleAliases, passing
// through unrecognized values unchanged.
func NormalizeRole(role string) string {
	if canon, ok := roleAliases[strings.ToLower(role)]; ok {
		return canon
	}
	return role
}

// NormalizeRoles applies NormalizeRole across roles, deduplicating while
// preserving first-seen order.
func NormalizeRoles(roles []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		n := NormalizeRole(r)
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// directoryUser is one entry in the static credential directory. There is
// no user-management surface in this system: operators are expected to
// front this with a real identity provider; this directory exists to make
// the five canonical roles exercisable end to end.
type directoryUser struct {
	password    string
	roles       []string
	mfaVerified bool
}

// Directory is the static username/password/roles table BearerToken-issuing
// callers authenticate against.
var Directory = map[string]directoryUser{
	"admin":    {password: "admin123", roles: []string{"Admin", "Approver", "Reviewer", "Viewer", "Auditor"}, mfaVerified: true},
	"reviewer": {password: "review123", roles: []string{"Reviewer", "Viewer"}},
	"approver": {password: "approve123", roles: []string{"Approver", "Viewer"}, mfaVerified: true},
	"viewer":   {password: "viewer123", roles: []string{"Viewer"}},
	"auditor":  {password: "audit123", roles: []string{"Auditor", "Viewer"}},
	"service":  {password: "service123", roles: []string{"Admin"}, mfaVerified: true},
}

// Authenticate checks username/password against Directory and returns the
// normalized role set and MFA flag on success.
func Authenticate(username, password string) (roles []string, mfaVerified bool, ok bool) {
	u, found := Directory[username]
	if !found || u.password != password {
		return nil, false, false
	}
	return NormalizeRoles(u.roles), u.mfaVerified, true
}

// Claims is the payload carried inside an issued token.
type Claims struct {
	Subject     string    `json:"sub"`
	Roles       []string  `json:"roles"`
	TenantID    string    `json:"tenant_id"`
	MFAVerified bool      `json:"mfa_verified"`
	Expiry      time.Time `json:"exp"`
}

// Issuer signs and verifies Claims with a shared HMAC-SHA256 secret, the
// same base64url-payload-dot-hex-signature shape as the upstream token
// format: no external JWT library, just HMAC over a JSON payload.
type Issuer struct {
	secret []byte
	clock  clock.Clock
	ttl    time.Duration
}

func New(secret string, c clock.Clock, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), clock: c, ttl: ttl}
}

// Issue signs a token for subject with the given roles/tenant, expiring
// after the Issuer's configured ttl.
func (i *Issuer) Issue(subject string, roles []string, tenantID string, mfaVerified bool) (string, error) {
	claims := Claims{
		Subject: subject, Roles: NormalizeRoles(roles), TenantID: tenantID,
		MFAVerified: mfaVerified, Expiry: i.clock.Now().Add(i.ttl),
	}
	raw, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	b64 := base64.RawURLEncoding.EncodeToString(raw)
	return b64 + "." + i.sign(b64), nil
}

// Verify checks signature and expiry and returns the embedded Claims.
func (i *Issuer) Verify(token string) (*Claims, error) {
	b64, sig, ok := strings.Cut(token, ".")
	if !ok {
		return nil, ErrInvalidToken
	}
	if !hmac.Equal([]byte(i.sign(b64)), []byte(sig)) {
		return nil, ErrInvalidToken
	}
	raw, err := base64.RawURLEncoding.DecodeString(b64)
	if err != nil {
		return nil, ErrInvalidToken
	}
	var claims Claims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return nil, ErrInvalidToken
	}
	if i.clock.Now().After(claims.Expiry) {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}

func (i *Issuer) sign(b64 string) string {
	mac := hmac.New(sha256.New, i.secret)
	mac.Write([]byte(b64))
	return hex.EncodeToString(mac.Sum(nil))
}

// BearerToken extracts the token from an "Authorization: Bearer <token>"
// header value.
func BearerToken(authorizationHeader string) (string, bool) {
	const prefix = "bearer "
	if len(authorizationHeader) < len(prefix) || !strings.EqualFold(authorizationHeader[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(authorizationHeader[len(prefix):]), true
}

// RequireRoles reports whether claims carries at least one of required (a
// no-op pass when required is empty), and, if requireMFA is set, that the
// token was issued for an MFA-verified session.
func RequireRoles(claims *Claims, requireMFA bool, required ...string) bool {
	if requireMFA && !claims.MFAVerified {
		return false
	}
	if len(required) == 0 {
		return true
	}
	have := map[string]bool{}
	for _, r := range claims.Roles {
		have[r] = true
	}
	for _, r := range required {
		if have[NormalizeRole(r)] {
			return true
		}
	}
	return false
}
