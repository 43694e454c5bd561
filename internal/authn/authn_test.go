package authn

import (
	"testing"
	"time"

	"invoicerun/pkg/clock"
)

func TestAuthenticate_ValidCredentialsReturnRoles(t *testing.T) {
	roles, mfa, ok := Authenticate("reviewer", "review123")
	if !ok {
		t.Fatal("expected valid credentials to authenticate")
	}
	if mfa {
		t.Fatal("reviewer is not configured with MFA")
	}
	if len(roles) != 2 || roles[0] != "Reviewer" || roles[1] != "Viewer" {
		t.Fatalf("unexpected roles: %v", roles)
	}
}

func TestAuthenticate_WrongPasswordRejected(t *testing.T) {
	if _, _, ok := Authenticate("reviewer", "wrong"); ok {
		t.Fatal("expected wrong password to be rejected")
	}
}

func TestAuthenticate_UnknownUserRejected(t *testing.T) {
	if _, _, ok := Authenticate("nobody", "whatever"); ok {
		t.Fatal("expected unknown user to be rejected")
	}
}

func TestIssueAndVerify_RoundTrips(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	issuer := New("test-secret", clock.NewFixed(now), time.Hour)

	token, err := issuer.Issue("alice", []string{"reviewer"}, "tenant-1", false)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	claims, err := issuer.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Subject != "alice" || claims.TenantID != "tenant-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != "Reviewer" {
		t.Fatalf("expected normalized role, got %v", claims.Roles)
	}
}

func TestVerify_ExpiredTokenRejected(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	issuer := New("test-secret", clock.NewFixed(start), time.Minute)

	token, err := issuer.Issue("alice", nil, "tenant-1", false)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	laterIssuer := New("test-secret", clock.NewFixed(start.Add(2*time.Minute)), time.Minute)
	if _, err := laterIssuer.Verify(token); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestVerify_TamperedSignatureRejected(t *testing.T) {
	issuer := New("test-secret", clock.NewFixed(time.Now()), time.Hour)
	token, err := issuer.Issue("alice", nil, "tenant-1", false)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	tampered := token + "x"
	if _, err := issuer.Verify(tampered); err == nil {
		t.Fatal("expected tampered token to be rejected")
	}
}

func TestRequireRoles_MatchesAnyRequiredRole(t *testing.T) {
	claims := &Claims{Roles: []string{"Viewer"}}
	if !RequireRoles(claims, false, "Admin", "Viewer") {
		t.Fatal("expected a matching role to satisfy RequireRoles")
	}
	if RequireRoles(claims, false, "Admin", "Approver") {
		t.Fatal("expected no matching role to fail RequireRoles")
	}
}

func TestRequireRoles_EnforcesMFAWhenRequired(t *testing.T) {
	claims := &Claims{Roles: []string{"Admin"}, MFAVerified: false}
	if RequireRoles(claims, true, "Admin") {
		t.Fatal("expected MFA requirement to block an unverified caller")
	}
	claims.MFAVerified = true
	if !RequireRoles(claims, true, "Admin") {
		t.Fatal("expected MFA-verified caller with matching role to pass")
	}
}

func TestBearerToken_ParsesAuthorizationHeader(t *testing.T) {
	tok, ok := BearerToken("Bearer abc.def")
	if !ok || tok != "abc.def" {
		t.Fatalf("unexpected parse result: %q %v", tok, ok)
	}
	if _, ok := BearerToken("Basic abc"); ok {
		t.Fatal("expected non-bearer scheme to be rejected")
	}
}
