package utils

import (
	"testing"
	"time"

	"github.com/dgrijalva/jwt-go"
)

func TestJwtRoundTrip(t *testing.T) {
	t.Setenv("API_SECRET", "test-secret")
	token, err := JwtGenerate(JwtCustomClaim{ID: 7, Username: "giulia", Role: RoleAccountant, BusinessId: "biz-1"})
	if err != nil {
		t.Fatalf("JwtGenerate: %v", err)
	}
	parsed, err := JwtValidate(token)
	if err != nil || !parsed.Valid {
		t.Fatalf("JwtValidate: %v", err)
	}
	claim, ok := parsed.Claims.(*JwtCustomClaim)
	if !ok || claim.ID != 7 || claim.Username != "giulia" || claim.Role != RoleAccountant || claim.BusinessId != "biz-1" {
		t.Fatalf("unexpected claims %+v", parsed.Claims)
	}
	if claim.ExpiresAt <= time.Now().Unix() {
		t.Fatalf("token already expired at %d", claim.ExpiresAt)
	}
}

func TestJwtValidateRejects(t *testing.T) {
	t.Setenv("API_SECRET", "test-secret")
	good, err := JwtGenerate(JwtCustomClaim{Username: "giulia", Role: RoleAdmin})
	if err != nil {
		t.Fatal(err)
	}

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &JwtCustomClaim{
		Username:       "giulia",
		StandardClaims: jwt.StandardClaims{ExpiresAt: time.Now().Add(-time.Hour).Unix()},
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, &JwtCustomClaim{Username: "giulia", Role: RoleAdmin}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"tampered signature", good + "x"},
		{"expired", expired},
		{"alg none", unsigned},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if parsed, err := JwtValidate(tt.token); err == nil && parsed.Valid {
				t.Fatalf("token accepted")
			}
		})
	}

	t.Run("other secret", func(t *testing.T) {
		t.Setenv("API_SECRET", "rotated")
		if parsed, err := JwtValidate(good); err == nil && parsed.Valid {
			t.Fatalf("token signed with the old secret accepted")
		}
	})
}
