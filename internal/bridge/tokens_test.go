package bridge

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/oauthbridge/internal/directory"
)

func decodeSegment(t *testing.T, segment string) map[string]any {
	t.Helper()
	raw, decodeErr := base64.RawURLEncoding.DecodeString(segment)
	if decodeErr != nil {
		t.Fatalf("decode segment: %v", decodeErr)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal segment: %v", err)
	}
	return decoded
}

func TestSignSessionTokenIsReDerivable(t *testing.T) {
	t.Parallel()

	claims := jwt.MapClaims{
		ClaimID:          "user-1",
		ClaimRole:        "editor",
		ClaimAppAccess:   true,
		ClaimAdminAccess: true,
		ClaimIssuedAt:    int64(1700000000),
		ClaimExpiresAt:   int64(1700000900),
		ClaimIssuer:      "directus",
	}
	first, err := SignSessionToken(claims, []byte(testSigningKey))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	second, err := SignSessionToken(claims, []byte(testSigningKey))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if first != second {
		t.Fatalf("expected deterministic output, got %q and %q", first, second)
	}

	segments := strings.Split(first, ".")
	if len(segments) != 3 {
		t.Fatalf("expected three segments, got %d", len(segments))
	}
	headerBytes, _ := base64.RawURLEncoding.DecodeString(segments[0])
	if string(headerBytes) != `{"alg":"HS256","typ":"JWT"}` {
		t.Fatalf("unexpected header: %s", headerBytes)
	}
	payloadBytes, _ := base64.RawURLEncoding.DecodeString(segments[1])
	expectedPayload := `{"admin_access":true,"app_access":true,"exp":1700000900,"iat":1700000000,"id":"user-1","iss":"directus","role":"editor"}`
	if string(payloadBytes) != expectedPayload {
		t.Fatalf("unexpected payload: %s", payloadBytes)
	}

	mac := hmac.New(sha256.New, []byte(testSigningKey))
	mac.Write([]byte(segments[0] + "." + segments[1]))
	expectedSignature := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	if segments[2] != expectedSignature {
		t.Fatalf("signature mismatch: got %s want %s", segments[2], expectedSignature)
	}
}

func TestSignSessionTokenRequiresKey(t *testing.T) {
	t.Parallel()
	if _, err := SignSessionToken(jwt.MapClaims{ClaimID: "u"}, nil); !errors.Is(err, errMissingSigningKey) {
		t.Fatalf("expected errMissingSigningKey, got %v", err)
	}
}

func TestMintSessionTokenRejectsNonPositiveTTL(t *testing.T) {
	t.Parallel()
	for _, ttl := range []time.Duration{0, -time.Second} {
		if _, err := MintSessionToken(jwt.MapClaims{}, []byte(testSigningKey), time.Unix(0, 0), ttl); !errors.Is(err, errNonPositiveTTL) {
			t.Fatalf("ttl %s: expected errNonPositiveTTL, got %v", ttl, err)
		}
	}
}

func TestBaseClaims(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name          string
		role          string
		expectedRole  any
		expectedAdmin bool
	}{
		{name: "no role", role: "", expectedRole: nil, expectedAdmin: false},
		{name: "with role", role: "editor", expectedRole: "editor", expectedAdmin: true},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			claims := BaseClaims(directory.User{ID: "u1", Role: testCase.role}, "directus")
			if claims[ClaimRole] != testCase.expectedRole {
				t.Fatalf("expected role %v, got %v", testCase.expectedRole, claims[ClaimRole])
			}
			if claims[ClaimAdminAccess] != testCase.expectedAdmin {
				t.Fatalf("expected admin_access %v, got %v", testCase.expectedAdmin, claims[ClaimAdminAccess])
			}
			if claims[ClaimAppAccess] != true || claims[ClaimID] != "u1" || claims[ClaimIssuer] != "directus" {
				t.Fatalf("unexpected base claims: %v", claims)
			}
		})
	}
}

func TestTokenMinterMint(t *testing.T) {
	t.Parallel()

	minter, err := NewTokenMinter(newTestServerConfig())
	if err != nil {
		t.Fatalf("new minter: %v", err)
	}
	now := time.Unix(1700000000, 0)
	tokens, mintErr := minter.Mint(directory.User{ID: "u1"}, now)
	if mintErr != nil {
		t.Fatalf("mint: %v", mintErr)
	}

	access := decodeSegment(t, strings.Split(tokens.AccessToken, ".")[1])
	refresh := decodeSegment(t, strings.Split(tokens.RefreshToken, ".")[1])
	if access[ClaimIssuedAt] != float64(1700000000) || refresh[ClaimIssuedAt] != float64(1700000000) {
		t.Fatalf("unexpected iat: access=%v refresh=%v", access[ClaimIssuedAt], refresh[ClaimIssuedAt])
	}
	if access[ClaimExpiresAt] != float64(1700000000+900) {
		t.Fatalf("unexpected access exp: %v", access[ClaimExpiresAt])
	}
	if refresh[ClaimExpiresAt] != float64(1700000000+604800) {
		t.Fatalf("unexpected refresh exp: %v", refresh[ClaimExpiresAt])
	}
	if access[ClaimRole] != nil || access[ClaimAdminAccess] != false {
		t.Fatalf("expected null role without admin access, got %v", access)
	}
	if !tokens.AccessExpiresAt.Equal(now.Add(15*time.Minute)) || !tokens.RefreshExpiresAt.Equal(now.Add(7*24*time.Hour)) {
		t.Fatalf("unexpected expiries: %+v", tokens)
	}
}

func TestNewTokenMinterValidatesConfig(t *testing.T) {
	t.Parallel()

	missingKey := newTestServerConfig()
	missingKey.SigningKey = nil
	if _, err := NewTokenMinter(missingKey); !errors.Is(err, errMissingSigningKey) {
		t.Fatalf("expected errMissingSigningKey, got %v", err)
	}
	zeroTTL := newTestServerConfig()
	zeroTTL.AccessTTL = 0
	if _, err := NewTokenMinter(zeroTTL); !errors.Is(err, errNonPositiveTTL) {
		t.Fatalf("expected errNonPositiveTTL, got %v", err)
	}

	minter, _ := NewTokenMinter(newTestServerConfig())
	if _, err := minter.Mint(directory.User{}, time.Now()); !errors.Is(err, errMissingSubject) {
		t.Fatalf("expected errMissingSubject, got %v", err)
	}
}
