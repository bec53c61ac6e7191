package bridge

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/oauthbridge/internal/directory"
)

// Session token claim names.
const (
	ClaimID          = "id"
	ClaimRole        = "role"
	ClaimAppAccess   = "app_access"
	ClaimAdminAccess = "admin_access"
	ClaimIssuedAt    = "iat"
	ClaimExpiresAt   = "exp"
	ClaimIssuer      = "iss"
)

var (
	errMissingSigningKey = errors.New("jwt.mint.missing_signing_key")
	errNonPositiveTTL    = errors.New("jwt.mint.non_positive_ttl")
	errMissingSubject    = errors.New("jwt.mint.missing_subject")
)

// SessionTokens is the access/refresh pair minted for one successful callback.
type SessionTokens struct {
	AccessToken      string
	RefreshToken     string
	IssuedAt         time.Time
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// SignSessionToken signs claims as an HS256 token. Header and payload are JSON objects whose keys
// encoding/json emits in sorted order, so equal inputs always produce byte-identical tokens.
func SignSessionToken(claims jwt.MapClaims, signingKey []byte) (string, error) {
	if len(signingKey) == 0 {
		return "", errMissingSigningKey
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingKey)
}

// MintSessionToken stamps iat and exp onto a copy of baseClaims and signs it.
func MintSessionToken(baseClaims jwt.MapClaims, signingKey []byte, issuedAt time.Time, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", errNonPositiveTTL
	}
	claims := make(jwt.MapClaims, len(baseClaims)+2)
	maps.Copy(claims, baseClaims)
	claims[ClaimIssuedAt] = issuedAt.Unix()
	claims[ClaimExpiresAt] = issuedAt.Add(ttl).Unix()
	return SignSessionToken(claims, signingKey)
}

// BaseClaims builds the payload shared by the access and refresh tokens. An empty role is encoded
// as null, and admin_access is true whenever a role is present.
func BaseClaims(user directory.User, issuer string) jwt.MapClaims {
	var role any
	if user.Role != "" {
		role = user.Role
	}
	return jwt.MapClaims{
		ClaimID:          user.ID,
		ClaimRole:        role,
		ClaimAppAccess:   true,
		ClaimAdminAccess: user.Role != "",
		ClaimIssuer:      issuer,
	}
}

// TokenMinter mints session token pairs with the configured secret and lifetimes.
type TokenMinter struct {
	signingKey []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewTokenMinter validates the signing configuration.
func NewTokenMinter(configuration ServerConfig) (*TokenMinter, error) {
	if len(configuration.SigningKey) == 0 {
		return nil, fmt.Errorf("jwt.minter: %w", errMissingSigningKey)
	}
	if configuration.AccessTTL <= 0 || configuration.RefreshTTL <= 0 {
		return nil, fmt.Errorf("jwt.minter: %w", errNonPositiveTTL)
	}
	return &TokenMinter{
		signingKey: configuration.SigningKey,
		issuer:     configuration.Issuer,
		accessTTL:  configuration.AccessTTL,
		refreshTTL: configuration.RefreshTTL,
	}, nil
}

// Mint builds both tokens from one clock reading; they differ only in exp.
func (minter *TokenMinter) Mint(user directory.User, now time.Time) (SessionTokens, error) {
	if user.ID == "" {
		return SessionTokens{}, fmt.Errorf("jwt.mint.failure: %w", errMissingSubject)
	}
	issuedAt := time.Unix(now.Unix(), 0).UTC()
	baseClaims := BaseClaims(user, minter.issuer)
	accessToken, accessErr := MintSessionToken(baseClaims, minter.signingKey, issuedAt, minter.accessTTL)
	if accessErr != nil {
		return SessionTokens{}, fmt.Errorf("jwt.mint.access: %w", accessErr)
	}
	refreshToken, refreshErr := MintSessionToken(baseClaims, minter.signingKey, issuedAt, minter.refreshTTL)
	if refreshErr != nil {
		return SessionTokens{}, fmt.Errorf("jwt.mint.refresh: %w", refreshErr)
	}
	return SessionTokens{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		IssuedAt:         issuedAt,
		AccessExpiresAt:  issuedAt.Add(minter.accessTTL),
		RefreshExpiresAt: issuedAt.Add(minter.refreshTTL),
	}, nil
}
