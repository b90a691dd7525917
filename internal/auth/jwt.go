package auth

import (
	"errors"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type Claims struct {
	UserID int64 `json:"uid"`
	jwt.RegisteredClaims
}

type TokenConfig struct {
	Secret string
	Expiry time.Duration
	Issuer string
}

func DefaultTokenConfig(secret string) TokenConfig {
	return TokenConfig{
		Secret: secret,
		Expiry: 7 * 24 * time.Hour,
		Issuer: "nudge-server",
	}
}

// CreateToken signs a token for userID and returns it with its expiry.
func CreateToken(userID int64, cfg TokenConfig) (string, time.Time, error) {
	if cfg.Secret == "" {
		return "", time.Time{}, errors.New("missing secret")
	}
	if userID <= 0 {
		return "", time.Time{}, errors.New("missing userID")
	}
	if cfg.Expiry <= 0 {
		return "", time.Time{}, errors.New("invalid expiry")
	}

	now := time.Now()
	expiresAt := now.Add(cfg.Expiry)
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
			Subject:   strconv.FormatInt(userID, 10),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(cfg.Secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

func VerifyToken(tokenString string, cfg TokenConfig) (*Claims, error) {
	if cfg.Secret == "" {
		return nil, errors.New("missing secret")
	}

	var opts []jwt.ParserOption
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(cfg.Secret), nil
	}, opts...)
	if err != nil {
		return nil, err
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.UserID <= 0 {
		return nil, jwt.ErrSignatureInvalid
	}
	return claims, nil
}

// Issuer hands out tokens to freshly registered clients.
type Issuer struct {
	cfg TokenConfig
}

func NewIssuer(cfg TokenConfig) *Issuer {
	return &Issuer{cfg: cfg}
}

func (i *Issuer) IssueToken(userID int64) (string, time.Time, error) {
	return CreateToken(userID, i.cfg)
}
