package transport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/ruchi-nb/full-matata-sub001/types"
)

// Identity 是鉴权通过后的调用方身份。
type Identity struct {
	Subject   string    `json:"sub"`
	Role      string    `json:"role,omitempty"`
	DoctorID  string    `json:"doctor_id,omitempty"`
	PatientID string    `json:"patient_id,omitempty"`
	ExpiresAt time.Time `json:"exp,omitempty"`
}

// Authenticator 校验 bearer 凭证。必须在任何提供者适配器创建之前完成。
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (*Identity, error)
}

// JWTAuthenticator 用 HMAC 签名的 JWT 校验凭证。
type JWTAuthenticator struct {
	secret []byte
	issuer string
}

// NewJWTAuthenticator 创建 JWT 鉴权器。issuer 为空时不校验签发方。
func NewJWTAuthenticator(secret []byte, issuer string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: secret, issuer: issuer}
}

type voiceClaims struct {
	Role      string `json:"role,omitempty"`
	DoctorID  string `json:"doctor_id,omitempty"`
	PatientID string `json:"patient_id,omitempty"`
	jwt.RegisteredClaims
}

// Authenticate 校验凭证并返回身份。任何失败映射为 UNAUTHORIZED。
func (a *JWTAuthenticator) Authenticate(ctx context.Context, credential string) (*Identity, error) {
	credential = strings.TrimSpace(strings.TrimPrefix(credential, "Bearer "))
	if credential == "" {
		return nil, types.NewError(types.ErrUnauthorized, "missing credential")
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &voiceClaims{}
	token, err := jwt.ParseWithClaims(credential, claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, types.WrapError(types.ErrUnauthorized, "invalid credential", err)
	}
	if !token.Valid {
		return nil, types.NewError(types.ErrUnauthorized, "invalid credential")
	}

	identity := &Identity{
		Subject:   claims.Subject,
		Role:      claims.Role,
		DoctorID:  claims.DoctorID,
		PatientID: claims.PatientID,
	}
	if claims.ExpiresAt != nil {
		identity.ExpiresAt = claims.ExpiresAt.Time
	}
	if identity.Subject == "" {
		return nil, types.NewError(types.ErrUnauthorized, "credential missing subject")
	}
	return identity, nil
}

// MintToken 为测试与内部工具签发一个短期令牌。
func (a *JWTAuthenticator) MintToken(identity Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := voiceClaims{
		Role:      identity.Role,
		DoctorID:  identity.DoctorID,
		PatientID: identity.PatientID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.Subject,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
