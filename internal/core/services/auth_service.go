package services

import (
	"errors"
	"time"

	"roomrelay/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrForbidden    = errors.New("insufficient role")
)

// AuthService issues and checks bearer tokens for the mediator admin API.
type AuthService interface {
	GenerateToken(userID domain.UserID, role domain.UserRole) (string, error)
	ValidateToken(tokenString string) (*Claims, error)
	Authorize(claims *Claims, required domain.UserRole) error
}

type Claims struct {
	UserID domain.UserID   `json:"user_id"`
	Role   domain.UserRole `json:"role"`
	jwt.RegisteredClaims
}

type authService struct {
	jwtSecret      []byte
	accessTokenTTL time.Duration
}

func NewAuthService(jwtSecret string, accessTokenTTL time.Duration) AuthService {
	return &authService{
		jwtSecret:      []byte(jwtSecret),
		accessTokenTTL: accessTokenTTL,
	}
}

func (s *authService) GenerateToken(userID domain.UserID, role domain.UserRole) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *authService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, ErrInvalidToken
}

// Authorize passes when the token's role is at least required.
func (s *authService) Authorize(claims *Claims, required domain.UserRole) error {
	if claims == nil || roleLevel(claims.Role) < roleLevel(required) {
		return ErrForbidden
	}
	return nil
}

func roleLevel(role domain.UserRole) int {
	switch role {
	case domain.RoleViewer:
		return 1
	case domain.RoleOperator:
		return 2
	}
	return 0
}
