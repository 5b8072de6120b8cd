package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	xerrors "EVMQuery-Chain/internal/errors"
	"EVMQuery-Chain/pkg/logger"
)

// Claims 是本服务签发与校验的 JWT 负载。
type Claims struct {
	Permissions []string `json:"perms,omitempty"`
	jwt.RegisteredClaims
}

type keyEntry struct {
	digest  [32]byte
	subject Subject
}

// Service 根据配置的模式校验 Authorization 头。
type Service struct {
	mode   Mode
	keys   []keyEntry
	secret []byte
	issuer string
	audit  *slog.Logger
	now    func() time.Time
}

// NewService 构造身份认证服务实例。
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{mode: mode, issuer: cfg.Issuer, audit: logger.Audit(), now: time.Now}

	switch mode {
	case ModeDisabled:
	case ModeAPIKey:
		for _, k := range cfg.APIKeys {
			if strings.TrimSpace(k.Key) == "" {
				return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("api key %q is empty", k.Name))
			}
			svc.keys = append(svc.keys, keyEntry{
				digest:  sha256.Sum256([]byte(k.Key)),
				subject: Subject{Name: k.Name, Permissions: append([]string(nil), k.Permissions...)},
			})
		}
		if len(svc.keys) == 0 {
			return nil, xerrors.New(xerrors.CodeConfiguration, "api_key mode requires at least one key")
		}
	case ModeJWT:
		if strings.TrimSpace(cfg.JWTSecret) == "" {
			return nil, xerrors.New(xerrors.CodeConfiguration, "jwt secret must be configured")
		}
		svc.secret = []byte(cfg.JWTSecret)
	default:
		return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("unsupported auth mode: %s", cfg.Mode))
	}
	return svc, nil
}

// Mode 返回当前身份认证服务的工作模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// AuthenticateRequest 解析 "Bearer <token>" 并返回调用方。
func (s *Service) AuthenticateRequest(authorization string) (*Subject, error) {
	token, ok := strings.CutPrefix(strings.TrimSpace(authorization), "Bearer ")
	token = strings.TrimSpace(token)
	if !ok || token == "" {
		return nil, ErrMissingToken
	}
	switch s.mode {
	case ModeAPIKey:
		return s.verifyAPIKey(token)
	case ModeJWT:
		return s.verifyJWT(token)
	default:
		return &Subject{Name: "anonymous", Permissions: []string{"*"}}, nil
	}
}

// verifyAPIKey 对所有密钥做常量时间比较。
func (s *Service) verifyAPIKey(token string) (*Subject, error) {
	digest := sha256.Sum256([]byte(token))
	var found *Subject
	for i := range s.keys {
		if subtle.ConstantTimeCompare(digest[:], s.keys[i].digest[:]) == 1 {
			sub := s.keys[i].subject
			found = &sub
		}
	}
	if found == nil {
		return nil, ErrInvalidToken
	}
	return found, nil
}

func (s *Service) verifyJWT(token string) (*Subject, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, xerrors.Wrap(CodeUnauthenticated, err, "invalid token")
	}
	if s.issuer != "" && !claims.VerifyIssuer(s.issuer, true) {
		return nil, ErrInvalidToken
	}
	return &Subject{Name: claims.Subject, Permissions: claims.Permissions}, nil
}

// Issue 签发 HS256 令牌，仅在 jwt 模式下可用。
func (s *Service) Issue(subject string, perms []string, ttl time.Duration) (string, error) {
	if s == nil || s.mode != ModeJWT {
		return "", xerrors.New(xerrors.CodeConfiguration, "token issuance requires jwt mode")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := s.now()
	claims := Claims{
		Permissions: perms,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}
