package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// ErrAuthRejected 表示凭证错误、租户不存在或已停用。握手阶段映射为关闭码 1008。
var ErrAuthRejected = errors.New("auth rejected")

// Claims 是坐席访问令牌的载荷。
type Claims struct {
	AdminID  string `json:"aid"`
	TenantID string `json:"tid"`
	jwt.RegisteredClaims
}

// HashPassword 用 bcrypt 哈希坐席密码与租户 api_key。
func HashPassword(pw string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	return string(b), err
}

func VerifyPassword(hash, pw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}

// GenerateAPIKey 生成新租户的明文 api_key，只在创建时展示一次。
func GenerateAPIKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "ck_" + hex.EncodeToString(b), nil
}

func GenerateAccessToken(adminID, tenantID, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		AdminID:  adminID,
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   adminID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func ParseAccessToken(tokenStr, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid && claims.AdminID != "" && claims.TenantID != "" {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

// SubdomainFromHost 取 Host 头的第一段作为租户子域名：
// acme.chat.example.com -> acme，acme.localhost:8080 -> acme，example.com -> ""。
func SubdomainFromHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if i := strings.LastIndex(host, ":"); i >= 0 && !strings.Contains(host[i:], "]") {
		host = host[:i]
	}
	host = strings.TrimSuffix(host, ".")
	labels := strings.Split(host, ".")
	switch {
	case len(labels) >= 2 && labels[len(labels)-1] == "localhost":
		return labels[0]
	case len(labels) >= 3 && !allDigits(labels[len(labels)-1]):
		return labels[0]
	}
	return ""
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
