package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"chatgateway/internal/models"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Credentials 是握手时客户端提供的凭证。
type Credentials struct {
	Host        string
	Role        string
	UserID      string
	APIKey      string
	AccessToken string
}

// Identity 是认证通过后的调用方。
type Identity struct {
	TenantID string
	UserID   string
	Role     string
}

// Resolver 根据 Host 子域名定位租户，再按角色校验 api_key 或坐席令牌。
type Resolver struct {
	db       *gorm.DB
	secret   string
	tokenTTL time.Duration
}

func NewResolver(db *gorm.DB, secret string, tokenTTL time.Duration) *Resolver {
	return &Resolver{db: db, secret: secret, tokenTTL: tokenTTL}
}

func (r *Resolver) tenant(ctx context.Context, host string) (models.Tenant, error) {
	sub := SubdomainFromHost(host)
	if sub == "" {
		return models.Tenant{}, fmt.Errorf("%w: no tenant subdomain in host", ErrAuthRejected)
	}
	var t models.Tenant
	err := r.db.WithContext(ctx).Where("subdomain = ?", sub).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Tenant{}, fmt.Errorf("%w: unknown tenant", ErrAuthRejected)
	}
	if err != nil {
		return models.Tenant{}, err
	}
	if t.Status != models.TenantActive {
		return models.Tenant{}, fmt.Errorf("%w: tenant inactive", ErrAuthRejected)
	}
	return t, nil
}

// Resolve 校验握手凭证。凭证问题返回 ErrAuthRejected，存储故障原样返回。
func (r *Resolver) Resolve(ctx context.Context, c Credentials) (Identity, error) {
	t, err := r.tenant(ctx, c.Host)
	if err != nil {
		return Identity{}, err
	}
	switch c.Role {
	case models.RoleUser, models.RoleChatbot:
		if c.APIKey == "" || !VerifyPassword(t.APIKeyHash, c.APIKey) {
			return Identity{}, fmt.Errorf("%w: bad api key", ErrAuthRejected)
		}
		return Identity{TenantID: t.ID, UserID: c.UserID, Role: c.Role}, nil
	case models.RoleAdmin:
		id, err := r.admin(ctx, t, c.AccessToken)
		if err != nil {
			return Identity{}, err
		}
		if c.UserID != "" && c.UserID != id.UserID {
			return Identity{}, fmt.Errorf("%w: token subject mismatch", ErrAuthRejected)
		}
		return id, nil
	}
	return Identity{}, fmt.Errorf("%w: invalid role", ErrAuthRejected)
}

func (r *Resolver) admin(ctx context.Context, t models.Tenant, token string) (Identity, error) {
	if token == "" {
		return Identity{}, fmt.Errorf("%w: missing access token", ErrAuthRejected)
	}
	claims, err := ParseAccessToken(token, r.secret)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrAuthRejected, err)
	}
	if claims.TenantID != t.ID {
		return Identity{}, fmt.Errorf("%w: token issued for another tenant", ErrAuthRejected)
	}
	var n int64
	if err := r.db.WithContext(ctx).Model(&models.Admin{}).
		Where("id = ? AND tenant_id = ?", claims.AdminID, t.ID).Count(&n).Error; err != nil {
		return Identity{}, err
	}
	if n == 0 {
		return Identity{}, fmt.Errorf("%w: admin not found", ErrAuthRejected)
	}
	return Identity{TenantID: t.ID, UserID: claims.AdminID, Role: models.RoleAdmin}, nil
}

// Login 校验坐席用户名密码并签发访问令牌。
func (r *Resolver) Login(ctx context.Context, host, name, password string) (string, Identity, error) {
	t, err := r.tenant(ctx, host)
	if err != nil {
		return "", Identity{}, err
	}
	var a models.Admin
	err = r.db.WithContext(ctx).Where("tenant_id = ? AND name = ?", t.ID, name).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", Identity{}, fmt.Errorf("%w: invalid credentials", ErrAuthRejected)
	}
	if err != nil {
		return "", Identity{}, err
	}
	if a.PasswordHash == "" || !VerifyPassword(a.PasswordHash, password) {
		return "", Identity{}, fmt.Errorf("%w: invalid credentials", ErrAuthRejected)
	}
	tok, err := GenerateAccessToken(a.ID, t.ID, r.secret, r.tokenTTL)
	if err != nil {
		return "", Identity{}, err
	}
	return tok, Identity{TenantID: t.ID, UserID: a.ID, Role: models.RoleAdmin}, nil
}

const identityKey = "identity"

// AdminMiddleware 要求 Bearer 令牌，且令牌所属租户与 Host 子域名一致。
func AdminMiddleware(r *Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if authz == "" || !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		tokenStr := strings.TrimSpace(authz[len("Bearer "):])
		t, err := r.tenant(c.Request.Context(), c.Request.Host)
		if err == nil {
			var id Identity
			id, err = r.admin(c.Request.Context(), t, tokenStr)
			if err == nil {
				c.Set(identityKey, id)
				c.Next()
				return
			}
		}
		if errors.Is(err, ErrAuthRejected) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable"})
	}
}

func GetIdentity(c *gin.Context) Identity {
	if v, ok := c.Get(identityKey); ok {
		if id, ok2 := v.(Identity); ok2 {
			return id
		}
	}
	return Identity{}
}
