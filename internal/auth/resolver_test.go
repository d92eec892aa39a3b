package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chatgateway/internal/models"
	"chatgateway/internal/testutil"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const testSecret = "resolver-secret"

type fixture struct {
	db       *gorm.DB
	resolver *Resolver
	tenant   models.Tenant
	admin    models.Admin
	apiKey   string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db := testutil.NewDB(t)
	key, err := GenerateAPIKey()
	require.NoError(t, err)
	keyHash, err := HashPassword(key)
	require.NoError(t, err)
	pwHash, err := HashPassword("hunter22")
	require.NoError(t, err)

	tenant := models.Tenant{ID: uuid.NewString(), Subdomain: "acme", APIKeyHash: keyHash, Status: models.TenantActive}
	require.NoError(t, db.Create(&tenant).Error)
	admin := models.Admin{ID: uuid.NewString(), TenantID: tenant.ID, Name: "alice", PasswordHash: pwHash}
	require.NoError(t, db.Create(&admin).Error)
	other := models.Tenant{ID: uuid.NewString(), Subdomain: "dormant", APIKeyHash: keyHash, Status: models.TenantInactive}
	require.NoError(t, db.Create(&other).Error)

	return fixture{db: db, resolver: NewResolver(db, testSecret, time.Hour), tenant: tenant, admin: admin, apiKey: key}
}

func TestResolver_User(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	uid := uuid.NewString()

	id, err := f.resolver.Resolve(ctx, Credentials{Host: "acme.localhost:8080", Role: models.RoleUser, UserID: uid, APIKey: f.apiKey})
	require.NoError(t, err)
	assert.Equal(t, Identity{TenantID: f.tenant.ID, UserID: uid, Role: models.RoleUser}, id)

	_, err = f.resolver.Resolve(ctx, Credentials{Host: "acme.localhost", Role: models.RoleUser, UserID: uid, APIKey: "wrong"})
	assert.ErrorIs(t, err, ErrAuthRejected)

	_, err = f.resolver.Resolve(ctx, Credentials{Host: "nobody.localhost", Role: models.RoleUser, UserID: uid, APIKey: f.apiKey})
	assert.ErrorIs(t, err, ErrAuthRejected)

	_, err = f.resolver.Resolve(ctx, Credentials{Host: "dormant.localhost", Role: models.RoleUser, UserID: uid, APIKey: f.apiKey})
	assert.ErrorIs(t, err, ErrAuthRejected)

	_, err = f.resolver.Resolve(ctx, Credentials{Host: "localhost", Role: models.RoleUser, UserID: uid, APIKey: f.apiKey})
	assert.ErrorIs(t, err, ErrAuthRejected)
}

func TestResolver_Admin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tok, id, err := f.resolver.Login(ctx, "acme.localhost", "alice", "hunter22")
	require.NoError(t, err)
	assert.Equal(t, f.admin.ID, id.UserID)

	got, err := f.resolver.Resolve(ctx, Credentials{Host: "acme.localhost", Role: models.RoleAdmin, UserID: f.admin.ID, AccessToken: tok})
	require.NoError(t, err)
	assert.Equal(t, Identity{TenantID: f.tenant.ID, UserID: f.admin.ID, Role: models.RoleAdmin}, got)

	_, err = f.resolver.Resolve(ctx, Credentials{Host: "acme.localhost", Role: models.RoleAdmin, UserID: uuid.NewString(), AccessToken: tok})
	assert.ErrorIs(t, err, ErrAuthRejected, "subject mismatch")

	foreign, err := GenerateAccessToken(f.admin.ID, uuid.NewString(), testSecret, time.Hour)
	require.NoError(t, err)
	_, err = f.resolver.Resolve(ctx, Credentials{Host: "acme.localhost", Role: models.RoleAdmin, UserID: f.admin.ID, AccessToken: foreign})
	assert.ErrorIs(t, err, ErrAuthRejected, "token from another tenant")

	_, err = f.resolver.Resolve(ctx, Credentials{Host: "acme.localhost", Role: models.RoleAdmin, UserID: f.admin.ID, APIKey: f.apiKey})
	assert.ErrorIs(t, err, ErrAuthRejected, "api key is not enough for admins")

	_, _, err = f.resolver.Login(ctx, "acme.localhost", "alice", "nope")
	assert.ErrorIs(t, err, ErrAuthRejected)
}

func TestAdminMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	tok, err := GenerateAccessToken(f.admin.ID, f.tenant.ID, testSecret, time.Hour)
	require.NoError(t, err)

	r := gin.New()
	r.GET("/me", AdminMiddleware(f.resolver), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": GetIdentity(c).UserID})
	})

	tests := []struct {
		name   string
		host   string
		authz  string
		status int
	}{
		{"valid", "acme.localhost", "Bearer " + tok, http.StatusOK},
		{"missing header", "acme.localhost", "", http.StatusUnauthorized},
		{"wrong tenant host", "dormant.localhost", "Bearer " + tok, http.StatusUnauthorized},
		{"garbage token", "acme.localhost", "Bearer x.y.z", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			req.Host = tt.host
			if tt.authz != "" {
				req.Header.Set("Authorization", tt.authz)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusOK {
				assert.Contains(t, w.Body.String(), f.admin.ID)
			}
		})
	}
}
