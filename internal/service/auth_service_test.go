package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/labsafe/permit-api/internal/models"
	"github.com/labsafe/permit-api/pkg/config"
	appErrors "github.com/labsafe/permit-api/pkg/errors"
)

type authUserRepoStub struct {
	user      *models.User
	tokens    map[string]*models.RefreshToken
	revoked   []string
	lastLogin *time.Time
}

func (s *authUserRepoStub) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	if s.user == nil || s.user.Email != email {
		return nil, sql.ErrNoRows
	}
	return s.user, nil
}

func (s *authUserRepoStub) FindByID(ctx context.Context, id string) (*models.User, error) {
	if s.user == nil || s.user.ID != id {
		return nil, sql.ErrNoRows
	}
	return s.user, nil
}

func (s *authUserRepoStub) UpdateLastLogin(ctx context.Context, id string, ts time.Time) error {
	s.lastLogin = &ts
	return nil
}

func (s *authUserRepoStub) CreateRefreshToken(ctx context.Context, token *models.RefreshToken) error {
	if s.tokens == nil {
		s.tokens = map[string]*models.RefreshToken{}
	}
	s.tokens[token.Token] = token
	return nil
}

func (s *authUserRepoStub) FindRefreshToken(ctx context.Context, token string) (*models.RefreshToken, error) {
	stored, ok := s.tokens[token]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return stored, nil
}

func (s *authUserRepoStub) RevokeRefreshToken(ctx context.Context, id string, revokedAt time.Time) error {
	s.revoked = append(s.revoked, id)
	return nil
}

func newAuthServiceStub(t *testing.T) (*AuthService, *authUserRepoStub) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("correct-horse-battery"), bcrypt.MinCost)
	require.NoError(t, err)
	repo := &authUserRepoStub{
		user: &models.User{
			ID:           "u-1",
			Email:        "admin@example.org",
			PasswordHash: string(hash),
			Sciper:       "100100",
			Capabilities: []string{string(models.CapAuthorizationsManage), string(models.CapExpiryFeedRead)},
			Active:       true,
		},
	}
	svc := NewAuthService(repo, nil, nil, config.JWTConfig{
		Secret:            "test-signing-secret",
		Expiration:        15 * time.Minute,
		RefreshExpiration: 24 * time.Hour,
	})
	return svc, repo
}

func TestLoginIssuesValidatableToken(t *testing.T) {
	svc, repo := newAuthServiceStub(t)

	resp, err := svc.Login(context.Background(), models.LoginRequest{
		Email:    "admin@example.org",
		Password: "correct-horse-battery",
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.AccessToken)
	require.NotEmpty(t, resp.RefreshToken)
	assert.NotNil(t, repo.lastLogin)

	claims, err := svc.ValidateToken(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "u-1", claims.UserID)
	assert.Equal(t, "100100", claims.Sciper)

	identity := claims.Identity()
	assert.True(t, identity.Capabilities.Has(models.CapAuthorizationsManage))
	assert.True(t, identity.Capabilities.Has(models.CapExpiryFeedRead))
	assert.False(t, identity.Capabilities.Has(models.CapCronRun))
}

func TestLoginRejectsBadPassword(t *testing.T) {
	svc, _ := newAuthServiceStub(t)

	_, err := svc.Login(context.Background(), models.LoginRequest{
		Email:    "admin@example.org",
		Password: "definitely-wrong",
	})
	require.Error(t, err)
	appErr := appErrors.FromError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, appErrors.ErrInvalidCredentials.Code, appErr.Code)
}

func TestLoginRejectsUnknownEmailWithSameError(t *testing.T) {
	svc, _ := newAuthServiceStub(t)

	_, err := svc.Login(context.Background(), models.LoginRequest{
		Email:    "nobody@example.org",
		Password: "correct-horse-battery",
	})
	require.Error(t, err)
	appErr := appErrors.FromError(err)
	require.NotNil(t, appErr)
	// Unknown address and wrong password are indistinguishable.
	assert.Equal(t, appErrors.ErrInvalidCredentials.Code, appErr.Code)
}

func TestLoginRejectsInactiveAccount(t *testing.T) {
	svc, repo := newAuthServiceStub(t)
	repo.user.Active = false

	_, err := svc.Login(context.Background(), models.LoginRequest{
		Email:    "admin@example.org",
		Password: "correct-horse-battery",
	})
	require.Error(t, err)
	appErr := appErrors.FromError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, appErrors.ErrInactiveAccount.Code, appErr.Code)
}

func TestRefreshRotatesToken(t *testing.T) {
	svc, repo := newAuthServiceStub(t)

	resp, err := svc.Login(context.Background(), models.LoginRequest{
		Email:    "admin@example.org",
		Password: "correct-horse-battery",
	})
	require.NoError(t, err)

	rotated, err := svc.Refresh(context.Background(), resp.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, resp.RefreshToken, rotated.RefreshToken)
	require.Len(t, repo.revoked, 1)
	assert.Equal(t, repo.tokens[resp.RefreshToken].ID, repo.revoked[0])

	_, err = svc.ValidateToken(rotated.AccessToken)
	require.NoError(t, err)
}

func TestRefreshRejectsExpiredToken(t *testing.T) {
	svc, repo := newAuthServiceStub(t)
	repo.tokens = map[string]*models.RefreshToken{
		"old": {ID: "rt-1", UserID: "u-1", Token: "old", ExpiresAt: time.Now().UTC().Add(-time.Hour)},
	}

	_, err := svc.Refresh(context.Background(), "old")
	require.Error(t, err)
	appErr := appErrors.FromError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, appErrors.ErrUnauthorized.Code, appErr.Code)
}

func TestValidateTokenRejectsForeignSignature(t *testing.T) {
	svc, _ := newAuthServiceStub(t)
	other := NewAuthService(&authUserRepoStub{user: &models.User{
		ID: "u-1", Email: "admin@example.org", Active: true,
	}}, nil, nil, config.JWTConfig{Secret: "another-secret", Expiration: time.Minute})

	issued, _, err := other.generateAccessToken(&models.User{ID: "u-1"})
	require.NoError(t, err)

	_, err = svc.ValidateToken(issued)
	require.Error(t, err)
	appErr := appErrors.FromError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, appErrors.ErrUnauthorized.Code, appErr.Code)
}
