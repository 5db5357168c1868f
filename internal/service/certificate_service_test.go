package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labsafe/permit-api/internal/models"
	appErrors "github.com/labsafe/permit-api/pkg/errors"
)

type certificateSourceStub struct {
	detail *models.AuthorizationDetail
}

func (s *certificateSourceStub) Detail(ctx context.Context, id int64) (*models.AuthorizationDetail, error) {
	if s.detail == nil || s.detail.Authorization.ID != id {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "authorization not found")
	}
	return s.detail, nil
}

func TestCertificateRenderStampsInjectedClock(t *testing.T) {
	signer := testSigner(t)
	auth := storedAuthorization()
	ref := mintReference(t, signer, auth)

	source := &certificateSourceStub{detail: &models.AuthorizationDetail{
		Authorization: *auth,
		Holders:       []models.Person{{Sciper: "100100", FirstName: "Ada", LastName: "Lovelace"}},
		Chemicals:     []models.Chemical{{CAS: "64-17-5", NameEN: "Ethanol"}},
	}}
	units := &unitReaderStub{unit: &models.Unit{ID: 1, Name: "LCB"}}
	svc := NewCertificateService(source, units, signer, nil, func() time.Time { return fixedNow })

	pdf, filename, err := svc.Render(context.Background(), ref)
	require.NoError(t, err)
	assert.NotEmpty(t, pdf)
	assert.Equal(t, "certificate-LCB-001-20260301.pdf", filename)
}

func TestCertificateRenderRejectsStaleReference(t *testing.T) {
	signer := testSigner(t)
	auth := storedAuthorization()
	ref := mintReference(t, signer, auth)

	// The record moved on after the reference was handed out.
	changed := *auth
	changed.Status = models.AuthorizationStatusExpired
	source := &certificateSourceStub{detail: &models.AuthorizationDetail{Authorization: changed}}
	svc := NewCertificateService(source, &unitReaderStub{}, signer, nil, func() time.Time { return fixedNow })

	_, _, err := svc.Render(context.Background(), ref)
	require.Error(t, err)
	appErr := appErrors.FromError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, appErrors.ErrStaleReference.Code, appErr.Code)
	assert.Equal(t, 412, appErr.Status)
}
