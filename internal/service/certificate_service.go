package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/labsafe/permit-api/internal/models"
	appErrors "github.com/labsafe/permit-api/pkg/errors"
	"github.com/labsafe/permit-api/pkg/export"
	"github.com/labsafe/permit-api/pkg/reference"
)

type certificateSource interface {
	Detail(ctx context.Context, id int64) (*models.AuthorizationDetail, error)
}

type certificateUnitReader interface {
	FindByID(ctx context.Context, id int64) (*models.Unit, error)
}

// CertificateService renders the PDF permit certificate for an
// authorization addressed by its reference. The reference must match
// the current record state; a stale reference yields the same 412 as
// a stale mutation would.
type CertificateService struct {
	source   certificateSource
	units    certificateUnitReader
	signer   *reference.Signer
	exporter *export.CertificateExporter
	logger   *zap.Logger
	now      func() time.Time
}

// NewCertificateService constructs a CertificateService.
func NewCertificateService(source certificateSource, units certificateUnitReader, signer *reference.Signer, logger *zap.Logger, now func() time.Time) *CertificateService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &CertificateService{
		source:   source,
		units:    units,
		signer:   signer,
		exporter: export.NewCertificateExporter(),
		logger:   logger,
		now:      now,
	}
}

// Render resolves the reference and produces the certificate PDF.
func (s *CertificateService) Render(ctx context.Context, ref reference.Ref) ([]byte, string, error) {
	id, signature, err := s.signer.Decode(ref)
	if err != nil {
		return nil, "", err
	}

	detail, err := s.source.Detail(ctx, id)
	if err != nil {
		return nil, "", err
	}
	canonical, err := reference.Canonicalize(detail.Authorization.Canonical())
	if err != nil {
		return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to canonicalize authorization")
	}
	if !s.signer.Matches(canonical, signature) {
		return nil, "", appErrors.Clone(appErrors.ErrStaleReference, "")
	}

	unitName := ""
	if unit, err := s.units.FindByID(ctx, detail.Authorization.UnitID); err == nil {
		unitName = unit.Name
	}

	holders := make([]string, 0, len(detail.Holders))
	for _, h := range detail.Holders {
		holders = append(holders, fmt.Sprintf("%s %s (%s)", h.FirstName, h.LastName, h.Sciper))
	}
	rooms := make([]string, 0, len(detail.Rooms))
	for _, r := range detail.Rooms {
		rooms = append(rooms, r.Name)
	}
	substances := make([]string, 0, len(detail.Chemicals))
	for _, c := range detail.Chemicals {
		substances = append(substances, fmt.Sprintf("%s (CAS %s)", c.NameEN, c.CAS))
	}

	pdf, err := s.exporter.Render(export.Certificate{
		Title:      "Hazardous Substance Authorization",
		Code:       detail.Authorization.Code,
		Status:     string(detail.Authorization.Status),
		Authority:  detail.Authorization.Authority,
		Unit:       unitName,
		IssuedOn:   detail.Authorization.CreationDate.UTC().Format("2006-01-02"),
		ExpiresOn:  detail.Authorization.ExpirationDate.UTC().Format("2006-01-02"),
		Holders:    holders,
		Rooms:      rooms,
		Substances: substances,
	})
	if err != nil {
		return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render certificate")
	}

	filename := fmt.Sprintf("certificate-%s-%s.pdf", detail.Authorization.Code, s.now().UTC().Format("20060102"))
	return pdf, filename, nil
}
