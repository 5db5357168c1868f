package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/labsafe/permit-api/internal/models"
	"github.com/labsafe/permit-api/pkg/config"
)

type expiringAuthorizationRepository interface {
	FindExpiring(ctx context.Context, now time.Time, thresholdDays int) ([]models.Authorization, error)
	MarkNotified(ctx context.Context, id int64, at time.Time, renewals int) error
}

type expiringDispensationRepository interface {
	FindExpiring(ctx context.Context, now time.Time, thresholdDays int) ([]models.Dispensation, error)
	MarkNotified(ctx context.Context, id int64, at time.Time, renewals int) error
}

type authorizationExpirer interface {
	Expire(ctx context.Context, id int64) error
}

type dispensationExpirer interface {
	Expire(ctx context.Context, id int64) error
}

// BatchReport summarizes one expire-and-notify run.
type BatchReport struct {
	AuthorizationsExpired  int `json:"authorizations_expired"`
	AuthorizationsNotified int `json:"authorizations_notified"`
	DispensationsExpired   int `json:"dispensations_expired"`
	DispensationsNotified  int `json:"dispensations_notified"`
	Failures               int `json:"failures"`
}

// ExpiryService owns the read-only expiring scans and the cron batch
// that expires overdue records and stamps warning notifications.
type ExpiryService struct {
	authRepo      expiringAuthorizationRepository
	dispRepo      expiringDispensationRepository
	authLifecycle authorizationExpirer
	dispLifecycle dispensationExpirer
	notifier      Notifier
	cfg           config.ExpiryConfig
	logger        *zap.Logger
	now           func() time.Time
}

// NewExpiryService constructs an ExpiryService.
func NewExpiryService(
	authRepo expiringAuthorizationRepository,
	dispRepo expiringDispensationRepository,
	authLifecycle authorizationExpirer,
	dispLifecycle dispensationExpirer,
	notifier Notifier,
	cfg config.ExpiryConfig,
	logger *zap.Logger,
	now func() time.Time,
) *ExpiryService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	if cfg.WarningDays <= 0 {
		cfg.WarningDays = 30
	}
	return &ExpiryService{
		authRepo:      authRepo,
		dispRepo:      dispRepo,
		authLifecycle: authLifecycle,
		dispLifecycle: dispLifecycle,
		notifier:      notifier,
		cfg:           cfg,
		logger:        logger,
		now:           now,
	}
}

// ScanAuthorizations is the read-only expiring feed. thresholdDays == 0
// returns records already past their expiration regardless of whether
// they were notified; any other threshold restricts to not-yet-notified
// records inside the window.
func (s *ExpiryService) ScanAuthorizations(ctx context.Context, thresholdDays int) ([]models.Authorization, error) {
	return s.authRepo.FindExpiring(ctx, s.now().UTC(), thresholdDays)
}

// ScanDispensations mirrors ScanAuthorizations for dispensations.
func (s *ExpiryService) ScanDispensations(ctx context.Context, thresholdDays int) ([]models.Dispensation, error) {
	return s.dispRepo.FindExpiring(ctx, s.now().UTC(), thresholdDays)
}

// RunBatch performs one full expire-and-notify pass. Every record gets
// its own bounded context so one stuck row cannot wedge the batch, and
// a per-record failure is counted and logged, never fatal.
func (s *ExpiryService) RunBatch(ctx context.Context) (*BatchReport, error) {
	report := &BatchReport{}
	now := s.now().UTC()

	overdueAuths, err := s.authRepo.FindExpiring(ctx, now, 0)
	if err != nil {
		return nil, err
	}
	for _, auth := range overdueAuths {
		if err := s.withBudget(ctx, func(ctx context.Context) error {
			return s.authLifecycle.Expire(ctx, auth.ID)
		}); err != nil {
			report.Failures++
			s.logger.Sugar().Errorw("authorization expiry failed", "code", auth.Code, "error", err)
			continue
		}
		report.AuthorizationsExpired++
	}

	warnAuths, err := s.authRepo.FindExpiring(ctx, now, s.cfg.WarningDays)
	if err != nil {
		return nil, err
	}
	for _, auth := range warnAuths {
		auth := auth
		if err := s.withBudget(ctx, func(ctx context.Context) error {
			s.notify(ctx, models.NotificationExpiring, auth.Code, auth.Authority, auth.ExpirationDate)
			return s.authRepo.MarkNotified(ctx, auth.ID, now, auth.Renewals)
		}); err != nil {
			report.Failures++
			s.logger.Sugar().Errorw("authorization expiry warning failed", "code", auth.Code, "error", err)
			continue
		}
		report.AuthorizationsNotified++
	}

	overdueDisps, err := s.dispRepo.FindExpiring(ctx, now, 0)
	if err != nil {
		return nil, err
	}
	for _, disp := range overdueDisps {
		if err := s.withBudget(ctx, func(ctx context.Context) error {
			return s.dispLifecycle.Expire(ctx, disp.ID)
		}); err != nil {
			report.Failures++
			s.logger.Sugar().Errorw("dispensation expiry failed", "code", disp.Code, "error", err)
			continue
		}
		report.DispensationsExpired++
	}

	warnDisps, err := s.dispRepo.FindExpiring(ctx, now, s.cfg.WarningDays)
	if err != nil {
		return nil, err
	}
	for _, disp := range warnDisps {
		disp := disp
		if err := s.withBudget(ctx, func(ctx context.Context) error {
			s.notify(ctx, models.NotificationExpiring, disp.Code, disp.Comment, disp.DateEnd)
			return s.dispRepo.MarkNotified(ctx, disp.ID, now, disp.Renewals)
		}); err != nil {
			report.Failures++
			s.logger.Sugar().Errorw("dispensation expiry warning failed", "code", disp.Code, "error", err)
			continue
		}
		report.DispensationsNotified++
	}

	s.logger.Sugar().Infow("expiry batch finished",
		"authorizations_expired", report.AuthorizationsExpired,
		"authorizations_notified", report.AuthorizationsNotified,
		"dispensations_expired", report.DispensationsExpired,
		"dispensations_notified", report.DispensationsNotified,
		"failures", report.Failures,
	)
	return report, nil
}

// withBudget bounds one record's work. The acquire budget covers
// waiting for a transaction slot, the run budget the work itself;
// whichever expires first cancels the record, not the batch.
func (s *ExpiryService) withBudget(parent context.Context, fn func(ctx context.Context) error) error {
	budget := s.cfg.AcquireTimeout + s.cfg.RunTimeout
	if budget <= 0 {
		budget = 40 * time.Second
	}
	ctx, cancel := context.WithTimeout(parent, budget)
	defer cancel()
	return fn(ctx)
}

func (s *ExpiryService) notify(ctx context.Context, kind models.NotificationKind, code, detail string, deadline time.Time) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, Notification{
		Kind:       kind,
		RecordCode: code,
		Fields: map[string]interface{}{
			"detail":   detail,
			"deadline": deadline.UTC().Format(time.RFC3339),
		},
	})
}
