package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/kopesha/loan-engine/internal/config"
	"github.com/kopesha/loan-engine/internal/domain"
	"github.com/kopesha/loan-engine/internal/repository"
	customError "github.com/kopesha/loan-engine/pkg/errors"
	"github.com/kopesha/loan-engine/pkg/phone"
)

const outstandingCacheTTL = 5 * time.Minute

// BillingService is the loan-facing front of the engine: approval through
// schedule creation, plus read models.
type BillingService struct {
	loanRepo repository.LoanRepository
	builder  *ScheduleBuilder
	ledger   *PaymentLedger
	redis    *redis.Client
	config   *config.Config
	log      *logrus.Logger
}

func NewBillingService(
	loanRepo repository.LoanRepository,
	builder *ScheduleBuilder,
	ledger *PaymentLedger,
	redisClient *redis.Client,
	cfg *config.Config,
	log *logrus.Logger,
) *BillingService {
	return &BillingService{
		loanRepo: loanRepo,
		builder:  builder,
		ledger:   ledger,
		redis:    redisClient,
		config:   cfg,
		log:      log,
	}
}

// CreateLoan approves a loan: computes the amortization breakdown, persists
// the loan and builds its installment schedule.
func (s *BillingService) CreateLoan(ctx context.Context, request *domain.CreateLoanRequest) (*domain.Loan, []*domain.Installment, error) {
	existing, err := s.loanRepo.GetByLoanID(ctx, request.LoanID)
	if err == nil && existing != nil {
		return nil, nil, customError.WrapLoanAlreadyExists(request.LoanID)
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, nil, customError.WrapDatabaseError(err)
	}

	msisdn, err := phone.Normalize(request.BorrowerPhone)
	if err != nil {
		return nil, nil, customError.WrapInvalidTerms(err.Error())
	}

	feeRate := request.ProcessingFeeRate
	if feeRate.IsZero() {
		feeRate = s.config.GetProcessingFeeRate()
	}

	terms := domain.LoanTerms{
		Principal:         request.Principal,
		AnnualRate:        request.AnnualRate,
		TermCount:         request.TermCount,
		InterestMethod:    request.InterestMethod,
		Frequency:         request.Frequency,
		ProcessingFeeRate: feeRate,
	}

	breakdown, err := ComputeAmortization(terms)
	if err != nil {
		return nil, nil, err
	}

	startDate, err := s.resolveStartDate(request.StartDate)
	if err != nil {
		return nil, nil, customError.WrapInvalidTerms(err.Error())
	}

	now := time.Now()
	loan := &domain.Loan{
		ID:                uuid.New(),
		LoanID:            request.LoanID,
		BorrowerPhone:     msisdn,
		Principal:         request.Principal,
		AnnualRate:        request.AnnualRate,
		TermCount:         request.TermCount,
		InterestMethod:    request.InterestMethod,
		Frequency:         request.Frequency,
		ProcessingFeeRate: feeRate,
		ProcessingFee:     request.Principal.Mul(feeRate.Div(decimal.NewFromInt(100))).Round(2),
		PenaltyMode:       s.config.Business.PenaltyMode,
		PenaltyRate:       s.config.GetPenaltyAnnualRate(),
		PenaltyFlatFee:    s.config.GetPenaltyFlatFee(),
		Status:            domain.LoanStatusActive,
		StartDate:         startDate,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err = s.loanRepo.Create(ctx, loan); err != nil {
		return nil, nil, customError.WrapDatabaseError(err)
	}

	schedule, err := s.builder.Build(ctx, loan.LoanID, terms, breakdown, startDate)
	if err != nil {
		return nil, nil, err
	}

	s.log.WithFields(logrus.Fields{
		"loan_id":        loan.LoanID,
		"principal":      loan.Principal.StringFixed(2),
		"processing_fee": loan.ProcessingFee.StringFixed(2),
		"installments":   len(schedule),
	}).Info("loan created")

	return loan, schedule, nil
}

// GetSchedule returns the installment schedule for a loan.
func (s *BillingService) GetSchedule(ctx context.Context, loanID string) ([]*domain.Installment, error) {
	if _, err := s.getLoan(ctx, loanID); err != nil {
		return nil, err
	}

	schedule, err := s.loanRepo.GetScheduleByLoanID(ctx, loanID)
	if err != nil {
		return nil, customError.WrapDatabaseError(err)
	}

	return schedule, nil
}

// GetOutstanding returns the outstanding balance, served from redis when the
// cache is warm. The ledger invalidates the key on every applied payment;
// penalty accruals surface within the cache TTL.
func (s *BillingService) GetOutstanding(ctx context.Context, loanID string) (*domain.OutstandingResponse, error) {
	loan, err := s.getLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}

	if s.redis != nil {
		if cached, err := s.redis.Get(ctx, outstandingCacheKey(loanID)).Result(); err == nil {
			if outstanding, err := decimal.NewFromString(cached); err == nil {
				return &domain.OutstandingResponse{LoanID: loanID, Outstanding: outstanding, Status: loan.Status}, nil
			}
		}
	}

	outstanding, err := s.ledger.Outstanding(ctx, loanID)
	if err != nil {
		return nil, err
	}

	if s.redis != nil {
		if err := s.redis.Set(ctx, outstandingCacheKey(loanID), outstanding.String(), outstandingCacheTTL).Err(); err != nil {
			s.log.WithError(err).WithField("loan_id", loanID).Warn("failed to cache outstanding balance")
		}
	}

	return &domain.OutstandingResponse{LoanID: loanID, Outstanding: outstanding, Status: loan.Status}, nil
}

func (s *BillingService) getLoan(ctx context.Context, loanID string) (*domain.Loan, error) {
	loan, err := s.loanRepo.GetByLoanID(ctx, loanID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, customError.WrapLoanNotFound(loanID)
		}
		return nil, customError.WrapDatabaseError(err)
	}
	return loan, nil
}

func (s *BillingService) resolveStartDate(raw string) (time.Time, error) {
	loc := s.config.GetBusinessLocation()
	if raw == "" {
		now := time.Now().In(loc)
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc), nil
	}
	return time.ParseInLocation("2006-01-02", raw, loc)
}
