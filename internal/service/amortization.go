package service

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/kopesha/loan-engine/internal/domain"
	customError "github.com/kopesha/loan-engine/pkg/errors"
)

var (
	hundred      = decimal.NewFromInt(100)
	monthsInYear = decimal.NewFromInt(12)
)

// ComputeAmortization expands loan terms into a period-by-period breakdown of
// principal and interest. Pure and deterministic: no I/O, no clock.
//
// All monetary results are rounded half-up to 2 decimal places. The final
// installment absorbs the rounding residual so that the principal portions
// sum to the original principal exactly.
func ComputeAmortization(terms domain.LoanTerms) ([]domain.PeriodBreakdown, error) {
	if err := validateTerms(terms); err != nil {
		return nil, err
	}

	if terms.Frequency == domain.FrequencyBullet {
		return bulletBreakdown(terms), nil
	}

	switch terms.InterestMethod {
	case domain.InterestMethodReducingBalance:
		return reducingBalanceBreakdown(terms), nil
	case domain.InterestMethodFlatRate:
		return flatRateBreakdown(terms), nil
	case domain.InterestMethodFixed:
		return fixedBreakdown(terms), nil
	default:
		return nil, customError.WrapInvalidTerms(fmt.Sprintf("unknown interest method %q", terms.InterestMethod))
	}
}

func validateTerms(terms domain.LoanTerms) error {
	if !terms.Principal.IsPositive() {
		return customError.WrapInvalidTerms("principal must be greater than zero")
	}
	if terms.TermCount <= 0 {
		return customError.WrapInvalidTerms("term count must be greater than zero")
	}
	if terms.AnnualRate.IsNegative() || terms.AnnualRate.GreaterThan(hundred) {
		return customError.WrapInvalidTerms("annual rate must be between 0 and 100")
	}
	if terms.Frequency != domain.FrequencyBullet && domain.PeriodsPerYear(terms.Frequency) == 0 {
		return customError.WrapInvalidTerms(fmt.Sprintf("unknown repayment frequency %q", terms.Frequency))
	}
	return nil
}

// periodicRate converts the annual percentage rate into a per-period fraction.
func periodicRate(terms domain.LoanTerms) decimal.Decimal {
	periods := decimal.NewFromInt(int64(domain.PeriodsPerYear(terms.Frequency)))
	return terms.AnnualRate.Div(hundred).Div(periods)
}

// reducingBalanceBreakdown uses the standard annuity formula:
// installment = P*r*(1+r)^n / ((1+r)^n - 1). Interest each period is charged
// on the remaining balance.
func reducingBalanceBreakdown(terms domain.LoanTerms) []domain.PeriodBreakdown {
	n := terms.TermCount
	r := periodicRate(terms)

	var installment decimal.Decimal
	if r.IsZero() {
		installment = terms.Principal.Div(decimal.NewFromInt(int64(n))).Round(2)
	} else {
		onePlusR := decimal.NewFromInt(1).Add(r)
		compound := onePlusR.Pow(decimal.NewFromInt(int64(n)))
		installment = terms.Principal.Mul(r).Mul(compound).
			Div(compound.Sub(decimal.NewFromInt(1))).Round(2)
	}

	breakdown := make([]domain.PeriodBreakdown, 0, n)
	balance := terms.Principal
	for seq := 1; seq <= n; seq++ {
		interest := balance.Mul(r).Round(2)
		principal := installment.Sub(interest)

		if seq == n {
			// last installment absorbs the rounding residual
			principal = balance
		}

		breakdown = append(breakdown, domain.PeriodBreakdown{
			Sequence:  seq,
			Principal: principal,
			Interest:  interest,
			Total:     principal.Add(interest),
		})
		balance = balance.Sub(principal)
	}

	return breakdown
}

// flatRateBreakdown charges total interest of P * annualRate * years up
// front and spreads it evenly: installment = (P + totalInterest) / n.
func flatRateBreakdown(terms domain.LoanTerms) []domain.PeriodBreakdown {
	n := decimal.NewFromInt(int64(terms.TermCount))
	periods := decimal.NewFromInt(int64(domain.PeriodsPerYear(terms.Frequency)))
	years := n.Div(periods)

	totalInterest := terms.Principal.Mul(terms.AnnualRate.Div(hundred)).Mul(years)
	interestPer := totalInterest.Div(n).Round(2)
	principalPer := terms.Principal.Div(n).Round(2)

	return evenBreakdown(terms, principalPer, interestPer, totalInterest)
}

// fixedBreakdown charges interest at the periodic rate on the original
// principal every period; the principal portion is the constant remainder.
func fixedBreakdown(terms domain.LoanTerms) []domain.PeriodBreakdown {
	n := decimal.NewFromInt(int64(terms.TermCount))
	interestPer := terms.Principal.Mul(periodicRate(terms)).Round(2)
	principalPer := terms.Principal.Div(n).Round(2)
	totalInterest := interestPer.Mul(n)

	return evenBreakdown(terms, principalPer, interestPer, totalInterest)
}

// evenBreakdown lays out constant per-period portions, with the final period
// absorbing rounding residuals on both principal and interest.
func evenBreakdown(terms domain.LoanTerms, principalPer, interestPer, totalInterest decimal.Decimal) []domain.PeriodBreakdown {
	n := terms.TermCount
	breakdown := make([]domain.PeriodBreakdown, 0, n)

	principalLeft := terms.Principal
	interestLeft := totalInterest.Round(2)

	for seq := 1; seq <= n; seq++ {
		principal := principalPer
		interest := interestPer
		if seq == n {
			principal = principalLeft
			interest = interestLeft
		}

		breakdown = append(breakdown, domain.PeriodBreakdown{
			Sequence:  seq,
			Principal: principal,
			Interest:  interest,
			Total:     principal.Add(interest),
		})
		principalLeft = principalLeft.Sub(principal)
		interestLeft = interestLeft.Sub(interest)
	}

	return breakdown
}

// bulletBreakdown produces the single balloon payment of a bullet loan:
// full principal plus simple interest for the term, due at maturity. The
// term count is the number of months to maturity.
func bulletBreakdown(terms domain.LoanTerms) []domain.PeriodBreakdown {
	years := decimal.NewFromInt(int64(terms.TermCount)).Div(monthsInYear)
	interest := terms.Principal.Mul(terms.AnnualRate.Div(hundred)).Mul(years).Round(2)

	return []domain.PeriodBreakdown{{
		Sequence:  1,
		Principal: terms.Principal,
		Interest:  interest,
		Total:     terms.Principal.Add(interest),
	}}
}
