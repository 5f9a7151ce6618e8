package paygate

import (
	"fmt"
	"math/big"
	"sync"
	"time"
)

// RateLimits bounds payment frequency and hourly volume. Amounts are
// atomic units as decimal strings.
type RateLimits struct {
	MaxPaymentsPerMinute int
	MaxAmountPerHour     string
}

// BudgetManager tracks cumulative spending across challenges and
// enforces per-payment, per-minute and per-hour limits. All amounts
// are atomic units.
type BudgetManager struct {
	mu               sync.RWMutex
	maxPaymentAmount *big.Int
	maxHourlyAmount  *big.Int
	rateLimits       *RateLimits

	payments        []paymentRecord
	hourlySpent     *big.Int
	hourlyResetTime time.Time
	minuteCount     int
	minuteResetTime time.Time
}

type paymentRecord struct {
	timestamp time.Time
	amount    *big.Int
	resource  string
}

// NewBudgetManager creates a budget manager. An empty maxPaymentAmount
// leaves single payments uncapped; nil rateLimits disables windowed
// limits.
func NewBudgetManager(maxPaymentAmount string, rateLimits *RateLimits) (*BudgetManager, error) {
	maxAmount := new(big.Int)
	if maxPaymentAmount != "" {
		if _, ok := maxAmount.SetString(maxPaymentAmount, 10); !ok {
			return nil, fmt.Errorf("invalid max payment amount: %s", maxPaymentAmount)
		}
		if maxAmount.Sign() <= 0 {
			return nil, fmt.Errorf("max payment amount must be positive: %s", maxPaymentAmount)
		}
	}

	var maxHourly *big.Int
	if rateLimits != nil && rateLimits.MaxAmountPerHour != "" {
		maxHourly = new(big.Int)
		if _, ok := maxHourly.SetString(rateLimits.MaxAmountPerHour, 10); !ok {
			return nil, fmt.Errorf("invalid max hourly amount: %s", rateLimits.MaxAmountPerHour)
		}
		if maxHourly.Sign() <= 0 {
			return nil, fmt.Errorf("max hourly amount must be positive: %s", rateLimits.MaxAmountPerHour)
		}
	}

	now := time.Now()
	return &BudgetManager{
		maxPaymentAmount: maxAmount,
		maxHourlyAmount:  maxHourly,
		rateLimits:       rateLimits,
		hourlySpent:      big.NewInt(0),
		hourlyResetTime:  now.Add(time.Hour),
		minuteResetTime:  now.Add(time.Minute),
		payments:         make([]paymentRecord, 0),
	}, nil
}

// CanSpend reports whether a payment of the given atomic amount fits
// the budget. It returns ErrAmountExceedsLimit, ErrRateLimitExceeded
// or ErrBudgetExceeded on violation.
func (bm *BudgetManager) CanSpend(amount *big.Int, resource string) error {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	now := time.Now()

	if bm.maxPaymentAmount != nil && bm.maxPaymentAmount.Sign() > 0 {
		if amount.Cmp(bm.maxPaymentAmount) > 0 {
			return ErrAmountExceedsLimit
		}
	}

	if bm.rateLimits != nil {
		if !now.Before(bm.hourlyResetTime) {
			bm.hourlySpent = big.NewInt(0)
			bm.hourlyResetTime = now.Add(time.Hour)
		}
		if !now.Before(bm.minuteResetTime) {
			bm.minuteCount = 0
			bm.minuteResetTime = now.Add(time.Minute)
		}

		if bm.rateLimits.MaxPaymentsPerMinute > 0 && bm.minuteCount >= bm.rateLimits.MaxPaymentsPerMinute {
			return ErrRateLimitExceeded
		}
		if bm.maxHourlyAmount != nil {
			newTotal := new(big.Int).Add(bm.hourlySpent, amount)
			if newTotal.Cmp(bm.maxHourlyAmount) > 0 {
				return ErrBudgetExceeded
			}
		}
	}

	return nil
}

// RecordPayment records a signed payment against the budget windows.
func (bm *BudgetManager) RecordPayment(amount *big.Int, resource string) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	now := time.Now()
	bm.payments = append(bm.payments, paymentRecord{
		timestamp: now,
		amount:    new(big.Int).Set(amount),
		resource:  resource,
	})

	if bm.rateLimits != nil {
		bm.minuteCount++
		bm.hourlySpent.Add(bm.hourlySpent, amount)
	}

	// Keep the last 24 hours of records.
	cutoff := now.Add(-24 * time.Hour)
	for i, p := range bm.payments {
		if p.timestamp.After(cutoff) {
			bm.payments = bm.payments[i:]
			break
		}
	}
}

// GetMetrics returns a snapshot of current spending.
func (bm *BudgetManager) GetMetrics() BudgetMetrics {
	bm.mu.RLock()
	defer bm.mu.RUnlock()

	total := big.NewInt(0)
	for _, p := range bm.payments {
		total.Add(total, p.amount)
	}

	return BudgetMetrics{
		TotalSpent:   total.String(),
		HourlySpent:  bm.hourlySpent.String(),
		PaymentCount: len(bm.payments),
		MinuteCount:  bm.minuteCount,
	}
}

// BudgetMetrics is a snapshot of spending counters. Amounts are atomic
// units as decimal strings.
type BudgetMetrics struct {
	TotalSpent   string
	HourlySpent  string
	PaymentCount int
	MinuteCount  int
}
