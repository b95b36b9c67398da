package memdb

import (
	"context"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/payment"
)

type paymentRepository struct {
	db *DB
}

var _ payment.Repository = (*paymentRepository)(nil)

func NewPaymentRepository(db *DB) payment.Repository {
	return &paymentRepository{db: db}
}

func (repo *paymentRepository) CreatePayment(_ context.Context, p payment.Payment, _ ...core.DBExecutor) (payment.Payment, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	if p.Reference != "" {
		for _, existing := range repo.db.t.payments {
			if existing.SchoolID == p.SchoolID && existing.Method == p.Method && existing.Reference == p.Reference {
				return payment.Payment{}, payment.ErrDuplicateReference
			}
		}
	}
	p.ID = repo.db.nextID()
	repo.db.t.payments[p.ID] = p
	return p, nil
}

func (repo *paymentRepository) GetPayment(_ context.Context, schoolID, id int, _ ...core.DBExecutor) (payment.Payment, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	if p, ok := repo.db.t.payments[id]; ok && p.SchoolID == schoolID {
		return p, nil
	}
	return payment.Payment{}, payment.ErrNotFound
}

func (repo *paymentRepository) QueryPayments(_ context.Context, filter payment.QueryFilter, _ ...core.DBExecutor) ([]payment.Payment, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	payments := make([]payment.Payment, 0)
	for _, p := range repo.db.t.payments {
		switch {
		case p.SchoolID != filter.SchoolID,
			filter.StudentID != 0 && p.StudentID != filter.StudentID,
			filter.Method != "" && p.Method != filter.Method,
			filter.Year != 0 && p.Year != filter.Year,
			filter.Term != 0 && p.Term != filter.Term,
			!filter.From.IsZero() && p.PaidAt.Before(filter.From),
			!filter.To.IsZero() && p.PaidAt.After(filter.To):
			continue
		}
		payments = append(payments, p)
	}
	orderBy(payments, nil, nil, func(a, b payment.Payment) int {
		if c := b.PaidAt.Compare(a.PaidAt); c != 0 {
			return c
		}
		return cmpInt(b.ID, a.ID)
	})
	return limit(payments, filter.Limit), nil
}

// M-Pesa

func (repo *paymentRepository) CreateMpesaPayment(_ context.Context, mp payment.MpesaPayment, _ ...core.DBExecutor) (payment.MpesaPayment, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	mp.ID = repo.db.nextID()
	repo.db.t.mpesaPayments[mp.ID] = mp
	return mp, nil
}

func (repo *paymentRepository) GetMpesaPayment(_ context.Context, checkoutRequestID string, _ ...core.DBExecutor) (payment.MpesaPayment, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	for _, mp := range repo.db.t.mpesaPayments {
		if mp.CheckoutRequestID == checkoutRequestID {
			return mp, nil
		}
	}
	return payment.MpesaPayment{}, payment.ErrMpesaNotFound
}

func (repo *paymentRepository) UpdateMpesaPayment(_ context.Context, mp payment.MpesaPayment, _ ...core.DBExecutor) (payment.MpesaPayment, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	if _, ok := repo.db.t.mpesaPayments[mp.ID]; !ok {
		return payment.MpesaPayment{}, payment.ErrMpesaNotFound
	}
	repo.db.t.mpesaPayments[mp.ID] = mp
	return mp, nil
}

// PayPal

func (repo *paymentRepository) CreatePayPalOrder(_ context.Context, o payment.PayPalOrder, _ ...core.DBExecutor) (payment.PayPalOrder, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	o.ID = repo.db.nextID()
	repo.db.t.paypalOrders[o.ID] = o
	return o, nil
}

func (repo *paymentRepository) GetPayPalOrder(_ context.Context, schoolID int, orderID string, _ ...core.DBExecutor) (payment.PayPalOrder, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	for _, o := range repo.db.t.paypalOrders {
		if o.SchoolID == schoolID && o.OrderID == orderID {
			return o, nil
		}
	}
	return payment.PayPalOrder{}, payment.ErrPayPalNotFound
}

func (repo *paymentRepository) UpdatePayPalOrder(_ context.Context, o payment.PayPalOrder, _ ...core.DBExecutor) (payment.PayPalOrder, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	if orig, ok := repo.db.t.paypalOrders[o.ID]; !ok || orig.SchoolID != o.SchoolID {
		return payment.PayPalOrder{}, payment.ErrPayPalNotFound
	}
	repo.db.t.paypalOrders[o.ID] = o
	return o, nil
}
