// Package memdb holds in-memory repositories used by tests and local demos.
package memdb

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/analytics"
	"github.com/trezcool/karo/core/approval"
	"github.com/trezcool/karo/core/assistant"
	"github.com/trezcool/karo/core/audit"
	"github.com/trezcool/karo/core/billing"
	"github.com/trezcool/karo/core/ledger"
	"github.com/trezcool/karo/core/payment"
	"github.com/trezcool/karo/core/proof"
	"github.com/trezcool/karo/core/reminder"
	"github.com/trezcool/karo/core/school"
	"github.com/trezcool/karo/core/student"
	"github.com/trezcool/karo/core/term"
	"github.com/trezcool/karo/core/user"
)

type (
	// DB is a set of tables guarded by a single lock.
	// Rows are stored by value and replaced whole on update, never mutated in place.
	DB struct {
		mu  sync.RWMutex
		seq int
		t   tables
	}

	tables struct {
		schools         map[int]school.School
		settings        map[int]school.Settings
		proActivations  map[int]school.ProActivation
		users           map[string]user.User
		terms           map[int]term.AcademicTerm
		guardians       map[int]student.Guardian
		students        map[int]student.Student
		components      map[int]billing.FeeComponent
		classDefaults   map[int]billing.ClassFeeDefault
		studentItems    map[int]billing.StudentFeeItem
		discounts       map[int]billing.Discount
		invoices        map[int]billing.Invoice
		payments        map[int]payment.Payment
		mpesaPayments   map[int]payment.MpesaPayment
		paypalOrders    map[int]payment.PayPalOrder
		entries         map[int]ledger.Entry
		creditOps       map[int]ledger.CreditOperation
		creditTransfers map[int]ledger.CreditTransfer
		reminderLogs    map[int]reminder.Log
		approvals       map[int]approval.Request
		recoveryActions map[int]analytics.RecoveryAction
		auditEntries    map[int]audit.Entry
		chunks          map[int]assistant.Chunk
		proofs          map[int]proof.Proof
	}
)

func Open() *DB {
	return &DB{t: tables{
		schools:         make(map[int]school.School),
		settings:        make(map[int]school.Settings),
		proActivations:  make(map[int]school.ProActivation),
		users:           make(map[string]user.User),
		terms:           make(map[int]term.AcademicTerm),
		guardians:       make(map[int]student.Guardian),
		students:        make(map[int]student.Student),
		components:      make(map[int]billing.FeeComponent),
		classDefaults:   make(map[int]billing.ClassFeeDefault),
		studentItems:    make(map[int]billing.StudentFeeItem),
		discounts:       make(map[int]billing.Discount),
		invoices:        make(map[int]billing.Invoice),
		payments:        make(map[int]payment.Payment),
		mpesaPayments:   make(map[int]payment.MpesaPayment),
		paypalOrders:    make(map[int]payment.PayPalOrder),
		entries:         make(map[int]ledger.Entry),
		creditOps:       make(map[int]ledger.CreditOperation),
		creditTransfers: make(map[int]ledger.CreditTransfer),
		reminderLogs:    make(map[int]reminder.Log),
		approvals:       make(map[int]approval.Request),
		recoveryActions: make(map[int]analytics.RecoveryAction),
		auditEntries:    make(map[int]audit.Entry),
		chunks:          make(map[int]assistant.Chunk),
		proofs:          make(map[int]proof.Proof),
	}}
}

// nextID must be called with the write lock held.
func (db *DB) nextID() int {
	db.seq++
	return db.seq
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	c := make(map[K]V, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

func (t tables) clone() tables {
	return tables{
		schools:         cloneMap(t.schools),
		settings:        cloneMap(t.settings),
		proActivations:  cloneMap(t.proActivations),
		users:           cloneMap(t.users),
		terms:           cloneMap(t.terms),
		guardians:       cloneMap(t.guardians),
		students:        cloneMap(t.students),
		components:      cloneMap(t.components),
		classDefaults:   cloneMap(t.classDefaults),
		studentItems:    cloneMap(t.studentItems),
		discounts:       cloneMap(t.discounts),
		invoices:        cloneMap(t.invoices),
		payments:        cloneMap(t.payments),
		mpesaPayments:   cloneMap(t.mpesaPayments),
		paypalOrders:    cloneMap(t.paypalOrders),
		entries:         cloneMap(t.entries),
		creditOps:       cloneMap(t.creditOps),
		creditTransfers: cloneMap(t.creditTransfers),
		reminderLogs:    cloneMap(t.reminderLogs),
		approvals:       cloneMap(t.approvals),
		recoveryActions: cloneMap(t.recoveryActions),
		auditEntries:    cloneMap(t.auditEntries),
		chunks:          cloneMap(t.chunks),
		proofs:          cloneMap(t.proofs),
	}
}

func (db *DB) snapshot() tables {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.t.clone()
}

func (db *DB) restore(t tables) {
	db.mu.Lock()
	db.t = t
	db.mu.Unlock()
}

// Transactor restores every table to its state before WithinTx when the unit of work fails.
// IDs handed out meanwhile are not reused, like database sequences.
type Transactor struct {
	db *DB
}

var _ core.Transactor = (*Transactor)(nil)

func NewTransactor(db *DB) *Transactor {
	return &Transactor{db: db}
}

func (tx *Transactor) WithinTx(_ context.Context, fn func(exec core.DBExecutor) error) error {
	snap := tx.db.snapshot()
	if err := fn(nil); err != nil {
		tx.db.restore(snap)
		return err
	}
	return nil
}

// helpers

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

func limit[T any](items []T, n int) []T {
	if n > 0 && len(items) > n {
		return items[:n]
	}
	return items
}

// orderBy sorts `items` by the orderings known to `cmps`, breaking ties with `fallback`.
func orderBy[T any](items []T, ordering []core.DBOrdering, cmps map[string]func(a, b T) int, fallback func(a, b T) int) {
	sort.SliceStable(items, func(i, j int) bool {
		for _, ord := range ordering {
			cmp, ok := cmps[ord.Field]
			if !ok {
				continue
			}
			c := cmp(items[i], items[j])
			if !ord.Ascending {
				c = -c
			}
			if c != 0 {
				return c < 0
			}
		}
		return fallback(items[i], items[j]) < 0
	})
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpString(a, b string) int {
	return strings.Compare(strings.ToLower(a), strings.ToLower(b))
}
