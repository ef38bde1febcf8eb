package model

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the canonical calendar-date representation used for posting and as-of dates.
const DateLayout = "2006-01-02"

// EventTypeJournalEntryPosted is the event folded into balances by the projection.
const EventTypeJournalEntryPosted = "journal.entry.posted"

// JournalEntryPosted is the payload of a journal.entry.posted event.
type JournalEntryPosted struct {
	EntryID     string        `json:"entry_id"`
	PostingDate string        `json:"posting_date"`
	Lines       []JournalLine `json:"lines"`
}

// JournalLine is one debit or credit against an account.
type JournalLine struct {
	AccountCode  string `json:"account_code"`
	AccountName  string `json:"account_name"`
	CurrencyCode string `json:"currency_code"`
	DebitMinor   int64  `json:"debit_minor"`
	CreditMinor  int64  `json:"credit_minor"`
}

// ParsePostingDate parses the entry's posting date.
func (j *JournalEntryPosted) ParsePostingDate() (time.Time, error) {
	d, err := time.Parse(DateLayout, j.PostingDate)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: posting date %q: %v", ErrInvalidArgument, j.PostingDate, err)
	}

	return d, nil
}

// Validate checks the entry has lines and that debits equal credits per currency.
func (j *JournalEntryPosted) Validate() error {
	if _, err := j.ParsePostingDate(); err != nil {
		return err
	}

	if len(j.Lines) == 0 {
		return fmt.Errorf("%w: journal entry %s has no lines", ErrInvalidArgument, j.EntryID)
	}

	net := make(map[string]int64)
	for i, l := range j.Lines {
		if strings.TrimSpace(l.AccountCode) == "" || strings.TrimSpace(l.CurrencyCode) == "" {
			return fmt.Errorf("%w: line %d: account code and currency are required", ErrInvalidArgument, i)
		}
		if l.DebitMinor < 0 || l.CreditMinor < 0 {
			return fmt.Errorf("%w: line %d: amounts must not be negative", ErrInvalidArgument, i)
		}
		net[strings.ToUpper(l.CurrencyCode)] += l.DebitMinor - l.CreditMinor
	}

	for currency, v := range net {
		if v != 0 {
			return fmt.Errorf("%w: journal entry %s is unbalanced in %s by %d", ErrInvalidArgument, j.EntryID, currency, v)
		}
	}

	return nil
}

// Movements returns one balance movement per line (debit minus credit).
func (j *JournalEntryPosted) Movements(tenantID string, at time.Time) ([]BalanceMovement, error) {
	date, err := j.ParsePostingDate()
	if err != nil {
		return nil, err
	}

	out := make([]BalanceMovement, 0, len(j.Lines))
	for _, l := range j.Lines {
		out = append(out, BalanceMovement{
			TenantID:     tenantID,
			AccountCode:  l.AccountCode,
			AccountName:  l.AccountName,
			CurrencyCode: strings.ToUpper(l.CurrencyCode),
			PostingDate:  date,
			AmountMinor:  l.DebitMinor - l.CreditMinor,
			LastUpdated:  at,
		})
	}

	return out, nil
}

// AccountBalance is a materialized balance. Mutated only by projection materialization.
type AccountBalance struct {
	AccountCode       string    `json:"account_code"`
	AccountName       string    `json:"account_name"`
	BalanceMinorUnits int64     `json:"balance_minor_units"`
	CurrencyCode      string    `json:"currency_code"`
	AsOfDate          time.Time `json:"as_of_date"`
	TenantID          string    `json:"tenant_id"`
	LastUpdated       time.Time `json:"last_updated"`
}

// Key identifies the balance inside an ordered set.
func (b AccountBalance) Key() BalanceKey {
	return BalanceKey{AccountCode: b.AccountCode, CurrencyCode: b.CurrencyCode}
}

// BalanceKey orders balances by account code, then currency.
type BalanceKey struct {
	AccountCode  string
	CurrencyCode string
}

// Less reports whether k sorts before other.
func (k BalanceKey) Less(other BalanceKey) bool {
	if k.AccountCode != other.AccountCode {
		return k.AccountCode < other.AccountCode
	}

	return k.CurrencyCode < other.CurrencyCode
}

// BalanceSet is the canonical, deterministically ordered collection of balances.
// Iteration order never depends on insertion order.
type BalanceSet struct {
	items []AccountBalance
}

// NewBalanceSet builds a set from balances in any order. Later duplicates replace earlier ones.
func NewBalanceSet(balances ...AccountBalance) *BalanceSet {
	s := &BalanceSet{items: make([]AccountBalance, 0, len(balances))}
	for _, b := range balances {
		s.Put(b)
	}

	return s
}

// Put inserts or replaces a balance keeping the set sorted.
func (s *BalanceSet) Put(b AccountBalance) {
	key := b.Key()
	i := sort.Search(len(s.items), func(i int) bool {
		return !s.items[i].Key().Less(key)
	})

	if i < len(s.items) && s.items[i].Key() == key {
		s.items[i] = b
		return
	}

	s.items = append(s.items, AccountBalance{})
	copy(s.items[i+1:], s.items[i:])
	s.items[i] = b
}

// Get returns the balance for the key.
func (s *BalanceSet) Get(key BalanceKey) (AccountBalance, bool) {
	i := sort.Search(len(s.items), func(i int) bool {
		return !s.items[i].Key().Less(key)
	})
	if i < len(s.items) && s.items[i].Key() == key {
		return s.items[i], true
	}

	return AccountBalance{}, false
}

// Len returns the number of balances.
func (s *BalanceSet) Len() int {
	if s == nil {
		return 0
	}

	return len(s.items)
}

// All returns a copy of the balances in canonical order.
func (s *BalanceSet) All() []AccountBalance {
	if s == nil {
		return nil
	}

	out := make([]AccountBalance, len(s.items))
	copy(out, s.items)

	return out
}

// BalanceMovement is the net change of one account on one posting date.
type BalanceMovement struct {
	TenantID     string    `json:"tenant_id"`
	AccountCode  string    `json:"account_code"`
	AccountName  string    `json:"account_name"`
	CurrencyCode string    `json:"currency_code"`
	PostingDate  time.Time `json:"posting_date"`
	AmountMinor  int64     `json:"amount_minor"`
	LastUpdated  time.Time `json:"last_updated"`
}

// MovementKey identifies a movement bucket.
type MovementKey struct {
	AccountCode  string
	CurrencyCode string
	PostingDate  string
}

// Key returns the bucket key of the movement.
func (m BalanceMovement) Key() MovementKey {
	return MovementKey{
		AccountCode:  m.AccountCode,
		CurrencyCode: m.CurrencyCode,
		PostingDate:  m.PostingDate.Format(DateLayout),
	}
}

// SortMovements orders movements canonically (account, currency, posting date).
func SortMovements(ms []BalanceMovement) {
	sort.Slice(ms, func(i, j int) bool {
		a, b := ms[i].Key(), ms[j].Key()
		if a.AccountCode != b.AccountCode {
			return a.AccountCode < b.AccountCode
		}
		if a.CurrencyCode != b.CurrencyCode {
			return a.CurrencyCode < b.CurrencyCode
		}

		return a.PostingDate < b.PostingDate
	})
}

var currencyExponents = map[string]int{
	"BHD": 3, "IQD": 3, "JOD": 3, "KWD": 3, "LYD": 3, "OMR": 3, "TND": 3,
	"BIF": 0, "CLP": 0, "DJF": 0, "GNF": 0, "ISK": 0, "JPY": 0, "KMF": 0, "KRW": 0,
	"PYG": 0, "RWF": 0, "UGX": 0, "VND": 0, "VUV": 0, "XAF": 0, "XOF": 0, "XPF": 0,
}

// CurrencyExponent returns the number of minor-unit digits for an ISO 4217 code (default 2).
func CurrencyExponent(currency string) int {
	if exp, ok := currencyExponents[strings.ToUpper(currency)]; ok {
		return exp
	}

	return 2
}

// FormatMinor renders minor units as a fixed-point decimal string, e.g. 12345 USD -> "123.45".
func FormatMinor(minor int64, currency string) string {
	exp := CurrencyExponent(currency)

	neg := minor < 0
	digits := strconv.FormatUint(absInt64(minor), 10)
	if exp > 0 {
		if len(digits) <= exp {
			digits = strings.Repeat("0", exp-len(digits)+1) + digits
		}
		digits = digits[:len(digits)-exp] + "." + digits[len(digits)-exp:]
	}

	if neg {
		return "-" + digits
	}

	return digits
}

func absInt64(v int64) uint64 {
	if v < 0 {
		return uint64(-(v + 1)) + 1
	}

	return uint64(v)
}
