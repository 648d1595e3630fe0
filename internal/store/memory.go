package store

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/loan-ingest/internal/model"
)

// MemoryStore is an in-process Store for tests and dry runs. Writers are
// serialized; a transaction works on a copy of the data that replaces the
// live copy on commit.
type MemoryStore struct {
	txMu sync.Mutex

	mu         sync.RWMutex
	data       *memData
	quarantine map[string]model.QuarantinedRow
	qOrder     []string
	audit      []model.AuditLog

	now func() time.Time
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		data:       newMemData(),
		quarantine: make(map[string]model.QuarantinedRow),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Migrate(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) WithTx(ctx context.Context, _ string, fn func(tx Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return eris.Wrap(err, "memory: begin tx")
	}

	s.mu.RLock()
	work := s.data.clone()
	s.mu.RUnlock()

	if err := fn(&memTx{data: work, now: s.now}); err != nil {
		return err
	}

	s.mu.Lock()
	s.data = work
	s.mu.Unlock()
	return nil
}

// --- customers and loans (reads) ---

func (s *MemoryStore) GetCustomer(_ context.Context, agencyID, id string) (*model.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.getCustomer(agencyID, id)
}

func (s *MemoryStore) FindCustomerByPhone(_ context.Context, agencyID, phone string) (*model.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.findCustomer(agencyID, func(c model.Customer) bool { return phone != "" && c.Phone == phone }), nil
}

func (s *MemoryStore) FindCustomerByNRC(_ context.Context, agencyID, nrc string) (*model.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.findCustomer(agencyID, func(c model.Customer) bool { return nrc != "" && c.NRC == nrc }), nil
}

func (s *MemoryStore) ListCustomers(_ context.Context, agencyID string) ([]model.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.listCustomers(agencyID), nil
}

func (s *MemoryStore) GetLoan(_ context.Context, agencyID, id string) (*model.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.getLoan(agencyID, id)
}

func (s *MemoryStore) ListLoansByStatus(_ context.Context, agencyID string, status model.LoanStatus) ([]model.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.listLoans(agencyID, status), nil
}

// --- customers and loans (writes run as single-statement transactions) ---

func (s *MemoryStore) CreateCustomer(ctx context.Context, c *model.Customer) error {
	return s.WithTx(ctx, c.AgencyID, func(tx Tx) error { return tx.CreateCustomer(ctx, c) })
}

func (s *MemoryStore) IncrementCustomerAggregates(ctx context.Context, agencyID, id string, loans int, amount decimal.Decimal) error {
	return s.WithTx(ctx, agencyID, func(tx Tx) error {
		return tx.IncrementCustomerAggregates(ctx, agencyID, id, loans, amount)
	})
}

func (s *MemoryStore) CreateLoan(ctx context.Context, l *model.Loan) error {
	return s.WithTx(ctx, l.AgencyID, func(tx Tx) error { return tx.CreateLoan(ctx, l) })
}

func (s *MemoryStore) AssignLoanCustomer(ctx context.Context, agencyID, loanID, customerID string) error {
	return s.WithTx(ctx, agencyID, func(tx Tx) error {
		return tx.AssignLoanCustomer(ctx, agencyID, loanID, customerID)
	})
}

// --- quarantine ---

func (s *MemoryStore) CreateQuarantined(_ context.Context, rows []model.QuarantinedRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for i := range rows {
		r := &rows[i]
		if r.ID == "" {
			r.ID = uuid.New().String()
		}
		if r.Status == "" {
			r.Status = model.QuarantinePending
		}
		r.CreatedAt, r.UpdatedAt = now, now
		if _, exists := s.quarantine[r.ID]; !exists {
			s.qOrder = append(s.qOrder, r.ID)
		}
		s.quarantine[r.ID] = cloneQuarantined(*r)
	}
	return nil
}

func (s *MemoryStore) GetQuarantined(_ context.Context, agencyID, id string) (*model.QuarantinedRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.quarantine[id]
	if !ok || r.AgencyID != agencyID {
		return nil, eris.Wrapf(ErrNotFound, "memory: quarantined row %s", id)
	}
	out := cloneQuarantined(r)
	return &out, nil
}

func (s *MemoryStore) ListQuarantined(_ context.Context, agencyID string, filter QuarantineFilter) ([]model.QuarantinedRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.QuarantinedRow
	skipped := 0
	for _, id := range s.qOrder {
		r, ok := s.quarantine[id]
		if !ok || r.AgencyID != agencyID {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if filter.BatchID != "" && r.ImportBatchID != filter.BatchID {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		out = append(out, cloneQuarantined(r))
		if len(out) == listLimit(filter.Limit) {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) UpdateQuarantined(_ context.Context, row *model.QuarantinedRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.quarantine[row.ID]
	if !ok || existing.AgencyID != row.AgencyID {
		return eris.Wrapf(ErrNotFound, "memory: quarantined row %s", row.ID)
	}
	row.CreatedAt = existing.CreatedAt
	row.UpdatedAt = s.now()
	s.quarantine[row.ID] = cloneQuarantined(*row)
	return nil
}

func (s *MemoryStore) DeleteQuarantined(_ context.Context, agencyID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.quarantine[id]
	if !ok || r.AgencyID != agencyID {
		return eris.Wrapf(ErrNotFound, "memory: quarantined row %s", id)
	}
	delete(s.quarantine, id)
	s.qOrder = slices.DeleteFunc(s.qOrder, func(q string) bool { return q == id })
	return nil
}

// --- audit ---

func (s *MemoryStore) WriteAuditLog(_ context.Context, log model.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log.Errors = slices.Clone(log.Errors)
	s.audit = append(s.audit, log)
	return nil
}

func (s *MemoryStore) ListAuditLogs(_ context.Context, agencyID string, limit int) ([]model.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit = listLimit(limit)
	var out []model.AuditLog
	for i := len(s.audit) - 1; i >= 0 && len(out) < limit; i-- {
		if s.audit[i].AgencyID == agencyID {
			out = append(out, s.audit[i])
		}
	}
	return out, nil
}

// memTx is the transactional view handed to WithTx callbacks.
type memTx struct {
	data *memData
	now  func() time.Time
}

func (t *memTx) CreateCustomer(_ context.Context, c *model.Customer) error {
	return t.data.createCustomer(c, t.now())
}

func (t *memTx) GetCustomer(_ context.Context, agencyID, id string) (*model.Customer, error) {
	return t.data.getCustomer(agencyID, id)
}

func (t *memTx) FindCustomerByPhone(_ context.Context, agencyID, phone string) (*model.Customer, error) {
	return t.data.findCustomer(agencyID, func(c model.Customer) bool { return phone != "" && c.Phone == phone }), nil
}

func (t *memTx) FindCustomerByNRC(_ context.Context, agencyID, nrc string) (*model.Customer, error) {
	return t.data.findCustomer(agencyID, func(c model.Customer) bool { return nrc != "" && c.NRC == nrc }), nil
}

func (t *memTx) ListCustomers(_ context.Context, agencyID string) ([]model.Customer, error) {
	return t.data.listCustomers(agencyID), nil
}

func (t *memTx) IncrementCustomerAggregates(_ context.Context, agencyID, id string, loans int, amount decimal.Decimal) error {
	c, ok := t.data.customers[id]
	if !ok || c.AgencyID != agencyID {
		return eris.Wrapf(ErrNotFound, "memory: customer %s", id)
	}
	c.LoanCount += loans
	c.TotalBorrowed = c.TotalBorrowed.Add(amount)
	t.data.customers[id] = c
	return nil
}

func (t *memTx) CreateLoan(_ context.Context, l *model.Loan) error {
	return t.data.createLoan(l, t.now())
}

func (t *memTx) GetLoan(_ context.Context, agencyID, id string) (*model.Loan, error) {
	return t.data.getLoan(agencyID, id)
}

func (t *memTx) ListLoansByStatus(_ context.Context, agencyID string, status model.LoanStatus) ([]model.Loan, error) {
	return t.data.listLoans(agencyID, status), nil
}

func (t *memTx) AssignLoanCustomer(_ context.Context, agencyID, loanID, customerID string) error {
	l, ok := t.data.loans[loanID]
	if !ok || l.AgencyID != agencyID {
		return eris.Wrapf(ErrNotFound, "memory: loan %s", loanID)
	}
	if l.Status != model.LoanRequiresMapping {
		return eris.Wrapf(ErrConflict, "memory: loan %s is %s", loanID, l.Status)
	}
	l.CustomerID = customerID
	l.Status = model.LoanActive
	t.data.loans[loanID] = l
	return nil
}

// memData is the customer and loan state that transactions copy.
type memData struct {
	customers     map[string]model.Customer
	customerOrder []string
	loans         map[string]model.Loan
	loanOrder     []string
}

func newMemData() *memData {
	return &memData{
		customers: make(map[string]model.Customer),
		loans:     make(map[string]model.Loan),
	}
}

func (d *memData) clone() *memData {
	out := &memData{
		customers:     make(map[string]model.Customer, len(d.customers)),
		customerOrder: slices.Clone(d.customerOrder),
		loans:         make(map[string]model.Loan, len(d.loans)),
		loanOrder:     slices.Clone(d.loanOrder),
	}
	maps.Copy(out.customers, d.customers)
	maps.Copy(out.loans, d.loans)
	return out
}

func (d *memData) createCustomer(c *model.Customer, now time.Time) error {
	if c.Phone != "" && d.findCustomer(c.AgencyID, func(o model.Customer) bool { return o.Phone == c.Phone }) != nil {
		return eris.Wrapf(ErrDuplicate, "memory: phone %s", c.Phone)
	}
	if c.NRC != "" && d.findCustomer(c.AgencyID, func(o model.Customer) bool { return o.NRC == c.NRC }) != nil {
		return eris.Wrapf(ErrDuplicate, "memory: nrc %s", c.NRC)
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	d.customers[c.ID] = *c
	d.customerOrder = append(d.customerOrder, c.ID)
	return nil
}

func (d *memData) getCustomer(agencyID, id string) (*model.Customer, error) {
	c, ok := d.customers[id]
	if !ok || c.AgencyID != agencyID {
		return nil, eris.Wrapf(ErrNotFound, "memory: customer %s", id)
	}
	return &c, nil
}

func (d *memData) findCustomer(agencyID string, match func(model.Customer) bool) *model.Customer {
	for _, id := range d.customerOrder {
		c := d.customers[id]
		if c.AgencyID == agencyID && match(c) {
			return &c
		}
	}
	return nil
}

func (d *memData) listCustomers(agencyID string) []model.Customer {
	var out []model.Customer
	for _, id := range d.customerOrder {
		if c := d.customers[id]; c.AgencyID == agencyID {
			out = append(out, c)
		}
	}
	return out
}

func (d *memData) createLoan(l *model.Loan, now time.Time) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	if l.Status == "" {
		l.Status = model.LoanActive
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	d.loans[l.ID] = *l
	d.loanOrder = append(d.loanOrder, l.ID)
	return nil
}

func (d *memData) getLoan(agencyID, id string) (*model.Loan, error) {
	l, ok := d.loans[id]
	if !ok || l.AgencyID != agencyID {
		return nil, eris.Wrapf(ErrNotFound, "memory: loan %s", id)
	}
	return &l, nil
}

func (d *memData) listLoans(agencyID string, status model.LoanStatus) []model.Loan {
	var out []model.Loan
	for _, id := range d.loanOrder {
		l := d.loans[id]
		if l.AgencyID == agencyID && (status == "" || l.Status == status) {
			out = append(out, l)
		}
	}
	return out
}

func cloneQuarantined(r model.QuarantinedRow) model.QuarantinedRow {
	r.OriginalData = maps.Clone(r.OriginalData)
	r.CleanedData.Extra = maps.Clone(r.CleanedData.Extra)
	r.Reasons = slices.Clone(r.Reasons)
	return r
}
