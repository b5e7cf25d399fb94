package memstore

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/tix-reserve/internal/domain"
	"github.com/kirinyoku/tix-reserve/internal/repository"
)

type inventoryRepo struct {
	st  *state
	now func() time.Time
}

func (r *inventoryRepo) Tier(_ context.Context, eventID int64, name string) (domain.Tier, error) {
	t, ok := r.st.tiers[tierKey{eventID, name}]
	if !ok {
		return domain.Tier{}, fmt.Errorf("memstore.Tier:%w", repository.ErrNotFound)
	}
	return t, nil
}

func (r *inventoryRepo) Tiers(_ context.Context, eventID int64) ([]domain.Tier, error) {
	var out []domain.Tier
	for k, t := range r.st.tiers {
		if k.eventID == eventID {
			out = append(out, t)
		}
	}

	slices.SortFunc(out, func(a, b domain.Tier) int {
		if c := cmp.Compare(b.Price, a.Price); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})

	return out, nil
}

func (r *inventoryRepo) Hold(_ context.Context, eventID int64, tier string, quantity int) (domain.SeatReservation, error) {
	const op = "memstore.Hold"

	k := tierKey{eventID, tier}
	t, ok := r.st.tiers[k]
	if !ok {
		return domain.SeatReservation{}, fmt.Errorf("%s:%w", op, repository.ErrNotFound)
	}
	if t.Held+t.Sold+quantity > t.Capacity {
		return domain.SeatReservation{}, fmt.Errorf("%s:%w", op, repository.ErrNoCapacity)
	}

	t.Held += quantity
	put(r.st, r.st.tiers, k, t)

	now := r.now()
	res := domain.SeatReservation{
		ID:        uuid.New(),
		EventID:   eventID,
		Tier:      tier,
		Quantity:  quantity,
		State:     domain.ReservationHeld,
		CreatedAt: now,
		UpdatedAt: now,
	}
	put(r.st, r.st.reservations, res.ID, res)

	return res, nil
}

func (r *inventoryRepo) Release(_ context.Context, id uuid.UUID) error {
	const op = "memstore.Release"

	res, ok := r.st.reservations[id]
	if !ok {
		return fmt.Errorf("%s:%w", op, repository.ErrNotFound)
	}
	if res.State != domain.ReservationHeld {
		return nil
	}

	r.settle(res, domain.ReservationReleased, -res.Quantity, 0)

	return nil
}

func (r *inventoryRepo) Commit(_ context.Context, id uuid.UUID) error {
	const op = "memstore.Commit"

	res, ok := r.st.reservations[id]
	if !ok {
		return fmt.Errorf("%s:%w", op, repository.ErrNotFound)
	}

	switch res.State {
	case domain.ReservationCommitted:
		return nil
	case domain.ReservationReleased:
		return fmt.Errorf("%s:%w", op, repository.ErrAlreadyReleased)
	}

	r.settle(res, domain.ReservationCommitted, -res.Quantity, res.Quantity)

	return nil
}

func (r *inventoryRepo) settle(res domain.SeatReservation, to domain.ReservationState, heldDelta, soldDelta int) {
	k := tierKey{res.EventID, res.Tier}
	t := r.st.tiers[k]
	t.Held += heldDelta
	t.Sold += soldDelta
	put(r.st, r.st.tiers, k, t)

	res.State = to
	res.UpdatedAt = r.now()
	put(r.st, r.st.reservations, res.ID, res)
}

type transactionRepo struct {
	st *state
}

func (r *transactionRepo) Create(_ context.Context, t domain.Transaction) error {
	if _, ok := r.st.transactions[t.ID]; ok {
		return fmt.Errorf("memstore.CreateTransaction:%w", repository.ErrConflict)
	}
	if _, ok := r.st.reservations[t.ReservationID]; !ok {
		return fmt.Errorf("memstore.CreateTransaction:%w", repository.ErrNotFound)
	}

	put(r.st, r.st.transactions, t.ID, t)

	return nil
}

func (r *transactionRepo) Get(_ context.Context, id uuid.UUID) (domain.Transaction, error) {
	t, ok := r.st.transactions[id]
	if !ok {
		return domain.Transaction{}, fmt.Errorf("memstore.GetTransaction:%w", repository.ErrNotFound)
	}
	return t, nil
}

// GetForUpdate needs no row lock: the unit of work already runs exclusively.
func (r *transactionRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (domain.Transaction, error) {
	return r.Get(ctx, id)
}

func (r *transactionRepo) Transition(_ context.Context, id uuid.UUID, from, to domain.TxStatus, at time.Time) error {
	t, ok := r.st.transactions[id]
	if !ok {
		return fmt.Errorf("memstore.Transition:%w", repository.ErrNotFound)
	}
	if t.Status != from {
		return fmt.Errorf("memstore.Transition:%w", repository.ErrStaleState)
	}

	t.Status = to
	t.UpdatedAt = at
	put(r.st, r.st.transactions, id, t)

	return nil
}

func (r *transactionRepo) ListOverdue(_ context.Context, before time.Time, limit int) ([]uuid.UUID, error) {
	var overdue []domain.Transaction
	for _, t := range r.st.transactions {
		if t.Status == domain.StatusPending && t.PaymentDeadline.Before(before) {
			overdue = append(overdue, t)
		}
	}

	slices.SortFunc(overdue, func(a, b domain.Transaction) int {
		return a.PaymentDeadline.Compare(b.PaymentDeadline)
	})

	if limit > 0 && len(overdue) > limit {
		overdue = overdue[:limit]
	}

	ids := make([]uuid.UUID, 0, len(overdue))
	for _, t := range overdue {
		ids = append(ids, t.ID)
	}

	return ids, nil
}

func (r *transactionRepo) HasPaid(_ context.Context, userID, eventID int64) (bool, error) {
	for _, t := range r.st.transactions {
		if t.UserID == userID && t.EventID == eventID && t.Status == domain.StatusPaid {
			return true, nil
		}
	}
	return false, nil
}

type ticketRepo struct {
	st *state
}

func (r *ticketRepo) Issue(_ context.Context, tickets []domain.Ticket) error {
	for _, t := range tickets {
		if _, ok := r.st.tickets[t.ID]; ok {
			return fmt.Errorf("memstore.Issue:%w", repository.ErrConflict)
		}
		put(r.st, r.st.tickets, t.ID, t)
	}
	return nil
}

func (r *ticketRepo) ByTransaction(_ context.Context, txID uuid.UUID) ([]domain.Ticket, error) {
	var out []domain.Ticket
	for _, t := range r.st.tickets {
		if t.TransactionID == txID {
			out = append(out, t)
		}
	}

	slices.SortFunc(out, func(a, b domain.Ticket) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID.String(), b.ID.String())
	})

	return out, nil
}

func (r *ticketRepo) CheckIn(_ context.Context, id uuid.UUID, at time.Time) (domain.Ticket, error) {
	t, ok := r.st.tickets[id]
	if !ok {
		return domain.Ticket{}, fmt.Errorf("memstore.CheckIn:%w", repository.ErrNotFound)
	}
	if t.Used {
		return domain.Ticket{}, fmt.Errorf("memstore.CheckIn:%w", repository.ErrConflict)
	}

	t.Used = true
	t.UsedAt = &at
	put(r.st, r.st.tickets, id, t)

	return t, nil
}

type loyaltyRepo struct {
	st  *state
	now func() time.Time
}

func activeAt(pt domain.PointTransaction, at time.Time) bool {
	return pt.Amount > 0 &&
		pt.Remaining > 0 &&
		!pt.IsExpired &&
		(pt.ExpiresAt == nil || pt.ExpiresAt.After(at))
}

func (r *loyaltyRepo) Balance(_ context.Context, userID int64, at time.Time) (int64, error) {
	var sum int64
	for _, pt := range r.st.points {
		if pt.UserID == userID && activeAt(pt, at) {
			sum += pt.Remaining
		}
	}
	return sum, nil
}

func (r *loyaltyRepo) ActiveGrants(_ context.Context, userID int64, at time.Time) ([]domain.PointTransaction, error) {
	var out []domain.PointTransaction
	for _, pt := range r.st.points {
		if pt.UserID == userID && activeAt(pt, at) {
			out = append(out, pt)
		}
	}

	slices.SortFunc(out, func(a, b domain.PointTransaction) int {
		if c := cmp.Compare(expiryKey(a), expiryKey(b)); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	return out, nil
}

func expiryKey(pt domain.PointTransaction) int64 {
	if pt.ExpiresAt == nil {
		return math.MaxInt64
	}
	return pt.ExpiresAt.UnixNano()
}

func (r *loyaltyRepo) Insert(_ context.Context, pt domain.PointTransaction) (int64, error) {
	if pt.TransactionID != nil {
		for _, existing := range r.st.points {
			if existing.TransactionID != nil && *existing.TransactionID == *pt.TransactionID {
				return 0, fmt.Errorf("memstore.InsertPoints:%w", repository.ErrConflict)
			}
		}
	}

	pt.ID = r.st.next(&r.st.nextPointID)
	if pt.CreatedAt.IsZero() {
		pt.CreatedAt = r.now()
	}
	put(r.st, r.st.points, pt.ID, pt)

	return pt.ID, nil
}

func (r *loyaltyRepo) AdjustRemaining(_ context.Context, grantID, delta int64) error {
	pt, ok := r.st.points[grantID]
	if !ok || pt.Remaining+delta < 0 {
		return fmt.Errorf("memstore.AdjustRemaining:%w", repository.ErrConflict)
	}

	pt.Remaining += delta
	put(r.st, r.st.points, grantID, pt)

	return nil
}

func (r *loyaltyRepo) Allocate(_ context.Context, a domain.PointAllocation) error {
	put(r.st, r.st.allocations, a.DebitID, append(slices.Clip(r.st.allocations[a.DebitID]), a))
	return nil
}

func (r *loyaltyRepo) Allocations(_ context.Context, debitID int64) ([]domain.PointAllocation, error) {
	return slices.Clone(r.st.allocations[debitID]), nil
}

func (r *loyaltyRepo) DebitByTransaction(_ context.Context, txID uuid.UUID) (domain.PointTransaction, error) {
	for _, pt := range r.st.points {
		if pt.TransactionID != nil && *pt.TransactionID == txID {
			return pt, nil
		}
	}
	return domain.PointTransaction{}, fmt.Errorf("memstore.DebitByTransaction:%w", repository.ErrNotFound)
}

func (r *loyaltyRepo) SetStatus(_ context.Context, id int64, status domain.PointStatus) error {
	pt, ok := r.st.points[id]
	if !ok {
		return fmt.Errorf("memstore.SetStatus:%w", repository.ErrNotFound)
	}

	pt.Status = status
	put(r.st, r.st.points, id, pt)

	return nil
}

func (r *loyaltyRepo) ExpireGrants(_ context.Context, at time.Time) (int64, int64, error) {
	var grants, points int64
	for id, pt := range r.st.points {
		if pt.Amount <= 0 || pt.IsExpired || pt.ExpiresAt == nil || pt.ExpiresAt.After(at) {
			continue
		}

		pt.IsExpired = true
		put(r.st, r.st.points, id, pt)

		grants++
		points += pt.Remaining
	}

	return grants, points, nil
}

type catalogRepo struct {
	st  *state
	now func() time.Time
}

func (r *catalogRepo) CreateEvent(_ context.Context, e domain.Event, tiers []domain.Tier) (int64, error) {
	seen := make(map[string]struct{}, len(tiers))
	for _, t := range tiers {
		if _, dup := seen[t.Name]; dup {
			return 0, fmt.Errorf("memstore.CreateEvent:%w", repository.ErrConflict)
		}
		seen[t.Name] = struct{}{}
	}

	e.ID = r.st.next(&r.st.nextEventID)
	e.CreatedAt = r.now()
	put(r.st, r.st.events, e.ID, e)

	for _, t := range tiers {
		put(r.st, r.st.tiers, tierKey{e.ID, t.Name}, domain.Tier{
			EventID:  e.ID,
			Name:     t.Name,
			Price:    t.Price,
			Capacity: t.Capacity,
		})
	}

	return e.ID, nil
}

func (r *catalogRepo) Event(_ context.Context, id int64) (domain.Event, error) {
	e, ok := r.st.events[id]
	if !ok {
		return domain.Event{}, fmt.Errorf("memstore.Event:%w", repository.ErrNotFound)
	}
	return e, nil
}

func (r *catalogRepo) CreateCoupon(_ context.Context, c domain.Coupon) error {
	if _, ok := r.st.coupons[c.Code]; ok {
		return fmt.Errorf("memstore.CreateCoupon:%w", repository.ErrConflict)
	}
	put(r.st, r.st.coupons, c.Code, c)
	return nil
}

func (r *catalogRepo) Coupon(_ context.Context, code string) (domain.Coupon, error) {
	c, ok := r.st.coupons[code]
	if !ok {
		return domain.Coupon{}, fmt.Errorf("memstore.Coupon:%w", repository.ErrNotFound)
	}
	return c, nil
}

func (r *catalogRepo) CreatePromotion(_ context.Context, p domain.Promotion) error {
	if _, ok := r.st.promotions[p.Code]; ok {
		return fmt.Errorf("memstore.CreatePromotion:%w", repository.ErrConflict)
	}
	if p.EventID != nil {
		if _, ok := r.st.events[*p.EventID]; !ok {
			return fmt.Errorf("memstore.CreatePromotion:%w", repository.ErrNotFound)
		}
	}
	put(r.st, r.st.promotions, p.Code, p)
	return nil
}

func (r *catalogRepo) Promotion(_ context.Context, code string) (domain.Promotion, error) {
	p, ok := r.st.promotions[code]
	if !ok {
		return domain.Promotion{}, fmt.Errorf("memstore.Promotion:%w", repository.ErrNotFound)
	}
	return p, nil
}

func (r *catalogRepo) RecomputeAverageRating(_ context.Context, eventID int64) (float64, error) {
	e, ok := r.st.events[eventID]
	if !ok {
		return 0, fmt.Errorf("memstore.RecomputeAverageRating:%w", repository.ErrNotFound)
	}

	var sum, n int
	for k, rating := range r.st.reviews {
		if k.eventID == eventID {
			sum += rating
			n++
		}
	}

	e.AverageRating = 0
	if n > 0 {
		e.AverageRating = math.Round(float64(sum)/float64(n)*100) / 100
	}
	put(r.st, r.st.events, eventID, e)

	return e.AverageRating, nil
}
