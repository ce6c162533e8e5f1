package domain

// ReservationState tracks a credit hold through settlement.
type ReservationState string

const (
	ReservationReserved  ReservationState = "RESERVED"
	ReservationCommitted ReservationState = "COMMITTED"
	ReservationReleased  ReservationState = "RELEASED"
)

// CreditAccount is a tenant balance. Balance is spendable, Held is reserved
// by in-flight jobs and Spent is what committed reservations debited.
type CreditAccount struct {
	TenantID string `json:"tenantId"`
	Balance  int64  `json:"balance"`
	Held     int64  `json:"held"`
	Spent    int64  `json:"spent"`
}

// SettlementError maps a reservation that is no longer RESERVED to the error
// a second settlement attempt reports.
func SettlementError(state ReservationState) error {
	switch state {
	case ReservationCommitted:
		return ErrAlreadyCommitted
	case ReservationReleased:
		return ErrReservationReleased
	default:
		return nil
	}
}
