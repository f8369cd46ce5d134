package domain

import (
	"time"

	"github.com/google/uuid"
)

// EmailService is one outbound sending channel with its own daily quota and
// minimum send interval.
type EmailService struct {
	ID       uuid.UUID `json:"id" db:"id"`
	Name     string    `json:"name" db:"name"`
	Provider string    `json:"provider" db:"provider"` // "ses", "http", ...

	Enabled bool `json:"enabled" db:"enabled"`
	// Frozen is set automatically after too many consecutive failures and
	// cleared only by an operator; it removes the service from eligibility
	// without discarding its configuration.
	Frozen bool `json:"frozen" db:"frozen"`

	DailyQuota int `json:"daily_quota" db:"daily_quota"`
	UsedQuota  int `json:"used_quota" db:"used_quota"`

	SendIntervalMS      int       `json:"send_interval_ms" db:"send_interval_ms"`
	NextAvailableAt     time.Time `json:"next_available_at" db:"next_available_at"`
	ConsecutiveFailures int       `json:"consecutive_failures" db:"consecutive_failures"`

	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// SendInterval returns the minimum spacing between two sends on this service.
func (s *EmailService) SendInterval() time.Duration {
	return time.Duration(s.SendIntervalMS) * time.Millisecond
}

// RemainingQuota returns how many sends the service may still perform today.
func (s *EmailService) RemainingQuota() int {
	r := s.DailyQuota - s.UsedQuota
	if r < 0 {
		return 0
	}
	return r
}

// EligibleAt reports whether the service may accept a send at the given time.
func (s *EmailService) EligibleAt(now time.Time) bool {
	return s.Enabled && !s.Frozen && s.UsedQuota < s.DailyQuota && !now.Before(s.NextAvailableAt)
}

// Reservation is a time-boxed exclusive claim binding one SubTask to one
// Service. The service_id primary key in the backing table means a service
// holds at most one live reservation, which is the dispatcher's busy signal.
type Reservation struct {
	ServiceID  uuid.UUID `json:"service_id" db:"service_id"`
	SubTaskID  uuid.UUID `json:"subtask_id" db:"subtask_id"`
	ReservedBy string    `json:"reserved_by" db:"reserved_by"`
	ReservedAt time.Time `json:"reserved_at" db:"reserved_at"`
	ExpiresAt  time.Time `json:"expires_at" db:"expires_at"`
}

// Live reports whether the reservation has not yet expired.
func (r *Reservation) Live(now time.Time) bool {
	return now.Before(r.ExpiresAt)
}

// UserServiceMapping records which services a user is entitled to use.
type UserServiceMapping struct {
	UserID    uuid.UUID `json:"user_id" db:"user_id"`
	ServiceID uuid.UUID `json:"service_id" db:"service_id"`
}
