package notify

import (
	"context"
	"time"
)

// NewIPAlert describes a successful login from an address different from
// the one recorded at the previous login.
type NewIPAlert struct {
	UserID     string    `json:"user_id"`
	Email      string    `json:"email"`
	Username   string    `json:"username"`
	IP         string    `json:"ip"`
	PreviousIP string    `json:"previous_ip"`
	UserAgent  string    `json:"user_agent"`
	At         time.Time `json:"at"`
}

type Notifier interface {
	NotifyNewIP(ctx context.Context, alert NewIPAlert) error
}

// Noop drops every alert.
type Noop struct{}

func (Noop) NotifyNewIP(context.Context, NewIPAlert) error {
	return nil
}
