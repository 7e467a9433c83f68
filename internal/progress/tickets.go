package progress

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

const ticketAudience = "progress-stream"

// ErrInvalidTicket is returned for tickets that are malformed, expired, for
// another job, or already used.
var ErrInvalidTicket = errors.New("progress: invalid stream ticket")

// Ticket is a short-lived, single-use credential for the push channel.
type Ticket struct {
	Ticket    string    `json:"ticket"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Tickets issues and redeems HS256 stream tickets.
type Tickets struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time

	mu   sync.Mutex
	used map[string]time.Time // jti -> expiry
}

// NewTickets creates a ticket issuer. An empty secret generates a random one,
// which invalidates outstanding tickets on restart.
func NewTickets(secret []byte, ttl time.Duration) (*Tickets, error) {
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generating ticket secret: %w", err)
		}
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Tickets{
		secret: secret,
		ttl:    ttl,
		now:    time.Now,
		used:   make(map[string]time.Time),
	}, nil
}

// Issue signs a ticket for jobID.
func (t *Tickets) Issue(jobID string) (Ticket, error) {
	now := t.now()
	exp := now.Add(t.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   jobID,
		Audience:  jwt.ClaimStrings{ticketAudience},
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return Ticket{}, fmt.Errorf("signing ticket: %w", err)
	}
	return Ticket{Ticket: signed, ExpiresAt: exp}, nil
}

// Redeem validates a ticket for jobID and marks it used.
func (t *Tickets) Redeem(ticket, jobID string) error {
	var claims jwt.RegisteredClaims
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	tok, err := parser.ParseWithClaims(ticket, &claims, func(*jwt.Token) (interface{}, error) {
		return t.secret, nil
	})
	if err != nil || !tok.Valid {
		return ErrInvalidTicket
	}
	now := t.now()
	if claims.ExpiresAt == nil || !now.Before(claims.ExpiresAt.Time) {
		return ErrInvalidTicket
	}
	if !claims.VerifyAudience(ticketAudience, true) || claims.Subject != jobID || claims.ID == "" {
		return ErrInvalidTicket
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for jti, exp := range t.used {
		if now.After(exp) {
			delete(t.used, jti)
		}
	}
	if _, seen := t.used[claims.ID]; seen {
		return ErrInvalidTicket
	}
	t.used[claims.ID] = claims.ExpiresAt.Time
	return nil
}
