package extchat

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/chamsddine/relay/internal/store"
)

// codeAlphabet omits 0/O/1/I/L so codes survive being read aloud or
// retyped from a phone screen.
const (
	codeAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"
	codeLength   = 8
	codeTTL      = 5 * time.Minute

	issueBurst = 3
	purgeEvery = 10 * time.Minute
)

// issueRate allows three codes per hour per user.
var issueRate = rate.Limit(float64(issueBurst) / time.Hour.Seconds())

// ErrIssueRateLimited rejects pairing-code requests past the per-user quota.
var ErrIssueRateLimited = errors.New("extchat: pairing code rate limit exceeded")

// PairingService issues short-lived pairing codes. Redemption lives in the
// store, where it shares a transaction with account creation.
type PairingService struct {
	store *store.Store
	log   zerolog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewPairingService(st *store.Store, log zerolog.Logger) *PairingService {
	return &PairingService{
		store:    st,
		log:      log.With().Str("component", "pairing").Logger(),
		limiters: make(map[string]*rate.Limiter),
	}
}

// IssuedCode is the handshake handed to the user: type the code into a
// paired platform within the expiry window.
type IssuedCode struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
	ExpiresIn int       `json:"expires_in"`
}

// Issue mints a fresh code for the user, retrying the unlikely collision
// with an existing unexpired code.
func (p *PairingService) Issue(ctx context.Context, userID string) (*IssuedCode, error) {
	if !p.limiter(userID).Allow() {
		return nil, ErrIssueRateLimited
	}
	for attempt := 0; attempt < 5; attempt++ {
		code, err := randomCode()
		if err != nil {
			return nil, err
		}
		err = p.store.CreatePairingCode(ctx, code, userID, codeTTL)
		if errors.Is(err, store.ErrCodeCollision) {
			continue
		}
		if err != nil {
			return nil, err
		}
		expires := time.Now().Add(codeTTL)
		return &IssuedCode{
			Code:      code,
			ExpiresAt: expires,
			ExpiresIn: int(codeTTL.Seconds()),
		}, nil
	}
	return nil, fmt.Errorf("extchat: could not mint a unique pairing code")
}

// PurgeLoop deletes used and expired codes until the context ends.
func (p *PairingService) PurgeLoop(ctx context.Context) {
	ticker := time.NewTicker(purgeEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.store.PurgeSpentCodes(ctx)
			if err != nil {
				p.log.Warn().Err(err).Msg("pairing code purge failed")
				continue
			}
			if n > 0 {
				p.log.Debug().Int64("codes", n).Msg("purged spent pairing codes")
			}
		}
	}
}

func (p *PairingService) limiter(userID string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[userID]
	if !ok {
		l = rate.NewLimiter(issueRate, issueBurst)
		p.limiters[userID] = l
	}
	return l
}

// randomCode draws codeLength characters from codeAlphabet. The 32-rune
// alphabet divides 256 evenly, so a plain modulus stays unbiased.
func randomCode() (string, error) {
	raw := make([]byte, codeLength)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("extchat: pairing code entropy: %w", err)
	}
	code := make([]byte, codeLength)
	for i, b := range raw {
		code[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(code), nil
}
