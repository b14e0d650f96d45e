package auth

import "time"

// SetClock replaces the issuer clock in tests.
func (i *TokenIssuer) SetClock(now func() time.Time) { i.now = now }
