package tokens

import "time"

// Buffer is subtracted from a token's lifetime when deciding expiry.
const Buffer = 30 * time.Second

// IsExpired reports true when claims are absent, carry no expiry, or expire
// at or before now+Buffer.
func IsExpired(claims *Claims, now time.Time) bool {
	if claims == nil || claims.ExpiresAt == nil {
		return true
	}
	return !claims.ExpiresAt.Time.After(now.Add(Buffer))
}
