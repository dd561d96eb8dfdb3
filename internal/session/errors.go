package session

import "errors"

var (
	// ErrInvalidCredential covers unknown emails and wrong passwords. The
	// two are deliberately indistinguishable to callers.
	ErrInvalidCredential = errors.New("session: invalid credentials")
	// ErrAccountLocked means the actor is inside a lockout window.
	ErrAccountLocked = errors.New("session: account locked")
	// ErrTokenExpired means the token or its session is past expiry.
	ErrTokenExpired = errors.New("session: token expired")
	// ErrTokenRevoked means the backing session was revoked.
	ErrTokenRevoked = errors.New("session: token revoked")
	// ErrTokenInvalid covers malformed tokens, bad signatures and tokens
	// whose session no longer exists.
	ErrTokenInvalid = errors.New("session: token invalid")
)
