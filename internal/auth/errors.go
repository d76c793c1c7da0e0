package auth

import "errors"

// Error taxonomy for the registration and authentication flows. Handlers map
// these to stable HTTP statuses; anything not listed here is an internal
// failure.
var (
	// ErrInvalidUsername indicates the requested display name is out of bounds.
	ErrInvalidUsername = errors.New("invalid username")

	// ErrUsernameTaken indicates another identity already holds the name.
	ErrUsernameTaken = errors.New("username already taken")

	// ErrRegisterSelfOnly indicates an authenticated caller tried to register
	// a credential under someone else's name.
	ErrRegisterSelfOnly = errors.New("may only register credentials for yourself")

	// ErrAlreadySignedIn indicates an authenticated caller tried to start a
	// fresh authentication ceremony.
	ErrAlreadySignedIn = errors.New("already signed in")

	// ErrCorruptSession indicates no live ceremony state exists for the
	// caller's session. Expired, replayed, and never-started ceremonies all
	// surface as this.
	ErrCorruptSession = errors.New("corrupt session")

	// ErrCredentialMismatch indicates the submitted credential response could
	// not be parsed or does not name a usable credential.
	ErrCredentialMismatch = errors.New("credential mismatch")

	// ErrUserNotFound indicates the asserted (user, credential) pair is not
	// registered. Deliberately indistinguishable for an unknown user vs an
	// unknown credential.
	ErrUserNotFound = errors.New("user not found")

	// ErrVerificationFailed indicates the ceremony's cryptographic
	// verification rejected the response.
	ErrVerificationFailed = errors.New("verification failed")

	// ErrStoreUnavailable indicates a persistence failure unrelated to the
	// caller's input.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrInvalidSession indicates a missing, malformed, expired, or forged
	// session cookie.
	ErrInvalidSession = errors.New("invalid session")
)
