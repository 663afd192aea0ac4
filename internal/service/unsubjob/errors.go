package unsubjob

import "errors"

// Sentinel errors for the unsubscribe job service layer.
var (
	ErrJobNotFound       = errors.New("unsubscribe job not found")
	ErrEmailNotFound     = errors.New("email not found")
	ErrJobNotCancellable = errors.New("job is not in a cancellable state")
	ErrDuplicateJob      = errors.New("an active unsubscribe job already exists for this email")
	ErrNoUnsubscribeURL  = errors.New("no unsubscribe link found in message")
	ErrNoMailProvider    = errors.New("no mail provider configured")
)
