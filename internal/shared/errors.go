package shared

import "errors"

var (
	// ErrOrganizationMissing occurs when a request carries no organization header.
	ErrOrganizationMissing = errors.New("organization header missing")
	// ErrOrganizationInvalid occurs when the organization header is not a uuid.
	ErrOrganizationInvalid = errors.New("organization header invalid")
)
