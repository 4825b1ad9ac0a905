package shared

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// OrganizationHeader carries the tenant of an API request.
const OrganizationHeader = "X-Organization-ID"

type organizationContextKey struct{}

// ContextWithOrganization stores the organization in context.
func ContextWithOrganization(ctx context.Context, organizationID uuid.UUID) context.Context {
	return context.WithValue(ctx, organizationContextKey{}, organizationID)
}

// OrganizationFromContext extracts the organization from context.
func OrganizationFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(organizationContextKey{}).(uuid.UUID)
	return id, ok && id != uuid.Nil
}

// OrganizationFromRequest parses the organization header.
func OrganizationFromRequest(r *http.Request) (uuid.UUID, error) {
	raw := strings.TrimSpace(r.Header.Get(OrganizationHeader))
	if raw == "" {
		return uuid.Nil, ErrOrganizationMissing
	}
	id, err := uuid.Parse(raw)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, ErrOrganizationInvalid
	}
	return id, nil
}
