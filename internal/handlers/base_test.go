package handlers

import (
	"fmt"
	"net/http"
	"testing"

	"devpath/internal/services"
	"devpath/internal/store"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&services.ValidationError{Field: "title", Message: "required"}, http.StatusBadRequest},
		{services.ErrConfirmationRequired, http.StatusPreconditionFailed},
		{services.ErrNotElevated, http.StatusForbidden},
		{services.ErrAdminKeyRequired, http.StatusForbidden},
		{services.ErrInvalidAdminKey, http.StatusUnauthorized},
		{services.ErrRateLimited, http.StatusTooManyRequests},
		{&services.ConfigurationMissingError{Message: "no key"}, http.StatusServiceUnavailable},
		{fmt.Errorf("load: %w", store.ErrNotFound), http.StatusNotFound},
		{services.ErrJobNotFound, http.StatusNotFound},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
