package api

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/atmx/dual-engine/internal/model"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: vault", model.ErrUnauthorized), http.StatusUnauthorized},
		{fmt.Errorf("%w: amount", model.ErrSizeOutOfBounds), http.StatusBadRequest},
		{fmt.Errorf("%w: position", model.ErrNotFound), http.StatusNotFound},
		{model.Reject("paused"), http.StatusConflict},
		{model.ErrAlreadySettled, http.StatusConflict},
		{model.ErrReentrant, http.StatusConflict},
		{model.ErrCapacityShortfall, http.StatusServiceUnavailable},
		{model.ErrSwapFailure, http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("%v: expected %d, got %d", tt.err, tt.want, got)
		}
	}
}
