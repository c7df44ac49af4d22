package errors

import (
	"fmt"
	"net/http"
	"testing"
)

func TestConstructors_Status(t *testing.T) {
	cases := []struct {
		err    *ServiceError
		status int
		code   ErrorCode
	}{
		{BadRequest("x"), http.StatusBadRequest, CodeBadRequest},
		{Validation("body", "too long"), http.StatusBadRequest, CodeValidation},
		{Unauthorized(""), http.StatusUnauthorized, CodeUnauthorized},
		{InvalidToken(nil), http.StatusUnauthorized, CodeInvalidToken},
		{Forbidden(""), http.StatusForbidden, CodeForbidden},
		{NotFound("thread"), http.StatusNotFound, CodeNotFound},
		{Conflict("dup"), http.StatusConflict, CodeConflict},
		{PaymentRequired("top up"), http.StatusPaymentRequired, CodePaymentRequired},
		{QuotaExceeded(10, 5), http.StatusRequestEntityTooLarge, CodeQuotaExceeded},
		{RateLimitExceeded(10, "1s"), http.StatusTooManyRequests, CodeRateLimitExceeded},
		{TooEarly("wait"), http.StatusTooEarly, CodeTooEarly},
		{Internal("boom", nil), http.StatusInternalServerError, CodeInternal},
	}
	for _, tc := range cases {
		if tc.err.HTTPStatus != tc.status || tc.err.Code != tc.code {
			t.Errorf("%v: status=%d code=%s, want %d %s", tc.err, tc.err.HTTPStatus, tc.err.Code, tc.status, tc.code)
		}
	}
}

func TestGetServiceError_Unwraps(t *testing.T) {
	inner := NotFound("post")
	wrapped := fmt.Errorf("load: %w", inner)

	if got := GetServiceError(wrapped); got != inner {
		t.Fatalf("GetServiceError() = %v, want %v", got, inner)
	}
	if GetServiceError(New("plain")) != nil {
		t.Error("GetServiceError(plain) should be nil")
	}
}

func TestWithDetails(t *testing.T) {
	err := QuotaExceeded(200, 100)
	if err.Details["used_bytes"] != int64(200) || err.Details["limit_bytes"] != int64(100) {
		t.Errorf("Details = %v", err.Details)
	}
	if NotFound("x").Message != "x not found" {
		t.Error("unexpected NotFound message")
	}
}
