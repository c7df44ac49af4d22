package httpapi

import (
	stderrors "errors"
	"net/http"
	"strconv"
	"time"

	"github.com/plaza-social/plaza/internal/app/services/email"
	"github.com/plaza-social/plaza/internal/app/services/inbound"
	"github.com/plaza-social/plaza/internal/app/services/livestream"
	"github.com/plaza-social/plaza/internal/app/services/messaging"
	"github.com/plaza-social/plaza/internal/app/services/notify"
	"github.com/plaza-social/plaza/internal/app/services/push"
	"github.com/plaza-social/plaza/internal/app/services/scheduler"
	"github.com/plaza-social/plaza/internal/app/services/social"
	storagesvc "github.com/plaza-social/plaza/internal/app/services/storage"
	"github.com/plaza-social/plaza/internal/app/services/wallet"
	"github.com/plaza-social/plaza/internal/database"
	"github.com/plaza-social/plaza/internal/errors"
	"github.com/plaza-social/plaza/internal/httputil"
	"github.com/plaza-social/plaza/supabase/client"
)

// sentinel maps a domain error to its API error.
type sentinel struct {
	err  error
	make func(error) *errors.ServiceError
}

func badRequest(err error) *errors.ServiceError { return errors.BadRequest(err.Error()) }
func forbidden(err error) *errors.ServiceError  { return errors.Forbidden(err.Error()) }
func conflict(err error) *errors.ServiceError   { return errors.Conflict(err.Error()) }
func unavailable(err error) *errors.ServiceError {
	return errors.Unavailable(err.Error(), nil)
}

var sentinels = []sentinel{
	{database.ErrNotFound, func(error) *errors.ServiceError { return errors.NotFound("Resource") }},
	{database.ErrConflict, conflict},

	{messaging.ErrSelfThread, badRequest},
	{messaging.ErrBlocked, forbidden},
	{messaging.ErrNotParticipant, func(error) *errors.ServiceError { return errors.NotFound("Conversation") }},
	{messaging.ErrNotRecipient, forbidden},
	{messaging.ErrNotPending, conflict},
	{messaging.ErrThreadClosed, forbidden},
	{messaging.ErrEmptyBody, badRequest},
	{messaging.ErrBodyTooLong, badRequest},

	{wallet.ErrTopUpRequired, func(err error) *errors.ServiceError { return errors.PaymentRequired(err.Error()) }},
	{wallet.ErrTopUpNotPending, conflict},
	{wallet.ErrDuplicateTopUp, conflict},
	{wallet.ErrAmountOutOfRange, badRequest},
	{wallet.ErrCurrency, badRequest},
	{wallet.ErrMissingReference, func(err error) *errors.ServiceError { return errors.Validation("reference", err.Error()) }},
	{wallet.ErrReceiptRejected, func(err error) *errors.ServiceError {
		return errors.Validation("receipt_path", err.Error())
	}},
	{wallet.ErrInsufficientFunds, func(err error) *errors.ServiceError { return errors.PaymentRequired(err.Error()) }},
	{wallet.ErrInvalidTransfer, badRequest},
	{wallet.ErrBlocked, forbidden},

	{social.ErrSelf, badRequest},
	{social.ErrBlocked, forbidden},
	{social.ErrForbidden, forbidden},
	{social.ErrNotMember, forbidden},
	{social.ErrOwnerCannotLeave, conflict},
	{social.ErrInvalidRole, badRequest},
	{social.ErrInvalidSlug, func(err error) *errors.ServiceError { return errors.Validation("slug", err.Error()) }},
	{social.ErrSlugTaken, conflict},
	{social.ErrEmptyPost, badRequest},
	{social.ErrPostTooLong, badRequest},

	{livestream.ErrNotHost, forbidden},
	{livestream.ErrNotMember, forbidden},
	{livestream.ErrEventClosed, conflict},
	{livestream.ErrUnavailable, unavailable},
	{livestream.ErrWebhookNotConfigured, unavailable},
	{livestream.ErrInvalidEvent, badRequest},
	{livestream.ErrInvalidSignature, func(err error) *errors.ServiceError { return errors.Unauthorized(err.Error()) }},
	{livestream.ErrInvalidWebhook, badRequest},

	{inbound.ErrUnauthorized, func(err error) *errors.ServiceError { return errors.Unauthorized(err.Error()) }},
	{inbound.ErrUnavailable, unavailable},
	{inbound.ErrInvalidPayload, badRequest},

	{storagesvc.ErrTooLarge, badRequest},
	{storagesvc.ErrEmptyFile, badRequest},
	{storagesvc.ErrNotOwner, forbidden},
	{storagesvc.ErrUnavailable, unavailable},

	{notify.ErrInvalidNotification, badRequest},
	{push.ErrNotConfigured, unavailable},
	{push.ErrInvalidSubscription, badRequest},
	{email.ErrNotConfigured, unavailable},
	{email.ErrInvalidToken, badRequest},

	{scheduler.ErrUnknownJob, func(error) *errors.ServiceError { return errors.NotFound("Job") }},
}

// apiError converts err to a ServiceError. Unknown errors pass through and
// are reported as 500 by httputil.WriteError.
func apiError(err error) error {
	if se := errors.GetServiceError(err); se != nil {
		return se
	}

	var notReady *wallet.BonusNotReadyError
	if stderrors.As(err, &notReady) {
		return errors.TooEarly("Bonus is not ready yet").
			WithDetails("next_at", notReady.NextAt.UTC().Format(time.RFC3339)).
			WithDetails("retry_after_seconds", retrySeconds(notReady.RetryAfter))
	}
	var quota *storagesvc.QuotaError
	if stderrors.As(err, &quota) {
		return errors.QuotaExceeded(quota.Used, quota.Limit)
	}
	if stderrors.Is(err, storagesvc.ErrQuotaExceeded) {
		return errors.QuotaExceeded(0, 0)
	}

	for _, s := range sentinels {
		if stderrors.Is(err, s.err) {
			return s.make(err)
		}
	}

	var remote *client.Error
	if stderrors.Is(err, client.ErrCircuitOpen) || stderrors.As(err, &remote) && remote.StatusCode >= 500 {
		return errors.Unavailable("Database temporarily unavailable", err)
	}
	return err
}

// writeError writes err as an API error, adding Retry-After for bonus
// timers.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	mapped := apiError(err)
	if se := errors.GetServiceError(mapped); se != nil && se.Code == errors.CodeTooEarly {
		if secs, ok := se.Details["retry_after_seconds"].(int); ok {
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
	}
	httputil.WriteError(w, r, mapped)
}

func retrySeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// statusOf returns the HTTP status err is reported with.
func statusOf(err error) int {
	if se := errors.GetServiceError(apiError(err)); se != nil {
		return se.HTTPStatus
	}
	return http.StatusInternalServerError
}
