// Package apperr defines the error taxonomy shared by the governance gates
// and the reconciliation engine, and renders it as HTTP responses.
//
//	AuthorizationError   no tenant context, bad credential, insufficient role   401/403
//	BillingError         no subscription, quota exceeded                        402/403
//	ReconciliationError  bad webhook signature/payload, chain query failure     400 (webhook) / swallowed (poll)
//	AuditWriteError      audit persistence failed                               never surfaced
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Code is a machine-readable error code returned to clients.
type Code string

const (
	CodeUnauthenticated     Code = "UNAUTHENTICATED"
	CodeTenantRequired      Code = "TENANT_REQUIRED"
	CodeInsufficientRole    Code = "INSUFFICIENT_ROLE"
	CodeNoSubscription      Code = "NO_ACTIVE_SUBSCRIPTION"
	CodeQuotaExceeded       Code = "QUOTA_EXCEEDED"
	CodeQuotaBusy           Code = "QUOTA_BUSY"
	CodeInvalidSignature    Code = "INVALID_SIGNATURE"
	CodeMalformedEvent      Code = "MALFORMED_EVENT"
	CodeDeliveryInProgress  Code = "DELIVERY_IN_PROGRESS"
	CodeChainUnavailable    Code = "CHAIN_UNAVAILABLE"
	CodePaymentExpired      Code = "PAYMENT_EXPIRED"
	CodePaymentMismatch     Code = "PAYMENT_MISMATCH"
	CodeInvalidRequest      Code = "INVALID_REQUEST"
	CodeNotFound            Code = "NOT_FOUND"
	CodeConflict            Code = "CONFLICT"
	CodeInternal            Code = "INTERNAL_ERROR"
	CodeServiceUnavailable  Code = "SERVICE_UNAVAILABLE"
	CodeUnsupportedResource Code = "UNSUPPORTED_RESOURCE"
)

// AuthorizationError means the caller may not perform the request.
// It is never retried automatically.
type AuthorizationError struct {
	Code    Code
	Message string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("authorization: %s: %s", e.Code, e.Message)
}

// Status maps the error to an HTTP status.
func (e *AuthorizationError) Status() int {
	if e.Code == CodeUnauthenticated {
		return http.StatusUnauthorized
	}
	return http.StatusForbidden
}

// BillingError means the tenant's plan does not allow the request.
type BillingError struct {
	Code     Code
	Resource string
	Limit    int
	Usage    int
}

func (e *BillingError) Error() string {
	if e.Code == CodeQuotaExceeded {
		return fmt.Sprintf("billing: %s: %s usage %d reached limit %d", e.Code, e.Resource, e.Usage, e.Limit)
	}
	return fmt.Sprintf("billing: %s", e.Code)
}

// Status maps the error to an HTTP status.
func (e *BillingError) Status() int {
	if e.Code == CodeNoSubscription {
		return http.StatusPaymentRequired
	}
	return http.StatusForbidden
}

// ReconciliationError wraps a failure while converging with a payment rail.
type ReconciliationError struct {
	Code Code
	Op   string
	Err  error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("reconcile %s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *ReconciliationError) Unwrap() error { return e.Err }

// Status maps the error to an HTTP status.
func (e *ReconciliationError) Status() int {
	switch e.Code {
	case CodeInvalidSignature, CodeMalformedEvent:
		return http.StatusBadRequest
	case CodeDeliveryInProgress:
		return http.StatusConflict
	case CodePaymentExpired:
		return http.StatusGone
	case CodePaymentMismatch:
		return http.StatusUnprocessableEntity
	case CodeChainUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// AuditWriteError is logged and counted by the audit recorder, never returned
// to a caller.
type AuditWriteError struct {
	Err error
}

func (e *AuditWriteError) Error() string { return "audit write: " + e.Err.Error() }

func (e *AuditWriteError) Unwrap() error { return e.Err }

// Constructors keep call sites short.

func Unauthenticated(msg string) error {
	return &AuthorizationError{Code: CodeUnauthenticated, Message: msg}
}

func TenantRequired() error {
	return &AuthorizationError{Code: CodeTenantRequired, Message: "request has no tenant context"}
}

func InsufficientRole(need string) error {
	return &AuthorizationError{Code: CodeInsufficientRole, Message: "requires role " + need}
}

func NoSubscription() error {
	return &BillingError{Code: CodeNoSubscription}
}

func QuotaExceeded(resource string, limit, usage int) error {
	return &BillingError{Code: CodeQuotaExceeded, Resource: resource, Limit: limit, Usage: usage}
}

func Reconcile(code Code, op string, err error) error {
	return &ReconciliationError{Code: code, Op: op, Err: err}
}

// IsCode reports whether err (or anything it wraps) carries code.
func IsCode(err error, code Code) bool {
	var ae *AuthorizationError
	if errors.As(err, &ae) {
		return ae.Code == code
	}
	var be *BillingError
	if errors.As(err, &be) {
		return be.Code == code
	}
	var re *ReconciliationError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// Respond aborts the gin request with the JSON rendering of err.
// Errors outside the taxonomy become a generic 500.
func Respond(c *gin.Context, err error) {
	var ae *AuthorizationError
	if errors.As(err, &ae) {
		c.AbortWithStatusJSON(ae.Status(), gin.H{"error": ae.Code, "message": ae.Message})
		return
	}

	var be *BillingError
	if errors.As(err, &be) {
		body := gin.H{"error": be.Code, "message": billingMessage(be)}
		if be.Code == CodeQuotaExceeded {
			body["resource"] = be.Resource
			body["limit"] = be.Limit
			body["usage"] = be.Usage
		}
		c.AbortWithStatusJSON(be.Status(), body)
		return
	}

	var re *ReconciliationError
	if errors.As(err, &re) {
		c.AbortWithStatusJSON(re.Status(), gin.H{"error": re.Code, "message": re.Err.Error()})
		return
	}

	Abort(c, http.StatusInternalServerError, CodeInternal, "an unexpected error occurred")
}

// Abort writes a plain coded error.
func Abort(c *gin.Context, status int, code Code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": code, "message": msg})
}

func billingMessage(e *BillingError) string {
	if e.Code == CodeNoSubscription {
		return "no active subscription; choose a plan to continue"
	}
	return fmt.Sprintf("plan limit reached for %s (%d); upgrade to create more", e.Resource, e.Limit)
}
