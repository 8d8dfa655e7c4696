// Package apperr defines the error taxonomy shared by the trading and compliance services.
package apperr

import (
	"fmt"
	"strings"
)

// Kind classifies an error for propagation and HTTP mapping.
type Kind string

const (
	KindValidation          Kind = "VALIDATION_ERROR"
	KindInsufficientBalance Kind = "INSUFFICIENT_BALANCE"
	KindNotOwner            Kind = "NOT_OWNER"
	KindNotFound            Kind = "NOT_FOUND"
	KindConflict            Kind = "CONFLICT"
	KindComplianceBlocked   Kind = "COMPLIANCE_BLOCKED"
	KindExecutionFailure    Kind = "EXECUTION_FAILURE"
	KindPriceUnavailable    Kind = "PRICE_UNAVAILABLE"
)

// Travel Rule fields required for transactions at or above the reporting threshold.
var TravelRuleFields = []string{
	"originatorName",
	"originatorAddress",
	"beneficiaryName",
	"beneficiaryAddress",
	"transactionPurpose",
}

// Error is a business error carrying a machine readable code and the fields a caller must supply.
type Error struct {
	Kind    Kind                   `json:"kind"`
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Fields  []string               `json:"fields,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s [%s]", e.Code, e.Message, strings.Join(e.Fields, ", "))
}

// Is matches on Kind, and on Code when the target sets one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// WithMessage returns a copy of e with a specific message.
func (e *Error) WithMessage(format string, args ...interface{}) *Error {
	cp := *e
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

// WithFields returns a copy of e naming the offending or required fields.
func (e *Error) WithFields(fields ...string) *Error {
	cp := *e
	cp.Fields = append([]string(nil), fields...)
	return &cp
}

// WithDetail returns a copy of e with an extra detail entry.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	cp := *e
	cp.Details = make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

var (
	ErrValidation           = &Error{Kind: KindValidation, Code: "ValidationError", Message: "invalid request"}
	ErrInvalidOrderType     = &Error{Kind: KindValidation, Code: "InvalidOrderType", Message: "unsupported order type"}
	ErrMissingRequiredParam = &Error{Kind: KindValidation, Code: "MissingRequiredParam", Message: "missing required parameter"}
	ErrInsufficientBalance  = &Error{Kind: KindInsufficientBalance, Code: "InsufficientBalance", Message: "insufficient available balance"}
	ErrNotOwner             = &Error{Kind: KindNotOwner, Code: "NotOwner", Message: "order belongs to another user"}
	ErrNotFound             = &Error{Kind: KindNotFound, Code: "NotFound", Message: "resource not found"}
	ErrOrderNotActive       = &Error{Kind: KindConflict, Code: "OrderNotActive", Message: "order is already in a terminal state"}
	ErrInvalidTransition    = &Error{Kind: KindConflict, Code: "InvalidStatusTransition", Message: "status transition not allowed"}

	ErrTravelRuleRequired = &Error{
		Kind:    KindComplianceBlocked,
		Code:    "TRAVEL_RULE_REQUIRED",
		Message: "travel rule information is required for this transaction",
		Fields:  TravelRuleFields,
	}
	ErrInvalidTravelRuleData = &Error{Kind: KindValidation, Code: "InvalidTravelRuleData", Message: "travel rule payload is incomplete"}
	ErrManualReviewRequired  = &Error{Kind: KindComplianceBlocked, Code: "MANUAL_REVIEW_REQUIRED", Message: "transaction blocked pending manual review"}

	ErrExecutionFailure = &Error{Kind: KindExecutionFailure, Code: "ExecutionFailure", Message: "order execution failed"}
	ErrPriceUnavailable = &Error{Kind: KindPriceUnavailable, Code: "PriceUnavailable", Message: "no market price available"}
)

// Validation builds a validation error for the named field.
func Validation(field, format string, args ...interface{}) *Error {
	return ErrValidation.WithMessage(format, args...).WithFields(field)
}

// MissingParam builds a MissingRequiredParam error for the named field.
func MissingParam(field string) *Error {
	return ErrMissingRequiredParam.WithMessage("%s is required", field).WithFields(field)
}
