package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// ===== 共通エラーモデル =====
// 各ドメイン (catalog/borrowing/billing) で同じコード体系を使うため
// platform 配下に置く

type Code string

const (
	CodeInvalidArgument        Code = "INVALID_ARGUMENT"
	CodeNotFound               Code = "NOT_FOUND"
	CodeOutOfStock             Code = "OUT_OF_STOCK"
	CodeOutstandingDebt        Code = "OUTSTANDING_DEBT"
	CodePaymentRequired        Code = "PAYMENT_REQUIRED"
	CodeAlreadyReturned        Code = "ALREADY_RETURNED"
	CodeInvalidDueDate         Code = "INVALID_DUE_DATE"
	CodePaymentPortUnavailable Code = "PAYMENT_PORT_UNAVAILABLE"
	CodeConsistencyFault       Code = "CONSISTENCY_FAULT"
	CodeInternal               Code = "INTERNAL"
)

type APIError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	// 呼び出し側が次のアクションを取るための補助情報
	// 例: PAYMENT_REQUIRED なら決済セッションのURL
	Detail map[string]string `json:"detail,omitempty"`
}

func (e *APIError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func (e *APIError) WithDetail(key, value string) *APIError {
	if e.Detail == nil {
		e.Detail = map[string]string{}
	}
	e.Detail[key] = value
	return e
}

func ErrInvalid(msg string) *APIError  { return &APIError{Code: CodeInvalidArgument, Message: msg} }
func ErrNotFound(msg string) *APIError { return &APIError{Code: CodeNotFound, Message: msg} }
func ErrOutOfStock(msg string) *APIError {
	return &APIError{Code: CodeOutOfStock, Message: msg}
}
func ErrOutstandingDebt(msg string) *APIError {
	return &APIError{Code: CodeOutstandingDebt, Message: msg}
}
func ErrPaymentRequired(msg string) *APIError {
	return &APIError{Code: CodePaymentRequired, Message: msg}
}
func ErrAlreadyReturned(msg string) *APIError {
	return &APIError{Code: CodeAlreadyReturned, Message: msg}
}
func ErrInvalidDueDate(msg string) *APIError {
	return &APIError{Code: CodeInvalidDueDate, Message: msg}
}
func ErrPaymentPortUnavailable(msg string) *APIError {
	return &APIError{Code: CodePaymentPortUnavailable, Message: msg}
}
func ErrConsistencyFault(msg string) *APIError {
	return &APIError{Code: CodeConsistencyFault, Message: msg}
}
func ErrInternal(msg string) *APIError { return &APIError{Code: CodeInternal, Message: msg} }

type errorDTO struct {
	Error *APIError `json:"error"`
}

// Body はハンドラのエラーレスポンス用ボディを作る
func Body(err error) any {
	var api *APIError
	if errors.As(err, &api) {
		return errorDTO{Error: api}
	}
	return errorDTO{Error: ErrInternal(err.Error())}
}

// CodeOf は err に紐づくコードを返す。APIError 以外は INTERNAL 扱い。
func CodeOf(err error) Code {
	var api *APIError
	if errors.As(err, &api) {
		return api.Code
	}
	return CodeInternal
}

func ToHTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeInvalidArgument, CodeInvalidDueDate:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeOutOfStock, CodeOutstandingDebt, CodeAlreadyReturned:
		return http.StatusConflict
	case CodePaymentRequired:
		return http.StatusPaymentRequired
	case CodePaymentPortUnavailable:
		return http.StatusBadGateway
	case CodeConsistencyFault:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
