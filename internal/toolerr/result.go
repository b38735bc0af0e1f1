package toolerr

import "errors"

// Result is the structured failure shape returned to callers instead of
// raw errors.
type Result struct {
	Success bool         `json:"success"`
	Error   *ResultError `json:"error,omitempty"`
}

// ResultError is the error payload of a failed Result.
type ResultError struct {
	Code    Code              `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// ToResult renders err as a failed Result. A nil error renders as success.
func ToResult(err error) Result {
	if err == nil {
		return Result{Success: true}
	}
	re := &ResultError{Code: CodeInternal, Message: err.Error()}
	var te *Error
	if errors.As(err, &te) {
		re.Code = te.Code
		re.Message = te.Message
		if re.Message == "" && te.Err != nil {
			re.Message = te.Err.Error()
		}
		re.Details = te.Details
	}
	return Result{Success: false, Error: re}
}
