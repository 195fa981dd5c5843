package api

import (
	"encoding/json"
	"net/http"

	"OpenAgent-Runtime/internal/agent"
	xerrors "OpenAgent-Runtime/internal/errors"
	"OpenAgent-Runtime/internal/job"
	"OpenAgent-Runtime/internal/runtime"
	"OpenAgent-Runtime/internal/state"
)

// statusFor 将错误码映射为 HTTP 状态码。
func statusFor(code xerrors.Code) int {
	switch code {
	case agent.CodeBusy, xerrors.CodeConflict, job.CodeJobConflict:
		return http.StatusConflict
	case agent.CodeUnsupportedTask, xerrors.CodeInvalidArgument, job.CodeJobValidation:
		return http.StatusBadRequest
	case runtime.CodeAgentNotFound, job.CodeJobNotFound, xerrors.CodeNotFound:
		return http.StatusNotFound
	case agent.CodeNotReady, state.CodeStoreUnavailable, job.CodeJobPublish, job.CodeJobStorage:
		return http.StatusServiceUnavailable
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case agent.CodeHandlerFailure:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error *runtime.ErrorInfo `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	info := runtime.ErrorInfoFrom(err)
	writeJSON(w, statusFor(info.Code), errorBody{Error: info})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: &runtime.ErrorInfo{
		Code:    xerrors.CodeInvalidArgument,
		Message: message,
	}})
}
