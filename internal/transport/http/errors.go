package httptransport

import (
	"errors"
	"net/http"

	"mailfeed/backend/internal/domain"
)

// errorStatus 业务错误 -> HTTP 状态码与提示信息
var errorStatus = []struct {
	err    error
	status int
	msg    string
}{
	{domain.ErrInvalidTitle, http.StatusUnprocessableEntity, MsgInvalidTitle},
	{domain.ErrFeedNotFound, http.StatusNotFound, MsgFeedNotFound},
	{domain.ErrEntryNotFound, http.StatusNotFound, MsgEntryNotFound},
	{domain.ErrStorage, http.StatusServiceUnavailable, MsgStorageUnavailable},
}

// classify 返回错误对应的状态码与提示信息，未知错误按内部错误处理
func classify(err error) (int, string) {
	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			return e.status, e.msg
		}
	}
	return http.StatusInternalServerError, MsgInternalError
}

// 通用错误消息
const (
	MsgInvalidRequest     = "invalid request body"
	MsgInvalidTitle       = "Feed name must be between 1 and 500 characters."
	MsgFeedNotFound       = "feed not found"
	MsgEntryNotFound      = "entry not found"
	MsgStorageUnavailable = "storage temporarily unavailable, please try again"
	MsgInternalError      = "internal server error, please try again later"
)
