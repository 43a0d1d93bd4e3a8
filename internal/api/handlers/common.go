package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/retracehq/retrace/internal/faults"
)

type APIError struct {
	Code    faults.Kind `json:"code"`
	Message string      `json:"message"`
}

func writeError(c *gin.Context, err error) {
	status := faults.HTTPStatus(err)

	var f *faults.Fault
	if errors.As(err, &f) {
		c.JSON(status, APIError{
			Code:    f.Kind,
			Message: f.Message,
		})
		return
	}

	c.JSON(status, APIError{
		Code:    faults.KindInternal,
		Message: http.StatusText(status),
	})
}
