package api

import (
	"strings"

	"github.com/pyneda/rodwarden/db"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func NewErrorResponse(err string, details ...string) ErrorResponse {
	return ErrorResponse{Error: err, Message: strings.Join(details, " ")}
}

// WorkersResponse is the body of FindWorkers.
type WorkersResponse struct {
	Data  []*db.WorkerRecord `json:"data"`
	Count int                `json:"count"`
}
