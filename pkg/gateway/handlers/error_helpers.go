package handlers

import (
	"net/http"

	"github.com/vango-go/vai-callbridge/pkg/gateway/apierror"
	"github.com/vango-go/vai-callbridge/pkg/gateway/mw"
)

func requestIDFrom(r *http.Request) string {
	id, _ := mw.RequestIDFrom(r.Context())
	return id
}

func writeErrorJSON(w http.ResponseWriter, r *http.Request, err error) {
	apiErr, status := apierror.FromError(err, requestIDFrom(r))
	apierror.Write(w, status, apiErr)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allow string) {
	w.Header().Set("Allow", allow)
	apierror.Write(w, http.StatusMethodNotAllowed, &apierror.Error{
		Type:      apierror.ErrInvalidRequest,
		Message:   "method not allowed",
		Code:      "method_not_allowed",
		RequestID: requestIDFrom(r),
	})
}
