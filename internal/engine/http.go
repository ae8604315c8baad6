package engine

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/vortex/perp-engine/internal/model"
	"github.com/vortex/perp-engine/internal/msg"
	"github.com/vortex/perp-engine/internal/pair"
	"github.com/vortex/perp-engine/internal/risk"
	"github.com/vortex/perp-engine/internal/signed"
	"github.com/vortex/perp-engine/internal/store"
)

// ExecuteRequest is the JSON body for POST /api/v1/execute.
type ExecuteRequest struct {
	Sender string         `json:"sender"`
	Funds  []msg.Coin     `json:"funds"`
	Msg    msg.ExecuteMsg `json:"msg"`
}

// --- HTTP Handlers ---

// HandleExecute handles POST /api/v1/execute
func (s *Service) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := decodeStrict(r, &req); err != nil {
		writeError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Sender == "" {
		writeError(w, "sender is required", http.StatusBadRequest)
		return
	}
	s.respond(w, r, "execute")(s.Execute(r.Context(), req.Sender, req.Funds, req.Msg))
}

// HandleSudo handles POST /api/v1/sudo. Unknown fields are ignored so newer
// venue payloads still decode.
func (s *Service) HandleSudo(w http.ResponseWriter, r *http.Request) {
	var m msg.SudoMsg
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		writeError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	s.respond(w, r, "sudo")(s.Sudo(r.Context(), m))
}

// HandleQuery handles POST /api/v1/query
func (s *Service) HandleQuery(w http.ResponseWriter, r *http.Request) {
	var m msg.QueryMsg
	if err := decodeStrict(r, &m); err != nil {
		writeError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	s.respond(w, r, "query")(s.Query(r.Context(), m))
}

// respond returns a sink for a (result, error) pair that writes the JSON
// result or the mapped error status.
func (s *Service) respond(w http.ResponseWriter, r *http.Request, kind string) func(any, error) {
	return func(result any, err error) {
		if err != nil {
			status := statusFor(err)
			if status >= http.StatusInternalServerError {
				s.log.Error(kind+" failed",
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.Error(err),
				)
			}
			writeError(w, err.Error(), status)
			return
		}
		if result == nil {
			result = struct{}{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(result)
	}
}

func decodeStrict(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// statusFor maps engine errors to HTTP status codes. Malformed messages are
// 400, authorization failures 403, missing records 404, unserved variants 501
// and business-rule rejections 409.
func statusFor(err error) int {
	var insufficient *model.InsufficientOpenPositionError
	switch {
	case errors.Is(err, msg.ErrEmptyMessage), errors.Is(err, msg.ErrAmbiguousMessage),
		errors.Is(err, msg.ErrInvalidOrderData), errors.Is(err, msg.ErrInvalidCoin),
		errors.Is(err, pair.ErrDenomTooLong), errors.Is(err, pair.ErrInvalidDenom),
		errors.Is(err, ErrInvalidParam), errors.Is(err, ErrInvalidAccount),
		errors.Is(err, signed.ErrRangeExceeded), errors.Is(err, signed.ErrDivideByZero):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound), errors.Is(err, ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, msg.ErrUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, ErrNotConfigured):
		return http.StatusServiceUnavailable
	case errors.As(err, &insufficient),
		errors.Is(err, ErrInsufficientBalance), errors.Is(err, ErrInsufficientMargin),
		errors.Is(err, ErrUnsupportedDenom), errors.Is(err, ErrInvalidLeverage),
		errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrInvalidPrice),
		errors.Is(err, ErrUnknownOrderType), errors.Is(err, ErrUnknownDirection),
		errors.Is(err, ErrUnknownEffect), errors.Is(err, ErrDuplicateOrder),
		errors.Is(err, risk.ErrPairLimitExceeded), errors.Is(err, risk.ErrDenomLimitExceeded):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
