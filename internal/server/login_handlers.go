package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/dgellow/qrlogin/internal/idp"
	jsonwriter "github.com/dgellow/qrlogin/internal/json"
	"github.com/dgellow/qrlogin/internal/log"
	"github.com/dgellow/qrlogin/internal/login"
	"github.com/dgellow/qrlogin/internal/session"
	"github.com/go-playground/validator/v10"
)

const maxRequestBody = 64 << 10

// Initiator starts login attempts
type Initiator interface {
	Initiate(ctx context.Context) (*login.Initiation, error)
}

// Exchanger resolves provider callbacks
type Exchanger interface {
	Exchange(ctx context.Context, cb login.Callback) (*login.ExchangeResult, error)
}

// Poller answers browser polls
type Poller interface {
	Poll(ctx context.Context, state string) (*login.PollResult, error)
}

// LoginHandlers serves the QR login API
type LoginHandlers struct {
	initiator Initiator
	exchanger Exchanger
	poller    Poller
	validate  *validator.Validate
}

// NewLoginHandlers creates the QR login handlers
func NewLoginHandlers(initiator Initiator, exchanger Exchanger, poller Poller) *LoginHandlers {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	return &LoginHandlers{
		initiator: initiator,
		exchanger: exchanger,
		poller:    poller,
		validate:  validate,
	}
}

type qrResponse struct {
	Success   bool      `json:"success"`
	QRURL     string    `json:"qrUrl"`
	State     string    `json:"state"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type callbackPayload struct {
	Code             string `json:"code" validate:"required_without=Error"`
	State            string `json:"state" validate:"required"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

type callbackResponse struct {
	Success  bool            `json:"success"`
	Session  *session.Bundle `json:"session,omitempty"`
	UserInfo *idp.Identity   `json:"user_info,omitempty"`
	Error    string          `json:"error,omitempty"`
}

type pollPayload struct {
	State string `json:"state" validate:"required"`
}

type pollResponse struct {
	Success  bool             `json:"success"`
	Status   login.PollStatus `json:"status"`
	Token    *session.Bundle  `json:"token,omitempty"`
	UserInfo *idp.Identity    `json:"user_info,omitempty"`
	Message  string           `json:"message,omitempty"`
}

// QRHandler creates a login attempt and returns the URL to render as a QR code
func (h *LoginHandlers) QRHandler(w http.ResponseWriter, r *http.Request) {
	init, err := h.initiator.Initiate(r.Context())
	if err != nil {
		writeLoginError(w, err)
		return
	}

	_ = jsonwriter.Write(w, qrResponse{
		Success:   true,
		QRURL:     init.QRURL,
		State:     init.State,
		ExpiresAt: init.ExpiresAt,
	})
}

// CallbackHandler completes a login with the provider's code. POST takes a
// JSON body; GET takes the provider redirect's query string.
func (h *LoginHandlers) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	var payload callbackPayload
	if r.Method == http.MethodPost {
		if err := decodeBody(w, r, &payload); err != nil {
			jsonwriter.WriteBadRequest(w, err.Error())
			return
		}
	} else {
		q := r.URL.Query()
		payload = callbackPayload{
			Code:             q.Get("code"),
			State:            q.Get("state"),
			Error:            q.Get("error"),
			ErrorDescription: q.Get("error_description"),
		}
	}

	if err := h.validate.Struct(payload); err != nil {
		jsonwriter.WriteBadRequest(w, validationMessage(err))
		return
	}

	result, err := h.exchanger.Exchange(r.Context(), login.Callback{
		Code:             payload.Code,
		State:            payload.State,
		Error:            payload.Error,
		ErrorDescription: payload.ErrorDescription,
	})
	if err != nil {
		writeLoginError(w, err)
		return
	}

	switch result.Outcome {
	case login.OutcomeSuccess:
		_ = jsonwriter.Write(w, callbackResponse{
			Success:  true,
			Session:  result.Session,
			UserInfo: result.Profile,
		})
	case login.OutcomeDuplicate:
		_ = jsonwriter.Write(w, callbackResponse{Error: "login already resolved"})
	default:
		_ = jsonwriter.Write(w, callbackResponse{Error: result.Message})
	}
}

// PollHandler reports the status of a login attempt. The state comes from
// the query string or a JSON body.
func (h *LoginHandlers) PollHandler(w http.ResponseWriter, r *http.Request) {
	payload := pollPayload{State: r.URL.Query().Get("state")}
	if payload.State == "" && r.Method == http.MethodPost {
		if err := decodeBody(w, r, &payload); err != nil {
			jsonwriter.WriteBadRequest(w, err.Error())
			return
		}
	}

	if err := h.validate.Struct(payload); err != nil {
		jsonwriter.WriteBadRequest(w, validationMessage(err))
		return
	}

	result, err := h.poller.Poll(r.Context(), payload.State)
	if err != nil {
		writeLoginError(w, err)
		return
	}

	_ = jsonwriter.Write(w, pollResponse{
		Success:  true,
		Status:   result.Status,
		Token:    result.Session,
		UserInfo: result.Profile,
		Message:  result.Message,
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("request body is required")
		}
		return fmt.Errorf("invalid request body")
	}
	return nil
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "invalid request"
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fe.Field()+" is required")
		case "required_without":
			msgs = append(msgs, fe.Field()+" is required unless error is set")
		default:
			msgs = append(msgs, fe.Field()+" is invalid")
		}
	}
	return strings.Join(msgs, "; ")
}

// writeLoginError maps login errors to status codes. Causes are logged,
// never returned to the browser.
func writeLoginError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, login.ErrInvalidState):
		jsonwriter.WriteError(w, http.StatusBadRequest, "invalid_state", "State is missing or malformed")
	case errors.Is(err, login.ErrInvalidCallback):
		jsonwriter.WriteBadRequest(w, "Callback carries no authorization code")
	case errors.Is(err, login.ErrStateExpired):
		jsonwriter.WriteError(w, http.StatusBadRequest, "state_expired", "Login attempt expired, start a new one")
	case errors.Is(err, login.ErrStateNotFound):
		jsonwriter.WriteError(w, http.StatusBadRequest, "state_not_found", "Unknown login attempt")
	case errors.Is(err, login.ErrStateNotPending):
		jsonwriter.WriteError(w, http.StatusBadRequest, "state_resolved", "Login attempt already resolved")
	case errors.Is(err, login.ErrStoreUnavailable):
		log.LogErrorWithFields("server", "State store unavailable", map[string]any{"error": err.Error()})
		jsonwriter.WriteServiceUnavailable(w, "Login temporarily unavailable, try again")
	case errors.Is(err, login.ErrAccountUnavailable):
		log.LogErrorWithFields("server", "Account service unavailable", map[string]any{"error": err.Error()})
		jsonwriter.WriteInternalServerError(w, "Login failed")
	default:
		log.LogErrorWithFields("server", "Login request failed", map[string]any{"error": err.Error()})
		jsonwriter.WriteInternalServerError(w, "Login failed")
	}
}
