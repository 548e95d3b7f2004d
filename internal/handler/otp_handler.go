package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"otp-service/internal/model"
	"otp-service/internal/service"
	"otp-service/internal/util"
)

// OTPHandler handles HTTP requests for code issuance and verification
type OTPHandler struct {
	otpService *service.OTPService
	validate   *validator.Validate
	logger     *zap.Logger
}

func NewOTPHandler(otpService *service.OTPService, logger *zap.Logger) *OTPHandler {
	return &OTPHandler{
		otpService: otpService,
		validate:   validator.New(),
		logger:     logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

// IssueRequestBody is the inbound payload for code issuance
type IssueRequestBody struct {
	Channel     string `json:"channel" validate:"required,oneof=email sms whatsapp"`
	Address     string `json:"address" validate:"required"`
	CountryHint string `json:"country_hint,omitempty" validate:"omitempty,len=2"`
	Purpose     string `json:"purpose,omitempty" validate:"omitempty,oneof=signup password_reset generic"`
}

// CheckRequestBody is the inbound payload for code verification
type CheckRequestBody struct {
	Channel string `json:"channel" validate:"required,oneof=email sms whatsapp"`
	Address string `json:"address" validate:"required"`
	Code    string `json:"code" validate:"required"`
}

type issueResponseData struct {
	Status            string `json:"status"`
	CodeID            string `json:"code_id,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
	Reason            string `json:"reason,omitempty"`
}

type checkResponseData struct {
	Status            string `json:"status"`
	Address           string `json:"address,omitempty"`
	Purpose           string `json:"purpose,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
	Reason            string `json:"reason,omitempty"`
}

// RegisterRoutes registers all OTP routes
func (h *OTPHandler) RegisterRoutes(router chi.Router) {
	router.Route("/otp", func(r chi.Router) {
		r.Post("/issue", h.IssueCode)
		r.Post("/check", h.CheckCode)
	})
}

// IssueCode handles code issuance requests
func (h *OTPHandler) IssueCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var body IssueRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if err := h.validate.Struct(&body); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request")
		return
	}

	req := service.IssueRequest{
		Channel:     model.Channel(body.Channel),
		RawAddress:  body.Address,
		CountryHint: body.CountryHint,
		Purpose:     model.Purpose(body.Purpose),
		Metadata: model.RequestMetadata{
			IPAddress: clientIP(r),
			UserAgent: r.UserAgent(),
		},
	}

	result, err := h.otpService.Issue(ctx, req)
	if err != nil {
		h.respondWithError(w, http.StatusInternalServerError, err, "Failed to issue code")
		return
	}

	data := issueResponseData{
		Status:            string(result.Status),
		CodeID:            result.CodeID,
		RetryAfterSeconds: int(result.RetryAfter.Seconds()),
		Reason:            result.Reason,
	}

	switch result.Status {
	case service.IssueAccepted:
		h.respondWithJSON(w, http.StatusAccepted, successResponse(data, "Verification code sent"))
	case service.IssueRateLimited:
		h.respondWithJSON(w, http.StatusTooManyRequests, Response{Success: false, Data: data, Message: "Too many attempts"})
	case service.IssueInvalidInput:
		h.respondWithJSON(w, http.StatusBadRequest, Response{Success: false, Data: data, Message: "Invalid input"})
	case service.IssueDispatchFailed:
		h.respondWithJSON(w, http.StatusBadGateway, Response{Success: false, Data: data, Message: "Delivery failed, retry issuance"})
	default:
		h.respondWithError(w, http.StatusInternalServerError, errors.New("unknown issue status"), "Failed to issue code")
		return
	}

	h.logger.Info("Issue request handled",
		util.String("channel", body.Channel),
		util.String("status", string(result.Status)),
		util.Duration("duration", time.Since(startTime)),
	)
}

// CheckCode handles code verification requests
func (h *OTPHandler) CheckCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var body CheckRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if err := h.validate.Struct(&body); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request")
		return
	}

	req := service.CheckRequest{
		Channel:    model.Channel(body.Channel),
		RawAddress: body.Address,
		RawCode:    body.Code,
	}

	result, err := h.otpService.Check(ctx, req)
	if err != nil {
		h.respondWithError(w, http.StatusInternalServerError, err, "Failed to check code")
		return
	}

	data := checkResponseData{
		Status:            string(result.Status),
		Address:           result.Address,
		Purpose:           string(result.Purpose),
		RetryAfterSeconds: int(result.RetryAfter.Seconds()),
		Reason:            result.Reason,
	}

	switch result.Status {
	case service.CheckVerified:
		h.respondWithJSON(w, http.StatusOK, successResponse(data, "Code verified"))
	case service.CheckInvalidInput:
		h.respondWithJSON(w, http.StatusBadRequest, Response{Success: false, Data: data, Message: "Invalid input"})
	case service.CheckRateLimited:
		h.respondWithJSON(w, http.StatusTooManyRequests, Response{Success: false, Data: data, Message: "Too many attempts"})
	case service.CheckNotFound:
		h.respondWithJSON(w, http.StatusNotFound, Response{Success: false, Data: data, Message: "No code to check"})
	case service.CheckExpired, service.CheckAlreadyConsumed, service.CheckMismatch:
		h.respondWithJSON(w, http.StatusUnprocessableEntity, Response{Success: false, Data: data, Message: "Code not accepted"})
	default:
		h.respondWithError(w, http.StatusInternalServerError, errors.New("unknown check status"), "Failed to check code")
		return
	}

	h.logger.Info("Check request handled",
		util.String("channel", body.Channel),
		util.String("status", string(result.Status)),
		util.Duration("duration", time.Since(startTime)),
	)
}

func (h *OTPHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func (h *OTPHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

// clientIP prefers the first X-Forwarded-For hop, falling back to RemoteAddr
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		host = host[:idx]
	}
	return host
}
