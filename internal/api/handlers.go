package api

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/diako/creditledger/internal/domain"
	"github.com/diako/creditledger/internal/service"
	"github.com/diako/creditledger/internal/store"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "credits_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "credits_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})

	creditsGranted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "credits_granted_total",
		Help: "Credits added to balances, labeled by reason",
	}, []string{"reason"})

	creditsSpent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "credits_spent_total",
		Help: "Credits deducted from balances, labeled by reason",
	}, []string{"reason"})
)

// allowedScanTypes lists the accepted content types for CIN scans.
var allowedScanTypes = map[string]bool{
	"image/jpeg":      true,
	"image/png":       true,
	"image/gif":       true,
	"application/pdf": true,
}

type Handler struct {
	store         store.Store
	rewards       *service.RewardPolicy
	deposits      *service.DepositConverter
	withdrawals   *service.WithdrawalValidator
	verifications *service.VerificationTracker
	uploadDir     string
}

func NewHandler(s store.Store, rewards *service.RewardPolicy, deposits *service.DepositConverter,
	withdrawals *service.WithdrawalValidator, verifications *service.VerificationTracker, uploadDir string) *Handler {
	return &Handler{
		store:         s,
		rewards:       rewards,
		deposits:      deposits,
		withdrawals:   withdrawals,
		verifications: verifications,
		uploadDir:     uploadDir,
	}
}

// CreateAccount provisions a zero-balance account for a user issued by
// the identity collaborator. Provisioning is idempotent.
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		h.respondError(w, r, "/accounts", http.StatusBadRequest, "Missing user_id")
		return
	}
	if err := h.store.CreateAccount(r.Context(), req.UserID); err != nil {
		h.respondStoreError(w, r, "/accounts", err)
		return
	}
	h.respondJSON(w, r, "/accounts", http.StatusCreated, map[string]any{"success": true, "user_id": req.UserID})
}

// Credits serves the legacy credits endpoint. The action query parameter
// selects get, add or subtract, matching the original single-script API.
func (h *Handler) Credits(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(r.Method, "/credits"))
	defer timer.ObserveDuration()

	switch r.URL.Query().Get("action") {
	case "get":
		h.getCredits(w, r)
	case "add":
		h.applyCredits(w, r, +1)
	case "subtract":
		h.applyCredits(w, r, -1)
	default:
		h.respondError(w, r, "/credits", http.StatusBadRequest, "Invalid action")
	}
}

func (h *Handler) getCredits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.respondError(w, r, "/credits", http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		h.respondError(w, r, "/credits", http.StatusBadRequest, "Missing user_id")
		return
	}

	balance, err := h.store.GetBalance(r.Context(), userID)
	if err != nil {
		h.respondStoreError(w, r, "/credits", err)
		return
	}
	h.respondJSON(w, r, "/credits", http.StatusOK, map[string]int64{"credits": balance})
}

// applyCredits handles the generic add/subtract paths. Subtract applies
// -abs(amount) and deliberately skips the solvency check: only the
// withdrawal feature enforces it, as in the original system. Admin
// adjustments may therefore drive a balance negative.
func (h *Handler) applyCredits(w http.ResponseWriter, r *http.Request, sign int64) {
	if r.Method != http.MethodPost {
		h.respondError(w, r, "/credits", http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req domain.CreditDeltaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, r, "/credits", http.StatusBadRequest, "Malformed JSON body")
		return
	}
	if req.UserID == "" || req.Amount == 0 {
		h.respondError(w, r, "/credits", http.StatusBadRequest, "Missing user_id or amount")
		return
	}

	amount := req.Amount
	if amount < 0 {
		amount = -amount
	}
	amount *= sign

	tx, err := h.store.ApplyDelta(r.Context(), req.UserID, amount, req.Reason, store.DeltaOptions{
		AllowNegative: true,
	})
	if err != nil {
		h.respondStoreError(w, r, "/credits", err)
		return
	}
	observeDelta(tx)

	balance, err := h.store.GetBalance(r.Context(), req.UserID)
	if err != nil {
		h.respondStoreError(w, r, "/credits", err)
		return
	}
	h.respondJSON(w, r, "/credits", http.StatusOK, map[string]any{
		"success": true,
		"balance": balance,
	})
}

// Reward grants the fixed credit delta for a social action. A replayed
// request (same user, post and action) is a no-op success.
func (h *Handler) Reward(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/rewards"))
	defer timer.ObserveDuration()

	var req domain.RewardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, r, "/rewards", http.StatusBadRequest, "Malformed JSON body")
		return
	}
	if req.UserID == "" || req.PostID == "" || req.Action == "" {
		h.respondError(w, r, "/rewards", http.StatusBadRequest, "Missing user_id, post_id or action")
		return
	}

	tx, replayed, err := h.rewards.Grant(r.Context(), req.UserID, req.PostID, req.Action)
	if err != nil {
		h.respondStoreError(w, r, "/rewards", err)
		return
	}

	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	} else {
		observeDelta(tx)
	}
	h.respondJSON(w, r, "/rewards", status, map[string]any{
		"success":     true,
		"transaction": tx,
	})
}

// Payment converts a simulated mobile-money deposit into credits.
func (h *Handler) Payment(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/payment"))
	defer timer.ObserveDuration()

	var req domain.PaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, r, "/payment", http.StatusBadRequest, "Malformed JSON body")
		return
	}
	if req.UserID == "" || req.Service == "" {
		h.respondError(w, r, "/payment", http.StatusBadRequest, "Missing parameters")
		return
	}

	payment, credits, err := h.deposits.Deposit(r.Context(), req.UserID, req.Amount, req.Service)
	if err != nil {
		h.respondStoreError(w, r, "/payment", err)
		return
	}
	if credits > 0 {
		creditsGranted.WithLabelValues("deposit:" + string(payment.Service)).Add(float64(credits))
	}
	h.respondJSON(w, r, "/payment", http.StatusOK, map[string]any{
		"success": true,
		"credits": credits,
		"payment": payment,
	})
}

func (h *Handler) PaymentHistory(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		h.respondError(w, r, "/payments", http.StatusBadRequest, "Missing user_id")
		return
	}
	payments, err := h.deposits.History(r.Context(), userID)
	if err != nil {
		h.respondStoreError(w, r, "/payments", err)
		return
	}
	h.respondJSON(w, r, "/payments", http.StatusOK, payments)
}

// Withdraw debits a verified, solvent user and records a payout request
// for manual settlement.
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/withdraw"))
	defer timer.ObserveDuration()

	var req domain.WithdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, r, "/withdraw", http.StatusBadRequest, "Malformed JSON body")
		return
	}
	if req.UserID == "" {
		h.respondError(w, r, "/withdraw", http.StatusBadRequest, "Missing user_id")
		return
	}

	withdrawal, err := h.withdrawals.Request(r.Context(), req.UserID, req.Amount, req.Method, req.Destination)
	if err != nil {
		h.respondStoreError(w, r, "/withdraw", err)
		return
	}
	creditsSpent.WithLabelValues("withdraw:" + string(withdrawal.Method)).Add(float64(withdrawal.Amount))
	h.respondJSON(w, r, "/withdraw", http.StatusCreated, map[string]any{
		"success":    true,
		"withdrawal": withdrawal,
	})
}

func (h *Handler) WithdrawalHistory(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		h.respondError(w, r, "/withdrawals", http.StatusBadRequest, "Missing user_id")
		return
	}
	withdrawals, err := h.withdrawals.History(r.Context(), userID)
	if err != nil {
		h.respondStoreError(w, r, "/withdrawals", err)
		return
	}
	h.respondJSON(w, r, "/withdrawals", http.StatusOK, withdrawals)
}

// SubmitVerification accepts a multipart CIN verification request with
// an optional scanned ID document.
func (h *Handler) SubmitVerification(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/verify_cin"))
	defer timer.ObserveDuration()

	if err := r.ParseMultipartForm(10 << 20); err != nil {
		h.respondError(w, r, "/verify_cin", http.StatusBadRequest, "Malformed multipart body")
		return
	}
	userID := r.FormValue("user_id")
	cinNumber := r.FormValue("cin_number")
	if userID == "" || cinNumber == "" {
		h.respondError(w, r, "/verify_cin", http.StatusBadRequest, "Missing user_id or cin_number")
		return
	}

	scanFile := ""
	file, header, err := r.FormFile("cin_scan")
	if err == nil {
		defer file.Close()
		scanFile, err = h.storeScan(file, header.Filename, header.Header.Get("Content-Type"))
		if err != nil {
			h.respondStoreError(w, r, "/verify_cin", err)
			return
		}
	} else if err != http.ErrMissingFile {
		h.respondError(w, r, "/verify_cin", http.StatusBadRequest, "Unreadable scan upload")
		return
	}

	verification, err := h.verifications.Submit(r.Context(), userID, cinNumber, scanFile)
	if err != nil {
		h.respondStoreError(w, r, "/verify_cin", err)
		return
	}
	h.respondJSON(w, r, "/verify_cin", http.StatusOK, map[string]any{
		"success":      true,
		"verification": verification,
	})
}

var errBadScanType = errors.New("unsupported scan file type")

// storeScan writes the uploaded scan under a random name and returns
// the stored filename.
func (h *Handler) storeScan(file io.Reader, originalName, contentType string) (string, error) {
	if !allowedScanTypes[contentType] {
		return "", errBadScanType
	}
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	name := hex.EncodeToString(buf) + filepath.Ext(originalName)

	if err := os.MkdirAll(h.uploadDir, 0o755); err != nil {
		return "", err
	}
	dst, err := os.Create(filepath.Join(h.uploadDir, name))
	if err != nil {
		return "", err
	}
	defer dst.Close()
	if _, err := io.Copy(dst, file); err != nil {
		return "", err
	}
	return name, nil
}

func (h *Handler) VerificationStatus(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		h.respondError(w, r, "/verify_cin", http.StatusBadRequest, "Missing user_id")
		return
	}
	verification, err := h.verifications.Status(r.Context(), userID)
	if err != nil {
		h.respondStoreError(w, r, "/verify_cin", err)
		return
	}
	h.respondJSON(w, r, "/verify_cin", http.StatusOK, verification)
}

// ResolveVerification applies a reviewer decision to a pending request.
func (h *Handler) ResolveVerification(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, r, "/verifications/{id}/resolve", http.StatusBadRequest, "Malformed JSON body")
		return
	}
	status, err := domain.ParseVerificationStatus(req.Status)
	if err != nil {
		h.respondError(w, r, "/verifications/{id}/resolve", http.StatusBadRequest, err.Error())
		return
	}

	if err := h.verifications.Resolve(r.Context(), id, status); err != nil {
		h.respondStoreError(w, r, "/verifications/{id}/resolve", err)
		return
	}
	h.respondJSON(w, r, "/verifications/{id}/resolve", http.StatusOK, map[string]any{"success": true})
}

// Transactions lists a user's full audit trail.
func (h *Handler) Transactions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		h.respondError(w, r, "/transactions", http.StatusBadRequest, "Missing user_id")
		return
	}
	if _, err := h.store.GetBalance(r.Context(), userID); err != nil {
		h.respondStoreError(w, r, "/transactions", err)
		return
	}
	entries, err := h.store.TransactionsByUser(r.Context(), userID)
	if err != nil {
		h.respondStoreError(w, r, "/transactions", err)
		return
	}
	h.respondJSON(w, r, "/transactions", http.StatusOK, entries)
}

func observeDelta(tx *domain.Transaction) {
	if tx.Amount >= 0 {
		creditsGranted.WithLabelValues(tx.Reason).Add(float64(tx.Amount))
	} else {
		creditsSpent.WithLabelValues(tx.Reason).Add(float64(-tx.Amount))
	}
}

// respondStoreError maps domain, store and service failures onto the
// HTTP taxonomy: 400 validation, 404 unknown resource, 409 conflicting
// state, 422 business rule, 500 storage.
func (h *Handler) respondStoreError(w http.ResponseWriter, r *http.Request, endpoint string, err error) {
	switch {
	case errors.Is(err, store.ErrAccountNotFound),
		errors.Is(err, store.ErrVerificationNotFound),
		errors.Is(err, store.ErrWithdrawalNotFound):
		h.respondError(w, r, endpoint, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrInsufficientBalance),
		errors.Is(err, service.ErrNotVerified):
		h.respondError(w, r, endpoint, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, store.ErrVerificationPending),
		errors.Is(err, store.ErrInvalidTransition):
		h.respondError(w, r, endpoint, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrUnknownAction),
		errors.Is(err, service.ErrMissingDestination),
		errors.Is(err, service.ErrMissingCIN),
		errors.Is(err, domain.ErrUnsupportedService),
		errors.Is(err, errBadScanType):
		h.respondError(w, r, endpoint, http.StatusBadRequest, err.Error())
	default:
		h.respondError(w, r, endpoint, http.StatusInternalServerError, "Internal Server Error")
	}
}

func (h *Handler) respondJSON(w http.ResponseWriter, r *http.Request, endpoint string, code int, payload any) {
	httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, endpoint string, code int, msg string) {
	h.respondJSON(w, r, endpoint, code, map[string]string{"error": msg})
}

// MethodNotAllowed is installed as the router's fallback for wrong verbs.
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusMethodNotAllowed)
	fmt.Fprintln(w, `{"error":"Method not allowed"}`)
}
