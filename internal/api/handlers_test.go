package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diako/creditledger/internal/domain"
	"github.com/diako/creditledger/internal/events"
	"github.com/diako/creditledger/internal/service"
	"github.com/diako/creditledger/internal/store"
)

func newTestRouter(t *testing.T) (*mux.Router, *store.Memory) {
	t.Helper()
	m := store.NewMemory()

	rewards := service.NewRewardPolicy(m, events.Noop{})
	deposits := service.NewDepositConverter(m, events.Noop{})
	withdrawals := service.NewWithdrawalValidator(m, events.Noop{})
	verifications := service.NewVerificationTracker(m)
	handler := NewHandler(m, rewards, deposits, withdrawals, verifications, t.TempDir())

	r := mux.NewRouter()
	r.MethodNotAllowedHandler = http.HandlerFunc(MethodNotAllowed)
	r.HandleFunc("/accounts", handler.CreateAccount).Methods("POST")
	r.HandleFunc("/credits", handler.Credits).Methods("GET", "POST")
	r.HandleFunc("/rewards", handler.Reward).Methods("POST")
	r.HandleFunc("/payment", handler.Payment).Methods("POST")
	r.HandleFunc("/payments", handler.PaymentHistory).Methods("GET")
	r.HandleFunc("/withdraw", handler.Withdraw).Methods("POST")
	r.HandleFunc("/withdrawals", handler.WithdrawalHistory).Methods("GET")
	r.HandleFunc("/verify_cin", handler.SubmitVerification).Methods("POST")
	r.HandleFunc("/verify_cin", handler.VerificationStatus).Methods("GET")
	r.HandleFunc("/verifications/{id}/resolve", handler.ResolveVerification).Methods("POST")
	r.HandleFunc("/transactions", handler.Transactions).Methods("GET")
	return r, m
}

func doJSON(router *mux.Router, method, target string, payload any) *httptest.ResponseRecorder {
	var body bytes.Buffer
	if payload != nil {
		json.NewEncoder(&body).Encode(payload)
	}
	req := httptest.NewRequest(method, target, &body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func seedAccount(t *testing.T, m *store.Memory, userID string, balance int64) {
	t.Helper()
	require.NoError(t, m.CreateAccount(context.Background(), userID))
	if balance != 0 {
		_, err := m.ApplyDelta(context.Background(), userID, balance, "seed", store.DeltaOptions{AllowNegative: true})
		require.NoError(t, err)
	}
}

func TestGetCredits(t *testing.T) {
	router, m := newTestRouter(t)
	seedAccount(t, m, "u1", 42)

	rec := doJSON(router, "GET", "/credits?action=get&user_id=u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]int64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(42), resp["credits"])
}

func TestGetCreditsMissingUserID(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(router, "GET", "/credits?action=get", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "error")
}

func TestGetCreditsUnknownUser(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(router, "GET", "/credits?action=get&user_id=ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreditsInvalidAction(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(router, "GET", "/credits?action=divide&user_id=u1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreditsAddWrongMethod(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(router, "GET", "/credits?action=add&user_id=u1", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAddAndSubtractCredits(t *testing.T) {
	router, m := newTestRouter(t)
	seedAccount(t, m, "u1", 0)

	rec := doJSON(router, "POST", "/credits?action=add", domain.CreditDeltaRequest{UserID: "u1", Amount: 30, Reason: "bonus"})
	require.Equal(t, http.StatusOK, rec.Code)

	// Subtract applies -abs(amount) even when the client sends a
	// negative number.
	rec = doJSON(router, "POST", "/credits?action=subtract", domain.CreditDeltaRequest{UserID: "u1", Amount: -10, Reason: "penalty"})
	require.Equal(t, http.StatusOK, rec.Code)

	balance, err := m.GetBalance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), balance)
}

func TestSubtractHasNoSolvencyCheck(t *testing.T) {
	router, m := newTestRouter(t)
	seedAccount(t, m, "u1", 5)

	rec := doJSON(router, "POST", "/credits?action=subtract", domain.CreditDeltaRequest{UserID: "u1", Amount: 10})
	require.Equal(t, http.StatusOK, rec.Code)

	balance, err := m.GetBalance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(-5), balance)
}

func TestAddCreditsMissingFields(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(router, "POST", "/credits?action=add", map[string]any{"amount": 5})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(router, "POST", "/credits?action=add", map[string]any{"user_id": "u1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRewardEndpointIdempotent(t *testing.T) {
	router, m := newTestRouter(t)
	seedAccount(t, m, "u1", 0)

	body := domain.RewardRequest{UserID: "u1", PostID: "p1", Action: "like"}
	rec := doJSON(router, "POST", "/rewards", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(router, "POST", "/rewards", body)
	require.Equal(t, http.StatusOK, rec.Code)

	balance, err := m.GetBalance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), balance)
}

func TestPaymentConvertsToCredits(t *testing.T) {
	router, m := newTestRouter(t)
	seedAccount(t, m, "u1", 0)

	rec := doJSON(router, "POST", "/payment", map[string]any{"user_id": "u1", "amount": 10000, "service": "mvola"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Success bool  `json:"success"`
		Credits int64 `json:"credits"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, int64(2000), resp.Credits)

	balance, err := m.GetBalance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), balance)
}

func TestPaymentUnsupportedService(t *testing.T) {
	router, m := newTestRouter(t)
	seedAccount(t, m, "u1", 0)

	rec := doJSON(router, "POST", "/payment", map[string]any{"user_id": "u1", "amount": 10000, "service": "mpesa"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	payments, err := m.PaymentsByUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, payments)
}

func TestPaymentInvalidAmount(t *testing.T) {
	router, m := newTestRouter(t)
	seedAccount(t, m, "u1", 0)

	rec := doJSON(router, "POST", "/payment", map[string]any{"user_id": "u1", "amount": -5, "service": "mvola"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPaymentWrongMethod(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(router, "GET", "/payment", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func multipartBody(t *testing.T, fields map[string]string, fileField, fileName, contentType string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	if fileField != "" {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition",
			fmt.Sprintf(`form-data; name=%q; filename=%q`, fileField, fileName))
		header.Set("Content-Type", contentType)
		part, err := w.CreatePart(header)
		require.NoError(t, err)
		_, err = part.Write([]byte("fake scan bytes"))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func TestVerifyCINWithScan(t *testing.T) {
	router, m := newTestRouter(t)
	seedAccount(t, m, "u1", 0)

	body, contentType := multipartBody(t,
		map[string]string{"user_id": "u1", "cin_number": "101 234 567"},
		"cin_scan", "cin.png", "image/png")
	req := httptest.NewRequest("POST", "/verify_cin", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	v, err := m.LatestVerification(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.VerificationPending, v.Status)
	assert.True(t, strings.HasSuffix(v.ScanFile, ".png"))
}

func TestVerifyCINRejectsBadScanType(t *testing.T) {
	router, m := newTestRouter(t)
	seedAccount(t, m, "u1", 0)

	body, contentType := multipartBody(t,
		map[string]string{"user_id": "u1", "cin_number": "101"},
		"cin_scan", "cin.exe", "application/octet-stream")
	req := httptest.NewRequest("POST", "/verify_cin", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVerifyCINMissingFields(t *testing.T) {
	router, _ := newTestRouter(t)

	body, contentType := multipartBody(t, map[string]string{"user_id": "u1"}, "", "", "")
	req := httptest.NewRequest("POST", "/verify_cin", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVerifyCINSecondPendingConflicts(t *testing.T) {
	router, m := newTestRouter(t)
	seedAccount(t, m, "u1", 0)

	for i, want := range []int{http.StatusOK, http.StatusConflict} {
		body, contentType := multipartBody(t,
			map[string]string{"user_id": "u1", "cin_number": "101"}, "", "", "")
		req := httptest.NewRequest("POST", "/verify_cin", body)
		req.Header.Set("Content-Type", contentType)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, want, rec.Code, "submission %d", i+1)
	}
}

func TestResolveVerificationAndWithdraw(t *testing.T) {
	router, m := newTestRouter(t)
	seedAccount(t, m, "u1", 200)

	// Withdrawal before verification is refused.
	rec := doJSON(router, "POST", "/withdraw", domain.WithdrawalRequest{
		UserID: "u1", Amount: 50, Method: "mvola", Destination: "034 12 345 67"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	body, contentType := multipartBody(t,
		map[string]string{"user_id": "u1", "cin_number": "101"}, "", "", "")
	req := httptest.NewRequest("POST", "/verify_cin", body)
	req.Header.Set("Content-Type", contentType)
	vrec := httptest.NewRecorder()
	router.ServeHTTP(vrec, req)
	require.Equal(t, http.StatusOK, vrec.Code)

	v, err := m.LatestVerification(context.Background(), "u1")
	require.NoError(t, err)

	rec = doJSON(router, "POST", "/verifications/"+v.ID+"/resolve", map[string]string{"status": "approved"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(router, "POST", "/withdraw", domain.WithdrawalRequest{
		UserID: "u1", Amount: 50, Method: "mvola", Destination: "034 12 345 67"})
	require.Equal(t, http.StatusCreated, rec.Code)

	balance, err := m.GetBalance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), balance)
}

func TestWithdrawInsufficientBalance(t *testing.T) {
	router, m := newTestRouter(t)
	seedAccount(t, m, "u1", 30)
	v := &domain.Verification{ID: "v1", UserID: "u1", CINNumber: "101", Status: domain.VerificationPending}
	require.NoError(t, m.CreateVerification(context.Background(), v))
	require.NoError(t, m.ResolveVerification(context.Background(), "v1", domain.VerificationApproved))

	rec := doJSON(router, "POST", "/withdraw", domain.WithdrawalRequest{
		UserID: "u1", Amount: 100, Method: "mvola", Destination: "034 12 345 67"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	balance, err := m.GetBalance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(30), balance)
}

func TestTransactionsListing(t *testing.T) {
	router, m := newTestRouter(t)
	seedAccount(t, m, "u1", 0)

	doJSON(router, "POST", "/credits?action=add", domain.CreditDeltaRequest{UserID: "u1", Amount: 10, Reason: "like"})
	doJSON(router, "POST", "/credits?action=subtract", domain.CreditDeltaRequest{UserID: "u1", Amount: 3, Reason: "boost"})

	rec := doJSON(router, "GET", "/transactions?user_id=u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var txs []domain.Transaction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &txs))
	require.Len(t, txs, 2)
	assert.Equal(t, int64(10), txs[0].Amount)
	assert.Equal(t, int64(-3), txs[1].Amount)
}

func TestCreateAccountEndpoint(t *testing.T) {
	router, m := newTestRouter(t)

	rec := doJSON(router, "POST", "/accounts", map[string]string{"user_id": "u9"})
	require.Equal(t, http.StatusCreated, rec.Code)

	balance, err := m.GetBalance(context.Background(), "u9")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)

	// Provisioning is idempotent.
	rec = doJSON(router, "POST", "/accounts", map[string]string{"user_id": "u9"})
	assert.Equal(t, http.StatusCreated, rec.Code)
}
