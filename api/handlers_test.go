/*
handlers_test.go - HTTP tests for the fee API

Runs the real router against the in-memory backend.
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hoanganh010999/songthuyeducation-sub005/fee"
	"github.com/Hoanganh010999/songthuyeducation-sub005/fee/store"
)

const testSecret = "test-secret"

type apiFixture struct {
	t      *testing.T
	mem    *store.Memory
	router http.Handler
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()

	require.NoError(t, mem.SavePolicy(ctx, fee.FeePolicy{
		ID:                          "global",
		Name:                        "Global",
		IsActive:                    true,
		AbsenceExcusedFreeLimit:     2,
		AbsenceConsecutiveThreshold: 3,
		LatePenaltyThreshold:        3,
		LatePenaltyAmount:           decimal.NewFromInt(50000),
	}))
	require.NoError(t, mem.SaveClass(ctx, fee.Class{
		ID:         "class-1",
		Name:       "IELTS 6.5",
		HourlyRate: decimal.NewFromInt(200000),
	}))
	require.NoError(t, mem.SaveWallet(ctx, fee.Wallet{
		ID:         "wallet-1",
		StudentID:  "stu-1",
		Code:       "W-0001",
		Balance:    decimal.NewFromInt(1000000),
		TotalSpent: decimal.Zero,
	}))

	engine := fee.NewEngine(mem)
	h := NewHandler(mem, engine, nil)
	return &apiFixture{
		t:      t,
		mem:    mem,
		router: NewRouter(h, RouterConfig{JWTSecret: testSecret}),
	}
}

func (f *apiFixture) do(method, path string, body any, token string) *httptest.ResponseRecorder {
	f.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(f.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func attendance(id, status string, excused bool) RecordAttendanceRequest {
	at := time.Date(2025, time.November, 3, 9, 0, 0, 0, time.UTC)
	return RecordAttendanceRequest{
		ID:         id,
		StudentID:  "stu-1",
		ClassID:    "class-1",
		SessionID:  "sess-" + id,
		Status:     status,
		IsExcused:  excused,
		RecordedAt: &at,
	}
}

func TestRecordAttendance_ChargesPresentSession(t *testing.T) {
	// GIVEN: A student with 1,000,000 in their wallet and an authenticated staff member
	f := newAPIFixture(t)
	token, err := IssueToken(testSecret, "teacher-7", time.Hour)
	require.NoError(t, err)

	// WHEN: Recording a present attendance
	rec := f.do(http.MethodPost, "/api/attendance", attendance("att-1", "present", false), token)

	// THEN: The session is charged at the hourly rate, attributed to the caller
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decode[ProcessResultDTO](t, rec)
	assert.True(t, res.Success)
	require.Len(t, res.Deductions, 1)
	assert.Equal(t, "present", res.Deductions[0].Category)
	assert.True(t, res.Deductions[0].DeductionAmount.Equal(decimal.NewFromInt(200000)))

	wallet := decode[WalletDTO](t, f.do(http.MethodGet, "/api/students/stu-1/wallet", nil, ""))
	assert.True(t, wallet.Balance.Equal(decimal.NewFromInt(800000)))
	assert.True(t, wallet.TotalSpent.Equal(decimal.NewFromInt(200000)))

	txs := decode[[]WalletTransactionDTO](t, f.do(http.MethodGet, "/api/students/stu-1/transactions", nil, ""))
	require.Len(t, txs, 1)
	assert.Equal(t, "teacher-7", txs[0].CreatedBy)
	assert.Equal(t, "withdraw", txs[0].Type)
}

func TestRecordAttendance_FreeExcusedAbsence(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodPost, "/api/attendance", attendance("att-1", "absent", true), "")

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decode[ProcessResultDTO](t, rec)
	assert.True(t, res.Success)
	assert.Empty(t, res.Deductions)
}

func TestRecordAttendance_Validation(t *testing.T) {
	f := newAPIFixture(t)

	tests := []struct {
		name string
		body any
	}{
		{name: "unknown status", body: attendance("att-1", "sick", false)},
		{name: "missing student", body: RecordAttendanceRequest{ID: "a", ClassID: "c", SessionID: "s", Status: "present"}},
		{name: "not json", body: "present"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(http.MethodPost, "/api/attendance", tt.body, "")
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}

	// AND: Nothing was stored
	_, err := f.mem.GetAttendance(context.Background(), "att-1")
	assert.ErrorIs(t, err, fee.ErrAttendanceNotFound)
}

func TestRecordAttendance_DuplicateRejected(t *testing.T) {
	// GIVEN: A present record that has been charged
	f := newAPIFixture(t)
	require.Equal(t, http.StatusCreated, f.do(http.MethodPost, "/api/attendance", attendance("att-1", "present", false), "").Code)

	// WHEN: The same id is posted again as an excused absence
	rec := f.do(http.MethodPost, "/api/attendance", attendance("att-1", "absent", true), "")

	// THEN: It is rejected and the stored record is untouched
	assert.Equal(t, http.StatusConflict, rec.Code)
	ds := decode[[]DeductionDTO](t, f.do(http.MethodGet, "/api/students/stu-1/deductions", nil, ""))
	assert.Len(t, ds, 1)

	got := decode[AttendanceDTO](t, f.do(http.MethodGet, "/api/attendance/att-1", nil, ""))
	assert.Equal(t, "present", got.Status)
	assert.False(t, got.IsExcused)
}

func TestGetAttendance_ShowsProcessingMarker(t *testing.T) {
	f := newAPIFixture(t)
	token, err := IssueToken(testSecret, "teacher-7", time.Hour)
	require.NoError(t, err)

	// Stored but not processed: no wallet for stu-2
	body := attendance("att-2", "present", false)
	body.StudentID = "stu-2"
	require.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/api/attendance", body, "").Code)

	got := decode[AttendanceDTO](t, f.do(http.MethodGet, "/api/attendance/att-2", nil, ""))
	assert.False(t, got.Processed)
	assert.Nil(t, got.ProcessedBy)

	require.Equal(t, http.StatusCreated, f.do(http.MethodPost, "/api/attendance", attendance("att-1", "late", false), token).Code)
	got = decode[AttendanceDTO](t, f.do(http.MethodGet, "/api/attendance/att-1", nil, ""))
	assert.True(t, got.Processed)
	require.NotNil(t, got.ProcessedBy)
	assert.Equal(t, "teacher-7", *got.ProcessedBy)
	assert.NotNil(t, got.ProcessedAt)

	rec := f.do(http.MethodGet, "/api/attendance/missing", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProcessAttendance_RetryAfterWalletCreated(t *testing.T) {
	// GIVEN: A stored attendance for a student with no wallet yet
	f := newAPIFixture(t)
	body := attendance("att-9", "present", false)
	body.StudentID = "stu-2"

	rec := f.do(http.MethodPost, "/api/attendance", body, "")
	require.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())

	// WHEN: The wallet appears and the record is reprocessed
	require.NoError(t, f.mem.SaveWallet(context.Background(), fee.Wallet{
		ID: "wallet-2", StudentID: "stu-2", Balance: decimal.NewFromInt(300000), TotalSpent: decimal.Zero,
	}))
	rec = f.do(http.MethodPost, "/api/attendance/att-9/fee", nil, "")

	// THEN: It is charged exactly once
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = f.do(http.MethodPost, "/api/attendance/att-9/fee", nil, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	wallet := decode[WalletDTO](t, f.do(http.MethodGet, "/api/students/stu-2/wallet", nil, ""))
	assert.True(t, wallet.Balance.Equal(decimal.NewFromInt(100000)))
}

func TestProcessAttendance_NotFound(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(http.MethodPost, "/api/attendance/missing/fee", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRefundFlow_OverHTTP(t *testing.T) {
	// GIVEN: Four unexcused absences in a row (threshold 3)
	f := newAPIFixture(t)
	var last ProcessResultDTO
	for i, id := range []string{"a1", "a2", "a3", "a4"} {
		body := attendance(id, "absent", false)
		at := body.RecordedAt.Add(time.Duration(i) * 24 * time.Hour)
		body.RecordedAt = &at
		rec := f.do(http.MethodPost, "/api/attendance", body, "")
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		last = decode[ProcessResultDTO](t, rec)
	}

	// THEN: The fourth run raises a refund proposal for all four charges
	require.NotNil(t, last.Refund)
	assert.True(t, last.Refund.Amount.Equal(decimal.NewFromInt(800000)))
	assert.Len(t, last.Refund.DeductionIDs, 4)

	refunds := decode[[]RefundProposalDTO](t, f.do(http.MethodGet, "/api/refunds?status=pending", nil, ""))
	require.Len(t, refunds, 1)
	assert.Equal(t, "pending", refunds[0].Status)

	ds := decode[[]DeductionDTO](t, f.do(http.MethodGet, "/api/students/stu-1/deductions", nil, ""))
	for _, d := range ds {
		require.NotNil(t, d.RefundStatus)
		assert.Equal(t, "pending", *d.RefundStatus)
	}
}

func TestGetWallet_NotFound(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(http.MethodGet, "/api/students/nobody/wallet", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fee.ErrAlreadyProcessed, http.StatusConflict},
		{fee.ErrAttendanceExists, http.StatusConflict},
		{&fee.WalletLockedError{WalletID: "w"}, http.StatusConflict},
		{fee.ErrUnknownStatus, http.StatusUnprocessableEntity},
		{fee.ErrInvalidHourlyRate, http.StatusUnprocessableEntity},
		{&fee.WalletNotFoundError{StudentID: "s"}, http.StatusNotFound},
		{fee.ErrNoActivePolicy, http.StatusNotFound},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
