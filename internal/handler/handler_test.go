package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/divaa/giftcard-system/internal/bulkorder"
	"github.com/divaa/giftcard-system/internal/middleware"
	"github.com/divaa/giftcard-system/internal/model"
	"github.com/divaa/giftcard-system/internal/promo"
	"github.com/divaa/giftcard-system/internal/repository"
	"github.com/divaa/giftcard-system/internal/service"
)

type stubService struct {
	issueCardResp *model.GiftCard
	issueCardErr  error

	issueBatchResp []model.GiftCard
	issueBatchErr  error

	issueBulkResult bulkorder.Result
	issueBulkCards  []model.GiftCard
	issueBulkErr    error

	cardResp *model.GiftCard
	cardErr  error

	cancelErr error
	calledErr error

	createOrderResp *model.Order
	createOrderErr  error

	orderViewResp *service.OrderView
	orderViewErr  error

	redeemResp *model.AppliedCard
	redeemErr  error

	removeErr error

	promoResp *promo.Discount
	promoErr  error

	finalizeResp *model.Order
	finalizeErr  error
}

func (s *stubService) IssueCard(ctx context.Context, req service.IssueRequest) (*model.GiftCard, error) {
	return s.issueCardResp, s.issueCardErr
}

func (s *stubService) IssueBatch(ctx context.Context, count int, req service.IssueRequest) ([]model.GiftCard, error) {
	return s.issueBatchResp, s.issueBatchErr
}

func (s *stubService) IssueBulk(ctx context.Context, rows []bulkorder.RawRow) (bulkorder.Result, []model.GiftCard, error) {
	return s.issueBulkResult, s.issueBulkCards, s.issueBulkErr
}

func (s *stubService) GetCardByNumber(ctx context.Context, number string) (*model.GiftCard, error) {
	return s.cardResp, s.cardErr
}

func (s *stubService) CancelCard(ctx context.Context, number string) error {
	return s.cancelErr
}

func (s *stubService) MarkCalled(ctx context.Context, number string) error {
	return s.calledErr
}

func (s *stubService) CreateOrder(ctx context.Context, subtotal int64) (*model.Order, error) {
	return s.createOrderResp, s.createOrderErr
}

func (s *stubService) GetOrderView(ctx context.Context, orderID int64) (*service.OrderView, error) {
	return s.orderViewResp, s.orderViewErr
}

func (s *stubService) Redeem(ctx context.Context, orderID int64, cardNumber, pin string) (*model.AppliedCard, error) {
	return s.redeemResp, s.redeemErr
}

func (s *stubService) RemoveAppliedCard(ctx context.Context, orderID int64) error {
	return s.removeErr
}

func (s *stubService) ApplyPromo(ctx context.Context, orderID int64, code string) (*promo.Discount, error) {
	return s.promoResp, s.promoErr
}

func (s *stubService) FinalizeOrder(ctx context.Context, orderID int64) (*model.Order, error) {
	return s.finalizeResp, s.finalizeErr
}

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAdminAuth("test-secret")

	return NewHandler(svc, logger, auth)
}

func TestAdminLogin_Success(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	body, _ := json.Marshal(loginRequest{Secret: "test-secret"})

	req := httptest.NewRequest(http.MethodPost, "/api/admin/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.AdminLogin(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if len(res.Cookies()) == 0 {
		t.Fatal("expected session cookie to be set")
	}
}

func TestAdminLogin_WrongSecret(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	body, _ := json.Marshal(loginRequest{Secret: "wrong"})

	req := httptest.NewRequest(http.MethodPost, "/api/admin/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.AdminLogin(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
	if len(res.Cookies()) != 0 {
		t.Fatal("no cookie expected on failed login")
	}
}

func TestIssueCard_Created(t *testing.T) {
	svc := &stubService{
		issueCardResp: &model.GiftCard{
			CardNumber:     "DIVAA-1234-5678-9012",
			PIN:            "482913",
			OriginalAmount: 5000,
			CurrentBalance: 5000,
			Status:         model.CardStatusActive,
			DesignTheme:    model.ThemeDiwali,
			ExpiryDate:     time.Now().AddDate(0, 6, 0),
		},
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(issueCardRequest{
		Amount:         5000,
		DesignTheme:    "diwali",
		RecipientEmail: "priya@example.com",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/admin/giftcards", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.IssueCard(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusCreated)
	}

	var resp issuedCardResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.CardNumber != "DIVAA-1234-5678-9012" {
		t.Fatalf("card_number = %q", resp.CardNumber)
	}
	if resp.PIN != "482913" {
		t.Fatalf("card_pin = %q", resp.PIN)
	}
}

func TestIssueCard_InvalidAmount(t *testing.T) {
	svc := &stubService{
		issueCardErr: service.ErrInvalidAmount,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(issueCardRequest{Amount: -100})

	req := httptest.NewRequest(http.MethodPost, "/api/admin/giftcards", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.IssueCard(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnprocessableEntity)
	}
}

func TestIssueCard_NumberCollisionIsConflict(t *testing.T) {
	// Узкое окно гонки generate-then-insert: занятый номер — это конфликт,
	// а не внутренняя ошибка сервера.
	svc := &stubService{
		issueCardErr: fmt.Errorf("%w: DIVAA-1234-5678-9012", repository.ErrCardExists),
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(issueCardRequest{Amount: 5000})

	req := httptest.NewRequest(http.MethodPost, "/api/admin/giftcards", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.IssueCard(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusConflict)
	}
}

func TestApplyGiftCard_StatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid format", service.ErrInvalidFormat, http.StatusUnprocessableEntity},
		{"not found", repository.ErrCardNotFound, http.StatusNotFound},
		{"wrong pin", service.ErrInvalidPIN, http.StatusUnauthorized},
		{"cancelled", &service.InactiveError{Status: model.CardStatusCancelled}, http.StatusConflict},
		{"expired", service.ErrCardExpired, http.StatusConflict},
		{"depleted", service.ErrCardDepleted, http.StatusConflict},
		{"already applied", repository.ErrCardAlreadyApplied, http.StatusConflict},
		{"transient", &service.TransientError{Err: context.DeadlineExceeded}, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &stubService{redeemErr: tt.err})

			body, _ := json.Marshal(applyCardRequest{
				CardNumber: "DIVAA-1234-5678-9012",
				PIN:        "000000",
			})

			req := withOrderID(httptest.NewRequest(http.MethodPost, "/api/orders/7/giftcard", bytes.NewReader(body)), "7")
			rec := httptest.NewRecorder()

			h.ApplyGiftCard(rec, req)

			res := rec.Result()
			if res.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", res.StatusCode, tt.want)
			}
		})
	}
}

func TestApplyGiftCard_Success(t *testing.T) {
	svc := &stubService{
		redeemResp: &model.AppliedCard{
			CardNumber:       "DIVAA-****-****-9012",
			AppliedAmount:    3000,
			RemainingBalance: 0,
		},
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(applyCardRequest{
		CardNumber: "DIVAA-1234-5678-9012",
		PIN:        "482913",
	})

	req := withOrderID(httptest.NewRequest(http.MethodPost, "/api/orders/7/giftcard", bytes.NewReader(body)), "7")
	rec := httptest.NewRecorder()

	h.ApplyGiftCard(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var applied model.AppliedCard
	if err := json.NewDecoder(res.Body).Decode(&applied); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if applied.AppliedAmount != 3000 {
		t.Fatalf("applied_amount = %d, want 3000", applied.AppliedAmount)
	}
	if applied.CardNumber != "DIVAA-****-****-9012" {
		t.Fatalf("card_number = %q, want masked", applied.CardNumber)
	}
}

// withOrderID подкладывает параметр маршрута {id} для вызова обработчика
// напрямую, минуя роутер.
func withOrderID(req *http.Request, id string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", id)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func multipartCSV(t *testing.T, csv string) (*bytes.Buffer, string) {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fw, err := mw.CreateFormFile("file", "orders.csv")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write([]byte(csv)); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}

	return &buf, mw.FormDataContentType()
}

func TestUploadBulkOrders_Valid(t *testing.T) {
	svc := &stubService{
		issueBulkResult: bulkorder.Result{Valid: true},
		issueBulkCards:  []model.GiftCard{{CardNumber: "DIVAA-1111-2222-3333"}},
	}
	h := newTestHandler(t, svc)

	csv := "recipient_name,recipient_email,recipient_phone,amount,design_theme\n" +
		"Priya,priya@example.com,+91 98765 43210,1000,diwali\n"
	body, contentType := multipartCSV(t, csv)

	req := httptest.NewRequest(http.MethodPost, "/api/admin/giftcards/bulk", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	h.UploadBulkOrders(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusCreated)
	}

	var resp bulkUploadResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Valid || resp.Issued != 1 {
		t.Fatalf("resp = %+v, want valid with 1 issued", resp)
	}
}

func TestUploadBulkOrders_InvalidRowsReturnErrorTable(t *testing.T) {
	svc := &stubService{
		issueBulkResult: bulkorder.Result{
			Valid: false,
			Errors: []bulkorder.RowError{
				{Row: 2, Field: "amount", Message: "amount must be between 500 and 50000"},
			},
		},
	}
	h := newTestHandler(t, svc)

	csv := "recipient_name,recipient_email,recipient_phone,amount,design_theme\n" +
		"Priya,priya@example.com,+91 98765 43210,150,diwali\n"
	body, contentType := multipartCSV(t, csv)

	req := httptest.NewRequest(http.MethodPost, "/api/admin/giftcards/bulk", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	h.UploadBulkOrders(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}

	var resp bulkUploadResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Valid {
		t.Fatal("expected valid=false")
	}
	if len(resp.Errors) != 1 || resp.Errors[0].Field != "amount" {
		t.Fatalf("errors = %+v", resp.Errors)
	}
}

func TestGetCard_ViaRouterMasksNumber(t *testing.T) {
	svc := &stubService{
		cardResp: &model.GiftCard{
			CardNumber:     "DIVAA-1234-5678-9012",
			OriginalAmount: 5000,
			CurrentBalance: 3000,
			Status:         model.CardStatusActive,
			ExpiryDate:     time.Now().AddDate(0, 3, 0),
		},
	}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	cookieRec := httptest.NewRecorder()
	h.adminAuth.SetSessionCookie(cookieRec)
	cookie := cookieRec.Result().Cookies()[0]

	req := httptest.NewRequest(http.MethodGet, "/api/admin/giftcards/DIVAA-1234-5678-9012", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var resp cardViewResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.CardNumber != "DIVAA-****-****-9012" {
		t.Fatalf("card_number = %q, want masked", resp.CardNumber)
	}
	if resp.CurrentBalance != 3000 {
		t.Fatalf("current_balance = %d, want 3000", resp.CurrentBalance)
	}
}

func TestAdminRoutes_RequireSession(t *testing.T) {
	h := newTestHandler(t, &stubService{})
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodPost, "/api/admin/giftcards", bytes.NewReader([]byte("{}")))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
}

func TestFinalizeOrder_BalanceConflict(t *testing.T) {
	h := newTestHandler(t, &stubService{finalizeErr: repository.ErrBalanceConflict})

	req := withOrderID(httptest.NewRequest(http.MethodPost, "/api/orders/7/finalize", nil), "7")
	rec := httptest.NewRecorder()

	h.FinalizeOrder(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusConflict)
	}
}

func TestApplyPromo_NotFound(t *testing.T) {
	h := newTestHandler(t, &stubService{promoErr: service.ErrPromoNotFound})

	body, _ := json.Marshal(applyPromoRequest{Code: "NOSUCH"})

	req := withOrderID(httptest.NewRequest(http.MethodPost, "/api/orders/7/promo", bytes.NewReader(body)), "7")
	rec := httptest.NewRecorder()

	h.ApplyPromo(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestGetOrder_BadID(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := withOrderID(httptest.NewRequest(http.MethodGet, "/api/orders/abc", nil), "abc")
	rec := httptest.NewRecorder()

	h.GetOrder(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}
