// Package handler содержит HTTP-обработчики API сервиса подарочных карт.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/divaa/giftcard-system/internal/bulkorder"
	"github.com/divaa/giftcard-system/internal/middleware"
	"github.com/divaa/giftcard-system/internal/model"
	"github.com/divaa/giftcard-system/internal/promo"
	"github.com/divaa/giftcard-system/internal/repository"
	"github.com/divaa/giftcard-system/internal/service"
	"github.com/divaa/giftcard-system/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	IssueCard(ctx context.Context, req service.IssueRequest) (*model.GiftCard, error)
	IssueBatch(ctx context.Context, count int, req service.IssueRequest) ([]model.GiftCard, error)
	IssueBulk(ctx context.Context, rows []bulkorder.RawRow) (bulkorder.Result, []model.GiftCard, error)
	GetCardByNumber(ctx context.Context, number string) (*model.GiftCard, error)
	CancelCard(ctx context.Context, number string) error
	MarkCalled(ctx context.Context, number string) error
	CreateOrder(ctx context.Context, subtotal int64) (*model.Order, error)
	GetOrderView(ctx context.Context, orderID int64) (*service.OrderView, error)
	Redeem(ctx context.Context, orderID int64, cardNumber, pin string) (*model.AppliedCard, error)
	RemoveAppliedCard(ctx context.Context, orderID int64) error
	ApplyPromo(ctx context.Context, orderID int64, code string) (*promo.Discount, error)
	FinalizeOrder(ctx context.Context, orderID int64) (*model.Order, error)
}

// Handler реализует HTTP-обработчики API сервиса подарочных карт.
type Handler struct {
	service   Service
	logger    *zap.Logger
	adminAuth *middleware.AdminAuth
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AdminAuth) *Handler {
	return &Handler{
		service:   s,
		logger:    logger,
		adminAuth: auth,
	}
}

type loginRequest struct {
	Secret string `json:"secret"`
}

// AdminLogin открывает административную сессию по секрету панели.
func (h *Handler) AdminLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if !h.adminAuth.CheckSecret(req.Secret) {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	h.adminAuth.SetSessionCookie(w)
	w.WriteHeader(http.StatusOK)
}

type issueCardRequest struct {
	Amount         int64  `json:"amount"`
	DesignTheme    string `json:"design_theme"`
	CardType       string `json:"card_type"`
	RecipientName  string `json:"recipient_name"`
	RecipientEmail string `json:"recipient_email"`
	RecipientPhone string `json:"recipient_phone"`
	SenderName     string `json:"sender_name"`
	Message        string `json:"message"`
	DeliveryMethod string `json:"delivery_method"`
}

func (req *issueCardRequest) toIssueRequest() service.IssueRequest {
	return service.IssueRequest{
		Amount:         req.Amount,
		DesignTheme:    model.DesignTheme(req.DesignTheme),
		CardType:       model.CardType(req.CardType),
		RecipientName:  req.RecipientName,
		RecipientEmail: req.RecipientEmail,
		RecipientPhone: req.RecipientPhone,
		SenderName:     req.SenderName,
		Message:        req.Message,
		DeliveryMethod: req.DeliveryMethod,
	}
}

type issuedCardResponse struct {
	CardNumber     string `json:"card_number"`
	PIN            string `json:"card_pin"`
	OriginalAmount int64  `json:"original_amount"`
	Status         string `json:"status"`
	ExpiryDate     string `json:"expiry_date"`
	DesignTheme    string `json:"design_theme"`
}

func toIssuedCardResponse(c *model.GiftCard) issuedCardResponse {
	return issuedCardResponse{
		CardNumber:     c.CardNumber,
		PIN:            c.PIN,
		OriginalAmount: c.OriginalAmount,
		Status:         string(c.Status),
		ExpiryDate:     c.ExpiryDate.Format(time.RFC3339),
		DesignTheme:    string(c.DesignTheme),
	}
}

// IssueCard выпускает одну подарочную карту.
func (h *Handler) IssueCard(w http.ResponseWriter, r *http.Request) {
	var req issueCardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	card, err := h.service.IssueCard(r.Context(), req.toIssueRequest())
	if err != nil {
		h.writeServiceError(w, err, "issue card")
		return
	}

	h.writeJSON(w, http.StatusCreated, toIssuedCardResponse(card))
}

type issueBatchRequest struct {
	Count int `json:"count"`
	issueCardRequest
}

// IssueBatch выпускает пакет карт по одному шаблону.
func (h *Handler) IssueBatch(w http.ResponseWriter, r *http.Request) {
	var req issueBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	cards, err := h.service.IssueBatch(r.Context(), req.Count, req.toIssueRequest())
	if err != nil {
		h.writeServiceError(w, err, "issue batch")
		return
	}

	resp := make([]issuedCardResponse, 0, len(cards))
	for i := range cards {
		resp = append(resp, toIssuedCardResponse(&cards[i]))
	}

	h.writeJSON(w, http.StatusCreated, resp)
}

type bulkUploadResponse struct {
	Valid  bool                 `json:"valid"`
	Issued int                  `json:"issued"`
	Errors []bulkorder.RowError `json:"errors,omitempty"`
}

// UploadBulkOrders принимает CSV-файл массовой заявки, валидирует его и при
// полностью корректном файле выпускает карты. Файл с ошибками возвращает
// полную таблицу ошибок и не выпускает ни одной карты.
func (h *Handler) UploadBulkOrders(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, bulkorder.MaxFileSizeMB<<20)

	file, _, err := r.FormFile("file")
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			http.Error(w, "file exceeds size limit", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	defer file.Close()

	rows, err := bulkorder.ParseCSV(file)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, cards, err := h.service.IssueBulk(r.Context(), rows)
	if err != nil {
		h.writeServiceError(w, err, "issue bulk")
		return
	}

	if !result.Valid {
		h.writeJSON(w, http.StatusBadRequest, bulkUploadResponse{
			Valid:  false,
			Errors: result.Errors,
		})
		return
	}

	h.writeJSON(w, http.StatusCreated, bulkUploadResponse{
		Valid:  true,
		Issued: len(cards),
	})
}

type cardViewResponse struct {
	CardNumber      string `json:"card_number"`
	OriginalAmount  int64  `json:"original_amount"`
	CurrentBalance  int64  `json:"current_balance"`
	Status          string `json:"status"`
	ExpiryDate      string `json:"expiry_date"`
	DaysUntilExpiry int    `json:"days_until_expiry"`
	RecipientCalled bool   `json:"recipient_called"`
}

// GetCard возвращает административное представление карты. Номер карты
// маскируется, PIN не раскрывается.
func (h *Handler) GetCard(w http.ResponseWriter, r *http.Request) {
	number := chi.URLParam(r, "number")

	card, err := h.service.GetCardByNumber(r.Context(), number)
	if err != nil {
		h.writeServiceError(w, err, "get card")
		return
	}

	h.writeJSON(w, http.StatusOK, cardViewResponse{
		CardNumber:      validation.MaskCardNumber(card.CardNumber),
		OriginalAmount:  card.OriginalAmount,
		CurrentBalance:  card.CurrentBalance,
		Status:          string(card.Status),
		ExpiryDate:      card.ExpiryDate.Format(time.RFC3339),
		DaysUntilExpiry: validation.DaysUntilExpiry(card.ExpiryDate, time.Now()),
		RecipientCalled: card.RecipientCalled,
	})
}

// CancelCard аннулирует карту.
func (h *Handler) CancelCard(w http.ResponseWriter, r *http.Request) {
	if err := h.service.CancelCard(r.Context(), chi.URLParam(r, "number")); err != nil {
		h.writeServiceError(w, err, "cancel card")
		return
	}
	w.WriteHeader(http.StatusOK)
}

// MarkCalled отмечает, что с получателем карты связались.
func (h *Handler) MarkCalled(w http.ResponseWriter, r *http.Request) {
	if err := h.service.MarkCalled(r.Context(), chi.URLParam(r, "number")); err != nil {
		h.writeServiceError(w, err, "mark called")
		return
	}
	w.WriteHeader(http.StatusOK)
}

type createOrderRequest struct {
	Subtotal int64 `json:"subtotal"`
}

type orderResponse struct {
	ID            int64              `json:"id"`
	Subtotal      int64              `json:"subtotal"`
	PromoCode     *string            `json:"promo_code,omitempty"`
	PromoDiscount int64              `json:"promo_discount"`
	AppliedCard   *model.AppliedCard `json:"applied_card,omitempty"`
	FinalTotal    int64              `json:"final_total"`
	Status        string             `json:"status"`
}

// CreateOrder открывает новый заказ для оформления.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.service.CreateOrder(r.Context(), req.Subtotal)
	if err != nil {
		h.writeServiceError(w, err, "create order")
		return
	}

	h.writeJSON(w, http.StatusCreated, orderResponse{
		ID:         order.ID,
		Subtotal:   order.Subtotal,
		FinalTotal: order.FinalTotal(),
		Status:     string(order.Status),
	})
}

// GetOrder возвращает заказ вместе с применёнными скидками и картой.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := h.orderID(w, r)
	if !ok {
		return
	}

	view, err := h.service.GetOrderView(r.Context(), orderID)
	if err != nil {
		h.writeServiceError(w, err, "get order")
		return
	}

	h.writeJSON(w, http.StatusOK, orderResponse{
		ID:            view.Order.ID,
		Subtotal:      view.Order.Subtotal,
		PromoCode:     view.Order.PromoCode,
		PromoDiscount: view.Order.PromoDiscount,
		AppliedCard:   view.AppliedCard,
		FinalTotal:    view.FinalTotal,
		Status:        string(view.Order.Status),
	})
}

type applyCardRequest struct {
	CardNumber string `json:"card_number"`
	PIN        string `json:"card_pin"`
}

// ApplyGiftCard применяет подарочную карту к заказу.
func (h *Handler) ApplyGiftCard(w http.ResponseWriter, r *http.Request) {
	orderID, ok := h.orderID(w, r)
	if !ok {
		return
	}

	var req applyCardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	applied, err := h.service.Redeem(r.Context(), orderID, req.CardNumber, req.PIN)
	if err != nil {
		h.writeServiceError(w, err, "apply gift card")
		return
	}

	h.writeJSON(w, http.StatusOK, applied)
}

// RemoveGiftCard отвязывает применённую карту от заказа.
func (h *Handler) RemoveGiftCard(w http.ResponseWriter, r *http.Request) {
	orderID, ok := h.orderID(w, r)
	if !ok {
		return
	}

	if err := h.service.RemoveAppliedCard(r.Context(), orderID); err != nil {
		h.writeServiceError(w, err, "remove gift card")
		return
	}
	w.WriteHeader(http.StatusOK)
}

type applyPromoRequest struct {
	Code string `json:"code"`
}

// ApplyPromo применяет промокод к заказу.
func (h *Handler) ApplyPromo(w http.ResponseWriter, r *http.Request) {
	orderID, ok := h.orderID(w, r)
	if !ok {
		return
	}

	var req applyPromoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	discount, err := h.service.ApplyPromo(r.Context(), orderID, req.Code)
	if err != nil {
		h.writeServiceError(w, err, "apply promo")
		return
	}

	h.writeJSON(w, http.StatusOK, discount)
}

// FinalizeOrder завершает заказ: именно на этом шаге списывается баланс карты.
func (h *Handler) FinalizeOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := h.orderID(w, r)
	if !ok {
		return
	}

	order, err := h.service.FinalizeOrder(r.Context(), orderID)
	if err != nil {
		h.writeServiceError(w, err, "finalize order")
		return
	}

	h.writeJSON(w, http.StatusOK, orderResponse{
		ID:            order.ID,
		Subtotal:      order.Subtotal,
		PromoCode:     order.PromoCode,
		PromoDiscount: order.PromoDiscount,
		FinalTotal:    order.FinalTotal(),
		Status:        string(order.Status),
	})
}

func (h *Handler) orderID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", zap.Error(err))
	}
}

// writeServiceError сопоставляет ошибки бизнес-логики с HTTP-статусами.
// Ошибки валидации возвращаются с пользовательским текстом; временные сбои
// логируются и отдаются как внутренняя ошибка без деталей.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error, op string) {
	var inactive *service.InactiveError
	var transient *service.TransientError

	switch {
	case errors.Is(err, service.ErrInvalidFormat),
		errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrMessageTooLong),
		errors.Is(err, service.ErrInvalidTheme),
		errors.Is(err, service.ErrInvalidBatchSize):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)

	case errors.Is(err, repository.ErrCardNotFound),
		errors.Is(err, repository.ErrOrderNotFound),
		errors.Is(err, service.ErrPromoNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)

	case errors.Is(err, service.ErrInvalidPIN):
		http.Error(w, err.Error(), http.StatusUnauthorized)

	case errors.As(err, &inactive),
		errors.Is(err, service.ErrCardExpired),
		errors.Is(err, service.ErrCardDepleted),
		errors.Is(err, repository.ErrCardExists),
		errors.Is(err, repository.ErrCardAlreadyApplied),
		errors.Is(err, repository.ErrPromoAlreadyApplied),
		errors.Is(err, repository.ErrOrderNotPending),
		errors.Is(err, repository.ErrBalanceConflict):
		http.Error(w, err.Error(), http.StatusConflict)

	case errors.As(err, &transient):
		h.logger.Error(op, zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)

	default:
		h.logger.Error(op, zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}
