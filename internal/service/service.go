// Package service реализует бизнес-логику выпуска и погашения подарочных карт.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/divaa/giftcard-system/internal/bulkorder"
	"github.com/divaa/giftcard-system/internal/generator"
	"github.com/divaa/giftcard-system/internal/model"
	"github.com/divaa/giftcard-system/internal/promo"
	"github.com/divaa/giftcard-system/internal/repository"
	"github.com/divaa/giftcard-system/internal/validation"
)

// Срок действия карты фиксируется в момент выпуска.
const expiryMonths = 6

// Ограничения выпуска.
const (
	maxMessageLength = 200
	maxBatchSize     = 100
)

// ErrInvalidFormat возвращается при некорректном формате номера карты или PIN.
var (
	ErrInvalidFormat = errors.New("invalid card number or pin format")
	// ErrInvalidPIN возвращается при несовпадении PIN с сохранённым.
	ErrInvalidPIN = errors.New("gift card pin does not match")
	// ErrCardExpired возвращается при попытке погасить просроченную карту.
	ErrCardExpired = errors.New("gift card has expired")
	// ErrCardDepleted возвращается при нулевом балансе карты.
	ErrCardDepleted = errors.New("gift card balance is depleted")
	// ErrPromoNotFound возвращается для неизвестного промокода.
	ErrPromoNotFound = errors.New("promo code not found")
	// ErrInvalidAmount возвращается при неположительном номинале карты.
	ErrInvalidAmount = errors.New("card amount must be positive")
	// ErrMessageTooLong возвращается при превышении длины персонального сообщения.
	ErrMessageTooLong = fmt.Errorf("personal message must not exceed %d characters", maxMessageLength)
	// ErrInvalidTheme возвращается для неизвестной темы оформления.
	ErrInvalidTheme = errors.New("unknown design theme")
	// ErrInvalidBatchSize возвращается при недопустимом размере пакета выпуска.
	ErrInvalidBatchSize = fmt.Errorf("batch size must be between 1 and %d", maxBatchSize)
)

// InactiveError сообщает о неактивной карте. Сообщение включает фактический
// статус карты: used и cancelled дают разные пользовательские тексты.
type InactiveError struct {
	Status model.CardStatus
}

func (e *InactiveError) Error() string {
	return fmt.Sprintf("gift card is not active: status is %q", e.Status)
}

// TransientError оборачивает инфраструктурные сбои (БД, внешние сервисы),
// которые вызывающий может повторить. Ошибки валидации никогда не
// заворачиваются в TransientError.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient failure: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CardNumberExists(ctx context.Context, number string) (bool, error)
	CreateCard(ctx context.Context, card *model.GiftCard) error
	CreateCards(ctx context.Context, cards []model.GiftCard) error
	GetCardByNumber(ctx context.Context, number string) (*model.GiftCard, error)
	GetCardByID(ctx context.Context, id int64) (*model.GiftCard, error)
	CancelCard(ctx context.Context, id int64) error
	MarkCalled(ctx context.Context, id int64) error
	CreateOrder(ctx context.Context, subtotal int64) (*model.Order, error)
	GetOrder(ctx context.Context, id int64) (*model.Order, error)
	AttachCardToOrder(ctx context.Context, orderID, cardID, amount int64) error
	DetachCardFromOrder(ctx context.Context, orderID int64) error
	SetOrderPromo(ctx context.Context, orderID int64, code string, discount int64) error
	UpdateAppliedCardAmount(ctx context.Context, orderID, amount int64) error
	FinalizeOrder(ctx context.Context, orderID int64) (*model.Order, error)
}

// Service содержит бизнес-логику сервиса подарочных карт.
type Service struct {
	repo        Repository
	gen         *generator.Generator
	promoClient *promo.Client
}

// NewService создаёт сервис с указанным репозиторием и клиентом промокодов.
// Клиент промокодов может быть nil, если внешний сервис не настроен.
func NewService(repo Repository, promoClient *promo.Client) *Service {
	return &Service{
		repo:        repo,
		gen:         generator.New(repo),
		promoClient: promoClient,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// IssueRequest описывает заявку на выпуск одной подарочной карты.
type IssueRequest struct {
	Amount         int64
	DesignTheme    model.DesignTheme
	CardType       model.CardType
	RecipientName  string
	RecipientEmail string
	RecipientPhone string
	SenderName     string
	Message        string
	DeliveryMethod string
}

func (req *IssueRequest) validate() error {
	if req.Amount <= 0 {
		return ErrInvalidAmount
	}
	if len(req.Message) > maxMessageLength {
		return ErrMessageTooLong
	}
	if req.DesignTheme == "" {
		req.DesignTheme = model.ThemeGeneral
	}
	if !model.ValidTheme(string(req.DesignTheme)) {
		return ErrInvalidTheme
	}
	if req.CardType == "" {
		req.CardType = model.CardTypeRegular
	}
	if req.DeliveryMethod == "" {
		req.DeliveryMethod = "email"
	}
	return nil
}

// IssueCard выпускает одну подарочную карту: генерирует номер и PIN,
// фиксирует срок действия и сохраняет карту в хранилище.
func (s *Service) IssueCard(ctx context.Context, req IssueRequest) (*model.GiftCard, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	card, err := s.buildCard(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := s.repo.CreateCard(ctx, card); err != nil {
		return nil, s.wrapRepoErr(err)
	}

	return card, nil
}

// IssueBatch выпускает count карт по одному шаблону за одну транзакцию.
func (s *Service) IssueBatch(ctx context.Context, count int, req IssueRequest) ([]model.GiftCard, error) {
	if count < 1 || count > maxBatchSize {
		return nil, ErrInvalidBatchSize
	}
	if err := req.validate(); err != nil {
		return nil, err
	}

	cards := make([]model.GiftCard, 0, count)
	for i := 0; i < count; i++ {
		card, err := s.buildCard(ctx, req)
		if err != nil {
			return nil, err
		}
		cards = append(cards, *card)
	}

	if err := s.repo.CreateCards(ctx, cards); err != nil {
		return nil, s.wrapRepoErr(err)
	}

	return cards, nil
}

// IssueBulk проверяет строки массовой загрузки и при полностью корректном
// файле выпускает по карте на строку. Файл хотя бы с одной ошибкой не
// приводит к выпуску ни одной карты.
func (s *Service) IssueBulk(ctx context.Context, rows []bulkorder.RawRow) (bulkorder.Result, []model.GiftCard, error) {
	res := bulkorder.ValidateRows(rows)
	if !res.Valid {
		return res, nil, nil
	}

	cards := make([]model.GiftCard, 0, len(res.Rows))
	for _, row := range res.Rows {
		card, err := s.buildCard(ctx, IssueRequest{
			Amount:         row.Amount,
			DesignTheme:    row.DesignTheme,
			CardType:       model.CardTypeRegular,
			RecipientName:  row.RecipientName,
			RecipientEmail: row.RecipientEmail,
			RecipientPhone: row.RecipientPhone,
			DeliveryMethod: "email",
		})
		if err != nil {
			return res, nil, err
		}
		cards = append(cards, *card)
	}

	if err := s.repo.CreateCards(ctx, cards); err != nil {
		return res, nil, s.wrapRepoErr(err)
	}

	return res, cards, nil
}

func (s *Service) buildCard(ctx context.Context, req IssueRequest) (*model.GiftCard, error) {
	number, err := s.gen.CardNumber(ctx)
	if err != nil {
		return nil, &TransientError{Err: err}
	}

	pin, err := s.gen.PIN()
	if err != nil {
		return nil, &TransientError{Err: err}
	}

	now := time.Now()
	return &model.GiftCard{
		CardNumber:     number,
		PIN:            pin,
		OriginalAmount: req.Amount,
		CurrentBalance: req.Amount,
		Status:         model.CardStatusActive,
		ExpiryDate:     now.AddDate(0, expiryMonths, 0),
		DesignTheme:    req.DesignTheme,
		CardType:       req.CardType,
		RecipientName:  req.RecipientName,
		RecipientEmail: req.RecipientEmail,
		RecipientPhone: req.RecipientPhone,
		SenderName:     req.SenderName,
		Message:        req.Message,
		DeliveryMethod: req.DeliveryMethod,
		CreatedAt:      now,
	}, nil
}

// Redeem применяет подарочную карту к заказу. Проверки выполняются строго в
// порядке: формат номера, формат PIN, поиск карты, совпадение PIN, статус,
// срок действия, баланс. Сумма списания равна min(баланс, остаток заказа
// после промоскидки); баланс карты на этом шаге не уменьшается — списание
// происходит при финализации заказа.
func (s *Service) Redeem(ctx context.Context, orderID int64, cardNumber, pin string) (*model.AppliedCard, error) {
	if !validation.ValidateCardNumber(cardNumber) {
		return nil, ErrInvalidFormat
	}
	if !validation.ValidatePIN(pin) {
		return nil, ErrInvalidFormat
	}

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, s.wrapRepoErr(err)
	}
	if order.Status != model.OrderStatusPending {
		return nil, repository.ErrOrderNotPending
	}
	if order.GiftCardID != nil {
		return nil, repository.ErrCardAlreadyApplied
	}

	card, err := s.repo.GetCardByNumber(ctx, cardNumber)
	if err != nil {
		return nil, s.wrapRepoErr(err)
	}

	if card.PIN != pin {
		return nil, ErrInvalidPIN
	}
	if card.Status != model.CardStatusActive {
		return nil, &InactiveError{Status: card.Status}
	}
	if validation.IsExpired(card.ExpiryDate, time.Now()) {
		return nil, ErrCardExpired
	}
	if card.CurrentBalance <= 0 {
		return nil, ErrCardDepleted
	}

	// Промоскидка применяется первой; карта покрывает только остаток.
	remaining := order.Subtotal - order.PromoDiscount
	if remaining < 0 {
		remaining = 0
	}

	applied := card.CurrentBalance
	if applied > remaining {
		applied = remaining
	}

	if err := s.repo.AttachCardToOrder(ctx, orderID, card.ID, applied); err != nil {
		return nil, s.wrapRepoErr(err)
	}

	return &model.AppliedCard{
		CardNumber:       validation.MaskCardNumber(card.CardNumber),
		AppliedAmount:    applied,
		RemainingBalance: card.CurrentBalance - applied,
	}, nil
}

// RemoveAppliedCard отвязывает карту от заказа. Записи в леджер карт не
// выполняются: до финализации баланс не менялся.
func (s *Service) RemoveAppliedCard(ctx context.Context, orderID int64) error {
	if err := s.repo.DetachCardFromOrder(ctx, orderID); err != nil {
		return s.wrapRepoErr(err)
	}
	return nil
}

// ApplyPromo применяет промокод к заказу. К заказу допускается один промокод;
// скидка ограничивается промежуточной суммой. Если карта была применена
// раньше промокода, её сумма списания пересчитывается под новый остаток.
func (s *Service) ApplyPromo(ctx context.Context, orderID int64, code string) (*promo.Discount, error) {
	if s.promoClient == nil {
		return nil, &TransientError{Err: errors.New("promo evaluator not configured")}
	}

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, s.wrapRepoErr(err)
	}
	if order.Status != model.OrderStatusPending {
		return nil, repository.ErrOrderNotPending
	}
	if order.PromoCode != nil {
		return nil, repository.ErrPromoAlreadyApplied
	}

	discount, statusCode, retryAfter, err := s.promoClient.Evaluate(ctx, code, order.Subtotal)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	if statusCode == http.StatusTooManyRequests {
		return nil, &TransientError{
			Err: fmt.Errorf("promo evaluator rate limited, retry after %s", retryAfter),
		}
	}
	if discount == nil || discount.DiscountAmount <= 0 {
		return nil, ErrPromoNotFound
	}

	if discount.DiscountAmount > order.Subtotal {
		discount.DiscountAmount = order.Subtotal
	}

	if err := s.repo.SetOrderPromo(ctx, orderID, discount.Code, discount.DiscountAmount); err != nil {
		return nil, s.wrapRepoErr(err)
	}

	remaining := order.Subtotal - discount.DiscountAmount
	if order.GiftCardID != nil && order.GiftCardAmount > remaining {
		if err := s.repo.UpdateAppliedCardAmount(ctx, orderID, remaining); err != nil {
			return nil, s.wrapRepoErr(err)
		}
	}

	return discount, nil
}

// CreateOrder открывает новый заказ для оформления.
func (s *Service) CreateOrder(ctx context.Context, subtotal int64) (*model.Order, error) {
	if subtotal <= 0 {
		return nil, ErrInvalidAmount
	}

	order, err := s.repo.CreateOrder(ctx, subtotal)
	if err != nil {
		return nil, s.wrapRepoErr(err)
	}
	return order, nil
}

// OrderView — представление заказа для страницы оформления: применённые
// скидки, карта и итоговая сумма.
type OrderView struct {
	Order       *model.Order
	AppliedCard *model.AppliedCard
	FinalTotal  int64
}

// GetOrderView возвращает заказ вместе с маскированным представлением
// применённой карты.
func (s *Service) GetOrderView(ctx context.Context, orderID int64) (*OrderView, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, s.wrapRepoErr(err)
	}

	view := &OrderView{
		Order:      order,
		FinalTotal: order.FinalTotal(),
	}

	if order.GiftCardID != nil {
		card, err := s.repo.GetCardByID(ctx, *order.GiftCardID)
		if err != nil {
			return nil, s.wrapRepoErr(err)
		}
		view.AppliedCard = &model.AppliedCard{
			CardNumber:       validation.MaskCardNumber(card.CardNumber),
			AppliedAmount:    order.GiftCardAmount,
			RemainingBalance: card.CurrentBalance - order.GiftCardAmount,
		}
	}

	return view, nil
}

// FinalizeOrder завершает заказ и выполняет единственное списание с карты.
func (s *Service) FinalizeOrder(ctx context.Context, orderID int64) (*model.Order, error) {
	order, err := s.repo.FinalizeOrder(ctx, orderID)
	if err != nil {
		return nil, s.wrapRepoErr(err)
	}
	return order, nil
}

// GetCardByNumber возвращает карту для административного просмотра.
func (s *Service) GetCardByNumber(ctx context.Context, number string) (*model.GiftCard, error) {
	if !validation.ValidateCardNumber(number) {
		return nil, ErrInvalidFormat
	}

	card, err := s.repo.GetCardByNumber(ctx, number)
	if err != nil {
		return nil, s.wrapRepoErr(err)
	}
	return card, nil
}

// CancelCard аннулирует карту по номеру.
func (s *Service) CancelCard(ctx context.Context, number string) error {
	if !validation.ValidateCardNumber(number) {
		return ErrInvalidFormat
	}

	card, err := s.repo.GetCardByNumber(ctx, number)
	if err != nil {
		return s.wrapRepoErr(err)
	}

	if err := s.repo.CancelCard(ctx, card.ID); err != nil {
		return s.wrapRepoErr(err)
	}
	return nil
}

// MarkCalled отмечает, что с получателем карты связались по телефону.
func (s *Service) MarkCalled(ctx context.Context, number string) error {
	if !validation.ValidateCardNumber(number) {
		return ErrInvalidFormat
	}

	card, err := s.repo.GetCardByNumber(ctx, number)
	if err != nil {
		return s.wrapRepoErr(err)
	}

	if err := s.repo.MarkCalled(ctx, card.ID); err != nil {
		return s.wrapRepoErr(err)
	}
	return nil
}

// wrapRepoErr пропускает доменные ошибки репозитория как есть и заворачивает
// остальные (сетевые и прочие сбои БД) в TransientError.
func (s *Service) wrapRepoErr(err error) error {
	for _, domain := range []error{
		repository.ErrCardExists,
		repository.ErrCardNotFound,
		repository.ErrOrderNotFound,
		repository.ErrOrderNotPending,
		repository.ErrCardAlreadyApplied,
		repository.ErrPromoAlreadyApplied,
		repository.ErrBalanceConflict,
	} {
		if errors.Is(err, domain) {
			return err
		}
	}
	return &TransientError{Err: err}
}
