// Package model содержит доменные сущности сервиса подарочных карт.
package model

import "time"

// CardStatus описывает административный статус подарочной карты.
// Нулевой баланс при статусе active означает полностью потраченную карту,
// а не статус used: used выставляется только администратором.
type CardStatus string

const (
	CardStatusActive    CardStatus = "active"
	CardStatusUsed      CardStatus = "used"
	CardStatusCancelled CardStatus = "cancelled"
)

// DesignTheme описывает тему оформления подарочной карты.
type DesignTheme string

const (
	ThemeBirthday DesignTheme = "birthday"
	ThemeDiwali   DesignTheme = "diwali"
	ThemeGeneral  DesignTheme = "general"
)

// ValidTheme сообщает, входит ли значение в список допустимых тем оформления.
func ValidTheme(s string) bool {
	switch DesignTheme(s) {
	case ThemeBirthday, ThemeDiwali, ThemeGeneral:
		return true
	}
	return false
}

// CardType описывает тип подарочной карты.
type CardType string

const (
	CardTypeRegular    CardType = "regular"
	CardTypeReloadable CardType = "reloadable"
)

// GiftCard описывает подарочную карту. Суммы хранятся в целых единицах валюты.
// OriginalAmount неизменяем после выпуска; CurrentBalance только убывает.
type GiftCard struct {
	ID              int64
	CardNumber      string
	PIN             string
	OriginalAmount  int64
	CurrentBalance  int64
	Status          CardStatus
	ExpiryDate      time.Time
	DesignTheme     DesignTheme
	CardType        CardType
	RecipientName   string
	RecipientEmail  string
	RecipientPhone  string
	SenderName      string
	Message         string
	DeliveryMethod  string
	RecipientCalled bool
	CreatedAt       time.Time
}

// OrderStatus описывает статус оформляемого заказа.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusFinalized OrderStatus = "finalized"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Order описывает контекст оформления заказа: промежуточную сумму,
// применённый промокод и не более одной применённой подарочной карты.
type Order struct {
	ID             int64
	Subtotal       int64
	PromoCode      *string
	PromoDiscount  int64
	GiftCardID     *int64
	GiftCardAmount int64
	Status         OrderStatus
	CreatedAt      time.Time
}

// FinalTotal возвращает итоговую сумму заказа: сначала вычитается промоскидка,
// затем сумма подарочной карты. Итог не бывает отрицательным.
func (o *Order) FinalTotal() int64 {
	total := o.Subtotal - o.PromoDiscount - o.GiftCardAmount
	if total < 0 {
		return 0
	}
	return total
}

// AppliedCard — представление применённой к заказу подарочной карты для
// страницы оформления заказа. Номер карты всегда маскирован.
type AppliedCard struct {
	CardNumber       string `json:"card_number"`
	AppliedAmount    int64  `json:"applied_amount"`
	RemainingBalance int64  `json:"remaining_balance"`
}

// BulkOrderRow описывает проверенную строку массовой заявки на выпуск карт.
// Строки не сохраняются напрямую: до выпуска карт доходят только прошедшие
// валидацию заявки.
type BulkOrderRow struct {
	RecipientName  string
	RecipientEmail string
	RecipientPhone string
	Amount         int64
	DesignTheme    DesignTheme
}
