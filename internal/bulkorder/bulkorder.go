// Package bulkorder выполняет валидацию массовых заявок на выпуск подарочных карт.
package bulkorder

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/divaa/giftcard-system/internal/model"
)

// Лимиты массовой загрузки.
const (
	MaxRows       = 100
	MaxFileSizeMB = 5
	MinAmount     = 500
	MaxAmount     = 50000
	AmountStep    = 100
)

// Минимальное число цифр в телефоне получателя.
const minPhoneDigits = 10

var (
	emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	// Телефон может начинаться со скобки или пробела: жёсткой привязки
	// первого символа к цифре нет, требуется только допустимый набор символов.
	phonePattern = regexp.MustCompile(`^\+?[0-9\s\-()]+$`)
)

// RawRow содержит непроверенные строковые значения одной строки загрузки.
// Line — номер строки файла (начиная с 1, без учёта заголовка).
type RawRow struct {
	Line           int
	RecipientName  string
	RecipientEmail string
	RecipientPhone string
	Amount         string
	DesignTheme    string
}

// RowError описывает одну ошибку валидации: строка, поле и сообщение.
type RowError struct {
	Row     int    `json:"row"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Result — итог валидации загрузки. При любой ошибке Valid равен false и
// Rows пуст: частичный выпуск карт из файла с ошибками не допускается.
type Result struct {
	Valid  bool
	Rows   []model.BulkOrderRow
	Errors []RowError
}

// ValidateRows проверяет все строки загрузки и накапливает все ошибки,
// не останавливаясь на первой: пользователь должен увидеть полную таблицу
// ошибок за один проход.
func ValidateRows(rows []RawRow) Result {
	if len(rows) > MaxRows {
		return Result{
			Errors: []RowError{{
				Row:     0,
				Field:   "file",
				Message: fmt.Sprintf("file contains %d rows, limit is %d", len(rows), MaxRows),
			}},
		}
	}

	var (
		valid []model.BulkOrderRow
		errs  []RowError
	)

	for _, raw := range rows {
		rowErrs := validateRow(raw)
		if len(rowErrs) > 0 {
			errs = append(errs, rowErrs...)
			continue
		}

		amount, _ := strconv.ParseInt(strings.TrimSpace(raw.Amount), 10, 64)
		valid = append(valid, model.BulkOrderRow{
			RecipientName:  strings.TrimSpace(raw.RecipientName),
			RecipientEmail: strings.TrimSpace(raw.RecipientEmail),
			RecipientPhone: strings.TrimSpace(raw.RecipientPhone),
			Amount:         amount,
			DesignTheme:    model.DesignTheme(strings.TrimSpace(raw.DesignTheme)),
		})
	}

	if len(errs) > 0 {
		return Result{Errors: errs}
	}

	return Result{Valid: true, Rows: valid}
}

func validateRow(raw RawRow) []RowError {
	var errs []RowError

	fail := func(field, message string) {
		errs = append(errs, RowError{Row: raw.Line, Field: field, Message: message})
	}

	name := strings.TrimSpace(raw.RecipientName)
	email := strings.TrimSpace(raw.RecipientEmail)
	phone := strings.TrimSpace(raw.RecipientPhone)
	amount := strings.TrimSpace(raw.Amount)
	theme := strings.TrimSpace(raw.DesignTheme)

	if name == "" {
		fail("recipient_name", "recipient name is required")
	}

	switch {
	case email == "":
		fail("recipient_email", "recipient email is required")
	case !emailPattern.MatchString(email):
		fail("recipient_email", "recipient email is not a valid address")
	}

	switch {
	case phone == "":
		fail("recipient_phone", "recipient phone is required")
	case !phonePattern.MatchString(phone):
		fail("recipient_phone", "recipient phone contains invalid characters")
	case digitCount(phone) < minPhoneDigits:
		fail("recipient_phone", "recipient phone must contain at least 10 digits")
	}

	switch {
	case amount == "":
		fail("amount", "amount is required")
	default:
		v, err := strconv.ParseInt(amount, 10, 64)
		switch {
		case err != nil:
			fail("amount", "amount must be a whole number")
		case v < MinAmount:
			fail("amount", fmt.Sprintf("amount must be at least %d", MinAmount))
		case v > MaxAmount:
			fail("amount", fmt.Sprintf("amount must not exceed %d", MaxAmount))
		case v%AmountStep != 0:
			fail("amount", fmt.Sprintf("amount must be a multiple of %d", AmountStep))
		}
	}

	switch {
	case theme == "":
		fail("design_theme", "design theme is required")
	case !model.ValidTheme(theme):
		fail("design_theme", fmt.Sprintf("design theme %q is not supported", theme))
	}

	return errs
}

func digitCount(phone string) int {
	digits := 0
	for _, ch := range phone {
		if ch >= '0' && ch <= '9' {
			digits++
		}
	}
	return digits
}
