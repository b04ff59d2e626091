// Package generator отвечает за генерацию номеров и PIN-кодов подарочных карт.
package generator

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"

	"github.com/divaa/giftcard-system/internal/validation"
)

// maxAttempts ограничивает число попыток основной схемы генерации, после
// чего выполняется переход на резервную схему на основе UUID.
const maxAttempts = 10

// ErrNumberSpaceExhausted возвращается, если уникальный номер не удалось
// подобрать даже резервной схемой.
var ErrNumberSpaceExhausted = errors.New("card number space exhausted")

// Ledger описывает минимальный контракт хранилища, необходимый для проверки
// занятости номера карты.
type Ledger interface {
	CardNumberExists(ctx context.Context, number string) (bool, error)
}

// Generator создаёт уникальные номера подарочных карт и PIN-коды.
// Генератор только читает из хранилища; сохранение карты выполняет вызывающий.
type Generator struct {
	ledger Ledger
}

// New создаёт генератор, проверяющий уникальность номеров через указанное хранилище.
func New(ledger Ledger) *Generator {
	return &Generator{ledger: ledger}
}

// CardNumber генерирует уникальный номер карты формата DIVAA-XXXX-XXXX-XXXX.
// Проверка занятости номера в хранилище обязательна на каждой попытке.
// После исчерпания бюджета попыток номер собирается из цифр UUID, формат
// при этом сохраняется.
func (g *Generator) CardNumber(ctx context.Context) (string, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		number, err := randomCardNumber()
		if err != nil {
			return "", fmt.Errorf("generate card number: %w", err)
		}

		exists, err := g.ledger.CardNumberExists(ctx, number)
		if err != nil {
			return "", fmt.Errorf("check card number: %w", err)
		}
		if !exists {
			return number, nil
		}
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		number := numberFromUUID()

		exists, err := g.ledger.CardNumberExists(ctx, number)
		if err != nil {
			return "", fmt.Errorf("check fallback card number: %w", err)
		}
		if !exists {
			return number, nil
		}
	}

	return "", ErrNumberSpaceExhausted
}

// PIN генерирует шестизначный PIN-код. Уникальность не требуется:
// учётными данными является пара (номер карты, PIN).
func (g *Generator) PIN() (string, error) {
	pin, err := randomDigits(6)
	if err != nil {
		return "", fmt.Errorf("generate pin: %w", err)
	}
	return pin, nil
}

func randomCardNumber() (string, error) {
	segments := make([]string, 0, 4)
	segments = append(segments, validation.CardPrefix)
	for i := 0; i < 3; i++ {
		seg, err := randomDigits(4)
		if err != nil {
			return "", err
		}
		segments = append(segments, seg)
	}
	return strings.Join(segments, "-"), nil
}

func randomDigits(n int) (string, error) {
	limit := big.NewInt(1)
	for i := 0; i < n; i++ {
		limit.Mul(limit, big.NewInt(10))
	}

	v, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%0*d", n, v), nil
}

// numberFromUUID сворачивает байты UUID в двенадцать цифр и раскладывает их
// по сегментам номера карты.
func numberFromUUID() string {
	id := uuid.New()

	var b strings.Builder
	b.WriteString(validation.CardPrefix)
	for i, by := range id[:12] {
		if i%4 == 0 {
			b.WriteByte('-')
		}
		b.WriteByte('0' + by%10)
	}
	return b.String()
}
