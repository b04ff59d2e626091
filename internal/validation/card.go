// Package validation содержит чистые функции проверки формата подарочных карт.
package validation

import (
	"math"
	"strings"
	"time"
)

// CardPrefix — фиксированный префикс номера подарочной карты.
const CardPrefix = "DIVAA"

const (
	segmentLength = 4
	pinLength     = 6
)

// ValidateCardNumber проверяет формат номера карты: ровно четыре сегмента,
// первый равен префиксу, остальные состоят из четырёх цифр.
func ValidateCardNumber(number string) bool {
	parts := strings.Split(number, "-")
	if len(parts) != 4 {
		return false
	}
	if parts[0] != CardPrefix {
		return false
	}
	for _, seg := range parts[1:] {
		if !isDigits(seg, segmentLength) {
			return false
		}
	}
	return true
}

// ValidatePIN проверяет, что PIN состоит ровно из шести цифр.
func ValidatePIN(pin string) bool {
	return isDigits(pin, pinLength)
}

// IsExpired сообщает, истёк ли срок действия карты на момент now.
func IsExpired(expiry, now time.Time) bool {
	return expiry.Before(now)
}

// DaysUntilExpiry возвращает число дней до истечения срока действия с
// округлением вверх. Для просроченных карт значение отрицательное.
func DaysUntilExpiry(expiry, now time.Time) int {
	return int(math.Ceil(expiry.Sub(now).Hours() / 24))
}

// MaskCardNumber возвращает номер карты с маскированными средними сегментами:
// DIVAA-****-****-1234. Значения не из четырёх сегментов возвращаются без
// изменений.
func MaskCardNumber(number string) string {
	parts := strings.Split(number, "-")
	if len(parts) != 4 {
		return number
	}
	return parts[0] + "-****-****-" + parts[3]
}

// isDigits принимает только ASCII-цифры: цифры других алфавитов не являются
// корректными сегментами номера или PIN.
func isDigits(s string, length int) bool {
	if len(s) != length {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
