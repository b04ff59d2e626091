// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/divaa/giftcard-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrCardExists возвращается при попытке сохранить карту с уже занятым номером.
var (
	ErrCardExists = errors.New("card number already exists")
	// ErrCardNotFound возвращается, если карта не найдена.
	ErrCardNotFound = errors.New("gift card not found")
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderNotPending возвращается при попытке изменить завершённый заказ.
	ErrOrderNotPending = errors.New("order is not pending")
	// ErrCardAlreadyApplied возвращается, если к заказу уже привязана карта.
	ErrCardAlreadyApplied = errors.New("a gift card is already applied to the order")
	// ErrPromoAlreadyApplied возвращается, если к заказу уже применён промокод.
	ErrPromoAlreadyApplied = errors.New("a promo code is already applied to the order")
	// ErrBalanceConflict возвращается, если условное списание не затронуло ни
	// одной строки: баланс карты изменился между проверкой и списанием.
	ErrBalanceConflict = errors.New("card balance changed concurrently")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет операцию при временных ошибках БД: сбоях сериализации,
// дедлоках и обрывах соединения. Ошибки валидации и контекста не повторяются.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewConstant(time.Second))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				return retry.RetryableError(err)
			}
			return err
		}

		if isConnectionError(err) {
			return retry.RetryableError(err)
		}

		return err
	})
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CardNumberExists проверяет занятость номера карты. Проверка обязательна на
// каждой попытке генерации номера.
func (r *PostgresRepository) CardNumberExists(ctx context.Context, number string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM gift_cards WHERE card_number = $1)`,
		number,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check card number: %w", err)
	}
	return exists, nil
}

const insertCardSQL = `INSERT INTO gift_cards
	(card_number, card_pin, original_amount, current_balance, status, expiry_date,
	 design_theme, card_type, recipient_name, recipient_email, recipient_phone,
	 sender_name, message, delivery_method)
 VALUES ($1, $2, $3, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
 RETURNING id, created_at`

// CreateCard сохраняет новую карту. Начальный баланс равен номиналу.
func (r *PostgresRepository) CreateCard(ctx context.Context, card *model.GiftCard) error {
	err := r.pool.QueryRow(ctx, insertCardSQL,
		card.CardNumber, card.PIN, card.OriginalAmount, string(card.Status),
		card.ExpiryDate, string(card.DesignTheme), string(card.CardType),
		card.RecipientName, card.RecipientEmail, card.RecipientPhone,
		card.SenderName, card.Message, card.DeliveryMethod,
	).Scan(&card.ID, &card.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: %s", ErrCardExists, card.CardNumber)
		}
		return fmt.Errorf("create card: %w", err)
	}
	card.CurrentBalance = card.OriginalAmount
	return nil
}

// CreateCards сохраняет пакет карт в одной транзакции: либо выпускаются все,
// либо ни одной.
func (r *PostgresRepository) CreateCards(ctx context.Context, cards []model.GiftCard) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for i := range cards {
		card := &cards[i]
		err := tx.QueryRow(ctx, insertCardSQL,
			card.CardNumber, card.PIN, card.OriginalAmount, string(card.Status),
			card.ExpiryDate, string(card.DesignTheme), string(card.CardType),
			card.RecipientName, card.RecipientEmail, card.RecipientPhone,
			card.SenderName, card.Message, card.DeliveryMethod,
		).Scan(&card.ID, &card.CreatedAt)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
				return fmt.Errorf("%w: %s", ErrCardExists, card.CardNumber)
			}
			return fmt.Errorf("create card %d: %w", i, err)
		}
		card.CurrentBalance = card.OriginalAmount
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

const selectCardSQL = `SELECT id, card_number, card_pin, original_amount, current_balance, status,
	expiry_date, design_theme, card_type, recipient_name, recipient_email,
	recipient_phone, sender_name, message, delivery_method, recipient_called,
	created_at
 FROM gift_cards`

// GetCardByNumber возвращает карту по номеру.
func (r *PostgresRepository) GetCardByNumber(ctx context.Context, number string) (*model.GiftCard, error) {
	return r.scanCard(r.pool.QueryRow(ctx, selectCardSQL+` WHERE card_number = $1`, number))
}

// GetCardByID возвращает карту по идентификатору.
func (r *PostgresRepository) GetCardByID(ctx context.Context, id int64) (*model.GiftCard, error) {
	return r.scanCard(r.pool.QueryRow(ctx, selectCardSQL+` WHERE id = $1`, id))
}

func (r *PostgresRepository) scanCard(row rowScanner) (*model.GiftCard, error) {
	var c model.GiftCard
	var status, theme, cardType string
	err := row.Scan(&c.ID, &c.CardNumber, &c.PIN, &c.OriginalAmount, &c.CurrentBalance,
		&status, &c.ExpiryDate, &theme, &cardType, &c.RecipientName, &c.RecipientEmail,
		&c.RecipientPhone, &c.SenderName, &c.Message, &c.DeliveryMethod,
		&c.RecipientCalled, &c.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCardNotFound
		}
		return nil, fmt.Errorf("get card: %w", err)
	}

	c.Status = model.CardStatus(status)
	c.DesignTheme = model.DesignTheme(theme)
	c.CardType = model.CardType(cardType)

	return &c, nil
}

// CancelCard переводит карту в статус cancelled. Карта не удаляется:
// жизненный цикл допускает только смену статуса.
func (r *PostgresRepository) CancelCard(ctx context.Context, id int64) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE gift_cards SET status = $2 WHERE id = $1`,
		id, string(model.CardStatusCancelled),
	)
	if err != nil {
		return fmt.Errorf("cancel card: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrCardNotFound
	}
	return nil
}

// MarkCalled отмечает, что с получателем карты связались.
func (r *PostgresRepository) MarkCalled(ctx context.Context, id int64) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE gift_cards SET recipient_called = TRUE WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("mark called: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrCardNotFound
	}
	return nil
}

// CreateOrder открывает новый заказ с указанной промежуточной суммой.
func (r *PostgresRepository) CreateOrder(ctx context.Context, subtotal int64) (*model.Order, error) {
	var o model.Order
	err := r.pool.QueryRow(ctx,
		`INSERT INTO orders (subtotal, status) VALUES ($1, $2) RETURNING id, created_at`,
		subtotal, string(model.OrderStatusPending),
	).Scan(&o.ID, &o.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	o.Subtotal = subtotal
	o.Status = model.OrderStatusPending
	return &o, nil
}

// GetOrder возвращает заказ по идентификатору.
func (r *PostgresRepository) GetOrder(ctx context.Context, id int64) (*model.Order, error) {
	return r.scanOrder(ctx, r.pool.QueryRow(ctx, selectOrderSQL, id))
}

const selectOrderSQL = `SELECT id, subtotal, promo_code, promo_discount, gift_card_id,
	gift_card_amount, status, created_at FROM orders WHERE id = $1`

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *PostgresRepository) scanOrder(_ context.Context, row rowScanner) (*model.Order, error) {
	var o model.Order
	var status string
	err := row.Scan(&o.ID, &o.Subtotal, &o.PromoCode, &o.PromoDiscount,
		&o.GiftCardID, &o.GiftCardAmount, &status, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	o.Status = model.OrderStatus(status)
	return &o, nil
}

// AttachCardToOrder привязывает карту к заказу с рассчитанной суммой списания.
// Баланс карты на этом шаге не изменяется; к одному заказу может быть
// привязана не более одной карты.
func (r *PostgresRepository) AttachCardToOrder(ctx context.Context, orderID, cardID, amount int64) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		order, err := r.lockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if order.Status != model.OrderStatusPending {
			return ErrOrderNotPending
		}
		if order.GiftCardID != nil {
			return ErrCardAlreadyApplied
		}

		_, err = tx.Exec(ctx,
			`UPDATE orders SET gift_card_id = $2, gift_card_amount = $3 WHERE id = $1`,
			orderID, cardID, amount,
		)
		if err != nil {
			return fmt.Errorf("attach card: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// DetachCardFromOrder отвязывает карту от заказа и обнуляет сумму списания.
// Записей в gift_cards не происходит: баланс не менялся до финализации.
func (r *PostgresRepository) DetachCardFromOrder(ctx context.Context, orderID int64) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE orders SET gift_card_id = NULL, gift_card_amount = 0
		 WHERE id = $1 AND status = $2`,
		orderID, string(model.OrderStatusPending),
	)
	if err != nil {
		return fmt.Errorf("detach card: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// SetOrderPromo применяет промокод к заказу. К заказу допускается не более
// одного промокода.
func (r *PostgresRepository) SetOrderPromo(ctx context.Context, orderID int64, code string, discount int64) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		order, err := r.lockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if order.Status != model.OrderStatusPending {
			return ErrOrderNotPending
		}
		if order.PromoCode != nil {
			return ErrPromoAlreadyApplied
		}

		_, err = tx.Exec(ctx,
			`UPDATE orders SET promo_code = $2, promo_discount = $3 WHERE id = $1`,
			orderID, code, discount,
		)
		if err != nil {
			return fmt.Errorf("set promo: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// UpdateAppliedCardAmount пересчитывает сумму списания уже привязанной карты.
// Используется, когда промокод применяется после карты и уменьшает остаток.
func (r *PostgresRepository) UpdateAppliedCardAmount(ctx context.Context, orderID, amount int64) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE orders SET gift_card_amount = $2
		 WHERE id = $1 AND status = $3 AND gift_card_id IS NOT NULL`,
		orderID, amount, string(model.OrderStatusPending),
	)
	if err != nil {
		return fmt.Errorf("update applied amount: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// FinalizeOrder завершает заказ. Списание с карты выполняется единственным
// условным обновлением; нулевое число затронутых строк означает, что баланс
// изменился параллельно, и заказ не завершается.
func (r *PostgresRepository) FinalizeOrder(ctx context.Context, orderID int64) (*model.Order, error) {
	var result *model.Order

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		order, err := r.lockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if order.Status != model.OrderStatusPending {
			return ErrOrderNotPending
		}

		if order.GiftCardID != nil && order.GiftCardAmount > 0 {
			cmdTag, err := tx.Exec(ctx,
				`UPDATE gift_cards
				 SET current_balance = current_balance - $2
				 WHERE id = $1 AND current_balance >= $2`,
				*order.GiftCardID, order.GiftCardAmount,
			)
			if err != nil {
				return fmt.Errorf("apply balance: %w", err)
			}
			if cmdTag.RowsAffected() == 0 {
				return ErrBalanceConflict
			}
		}

		_, err = tx.Exec(ctx,
			`UPDATE orders SET status = $2 WHERE id = $1`,
			orderID, string(model.OrderStatusFinalized),
		)
		if err != nil {
			return fmt.Errorf("finalize order: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		order.Status = model.OrderStatusFinalized
		result = order
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PostgresRepository) lockOrder(ctx context.Context, tx pgx.Tx, orderID int64) (*model.Order, error) {
	return r.scanOrder(ctx, tx.QueryRow(ctx, selectOrderSQL+` FOR UPDATE`, orderID))
}
