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

	"github.com/openfoodfoundation/openfoodnetwork-sub003/internal/backorder"
	"github.com/openfoodfoundation/openfoodnetwork-sub003/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrOrderNotFound возвращается, если розничный заказ с указанным номером не найден.
var ErrOrderNotFound = errors.New("retail order not found")

// Состояния розничного заказа, учитываемые при расчёте спроса.
var invoiceableStates = []string{"complete", "resumed"}

// Статусы заданий на согласование.
const (
	JobStatusNew    = "NEW"
	JobStatusDone   = "DONE"
	JobStatusFailed = "FAILED"
)

// ReconcileJob описывает отложенное задание на согласование оптового заказа.
type ReconcileJob struct {
	ID          int64
	OrderNumber string
	Kind        string
}

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

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		// Если ошибка контекста — выходим сразу
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Ретраи полезны для Serialization Failure и Deadlocks.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		// Если это не pg-ошибка, но сетевая
		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
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

// DemandContextByOrder возвращает область согласования (цикл закупки и
// дистрибьютора) розничного заказа по его номеру.
func (r *PostgresRepository) DemandContextByOrder(ctx context.Context, number string) (model.DemandContext, error) {
	var dc model.DemandContext
	err := r.pool.QueryRow(ctx,
		`SELECT order_cycle_id, distributor_id FROM retail_orders WHERE number = $1`,
		number,
	).Scan(&dc.OrderCycleID, &dc.DistributorID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.DemandContext{}, fmt.Errorf("%w: %s", ErrOrderNotFound, number)
		}
		return model.DemandContext{}, fmt.Errorf("get retail order: %w", err)
	}
	return dc, nil
}

// VariantsDemandedBy возвращает варианты с внешней ссылкой на оптовый каталог,
// востребованные учитываемыми розничными заказами области согласования.
func (r *PostgresRepository) VariantsDemandedBy(ctx context.Context, dc model.DemandContext) ([]*model.Variant, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT v.id, v.product_id, v.on_demand, v.on_hand, v.product_link
		 FROM variants v
		 JOIN retail_order_lines l ON l.variant_id = v.id
		 JOIN retail_orders o ON o.id = l.order_id
		 WHERE o.order_cycle_id = $1
		   AND o.distributor_id = $2
		   AND o.state = ANY($3)
		   AND v.product_link <> ''
		 ORDER BY v.id`,
		dc.OrderCycleID, dc.DistributorID, invoiceableStates,
	)
	if err != nil {
		return nil, fmt.Errorf("select demanded variants: %w", err)
	}
	defer rows.Close()

	var variants []*model.Variant
	for rows.Next() {
		var v model.Variant
		if err := rows.Scan(&v.ID, &v.ProductID, &v.OnDemand, &v.OnHand, &v.ProductLink); err != nil {
			return nil, fmt.Errorf("scan variant: %w", err)
		}
		variants = append(variants, &v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return variants, nil
}

// TotalDemand возвращает суммарное количество варианта по всем учитываемым
// розничным заказам области согласования. Полный пересчёт, не инкремент.
func (r *PostgresRepository) TotalDemand(ctx context.Context, dc model.DemandContext, variantID int64) (int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(l.quantity), 0)
		 FROM retail_order_lines l
		 JOIN retail_orders o ON o.id = l.order_id
		 WHERE o.order_cycle_id = $1
		   AND o.distributor_id = $2
		   AND o.state = ANY($3)
		   AND l.variant_id = $4`,
		dc.OrderCycleID, dc.DistributorID, invoiceableStates, variantID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum demand: %w", err)
	}
	return total, nil
}

// VariantByProductLink возвращает вариант по внешней ссылке на оптовый продукт.
// Если такого варианта нет, возвращается nil без ошибки.
func (r *PostgresRepository) VariantByProductLink(ctx context.Context, link string) (*model.Variant, error) {
	return r.variantBy(ctx,
		`SELECT id, product_id, on_demand, on_hand, product_link
		 FROM variants WHERE product_link = $1 ORDER BY id LIMIT 1`,
		link,
	)
}

// VariantByRetailProduct возвращает вариант по идентификатору розничного продукта.
// Если такого варианта нет, возвращается nil без ошибки.
func (r *PostgresRepository) VariantByRetailProduct(ctx context.Context, productID int64) (*model.Variant, error) {
	return r.variantBy(ctx,
		`SELECT id, product_id, on_demand, on_hand, product_link
		 FROM variants WHERE product_id = $1 ORDER BY id LIMIT 1`,
		productID,
	)
}

func (r *PostgresRepository) variantBy(ctx context.Context, query string, arg any) (*model.Variant, error) {
	var v model.Variant
	err := r.pool.QueryRow(ctx, query, arg).Scan(&v.ID, &v.ProductID, &v.OnDemand, &v.OnHand, &v.ProductLink)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get variant: %w", err)
	}
	return &v, nil
}

// OrderLink возвращает сохранённую ссылку на удалённый заказ для области
// согласования; пустую строку, если ссылка ещё не записана.
func (r *PostgresRepository) OrderLink(ctx context.Context, dc model.DemandContext) (string, error) {
	var link string
	err := r.pool.QueryRow(ctx,
		`SELECT remote_order_id FROM backorder_links WHERE order_cycle_id = $1 AND distributor_id = $2`,
		dc.OrderCycleID, dc.DistributorID,
	).Scan(&link)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("get order link: %w", err)
	}
	return link, nil
}

// SaveOrderLink записывает ссылку на удалённый заказ для области согласования.
// Ссылка — быстрый и точный путь поиска открытого заказа в следующих проходах.
func (r *PostgresRepository) SaveOrderLink(ctx context.Context, dc model.DemandContext, remoteOrderID string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO backorder_links (order_cycle_id, distributor_id, remote_order_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (order_cycle_id, distributor_id)
		 DO UPDATE SET remote_order_id = EXCLUDED.remote_order_id`,
		dc.OrderCycleID, dc.DistributorID, remoteOrderID,
	)
	if err != nil {
		return fmt.Errorf("save order link: %w", err)
	}
	return nil
}

// DeleteOrderLink удаляет сохранённую ссылку после завершения удалённого заказа.
func (r *PostgresRepository) DeleteOrderLink(ctx context.Context, dc model.DemandContext) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM backorder_links WHERE order_cycle_id = $1 AND distributor_id = $2`,
		dc.OrderCycleID, dc.DistributorID,
	)
	if err != nil {
		return fmt.Errorf("delete order link: %w", err)
	}
	return nil
}

// ApplyStockChanges записывает новые остатки вариантов одной транзакцией.
// Строки вариантов блокируются, чтобы параллельные проходы по одному варианту
// не гонялись за остатком.
func (r *PostgresRepository) ApplyStockChanges(ctx context.Context, changes []backorder.StockChange) error {
	if len(changes) == 0 {
		return nil
	}

	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		for _, change := range changes {
			var dummy int
			err = tx.QueryRow(ctx, `SELECT 1 FROM variants WHERE id = $1 FOR UPDATE`, change.VariantID).Scan(&dummy)
			if err != nil {
				return fmt.Errorf("lock variant for update: %w", err)
			}

			_, err = tx.Exec(ctx,
				`UPDATE variants SET on_hand = $2 WHERE id = $1`,
				change.VariantID, change.OnHand,
			)
			if err != nil {
				return fmt.Errorf("update variant stock: %w", err)
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
}

// EnqueueReconcileJob ставит задание на согласование в очередь.
func (r *PostgresRepository) EnqueueReconcileJob(ctx context.Context, orderNumber, kind string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO reconcile_jobs (order_number, kind, status) VALUES ($1, $2, $3)`,
		orderNumber, kind, JobStatusNew,
	)
	if err != nil {
		return fmt.Errorf("enqueue reconcile job: %w", err)
	}
	return nil
}

// NextReconcileJobs возвращает задания, ожидающие обработки.
func (r *PostgresRepository) NextReconcileJobs(ctx context.Context, limit int) ([]ReconcileJob, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, order_number, kind
		 FROM reconcile_jobs
		 WHERE status = $1
		 ORDER BY created_at
		 LIMIT $2`,
		JobStatusNew, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select reconcile jobs: %w", err)
	}
	defer rows.Close()

	var jobs []ReconcileJob
	for rows.Next() {
		var job ReconcileJob
		if err := rows.Scan(&job.ID, &job.OrderNumber, &job.Kind); err != nil {
			return nil, fmt.Errorf("scan reconcile job: %w", err)
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return jobs, nil
}

// FinishReconcileJob фиксирует результат обработки задания.
func (r *PostgresRepository) FinishReconcileJob(ctx context.Context, jobID int64, status, errText string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE reconcile_jobs SET status = $2, error = NULLIF($3, ''), updated_at = now() WHERE id = $1`,
		jobID, status, errText,
	)
	if err != nil {
		return fmt.Errorf("finish reconcile job: %w", err)
	}
	return nil
}
