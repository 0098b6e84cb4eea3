// Package service реализует бизнес-логику сервиса оптовых закупок.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openfoodfoundation/openfoodnetwork-sub003/internal/backorder"
	"github.com/openfoodfoundation/openfoodnetwork-sub003/internal/fdc"
	"github.com/openfoodfoundation/openfoodnetwork-sub003/internal/model"
	"github.com/openfoodfoundation/openfoodnetwork-sub003/internal/repository"
	"github.com/openfoodfoundation/openfoodnetwork-sub003/internal/validation"
)

// Виды заданий на согласование: размещение розничного заказа создаёт
// удалённый заказ при необходимости, изменение и отмена — нет.
const (
	JobKindPlace = "place"
	JobKindAmend = "amend"
)

// ErrUnknownJobKind возвращается для неизвестного вида задания.
var ErrUnknownJobKind = errors.New("unknown reconcile job kind")

// ErrNoOpenOrder возвращается при попытке завершить отсутствующий открытый заказ.
var ErrNoOpenOrder = errors.New("no open backorder")

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	DemandContextByOrder(ctx context.Context, number string) (model.DemandContext, error)
	VariantsDemandedBy(ctx context.Context, dc model.DemandContext) ([]*model.Variant, error)
	OrderLink(ctx context.Context, dc model.DemandContext) (string, error)
	SaveOrderLink(ctx context.Context, dc model.DemandContext, remoteOrderID string) error
	DeleteOrderLink(ctx context.Context, dc model.DemandContext) error
	ApplyStockChanges(ctx context.Context, changes []backorder.StockChange) error
	EnqueueReconcileJob(ctx context.Context, orderNumber, kind string) error
	NextReconcileJobs(ctx context.Context, limit int) ([]repository.ReconcileJob, error)
	FinishReconcileJob(ctx context.Context, jobID int64, status, errText string) error
}

// Reconciler описывает вычисление целевого состояния удалённого заказа.
type Reconciler interface {
	Reconcile(ctx context.Context, dc model.DemandContext) (*backorder.Result, error)
	ReconcilePlacement(ctx context.Context, dc model.DemandContext) (*backorder.Result, error)
}

// OrderManager описывает операции над удалённым заказом, нужные сервису.
type OrderManager interface {
	FindOpenOrder(ctx context.Context, endpoints fdc.Endpoints, storedLink string) (*model.Backorder, error)
	Push(ctx context.Context, endpoints fdc.Endpoints, order *model.Backorder) (*model.Backorder, error)
	Complete(ctx context.Context, endpoints fdc.Endpoints, order *model.Backorder) (*model.Backorder, error)
}

// Service содержит бизнес-логику сервиса оптовых закупок.
type Service struct {
	repo       Repository
	reconciler Reconciler
	manager    OrderManager
	logger     *zap.Logger

	// Проходы согласования сериализуются по дистрибьютору: остаток варианта —
	// общий изменяемый ресурс параллельных проходов.
	mu               sync.Mutex
	distributorLocks map[int64]*sync.Mutex
}

// NewService создаёт новый сервис с указанным репозиторием, согласователем
// и менеджером удалённых заказов.
func NewService(repo Repository, reconciler Reconciler, manager OrderManager, logger *zap.Logger) *Service {
	return &Service{
		repo:             repo,
		reconciler:       reconciler,
		manager:          manager,
		logger:           logger,
		distributorLocks: make(map[int64]*sync.Mutex),
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// EnqueueReconcile ставит задание на согласование по событию жизненного цикла
// розничного заказа. Само согласование выполняет фоновый обработчик: так серия
// событий по одному дистрибьютору сходится в одну удалённую запись.
func (s *Service) EnqueueReconcile(ctx context.Context, orderNumber, kind string) error {
	if kind != JobKindPlace && kind != JobKindAmend {
		return fmt.Errorf("%w: %s", ErrUnknownJobKind, kind)
	}

	if _, err := s.repo.DemandContextByOrder(ctx, orderNumber); err != nil {
		return err
	}

	return s.repo.EnqueueReconcileJob(ctx, orderNumber, kind)
}

// CompleteBackorder выполняет финальный проход согласования и переводит
// удалённый заказ в терминальный статус Complete.
func (s *Service) CompleteBackorder(ctx context.Context, dc model.DemandContext) (*model.Backorder, error) {
	unlock := s.lockDistributor(dc.DistributorID)
	defer unlock()

	result, err := s.reconciler.Reconcile(ctx, dc)
	if err != nil {
		return nil, err
	}

	order := result.Backorder
	if result.NoOp() {
		// Спрос мог исчезнуть целиком, а открытый заказ — остаться. Поиск по
		// сохранённой ссылке не требует адресов, выводимых из вариантов.
		storedLink, err := s.repo.OrderLink(ctx, dc)
		if err != nil {
			return nil, err
		}
		if storedLink != "" {
			order, err = s.manager.FindOpenOrder(ctx, result.Endpoints, storedLink)
			if err != nil {
				return nil, err
			}
		}
		if order == nil {
			return nil, ErrNoOpenOrder
		}
	}

	completed, err := s.manager.Complete(ctx, result.Endpoints, order)
	if err != nil {
		return nil, err
	}

	if err := s.repo.ApplyStockChanges(ctx, result.StockChanges); err != nil {
		return nil, err
	}

	// Завершённый заказ больше не открыт, ссылка на него не нужна.
	if err := s.repo.DeleteOrderLink(ctx, dc); err != nil {
		return nil, err
	}

	return completed, nil
}

// OpenBackorder возвращает открытый удалённый заказ области согласования
// либо nil, если его нет.
func (s *Service) OpenBackorder(ctx context.Context, dc model.DemandContext) (*model.Backorder, error) {
	storedLink, err := s.repo.OrderLink(ctx, dc)
	if err != nil {
		return nil, err
	}

	variants, err := s.repo.VariantsDemandedBy(ctx, dc)
	if err != nil {
		return nil, err
	}

	// Без востребованных вариантов эвристический перебор коллекции заказов
	// недоступен (адреса выводятся из их ссылок), но поиск по сохранённой
	// ссылке адресов не требует.
	var endpoints fdc.Endpoints
	if linked := firstLinkedVariant(variants); linked != nil {
		endpoints, err = fdc.DeriveEndpoints(linked.ProductLink)
		if err != nil {
			return nil, err
		}
	} else if storedLink == "" {
		return nil, nil
	}

	return s.manager.FindOpenOrder(ctx, endpoints, storedLink)
}

func firstLinkedVariant(variants []*model.Variant) *model.Variant {
	for _, variant := range variants {
		if validation.IsValidProductLink(variant.ProductLink) {
			return variant
		}
	}
	return nil
}

// StartReconcileWorker запускает фоновый обработчик очереди заданий на согласование.
func (s *Service) StartReconcileWorker(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.processJobBatch(ctx)
			}
		}
	}()
}

func (s *Service) processJobBatch(ctx context.Context) {
	jobs, err := s.repo.NextReconcileJobs(ctx, 10)
	if err != nil {
		s.logger.Error("fetch reconcile jobs", zap.Error(err))
		return
	}

	for _, job := range jobs {
		status := repository.JobStatusDone
		errText := ""

		if err := s.processJob(ctx, job); err != nil {
			// Локальные остатки не тронуты; повтор — забота постановщика.
			status = repository.JobStatusFailed
			errText = err.Error()
			s.logger.Error("reconcile job failed",
				zap.Int64("job", job.ID),
				zap.String("order", job.OrderNumber),
				zap.Error(err))
		}

		if err := s.repo.FinishReconcileJob(ctx, job.ID, status, errText); err != nil {
			s.logger.Error("finish reconcile job", zap.Int64("job", job.ID), zap.Error(err))
		}
	}
}

func (s *Service) processJob(ctx context.Context, job repository.ReconcileJob) error {
	dc, err := s.repo.DemandContextByOrder(ctx, job.OrderNumber)
	if err != nil {
		return err
	}

	unlock := s.lockDistributor(dc.DistributorID)
	defer unlock()

	var result *backorder.Result
	switch job.Kind {
	case JobKindPlace:
		result, err = s.reconciler.ReconcilePlacement(ctx, dc)
	case JobKindAmend:
		result, err = s.reconciler.Reconcile(ctx, dc)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownJobKind, job.Kind)
	}
	if err != nil {
		return err
	}

	if result.NoOp() {
		return nil
	}

	created := result.Created()

	// Сначала отправка, затем запись остатков: неудачная отправка не должна
	// оставить локальные остатки изменёнными.
	pushed, err := s.manager.Push(ctx, result.Endpoints, result.Backorder)
	if err != nil {
		return err
	}

	if created {
		if err := s.repo.SaveOrderLink(ctx, dc, pushed.SemanticID); err != nil {
			return err
		}
	}

	return s.repo.ApplyStockChanges(ctx, result.StockChanges)
}

func (s *Service) lockDistributor(distributorID int64) func() {
	s.mu.Lock()
	lock, ok := s.distributorLocks[distributorID]
	if !ok {
		lock = &sync.Mutex{}
		s.distributorLocks[distributorID] = lock
	}
	s.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
