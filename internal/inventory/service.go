package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-ledger/internal/money"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes layer statements available inside one transaction.
type TxRepository interface {
	// LockOpenLayers returns layers with stock left, in consumption order, locked for the transaction.
	LockOpenLayers(ctx context.Context, tenantID, productID, locationID string) ([]Layer, error)
	InsertLayer(ctx context.Context, layer Layer) (Layer, error)
	// DecrementLayer subtracts qty only if the layer still holds expectedRemaining.
	DecrementLayer(ctx context.Context, tenantID string, layerID, expectedRemaining, qty int64) error
	InsertConsumptions(ctx context.Context, records []ConsumptionRecord) error
	ListConsumptions(ctx context.Context, tenantID, operationKey string) ([]ConsumptionRecord, error)
	ListLayers(ctx context.Context, tenantID string, filter LayerFilter) ([]Layer, error)
}

// AuditPort receives committed stock events.
type AuditPort interface {
	Notify(ctx context.Context, log shared.AuditLog)
}

// Locker serialises writers of the same product/location across nodes.
type Locker interface {
	Acquire(ctx context.Context, keys ...string) (func(), error)
}

// Invalidator drops cached reads of a tenant after a commit.
type Invalidator interface {
	Bump(ctx context.Context, tenantID string) error
}

// ServiceConfig groups optional collaborators.
type ServiceConfig struct {
	Locker      Locker
	Invalidator Invalidator
	Logger      *slog.Logger
}

// Service coordinates FIFO cost layers.
type Service struct {
	repo     RepositoryPort
	audit    AuditPort
	cfg      ServiceConfig
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, cfg: cfg, validate: validator.New(), logger: logger, now: time.Now}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// LockKeys returns the sorted lock keys covering every stock key.
func LockKeys(scope shared.Scope, keys ...StockKey) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, shared.StockLockKey(scope.TenantID, k.ProductID, k.LocationID))
	}
	return shared.SortedUnique(out)
}

// Lock takes the distributed locks for keys. A busy key fails fast with a concurrency error.
func (s *Service) Lock(ctx context.Context, scope shared.Scope, keys ...StockKey) (func(), error) {
	if s.cfg.Locker == nil {
		return func() {}, nil
	}
	release, err := s.cfg.Locker.Acquire(ctx, LockKeys(scope, keys...)...)
	if err != nil {
		s.logger.Warn("stock lock busy", slog.String("tenant_id", scope.TenantID), slog.Any("error", err))
		if !errors.Is(err, shared.ErrConcurrency) {
			err = fmt.Errorf("%w: %v", ErrLayerConflict, err)
		}
		return nil, err
	}
	return release, nil
}

// AddLayer records a receipt as a new cost layer.
func (s *Service) AddLayer(ctx context.Context, scope shared.Scope, input AddLayerInput) (Layer, error) {
	if err := scope.Validate(); err != nil {
		return Layer{}, err
	}
	if err := s.checkAddLayer(input); err != nil {
		return Layer{}, err
	}
	release, err := s.Lock(ctx, scope, StockKey{ProductID: input.ProductID, LocationID: input.LocationID})
	if err != nil {
		return Layer{}, err
	}
	defer release()
	var layer Layer
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		layer, err = s.AddLayerTx(ctx, tx, scope, input)
		return err
	})
	if err != nil {
		return Layer{}, err
	}
	s.committed(ctx, scope, LayerAudit("layer.add", layer))
	return layer, nil
}

func (s *Service) checkAddLayer(input AddLayerInput) error {
	if input.Quantity <= 0 {
		return ErrInvalidQuantity
	}
	if input.UnitCost.IsNegative() {
		return ErrInvalidUnitCost
	}
	if err := s.validate.Struct(input); err != nil {
		return fmt.Errorf("%w: %v", shared.ErrValidation, err)
	}
	if _, err := input.UnitCost.MultiplyByInteger(input.Quantity); err != nil {
		return err
	}
	return nil
}

// AddLayerTx appends a layer inside a transaction owned by the caller.
// A zero ReceivedAt takes the service clock.
func (s *Service) AddLayerTx(ctx context.Context, tx TxRepository, scope shared.Scope, input AddLayerInput) (Layer, error) {
	if err := s.checkAddLayer(input); err != nil {
		return Layer{}, err
	}
	now := s.now()
	received := input.ReceivedAt
	if received.IsZero() {
		received = now
	}
	return tx.InsertLayer(ctx, Layer{
		TenantID:     scope.TenantID,
		ProductID:    input.ProductID,
		LocationID:   input.LocationID,
		OriginalQty:  input.Quantity,
		RemainingQty: input.Quantity,
		UnitCost:     input.UnitCost,
		ReceivedAt:   received,
		Source:       input.Source,
		CreatedAt:    now,
	})
}

// ConsumeLayers drains quantity from the oldest layers. Either every decrement commits or none does.
func (s *Service) ConsumeLayers(ctx context.Context, scope shared.Scope, input ConsumeInput) (ConsumptionResult, error) {
	if err := scope.Validate(); err != nil {
		return ConsumptionResult{}, err
	}
	if input.Quantity <= 0 {
		return ConsumptionResult{}, ErrInvalidQuantity
	}
	if input.OperationKey == "" {
		input.OperationKey = "consume:" + uuid.NewString()
	}
	release, err := s.Lock(ctx, scope, StockKey{ProductID: input.ProductID, LocationID: input.LocationID})
	if err != nil {
		return ConsumptionResult{}, err
	}
	defer release()
	var result ConsumptionResult
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		result, err = s.ConsumeLayersTx(ctx, tx, scope, input)
		return err
	})
	if err != nil {
		return ConsumptionResult{}, err
	}
	s.committed(ctx, scope, ConsumptionAudit("layer.consume", input.OperationKey, result))
	return result, nil
}

// ConsumeLayersTx runs the FIFO walk inside a transaction owned by the caller.
// The shortage check happens before the first decrement.
func (s *Service) ConsumeLayersTx(ctx context.Context, tx TxRepository, scope shared.Scope, input ConsumeInput) (ConsumptionResult, error) {
	if input.Quantity <= 0 {
		return ConsumptionResult{}, ErrInvalidQuantity
	}
	if err := s.validate.Struct(input); err != nil {
		return ConsumptionResult{}, fmt.Errorf("%w: %v", shared.ErrValidation, err)
	}
	layers, err := tx.LockOpenLayers(ctx, scope.TenantID, input.ProductID, input.LocationID)
	if err != nil {
		return ConsumptionResult{}, err
	}
	steps, err := PlanConsumption(layers, input.Quantity)
	if err != nil {
		return ConsumptionResult{}, err
	}
	remaining := make(map[int64]int64, len(layers))
	for _, layer := range layers {
		remaining[layer.ID] = layer.RemainingQty
	}
	now := s.now()
	records := make([]ConsumptionRecord, 0, len(steps))
	for _, step := range steps {
		if _, err := step.Cost(); err != nil {
			return ConsumptionResult{}, err
		}
		if err := tx.DecrementLayer(ctx, scope.TenantID, step.LayerID, remaining[step.LayerID], step.Quantity); err != nil {
			return ConsumptionResult{}, err
		}
		records = append(records, ConsumptionRecord{
			TenantID:     scope.TenantID,
			OperationKey: input.OperationKey,
			ProductID:    input.ProductID,
			LocationID:   input.LocationID,
			Consumption:  step,
			CreatedAt:    now,
		})
	}
	if input.OperationKey != "" {
		if err := tx.InsertConsumptions(ctx, records); err != nil {
			return ConsumptionResult{}, err
		}
	}
	return ConsumptionResult{ProductID: input.ProductID, LocationID: input.LocationID, Steps: steps}, nil
}

// ConsumptionsTx returns the persisted steps of an operation grouped per product/location,
// in the order they were taken.
func (s *Service) ConsumptionsTx(ctx context.Context, tx TxRepository, scope shared.Scope, operationKey string) ([]ConsumptionResult, error) {
	records, err := tx.ListConsumptions(ctx, scope.TenantID, operationKey)
	if err != nil {
		return nil, err
	}
	var out []ConsumptionResult
	index := make(map[StockKey]int)
	for _, rec := range records {
		key := StockKey{ProductID: rec.ProductID, LocationID: rec.LocationID}
		pos, ok := index[key]
		if !ok {
			pos = len(out)
			index[key] = pos
			out = append(out, ConsumptionResult{ProductID: rec.ProductID, LocationID: rec.LocationID})
		}
		out[pos].Steps = append(out[pos].Steps, rec.Consumption)
	}
	return out, nil
}

// TransferStock moves quantity from one location to another. Destination layers keep the source
// unit cost and receipt time, so the goods keep their FIFO age.
func (s *Service) TransferStock(ctx context.Context, scope shared.Scope, input TransferInput) (TransferResult, error) {
	if err := scope.Validate(); err != nil {
		return TransferResult{}, err
	}
	if input.Quantity <= 0 {
		return TransferResult{}, ErrInvalidQuantity
	}
	if input.FromLocation == input.ToLocation {
		return TransferResult{}, ErrSameLocation
	}
	if err := s.validate.Struct(input); err != nil {
		return TransferResult{}, fmt.Errorf("%w: %v", shared.ErrValidation, err)
	}
	if input.OperationKey == "" {
		input.OperationKey = "transfer:" + uuid.NewString()
	}
	release, err := s.Lock(ctx, scope,
		StockKey{ProductID: input.ProductID, LocationID: input.FromLocation},
		StockKey{ProductID: input.ProductID, LocationID: input.ToLocation},
	)
	if err != nil {
		return TransferResult{}, err
	}
	defer release()
	var result TransferResult
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		consumed, err := s.ConsumeLayersTx(ctx, tx, scope, ConsumeInput{
			ProductID:    input.ProductID,
			LocationID:   input.FromLocation,
			Quantity:     input.Quantity,
			OperationKey: input.OperationKey,
		})
		if err != nil {
			return err
		}
		result.Consumed = consumed
		for _, step := range consumed.Steps {
			layer, err := s.AddLayerTx(ctx, tx, scope, AddLayerInput{
				ProductID:  input.ProductID,
				LocationID: input.ToLocation,
				Quantity:   step.Quantity,
				UnitCost:   step.UnitCost,
				ReceivedAt: step.ReceivedAt,
				Source:     fmt.Sprintf("transfer:%d", step.LayerID),
			})
			if err != nil {
				return err
			}
			result.Layers = append(result.Layers, layer)
		}
		return nil
	})
	if err != nil {
		return TransferResult{}, err
	}
	s.committed(ctx, scope, shared.AuditLog{
		Action:   "stock.transfer",
		Entity:   "stock",
		EntityID: input.ProductID,
		Before:   map[string]any{"location_id": input.FromLocation, "quantity": input.Quantity},
		After:    map[string]any{"location_id": input.ToLocation, "layers": result.Layers},
	})
	return result, nil
}

// ListLayers returns layers in consumption order; drained layers are included on request.
func (s *Service) ListLayers(ctx context.Context, scope shared.Scope, filter LayerFilter) ([]Layer, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	var layers []Layer
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		layers, err = tx.ListLayers(ctx, scope.TenantID, filter)
		return err
	})
	return layers, err
}

// CalculateInventoryValue sums remaining * unit cost. An empty location values every location.
func (s *Service) CalculateInventoryValue(ctx context.Context, scope shared.Scope, productID, locationID string) (money.Amount, error) {
	avg, err := s.CalculateAverageCost(ctx, scope, productID, locationID)
	if err != nil {
		return money.Zero, err
	}
	return avg.Value, nil
}

// CalculateAverageCost returns value / quantity of remaining stock, rounded half-to-even.
// With no stock left HasCost is false and every amount is zero.
func (s *Service) CalculateAverageCost(ctx context.Context, scope shared.Scope, productID, locationID string) (AverageCost, error) {
	layers, err := s.ListLayers(ctx, scope, LayerFilter{ProductID: productID, LocationID: locationID})
	if err != nil {
		return AverageCost{}, err
	}
	return averageOf(layers)
}

func averageOf(layers []Layer) (AverageCost, error) {
	var out AverageCost
	for _, layer := range layers {
		value, err := layer.Value()
		if err != nil {
			return AverageCost{}, err
		}
		if out.Value, err = out.Value.Add(value); err != nil {
			return AverageCost{}, err
		}
		if layer.RemainingQty > math.MaxInt64-out.Quantity {
			return AverageCost{}, ErrQuantityOverflow
		}
		out.Quantity += layer.RemainingQty
	}
	if out.Quantity == 0 {
		return AverageCost{}, nil
	}
	unit, err := out.Value.DivideRoundHalfEven(out.Quantity)
	if err != nil {
		return AverageCost{}, err
	}
	out.UnitCost = unit
	out.HasCost = true
	return out, nil
}

// Valuation returns stock quantity and value per product/location. Empty filters match everything.
func (s *Service) Valuation(ctx context.Context, scope shared.Scope, productID, locationID string) ([]Valuation, error) {
	layers, err := s.ListLayers(ctx, scope, LayerFilter{ProductID: productID, LocationID: locationID})
	if err != nil {
		return nil, err
	}
	return Summarise(layers)
}

// Summarise groups layers into per product/location valuations, keeping first-seen order.
func Summarise(layers []Layer) ([]Valuation, error) {
	var out []Valuation
	index := make(map[StockKey]int)
	for _, layer := range layers {
		key := StockKey{ProductID: layer.ProductID, LocationID: layer.LocationID}
		pos, ok := index[key]
		if !ok {
			pos = len(out)
			index[key] = pos
			out = append(out, Valuation{ProductID: layer.ProductID, LocationID: layer.LocationID})
		}
		value, err := layer.Value()
		if err != nil {
			return nil, err
		}
		if out[pos].Value, err = out[pos].Value.Add(value); err != nil {
			return nil, err
		}
		if layer.RemainingQty > math.MaxInt64-out[pos].Quantity {
			return nil, ErrQuantityOverflow
		}
		out[pos].Quantity += layer.RemainingQty
	}
	return out, nil
}

// LayerAudit builds the audit record of a layer event.
func LayerAudit(action string, layer Layer) shared.AuditLog {
	return shared.AuditLog{
		TenantID: layer.TenantID,
		Action:   action,
		Entity:   "fifo_layer",
		EntityID: fmt.Sprintf("%d", layer.ID),
		After:    layer,
	}
}

// ConsumptionAudit builds the audit record of a FIFO walk.
func ConsumptionAudit(action, operationKey string, result ConsumptionResult) shared.AuditLog {
	return shared.AuditLog{
		Action:   action,
		Entity:   "stock",
		EntityID: result.ProductID + "@" + result.LocationID,
		After:    map[string]any{"operation_key": operationKey, "steps": result.Steps},
	}
}

func (s *Service) committed(ctx context.Context, scope shared.Scope, log shared.AuditLog) {
	if s.audit != nil {
		log.TenantID = scope.TenantID
		log.BranchID = scope.BranchID
		log.Actor = scope.ActorOrSystem()
		if log.At.IsZero() {
			log.At = s.now()
		}
		s.audit.Notify(ctx, log)
	}
	if s.cfg.Invalidator != nil {
		if err := s.cfg.Invalidator.Bump(ctx, scope.TenantID); err != nil {
			s.logger.Warn("report cache invalidation failed", slog.String("tenant_id", scope.TenantID), slog.Any("error", err))
		}
	}
}
