package store

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/flowmesh/internal/database"
	"github.com/BaSui01/flowmesh/types"
)

// GormStore is the relational Store backend. Production runs on
// Postgres; tests open an in-process sqlite database through
// NewGormStoreWithDB.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger

	// pool is set when the store opened the connection itself; nil
	// when wrapping a caller-provided handle.
	pool *database.Pool
}

type executionModel struct {
	ExecutionID string `gorm:"primaryKey;size:64"`
	FlowID      string `gorm:"size:128;index"`
	TenantID    string `gorm:"size:128;index:idx_exec_tenant"`
	Status      string `gorm:"size:16;index"`
	InputData   []byte
	OutputData  []byte
	ErrorData   []byte
	CreatedAt   time.Time `gorm:"index"`
	StartedAt   *time.Time
	CompletedAt *time.Time
}

func (executionModel) TableName() string { return "executions" }

type nodeResultModel struct {
	ExecutionID string `gorm:"primaryKey;size:64"`
	NodeID      string `gorm:"primaryKey;size:128"`
	Iteration   int    `gorm:"primaryKey"`
	Status      string `gorm:"size:16"`
	Input       []byte
	Output      []byte
	ErrorData   []byte
	Attempts    int
	StartedAt   time.Time
	CompletedAt *time.Time
	CostUSD     *float64
}

func (nodeResultModel) TableName() string { return "node_results" }

type messageModel struct {
	MessageID   string `gorm:"primaryKey;size:64"`
	ExecutionID string `gorm:"size:64;index"`
	FromNode    string `gorm:"size:128"`
	ToNode      string `gorm:"size:128"`
	Payload     []byte
	CreatedAt   time.Time
	// Seq preserves append order within an execution.
	Seq int64 `gorm:"autoIncrement;uniqueIndex"`
}

func (messageModel) TableName() string { return "agent_messages" }

// NewGormStore opens a Postgres-backed store and migrates the schema.
func NewGormStore(config Config, logger *zap.Logger) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(config.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, types.Errorf(types.ErrStoreUnavailable, "opening postgres: %v", err)
	}
	pool, err := database.NewPool(db, config.Pool, logger)
	if err != nil {
		return nil, types.Errorf(types.ErrStoreUnavailable, "configuring pool: %v", err)
	}
	s, err := NewGormStoreWithDB(db, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.pool = pool
	return s, nil
}

// NewGormStoreWithDB wraps an already-open gorm handle. Tests use this
// with an in-process sqlite database.
func NewGormStoreWithDB(db *gorm.DB, logger *zap.Logger) (*GormStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&executionModel{}, &nodeResultModel{}, &messageModel{}); err != nil {
		return nil, types.Errorf(types.ErrStoreUnavailable, "migrating schema: %v", err)
	}
	return &GormStore{
		db:     db,
		logger: logger.With(zap.String("component", "gorm_store")),
	}, nil
}

func (s *GormStore) CreateExecution(ctx context.Context, exec *types.ExecutionContext) error {
	model, err := toExecutionModel(exec)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(model).Error; err != nil {
		return types.Errorf(types.ErrStoreUnavailable, "creating execution: %v", err)
	}
	return nil
}

func (s *GormStore) GetExecution(ctx context.Context, executionID, tenantID string) (*types.ExecutionContext, error) {
	var model executionModel
	err := s.db.WithContext(ctx).
		Where("execution_id = ? AND tenant_id = ?", executionID, tenantID).
		First(&model).Error
	if err == gorm.ErrRecordNotFound {
		return nil, notFound(executionID)
	}
	if err != nil {
		return nil, types.Errorf(types.ErrStoreUnavailable, "loading execution: %v", err)
	}
	return fromExecutionModel(&model)
}

// Transition performs the status change as a compare-and-swap on the
// stored status column, so concurrent writers cannot double-finalize.
func (s *GormStore) Transition(ctx context.Context, executionID string, to types.ExecutionStatus, apply func(*types.ExecutionContext)) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model executionModel
		err := tx.Where("execution_id = ?", executionID).First(&model).Error
		if err == gorm.ErrRecordNotFound {
			return notFound(executionID)
		}
		if err != nil {
			return types.Errorf(types.ErrStoreUnavailable, "loading execution: %v", err)
		}

		exec, err := fromExecutionModel(&model)
		if err != nil {
			return err
		}
		if err := transitionGuard(exec, to); err != nil {
			return err
		}
		prev := model.Status
		applyTransition(exec, to, apply)

		next, err := toExecutionModel(exec)
		if err != nil {
			return err
		}
		res := tx.Model(&executionModel{}).
			Where("execution_id = ? AND status = ?", executionID, prev).
			Updates(map[string]any{
				"status":       next.Status,
				"output_data":  next.OutputData,
				"error_data":   next.ErrorData,
				"started_at":   next.StartedAt,
				"completed_at": next.CompletedAt,
			})
		if res.Error != nil {
			return types.Errorf(types.ErrStoreUnavailable, "updating execution: %v", res.Error)
		}
		if res.RowsAffected == 0 {
			return types.Errorf(types.ErrInvalidTransition,
				"execution %s changed concurrently", executionID)
		}
		return nil
	})
}

func (s *GormStore) ListExecutions(ctx context.Context, tenantID string, filter ExecutionFilter) ([]*types.ExecutionContext, error) {
	q := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Order("created_at DESC")
	if filter.FlowID != "" {
		q = q.Where("flow_id = ?", filter.FlowID)
	}
	if len(filter.Status) > 0 {
		statuses := make([]string, len(filter.Status))
		for i, st := range filter.Status {
			statuses[i] = string(st)
		}
		q = q.Where("status IN ?", statuses)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var models []executionModel
	if err := q.Find(&models).Error; err != nil {
		return nil, types.Errorf(types.ErrStoreUnavailable, "listing executions: %v", err)
	}
	out := make([]*types.ExecutionContext, 0, len(models))
	for i := range models {
		exec, err := fromExecutionModel(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, nil
}

func (s *GormStore) UpsertNodeResult(ctx context.Context, result *types.NodeResult) error {
	model, err := toNodeResultModel(result)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "execution_id"}, {Name: "node_id"}, {Name: "iteration"}},
			UpdateAll: true,
		}).
		Create(model).Error
	if err != nil {
		return types.Errorf(types.ErrStoreUnavailable, "upserting node result: %v", err)
	}
	return nil
}

func (s *GormStore) GetNodeResults(ctx context.Context, executionID string) ([]*types.NodeResult, error) {
	var models []nodeResultModel
	err := s.db.WithContext(ctx).
		Where("execution_id = ?", executionID).
		Order("started_at, node_id, iteration").
		Find(&models).Error
	if err != nil {
		return nil, types.Errorf(types.ErrStoreUnavailable, "listing node results: %v", err)
	}
	out := make([]*types.NodeResult, 0, len(models))
	for i := range models {
		result, err := fromNodeResultModel(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, result)
	}
	return out, nil
}

func (s *GormStore) AppendMessage(ctx context.Context, msg *types.AgentMessage) error {
	payload, err := marshalMap(msg.Payload)
	if err != nil {
		return err
	}
	model := &messageModel{
		MessageID:   msg.MessageID,
		ExecutionID: msg.ExecutionID,
		FromNode:    msg.FromNode,
		ToNode:      msg.ToNode,
		Payload:     payload,
		CreatedAt:   msg.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(model).Error; err != nil {
		return types.Errorf(types.ErrStoreUnavailable, "appending message: %v", err)
	}
	return nil
}

func (s *GormStore) GetMessages(ctx context.Context, executionID string) ([]*types.AgentMessage, error) {
	var models []messageModel
	err := s.db.WithContext(ctx).
		Where("execution_id = ?", executionID).
		Order("seq").
		Find(&models).Error
	if err != nil {
		return nil, types.Errorf(types.ErrStoreUnavailable, "listing messages: %v", err)
	}
	out := make([]*types.AgentMessage, 0, len(models))
	for i := range models {
		payload, err := unmarshalMap(models[i].Payload)
		if err != nil {
			return nil, err
		}
		out = append(out, &types.AgentMessage{
			MessageID:   models[i].MessageID,
			ExecutionID: models[i].ExecutionID,
			FromNode:    models[i].FromNode,
			ToNode:      models[i].ToNode,
			Payload:     payload,
			CreatedAt:   models[i].CreatedAt,
		})
	}
	return out, nil
}

func (s *GormStore) Ping(ctx context.Context) error {
	if s.pool != nil {
		return s.pool.Ping(ctx)
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return types.Errorf(types.ErrStoreUnavailable, "acquiring connection: %v", err)
	}
	return sqlDB.PingContext(ctx)
}

func (s *GormStore) Close() error {
	if s.pool != nil {
		return s.pool.Close()
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toExecutionModel(exec *types.ExecutionContext) (*executionModel, error) {
	input, err := marshalMap(exec.InputData)
	if err != nil {
		return nil, err
	}
	output, err := marshalMap(exec.OutputData)
	if err != nil {
		return nil, err
	}
	var errData []byte
	if exec.Error != nil {
		if errData, err = json.Marshal(exec.Error); err != nil {
			return nil, types.Errorf(types.ErrInternal, "encoding execution error: %v", err)
		}
	}
	return &executionModel{
		ExecutionID: exec.ExecutionID,
		FlowID:      exec.FlowID,
		TenantID:    exec.TenantID,
		Status:      string(exec.Status),
		InputData:   input,
		OutputData:  output,
		ErrorData:   errData,
		CreatedAt:   exec.CreatedAt,
		StartedAt:   exec.StartedAt,
		CompletedAt: exec.CompletedAt,
	}, nil
}

func fromExecutionModel(model *executionModel) (*types.ExecutionContext, error) {
	input, err := unmarshalMap(model.InputData)
	if err != nil {
		return nil, err
	}
	output, err := unmarshalMap(model.OutputData)
	if err != nil {
		return nil, err
	}
	var execErr *types.Error
	if len(model.ErrorData) > 0 {
		execErr = &types.Error{}
		if err := json.Unmarshal(model.ErrorData, execErr); err != nil {
			return nil, types.Errorf(types.ErrInternal, "decoding execution error: %v", err)
		}
	}
	return &types.ExecutionContext{
		ExecutionID: model.ExecutionID,
		FlowID:      model.FlowID,
		TenantID:    model.TenantID,
		Status:      types.ExecutionStatus(model.Status),
		InputData:   input,
		OutputData:  output,
		Error:       execErr,
		CreatedAt:   model.CreatedAt,
		StartedAt:   model.StartedAt,
		CompletedAt: model.CompletedAt,
	}, nil
}

func toNodeResultModel(result *types.NodeResult) (*nodeResultModel, error) {
	input, err := marshalMap(result.Input)
	if err != nil {
		return nil, err
	}
	output, err := marshalMap(result.Output)
	if err != nil {
		return nil, err
	}
	var errData []byte
	if result.Error != nil {
		if errData, err = json.Marshal(result.Error); err != nil {
			return nil, types.Errorf(types.ErrInternal, "encoding node error: %v", err)
		}
	}
	return &nodeResultModel{
		ExecutionID: result.ExecutionID,
		NodeID:      result.NodeID,
		Iteration:   result.Iteration,
		Status:      string(result.Status),
		Input:       input,
		Output:      output,
		ErrorData:   errData,
		Attempts:    result.Attempts,
		StartedAt:   result.StartedAt,
		CompletedAt: result.CompletedAt,
		CostUSD:     result.CostUSD,
	}, nil
}

func fromNodeResultModel(model *nodeResultModel) (*types.NodeResult, error) {
	input, err := unmarshalMap(model.Input)
	if err != nil {
		return nil, err
	}
	output, err := unmarshalMap(model.Output)
	if err != nil {
		return nil, err
	}
	var nodeErr *types.Error
	if len(model.ErrorData) > 0 {
		nodeErr = &types.Error{}
		if err := json.Unmarshal(model.ErrorData, nodeErr); err != nil {
			return nil, types.Errorf(types.ErrInternal, "decoding node error: %v", err)
		}
	}
	return &types.NodeResult{
		ExecutionID: model.ExecutionID,
		NodeID:      model.NodeID,
		Iteration:   model.Iteration,
		Status:      types.NodeStatus(model.Status),
		Input:       input,
		Output:      output,
		Error:       nodeErr,
		Attempts:    model.Attempts,
		StartedAt:   model.StartedAt,
		CompletedAt: model.CompletedAt,
		CostUSD:     model.CostUSD,
	}, nil
}

func marshalMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, types.Errorf(types.ErrInternal, "encoding payload: %v", err)
	}
	return data, nil
}

func unmarshalMap(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, types.Errorf(types.ErrInternal, "decoding payload: %v", err)
	}
	return m, nil
}

var _ Store = (*GormStore)(nil)
