// Package history persists completed executions through the persistence
// collaborator boundary: the engine hands over terminal run state and
// node results, nothing more.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fluxion-engine/fluxion/types"
)

// ExecutionRecord is the run-level row.
type ExecutionRecord struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	ExecutionID string    `gorm:"size:64;uniqueIndex;not null" json:"execution_id"`
	WorkflowID  string    `gorm:"size:64;index:idx_workflow;not null" json:"workflow_id"`
	Status      string    `gorm:"size:16;not null" json:"status"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	Progress    float64   `json:"progress"`
	Error       string    `gorm:"type:text" json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// NodeResultRecord is one node outcome within a stored execution. Output
// batches are serialized as JSON text.
type NodeResultRecord struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	ExecutionID string    `gorm:"size:64;index:idx_execution;not null" json:"execution_id"`
	NodeID      string    `gorm:"size:64;not null" json:"node_id"`
	NodeName    string    `gorm:"size:200" json:"node_name,omitempty"`
	Status      string    `gorm:"size:16;not null" json:"status"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	Data        string    `gorm:"type:text" json:"data,omitempty"`
	Error       string    `gorm:"type:text" json:"error,omitempty"`
	Attempts    int       `json:"attempts"`
	Sequence    int       `gorm:"not null" json:"sequence"`
}

// Store persists executions in a relational database via GORM.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore migrates the schema and returns a ready store.
func NewStore(db *gorm.DB, logger *zap.Logger) (*Store, error) {
	if db == nil {
		return nil, types.NewError(types.ErrKindValidation, "history store requires a database handle")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&ExecutionRecord{}, &NodeResultRecord{}); err != nil {
		return nil, types.NewError(types.ErrKindRuntime, "migrating history schema failed").WithCause(err)
	}
	return &Store{
		db:     db,
		logger: logger.With(zap.String("component", "history")),
	}, nil
}

// SaveExecution stores one completed run and its node results in a
// single transaction. It implements the engine's history sink.
func (s *Store) SaveExecution(ctx context.Context, state types.ExecutionState, results []types.NodeExecutionResult) error {
	record := ExecutionRecord{
		ExecutionID: state.ExecutionID,
		WorkflowID:  state.WorkflowID,
		Status:      string(state.Status),
		StartTime:   state.StartTime,
		EndTime:     state.EndTime,
		Progress:    state.Progress,
		Error:       state.Error,
	}

	rows := make([]NodeResultRecord, 0, len(results))
	for i, res := range results {
		data := ""
		if len(res.Data) > 0 {
			encoded, err := json.Marshal(res.Data)
			if err != nil {
				return types.Errorf(types.ErrKindRuntime,
					"serializing output of node %q failed", res.NodeID).WithCause(err)
			}
			data = string(encoded)
		}
		rows = append(rows, NodeResultRecord{
			ExecutionID: state.ExecutionID,
			NodeID:      res.NodeID,
			NodeName:    res.NodeName,
			Status:      string(res.Status),
			StartTime:   res.StartTime,
			EndTime:     res.EndTime,
			Data:        data,
			Error:       res.Error,
			Attempts:    res.Attempts,
			Sequence:    i,
		})
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		return types.Errorf(types.ErrKindRuntime,
			"storing execution %s failed", state.ExecutionID).WithCause(err)
	}

	s.logger.Debug("execution stored",
		zap.String("execution_id", state.ExecutionID),
		zap.String("workflow_id", state.WorkflowID),
		zap.Int("node_results", len(rows)),
	)
	return nil
}

// GetExecution loads one stored run with its node results in recorded
// order.
func (s *Store) GetExecution(ctx context.Context, executionID string) (types.ExecutionState, []types.NodeExecutionResult, error) {
	var record ExecutionRecord
	err := s.db.WithContext(ctx).Where("execution_id = ?", executionID).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.ExecutionState{}, nil, types.Errorf(types.ErrKindValidation,
			"execution %s not found", executionID)
	}
	if err != nil {
		return types.ExecutionState{}, nil, types.NewError(types.ErrKindRuntime,
			"loading execution failed").WithCause(err)
	}

	var rows []NodeResultRecord
	if err := s.db.WithContext(ctx).
		Where("execution_id = ?", executionID).
		Order("sequence asc").
		Find(&rows).Error; err != nil {
		return types.ExecutionState{}, nil, types.NewError(types.ErrKindRuntime,
			"loading node results failed").WithCause(err)
	}

	results := make([]types.NodeExecutionResult, 0, len(rows))
	for _, row := range rows {
		res := types.NodeExecutionResult{
			NodeID:    row.NodeID,
			NodeName:  row.NodeName,
			Status:    types.NodeStatus(row.Status),
			StartTime: row.StartTime,
			EndTime:   row.EndTime,
			Error:     row.Error,
			Attempts:  row.Attempts,
		}
		if row.Data != "" {
			if err := json.Unmarshal([]byte(row.Data), &res.Data); err != nil {
				return types.ExecutionState{}, nil, types.Errorf(types.ErrKindRuntime,
					"decoding output of node %q failed", row.NodeID).WithCause(err)
			}
		}
		results = append(results, res)
	}

	return stateFromRecord(record), results, nil
}

// ListExecutions returns run-level records of one workflow, newest
// first.
func (s *Store) ListExecutions(ctx context.Context, workflowID string, limit int) ([]types.ExecutionState, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []ExecutionRecord
	err := s.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("start_time desc").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, types.NewError(types.ErrKindRuntime, "listing executions failed").WithCause(err)
	}

	out := make([]types.ExecutionState, 0, len(records))
	for _, record := range records {
		out = append(out, stateFromRecord(record))
	}
	return out, nil
}

// Prune deletes stored executions older than the cutoff and returns how
// many run records were removed.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	var ids []string
	if err := s.db.WithContext(ctx).
		Model(&ExecutionRecord{}).
		Where("end_time < ?", olderThan).
		Pluck("execution_id", &ids).Error; err != nil {
		return 0, types.NewError(types.ErrKindRuntime, "selecting stale executions failed").WithCause(err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	var pruned int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("execution_id IN ?", ids).Delete(&NodeResultRecord{}).Error; err != nil {
			return err
		}
		res := tx.Where("execution_id IN ?", ids).Delete(&ExecutionRecord{})
		pruned = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, types.NewError(types.ErrKindRuntime, "pruning executions failed").WithCause(err)
	}

	s.logger.Info("history pruned",
		zap.Int64("executions", pruned),
		zap.Time("older_than", olderThan),
	)
	return pruned, nil
}

func stateFromRecord(record ExecutionRecord) types.ExecutionState {
	return types.ExecutionState{
		ExecutionID: record.ExecutionID,
		WorkflowID:  record.WorkflowID,
		Status:      types.RunStatus(record.Status),
		StartTime:   record.StartTime,
		EndTime:     record.EndTime,
		Progress:    record.Progress,
		Error:       record.Error,
	}
}
