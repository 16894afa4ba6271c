// Package ledger 持久化每一次合约部署的结果，便于事后审计与查询。
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"chain-deployer/internal/config"
	xerrors "chain-deployer/internal/errors"
)

// Status 表示部署记录的最终状态。
type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

func (s Status) String() string { return string(s) }

// Record 是一次部署的落库结构。
type Record struct {
	ID          string    `json:"id"`
	Network     string    `json:"network"`
	ChainID     string    `json:"chain_id,omitempty"`
	Contract    string    `json:"contract"`
	Signer      string    `json:"signer,omitempty"`
	TxHash      string    `json:"tx_hash,omitempty"`
	Address     string    `json:"address,omitempty"`
	Status      Status    `json:"status"`
	Code        string    `json:"code,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	BlockNumber uint64    `json:"block_number,omitempty"`
	GasUsed     uint64    `json:"gas_used,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// Repository 抽象部署记录的持久化接口。
type Repository interface {
	Save(ctx context.Context, record Record) error
	ListLatest(ctx context.Context, limit int) ([]Record, error)
	Close() error
}

// Open 根据配置创建对应驱动的仓库。driver 为 none 时返回 nil。
func Open(ctx context.Context, cfg config.LedgerConfig, dataDir string) (Repository, error) {
	var (
		repo Repository
		err  error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "none":
		return nil, nil
	case "file":
		repo, err = NewFileRepository(dataDir)
	case "mysql":
		repo, err = NewMySQLRepository(ctx, cfg.DSN)
	case "postgres":
		repo, err = NewPostgresRepository(ctx, cfg.DSN)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的 ledger 驱动 %q", cfg.Driver))
	}
	if err != nil {
		return nil, err
	}
	return repo, nil
}

func validate(record Record) error {
	if strings.TrimSpace(record.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "部署记录 ID 不能为空")
	}
	switch record.Status {
	case StatusConfirmed, StatusFailed:
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的部署状态 %q", record.Status))
	}
	return nil
}
