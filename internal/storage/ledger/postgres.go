package ledger

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	xerrors "chain-deployer/internal/errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgInsertDeployment = `INSERT INTO deployments
        (id, network, chain_id, contract, signer, tx_hash, address, status, code, reason, block_number, gas_used, started_at, finished_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	pgListDeployments = `SELECT id::text, network, chain_id, contract, signer, tx_hash, address, status, code, reason, block_number, gas_used, started_at, finished_at
        FROM deployments ORDER BY finished_at DESC, id DESC LIMIT $1`
	pgCreateMigrations = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version TEXT PRIMARY KEY,
        applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`
	pgUniqueViolation = "23505"
)

// PostgresRepository 使用 PostgreSQL 存储部署记录。
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository 创建连接池并执行内置迁移。
func NewPostgresRepository(ctx context.Context, dsn string) (*PostgresRepository, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "PostgreSQL DSN 不能为空")
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "PostgreSQL DSN 格式错误")
	}
	poolCfg.MaxConns = 4

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 PostgreSQL 失败")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 PostgreSQL")
	}

	repo := &PostgresRepository{pool: pool}
	if err := repo.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

// Save 写入一条部署记录。
func (s *PostgresRepository) Save(ctx context.Context, record Record) error {
	if err := validate(record); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, pgInsertDeployment,
		record.ID,
		record.Network,
		record.ChainID,
		record.Contract,
		record.Signer,
		record.TxHash,
		record.Address,
		string(record.Status),
		record.Code,
		record.Reason,
		int64(record.BlockNumber),
		int64(record.GasUsed),
		record.StartedAt,
		record.FinishedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if stdErrors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return xerrors.Wrap(xerrors.CodeStorageFailure, ErrDuplicate, record.ID)
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入部署记录失败")
	}
	return nil
}

// ListLatest 查询最近的若干条部署记录。
func (s *PostgresRepository) ListLatest(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, pgListDeployments, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询部署记录失败")
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		var (
			record      Record
			status      string
			blockNumber int64
			gasUsed     int64
			startedAt   time.Time
			finishedAt  time.Time
		)
		err := row.Scan(&record.ID, &record.Network, &record.ChainID, &record.Contract, &record.Signer,
			&record.TxHash, &record.Address, &status, &record.Code, &record.Reason,
			&blockNumber, &gasUsed, &startedAt, &finishedAt)
		record.Status = Status(status)
		record.BlockNumber = uint64(blockNumber)
		record.GasUsed = uint64(gasUsed)
		record.StartedAt = startedAt
		record.FinishedAt = finishedAt
		return record, err
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析部署记录失败")
	}
	return records, nil
}

// Close 关闭连接池。
func (s *PostgresRepository) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresRepository) runMigrations(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, pgCreateMigrations); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建 schema_migrations 表失败")
	}
	rows, err := s.pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 schema_migrations 失败")
	}
	versions, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 schema_migrations 失败")
	}
	applied := make(map[string]struct{}, len(versions))
	for _, v := range versions {
		applied[v] = struct{}{}
	}

	files, err := loadMigrationFiles("postgres")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "加载迁移文件失败")
	}
	for _, migration := range files {
		if _, ok := applied[migration.version]; ok {
			continue
		}
		err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			for _, stmt := range migration.statements {
				if _, err := tx.Exec(ctx, stmt); err != nil {
					return fmt.Errorf("执行迁移 %s 失败: %w", migration.name, err)
				}
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, migration.version)
			return err
		})
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行迁移失败")
		}
	}
	return nil
}
