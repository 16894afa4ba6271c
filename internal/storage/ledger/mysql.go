package ledger

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	xerrors "chain-deployer/internal/errors"

	"github.com/go-sql-driver/mysql"
)

// ErrDuplicate 表示同一个运行 ID 被重复写入。
var ErrDuplicate = stdErrors.New("部署记录已存在")

const (
	mysqlInsertDeployment = `INSERT INTO deployments
        (id, network, chain_id, contract, signer, tx_hash, address, status, code, reason, block_number, gas_used, started_at, finished_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	mysqlListDeployments = `SELECT id, network, chain_id, contract, signer, tx_hash, address, status, code, reason, block_number, gas_used, started_at, finished_at
        FROM deployments ORDER BY finished_at DESC, id DESC LIMIT ?`
	mysqlCreateMigrations = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`
)

// MySQLRepository 使用 MySQL 存储部署记录。
type MySQLRepository struct {
	db *sql.DB
}

// NewMySQLRepository 创建连接池并执行内置迁移。
func NewMySQLRepository(ctx context.Context, dsn string) (*MySQLRepository, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}
	if _, err := mysql.ParseDSN(dsn); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "MySQL DSN 格式错误")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	repo := &MySQLRepository{db: db}
	if err := repo.runMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}

// Save 写入一条部署记录。
func (s *MySQLRepository) Save(ctx context.Context, record Record) error {
	if err := validate(record); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, mysqlInsertDeployment,
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
		record.BlockNumber,
		record.GasUsed,
		record.StartedAt.UnixMilli(),
		record.FinishedAt.UnixMilli(),
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.Wrap(xerrors.CodeStorageFailure, ErrDuplicate, record.ID)
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入部署记录失败")
	}
	return nil
}

// ListLatest 查询最近的若干条部署记录。
func (s *MySQLRepository) ListLatest(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, mysqlListDeployments, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询部署记录失败")
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			record     Record
			status     string
			startedAt  int64
			finishedAt int64
		)
		if err := rows.Scan(&record.ID, &record.Network, &record.ChainID, &record.Contract, &record.Signer,
			&record.TxHash, &record.Address, &status, &record.Code, &record.Reason,
			&record.BlockNumber, &record.GasUsed, &startedAt, &finishedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析部署记录失败")
		}
		record.Status = Status(status)
		record.StartedAt = time.UnixMilli(startedAt)
		record.FinishedAt = time.UnixMilli(finishedAt)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历部署记录失败")
	}
	return records, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *MySQLRepository) runMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, mysqlCreateMigrations); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建 schema_migrations 表失败")
	}

	applied, err := s.appliedVersions(ctx)
	if err != nil {
		return err
	}
	files, err := loadMigrationFiles("mysql")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "加载迁移文件失败")
	}
	for _, migration := range files {
		if _, ok := applied[migration.version]; ok {
			continue
		}
		if err := s.applyMigration(ctx, migration); err != nil {
			return err
		}
	}
	return nil
}

func (s *MySQLRepository) appliedVersions(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 schema_migrations 失败")
	}
	defer rows.Close()

	applied := make(map[string]struct{})
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 schema_migrations 失败")
		}
		applied[version] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历 schema_migrations 失败")
	}
	return applied, nil
}

func (s *MySQLRepository) applyMigration(ctx context.Context, migration migrationFile) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启迁移事务失败")
	}
	for _, stmt := range migration.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("执行迁移 %s 失败", migration.name))
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, migration.version, time.Now().Unix()); err != nil {
		_ = tx.Rollback()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录迁移版本失败")
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交迁移事务失败")
	}
	return nil
}
