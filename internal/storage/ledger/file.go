package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	xerrors "chain-deployer/internal/errors"
)

const fileCacheSize = 512

// FileRepository 以 JSON Lines 追加写的方式记录部署结果，适合单机使用。
type FileRepository struct {
	mu       sync.RWMutex
	dataFile string
	records  []Record
}

// NewFileRepository 在 dataDir 下创建 deployments.jsonl 并加载已有记录。
func NewFileRepository(dataDir string) (*FileRepository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建数据目录失败")
	}
	repo := &FileRepository{dataFile: filepath.Join(dataDir, "deployments.jsonl")}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Path 返回底层文件路径。
func (r *FileRepository) Path() string { return r.dataFile }

// Save 追加一条部署记录。
func (r *FileRepository) Save(_ context.Context, record Record) error {
	if err := validate(record); err != nil {
		return err
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化部署记录失败")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := os.OpenFile(r.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开部署记录文件失败")
	}
	defer file.Close()

	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入部署记录失败")
	}

	r.records = append([]Record{record}, r.records...)
	if len(r.records) > fileCacheSize {
		r.records = r.records[:fileCacheSize]
	}
	return nil
}

// ListLatest 返回最近的部署记录，按写入时间倒序排列。
func (r *FileRepository) ListLatest(_ context.Context, limit int) ([]Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 || limit > len(r.records) {
		limit = len(r.records)
	}
	results := make([]Record, limit)
	copy(results, r.records[:limit])
	return results, nil
}

// Close 对文件仓库无操作。
func (r *FileRepository) Close() error { return nil }

func (r *FileRepository) loadFromDisk() error {
	file, err := os.Open(r.dataFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取部署记录文件失败")
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	var restored []Record
	for scanner.Scan() {
		var record Record
		// 损坏的行直接跳过。
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		restored = append([]Record{record}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("解析 %s 失败", r.dataFile))
	}
	if len(restored) > fileCacheSize {
		restored = restored[:fileCacheSize]
	}
	r.records = restored
	return nil
}
