package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	xerrors "EVMQuery-Chain/internal/errors"
)

const memoryHistoryLimit = 512

// QueryRecord 表示一次查询请求的最终结果。ActualOutput 保存 JSON 文本。
type QueryRecord struct {
	ID             int64  `json:"id"`
	QueryID        string `json:"query_id"`
	Query          string `json:"query"`
	Intent         string `json:"intent"`
	Contract       string `json:"contract"`
	ChainID        string `json:"chain_id"`
	Success        bool   `json:"success"`
	ExpectedOutput string `json:"expected_output"`
	ActualOutput   string `json:"actual_output"`
	Error          string `json:"error,omitempty"`
	Attempts       int    `json:"attempts"`
	CreatedAt      int64  `json:"created_at"`
}

// QueryRepository 抽象查询历史的持久化接口。
type QueryRepository interface {
	Save(ctx context.Context, record *QueryRecord) error
	GetByQueryID(ctx context.Context, queryID string) (*QueryRecord, error)
	ListLatest(ctx context.Context, limit int) ([]QueryRecord, error)
}

// MemoryQueryRepository 使用本地 JSON 行文件保存历史，适合单机开发。
type MemoryQueryRepository struct {
	mu       sync.RWMutex
	dataFile string
	records  []QueryRecord
	nextID   int64
}

// NewMemoryQueryRepository 创建仓库并从磁盘恢复最近的记录。
func NewMemoryQueryRepository(dataDir string) (*MemoryQueryRepository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "create data directory")
	}
	repo := &MemoryQueryRepository{dataFile: filepath.Join(dataDir, "queries.log")}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Save 追加写入一条记录并分配 ID。
func (m *MemoryQueryRepository) Save(_ context.Context, record *QueryRecord) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record is nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	record.ID = m.nextID
	encoded, err := json.Marshal(record)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "encode query record")
	}

	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "open history file")
	}
	defer file.Close()
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "append history file")
	}

	m.records = append([]QueryRecord{*record}, m.records...)
	if len(m.records) > memoryHistoryLimit {
		m.records = m.records[:memoryHistoryLimit]
	}
	return nil
}

// GetByQueryID 查找指定查询。
func (m *MemoryQueryRepository) GetByQueryID(_ context.Context, queryID string) (*QueryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.records {
		if r.QueryID == queryID {
			rec := r
			return &rec, nil
		}
	}
	return nil, xerrors.New(xerrors.CodeNotFound, "query not found", xerrors.WithMetadata("query_id", queryID))
}

// ListLatest 返回最近的记录，按写入时间倒序。
func (m *MemoryQueryRepository) ListLatest(_ context.Context, limit int) ([]QueryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.records) {
		limit = len(m.records)
	}
	out := make([]QueryRecord, limit)
	copy(out, m.records[:limit])
	return out, nil
}

func (m *MemoryQueryRepository) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "open history file")
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var restored []QueryRecord
	for scanner.Scan() {
		var record QueryRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		if record.ID > m.nextID {
			m.nextID = record.ID
		}
		restored = append([]QueryRecord{record}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan history file")
	}
	if len(restored) > memoryHistoryLimit {
		restored = restored[:memoryHistoryLimit]
	}
	m.records = restored
	return nil
}

// SQLQueryRepository 使用 MySQL 保存查询历史。
type SQLQueryRepository struct {
	db *sql.DB
}

// NewSQLQueryRepository 打开连接池并执行迁移。
func NewSQLQueryRepository(ctx context.Context, cfg Config) (*SQLQueryRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLQueryRepository{db: db}, nil
}

const (
	insertQuerySQL = `INSERT INTO query_history
    (query_id, query_text, intent, contract, chain_id, success, expected_output, actual_output, error_message, attempts, created_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	selectQueryColumns = `SELECT id, query_id, query_text, intent, contract, chain_id, success, expected_output, actual_output, error_message, attempts, created_at
    FROM query_history`
)

// Save 写入一条记录并回填自增 ID。
func (s *SQLQueryRepository) Save(ctx context.Context, record *QueryRecord) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record is nil")
	}
	res, err := s.db.ExecContext(ctx, insertQuerySQL,
		record.QueryID,
		record.Query,
		record.Intent,
		record.Contract,
		record.ChainID,
		record.Success,
		record.ExpectedOutput,
		record.ActualOutput,
		record.Error,
		record.Attempts,
		record.CreatedAt,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert query record")
	}
	if id, err := res.LastInsertId(); err == nil {
		record.ID = id
	}
	return nil
}

// GetByQueryID 按查询 ID 读取记录。
func (s *SQLQueryRepository) GetByQueryID(ctx context.Context, queryID string) (*QueryRecord, error) {
	rows, err := s.db.QueryContext(ctx, selectQueryColumns+` WHERE query_id = ?`, queryID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query record")
	}
	defer rows.Close()
	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, xerrors.New(xerrors.CodeNotFound, "query not found", xerrors.WithMetadata("query_id", queryID))
	}
	return &records[0], nil
}

// ListLatest 查询最近的若干条记录。
func (s *SQLQueryRepository) ListLatest(ctx context.Context, limit int) ([]QueryRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, selectQueryColumns+` ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "list query records")
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]QueryRecord, error) {
	var records []QueryRecord
	for rows.Next() {
		var r QueryRecord
		if err := rows.Scan(&r.ID, &r.QueryID, &r.Query, &r.Intent, &r.Contract, &r.ChainID, &r.Success,
			&r.ExpectedOutput, &r.ActualOutput, &r.Error, &r.Attempts, &r.CreatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan query record")
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate query records")
	}
	return records, nil
}

// Close 关闭底层数据库连接。
func (s *SQLQueryRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ErrUnsupportedDriver 表示配置了未知的历史存储驱动。
var ErrUnsupportedDriver = errors.New("unsupported history driver")

var (
	_ QueryRepository = (*MemoryQueryRepository)(nil)
	_ QueryRepository = (*SQLQueryRepository)(nil)
)
