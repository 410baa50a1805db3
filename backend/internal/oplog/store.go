package oplog

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
)

//go:embed schema_mysql.sql
var schemaMySQL string

//go:embed schema_sqlite.sql
var schemaSQLite string

const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite3"
)

// 不同数据库之间只在这几处有差异
type dialect struct {
	name string
	// 建表语句（多条，用 ; 分隔）
	schema string
	// 版本计数行不存在时补一行 0
	ensureCounter string
	// 读计数行时加的行锁后缀，SQLite 单写者不需要
	forUpdate   string
	isDuplicate func(err error) bool
}

var dialects = map[string]dialect{
	DriverMySQL: {
		name:          DriverMySQL,
		schema:        schemaMySQL,
		ensureCounter: `INSERT IGNORE INTO document_versions (document_id, current_version) VALUES (?, 0)`,
		forUpdate:     " FOR UPDATE",
		isDuplicate: func(err error) bool {
			// 1062 = duplicate key
			var mysqlErr *mysql.MySQLError
			return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
		},
	},
	DriverSQLite: {
		name:          DriverSQLite,
		schema:        schemaSQLite,
		ensureCounter: `INSERT OR IGNORE INTO document_versions (document_id, current_version) VALUES (?, 0)`,
		forUpdate:     "",
		isDuplicate: func(err error) bool {
			var sqliteErr sqlite3.Error
			if !errors.As(err, &sqliteErr) {
				return false
			}
			return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
				sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
		},
	},
}

// Store 操作日志的持久化实现，版本计数和日志在同一个事务里推进
type Store struct {
	db *sql.DB
	d  dialect
}

// Open 打开数据库并建表。driver 取 "mysql" 或 "sqlite3"
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("open oplog: unsupported driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open oplog: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("open oplog: ping: %w", err)
	}

	if driver == DriverSQLite {
		// SQLite 只允许一个写者，连接池限制成 1 避免 SQLITE_BUSY
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		if err := applyPragmas(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
	}

	s := &Store{db: db, d: d}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore 基于已有连接构造（调用方负责建表）
func NewStore(db *sql.DB, driver string) (*Store, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("new oplog store: unsupported driver %q", driver)
	}
	return &Store{db: db, d: d}, nil
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}
	return nil
}

// Migrate 幂等建表
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(s.d.schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate oplog: %w", err)
		}
	}
	return nil
}

func (s *Store) Driver() string { return s.d.name }

// Ping 健康检查用
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
