package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"softmock/internal/logger"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/moby/locker"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("record not found")
	// ErrConflict 记录键已存在
	ErrConflict = errors.New("record already exists")
	// ErrStorage 底层存储失败
	ErrStorage = errors.New("storage error")
)

// MockRecord 持久化的 mock 记录，key 唯一
type MockRecord struct {
	Seq       uint            `gorm:"primaryKey;autoIncrement" json:"-"`
	ID        string          `gorm:"column:id;size:64;uniqueIndex;not null" json:"id"`
	Key       string          `gorm:"column:key;uniqueIndex;not null" json:"key"`
	Payload   json.RawMessage `gorm:"-" json:"payload"`
	Detail    string          `gorm:"column:payload;type:text;not null" json:"-"`
	Enabled   bool            `gorm:"column:enabled;not null" json:"enabled"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// BeforeSave 报文以 URL 编码形式落库
func (r *MockRecord) BeforeSave(*gorm.DB) error {
	r.Detail = url.QueryEscape(string(r.Payload))
	return nil
}

// AfterFind 读取后还原报文
func (r *MockRecord) AfterFind(*gorm.DB) error {
	raw, err := url.QueryUnescape(r.Detail)
	if err != nil {
		return fmt.Errorf("decode payload of %s: %w", r.Key, err)
	}
	r.Payload = json.RawMessage(raw)
	return nil
}

// Options 存储配置
type Options struct {
	Dsn    string
	Prefix string
}

// Store mock 记录存储
type Store struct {
	db    *gorm.DB
	locks *locker.Locker
	log   logger.Logger
}

// Open 打开 sqlite 数据库并迁移表结构
func Open(opts Options, l logger.Logger) (*Store, error) {
	if l == nil {
		l = logger.NewNop()
	}
	if dir := filepath.Dir(opts.Dsn); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: create data dir: %w", ErrStorage, err)
		}
	}
	db, err := gorm.Open(sqlite.Open(opts.Dsn), &gorm.Config{
		Logger:         NewGormLogger(l).LogMode(gormlogger.Warn),
		NamingStrategy: schema.NamingStrategy{TablePrefix: opts.Prefix},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite: %w", ErrStorage, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	// sqlite 单写者，统一走一个连接避免 SQLITE_BUSY
	sqlDB.SetMaxOpenConns(1)
	return New(db, l)
}

// New 基于已有连接创建存储
func New(db *gorm.DB, l logger.Logger) (*Store, error) {
	if l == nil {
		l = logger.NewNop()
	}
	if err := db.AutoMigrate(&MockRecord{}); err != nil {
		return nil, fmt.Errorf("%w: migrate: %w", ErrStorage, err)
	}
	return &Store{db: db, locks: locker.New(), log: l.With("component", "storage")}, nil
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// MutateFunc 在持有键锁期间根据当前记录（不存在时为 nil）计算新记录
//
// 返回 nil 记录表示不写入；返回的错误原样透传给调用方。
type MutateFunc func(cur *MockRecord) (*MockRecord, error)

// Mutate 对单个键执行 读取-决策-写入，整个过程持有键锁并处于同一事务
//
// 同一键的写入按键串行，不同键互不阻塞。
func (s *Store) Mutate(ctx context.Context, key string, fn MutateFunc) (*MockRecord, error) {
	s.locks.Lock(key)
	defer func() { _ = s.locks.Unlock(key) }()

	var (
		out   *MockRecord
		fnErr error
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cur, err := findByKey(tx, key)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		var next *MockRecord
		if cur != nil {
			cp := *cur
			next, fnErr = fn(&cp)
		} else {
			next, fnErr = fn(nil)
		}
		if fnErr != nil {
			return fnErr
		}
		if next == nil {
			out = cur
			return nil
		}

		next.Key = key
		if cur == nil {
			if err := assignID(tx, next); err != nil {
				return err
			}
			if err := tx.Create(next).Error; err != nil {
				return storageErr("insert", err)
			}
		} else {
			next.Seq = cur.Seq
			next.ID = cur.ID
			next.CreatedAt = cur.CreatedAt
			if err := tx.Save(next).Error; err != nil {
				return storageErr("update", err)
			}
		}
		out = next
		return nil
	})
	if err != nil {
		if fnErr != nil || errors.Is(err, ErrStorage) {
			return nil, err
		}
		return nil, storageErr("transaction", err)
	}
	return out, nil
}

// assignID 新记录使用给定ID，空或与其他记录冲突时重新生成
//
// 重新生成ID时，报文中已有的 id 字段同步改写。
func assignID(tx *gorm.DB, r *MockRecord) error {
	if r.ID != "" {
		var n int64
		if err := tx.Model(&MockRecord{}).Where("id = ?", r.ID).Count(&n).Error; err != nil {
			return storageErr("check id", err)
		}
		if n == 0 {
			return nil
		}
	}
	r.ID = uuid.NewString()
	if gjson.GetBytes(r.Payload, "id").Exists() {
		if p, err := sjson.SetBytes(r.Payload, "id", r.ID); err == nil {
			r.Payload = p
		}
	}
	return nil
}

// Upsert 存在则原地覆盖报文和状态并返回原ID，否则以 id（为空时生成）新建
func (s *Store) Upsert(ctx context.Context, key, id string, payload []byte, enabled bool) (string, error) {
	rec, err := s.Mutate(ctx, key, func(cur *MockRecord) (*MockRecord, error) {
		if cur == nil {
			return &MockRecord{ID: id, Payload: payload, Enabled: enabled}, nil
		}
		cur.Payload = payload
		cur.Enabled = enabled
		return cur, nil
	})
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}

// Insert 新建记录，键已存在时返回 ErrConflict
func (s *Store) Insert(ctx context.Context, key, id string, payload []byte, enabled bool) (*MockRecord, error) {
	return s.Mutate(ctx, key, func(cur *MockRecord) (*MockRecord, error) {
		if cur != nil {
			return nil, fmt.Errorf("%w: %s", ErrConflict, key)
		}
		return &MockRecord{ID: id, Payload: payload, Enabled: enabled}, nil
	})
}

// Get 按键读取记录
func (s *Store) Get(ctx context.Context, key string) (*MockRecord, error) {
	return findByKey(s.db.WithContext(ctx), key)
}

// List 返回键包含 filter 的记录，按插入顺序；filter 为空返回全部
func (s *Store) List(ctx context.Context, filter string) ([]MockRecord, error) {
	var out []MockRecord
	q := s.db.WithContext(ctx).Order("seq ASC")
	if filter != "" {
		q = q.Where("instr(`key`, ?) > 0", filter)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, storageErr("list", err)
	}
	return out, nil
}

// Delete 删除记录并返回被删除的记录，不存在时返回 nil 且不报错
func (s *Store) Delete(ctx context.Context, key string) (*MockRecord, error) {
	s.locks.Lock(key)
	defer func() { _ = s.locks.Unlock(key) }()

	var deleted *MockRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cur, err := findByKey(tx, key)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := tx.Delete(cur).Error; err != nil {
			return storageErr("delete", err)
		}
		deleted = cur
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrStorage) {
			return nil, err
		}
		return nil, storageErr("delete", err)
	}
	return deleted, nil
}

// SetEnabled 切换启用状态，记录不存在时返回 ErrNotFound
func (s *Store) SetEnabled(ctx context.Context, key string, enabled bool) (*MockRecord, error) {
	return s.Mutate(ctx, key, func(cur *MockRecord) (*MockRecord, error) {
		if cur == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		cur.Enabled = enabled
		return cur, nil
	})
}

// DeleteMatching 删除键包含 filter 的全部记录，filter 为空时清空
func (s *Store) DeleteMatching(ctx context.Context, filter string) (int64, error) {
	q := s.db.WithContext(ctx)
	if filter == "" {
		q = q.Session(&gorm.Session{AllowGlobalUpdate: true})
	} else {
		q = q.Where("instr(`key`, ?) > 0", filter)
	}
	res := q.Delete(&MockRecord{})
	if res.Error != nil {
		return 0, storageErr("delete matching", res.Error)
	}
	return res.RowsAffected, nil
}

// Count 记录总数
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&MockRecord{}).Count(&n).Error; err != nil {
		return 0, storageErr("count", err)
	}
	return n, nil
}

func findByKey(db *gorm.DB, key string) (*MockRecord, error) {
	var r MockRecord
	err := db.Where("`key` = ?", key).Take(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, storageErr("get", err)
	}
	return &r, nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}
