package state

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	xerrors "OpenAgent-Runtime/internal/errors"
)

// FileStore 为每个智能体保存一个 JSON 文件。写入先落到临时文件再 rename，
// 读者只会看到完整的旧文件或完整的新文件。
type FileStore struct {
	dir   string
	locks sync.Map // agentID -> *sync.Mutex
	now   func() time.Time
}

// NewFileStore 创建目录并返回 FileStore。
func NewFileStore(dir string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "状态目录不能为空")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, unavailable("创建状态目录", "", err)
	}
	return &FileStore{dir: dir, now: time.Now}, nil
}

// Dir 返回状态目录。
func (s *FileStore) Dir() string { return s.dir }

// LoadAgentState 实现 Store 接口。
func (s *FileStore) LoadAgentState(_ context.Context, agentID string) (Record, bool, error) {
	path, err := s.pathFor(agentID)
	if err != nil {
		return Record{}, false, err
	}
	mu := s.lockFor(agentID)
	mu.Lock()
	defer mu.Unlock()

	content, err := os.ReadFile(path)
	if err != nil {
		if stdErrors.Is(err, fs.ErrNotExist) {
			return Record{}, false, nil
		}
		return Record{}, false, unavailable("读取状态文件", agentID, err)
	}
	var record Record
	if err := json.Unmarshal(content, &record); err != nil {
		return Record{}, false, corrupted(agentID, err)
	}
	return record, true, nil
}

// SaveAgentState 实现 Store 接口。
func (s *FileStore) SaveAgentState(_ context.Context, record Record) error {
	if err := validateRecord(record); err != nil {
		return err
	}
	path, err := s.pathFor(record.AgentID)
	if err != nil {
		return err
	}
	if record.UpdatedAt == 0 {
		record.UpdatedAt = s.now().UnixMilli()
	}
	content, err := json.Marshal(record)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化状态失败")
	}

	mu := s.lockFor(record.AgentID)
	mu.Lock()
	defer mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, "."+record.AgentID+".*.tmp")
	if err != nil {
		return unavailable("创建临时文件", record.AgentID, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		cleanup()
		return unavailable("写入状态文件", record.AgentID, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return unavailable("同步状态文件", record.AgentID, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return unavailable("关闭状态文件", record.AgentID, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return unavailable("替换状态文件", record.AgentID, err)
	}
	return nil
}

// DeleteAgentState 实现 Store 接口。
func (s *FileStore) DeleteAgentState(_ context.Context, agentID string) error {
	path, err := s.pathFor(agentID)
	if err != nil {
		return err
	}
	mu := s.lockFor(agentID)
	mu.Lock()
	defer mu.Unlock()
	if err := os.Remove(path); err != nil && !stdErrors.Is(err, fs.ErrNotExist) {
		return unavailable("删除状态文件", agentID, err)
	}
	return nil
}

// Close 对文件存储无需操作。
func (s *FileStore) Close() error { return nil }

func (s *FileStore) lockFor(agentID string) *sync.Mutex {
	value, _ := s.locks.LoadOrStore(agentID, &sync.Mutex{})
	return value.(*sync.Mutex)
}

func (s *FileStore) pathFor(agentID string) (string, error) {
	if err := validateAgentID(agentID); err != nil {
		return "", err
	}
	if strings.ContainsAny(agentID, `/\`) || agentID == "." || agentID == ".." || strings.HasPrefix(agentID, ".") {
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("非法的 agent ID: %q", agentID))
	}
	return filepath.Join(s.dir, agentID+".json"), nil
}

var _ Store = (*FileStore)(nil)
