package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/invopop/jsonschema"

	xerrors "OpenAgent-Runtime/internal/errors"
)

// HandlerFunc 执行一个任务类型的具体业务逻辑。
type HandlerFunc func(ctx context.Context, task Task) (any, error)

// HandlerOption 配置处理函数的元信息。
type HandlerOption func(*handlerEntry)

// Mutating 声明处理函数会修改持久化状态，成功后基础运行时会立即写回存储。
func Mutating() HandlerOption {
	return func(e *handlerEntry) { e.mutating = true }
}

// WithDescription 设置任务类型的说明文字。
func WithDescription(text string) HandlerOption {
	return func(e *handlerEntry) { e.description = text }
}

// WithPayloadSchema 根据示例结构体生成 payload 的 JSON Schema。
func WithPayloadSchema(example any) HandlerOption {
	return func(e *handlerEntry) {
		if example == nil {
			return
		}
		reflector := &jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}
		e.schema = reflector.Reflect(example)
	}
}

type handlerEntry struct {
	taskType    TaskType
	fn          HandlerFunc
	mutating    bool
	description string
	schema      *jsonschema.Schema
}

// TaskDescriptor 是对外暴露的任务类型描述。
type TaskDescriptor struct {
	Type        TaskType           `json:"type"`
	Description string             `json:"description,omitempty"`
	Mutating    bool               `json:"mutating"`
	Payload     *jsonschema.Schema `json:"payload_schema,omitempty"`
}

// HandlerTable 是任务类型到处理函数的注册表，构造智能体时一次性建立，之后只读。
type HandlerTable struct {
	entries map[TaskType]*handlerEntry
	sealed  bool
}

func newHandlerTable() *HandlerTable {
	return &HandlerTable{entries: make(map[TaskType]*handlerEntry)}
}

// Register 绑定任务类型与处理函数，同一类型只能注册一次。
func (t *HandlerTable) Register(taskType TaskType, fn HandlerFunc, opts ...HandlerOption) error {
	if t.sealed {
		return xerrors.New(xerrors.CodeConflict, "处理函数表已封存，不能再注册")
	}
	if strings.TrimSpace(string(taskType)) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务类型不能为空")
	}
	if fn == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("任务类型 %s 缺少处理函数", taskType))
	}
	if _, exists := t.entries[taskType]; exists {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("任务类型 %s 重复注册", taskType))
	}
	entry := &handlerEntry{taskType: taskType, fn: fn}
	for _, opt := range opts {
		if opt != nil {
			opt(entry)
		}
	}
	t.entries[taskType] = entry
	return nil
}

// RegisterTyped 注册一个接收类型化 payload 的处理函数，payload 解码失败时返回
// INVALID_ARGUMENT，并自动生成 payload 的 JSON Schema。
func RegisterTyped[P any](t *HandlerTable, taskType TaskType, fn func(ctx context.Context, payload P) (any, error), opts ...HandlerOption) error {
	if fn == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("任务类型 %s 缺少处理函数", taskType))
	}
	var zero P
	opts = append([]HandlerOption{WithPayloadSchema(zero)}, opts...)
	return t.Register(taskType, func(ctx context.Context, task Task) (any, error) {
		var payload P
		if err := DecodePayload(task.Payload, &payload); err != nil {
			return nil, err
		}
		return fn(ctx, payload)
	}, opts...)
}

// Types 返回已注册的任务类型，按名称排序。
func (t *HandlerTable) Types() []TaskType {
	types := make([]TaskType, 0, len(t.entries))
	for taskType := range t.entries {
		types = append(types, taskType)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Supports 判断任务类型是否已注册。
func (t *HandlerTable) Supports(taskType TaskType) bool {
	_, ok := t.entries[taskType]
	return ok
}

// Descriptors 返回全部任务类型的描述。
func (t *HandlerTable) Descriptors() []TaskDescriptor {
	types := t.Types()
	out := make([]TaskDescriptor, 0, len(types))
	for _, taskType := range types {
		entry := t.entries[taskType]
		out = append(out, TaskDescriptor{
			Type:        entry.taskType,
			Description: entry.description,
			Mutating:    entry.mutating,
			Payload:     entry.schema,
		})
	}
	return out
}

func (t *HandlerTable) lookup(taskType TaskType) (*handlerEntry, bool) {
	entry, ok := t.entries[taskType]
	return entry, ok
}
