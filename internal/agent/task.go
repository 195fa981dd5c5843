package agent

import (
	"github.com/mitchellh/mapstructure"

	xerrors "OpenAgent-Runtime/internal/errors"
)

// Task 是一次类型化的调用请求，由调用方按次创建并被 ExecuteTask 同步消费。
type Task struct {
	Type    TaskType       `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
	// Context 携带调用方的附加信息，例如请求来源或关联 ID。
	Context map[string]any `json:"context,omitempty"`
}

// DecodePayload 将松散的 payload 解码到处理函数自己的结构体中，
// 字段名取 json 标签，未知字段视为非法参数。
func DecodePayload(payload map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "无法构建 payload 解码器")
	}
	if payload == nil {
		payload = map[string]any{}
	}
	if err := decoder.Decode(payload); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "payload 格式不正确")
	}
	return nil
}

// Clone 返回任务的副本，payload 与 context 使用独立的顶层 map。
func (t Task) Clone() Task {
	return Task{Type: t.Type, Payload: cloneMap(t.Payload), Context: cloneMap(t.Context)}
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
