package agent

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/BaSui01/agentcell/types"
)

// Handler 处理一条已规范化的应用消息
// 返回普通错误表示本条消息处理失败但进程继续；返回
// types.FatalHandlerError 包装的错误或 panic 会使进程进入 Crashed
type Handler func(ctx context.Context, env *Env, msg types.Message) error

// Env 是处理器可见的进程环境
// 它的方法只能在处理器回调内部使用：读写直达本进程的临时缓存，
// 持久化照常异步进行
type Env struct {
	p *Process
}

// ID 返回进程标识
func (e *Env) ID() types.AgentID { return e.p.cfg.ID }

// Logger 返回进程作用域的日志器
func (e *Env) Logger() *zap.Logger { return e.p.log }

// Store 写入键值：缓存立即可见，持久化异步完成
func (e *Env) Store(key string, value json.RawMessage) {
	e.p.applyStore(key, value)
}

// Retrieve 从缓存读取
func (e *Env) Retrieve(key string) (json.RawMessage, bool) {
	v, ok := e.p.cache[key]
	return v, ok
}

// Delete 删除键，返回键先前是否存在
func (e *Env) Delete(key string) bool {
	return e.p.applyDelete(key)
}

// Keys 返回缓存中全部键，升序
func (e *Env) Keys() []string {
	return e.p.cacheKeys()
}

// Stop 请求进程在当前消息处理完后进入 Stopping
func (e *Env) Stop() { e.p.requestStop() }

// DefaultHandler 返回内置的应用消息处理器
// 行为：每条消息先以 "last_message_from_<sender>" 存档，再按
// payload 的 type 字段分派：ping 记录日志，data_update 将 data
// 字段存入 "received_data"，shutdown 触发刷写并停止进程
func DefaultHandler() Handler {
	return func(ctx context.Context, env *Env, msg types.Message) error {
		env.Store("last_message_from_"+msg.From.String(), msg.Payload)

		switch msg.PayloadType() {
		case "ping":
			env.Logger().Info("received ping", zap.String("from", msg.From.String()))
		case "data_update":
			var probe struct {
				Data json.RawMessage `json:"data"`
			}
			if err := json.Unmarshal(msg.Payload, &probe); err == nil && probe.Data != nil {
				env.Store("received_data", probe.Data)
				env.Logger().Info("updated data", zap.String("from", msg.From.String()))
			}
		case "shutdown":
			env.Logger().Info("received shutdown signal", zap.String("from", msg.From.String()))
			env.Stop()
		default:
			env.Logger().Debug("unhandled message type",
				zap.String("type", msg.PayloadType()),
				zap.String("from", msg.From.String()))
		}
		return nil
	}
}
