package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentcell/internal/mailbox"
	"github.com/BaSui01/agentcell/internal/metrics"
	"github.com/BaSui01/agentcell/state"
	"github.com/BaSui01/agentcell/transport"
	"github.com/BaSui01/agentcell/types"
)

// shutdownTimeout 限制 Stopping 阶段等待持久化完成的时间
const shutdownTimeout = 10 * time.Second

// Process 是一个独立的 Agent 进程
// 所有可变状态（缓存、处理循环）由 run 协程独占，外部调用通过
// 邮箱或请求通道进入，天然串行
type Process struct {
	cfg     types.AgentConfig
	log     *zap.Logger
	col     *metrics.Collector
	backend state.Store
	ns      string
	flusher *state.Flusher
	trans   transport.Transport
	handler Handler

	mbox     *mailbox.Mailbox[types.Message]
	requests chan request
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	state atomic.Int32

	// run 协程独占
	cache     map[string]json.RawMessage
	fanCancel context.CancelFunc
	fanWG     sync.WaitGroup

	started atomic.Bool
	onExit  func(ExitEvent)

	exitMu   sync.Mutex
	exitInfo ExitEvent
}

type request struct {
	action   types.StateAction
	snapshot bool
	reply    chan response
}

type response struct {
	value json.RawMessage
	snap  map[string]json.RawMessage
	err   error
}

// Option 配置 Process 的可选依赖
type Option func(*Process)

// WithLogger 注入日志器
func WithLogger(log *zap.Logger) Option {
	return func(p *Process) { p.log = log }
}

// WithTransport 挂载分布式传输
func WithTransport(t transport.Transport) Option {
	return func(p *Process) { p.trans = t }
}

// WithHandler 覆盖默认应用消息处理器
func WithHandler(h Handler) Option {
	return func(p *Process) { p.handler = h }
}

// WithMetrics 注入指标收集器
func WithMetrics(c *metrics.Collector) Option {
	return func(p *Process) { p.col = c }
}

// WithExitFunc 注册退出回调，Supervisor 借此观察子进程退出
func WithExitFunc(fn func(ExitEvent)) Option {
	return func(p *Process) { p.onExit = fn }
}

// New 按配置构造进程，backend 的生命周期归调用方所有
// 进程只在自己的命名空间（"agent:<id>:"）内读写 backend
func New(cfg types.AgentConfig, backend state.Store, opts ...Option) (*Process, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if backend == nil {
		return nil, types.NewError(types.ErrInvalidConfig, "agent requires a state backend")
	}

	p := &Process{
		cfg:      cfg,
		log:      zap.NewNop(),
		backend:  backend,
		ns:       state.Namespace(cfg.ID),
		mbox:     mailbox.New[types.Message](cfg.MailboxSize),
		requests: make(chan request),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		cache:    make(map[string]json.RawMessage),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With(
		zap.String("component", "agent"),
		zap.String("agent_id", cfg.ID.String()),
	)
	if p.handler == nil {
		p.handler = DefaultHandler()
	}
	p.flusher = state.NewFlusher(backend, p.log)
	if !cfg.TransportEnabled {
		p.trans = nil
	}
	return p, nil
}

// ID 返回进程标识
func (p *Process) ID() types.AgentID { return p.cfg.ID }

// Config 返回创建时的配置副本，重启时用它重建等价进程
func (p *Process) Config() types.AgentConfig { return p.cfg }

// State 返回当前生命周期状态
func (p *Process) State() State { return State(p.state.Load()) }

// PendingWrites 返回已进缓存但尚未持久化的写入数量
func (p *Process) PendingWrites() int { return p.flusher.Pending() }

// Done 在进程退出后关闭
func (p *Process) Done() <-chan struct{} { return p.done }

// Exit 返回退出信息，仅在 Done 关闭后有意义
func (p *Process) Exit() ExitEvent {
	p.exitMu.Lock()
	defer p.exitMu.Unlock()
	return p.exitInfo
}

// Start 启动处理循环，立即返回
func (p *Process) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return types.NewError(types.ErrInvalidTransition, "process already started")
	}
	go p.run(ctx)
	return nil
}

// Dispatch 把消息投入邮箱，满则立即失败，绝不阻塞调用方
func (p *Process) Dispatch(msg types.Message) error {
	switch p.State() {
	case StateStopping, StateTerminated, StateCrashed:
		return types.NewError(types.ErrAgentStopped,
			"agent "+p.cfg.ID.String()+" is not accepting messages")
	}
	if !p.mbox.TryPut(msg) {
		return types.NewError(types.ErrMailboxFull,
			"mailbox full for agent "+p.cfg.ID.String()).WithRetryable(true)
	}
	return nil
}

// Apply 同步更新临时缓存并调度异步持久化
// 返回时缓存已更新：同进程立即可读，持久化最终完成
func (p *Process) Apply(ctx context.Context, action types.StateAction) (json.RawMessage, error) {
	return p.roundTrip(ctx, request{action: action, reply: make(chan response, 1)})
}

// Snapshot 返回临时缓存的完整拷贝，不触碰持久后端
func (p *Process) Snapshot(ctx context.Context) (map[string]json.RawMessage, error) {
	req := request{snapshot: true, reply: make(chan response, 1)}
	select {
	case p.requests <- req:
	case <-p.done:
		return nil, types.NewError(types.ErrAgentStopped, "agent has exited")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case resp := <-req.reply:
		return resp.snap, resp.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Process) roundTrip(ctx context.Context, req request) (json.RawMessage, error) {
	select {
	case p.requests <- req:
	case <-p.done:
		return nil, types.NewError(types.ErrAgentStopped, "agent has exited")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case resp := <-req.reply:
		return resp.value, resp.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop 请求干净停止并等待进程退出
func (p *Process) Stop(ctx context.Context) error {
	p.requestStop()
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Process) requestStop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

// run 是进程主循环，独占全部可变状态
func (p *Process) run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.crash(fmt.Errorf("panic in agent %s: %v", p.cfg.ID, r))
		}
	}()

	p.transition(StateLoading)
	if err := p.loadState(ctx); err != nil {
		p.crash(types.NewError(types.ErrPersistence, "state loading failed").WithCause(err))
		return
	}

	fanCtx, cancelFan := context.WithCancel(ctx)
	defer cancelFan()
	p.fanCancel = cancelFan
	if p.trans != nil {
		if err := p.attachTransport(fanCtx, &p.fanWG); err != nil {
			p.crash(err)
			return
		}
	}

	p.transition(StateRunning)
	p.log.Info("agent running",
		zap.String("type", string(p.cfg.Type)),
		zap.String("backend", string(p.cfg.Backend)))

	for {
		select {
		case <-ctx.Done():
			p.shutdown()
			return
		case <-p.stopCh:
			p.shutdown()
			return
		case req := <-p.requests:
			p.serve(req)
		case msg := <-p.mbox.Chan():
			if err := p.handleMessage(ctx, msg); err != nil {
				p.crash(err)
				return
			}
			// 处理器可能在回调里请求停止，优先于下一条消息
			select {
			case <-p.stopCh:
				p.shutdown()
				return
			default:
			}
		}
	}
}

// loadState 将持久后端中本进程命名空间的全部内容复制进缓存
func (p *Process) loadState(ctx context.Context) error {
	keys, err := p.backend.ListKeys(ctx, p.ns)
	if err != nil {
		return err
	}
	for _, key := range keys {
		value, found, err := p.backend.Retrieve(ctx, key)
		if err != nil {
			return err
		}
		if found {
			p.cache[key[len(p.ns):]] = value
		}
	}
	p.log.Info("state loaded", zap.Int("keys", len(p.cache)))
	return nil
}

// attachTransport 订阅自身主题与配置的额外主题，合流进邮箱
func (p *Process) attachTransport(ctx context.Context, wg *sync.WaitGroup) error {
	subjects := append([]string{p.cfg.ID.Subject()}, p.cfg.Subscriptions...)
	for _, subject := range subjects {
		ch, err := p.trans.Subscribe(ctx, subject)
		if err != nil {
			return types.NewError(types.ErrTransportSubscribe, "subscribe "+subject).WithCause(err)
		}
		wg.Add(1)
		go func(subject string, ch <-chan types.Message) {
			defer wg.Done()
			for msg := range ch {
				// 转发来的消息在 payload 里携带完整信封，能解开就解开
				if inner, ok := unwrapEnvelope(msg.Payload); ok {
					msg = inner
				}
				if err := p.mbox.Put(ctx, msg); err != nil {
					return
				}
			}
		}(subject, ch)
	}
	return nil
}

// unwrapEnvelope 尝试把 payload 解释为完整的消息信封
func unwrapEnvelope(payload json.RawMessage) (types.Message, bool) {
	var inner types.Message
	if err := json.Unmarshal(payload, &inner); err != nil {
		return types.Message{}, false
	}
	if inner.ID == "" || inner.From == "" || inner.To == "" {
		return types.Message{}, false
	}
	return inner, true
}

// handleMessage 按消息类别路由：状态动作、跨节点转发或应用处理
// 返回非 nil 即进入 Crashed
func (p *Process) handleMessage(ctx context.Context, msg types.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic handling message %s: %v", msg.ID, r)
		}
	}()

	p.log.Debug("processing message",
		zap.String("message_id", msg.ID),
		zap.String("from", msg.From.String()))

	if action, ok := types.DecodeStateAction(msg.Payload); ok {
		if _, aerr := p.applyAction(action); aerr != nil {
			p.recordMessage("error")
			p.log.Warn("state action failed", zap.Error(aerr))
			return nil
		}
		p.recordMessage("handled")
		return nil
	}

	// 发给其他 Agent 的消息走传输层转发而不是本地处理
	if p.trans != nil && msg.To != "" && msg.To != p.cfg.ID && msg.From != transport.BusIdentity {
		data, merr := json.Marshal(msg)
		if merr != nil {
			p.recordMessage("error")
			return nil
		}
		if perr := p.trans.Publish(ctx, msg.To.Subject(), data); perr != nil {
			p.recordMessage("error")
			p.log.Warn("forwarding failed",
				zap.String("to", msg.To.String()), zap.Error(perr))
			return nil
		}
		p.recordMessage("forwarded")
		p.log.Debug("forwarded message", zap.String("to", msg.To.String()))
		return nil
	}

	env := &Env{p: p}
	if herr := p.handler(ctx, env, msg); herr != nil {
		if types.IsFatal(herr) {
			p.recordMessage("error")
			return herr
		}
		// 可恢复错误：记录后继续处理下一条
		p.recordMessage("error")
		p.log.Warn("handler error, continuing",
			zap.String("message_id", msg.ID), zap.Error(herr))
		return nil
	}
	p.recordMessage("handled")
	return nil
}

// serve 处理外部的 apply/snapshot 请求
func (p *Process) serve(req request) {
	if req.snapshot {
		snap := make(map[string]json.RawMessage, len(p.cache))
		for k, v := range p.cache {
			snap[k] = v
		}
		req.reply <- response{snap: snap}
		return
	}
	value, err := p.applyAction(req.action)
	req.reply <- response{value: value, err: err}
}

// applyAction 应用一个状态动作：缓存同步更新，持久化异步调度
func (p *Process) applyAction(action types.StateAction) (json.RawMessage, error) {
	switch action.Kind {
	case types.ActionStore:
		p.applyStore(action.Key, action.Value)
		return nil, nil
	case types.ActionGet:
		return p.cache[action.Key], nil
	case types.ActionDelete:
		p.applyDelete(action.Key)
		return nil, nil
	case types.ActionClear:
		nsKeys := make([]string, 0, len(p.cache))
		for k := range p.cache {
			nsKeys = append(nsKeys, p.ns+k)
		}
		p.cache = make(map[string]json.RawMessage)
		p.flusher.EnqueueClear(nsKeys)
		p.updateFlushGauge()
		return nil, nil
	case types.ActionList:
		keys := p.cacheKeys()
		out, err := json.Marshal(keys)
		if err != nil {
			return nil, err
		}
		return out, nil
	default:
		return nil, types.NewError(types.ErrInvalidConfig,
			"unknown state action kind: "+string(action.Kind))
	}
}

func (p *Process) applyStore(key string, value json.RawMessage) {
	p.cache[key] = append(json.RawMessage(nil), value...)
	p.flusher.EnqueueStore(p.ns+key, value)
	p.updateFlushGauge()
}

func (p *Process) applyDelete(key string) bool {
	_, existed := p.cache[key]
	delete(p.cache, key)
	p.flusher.EnqueueDelete(p.ns + key)
	p.updateFlushGauge()
	return existed
}

func (p *Process) cacheKeys() []string {
	keys := make([]string, 0, len(p.cache))
	for k := range p.cache {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// shutdown 执行干净停止：刷写全部状态，等待持久化完成后终止
func (p *Process) shutdown() {
	p.transition(StateStopping)
	p.detachTransport()

	// 全量落盘，与逐键异步写叠加是幂等的
	for key, value := range p.cache {
		p.flusher.EnqueueStore(p.ns+key, value)
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := p.flusher.Drain(flushCtx); err != nil {
		p.log.Warn("flush incomplete at shutdown", zap.Error(err),
			zap.Int("pending", p.flusher.Pending()))
	}
	p.flusher.Close(flushCtx)
	p.updateFlushGauge()
	p.mbox.Close()

	p.transition(StateTerminated)
	p.log.Info("agent terminated")
	p.finish(ExitEvent{ID: p.cfg.ID, Reason: ExitNormal})
}

// crash 进入 Crashed 终态并上报，不尝试刷写
func (p *Process) crash(cause error) {
	p.transition(StateCrashed)
	p.log.Error("agent crashed", zap.Error(cause))
	if p.col != nil {
		p.col.RecordCrash(p.cfg.ID.String())
	}

	p.detachTransport()
	closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	p.flusher.Close(closeCtx)
	p.mbox.Close()

	p.finish(ExitEvent{ID: p.cfg.ID, Reason: ExitAbnormal, Err: cause})
}

// detachTransport 取消订阅并等待合流协程退出，可重复调用
func (p *Process) detachTransport() {
	if p.trans != nil {
		unsubCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		for _, subject := range append([]string{p.cfg.ID.Subject()}, p.cfg.Subscriptions...) {
			p.trans.Unsubscribe(unsubCtx, subject)
		}
	}
	if p.fanCancel != nil {
		p.fanCancel()
	}
	p.fanWG.Wait()
}

func (p *Process) finish(ev ExitEvent) {
	p.exitMu.Lock()
	p.exitInfo = ev
	p.exitMu.Unlock()
	close(p.done)
	if p.onExit != nil {
		p.onExit(ev)
	}
}

func (p *Process) transition(to State) {
	from := State(p.state.Load())
	if from == to {
		return
	}
	if !canTransition(from, to) {
		p.log.Warn("invalid state transition",
			zap.String("from", from.String()), zap.String("to", to.String()))
		return
	}
	p.state.Store(int32(to))
	p.log.Debug("state transition",
		zap.String("from", from.String()), zap.String("to", to.String()))
	if p.col != nil {
		p.col.RecordStateTransition(p.cfg.ID.String(), from.String(), to.String())
	}
}

func (p *Process) recordMessage(result string) {
	if p.col != nil {
		p.col.RecordMessage(p.cfg.ID.String(), result)
	}
}

func (p *Process) updateFlushGauge() {
	if p.col != nil {
		p.col.SetFlushPending(p.cfg.ID.String(), p.flusher.Pending())
	}
}
