package supervisor

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentcell/agent"
	"github.com/BaSui01/agentcell/internal/metrics"
	"github.com/BaSui01/agentcell/state"
	"github.com/BaSui01/agentcell/transport"
	"github.com/BaSui01/agentcell/types"
)

// RestartPolicy 约束异常退出后的重启行为
// "let it crash, but not forever"：窗口内超过 MaxRestarts 次
// 重启即永久失败
type RestartPolicy struct {
	MaxRestarts int           `json:"max_restarts" yaml:"max_restarts"`
	Window      time.Duration `json:"window" yaml:"window"`
}

// DefaultRestartPolicy 返回默认策略：60 秒窗口内最多 3 次
func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{MaxRestarts: 3, Window: time.Minute}
}

// ChildStatus 描述子进程在 Supervisor 视角下的状态
type ChildStatus string

const (
	// ChildRunning 子进程存活
	ChildRunning ChildStatus = "running"
	// ChildStopped 子进程正常退出，不再重启
	ChildStopped ChildStatus = "stopped"
	// ChildPermanentlyFailed 重启次数超限，放弃重建
	ChildPermanentlyFailed ChildStatus = "permanently_failed"
)

// Config 配置 Supervisor
type Config struct {
	// Policy 为空值时采用 DefaultRestartPolicy
	Policy RestartPolicy `json:"policy" yaml:"policy"`

	// StoreDefaults 是持久后端的基础配置，每个 Agent 的 Backend
	// 字段覆盖其中的 Type
	StoreDefaults state.StoreConfig `json:"store_defaults" yaml:"store_defaults"`
}

// child 是注册表里的一个条目，所有字段由 Supervisor 锁保护
type child struct {
	cfg      types.AgentConfig
	proc     *agent.Process
	backend  state.Store
	status   ChildStatus
	restarts []time.Time
}

// Supervisor 管理一组 Agent 进程
type Supervisor struct {
	cfg     Config
	log     *zap.Logger
	col     *metrics.Collector
	trans   transport.Transport
	handler agent.Handler
	nowFn   func() time.Time

	mu       sync.Mutex
	children map[types.AgentID]*child
	stores   map[string]state.Store
	shutdown bool
}

// Option 配置 Supervisor 的可选依赖
type Option func(*Supervisor)

// WithLogger 注入日志器
func WithLogger(log *zap.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithMetrics 注入指标收集器
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Supervisor) { s.col = c }
}

// WithTransport 为启用传输的子进程提供共享传输句柄
func WithTransport(t transport.Transport) Option {
	return func(s *Supervisor) { s.trans = t }
}

// WithHandler 覆盖所有子进程的应用消息处理器
func WithHandler(h agent.Handler) Option {
	return func(s *Supervisor) { s.handler = h }
}

// New 创建 Supervisor
func New(cfg Config, opts ...Option) *Supervisor {
	if cfg.Policy.MaxRestarts == 0 && cfg.Policy.Window == 0 {
		cfg.Policy = DefaultRestartPolicy()
	}
	if cfg.StoreDefaults.Type == "" {
		cfg.StoreDefaults = state.DefaultStoreConfig()
	}
	s := &Supervisor{
		cfg:      cfg,
		log:      zap.NewNop(),
		nowFn:    time.Now,
		children: make(map[types.AgentID]*child),
		stores:   make(map[string]state.Store),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(zap.String("component", "supervisor"))
	return s
}

// SpawnReport 汇总一次批量创建的结果
type SpawnReport struct {
	Started []types.AgentID
	Failed  map[types.AgentID]error
}

// Ok 报告是否全部创建成功
func (r SpawnReport) Ok() bool { return len(r.Failed) == 0 }

// SpawnAll 为每个配置创建一个子进程
// 个别失败不会中止批次，部分成功通过返回值上报
func (s *Supervisor) SpawnAll(ctx context.Context, configs []types.AgentConfig) SpawnReport {
	report := SpawnReport{Failed: make(map[types.AgentID]error)}
	for _, cfg := range configs {
		if err := s.Spawn(ctx, cfg); err != nil {
			report.Failed[cfg.ID] = err
			s.log.Warn("spawn failed",
				zap.String("agent_id", cfg.ID.String()), zap.Error(err))
			continue
		}
		report.Started = append(report.Started, cfg.ID)
	}
	s.log.Info("spawn batch complete",
		zap.Int("started", len(report.Started)),
		zap.Int("failed", len(report.Failed)))
	return report
}

// Spawn 创建并启动单个子进程
func (s *Supervisor) Spawn(ctx context.Context, cfg types.AgentConfig) error {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return types.NewError(types.ErrAgentStopped, "supervisor is shut down")
	}
	if existing, ok := s.children[cfg.ID]; ok && existing.status == ChildRunning {
		return types.NewError(types.ErrInvalidConfig,
			"agent "+cfg.ID.String()+" already running")
	}

	backend, err := s.backendFor(cfg)
	if err != nil {
		return err
	}

	c := &child{cfg: cfg, backend: backend, status: ChildRunning}
	proc, err := s.startProcess(ctx, c)
	if err != nil {
		return err
	}
	c.proc = proc
	s.children[cfg.ID] = c
	return nil
}

// startProcess 构建并启动一个进程，调用方持锁
func (s *Supervisor) startProcess(ctx context.Context, c *child) (*agent.Process, error) {
	opts := []agent.Option{
		agent.WithLogger(s.log),
		agent.WithExitFunc(func(ev agent.ExitEvent) { s.onChildExit(ctx, ev) }),
	}
	if s.col != nil {
		opts = append(opts, agent.WithMetrics(s.col))
	}
	if s.trans != nil && c.cfg.TransportEnabled {
		opts = append(opts, agent.WithTransport(s.trans))
	}
	if s.handler != nil {
		opts = append(opts, agent.WithHandler(s.handler))
	}

	proc, err := agent.New(c.cfg, c.backend, opts...)
	if err != nil {
		return nil, err
	}
	if err := proc.Start(ctx); err != nil {
		return nil, err
	}
	return proc, nil
}

// backendFor 为配置解析持久后端，同类后端在子进程之间共享，
// 键命名空间保证互不重叠。调用方持锁
func (s *Supervisor) backendFor(cfg types.AgentConfig) (state.Store, error) {
	key := string(cfg.Backend) + "/" + cfg.CustomBackend
	if store, ok := s.stores[key]; ok {
		return store, nil
	}

	storeCfg := s.cfg.StoreDefaults
	storeCfg.Type = cfg.Backend
	storeCfg.Custom = cfg.CustomBackend
	store, err := state.Open(storeCfg)
	if err != nil {
		return nil, types.NewError(types.ErrPersistence,
			"open backend "+string(cfg.Backend)).WithCause(err)
	}
	s.stores[key] = store
	return store, nil
}

// onChildExit 分类退出原因并执行重启策略
// 注册表修改与 Spawn 共用一把锁，天然串行
func (s *Supervisor) onChildExit(ctx context.Context, ev agent.ExitEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.children[ev.ID]
	if !ok || s.shutdown {
		return
	}

	if ev.Reason == agent.ExitNormal {
		c.status = ChildStopped
		s.log.Info("child exited normally", zap.String("agent_id", ev.ID.String()))
		return
	}

	s.log.Warn("child crashed",
		zap.String("agent_id", ev.ID.String()), zap.Error(ev.Err))

	// 滑动窗口：只数窗口内的重启
	now := s.nowFn()
	kept := c.restarts[:0]
	for _, ts := range c.restarts {
		if now.Sub(ts) < s.cfg.Policy.Window {
			kept = append(kept, ts)
		}
	}
	c.restarts = kept

	if len(c.restarts) >= s.cfg.Policy.MaxRestarts {
		c.status = ChildPermanentlyFailed
		if s.col != nil {
			s.col.RecordPermanentFailure(ev.ID.String())
		}
		s.log.Error("restart limit exceeded, agent permanently failed",
			zap.String("agent_id", ev.ID.String()),
			zap.Int("max_restarts", s.cfg.Policy.MaxRestarts),
			zap.Duration("window", s.cfg.Policy.Window))
		return
	}

	c.restarts = append(c.restarts, now)
	proc, err := s.startProcess(ctx, c)
	if err != nil {
		c.status = ChildPermanentlyFailed
		s.log.Error("restart failed", zap.String("agent_id", ev.ID.String()), zap.Error(err))
		return
	}
	c.proc = proc
	c.status = ChildRunning
	if s.col != nil {
		s.col.RecordRestart(ev.ID.String())
	}
	s.log.Info("child restarted",
		zap.String("agent_id", ev.ID.String()),
		zap.Int("restarts_in_window", len(c.restarts)))
}

// Agent 返回子进程句柄
func (s *Supervisor) Agent(id types.AgentID) (*agent.Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.children[id]
	if !ok {
		return nil, false
	}
	return c.proc, true
}

// Status 返回子进程状态
func (s *Supervisor) Status(id types.AgentID) (ChildStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.children[id]
	if !ok {
		return "", false
	}
	return c.status, true
}

// AgentIDs 返回全部子进程标识，升序
func (s *Supervisor) AgentIDs() []types.AgentID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]types.AgentID, 0, len(s.children))
	for id := range s.children {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Dispatch 按收件人路由消息到对应子进程
func (s *Supervisor) Dispatch(msg types.Message) error {
	s.mu.Lock()
	c, ok := s.children[msg.To]
	s.mu.Unlock()
	if !ok {
		return types.NewError(types.ErrUnknownAgent, "no agent "+msg.To.String())
	}
	return c.proc.Dispatch(msg)
}

// Shutdown 停止全部子进程并关闭后端
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	procs := make([]*agent.Process, 0, len(s.children))
	for _, c := range s.children {
		if c.status == ChildRunning {
			procs = append(procs, c.proc)
		}
	}
	stores := make([]state.Store, 0, len(s.stores))
	for _, store := range s.stores {
		stores = append(stores, store)
	}
	s.mu.Unlock()

	var firstErr error
	for _, proc := range procs {
		if err := proc.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, store := range stores {
		if err := store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.log.Info("supervisor shut down", zap.Int("children", len(procs)))
	return firstErr
}
