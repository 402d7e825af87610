package agent

import (
	"github.com/BaSui01/agentcell/types"
)

// State 表示 Agent 进程的生命周期状态
type State int32

const (
	// StateStarting 进程已创建，尚未开始加载状态
	StateStarting State = iota
	// StateLoading 正在从持久后端恢复临时缓存，消息处理被阻塞
	StateLoading
	// StateRunning 正常处理消息
	StateRunning
	// StateStopping 收到显式停止请求，正在刷写待持久化数据
	StateStopping
	// StateTerminated 干净退出后的终态
	StateTerminated
	// StateCrashed 处理过程中发生不可恢复故障后的终态，由 Supervisor 处置
	StateCrashed
)

// String 返回状态名
func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateLoading:
		return "state_loading"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateTerminated:
		return "terminated"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// Terminal 报告该状态是否为终态
func (s State) Terminal() bool {
	return s == StateTerminated || s == StateCrashed
}

// validTransitions 定义合法的状态转换
// Crashed 可以从除 Terminated 外的任何状态进入
var validTransitions = map[State][]State{
	StateStarting: {StateLoading, StateCrashed},
	StateLoading:  {StateRunning, StateCrashed},
	StateRunning:  {StateStopping, StateCrashed},
	StateStopping: {StateTerminated, StateCrashed},
}

// canTransition 报告 from → to 是否合法
func canTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ExitReason 分类进程退出原因，供 Supervisor 做重启决策
type ExitReason int

const (
	// ExitNormal 从 Stopping 干净退出，不触发重启
	ExitNormal ExitReason = iota
	// ExitAbnormal 从 Crashed 退出，触发重启策略
	ExitAbnormal
)

// String 返回原因名
func (r ExitReason) String() string {
	if r == ExitNormal {
		return "normal"
	}
	return "abnormal"
}

// ExitEvent 描述一次进程退出，上报给 Supervisor
type ExitEvent struct {
	ID     types.AgentID
	Reason ExitReason
	// Err 仅在 Reason 为 ExitAbnormal 时非空
	Err error
}
