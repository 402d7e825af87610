// 版权所有 2025 AgentCell Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package main 提供 AgentCell 运行时的可执行入口。

# 概述

cmd/agentcell 启动一个受监督的 Agent 运行时：可选的内嵌消息总线
（原生套接字 + WebSocket 双监听面）、一个传输客户端、持久状态后端
与 Supervisor。Agent 列表来自 YAML 配置，支持 AGENTCELL_ 前缀的
环境变量覆盖。

# 主要能力

  - 子命令：serve（启动运行时）、version、help
  - 内嵌总线：同一进程内提供 TCP 与 WebSocket 两个监听面
  - Metrics 服务器：独立端口暴露 /metrics（Prometheus）
  - 优雅关闭：信号监听 → Supervisor 停止全部子进程并刷写状态 →
    关闭传输 → 关闭总线
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
