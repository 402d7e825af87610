// 版权所有 2025 AgentCell Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 types 提供 agentcell 运行时的核心类型定义。

# 概述

本包是依赖层级的最底层，不依赖任何其他 agentcell 包，
所有跨包共享的消息、配置与错误类型均定义于此。

# 核心类型

  - [AgentID]：智能体的全局唯一标识，重启后保持稳定，
    同时作为邮箱地址与消息主题的组成部分。
  - [Message]：统一消息信封，本地邮箱与分布式传输层的入站消息
    均规范化为该类型后再投递。
  - [StateAction]：状态存储操作请求（Store/Get/Delete/Clear/List）。
  - [AgentConfig]：智能体的完整生成配置，崩溃后按原配置重建等价进程。
  - [Error]：结构化错误，携带错误码、可重试标记与底层原因。
*/
package types
