// 版权所有 2025 AgentCell Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 state 提供键值持久化抽象与多后端实现。

# 概述

本包是智能体两级状态体系的持久层：进程内的临时缓存由 agent 包持有，
本包负责可插拔的持久后端，保证重启后状态可完整重建。
无论后端为何，契约完全一致，上层业务无需关心存储细节。

# 后端

  - Memory：进程内存储，用于开发与测试（重启即失）。
  - File：单节点生产部署，JSON 索引 + 原子改名写盘，常驻内存镜像。
  - Redis：分布式生产部署，基于 go-redis。
  - SQLite：单文件嵌入式存储，基于 GORM + 纯 Go SQLite 驱动。
  - Custom：通过 Register 注册的外部后端工厂。

# 组合

  - [Cached]：写穿缓存包装器。读取优先命中内存镜像，未预热的键
    一次性回源并作为副作用预热；写入同时落到镜像与慢速介质。
  - [Flusher]：异步刷写队列。临时缓存先行更新，持久写入排队异步执行，
    滞后量通过 Pending 显式可观测，测试无需依赖 sleep。
*/
package state
