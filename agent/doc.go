// 版权所有 2025 AgentCell Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 agent 实现单个 Agent 进程：邮箱、生命周期状态机与两级状态存储。

每个 [Process] 拥有独立的有界邮箱和独立的状态命名空间
（"agent:<id>:"），进程之间没有共享可变内存。消息严格按投递顺序
逐条处理，本地邮箱与传输层订阅两个来源在消息边界处合流，
处理器永远不会并发执行。

生命周期：

	Starting → StateLoading → Running → {Stopping → Terminated} | Crashed

StateLoading 阶段将持久后端当前内容完整复制进临时缓存，
完成前不处理任何消息；重启后的进程因此从最近一次持久化的
状态恢复，而不是崩溃前的内存状态。状态写入先落临时缓存、
再异步持久化，PendingWrites 随时暴露尚未落盘的写入数量。
*/
package agent
