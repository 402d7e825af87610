// 版权所有 2025 AgentCell Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 supervisor 拥有一组 Agent 进程的生命周期，是重启决策的唯一来源。

子进程异常退出（Crashed）触发重启策略：在滑动时间窗口内最多重启
有限次，超限后标记为 PermanentlyFailed 并不再重建。正常退出
（Stopping → Terminated）不触发重启。重启总是用原始 AgentConfig
重建等价进程，新进程经由 StateLoading 从持久后端恢复，
而不是继承崩溃实例的内存。

子进程之间没有共享可变内存，一个子进程崩溃不会污染或阻塞兄弟
进程。子进程注册表是唯一被多个路径（spawn 与退出处理）修改的
资源，全部修改经由同一把锁串行化。
*/
package supervisor
