// 版权所有 2025 AgentCell Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 transport 提供主题发布/订阅的双传输实现。

# 概述

两种客户端实现同一能力契约（[Transport]）并讲完全相同的线协议：

  - [TCPTransport]：原生二进制套接字客户端，持久外连，
    断线后按固定间隔重连至配置上限。
  - [WSTransport]：将同一协议装帧进 WebSocket 双工通道，
    可在受限/浏览器类执行环境中使用。

线协议解析器（[Parser]）在两种实现间共享，行为不会静默分叉。
入站帧统一规范化为 types.Message 后交给 agent 分发，
调用方在 dispatch 之后无法区分消息来自哪种传输。

# 线协议

	PUB <subject> <#bytes>\r\n<payload>\r\n
	SUB <subject> <sid>\r\n
	UNSUB <sid>\r\n
	MSG <subject> <sid> [reply-to] <#bytes>\r\n<payload>\r\n
	PING\r\n / PONG\r\n
*/
package transport
