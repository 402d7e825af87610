// 版权所有 2025 AgentCell Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 broker 实现一个进程内消息总线及其两个对外监听面。

总线（[Broker]）按主题路由 PUB 帧到所有匹配的订阅，
支持 NATS 风格通配符："*" 匹配单个 token，">" 匹配剩余全部。
两个监听面共用 transport 包的线协议编解码：

  - TCP 监听（[Broker.ListenTCP]）服务原生二进制套接字客户端；
  - WebSocket 处理器（[Broker.WSHandler]）服务 WS 客户端，
    每个 WebSocket 消息承载一个协议帧。

从任一面发布的消息会被投递到两面的所有匹配订阅，
因此跨传输的发布/订阅是完全互通的。
*/
package broker
