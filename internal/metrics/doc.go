// 版权所有 2024 relaygate Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的全链路指标采集能力，覆盖
HTTP、上游 LLM 调用、账号调度与 OAuth 令牌刷新四大维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制，避免手动管理 Registry。所有指标按 namespace 隔离，
支持多维度 label 分组，便于 Grafana 等工具进行可视化与告警。

# 核心类型

  - Collector：指标收集器，持有 Counter、Histogram、Gauge 等
    Prometheus 向量指标，按业务域分组管理。

# 主要能力

  - HTTP 指标：请求总数、请求耗时、请求/响应体大小，
    按 method/path/status 分组，状态码归类为 2xx/3xx/4xx/5xx。
  - LLM 指标：每次候选账号尝试的请求总数、耗时、Token 用量
    （input/output）、调用成本，按 provider/model 分组。
  - 调度指标：故障转移次数（按来源账号与原因分组）、单次请求尝试的
    候选账号数分布、策略选择调用次数（按策略名分组）。
  - 令牌刷新指标：OAuth 刷新尝试次数与耗时，按账号分组。
  - 数据库指标：活跃/空闲连接数 Gauge、查询耗时 Histogram，
    按 database/operation 分组。
*/
package metrics
