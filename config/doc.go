/*
Package config 提供推理网关的分层配置管理。

# 概述

配置按"默认值 -> YAML 文件 -> 环境变量"的优先级合并。其中
DATABASE_URL、ENCRYPTION_KEY、REDIS_URL 与 HIMMI_SIMULATOR 四项
不带 GATEWAY_ 前缀读取，以便网关进程与控制面共用同一套环境变量。

# 核心结构

  - Config: 顶层配置聚合，涵盖 Server、Database、Redis、
    Encryption、Upstream、Simulator、Log、Telemetry、Auth
  - Loader: 配置加载器，支持 Builder 模式链式设置
    文件路径、环境变量前缀与自定义验证器

# 使用示例

	cfg, err := config.NewLoader().
		WithConfigPath("config.yaml").
		WithEnvPrefix("GATEWAY").
		Load()
*/
package config
