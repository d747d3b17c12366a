/*
包 database 提供基于 GORM 的数据库连接池管理，供问诊记录
持久化层使用。

# 核心类型

  - PoolManager：连接池管理器，持有 GORM DB 实例与底层 sql.DB，
    提供 DB()、Ping()、Stats()、WithTransaction()、Close()。
  - PoolConfig：连接池配置，包含最大空闲/打开连接数、
    连接生命周期与健康检查间隔。

# 主要能力

  - 连接池调优：通过 MaxIdleConns/MaxOpenConns/ConnMaxLifetime 控制。
  - 健康检查：后台定时 PingContext 探活，异常时通过 zap 告警。
  - 事务执行：WithTransaction 包装单次事务回调。
*/
package database
