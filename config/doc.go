// Package config 提供语音服务的配置管理功能。
//
// 支持 YAML 文件与环境变量两级覆盖（默认值 → 文件 → 环境变量），
// 环境变量键由 yaml 标签逐级拼接，默认前缀 VOICE。
// 会话级配置（语言、声音、检索开关）在此给出全局默认值，
// 每次握手可以覆盖；会话建立后不再变化。
package config
