// Package main 是 expflow 的命令行入口。
//
// 提供服务模式（serve）和模拟模式（simulate）：serve 启动实验引擎、
// 自动分析调度器和 Prometheus 指标端点；simulate 运行一次内存中的
// A/B 测试演示，从创建测试到分配用户、记录结果、输出统计分析。
package main
