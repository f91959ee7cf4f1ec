// =============================================================================
// expflow 主入口
// =============================================================================
// A/B 测试实验引擎服务入口点，包含自动分析调度、Prometheus 指标
//
// 使用方法:
//
//	expflow serve                       # 启动引擎服务
//	expflow serve --config config.yaml  # 指定配置文件
//	expflow simulate                    # 运行内存 A/B 测试演示
//	expflow version                     # 显示版本信息
// =============================================================================

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/expflow/config"
	"github.com/BaSui01/expflow/experiment"
	"github.com/BaSui01/expflow/experiment/persistence"
	"github.com/BaSui01/expflow/internal/metrics"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "simulate":
		runSimulate(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	// 加载配置
	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}

	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("Starting expflow",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
		zap.String("store", cfg.Store.Type),
	)

	// 初始化存储
	store, err := persistence.NewStore(cfg.StoreConfig())
	if err != nil {
		logger.Fatal("Failed to initialize store", zap.Error(err))
	}

	// 初始化指标
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector("expflow", registry, logger)

	// 创建并启动引擎
	engine := experiment.NewEngine(cfg.EngineConfig(), store, logger,
		experiment.WithMetrics(collector))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := engine.Start(ctx); err != nil {
		logger.Fatal("Failed to start engine", zap.Error(err))
	}

	// 启动指标服务
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler: mux,
	}

	go func() {
		logger.Info("Metrics server listening", zap.Int("port", cfg.Server.MetricsPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	// 等待关闭信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Metrics server shutdown failed", zap.Error(err))
	}
	if err := engine.Close(); err != nil {
		logger.Warn("Engine close failed", zap.Error(err))
	}
	if err := store.Close(); err != nil {
		logger.Warn("Store close failed", zap.Error(err))
	}

	logger.Info("expflow stopped")
}

// =============================================================================
// 🧪 simulate 命令
// =============================================================================

// runSimulate 在内存存储上跑一轮完整的实验流程演示。
func runSimulate(args []string) {
	fs := flag.NewFlagSet("simulate", flag.ExitOnError)
	users := fs.Int("users", 500, "Number of simulated users")
	fs.Parse(args)

	logger := initLogger(config.LogConfig{Level: "info", Format: "console"})
	defer logger.Sync()

	cfg := config.DefaultConfig().EngineConfig()
	cfg.AutoAnalysisInterval = 0 // 演示模式不需要后台调度
	cfg.AnalysisBatchSize = 1 << 30

	engine := experiment.NewEngine(cfg, experiment.NewMemoryStore(), logger)
	defer engine.Close()

	ctx := context.Background()

	test, err := engine.CreateTest(ctx, &experiment.TestSpec{
		Name:    "simulated checkout flow",
		Metrics: &experiment.MetricConfig{PrimaryMetric: "conversion", MinimumSampleSize: 50},
		Variants: []experiment.Variant{
			{ID: "control", Name: "Current checkout", Weight: 0.5, IsControl: true},
			{ID: "streamlined", Name: "One-page checkout", Weight: 0.5},
		},
	})
	if err != nil {
		logger.Fatal("create test failed", zap.Error(err))
	}
	if _, err := engine.StartTest(ctx, test.ID); err != nil {
		logger.Fatal("start test failed", zap.Error(err))
	}

	// 分配用户并记录结果：streamlined 变体的转化率略高
	for i := 0; i < *users; i++ {
		userID := fmt.Sprintf("user-%04d", i)
		assignment, err := engine.AssignUser(ctx, userID, test.ID, nil, "")
		if err != nil || assignment == nil {
			continue
		}
		value := 0.10
		if assignment.VariantID == "streamlined" {
			value = 0.14
		}
		// 奇偶扰动，让样本有非零方差
		if i%2 == 0 {
			value += 0.02
		}
		if err := engine.RecordResult(ctx, test.ID, userID, "conversion", value, nil, ""); err != nil {
			logger.Warn("record result failed", zap.Error(err))
		}
	}

	analysis, err := engine.AnalyzeTest(ctx, test.ID)
	if err != nil {
		logger.Fatal("analysis failed", zap.Error(err))
	}

	fmt.Printf("Test: %s (%s)\n", test.Name, test.ID)
	for _, vs := range analysis.Variants {
		fmt.Printf("  %-12s n=%-4d mean=%.4f stddev=%.4f\n",
			vs.VariantID, vs.SampleSize, vs.Mean, vs.StdDev)
	}
	if cmp := analysis.Comparison; cmp != nil {
		fmt.Printf("  p-value=%.4f significant=%v effect=%.3f\n",
			cmp.PValue, cmp.IsSignificant, cmp.EffectSize)
		if cmp.IsSignificant {
			winner := cmp.ControlID
			if cmp.MeanDifference > 0 {
				winner = cmp.TreatmentID
			}
			fmt.Printf("  winner: %s\n", winner)
		}
	}
	fmt.Printf("  recommendation: %s\n", analysis.Recommendation)
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("expflow %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`expflow - Online Controlled Experimentation Engine

Usage:
  expflow <command> [options]

Commands:
  serve     Start the experiment engine with auto-analysis and metrics
  simulate  Run an in-memory A/B test demonstration
  version   Show version information
  help      Show this help message

Options for 'serve':
  --config <path>   Path to configuration file (YAML)

Options for 'simulate':
  --users <n>       Number of simulated users (default 500)

Examples:
  expflow serve
  expflow serve --config /etc/expflow/config.yaml
  expflow simulate --users 1000
  expflow version`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
	// 解析日志级别
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	// 配置编码器
	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoding = "console"
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapConfig.Build(
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		logger, _ = zap.NewProduction()
	}

	return logger
}
