// =============================================================================
// AgentCell 主入口
// =============================================================================
// 受监督的 Agent 运行时入口点，包含内嵌消息总线与 Prometheus 指标
//
// 使用方法:
//
//	agentcell serve                       # 启动运行时
//	agentcell serve --config config.yaml  # 指定配置文件
//	agentcell version                     # 显示版本信息
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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/agentcell/broker"
	"github.com/BaSui01/agentcell/config"
	"github.com/BaSui01/agentcell/internal/metrics"
	"github.com/BaSui01/agentcell/state"
	"github.com/BaSui01/agentcell/supervisor"
	"github.com/BaSui01/agentcell/transport"
	"github.com/BaSui01/agentcell/types"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

const shutdownGrace = 15 * time.Second

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
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

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("Starting AgentCell",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	// 指标收集器
	var col *metrics.Collector
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		col = metrics.NewCollector("agentcell", reg, logger)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			logger.Info("metrics server listening", zap.String("addr", cfg.Metrics.Addr))
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	// 内嵌消息总线
	var bus *broker.Broker
	var wsSrv *http.Server
	if cfg.Broker.Enabled {
		bus = broker.New(logger)
		addr, err := bus.ListenTCP(cfg.Broker.TCPAddr)
		if err != nil {
			logger.Fatal("broker tcp listen failed", zap.Error(err))
		}
		logger.Info("broker tcp listening", zap.String("addr", addr))

		mux := http.NewServeMux()
		mux.Handle(cfg.Broker.WSPath, bus.WSHandler())
		wsSrv = &http.Server{Addr: cfg.Broker.WSAddr, Handler: mux}
		go func() {
			logger.Info("broker websocket listening",
				zap.String("addr", cfg.Broker.WSAddr),
				zap.String("path", cfg.Broker.WSPath))
			if err := wsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("broker websocket server failed", zap.Error(err))
			}
		}()
	}

	// 传输客户端，仅在有 Agent 需要时建立
	var trans transport.Transport
	if anyTransportEnabled(cfg.Agents) {
		trans, err = dialTransport(cfg.Transport, logger)
		if err != nil {
			logger.Fatal("transport dial failed", zap.Error(err))
		}
		if col != nil {
			go scrapeTransportStats(trans, col, cfg.Transport.Kind)
		}
	}

	// Supervisor 与子进程
	supOpts := []supervisor.Option{supervisor.WithLogger(logger)}
	if col != nil {
		supOpts = append(supOpts, supervisor.WithMetrics(col))
	}
	if trans != nil {
		supOpts = append(supOpts, supervisor.WithTransport(trans))
	}
	sup := supervisor.New(supervisor.Config{
		Policy: supervisor.RestartPolicy{
			MaxRestarts: cfg.Supervisor.MaxRestarts,
			Window:      cfg.Supervisor.Window,
		},
		StoreDefaults: storeDefaults(cfg.Store),
	}, supOpts...)

	report := sup.SpawnAll(context.Background(), cfg.Agents)
	for id, spawnErr := range report.Failed {
		logger.Error("agent failed to spawn",
			zap.String("agent_id", id.String()), zap.Error(spawnErr))
	}
	if len(report.Started) == 0 && len(cfg.Agents) > 0 {
		logger.Fatal("no agent could be spawned")
	}

	// 等待终止信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := sup.Shutdown(ctx); err != nil {
		logger.Warn("supervisor shutdown incomplete", zap.Error(err))
	}
	if trans != nil {
		trans.Close()
	}
	if wsSrv != nil {
		wsSrv.Shutdown(ctx)
	}
	if bus != nil {
		bus.Close()
	}
	if metricsSrv != nil {
		metricsSrv.Shutdown(ctx)
	}
	logger.Info("shutdown complete")
}

// =============================================================================
// 🔧 组装辅助
// =============================================================================

func anyTransportEnabled(agents []types.AgentConfig) bool {
	for _, a := range agents {
		if a.TransportEnabled {
			return true
		}
	}
	return false
}

func dialTransport(cfg config.TransportConfig, logger *zap.Logger) (transport.Transport, error) {
	tc := transport.Config{
		URL:             cfg.URL,
		Timeout:         cfg.Timeout,
		MaxReconnects:   cfg.MaxReconnects,
		ReconnectDelay:  cfg.ReconnectDelay,
		SubscribeBuffer: cfg.SubscribeBuffer,
	}
	switch cfg.Kind {
	case "ws":
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
		defer cancel()
		return transport.DialWS(ctx, tc, logger)
	default:
		return transport.DialTCP(tc, logger)
	}
}

// scrapeTransportStats 定期把传输层计数快照写进指标
func scrapeTransportStats(trans transport.Transport, col *metrics.Collector, kind string) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		stats := trans.Stats()
		col.SetTransportStats(kind, stats.MessagesSent, stats.MessagesReceived, stats.Reconnects)
	}
}

func storeDefaults(cfg config.StoreConfig) state.StoreConfig {
	sc := state.DefaultStoreConfig()
	sc.BaseDir = cfg.BaseDir
	sc.SQLitePath = cfg.SQLitePath
	sc.Redis.Addr = cfg.RedisAddr
	sc.Redis.Password = cfg.RedisPassword
	sc.Redis.DB = cfg.RedisDB
	sc.Redis.KeyPrefix = cfg.RedisKeyPrefix
	return sc
}

// =============================================================================
// 📋 日志初始化
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
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

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         "json",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
	if cfg.Format == "console" {
		zapConfig.Encoding = "console"
	}

	logger, err := zapConfig.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// =============================================================================
// 📋 其他命令
// =============================================================================

func printVersion() {
	fmt.Printf("AgentCell %s\n", Version)
	fmt.Printf("  build time: %s\n", BuildTime)
	fmt.Printf("  git commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`AgentCell - supervised agent runtime with dual-transport messaging

Usage:
  agentcell serve [--config config.yaml]   Start the runtime
  agentcell version                        Show version info
  agentcell help                           Show this help`)
}
