package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/kasuganosora/ldm/pkg/bus"
	"github.com/kasuganosora/ldm/pkg/config"
	"github.com/kasuganosora/ldm/pkg/editing"
	"github.com/kasuganosora/ldm/pkg/store"
	"github.com/kasuganosora/ldm/pkg/task"
	"github.com/kasuganosora/ldm/pkg/tmsearch"
	"github.com/kasuganosora/ldm/pkg/tmsync"
	"github.com/kasuganosora/ldm/server/httpapi"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径，空值时按默认位置查找")
	flag.Parse()

	// 加载配置
	var cfg *config.Config
	if *configPath != "" {
		loaded, err := config.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("[LDM] 加载配置失败: %v", err)
		}
		cfg = loaded
	} else {
		cfg = config.LoadConfigOrDefault()
	}
	log.Printf("[LDM] 配置加载完成: Address=%s, DataRoot=%s", cfg.GetListenAddress(), cfg.Store.DataRoot)

	if err := os.MkdirAll(cfg.Store.DataRoot, 0o755); err != nil {
		log.Fatalf("[LDM] 创建数据目录失败: %v", err)
	}

	// 打开中心行存储
	st, err := store.Open(filepath.Join(cfg.Store.DataRoot, "ldm.db"))
	if err != nil {
		log.Fatalf("[LDM] 打开行存储失败: %v", err)
	}
	defer st.Close()

	// 组装各服务
	tracker := task.NewTracker()
	hub := bus.NewHub(cfg.Bus.SubscriberQueueMax, cfg.Bus.DisconnectGrace)
	syncMgr := tmsync.New(st, tracker, cfg.TM, cfg.Store.DataRoot, bus.IndexStateNotifier(hub))
	searcher := tmsearch.New(st, syncMgr, cfg.TM, cfg.Search)
	editSvc := editing.New(st, syncMgr, bus.EditingEvents{Hub: hub}, cfg.Editing.LeaseDuration(), nil)
	defer editSvc.Close()

	// 任务进度推送到协作总线
	updates := tracker.Subscribe()
	go bus.PumpTaskProgress(hub, updates)
	defer tracker.Unsubscribe(updates)

	srv := httpapi.NewServer(cfg, st, syncMgr, searcher, editSvc, hub, tracker)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("[LDM] 服务器启动失败: %v", err)
		}
	case <-ctx.Done():
		log.Printf("[LDM] 收到退出信号，开始关闭")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[LDM] 关闭HTTP服务失败: %v", err)
		}
	}
	log.Printf("[LDM] 服务器停止")
}
