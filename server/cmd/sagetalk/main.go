package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"

	"sage-talk/server/internal/api"
	"sage-talk/server/internal/config"
	"sage-talk/server/internal/content"
	"sage-talk/server/internal/progress"
	"sage-talk/server/internal/transcript"
)

func main() {
	// 第一阶段以"本地可跑、可调试"为优先：参数用 flag，敏感信息用环境变量。
	// - SAGETALK_API_KEY：辅导端点 / 令牌服务的密钥（不要放进配置文件提交）
	// - SAGETALK_ENDPOINT_URL：可选，便于本地快速切换端点
	configPath := flag.String("config", "server/configs/config.yaml", "config file path")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	library, err := content.NewLibrary(cfg.Paths.Content)
	if err != nil {
		log.Fatalf("load content: %v", err)
	}
	// 素材文件热加载：改 JSON 不用重启服务
	if err := library.Watch(context.Background(), cfg.Paths.Content, log.Default()); err != nil {
		log.Fatalf("watch content: %v", err)
	}

	var transcriptStore transcript.Store
	if cfg.Paths.TranscriptDB != "" {
		sqlStore, err := transcript.OpenSQLite(cfg.Paths.TranscriptDB)
		if err != nil {
			log.Fatalf("open transcript db: %v", err)
		}
		defer sqlStore.Close()
		transcriptStore = sqlStore
		log.Printf("transcript store: sqlite (%s)", cfg.Paths.TranscriptDB)
	} else {
		transcriptStore = transcript.NewInMemoryStore()
		log.Printf("transcript store: in-memory")
	}

	server := api.NewServer(cfg, library, progress.NewInMemoryStore(), transcriptStore, log.Default())

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	log.Printf("sagetalk server listening on %s", addr)
	if err := http.ListenAndServe(addr, server.Routes()); err != nil {
		log.Fatalf("serve: %v", err)
	}
}
