package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mailmask/backend/internal/config"
	"mailmask/backend/internal/crypto"
	"mailmask/backend/internal/logger"
	"mailmask/backend/internal/service"
	sqlstore "mailmask/backend/internal/storage/sql"
)

func main() {
	// 解析命令行参数
	oldKey := flag.String("old-key", "", "current master key (hex or base64), defaults to crypto.master_key from config")
	newKey := flag.String("new-key", "", "target master key (hex or base64), defaults to crypto.pending_master_key from config")
	batch := flag.Int("batch", 200, "aliases fetched per batch")
	workers := flag.Int("workers", 4, "concurrent re-encryption workers")
	dryRun := flag.Bool("dry-run", false, "decrypt and re-encrypt without writing anything back")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	currentEncoded := *oldKey
	if currentEncoded == "" {
		currentEncoded = cfg.Crypto.MasterKey
	}
	nextEncoded := *newKey
	if nextEncoded == "" {
		nextEncoded = cfg.Crypto.PendingMasterKey
	}

	// 验证参数
	if nextEncoded == "" {
		fmt.Println("Usage: rotate-keys -new-key=<hex|base64> [-old-key=...] [-batch=200] [-workers=4] [-dry-run]")
		fmt.Println("The target key may also be set via MAILMASK_CRYPTO_PENDING_MASTER_KEY.")
		os.Exit(1)
	}
	if currentEncoded == nextEncoded {
		fmt.Println("Error: old and new master keys are identical, nothing to rotate")
		os.Exit(1)
	}

	current, err := crypto.NewEngineFromString(currentEncoded)
	if err != nil {
		fmt.Printf("Invalid old key: %v\n", err)
		os.Exit(1)
	}
	next, err := crypto.NewEngineFromString(nextEncoded)
	if err != nil {
		fmt.Printf("Invalid new key: %v\n", err)
		os.Exit(1)
	}

	// 轮换只对持久化存储有意义，内存存储重启即清空
	if cfg.Database.Type == "" || cfg.Database.DSN == "" {
		fmt.Println("Error: rotation requires a database-backed store (set database.type and database.dsn)")
		os.Exit(1)
	}

	store, err := sqlstore.NewStore(&cfg.Database)
	if err != nil {
		fmt.Printf("Failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	log, err := logger.NewLogger(logger.Config{Level: cfg.Log.Level, Development: true})
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Ctrl-C 在批次边界安全停止
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mode := "live"
	if *dryRun {
		mode = "dry-run"
	}
	fmt.Printf("Rotating alias destination keys (%s, batch=%d, workers=%d)...\n\n", mode, *batch, *workers)

	start := time.Now()
	rotator := service.NewRotator(store, current, next, log)
	stats, err := rotator.RotateAll(ctx, *batch, *workers, *dryRun)
	if err != nil {
		fmt.Printf("\nError: rotation aborted: %v\n", err)
		fmt.Printf("  Scanned: %d  Rotated: %d  Failed: %d\n", stats.Scanned, stats.Rotated, stats.Failed)
		os.Exit(1)
	}

	fmt.Printf("\n✓ Rotation finished in %s\n", time.Since(start).Round(time.Millisecond))
	fmt.Printf("  Scanned:  %d\n", stats.Scanned)
	fmt.Printf("  Rotated:  %d\n", stats.Rotated)
	fmt.Printf("  Migrated: %d\n", stats.Migrated)
	fmt.Printf("  Failed:   %d\n", stats.Failed)

	switch {
	case *dryRun:
		fmt.Println("\nNote: dry-run mode, no records were written.")
	case stats.Failed > 0:
		fmt.Println("\nSome aliases failed to rotate, see the log above. Fix the cause and re-run;")
		fmt.Println("records already on the new key fail old-key decryption and stay untouched.")
		os.Exit(1)
	default:
		fmt.Println("\nNext step: set crypto.master_key to the new key, clear crypto.pending_master_key,")
		fmt.Println("then restart the server.")
	}
}
