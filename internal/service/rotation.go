package service

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"mailmask/backend/internal/crypto"
	"mailmask/backend/internal/domain"
	"mailmask/backend/internal/pool"
	"mailmask/backend/internal/storage"
)

// RotationStats 密钥轮换的处理统计。
type RotationStats struct {
	Scanned  int // 扫描的别名总数
	Rotated  int // 成功换到新密钥的数量
	Migrated int // 其中属于首次加密的旧明文记录
	Failed   int // 解密或写回失败的数量
}

// Rotator 执行主密钥轮换：逐条用当前密钥解密、用新密钥重加密。
//
// 每条记录独立原子写回，中途失败不会留下半新半旧的记录。
// 解密失败的记录保持原样并计入失败数，绝不写入可疑内容。
type Rotator struct {
	aliases storage.AliasRepository
	current *crypto.Engine
	next    *crypto.Engine
	log     *zap.Logger
}

// NewRotator 创建密钥轮换器。current 是在用密钥，next 是新密钥。
func NewRotator(aliases storage.AliasRepository, current, next *crypto.Engine, log *zap.Logger) *Rotator {
	return &Rotator{
		aliases: aliases,
		current: current,
		next:    next,
		log:     log,
	}
}

// RotateAll 按批遍历全部别名并轮换到新密钥。
//
// dryRun 为 true 时只统计不写回。批与批之间响应 ctx 取消，
// 已提交的批会执行完毕后退出。
func (r *Rotator) RotateAll(ctx context.Context, batchSize, workers int, dryRun bool) (RotationStats, error) {
	if batchSize <= 0 {
		batchSize = 200
	}
	if workers <= 0 {
		workers = 4
	}

	var (
		mu    sync.Mutex
		stats RotationStats
	)

	workerPool := pool.NewWorkerPool(workers, batchSize)
	workerPool.SetPanicHandler(func(recovered interface{}) {
		mu.Lock()
		stats.Failed++
		mu.Unlock()
		r.log.Error("rotation task panicked", zap.Any("panic", recovered))
	})
	// 工作协程只随队列关闭退出，取消在批与批之间生效，
	// 避免已提交任务无人消费导致等待挂起
	workerPool.Start(context.Background())
	defer workerPool.Stop()

	offset := 0
	for {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		default:
		}

		batch, err := r.aliases.ListAliases(offset, batchSize)
		if err != nil {
			return stats, err
		}
		if len(batch) == 0 {
			break
		}

		var wg sync.WaitGroup
		for _, alias := range batch {
			alias := alias
			wg.Add(1)
			workerPool.Submit(func() {
				defer wg.Done()
				outcome := r.rotateOne(alias, dryRun)

				mu.Lock()
				stats.Scanned++
				switch outcome {
				case rotateOK:
					stats.Rotated++
				case rotateMigrated:
					stats.Rotated++
					stats.Migrated++
				case rotateFailed:
					stats.Failed++
				}
				mu.Unlock()
			})
		}
		wg.Wait()

		r.log.Info("rotation batch processed",
			zap.Int("offset", offset),
			zap.Int("batch", len(batch)),
		)
		offset += len(batch)
	}

	return stats, nil
}

type rotateOutcome int

const (
	rotateOK rotateOutcome = iota
	rotateMigrated
	rotateFailed
)

// rotateOne 轮换单条记录
func (r *Rotator) rotateOne(alias *domain.Alias, dryRun bool) rotateOutcome {
	var (
		plaintext string
		migrated  bool
	)

	switch {
	case alias.HasEncryptedDestination():
		decrypted, err := r.current.Decrypt(alias.Encrypted, alias.ID)
		if err != nil {
			r.log.Error("cannot decrypt destination with current key, record left untouched",
				zap.String("alias_id", alias.ID),
				zap.Error(err),
			)
			return rotateFailed
		}
		plaintext = decrypted
	case alias.LegacyDestination != "":
		// 未迁移的明文记录借轮换完成首次加密
		plaintext = alias.LegacyDestination
		migrated = true
	default:
		r.log.Error("alias has no destination to rotate", zap.String("alias_id", alias.ID))
		return rotateFailed
	}

	blob, err := r.next.Encrypt(plaintext, alias.ID)
	if err != nil {
		r.log.Error("re-encryption failed", zap.String("alias_id", alias.ID), zap.Error(err))
		return rotateFailed
	}

	if !dryRun {
		if err := r.aliases.UpdateAliasEncryption(alias.ID, blob, r.next.Hash(plaintext)); err != nil {
			r.log.Error("failed to persist rotated destination",
				zap.String("alias_id", alias.ID),
				zap.Error(err),
			)
			return rotateFailed
		}
	}

	if migrated {
		return rotateMigrated
	}
	return rotateOK
}
