// 包 persistence 提供问诊记录的外部持久化协作方。
// 所有调用都是机会性的：失败由调用方记日志后吞掉，绝不影响实时链路。
package persistence

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/ruchi-nb/full-matata-sub001/internal/database"
)

// ConsultationDetails 是一次问诊的参与方信息。
type ConsultationDetails struct {
	DoctorID   string `json:"doctor_id"`
	PatientID  string `json:"patient_id"`
	HospitalID string `json:"hospital_id"`
}

// ConsultationLog 问诊记录协作方接口。
type ConsultationLog interface {
	// OpenSession 为一次问诊打开（或复用）持久化会话，返回数据库会话 ID
	OpenSession(ctx context.Context, consultationID string) (uint, error)

	// AppendMessage 追加一条消息记录
	AppendMessage(ctx context.Context, sessionDBID uint, sender, text, audioRef string, latencyMS int64) error

	// Details 查询问诊参与方信息
	Details(ctx context.Context, consultationID string) (*ConsultationDetails, error)
}

// ============================================================
// GORM / Postgres 实现
// ============================================================

// Config 配置 Postgres 连接。
type Config struct {
	DSN  string              `yaml:"dsn" json:"dsn"`
	Pool database.PoolConfig `yaml:"pool" json:"pool"`
}

// DefaultConfig 返回默认持久化配置。
func DefaultConfig() Config {
	return Config{Pool: database.DefaultPoolConfig()}
}

// VoiceSession 一次问诊的语音会话记录。
type VoiceSession struct {
	ID             uint   `gorm:"primaryKey"`
	ConsultationID string `gorm:"index;size:64"`
	StartedAt      time.Time
}

// VoiceMessage 会话内的一条消息记录。
type VoiceMessage struct {
	ID        uint `gorm:"primaryKey"`
	SessionID uint `gorm:"index"`
	Sender    string `gorm:"size:32"`
	Text      string
	AudioRef  string `gorm:"size:256"`
	LatencyMS int64
	CreatedAt time.Time
}

// Consultation 问诊参与方（由医院主应用维护，这里只读）。
type Consultation struct {
	ID         string `gorm:"primaryKey;size:64"`
	DoctorID   string `gorm:"size:64"`
	PatientID  string `gorm:"size:64"`
	HospitalID string `gorm:"size:64"`
}

// GormLog 是 ConsultationLog 的 GORM/Postgres 实现。
type GormLog struct {
	db     *gorm.DB
	pool   *database.PoolManager
	logger *zap.Logger
}

// NewGormLog 连接 Postgres 并迁移本子系统拥有的表。
func NewGormLog(cfg Config, logger *zap.Logger) (*GormLog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	pool, err := database.NewPoolManager(db, cfg.Pool, logger)
	if err != nil {
		return nil, fmt.Errorf("configure pool: %w", err)
	}

	// 只迁移本子系统拥有的表；consultations 归医院主应用所有
	if err := db.AutoMigrate(&VoiceSession{}, &VoiceMessage{}); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate voice tables: %w", err)
	}

	return &GormLog{
		db:     db,
		pool:   pool,
		logger: logger.With(zap.String("component", "consultation_log")),
	}, nil
}

// OpenSession 实现 ConsultationLog.OpenSession。
// 同一问诊的断线重连复用既有会话记录，查找和创建放在一个事务里。
func (g *GormLog) OpenSession(ctx context.Context, consultationID string) (uint, error) {
	if consultationID == "" {
		session := VoiceSession{StartedAt: time.Now()}
		if err := g.db.WithContext(ctx).Create(&session).Error; err != nil {
			return 0, fmt.Errorf("open voice session: %w", err)
		}
		return session.ID, nil
	}

	var id uint
	err := g.pool.WithTransaction(ctx, func(tx *gorm.DB) error {
		var existing VoiceSession
		err := tx.Where("consultation_id = ?", consultationID).
			Order("id DESC").First(&existing).Error
		if err == nil {
			id = existing.ID
			return nil
		}
		if err != gorm.ErrRecordNotFound {
			return err
		}
		session := VoiceSession{ConsultationID: consultationID, StartedAt: time.Now()}
		if err := tx.Create(&session).Error; err != nil {
			return err
		}
		id = session.ID
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("open voice session: %w", err)
	}
	return id, nil
}

// Close 释放数据库连接池。
func (g *GormLog) Close() error {
	return g.pool.Close()
}

// AppendMessage 实现 ConsultationLog.AppendMessage。
func (g *GormLog) AppendMessage(ctx context.Context, sessionDBID uint, sender, text, audioRef string, latencyMS int64) error {
	msg := VoiceMessage{
		SessionID: sessionDBID,
		Sender:    sender,
		Text:      text,
		AudioRef:  audioRef,
		LatencyMS: latencyMS,
		CreatedAt: time.Now(),
	}
	if err := g.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return fmt.Errorf("append voice message: %w", err)
	}
	return nil
}

// Details 实现 ConsultationLog.Details。
func (g *GormLog) Details(ctx context.Context, consultationID string) (*ConsultationDetails, error) {
	var c Consultation
	if err := g.db.WithContext(ctx).First(&c, "id = ?", consultationID).Error; err != nil {
		return nil, fmt.Errorf("load consultation %s: %w", consultationID, err)
	}
	return &ConsultationDetails{
		DoctorID:   c.DoctorID,
		PatientID:  c.PatientID,
		HospitalID: c.HospitalID,
	}, nil
}
