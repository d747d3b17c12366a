package pipeline

import (
	"context"
	"fmt"

	"github.com/ruchi-nb/full-matata-sub001/persistence"
	"go.uber.org/zap"
)

// DefaultSystemPrompt 静态兜底系统提示词。
const DefaultSystemPrompt = "You are a calm, professional medical voice assistant " +
	"helping a patient during a hospital consultation. Answer briefly and clearly, " +
	"in language suitable for speaking aloud. Never give a definitive diagnosis; " +
	"advise seeing the doctor for anything serious."

// PromptSource 提供会话的系统提示词。
type PromptSource interface {
	SystemPrompt(ctx context.Context) (string, error)
}

// StaticPrompt 固定文本的提示词来源。
type StaticPrompt string

// SystemPrompt 返回固定文本。
func (p StaticPrompt) SystemPrompt(ctx context.Context) (string, error) {
	return string(p), nil
}

// ConsultationPrompt 按问诊参与方动态构建提示词，
// 查询失败时回退到静态兜底文本。
type ConsultationPrompt struct {
	log            persistence.ConsultationLog
	consultationID string
	fallback       string
	logger         *zap.Logger
}

// NewConsultationPrompt 创建动态提示词来源。fallback 为空时使用 DefaultSystemPrompt。
func NewConsultationPrompt(log persistence.ConsultationLog, consultationID, fallback string, logger *zap.Logger) *ConsultationPrompt {
	if fallback == "" {
		fallback = DefaultSystemPrompt
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConsultationPrompt{
		log:            log,
		consultationID: consultationID,
		fallback:       fallback,
		logger:         logger.With(zap.String("component", "prompt_source")),
	}
}

// SystemPrompt 查询问诊参与方并拼装提示词。任何失败返回兜底文本和 nil 错误。
func (p *ConsultationPrompt) SystemPrompt(ctx context.Context) (string, error) {
	if p.log == nil || p.consultationID == "" {
		return p.fallback, nil
	}

	details, err := p.log.Details(ctx, p.consultationID)
	if err != nil {
		p.logger.Warn("consultation details unavailable, using fallback prompt",
			zap.String("consultation_id", p.consultationID),
			zap.Error(err))
		return p.fallback, nil
	}

	return fmt.Sprintf("%s\nThis conversation is part of consultation %s between doctor %s and patient %s at hospital %s.",
		p.fallback, p.consultationID, details.DoctorID, details.PatientID, details.HospitalID), nil
}
