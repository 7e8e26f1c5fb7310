package main

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AuditRepository persiste entradas de auditoria (append-only)
type AuditRepository interface {
	InsertAuditEntry(ctx context.Context, entry *AuditEntry) error
}

// AuditLogger grava a trilha de auditoria do pipeline.
// Nunca retorna erro: uma falha de gravação vira apenas uma linha no log do processo.
type AuditLogger struct {
	repository AuditRepository
	timeout    time.Duration
}

// NewAuditLogger cria uma nova instância de AuditLogger
func NewAuditLogger(repository AuditRepository) *AuditLogger {
	return &AuditLogger{
		repository: repository,
		timeout:    2 * time.Second,
	}
}

func (a *AuditLogger) Info(ctx context.Context, source, message string, metadata map[string]any) {
	a.Log(ctx, AuditLevelInfo, source, message, metadata)
}

func (a *AuditLogger) Warn(ctx context.Context, source, message string, metadata map[string]any) {
	a.Log(ctx, AuditLevelWarn, source, message, metadata)
}

func (a *AuditLogger) Error(ctx context.Context, source, message string, metadata map[string]any) {
	a.Log(ctx, AuditLevelError, source, message, metadata)
}

// Log registra a entrada no log do processo e no repositório de auditoria
func (a *AuditLogger) Log(ctx context.Context, level AuditLevel, source, message string, metadata map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("🚨 [AUDIT] sink panicked, entry dropped | Source=%s | Panic=%v", source, r)
		}
	}()

	entry := &AuditEntry{
		ID:        uuid.New().String(),
		Level:     level,
		Source:    source,
		Message:   message,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}

	log.Printf("%s [%s] %s%s", levelPrefix(level), strings.ToUpper(source), message, formatMetadata(metadata))

	if a == nil || a.repository == nil {
		return
	}

	// a auditoria sobrevive ao cancelamento da requisição
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
	defer cancel()

	if err := a.repository.InsertAuditEntry(writeCtx, entry); err != nil {
		log.Printf("⚠️  [AUDIT] failed to persist entry | ID=%s | Source=%s | Error=%v", entry.ID, source, err)
	}
}

func levelPrefix(level AuditLevel) string {
	switch level {
	case AuditLevelWarn:
		return "⚠️ "
	case AuditLevelError:
		return "❌"
	default:
		return "ℹ️ "
	}
}

// formatMetadata gera os segmentos "| Key=Value" em ordem estável
func formatMetadata(metadata map[string]any) string {
	if len(metadata) == 0 {
		return ""
	}

	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, " | %s=%v", k, metadata[k])
	}
	return b.String()
}
