package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/eddielth/heatpump-core/logger"
	"github.com/eddielth/heatpump-core/models"
)

// auditRecord is one line of the audit log
type auditRecord struct {
	DeviceID      int64              `json:"device_id"`
	Timestamp     time.Time          `json:"timestamp"`
	ReceivedAt    time.Time          `json:"received_at"`
	Metrics       map[string]float64 `json:"metrics"`
	Discarded     []string           `json:"discarded,omitempty"`
	LatestApplied bool               `json:"latest_applied"`
	Raw           json.RawMessage    `json:"raw"`
}

// FileStorage appends accepted snapshots as JSON lines under basePath/{device}/{yyyymmdd}.jsonl
type FileStorage struct {
	basePath string
	mu       sync.Mutex
}

// NewFileStorage creates the audit mirror rooted at basePath
func NewFileStorage(basePath string) (*FileStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("create dir %s failed: %w", basePath, err)
	}

	logger.Info("init file audit storage: %s", basePath)
	return &FileStorage{
		basePath: basePath,
	}, nil
}

// Mirror implements Mirror
func (fs *FileStorage) Mirror(ctx context.Context, snap models.DeviceSnapshot, res models.AppendResult) error {
	deviceDir := filepath.Join(fs.basePath, strconv.FormatInt(snap.DeviceID, 10))
	if err := os.MkdirAll(deviceDir, 0755); err != nil {
		return fmt.Errorf("create dir %s failed: %w", deviceDir, err)
	}

	raw := snap.Raw
	if !json.Valid(raw) {
		raw = json.RawMessage("null")
	}
	line, err := json.Marshal(auditRecord{
		DeviceID:      snap.DeviceID,
		Timestamp:     snap.Timestamp,
		ReceivedAt:    snap.ReceivedAt,
		Metrics:       snap.Metrics,
		Discarded:     snap.Discarded,
		LatestApplied: res.LatestApplied,
		Raw:           raw,
	})
	if err != nil {
		return fmt.Errorf("serialize audit record failed: %w", err)
	}
	line = append(line, '\n')

	filename := filepath.Join(deviceDir, snap.ReceivedAt.UTC().Format("20060102")+".jsonl")

	fs.mu.Lock()
	defer fs.mu.Unlock()

	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open file %s failed: %w", filename, err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("write file %s failed: %w", filename, err)
	}
	return nil
}

// Close implements Mirror
func (fs *FileStorage) Close() error {
	return nil
}
