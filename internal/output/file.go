package output

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/GeoNomad/wizkers/pkg/protocol"
)

// ScreenshotFile 把最近一次截图的 BMP 原始数据写入文件, 调试用
type ScreenshotFile struct {
	path string
	log  *logrus.Logger
}

func NewScreenshotFile(path string, log *logrus.Logger) *ScreenshotFile {
	return &ScreenshotFile{path: path, log: log}
}

func (f *ScreenshotFile) Name() string { return "file" }

func (f *ScreenshotFile) Publish(ctx context.Context, ev protocol.Event) error {
	if ev.Event != protocol.EventScreenshot {
		return nil
	}
	shot, ok := ev.Payload.(*protocol.Screenshot)
	if !ok || len(shot.Raw) == 0 {
		return nil
	}

	if dir := filepath.Dir(f.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("创建目录失败: %w", err)
		}
	}
	// 先写临时文件再改名, 避免读到半个文件
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, shot.Raw, 0o644); err != nil {
		return fmt.Errorf("写入截图失败: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("写入截图失败: %w", err)
	}
	f.log.Debugf("截图已保存: %s (%dx%d)", f.path, shot.Width, shot.Height)
	return nil
}

func (f *ScreenshotFile) Close() error { return nil }
