// internal/media/ffmpeg.go
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/Corphon/NostalgiaPipeline/internal/errors"
	"github.com/Corphon/NostalgiaPipeline/internal/utils"
)

const (
	probeTimeout     = 10 * time.Second
	reencodeTimeout  = 120 * time.Second
	transcodeTimeout = 60 * time.Second
	loopTimeout      = 30 * time.Second

	slideSeconds = 3.0
)

// scaleFilter 缩放并加黑边到输出尺寸
var scaleFilter = fmt.Sprintf(
	"scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2",
	OutputWidth, OutputHeight, OutputWidth, OutputHeight)

// FFmpeg 封装本地 ffmpeg/ffprobe 调用，每次调用都有超时并捕获输出
type FFmpeg struct {
	bin   string
	probe string
}

// NewFFmpeg 创建封装，空值使用 PATH 中的默认命令
func NewFFmpeg(bin, probe string) *FFmpeg {
	if bin == "" {
		bin = "ffmpeg"
	}
	if probe == "" {
		probe = "ffprobe"
	}
	return &FFmpeg{bin: bin, probe: probe}
}

// Available 检查 ffmpeg 是否可执行
func (f *FFmpeg) Available() bool {
	_, err := exec.LookPath(f.bin)
	return err == nil
}

func (f *FFmpeg) run(ctx context.Context, timeout time.Duration, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if err == nil {
		return out.String(), nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return out.String(), apperrors.NewTimeoutError(fmt.Sprintf("%s timed out after %s", filepath.Base(name), timeout), err)
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return "", apperrors.NewNotFoundError(fmt.Sprintf("%s not found; install it and add to PATH", name), err)
	}
	return out.String(), apperrors.NewBuildFailedError(
		fmt.Sprintf("%s failed: %s", filepath.Base(name), strings.TrimSpace(out.String())), err)
}

// ProbeSize 读取视频第一路流的宽高
func (f *FFmpeg) ProbeSize(ctx context.Context, path string) (int, int, error) {
	out, err := f.run(ctx, probeTimeout, f.probe,
		"-v", "error", "-select_streams", "v:0",
		"-show_entries", "stream=width,height", "-of", "csv=p=0", path)
	if err != nil {
		return 0, 0, err
	}
	dims := strings.Split(strings.TrimSpace(out), ",")
	if len(dims) < 2 {
		return 0, 0, fmt.Errorf("unexpected ffprobe output %q", out)
	}
	w, errW := strconv.Atoi(strings.TrimSpace(dims[0]))
	h, errH := strconv.Atoi(strings.TrimSpace(dims[1]))
	if errW != nil || errH != nil {
		return 0, 0, fmt.Errorf("unexpected ffprobe output %q", out)
	}
	return w, h, nil
}

// EnsureOutputSize 尺寸不符时重新编码为 1080x1920。
// 尽力而为：探测或转码任何一步失败都保留原文件，只返回是否发生了替换。
func (f *FFmpeg) EnsureOutputSize(ctx context.Context, path string) bool {
	logger := utils.GetLogger()

	w, h, err := f.ProbeSize(ctx, path)
	if err == nil && w == OutputWidth && h == OutputHeight {
		return false
	}
	if apperrors.IsNotFoundError(err) {
		return false
	}

	tmp := strings.TrimSuffix(path, filepath.Ext(path)) + ".tmp.mp4"
	defer os.Remove(tmp)

	if _, err := f.run(ctx, reencodeTimeout, f.bin,
		"-y", "-i", path, "-vf", scaleFilter,
		"-c:v", "libx264", "-pix_fmt", "yuv420p", tmp); err != nil {
		logger.Warn("re-encode skipped", utils.Fields{"path": path, "error": err.Error()})
		return false
	}
	if info, err := os.Stat(tmp); err != nil || info.Size() == 0 {
		return false
	}
	if err := os.Rename(tmp, path); err != nil {
		logger.Warn("re-encode rename failed", utils.Fields{"path": path, "error": err.Error()})
		return false
	}
	return true
}

// ScaleVideo 把视频转码为竖屏输出，最长 60 秒
func (f *FFmpeg) ScaleVideo(ctx context.Context, src, dst string) error {
	_, err := f.run(ctx, transcodeTimeout, f.bin,
		"-y", "-i", src, "-vf", scaleFilter,
		"-c:v", "libx264", "-pix_fmt", "yuv420p", "-t", "60", dst)
	return err
}

// LoopImage 把单张图片做成 5 秒视频
func (f *FFmpeg) LoopImage(ctx context.Context, src, dst string) error {
	_, err := f.run(ctx, loopTimeout, f.bin,
		"-y", "-loop", "1", "-i", src, "-vf", scaleFilter,
		"-c:v", "libx264", "-pix_fmt", "yuv420p", "-t", "5", "-r", "30", dst)
	return err
}

// Slideshow 用 concat 清单把图片序列拼接为视频
func (f *FFmpeg) Slideshow(ctx context.Context, images []string, dst string) error {
	if len(images) == 0 {
		return apperrors.NewNotFoundError("no images for slideshow", nil)
	}

	var b strings.Builder
	for _, img := range images {
		abs, _ := filepath.Abs(img)
		fmt.Fprintf(&b, "file '%s'\nduration %.1f\n", abs, slideSeconds)
	}
	// concat demuxer 会忽略最后一张的 duration，需要重复一次
	last, _ := filepath.Abs(images[len(images)-1])
	fmt.Fprintf(&b, "file '%s'\n", last)

	list := filepath.Join(filepath.Dir(dst), "_concat.txt")
	if err := os.WriteFile(list, []byte(b.String()), 0644); err != nil {
		return apperrors.NewBuildFailedError("写入 concat 清单失败", err)
	}
	defer os.Remove(list)

	_, err := f.run(ctx, transcodeTimeout, f.bin,
		"-y", "-f", "concat", "-safe", "0", "-i", list, "-vf", scaleFilter,
		"-c:v", "libx264", "-pix_fmt", "yuv420p", "-r", "30", dst)
	return err
}
