// internal/media/library.go
package media

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	apperrors "github.com/Corphon/NostalgiaPipeline/internal/errors"
	"github.com/Corphon/NostalgiaPipeline/internal/models"
)

// AssetKeyField 草稿中指向素材库条目的扩展字段
const AssetKeyField = "asset_key"

var (
	videoExts = map[string]bool{".mp4": true, ".mov": true, ".webm": true}
	imageExts = map[string]bool{".png": true, ".jpg": true, ".jpeg": true}
)

// assetKind 素材解析结果
type assetKind int

const (
	assetVideo assetKind = iota
	assetSlides
	assetStill
)

// LibraryAssembler 从本地素材库组装媒体：asset_mapping.yaml 把 asset_key 映射到 assets/ 下的路径
type LibraryAssembler struct {
	mappingFile string
	assetsDir   string
	ffmpeg      *FFmpeg
}

// NewLibraryAssembler 创建素材库构建器
func NewLibraryAssembler(mappingFile, assetsDir string, ff *FFmpeg) *LibraryAssembler {
	return &LibraryAssembler{mappingFile: mappingFile, assetsDir: assetsDir, ffmpeg: ff}
}

// LoadMapping 读取 asset_key -> 相对路径 映射
func (a *LibraryAssembler) LoadMapping() (map[string]string, error) {
	data, err := os.ReadFile(a.mappingFile)
	if os.IsNotExist(err) {
		return nil, apperrors.NewConfigMissingError(
			fmt.Sprintf("%s not found; create it with asset_key -> path mappings", a.mappingFile), err)
	}
	if err != nil {
		return nil, apperrors.NewConfigMissingError("读取素材映射失败", err)
	}

	var mapping map[string]string
	if err := yaml.Unmarshal(data, &mapping); err != nil {
		return nil, apperrors.NewInvalidInputError(fmt.Sprintf("%s must be a map of asset_key -> path", a.mappingFile), err)
	}
	if mapping == nil {
		return nil, apperrors.NewInvalidInputError(fmt.Sprintf("%s is empty", a.mappingFile), nil)
	}
	return mapping, nil
}

// resolve 把 asset_key 解析为视频文件、图片目录或单张图片
func (a *LibraryAssembler) resolve(key string) (string, assetKind, []string, error) {
	mapping, err := a.LoadMapping()
	if err != nil {
		return "", 0, nil, err
	}
	rel, ok := mapping[key]
	if !ok {
		keys := make([]string, 0, len(mapping))
		for k := range mapping {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if len(keys) > 10 {
			keys = keys[:10]
		}
		return "", 0, nil, apperrors.NewNotFoundError(
			fmt.Sprintf("asset_key %q not in asset mapping; known keys: %v", key, keys), nil)
	}

	full := filepath.Join(a.assetsDir, rel)
	ext := strings.ToLower(filepath.Ext(full))

	if isFile(filepath.Join(full, models.VideoFile)) {
		return filepath.Join(full, models.VideoFile), assetVideo, nil, nil
	}
	if ext == "" && isFile(full+".mp4") {
		return full + ".mp4", assetVideo, nil, nil
	}
	if videoExts[ext] && isFile(full) {
		return full, assetVideo, nil, nil
	}

	imagesDir := filepath.Join(filepath.Dir(full), "images")
	if isDir(full) {
		imagesDir = filepath.Join(full, "images")
	}
	if images := listImages(imagesDir); len(images) > 0 {
		return imagesDir, assetSlides, images, nil
	}

	if imageExts[ext] && isFile(full) {
		return full, assetStill, nil, nil
	}

	return "", 0, nil, apperrors.NewNotFoundError(
		fmt.Sprintf("asset path %s has no video.mp4, images/*.png or *.mp4", rel), nil)
}

// Assemble 按素材类型转码、拼接幻灯片或复制图片
func (a *LibraryAssembler) Assemble(ctx context.Context, dir string, d *models.Draft) (*Artifact, error) {
	key := d.ExtraString(AssetKeyField)
	if key == "" {
		return nil, apperrors.NewInvalidInputError("draft missing required field: asset_key", nil)
	}

	src, kind, images, err := a.resolve(key)
	if err != nil {
		return nil, err
	}

	video := filepath.Join(dir, models.VideoFile)
	switch kind {
	case assetVideo:
		if err := a.ffmpeg.ScaleVideo(ctx, src, video); err != nil {
			return nil, err
		}
	case assetSlides:
		if err := a.ffmpeg.Slideshow(ctx, images, video); err != nil {
			return nil, err
		}
	case assetStill:
		if d.AssetType == models.AssetImage {
			out := filepath.Join(dir, models.ImageFile)
			if err := copyFile(src, out); err != nil {
				return nil, apperrors.NewBuildFailedError("复制素材图片失败", err)
			}
			return &Artifact{Path: out, Type: models.AssetImage}, nil
		}
		if err := a.ffmpeg.LoopImage(ctx, src, video); err != nil {
			return nil, err
		}
	}
	return &Artifact{Path: video, Type: models.AssetVideo}, nil
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// listImages 按扩展名分组、组内按文件名排序
func listImages(dir string) []string {
	var images []string
	for _, pattern := range []string{"*.png", "*.jpg", "*.jpeg"} {
		matches, _ := filepath.Glob(filepath.Join(dir, pattern))
		sort.Strings(matches)
		images = append(images, matches...)
	}
	return images
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
