package media

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/Corphon/NostalgiaPipeline/internal/errors"
	"github.com/Corphon/NostalgiaPipeline/internal/models"
	"github.com/Corphon/NostalgiaPipeline/internal/utils"
)

func init() {
	utils.GetLogger().SetOutput(nil)
}

// fakeImagine 模拟 xAI Imagine：视频轮询 pendingPolls 次后返回 finalStatus
type fakeImagine struct {
	polls        int32
	pendingPolls int32
	finalStatus  string
	moderated    bool
	lastPrompt   atomic.Value
}

func (f *fakeImagine) server(t *testing.T) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/videos/generations":
			var body map[string]interface{}
			json.NewDecoder(r.Body).Decode(&body)
			f.lastPrompt.Store(body["prompt"])
			if body["model"] != "grok-imagine-video" || body["aspect_ratio"] != "9:16" {
				t.Errorf("视频请求参数不正确: %v", body)
			}
			w.Write([]byte(`{"request_id": "req-1"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/videos/req-1":
			n := atomic.AddInt32(&f.polls, 1)
			if n <= f.pendingPolls {
				w.Write([]byte(`{"status": "pending"}`))
				return
			}
			resp := map[string]interface{}{"status": f.finalStatus}
			if f.finalStatus == "done" {
				resp["video"] = map[string]interface{}{"url": srv.URL + "/files/v.mp4", "respect_moderation": !f.moderated}
			}
			json.NewEncoder(w).Encode(resp)
		case r.Method == http.MethodPost && r.URL.Path == "/images/generations":
			w.Write([]byte(`{"data": [{"url": "` + srv.URL + `/files/i.png"}]}`))
		case strings.HasPrefix(r.URL.Path, "/files/"):
			w.Write([]byte("media:" + r.URL.Path))
		default:
			http.NotFound(w, r)
		}
	}))
	return srv
}

func newFastClient(url string) *ImagineClient {
	c := NewImagineClient("xai-test", url)
	c.PollInterval = 5 * time.Millisecond
	return c
}

func TestGenerateVideoPollsUntilDone(t *testing.T) {
	fake := &fakeImagine{pendingPolls: 2, finalStatus: "done"}
	srv := fake.server(t)
	defer srv.Close()

	out := filepath.Join(t.TempDir(), "video.mp4")
	if err := newFastClient(srv.URL).GenerateVideo(context.Background(), "a prompt", out); err != nil {
		t.Fatalf("生成视频失败: %v", err)
	}
	if atomic.LoadInt32(&fake.polls) != 3 {
		t.Fatalf("应轮询 3 次，实际 %d", fake.polls)
	}
	data, _ := os.ReadFile(out)
	if string(data) != "media:/files/v.mp4" {
		t.Fatalf("下载内容不正确: %q", data)
	}
}

func TestGenerateVideoExpired(t *testing.T) {
	fake := &fakeImagine{finalStatus: "expired"}
	srv := fake.server(t)
	defer srv.Close()

	err := newFastClient(srv.URL).GenerateVideo(context.Background(), "p", filepath.Join(t.TempDir(), "v.mp4"))
	if !errors.Is(err, ErrVideoExpired) {
		t.Fatalf("应返回 ErrVideoExpired，实际: %v", err)
	}
	if apperrors.IsTimeoutError(err) {
		t.Fatal("过期不应被当作超时")
	}
}

func TestGenerateVideoModerated(t *testing.T) {
	fake := &fakeImagine{finalStatus: "done", moderated: true}
	srv := fake.server(t)
	defer srv.Close()

	err := newFastClient(srv.URL).GenerateVideo(context.Background(), "p", filepath.Join(t.TempDir(), "v.mp4"))
	if !errors.Is(err, ErrModerated) {
		t.Fatalf("应返回 ErrModerated，实际: %v", err)
	}
}

func TestGenerateVideoTimeout(t *testing.T) {
	fake := &fakeImagine{pendingPolls: 1 << 20, finalStatus: "done"}
	srv := fake.server(t)
	defer srv.Close()

	client := newFastClient(srv.URL)
	client.VideoTimeout = 40 * time.Millisecond
	err := client.GenerateVideo(context.Background(), "p", filepath.Join(t.TempDir(), "v.mp4"))
	if !apperrors.IsTimeoutError(err) {
		t.Fatalf("应返回 Timeout，实际: %v", err)
	}
}

func TestGenerateRequiresKey(t *testing.T) {
	client := NewImagineClient("your_key_here", "http://127.0.0.1:1")
	if err := client.GenerateImage(context.Background(), "p", "x.png"); !apperrors.IsConfigMissingError(err) {
		t.Fatalf("应返回 ConfigMissing，实际: %v", err)
	}
}

func TestImagineAssembler(t *testing.T) {
	fake := &fakeImagine{finalStatus: "done"}
	srv := fake.server(t)
	defer srv.Close()

	// ffprobe 不存在时尺寸校正直接跳过
	ff := NewFFmpeg("/nonexistent/ffmpeg", "/nonexistent/ffprobe")
	asm := NewImagineAssembler(newFastClient(srv.URL), ff)
	dir := t.TempDir()

	video := &models.Draft{
		AssetType: models.AssetVideo, VideoPrompt: "bedroom",
		VoiceoverText: "Remember?", MusicStyle: "2000s pop",
	}
	art, err := asm.Assemble(context.Background(), dir, video)
	if err != nil {
		t.Fatalf("构建视频失败: %v", err)
	}
	if art.Type != models.AssetVideo || filepath.Base(art.Path) != models.VideoFile {
		t.Fatalf("产物不正确: %+v", art)
	}
	want := `bedroom. Narrator voiceover saying: "Remember?". Background music: 2000s pop`
	if got := fake.lastPrompt.Load(); got != want {
		t.Fatalf("提示词不正确:\n got %v\nwant %s", got, want)
	}

	image := &models.Draft{AssetType: models.AssetImage, VideoPrompt: "tamagotchi"}
	art, err = asm.Assemble(context.Background(), dir, image)
	if err != nil {
		t.Fatalf("构建图片失败: %v", err)
	}
	if data, _ := os.ReadFile(art.Path); string(data) != "media:/files/i.png" {
		t.Fatalf("图片内容不正确: %q", data)
	}

	if _, err := asm.Assemble(context.Background(), dir, &models.Draft{AssetType: models.AssetVideo}); !apperrors.IsInvalidInputError(err) {
		t.Fatalf("缺少 video_prompt 应返回 InvalidInput，实际: %v", err)
	}
}

func TestEnsureOutputSizeWithoutTools(t *testing.T) {
	path := filepath.Join(t.TempDir(), "video.mp4")
	os.WriteFile(path, []byte("original"), 0644)

	ff := NewFFmpeg("/nonexistent/ffmpeg", "/nonexistent/ffprobe")
	if ff.EnsureOutputSize(context.Background(), path) {
		t.Fatal("工具缺失时不应替换文件")
	}
	if data, _ := os.ReadFile(path); string(data) != "original" {
		t.Fatalf("原文件被修改: %q", data)
	}
}

func TestLibraryAssemblerCopiesStillImage(t *testing.T) {
	root := t.TempDir()
	assets := filepath.Join(root, "assets")
	os.MkdirAll(filepath.Join(assets, "toys"), 0755)
	os.WriteFile(filepath.Join(assets, "toys", "tamagotchi.png"), []byte("png-bytes"), 0644)

	mapping := filepath.Join(root, "asset_mapping.yaml")
	os.WriteFile(mapping, []byte("tamagotchi: toys/tamagotchi.png\nwalkman: music/walkman\n"), 0644)

	asm := NewLibraryAssembler(mapping, assets, NewFFmpeg("", ""))
	d := &models.Draft{AssetType: models.AssetImage, Extra: map[string]json.RawMessage{"asset_key": json.RawMessage(`"tamagotchi"`)}}

	out := t.TempDir()
	art, err := asm.Assemble(context.Background(), out, d)
	if err != nil {
		t.Fatalf("素材库构建失败: %v", err)
	}
	if data, _ := os.ReadFile(art.Path); string(data) != "png-bytes" {
		t.Fatalf("复制内容不正确: %q", data)
	}

	d.Extra["asset_key"] = json.RawMessage(`"unknown"`)
	if _, err := asm.Assemble(context.Background(), out, d); !apperrors.IsNotFoundError(err) {
		t.Fatalf("未知 asset_key 应返回 NotFound，实际: %v", err)
	}

	d.Extra["asset_key"] = json.RawMessage(`"walkman"`)
	if _, err := asm.Assemble(context.Background(), out, d); !apperrors.IsNotFoundError(err) {
		t.Fatalf("缺少素材文件应返回 NotFound，实际: %v", err)
	}

	if _, err := asm.Assemble(context.Background(), out, &models.Draft{AssetType: models.AssetImage}); !apperrors.IsInvalidInputError(err) {
		t.Fatalf("缺少 asset_key 应返回 InvalidInput，实际: %v", err)
	}
}

func TestLibraryAssemblerMissingMapping(t *testing.T) {
	asm := NewLibraryAssembler(filepath.Join(t.TempDir(), "nope.yaml"), t.TempDir(), NewFFmpeg("", ""))
	d := &models.Draft{Extra: map[string]json.RawMessage{"asset_key": json.RawMessage(`"x"`)}}
	if _, err := asm.Assemble(context.Background(), t.TempDir(), d); !apperrors.IsConfigMissingError(err) {
		t.Fatalf("缺少映射文件应返回 ConfigMissing，实际: %v", err)
	}
}
