package worker

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"reliable-jobs/internal/models"
)

// RenderOptions tunes the render processor.
type RenderOptions struct {
	ThumbnailWidth  int
	DownloadTimeout time.Duration
	MaxImageBytes   int64
}

// RenderProcessor turns a publish request into a voice track, a visual and a
// cover thumbnail, then stores a manifest describing them.
type RenderProcessor struct {
	voice      Caller
	visual     Caller
	uploader   Uploader
	httpClient *http.Client
	width      int
	maxBytes   int64
	now        func() time.Time
}

type renderPayload struct {
	PublishID string `json:"publishId"`
	TenantID  string `json:"tenantId"`
	Topic     string `json:"topic"`
	Script    string `json:"script"`
	Voice     string `json:"voice"`
	CoverURL  string `json:"coverUrl"`
}

type voiceReply struct {
	AudioURL   string `json:"audioUrl"`
	DurationMs int    `json:"durationMs"`
}

type visualReply struct {
	VideoURL string `json:"videoUrl"`
	CoverURL string `json:"coverUrl"`
}

// NewRenderProcessor builds the render.generate processor.
func NewRenderProcessor(voice, visual Caller, uploader Uploader, opts RenderOptions) *RenderProcessor {
	if opts.ThumbnailWidth <= 0 {
		opts.ThumbnailWidth = 320
	}
	if opts.DownloadTimeout <= 0 {
		opts.DownloadTimeout = 30 * time.Second
	}
	if opts.MaxImageBytes <= 0 {
		opts.MaxImageBytes = 25 * 1024 * 1024
	}
	return &RenderProcessor{
		voice:      voice,
		visual:     visual,
		uploader:   uploader,
		httpClient: &http.Client{Timeout: opts.DownloadTimeout},
		width:      opts.ThumbnailWidth,
		maxBytes:   opts.MaxImageBytes,
		now:        time.Now,
	}
}

// Process implements Processor.
func (p *RenderProcessor) Process(ctx context.Context, job models.Job) error {
	var payload renderPayload
	if err := decodePayload(job, &payload); err != nil {
		return err
	}

	var voice voiceReply
	if err := p.voice.Call(ctx, "", "/v1/voice", map[string]any{
		"publishId": payload.PublishID,
		"tenantId":  payload.TenantID,
		"topic":     payload.Topic,
		"script":    payload.Script,
		"voice":     payload.Voice,
	}, &voice); err != nil {
		return fmt.Errorf("voice: %w", err)
	}

	var visual visualReply
	if err := p.visual.Call(ctx, "", "/v1/visual", map[string]any{
		"publishId": payload.PublishID,
		"tenantId":  payload.TenantID,
		"topic":     payload.Topic,
		"audioUrl":  voice.AudioURL,
	}, &visual); err != nil {
		return fmt.Errorf("visual: %w", err)
	}

	prefix := "renders/" + payload.PublishID
	out := manifest{
		"jobId":      job.ID,
		"publishId":  payload.PublishID,
		"attempt":    job.Attempt,
		"audioUrl":   voice.AudioURL,
		"durationMs": voice.DurationMs,
		"videoUrl":   visual.VideoURL,
	}

	coverURL := visual.CoverURL
	if coverURL == "" {
		coverURL = payload.CoverURL
	}
	if coverURL != "" {
		location, err := p.thumbnail(ctx, coverURL, prefix)
		if err != nil {
			return err
		}
		out["coverUrl"] = coverURL
		out["thumbnail"] = location
	}

	body, err := out.encode(p.now())
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if _, err := p.uploader.Upload(ctx, prefix+"/manifest.json", body, "application/json"); err != nil {
		return fmt.Errorf("upload manifest: %w", err)
	}
	return nil
}

func (p *RenderProcessor) thumbnail(ctx context.Context, url, prefix string) (string, error) {
	data, contentType, err := p.download(ctx, url)
	if err != nil {
		return "", err
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode cover: %w", err)
	}

	width := p.width
	if img.Bounds().Dx() < width {
		width = img.Bounds().Dx()
	}
	img = imaging.Resize(img, width, 0, imaging.Lanczos)

	outFormat, ext, mime := imaging.JPEG, "jpg", "image/jpeg"
	if format == "png" || strings.Contains(strings.ToLower(contentType), "png") {
		outFormat, ext, mime = imaging.PNG, "png", "image/png"
	}
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, outFormat, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("encode thumbnail: %w", err)
	}

	location, err := p.uploader.Upload(ctx, prefix+"/thumbnail."+ext, buf.Bytes(), mime)
	if err != nil {
		return "", fmt.Errorf("upload thumbnail: %w", err)
	}
	return location, nil
}

func (p *RenderProcessor) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download cover: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download cover: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read cover: %w", err)
	}
	if int64(len(body)) > p.maxBytes {
		return nil, "", fmt.Errorf("cover too large (>%d bytes)", p.maxBytes)
	}
	return body, resp.Header.Get("Content-Type"), nil
}
