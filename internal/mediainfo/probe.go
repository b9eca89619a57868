// Package mediainfo inspecciona archivos de media con ffprobe antes de
// encolarlos.
package mediainfo

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// Info contiene lo que ffprobe reporta de un archivo
type Info struct {
	Path       string  `json:"path"`
	Kind       Kind    `json:"kind"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	VideoCodec string  `json:"video_codec,omitempty"`
	AudioCodec string  `json:"audio_codec,omitempty"`
	Duration   float64 `json:"duration"` // segundos
	Bitrate    int64   `json:"bitrate"`
	FrameRate  float64 `json:"frame_rate"`
	HasVideo   bool    `json:"has_video"`
	HasAudio   bool    `json:"has_audio"`
}

// Kind distingue imágenes fijas de video
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

// Codecs que ffprobe reporta como stream de video para imágenes fijas
var imageCodecs = map[string]bool{
	"mjpeg": true, "png": true, "webp": true, "gif": true, "bmp": true, "tiff": true,
}

// Limits son las restricciones de subida de la plataforma
type Limits struct {
	VideoCodecs []string
	AudioCodecs []string
	MaxHeight   int
	MaxDuration float64 // segundos, 0 = sin límite
}

// DefaultLimits corresponde a lo que aceptan las subidas tipo reel sin recodificar
func DefaultLimits() Limits {
	return Limits{
		VideoCodecs: []string{"h264", "hevc"},
		AudioCodecs: []string{"aac"},
		MaxHeight:   1920,
		MaxDuration: 15 * 60,
	}
}

// Prober ejecuta ffprobe
type Prober struct {
	bin string
}

// NewProber crea un prober. bin vacío usa "ffprobe" del PATH.
func NewProber(bin string) *Prober {
	if bin == "" {
		bin = "ffprobe"
	}
	return &Prober{bin: bin}
}

// CheckInstalled verifica que ffprobe esté instalado
func (p *Prober) CheckInstalled() error {
	if err := exec.Command(p.bin, "-version").Run(); err != nil {
		return fmt.Errorf("%s not found: %w (install: sudo apt install ffmpeg)", p.bin, err)
	}
	return nil
}

// Probe obtiene información del archivo usando ffprobe
func (p *Prober) Probe(ctx context.Context, path string) (*Info, error) {
	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	}

	output, err := exec.CommandContext(ctx, p.bin, args...).Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe %s: %w", filepath.Base(path), err)
	}
	info, err := parse(output)
	if err != nil {
		return nil, err
	}
	info.Path = path
	return info, nil
}

func parse(output []byte) (*Info, error) {
	var result struct {
		Streams []struct {
			CodecType  string `json:"codec_type"`
			CodecName  string `json:"codec_name"`
			Width      int    `json:"width"`
			Height     int    `json:"height"`
			RFrameRate string `json:"r_frame_rate"`
		} `json:"streams"`
		Format struct {
			Duration string `json:"duration"`
			BitRate  string `json:"bit_rate"`
		} `json:"format"`
	}

	if err := json.Unmarshal(output, &result); err != nil {
		return nil, fmt.Errorf("parse ffprobe output: %w", err)
	}

	info := &Info{}
	for _, stream := range result.Streams {
		switch stream.CodecType {
		case "video":
			if info.HasVideo {
				continue // la primera pista manda (la carátula suele venir después)
			}
			info.HasVideo = true
			info.VideoCodec = stream.CodecName
			info.Width = stream.Width
			info.Height = stream.Height
			info.FrameRate = frameRate(stream.RFrameRate)
		case "audio":
			if !info.HasAudio {
				info.HasAudio = true
				info.AudioCodec = stream.CodecName
			}
		}
	}
	if !info.HasVideo {
		return nil, fmt.Errorf("no video or image stream found")
	}

	info.Duration, _ = strconv.ParseFloat(result.Format.Duration, 64)
	info.Bitrate, _ = strconv.ParseInt(result.Format.BitRate, 10, 64)

	info.Kind = KindVideo
	if imageCodecs[info.VideoCodec] && !info.HasAudio && info.Duration < 1 {
		info.Kind = KindImage
	}
	return info, nil
}

// frameRate parsea "30/1" o "30000/1001"
func frameRate(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	if !ok {
		return 0
	}
	n, _ := strconv.ParseFloat(num, 64)
	d, _ := strconv.ParseFloat(den, 64)
	if d <= 0 {
		return 0
	}
	return n / d
}

// Compatible indica si el archivo se puede subir tal cual. Si no, los motivos
// dicen qué habría que recodificar.
func (l Limits) Compatible(info *Info) (bool, []string) {
	var reasons []string
	if info.Kind == KindImage {
		return true, nil
	}

	if len(l.VideoCodecs) > 0 && !contains(l.VideoCodecs, info.VideoCodec) {
		reasons = append(reasons, fmt.Sprintf("video codec is %s (needs %s)", info.VideoCodec, strings.Join(l.VideoCodecs, "/")))
	}
	if info.HasAudio && len(l.AudioCodecs) > 0 && !contains(l.AudioCodecs, info.AudioCodec) {
		reasons = append(reasons, fmt.Sprintf("audio codec is %s (needs %s)", info.AudioCodec, strings.Join(l.AudioCodecs, "/")))
	}
	if l.MaxHeight > 0 && info.Height > l.MaxHeight {
		reasons = append(reasons, fmt.Sprintf("resolution is %dx%d (max height %d)", info.Width, info.Height, l.MaxHeight))
	}
	if l.MaxDuration > 0 && info.Duration > l.MaxDuration {
		reasons = append(reasons, fmt.Sprintf("duration is %.0fs (max %.0fs)", info.Duration, l.MaxDuration))
	}
	return len(reasons) == 0, reasons
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
