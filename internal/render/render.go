package render

import (
	"bytes"
	"html/template"
	"log/slog"
	"net/url"
	"path"
	"strings"

	"github.com/LJTian/KickoffDigest/internal/collector"
)

// ImageWidth 邮件中图片的固定显示宽度
const ImageWidth = 300

var rasterExts = []string{".jpg", ".jpeg", ".png", ".gif", ".webp"}

// 只输出标题、图片、来源，不生成摘要
var fragmentTmpl = template.Must(template.New("fragment").Parse(`{{range .}}<div style="margin-bottom: 28px;">
<h3 style="margin: 0 0 8px;"><a href="{{.Link}}" style="color: #d32f2f; text-decoration: none;">{{.Headline}}</a></h3>
{{if .ShowImage}}<img src="{{.MediaURL}}" width="{{.Width}}" alt="{{.Headline}}" style="display: block; border-radius: 6px;">
{{end}}<p style="color: #888; font-size: 13px; margin: 6px 0 0;">Source: {{.Source}}</p>
</div>
{{end}}`))

type item struct {
	Headline  string
	Link      string
	MediaURL  string
	Source    string
	ShowImage bool
	Width     int
}

// Render 把排好序的记录渲染为 HTML 片段（不含 html/body，外层由邮件模板负责）
func Render(records []collector.ContentRecord) string {
	items := make([]item, 0, len(records))
	for _, r := range records {
		items = append(items, item{
			Headline:  r.Headline,
			Link:      r.Link,
			MediaURL:  r.MediaURL,
			Source:    r.Source,
			ShowImage: IsEmbeddableImage(r),
			Width:     ImageWidth,
		})
	}

	var buf bytes.Buffer
	if err := fragmentTmpl.Execute(&buf, items); err != nil {
		slog.Error("render: execute fragment template", slog.Any("error", err))
	}
	return buf.String()
}

// IsEmbeddableImage mediaURL 非空，且以栅格图片后缀结尾或被标记为图片
func IsEmbeddableImage(r collector.ContentRecord) bool {
	if r.MediaURL == "" {
		return false
	}
	if r.MediaType == collector.MediaImage {
		return true
	}
	p := strings.ToLower(r.MediaURL)
	if u, err := url.Parse(r.MediaURL); err == nil {
		p = strings.ToLower(u.Path)
	}
	ext := path.Ext(p)
	for _, e := range rasterExts {
		if ext == e {
			return true
		}
	}
	return false
}
