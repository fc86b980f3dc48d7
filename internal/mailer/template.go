package mailer

import (
	"bytes"
	"html/template"
	"log/slog"

	"github.com/russross/blackfriday/v2"
)

// 白色卡片风格的外层模板，片段与导语都已是安全 HTML
var wrapperTmpl = template.Must(template.New("wrapper").Parse(`<html>
<body style="font-family: 'Helvetica Neue', Arial, sans-serif; background-color: #f4f4f4; padding: 20px;">
  <div style="max-width: 600px; margin: 0 auto; background-color: #ffffff; padding: 30px; border-radius: 8px; box-shadow: 0 4px 6px rgba(0,0,0,0.1);">
    <div style="text-align: center; border-bottom: 2px solid #efefef; padding-bottom: 20px; margin-bottom: 20px;">
      <h1 style="color: #d32f2f; margin: 0; font-size: 28px; letter-spacing: -1px;">{{.Title}}</h1>
      <p style="color: #888; font-size: 14px; margin-top: 5px; font-style: italic;">{{.Tagline}}</p>
      {{if .Intro}}<div style="color: #555; font-size: 14px; text-align: left;">{{.Intro}}</div>{{end}}
    </div>
    <div style="color: #333; line-height: 1.6; font-size: 16px;">
{{.Body}}
    </div>
    <div style="margin-top: 40px; padding-top: 20px; border-top: 1px solid #efefef; text-align: center; color: #999; font-size: 12px;">
      <p>Sent by {{.SenderName}}</p>
      <p>Reply to this email to unsubscribe.</p>
    </div>
  </div>
</body>
</html>
`))

const (
	brandTitle   = "⚽ The Daily Kickoff"
	brandTagline = "Curated Viral Trends & News"
)

type wrapperData struct {
	Title      string
	Tagline    string
	Intro      template.HTML
	Body       template.HTML
	SenderName string
}

// Wrap 把渲染好的片段包进品牌模板；intro 为 markdown，可为空
func Wrap(fragment, intro string) string {
	data := wrapperData{
		Title:      brandTitle,
		Tagline:    brandTagline,
		Body:       template.HTML(fragment),
		SenderName: SenderName,
	}
	if intro != "" {
		data.Intro = template.HTML(blackfriday.Run([]byte(intro)))
	}

	var buf bytes.Buffer
	if err := wrapperTmpl.Execute(&buf, data); err != nil {
		slog.Error("mailer: execute wrapper template", slog.Any("error", err))
	}
	return buf.String()
}
