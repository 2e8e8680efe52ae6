// Package transfer turns synthesized audio into markup the browser can play
// and download without a second request.
package transfer

import (
	"bytes"
	"encoding/base64"
	"errors"
	"html"
	"html/template"
	"regexp"
	"strings"

	"github.com/ekisa-team/voxforge/internal/synth"
)

// PretrainedFilename is the download name for pre-trained voices.
const PretrainedFilename = "generated_speech.wav"

// ErrNoPayload is returned by Decode when the markup holds no audio.
var ErrNoPayload = errors.New("no base64 payload in markup")

// Presentation is the encoded audio and the two fragments that embed it.
type Presentation struct {
	Base64   string        `json:"base64"`
	Filename string        `json:"filename"`
	Player   template.HTML `json:"player"`
	Download template.HTML `json:"download"`
}

var (
	playerTmpl = template.Must(template.New("player").Parse(
		`<audio autoplay controls><source src="{{.Src}}" type="audio/wav"></audio>`))

	downloadTmpl = template.Must(template.New("download").Parse(`<style>
#{{.ID}} {
	background-color: rgb(255, 255, 255);
	color: rgb(38, 39, 48);
	padding: 0.5em 0.7em;
	position: relative;
	text-decoration: none;
	border-radius: 4px;
	border-width: 1px;
	border-style: solid;
	border-color: rgb(230, 234, 241);
	border-image: initial;
}
#{{.ID}}:hover {
	border-color: rgb(246, 51, 102);
	color: rgb(246, 51, 102);
}
</style>
<a href="{{.Href}}" download="{{.Filename}}" id="{{.ID}}">Download {{.Filename}}</a>`))

	payloadRe = regexp.MustCompile(`;base64,([A-Za-z0-9+/=]*)`)
	unsafeID  = regexp.MustCompile(`[^A-Za-z0-9_-]`)
)

// Present encodes audio once and embeds the encoding in an autoplaying
// player and in a download link named filename. The bytes are not altered.
func Present(audio []byte, filename string) Presentation {
	b64 := base64.StdEncoding.EncodeToString(audio)

	var player, download bytes.Buffer
	_ = playerTmpl.Execute(&player, struct{ Src template.URL }{
		Src: template.URL("data:audio/wav;base64," + b64),
	})
	_ = downloadTmpl.Execute(&download, struct {
		Href     template.URL
		Filename string
		ID       string
	}{
		Href:     template.URL("data:application/octet-stream;base64," + b64),
		Filename: filename,
		ID:       "download_button_" + unsafeID.ReplaceAllString(filename, "_"),
	})

	return Presentation{
		Base64:   b64,
		Filename: filename,
		Player:   template.HTML(player.String()),
		Download: template.HTML(download.String()),
	}
}

// Decode extracts the audio embedded in markup produced by Present. Attribute
// escaping turns '+' into a character reference, so markup is unescaped first.
func Decode(markup string) ([]byte, error) {
	m := payloadRe.FindStringSubmatch(html.UnescapeString(markup))
	if m == nil {
		return nil, ErrNoPayload
	}

	return base64.StdEncoding.DecodeString(m[1])
}

// Filename returns the download name for a result. slot names the reference
// sample used in cloning mode.
func Filename(mode synth.Mode, slot string) string {
	if mode != synth.ModeCloning {
		return PretrainedFilename
	}

	slot = strings.ToLower(strings.TrimSpace(slot))
	slot = unsafeID.ReplaceAllString(slot, "_")
	if slot == "" {
		slot = "voice"
	}

	return slot + "_cloned_speech.wav"
}
