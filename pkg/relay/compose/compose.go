// Package compose builds outbound relay frames.
package compose

import (
	"encoding/base64"
	"strings"
	"unicode"

	"github.com/vango-go/call-relay/pkg/relay/protocol"
)

// VoiceResolver picks the synthesized voice for a language code.
type VoiceResolver interface {
	Voice(languageCode string) string
}

type Composer struct {
	Voices VoiceResolver
}

// markupEscaper covers every character that is structurally significant to an
// XML/SSML parser on the receiving side.
var markupEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

// Text builds a speech frame. The text is escaped for markup-based signaling.
func (c Composer) Text(text, languageCode string) protocol.Outbound {
	frame := protocol.Outbound{
		Type: protocol.OutboundText,
		Text: Escape(text),
	}
	voice := &protocol.Voice{Language: languageCode}
	if c.Voices != nil {
		voice.Name = c.Voices.Voice(languageCode)
	}
	if voice.Name != "" || voice.Language != "" {
		frame.Voice = voice
	}
	return frame
}

// Media wraps raw audio, typically pre-recorded fallback audio.
func (c Composer) Media(audio []byte) protocol.Outbound {
	return protocol.Outbound{
		Type:         protocol.OutboundMedia,
		AudioPayload: base64.StdEncoding.EncodeToString(audio),
	}
}

func (c Composer) End() protocol.Outbound {
	return protocol.Outbound{Type: protocol.OutboundEnd}
}

// Escape strips control characters and escapes markup metacharacters.
func Escape(text string) string {
	text = strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\t':
			return ' '
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, text)
	return markupEscaper.Replace(strings.TrimSpace(text))
}
