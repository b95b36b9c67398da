package emailsvc

import (
	"bytes"
	"net/mail"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/karo/core"
	appfs "github.com/trezcool/karo/fs"
)

func TestConsoleServiceMock_SendMessages(t *testing.T) {
	conf := core.NewTestConfig()
	core.ParseEmailTemplates(appfs.FS, appfs.EmailTemplatesDir, core.NopLogger{}, true)
	svc := NewConsoleServiceMock(conf)
	to := []mail.Address{{Name: "Grace Otieno", Address: "grace@example.com"}}

	tests := []struct {
		name       string
		msg        *core.EmailMessage
		wantSent   bool
		contains   string
		wantFooter bool
	}{
		{
			name: "templated",
			msg: &core.EmailMessage{
				To:           to,
				Subject:      "Your login code",
				TemplateName: "portal_otp",
				TemplateData: map[string]interface{}{"Name": "Grace", "SchoolName": "Hillside", "Code": "123456", "Minutes": 20},
			},
			wantSent:   true,
			contains:   "123456",
			wantFooter: true,
		},
		{
			name:     "plain body",
			msg:      &core.EmailMessage{To: to, Subject: "Hello", BodyStr: "plain hello"},
			wantSent: true,
			contains: "plain hello",
		},
		{
			name:     "no recipients",
			msg:      &core.EmailMessage{Subject: "Hello", BodyStr: "nobody"},
			wantSent: false,
		},
		{
			name:     "no content",
			msg:      &core.EmailMessage{To: to, Subject: "Empty"},
			wantSent: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ResetSentMessages()
			svc.SendMessages(tc.msg)

			sent := LastSentMessages()
			if !tc.wantSent {
				assert.Empty(t, sent)
				return
			}
			require.Len(t, sent, 1)
			assert.Contains(t, sent[0].TextContent, tc.contains)
			if tc.wantFooter {
				assert.Contains(t, sent[0].TextContent, "The "+conf.AppName+" team")
				assert.Contains(t, sent[0].HTMLContent, tc.contains)
			} else {
				assert.Equal(t, tc.msg.BodyStr, sent[0].TextContent)
				assert.Empty(t, sent[0].HTMLContent)
			}
		})
	}
}

func TestConsoleServiceMock_Attachment(t *testing.T) {
	conf := core.NewTestConfig()
	svc := NewConsoleServiceMock(conf)
	ResetSentMessages()

	msg := &core.EmailMessage{
		To:      []mail.Address{{Address: "bursar@example.com"}},
		Subject: "Receipt",
	}
	require.NoError(t, msg.Attach(bytes.NewBufferString("%PDF-1.3"), "receipt.pdf", "application/pdf"))
	svc.SendMessages(msg)

	sent := LastSentMessages()
	require.Len(t, sent, 1)
	require.Len(t, sent[0].Attachments, 1)
	assert.Equal(t, "application/pdf", sent[0].Attachments[0].ContentType)
	assert.Equal(t, "receipt.pdf", sent[0].Attachments[0].Filename)
}
