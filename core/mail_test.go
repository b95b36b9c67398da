package core_test

import (
	"fmt"
	"io/fs"
	"path"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/karo/core"
	appfs "github.com/trezcool/karo/fs"
)

type errorRecorder struct {
	core.NopLogger
	mu   sync.Mutex
	msgs []string
}

func (l *errorRecorder) Error(msg string, _ ...interface{}) {
	l.mu.Lock()
	l.msgs = append(l.msgs, msg)
	l.mu.Unlock()
}

func TestEmbeddedBaseTemplates(t *testing.T) {
	for _, name := range []string{"_base.txt", "_base.gohtml"} {
		_, err := fs.Stat(appfs.FS, path.Join(appfs.EmailTemplatesDir, name))
		assert.NoError(t, err, name)
	}
}

func TestParseEmailTemplates(t *testing.T) {
	conf := core.NewTestConfig()
	logger := new(errorRecorder)
	core.ParseEmailTemplates(appfs.FS, appfs.EmailTemplatesDir, logger, true)
	require.Empty(t, logger.msgs)

	data := map[string]map[string]interface{}{
		"approval_decision": {"Name": "Jane", "Type": "refund", "ID": 4, "Status": "approved", "Note": "ok", "VerificationCode": "K7Q2"},
		"approval_otp":      {"Name": "Jane", "Type": "refund", "ID": 4, "Code": "482913", "Minutes": 10},
		"credit_applied": {"GuardianName": "Grace", "StudentName": "Amani", "Amount": "KES 2,000.00",
			"Term": 1, "Year": 2026, "Balance": "KES 0.00", "Credit": "KES 500.00"},
		"fee_reminder": {"Body": "Dear Grace, Amani has KES 3,000.00 outstanding."},
		"fee_report": {"SchoolName": "Hillside", "Period": "weekly", "Date": "12 Oct 2026", "Students": 42,
			"Outstanding": "KES 120,000.00", "Collected": "KES 80,000.00"},
		"password_reset": {"Name": "Jane", "URL": "http://localhost:8080/reset/abc"},
		"payment_receipt": {"GuardianName": "Grace", "StudentName": "Amani", "AdmissionNo": "ADM001",
			"Amount": "KES 5,000.00", "Method": "mpesa", "Reference": "QXY99"},
		"portal_otp": {"Name": "Grace", "SchoolName": "Hillside", "Code": "123456", "Minutes": 20},
		"proof_status": {"GuardianName": "Grace", "StudentName": "Amani", "Amount": "KES 4,500.00",
			"Status": "Rejected", "Reason": "The slip is unreadable"},
	}

	fps, err := fs.Glob(appfs.FS, path.Join(appfs.EmailTemplatesDir, "*.txt"))
	require.NoError(t, err)
	for _, fp := range fps {
		fname := path.Base(fp)
		if strings.HasPrefix(fname, "_") {
			continue
		}
		name := strings.TrimSuffix(fname, ".txt")
		t.Run(name, func(t *testing.T) {
			tmplData, ok := data[name]
			require.True(t, ok, "no render data for %s", name)

			msg := &core.EmailMessage{TemplateName: name, TemplateData: tmplData}
			require.NoError(t, msg.Render(conf))

			assert.True(t, msg.HasContent())
			assert.Contains(t, msg.TextContent, fmt.Sprintf("The %s team", conf.AppName))
			assert.Contains(t, msg.HTMLContent, "<!DOCTYPE html>")
			for _, v := range tmplData {
				if s, ok := v.(string); ok && !strings.Contains(s, "'") {
					assert.Contains(t, msg.TextContent, s)
				}
			}
		})
	}
}
