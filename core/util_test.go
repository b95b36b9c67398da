package core_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/trezcool/karo/core"
)

func TestMaskEmail(t *testing.T) {
	tests := []struct {
		email, want string
	}{
		{email: "wanjiku@example.com", want: "w*****u@example.com"},
		{email: "jo@example.com", want: "j*@example.com"},
		{email: "j@example.com", want: "j*@example.com"},
		{email: "@example.com", want: "@example.com"},
		{email: "not-an-email", want: "not-an-email"},
		{email: "zoë@example.com", want: "z*ë@example.com"},
		{email: "éa@example.com", want: "é*@example.com"},
		{email: "名前です@example.jp", want: "名**す@example.jp"},
	}
	for _, tt := range tests {
		t.Run(tt.email, func(t *testing.T) {
			assert.Equal(t, tt.want, core.MaskEmail(tt.email))
		})
	}
}
