package core_test

import (
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/trezcool/karo/core"
)

func TestInitValidators(t *testing.T) {
	validate := validator.New()
	core.InitValidators(validate, core.NewTranslator())

	type sample struct {
		Code   string          `validate:"omitempty,alphanum_"`
		Phone  string          `validate:"omitempty,msisdn"`
		Slug   string          `validate:"omitempty,slug"`
		Term   int             `validate:"omitempty,term"`
		Amount decimal.Decimal `validate:"dgte0"`
	}

	tests := []struct {
		name    string
		s       sample
		wantErr bool
	}{
		{name: "valid", s: sample{Code: "TUI_2026", Phone: "0712 345 678", Slug: "karo-academy", Term: 2, Amount: decimal.NewFromInt(10)}},
		{name: "code with spaces", s: sample{Code: "T U I"}, wantErr: true},
		{name: "code with dashes", s: sample{Code: "TUI-1"}, wantErr: true},
		{name: "bad phone", s: sample{Phone: "12345"}, wantErr: true},
		{name: "international phone", s: sample{Phone: "+254112345678"}},
		{name: "bad slug", s: sample{Slug: "Karo_Academy"}, wantErr: true},
		{name: "bad term", s: sample{Term: 4}, wantErr: true},
		{name: "negative amount", s: sample{Amount: decimal.NewFromInt(-1)}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validate.Struct(tt.s)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
