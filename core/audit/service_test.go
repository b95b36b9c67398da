package audit_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/karo/core/audit"
	"github.com/trezcool/karo/internal/testutil"
)

func TestLogAndQuery(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	sch, _ := env.CreateSchool(t, "Karo Academy", "karo-academy", "pwd")
	other, _ := env.CreateSchool(t, "Bidii School", "bidii", "pwd")
	yesterday := time.Now().UTC().Add(-24 * time.Hour)

	env.AuditSvc.Log(ctx, audit.Entry{SchoolID: sch.ID, Actor: " bursar ", Action: audit.ActionRecord, Entity: "Payment", EntityID: "1", CreatedAt: yesterday})
	env.AuditSvc.Log(ctx, audit.Entry{SchoolID: sch.ID, Actor: "owner", Action: audit.ActionVoid, Entity: "invoice", EntityID: "7"})
	env.AuditSvc.Log(ctx, audit.Entry{SchoolID: sch.ID, Actor: "bursar", Action: audit.ActionApply, Entity: "credit", EntityID: "3", Detail: strings.Repeat("x", 2500)})
	env.AuditSvc.Log(ctx, audit.Entry{SchoolID: other.ID, Actor: "bursar", Action: audit.ActionRecord, Entity: "payment", EntityID: "9"})

	entries, err := env.AuditSvc.Query(ctx, audit.QueryFilter{SchoolID: sch.ID})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "payment", entries[2].Entity, "oldest last")
	assert.Equal(t, "bursar", entries[2].Actor)
	assert.Len(t, entries[0].Detail, 2000)

	tests := []struct {
		name   string
		filter audit.QueryFilter
		want   int
	}{
		{name: "entity", filter: audit.QueryFilter{SchoolID: sch.ID, Entity: " PAYMENT "}, want: 1},
		{name: "actor", filter: audit.QueryFilter{SchoolID: sch.ID, Actor: "bursar"}, want: 2},
		{name: "from", filter: audit.QueryFilter{SchoolID: sch.ID, From: yesterday.Add(time.Hour)}, want: 2},
		{name: "to", filter: audit.QueryFilter{SchoolID: sch.ID, To: yesterday.Add(time.Hour)}, want: 1},
		{name: "limit", filter: audit.QueryFilter{SchoolID: sch.ID, Limit: 1}, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := env.AuditSvc.Query(ctx, tt.filter)
			require.NoError(t, err)
			assert.Len(t, entries, tt.want)
		})
	}
}
