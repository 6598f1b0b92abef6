package postgres

import (
	"encoding/json"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/orgtransfer/internal/core"
)

func TestEncodeDecodeRecord(t *testing.T) {
	created := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	rec := core.RecordFrom("units",
		"id", "u-9",
		"code", "ENG",
		"name", "Engineering",
		"is_active", true,
		"created_at", created,
	)
	rec.ClientID = "client-only"
	rec.Origin = core.Locator{Source: "org.json", Line: 4}

	data, err := encodeRecord(rec)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "client-only")
	assert.NotContains(t, string(data), "org.json")

	got, err := decodeRecord("units", "u-1", data)
	require.NoError(t, err)
	assert.Equal(t, core.EntityKind("units"), got.Kind)
	assert.Equal(t, "u-1", got.ID(), "row id wins over the body")
	assert.Equal(t, "u-1", got.ClientID)
	assert.Equal(t, []string{"id", "code", "name", "is_active", "created_at"}, got.Keys())
	assert.Equal(t, true, got.Value("is_active"))
	assert.Equal(t, "2024-03-01T12:30:00Z", got.Value("created_at"))
}

func TestDecodeRecord_NotAnObject(t *testing.T) {
	_, err := decodeRecord("units", "u-1", []byte(`[1,2]`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "units u-1")
}

func TestParseIP(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"10.0.0.1", "10.0.0.1"},
		{"10.0.0.1:5432", "10.0.0.1"},
		{"[::1]:80", "::1"},
		{"not-an-ip", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := parseIP(tt.in)
			if tt.want == "" {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, netip.MustParseAddr(tt.want), *got)
		})
	}
}

func TestAuditArgs(t *testing.T) {
	at := time.Date(2024, 5, 1, 8, 0, 0, 0, time.FixedZone("X", 3600))
	e := core.AuditEntry{
		ID:          "7f7b0a3e-0d0c-4d5e-9d8f-3a2b1c0d9e8f",
		OperationID: "op-1",
		Action:      core.AuditUpdate,
		Severity:    core.AuditHigh,
		EntityKind:  "units",
		RecordID:    "u-1",
		NewValues:   map[string]any{"code": "ENG"},
		Origin:      core.Locator{Source: "org.json", Line: 3},
		IPAddress:   "192.168.1.4:3000",
		CreatedAt:   at,
	}

	args, err := auditArgs(e)
	require.NoError(t, err)
	require.Len(t, args, 15)

	assert.Equal(t, e.ID, args[0])
	assert.Equal(t, "update", args[2])
	assert.Nil(t, args[6], "empty client id is NULL")
	assert.Nil(t, args[7], "no old values is NULL")
	assert.JSONEq(t, `{"code":"ENG"}`, string(args[8].([]byte)))

	var loc core.Locator
	require.NoError(t, json.Unmarshal(args[9].([]byte), &loc))
	assert.Equal(t, e.Origin, loc)

	ip, ok := args[11].(*netip.Addr)
	require.True(t, ok)
	assert.Equal(t, "192.168.1.4", ip.String())
	assert.Equal(t, at.UTC(), args[14])
}

func TestAuditArgs_GeneratesID(t *testing.T) {
	args, err := auditArgs(core.AuditEntry{OperationID: "op-1", Action: core.AuditCreate})
	require.NoError(t, err)
	assert.NotEmpty(t, args[0])
	assert.False(t, args[14].(time.Time).IsZero())
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrations.ReadDir("migrations")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		body, err := migrations.ReadFile("migrations/" + e.Name())
		require.NoError(t, err)
		assert.Contains(t, string(body), "-- +goose Up", e.Name())
		assert.Contains(t, string(body), "-- +goose Down", e.Name())
	}
}
