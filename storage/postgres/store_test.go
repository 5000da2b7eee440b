package postgres

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/warden/types"
)

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pq.Error{Code: "23505"}))
	assert.True(t, isUniqueViolation(fmt.Errorf("insert: %w", &pq.Error{Code: "23505"})))
	assert.False(t, isUniqueViolation(&pq.Error{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("23505")))
	assert.False(t, isUniqueViolation(nil))
}

func TestNullHelpers(t *testing.T) {
	assert.False(t, nullTime(time.Time{}).Valid)
	now := time.Now()
	got := nullTime(now)
	assert.True(t, got.Valid)
	assert.Equal(t, now, got.Time)

	assert.False(t, nullString("").Valid)
	assert.Equal(t, "new", nullString(string(types.DeltaNew)).String)
}

func TestJSONObject(t *testing.T) {
	var empty map[string]any
	raw, err := jsonObject(empty)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(raw))

	raw, err = jsonObject(map[string]string{"CIS-1.4": "1.1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"CIS-1.4":"1.1"}`, string(raw))
}

func TestSchemaDeclaresNaturalKeys(t *testing.T) {
	for _, constraint := range []string{
		"UNIQUE (tenant_id, provider_id, uid)",
		"UNIQUE (tenant_id, key, value)",
		"UNIQUE (tenant_id, scan_id, compliance_id, requirement_id, region)",
		"findings (tenant_id, provider_id, uid, scan_sequence DESC)",
		"current_setting(''app.tenant_id'', true)",
	} {
		assert.True(t, strings.Contains(schema, constraint), "schema missing %q", constraint)
	}
}
