package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeOverridesOnlyGivenFields(t *testing.T) {
	doc := `
[budgets]
mailbox_slots = 128

[debug]
keepalive_grace_ms = 5000
`
	cfg, err := Decode(strings.NewReader(doc))
	require.NoError(t, err)

	assert.Equal(t, 128, cfg.Budgets.MailboxSlots)
	assert.Equal(t, 2, cfg.Budgets.CodeCacheLines, "fields absent from the file keep their default")
	assert.Equal(t, 5*time.Second, cfg.Debug.KeepaliveGrace())
}

func TestKeepaliveGraceDefaultsTo30Seconds(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 30*time.Second, cfg.Debug.KeepaliveGrace())
}

func TestDecodeRejectsUnknownField(t *testing.T) {
	doc := `
[budgets]
NotARealField = 1
`
	_, err := Decode(strings.NewReader(doc))
	assert.Error(t, err)
}
