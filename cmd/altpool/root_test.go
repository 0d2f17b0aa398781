package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/altpool-go/internal/config"
	"github.com/lk2023060901/altpool-go/internal/store"
)

func TestVersion(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "altpool v0.1.0\n", out.String())
}

func TestWriteSlots(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	require.NoError(t, writeSlots(cmd, []store.Slot{
		{AccountID: "acct_1", Endpoint: config.EndpointA, Enabled: true, DisplayName: "Steve", Status: "ONLINE", Reason: "online"},
		store.ReservedSlot(2, config.EndpointB),
	}))
	text := out.String()
	assert.Contains(t, text, "SLOT")
	assert.Contains(t, text, "Steve")
	assert.Contains(t, text, "RESERVED_SLOT_2")
}
