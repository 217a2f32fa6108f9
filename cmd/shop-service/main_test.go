package main

import (
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestSetupLogger(t *testing.T) {
	defer log.SetLevel(log.InfoLevel)

	require.NoError(t, setupLogger(""))
	require.Equal(t, log.InfoLevel, log.GetLevel())

	require.NoError(t, setupLogger(" debug "))
	require.Equal(t, log.DebugLevel, log.GetLevel())

	require.Error(t, setupLogger("chatty"))
	require.Equal(t, log.InfoLevel, log.GetLevel())
}
