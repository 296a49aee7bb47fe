package logging

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestNewParsesLevel(t *testing.T) {
	log := New("debug", "json")
	assert.Equal(t, zerolog.DebugLevel, log.GetLevel())

	log = New("WARN", "console")
	assert.Equal(t, zerolog.WarnLevel, log.GetLevel())
}

func TestNewFallsBackToInfo(t *testing.T) {
	log := New("chatty", "json")
	assert.Equal(t, zerolog.InfoLevel, log.GetLevel())

	log = New("", "console")
	assert.Equal(t, zerolog.InfoLevel, log.GetLevel())
}

func TestNewReturnsAddressableLogger(t *testing.T) {
	// Event methods have pointer receivers, so callers must bind the
	// returned value before chaining.
	log := New("info", "json")
	log.Info().Str("k", "v").Msg("usable")
}
