package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildComposeFilterVoiceoverOnly(t *testing.T) {
	filter := buildComposeFilter(false, false)

	assert.Contains(t, filter, "[0:v]scale=1280:720[vout]")
	assert.Contains(t, filter, "[1:a]volume=1.0[vo]")
	assert.Contains(t, filter, "[vo]anull[aout]")
	assert.NotContains(t, filter, "amix")
}

func TestBuildComposeFilterAllBeds(t *testing.T) {
	filter := buildComposeFilter(true, true)

	assert.Contains(t, filter, "[1:a]volume=1.0[vo]")
	assert.Contains(t, filter, "[2:a]volume=0.3[amb]")
	assert.Contains(t, filter, "[3:a]volume=0.2[mus]")
	assert.Contains(t, filter, "[vo][amb][mus]amix=inputs=3:duration=first:normalize=0[aout]")
}

func TestBuildComposeFilterMusicOnlyUsesInputTwo(t *testing.T) {
	// Without an ambient bed the music track is ffmpeg input 2, not 3.
	filter := buildComposeFilter(false, true)

	assert.Contains(t, filter, "[2:a]volume=0.2[mus]")
	assert.Contains(t, filter, "[vo][mus]amix=inputs=2:duration=first:normalize=0[aout]")
	assert.NotContains(t, filter, "[amb]")
}
