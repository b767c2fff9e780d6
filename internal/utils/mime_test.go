package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMIMEType(t *testing.T) {
	assert.Equal(t, "video/x-matroska", MIMEType("show/Episode.MKV"))
	assert.Equal(t, "video/mp4", MIMEType("movie.m4v"))
	assert.Equal(t, "application/x-subrip", MIMEType("movie.srt"))
	assert.Equal(t, "application/octet-stream", MIMEType("archive.rar"))
	assert.Equal(t, "application/octet-stream", MIMEType("noextension"))
}
