package sandbox

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractResume_SkipsOtherFormats(t *testing.T) {
	text, err := extractResume("cv.docx", []byte("PK binary"))
	assert.NoError(t, err)
	assert.Empty(t, text)

	text, err = extractResume("cv.pdf", nil)
	assert.NoError(t, err)
	assert.Empty(t, text)
}

func TestExtractResume_Unreadable(t *testing.T) {
	for _, data := range [][]byte{
		[]byte("not a pdf at all"),
		[]byte("%PDF-1.4\n"),
	} {
		_, err := extractResume("CV.PDF", data)
		assert.True(t, errors.Is(err, ErrUnreadableResume), "input %q", data)
	}
}
