package sandbox

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

// MaxResumeSize 上传简历的大小上限
const MaxResumeSize = 5 << 20

const maxResumeText = 64 << 10

var ErrUnreadableResume = errors.New("resume could not be read")

const unreadableResumeMessage = "We could not read your resume. Please upload a text-based PDF."

// extractResume PDF 读出正文，其他格式不解析
func extractResume(name string, data []byte) (text string, err error) {
	if len(data) == 0 || !strings.EqualFold(filepath.Ext(name), ".pdf") {
		return "", nil
	}

	// 解析器遇到损坏的文件可能 panic
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("%w: %v", ErrUnreadableResume, r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreadableResume, err)
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreadableResume, err)
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(plain, maxResumeText)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreadableResume, err)
	}
	text = strings.TrimSpace(buf.String())
	if text == "" {
		return "", fmt.Errorf("%w: no text layer", ErrUnreadableResume)
	}
	return text, nil
}
