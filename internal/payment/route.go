package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/qs3c/reportflow/internal/model"
	"github.com/qs3c/reportflow/internal/session"
)

// Navigation 报告页跳转目标
type Navigation struct {
	Path     string
	Params   url.Values
	ResultID string
}

// URL 拼出带查询参数的相对地址
func (n Navigation) URL() string {
	if len(n.Params) == 0 {
		return n.Path
	}
	return n.Path + "?" + n.Params.Encode()
}

// ReportRoute 按服务类型选择报告页
func ReportRoute(t model.ServiceType, resultID string) Navigation {
	if t == model.ServiceComparison {
		nav := Navigation{Path: "/compare/report", ResultID: resultID}
		if resultID != "" {
			nav.Params = url.Values{"id": {resultID}}
		}
		return nav
	}
	return Navigation{
		Path:     fmt.Sprintf("/%s/report", t),
		Params:   url.Values{"id": {resultID}},
		ResultID: resultID,
	}
}

// ComparisonRoute 对比结果随跳转一起带过去：短的放进 URL，长的写入本地存储只传 key
func ComparisonRoute(ctx context.Context, cache *session.Cache, payload json.RawMessage, limit int) (Navigation, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		return Navigation{}, fmt.Errorf("invalid comparison payload: %w", err)
	}

	nav := Navigation{Path: "/compare/report"}
	if buf.Len() < limit {
		nav.Params = url.Values{"data": {buf.String()}}
		return nav, nil
	}

	key, err := cache.PutComparison(ctx, buf.Bytes())
	if err != nil {
		return Navigation{}, fmt.Errorf("failed to store comparison result: %w", err)
	}
	nav.Params = url.Values{"key": {key}}
	return nav, nil
}
