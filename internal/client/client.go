package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/qs3c/reportflow/internal/model"
	"github.com/qs3c/reportflow/internal/model/dto"
)

var (
	ErrMalformed = errors.New("malformed response body")
	ErrNoToken   = errors.New("missing auth token")
)

// HTTPError 非 2xx 响应
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// Unauthorized 401/403，需要换新令牌
func (e *HTTPError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// IsUnauthorized 判断错误链中是否是 401/403
func IsUnauthorized(err error) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.Unauthorized()
}

var validate = validator.New()

// Validate 校验带 validate 标签的结构体
func Validate(v interface{}) error {
	return validate.Struct(v)
}

// Client 后端 REST 接口。令牌由调用方每次请求前新取，Client 不保存令牌。
type Client struct {
	baseURL string
	http    *http.Client
}

// New 创建客户端
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// BaseURL 后端地址
func (c *Client) BaseURL() string {
	return c.baseURL
}

// do 发送请求，2xx 时把 body 解码到 out，返回状态码
func (c *Client) do(ctx context.Context, method, path, token string, body io.Reader, contentType string, out interface{}) (int, error) {
	if token == "" {
		return 0, ErrNoToken
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, &HTTPError{StatusCode: resp.StatusCode, Body: truncate(string(data), 200)}
	}

	if out != nil && len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	} else if out != nil {
		return resp.StatusCode, fmt.Errorf("%w: empty body", ErrMalformed)
	}

	return resp.StatusCode, nil
}

// Analyze 提交分析表单
// POST /api/<domain>/analyze
func (c *Client) Analyze(ctx context.Context, token string, serviceType model.ServiceType, form *dto.AnalyzeForm) (*dto.AnalyzeResponse, error) {
	if err := Validate(form); err != nil {
		return nil, fmt.Errorf("invalid analyze form: %w", err)
	}

	body, contentType, err := encodeForm(form, "")
	if err != nil {
		return nil, err
	}

	var resp dto.AnalyzeResponse
	path := fmt.Sprintf("/api/%s/analyze", serviceType.Domain())
	if _, err := c.do(ctx, http.MethodPost, path, token, body, contentType, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		msg := resp.Message
		if msg == "" {
			msg = "analysis submission rejected"
		}
		return nil, errors.New(msg)
	}
	if err := Validate(&resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &resp, nil
}

// JobStatus 查询任务状态
// GET /api/rag/status/{analysisRequestId}
func (c *Client) JobStatus(ctx context.Context, token, jobID string) (*dto.StatusResponse, error) {
	var resp dto.StatusResponse
	path := "/api/rag/status/" + url.PathEscape(jobID)
	if _, err := c.do(ctx, http.MethodGet, path, token, nil, "", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateOrder 提交表单并创建支付订单
// POST /api/rag/create-rag-report?analysisType=<type>
func (c *Client) CreateOrder(ctx context.Context, token string, serviceType model.ServiceType, form *dto.AnalyzeForm, couponCode string) (*dto.CreateOrderResponse, error) {
	if err := Validate(form); err != nil {
		return nil, fmt.Errorf("invalid analyze form: %w", err)
	}

	body, contentType, err := encodeForm(form, couponCode)
	if err != nil {
		return nil, err
	}

	var resp dto.CreateOrderResponse
	path := "/api/rag/create-rag-report?analysisType=" + url.QueryEscape(string(serviceType))
	if _, err := c.do(ctx, http.MethodPost, path, token, body, contentType, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// VerifyPayment 校验支付，202 表示分析仍在进行
// POST /api/rag/verify-payment
func (c *Client) VerifyPayment(ctx context.Context, token string, req *dto.VerifyPaymentRequest) (*dto.VerifyPaymentResponse, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal verify request: %w", err)
	}

	var resp dto.VerifyPaymentResponse
	status, err := c.do(ctx, http.MethodPost, "/api/rag/verify-payment", token, bytes.NewReader(data), "application/json", &resp)
	if err != nil {
		// 202 可能不带 body
		if status == http.StatusAccepted && errors.Is(err, ErrMalformed) {
			return &dto.VerifyPaymentResponse{Accepted: true, AnalysisRequestID: req.AnalysisRequestID}, nil
		}
		return nil, err
	}
	if status == http.StatusAccepted {
		resp.Accepted = true
	}
	if resp.StillProcessing() && resp.JobID() == "" {
		resp.AnalysisRequestID = req.AnalysisRequestID
	}
	return &resp, nil
}

// ApplyCoupon 校验优惠码
// POST /api/pricing/apply-coupon
func (c *Client) ApplyCoupon(ctx context.Context, token string, req *dto.ApplyCouponRequest) (*dto.ApplyCouponResponse, error) {
	if err := Validate(req); err != nil {
		return nil, fmt.Errorf("invalid coupon request: %w", err)
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal coupon request: %w", err)
	}

	var resp dto.ApplyCouponResponse
	if _, err := c.do(ctx, http.MethodPost, "/api/pricing/apply-coupon", token, bytes.NewReader(data), "application/json", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func encodeForm(form *dto.AnalyzeForm, couponCode string) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := map[string]string{
		"profileUrl":     form.ProfileURL,
		"role":           form.Role,
		"jobDescription": form.JobDescription,
		"compareUrl":     form.CompareURL,
		"couponCode":     couponCode,
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := w.WriteField(k, v); err != nil {
			return nil, "", fmt.Errorf("failed to write form field %s: %w", k, err)
		}
	}

	if form.FileName != "" {
		part, err := w.CreateFormFile("file", form.FileName)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create form file: %w", err)
		}
		if _, err := part.Write(form.File); err != nil {
			return nil, "", fmt.Errorf("failed to write form file: %w", err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close form: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
