// Package aliyunsms delivers the SMS channel through Alibaba Cloud SMS.
package aliyunsms

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openapi "github.com/alibabacloud-go/darabonba-openapi/v2/client"
	dysmsapi "github.com/alibabacloud-go/dysmsapi-20170525/v4/client"
	"github.com/alibabacloud-go/tea/tea"
	"github.com/bytedance/sonic"

	"herald/internal/delivery"
)

const OK = "OK"

type Config struct {
	RegionID        string
	AccessKeyID     string
	AccessKeySecret string
	Endpoint        string
	SignName        string
	TemplateCode    string

	// ParamKey is the template variable that receives the message text.
	ParamKey string
	// MaxRunes truncates the text placed into the template.
	MaxRunes int
}

// api is the subset of the dysmsapi client used here.
type api interface {
	SendSms(request *dysmsapi.SendSmsRequest) (*dysmsapi.SendSmsResponse, error)
}

type Gateway struct {
	cfg    Config
	client api
}

func New(cfg Config) (*Gateway, error) {
	if cfg.AccessKeyID == "" || cfg.AccessKeySecret == "" {
		return nil, errors.New("aliyun sms credentials are empty")
	}
	if cfg.SignName == "" || cfg.TemplateCode == "" {
		return nil, errors.New("aliyun sms sign name and template code are required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "dysmsapi.aliyuncs.com"
	}
	client, err := dysmsapi.NewClient(&openapi.Config{
		AccessKeyId:     tea.String(cfg.AccessKeyID),
		AccessKeySecret: tea.String(cfg.AccessKeySecret),
		RegionId:        tea.String(cfg.RegionID),
		Endpoint:        tea.String(endpoint),
	})
	if err != nil {
		return nil, err
	}
	return newWithClient(cfg, client), nil
}

func newWithClient(cfg Config, client api) *Gateway {
	if cfg.ParamKey == "" {
		cfg.ParamKey = "content"
	}
	if cfg.MaxRunes <= 0 {
		cfg.MaxRunes = 300
	}
	return &Gateway{cfg: cfg, client: client}
}

func (g *Gateway) Name() string { return "aliyunsms" }

func (g *Gateway) Send(ctx context.Context, recipient string, msg delivery.Message) error {
	phone := strings.TrimSpace(recipient)
	if phone == "" {
		return delivery.Permanent(errors.New("empty phone number"))
	}
	param, err := sonic.Marshal(map[string]string{g.cfg.ParamKey: truncate(msg.Text, g.cfg.MaxRunes)})
	if err != nil {
		return delivery.Permanent(fmt.Errorf("encode template param: %w", err))
	}
	req := &dysmsapi.SendSmsRequest{
		PhoneNumbers:  tea.String(phone),
		SignName:      tea.String(g.cfg.SignName),
		TemplateCode:  tea.String(g.cfg.TemplateCode),
		TemplateParam: tea.String(string(param)),
		OutId:         tea.String(msg.TaskID),
	}

	// The SDK call is not context aware; abandon it when ctx ends.
	type result struct {
		resp *dysmsapi.SendSmsResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := g.client.SendSms(req)
		done <- result{resp: resp, err: err}
	}()

	select {
	case <-ctx.Done():
		return delivery.Transient(fmt.Errorf("aliyun sms: %w", ctx.Err()))
	case r := <-done:
		if r.err != nil {
			return classifySDK(r.err)
		}
		if r.resp == nil || r.resp.Body == nil || r.resp.Body.Code == nil {
			return delivery.Transient(errors.New("aliyun sms: empty response"))
		}
		if code := *r.resp.Body.Code; code != OK {
			return classifyCode(code, tea.StringValue(r.resp.Body.Message))
		}
		return nil
	}
}

// Business error codes that no retry can fix.
var permanentCodes = map[string]bool{
	"isv.MOBILE_NUMBER_ILLEGAL":         true,
	"isv.MOBILE_COUNT_OVER_LIMIT":       true,
	"isv.INVALID_PARAMETERS":            true,
	"isv.TEMPLATE_MISSING_PARAMETERS":   true,
	"isv.SMS_TEMPLATE_ILLEGAL":          true,
	"isv.SMS_SIGNATURE_ILLEGAL":         true,
	"isv.BLACK_KEY_CONTROL_LIMIT":       true,
	"isv.PARAM_LENGTH_LIMIT":            true,
	"isv.AMOUNT_NOT_ENOUGH":             true,
	"isv.ACCOUNT_NOT_EXISTS":            true,
	"isv.ACCOUNT_ABNORMAL":              true,
	"isv.DENY_IP_RANGE":                 true,
	"isv.SMS_CONTENT_ILLEGAL":           true,
	"isv.SMS_SIGN_ILLEGAL":              true,
	"isp.RAM_PERMISSION_DENY":           true,
	"InvalidAccessKeyId.NotFound":       true,
	"SignatureDoesNotMatch":             true,
	"isv.EXTEND_CODE_ERROR":             true,
	"isv.DOMESTIC_NUMBER_NOT_SUPPORTED": true,
}

func classifyCode(code, message string) error {
	err := fmt.Errorf("aliyun sms %s: %s", code, message)
	switch {
	case permanentCodes[code]:
		return delivery.Permanent(err)
	case code == "isv.BUSINESS_LIMIT_CONTROL":
		return delivery.RetryAfter(err, time.Hour)
	}
	return delivery.Transient(err)
}

func classifySDK(err error) error {
	var sdkErr *tea.SDKError
	if errors.As(err, &sdkErr) {
		code := tea.StringValue(sdkErr.Code)
		if permanentCodes[code] {
			return delivery.Permanent(err)
		}
		status := tea.IntValue(sdkErr.StatusCode)
		if status >= 400 && status < 500 && status != 429 {
			return delivery.Permanent(err)
		}
	}
	return delivery.Transient(err)
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
