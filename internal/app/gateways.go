package app

import (
	"fmt"

	"herald/internal/config"
	"herald/internal/delivery"
	"herald/internal/gateway/aliyunsms"
	"herald/internal/gateway/console"
	"herald/internal/gateway/telegram"
	"herald/internal/gateway/voice"
	"herald/internal/task"
	"herald/pkg/logx"
)

// buildGateways constructs the configured channel gateways, each wrapped in
// a rate limiter and a tracing span. A real gateway replaces a console one
// configured for the same channel.
func buildGateways(cfg *config.Config, log logx.Logger) (map[task.Channel]delivery.Gateway, error) {
	out := map[task.Channel]delivery.Gateway{}
	for _, ch := range cfg.Gateways.Console {
		out[ch] = delivery.Traced(console.New("console-"+string(ch), log.With(logx.String("comp", "gateway.console"))))
	}

	g := cfg.Gateways
	if tc := g.Telegram; tc != nil && tc.Token != "" {
		gw, err := telegram.New(telegram.Config{
			Token:          tc.Token,
			APIURL:         tc.APIURL,
			RequestTimeout: config.DurationOr(tc.RequestTimeout, 0),
			DisablePreview: tc.DisablePreview,
		}, log.With(logx.String("comp", "gateway.telegram")))
		if err != nil {
			return nil, fmt.Errorf("telegram gateway: %w", err)
		}
		out[task.ChannelChat] = delivery.Traced(delivery.Throttle(gw, tc.RatePerSec, tc.Burst))
	}
	if sc := g.SMS; sc != nil {
		gw, err := aliyunsms.New(aliyunsms.Config{
			RegionID:        sc.RegionID,
			AccessKeyID:     sc.AccessKeyID,
			AccessKeySecret: sc.AccessKeySecret,
			Endpoint:        sc.Endpoint,
			SignName:        sc.SignName,
			TemplateCode:    sc.TemplateCode,
			ParamKey:        sc.ParamKey,
			MaxRunes:        sc.MaxRunes,
		})
		if err != nil {
			return nil, fmt.Errorf("sms gateway: %w", err)
		}
		out[task.ChannelSMS] = delivery.Traced(delivery.Throttle(gw, sc.RatePerSec, sc.Burst))
	}
	if vc := g.Voice; vc != nil {
		gw, err := voice.New(voice.Config{
			URL:     vc.URL,
			Token:   vc.Token,
			Voice:   vc.Voice,
			Timeout: config.DurationOr(vc.Timeout, 0),
		})
		if err != nil {
			return nil, fmt.Errorf("voice gateway: %w", err)
		}
		out[task.ChannelVoice] = delivery.Traced(delivery.Throttle(gw, vc.RatePerSec, vc.Burst))
	}
	return out, nil
}
