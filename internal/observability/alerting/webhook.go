package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// DingTalkWebhookSender 通过自定义机器人 Webhook 推送文本消息。
type DingTalkWebhookSender struct {
	URL    string
	Client *http.Client
}

// Send 实现 DingTalkSender。
func (s *DingTalkWebhookSender) Send(ctx context.Context, content string) error {
	payload := map[string]any{
		"msgtype": "text",
		"text":    map[string]string{"content": content},
	}
	return postJSON(ctx, s.client(), s.URL, payload)
}

func (s *DingTalkWebhookSender) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return defaultWebhookClient
}

// SlackWebhookSender 通过 Incoming Webhook 推送消息。
type SlackWebhookSender struct {
	URL    string
	Client *http.Client
}

// Send 实现 SlackSender。
func (s *SlackWebhookSender) Send(ctx context.Context, channel, content string) error {
	payload := map[string]string{"text": content}
	if channel != "" {
		payload["channel"] = channel
	}
	return postJSON(ctx, s.client(), s.URL, payload)
}

func (s *SlackWebhookSender) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return defaultWebhookClient
}

var defaultWebhookClient = &http.Client{Timeout: 10 * time.Second}

func postJSON(ctx context.Context, client *http.Client, url string, payload any) error {
	if url == "" {
		return fmt.Errorf("webhook url 未配置")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("编码 webhook 消息失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook 响应异常: %s", resp.Status)
	}
	return nil
}
