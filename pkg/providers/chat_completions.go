package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const defaultHTTPTimeout = 120 * time.Second

type chatCompletionsProvider struct {
	providerName string
	apiBase      string
	defaultModel string
	maxTokens    int
	auth         AuthStrategy
	httpClient   *http.Client
	extraHeaders map[string]string
}

func newChatCompletionsProvider(providerName, apiBase, defaultModel, proxy string, auth AuthStrategy, extraHeaders map[string]string) (*chatCompletionsProvider, error) {
	providerName = strings.TrimSpace(strings.ToLower(providerName))
	if providerName == "" {
		return nil, fmt.Errorf("provider name is required")
	}
	apiBase = strings.TrimRight(strings.TrimSpace(apiBase), "/")
	if apiBase == "" {
		return nil, fmt.Errorf("%s API base not configured", providerName)
	}
	if auth == nil {
		return nil, fmt.Errorf("%s auth is not configured", providerName)
	}

	client := &http.Client{Timeout: defaultHTTPTimeout}
	proxy = strings.TrimSpace(proxy)
	if proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("parse %s proxy: %w", providerName, err)
		}
		client.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}

	cleanHeaders := map[string]string{}
	for k, v := range extraHeaders {
		name := strings.TrimSpace(k)
		value := strings.TrimSpace(v)
		if name == "" || value == "" {
			continue
		}
		cleanHeaders[name] = value
	}

	return &chatCompletionsProvider{
		providerName: providerName,
		apiBase:      apiBase,
		defaultModel: strings.TrimSpace(defaultModel),
		auth:         auth,
		httpClient:   client,
		extraHeaders: cleanHeaders,
	}, nil
}

func (p *chatCompletionsProvider) Complete(ctx context.Context, req Request) (Completion, error) {
	if p == nil {
		return Completion{}, fmt.Errorf("provider not initialized")
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = p.defaultModel
	}

	messages := make([]chatMessage, 0, 2)
	if strings.TrimSpace(req.System) != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.User})

	requestBody := map[string]interface{}{
		"model":    model,
		"messages": messages,
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}
	if maxTokens > 0 {
		requestBody["max_tokens"] = maxTokens
	}

	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return Completion{}, fmt.Errorf("marshal %s request: %w", p.providerName, err)
	}

	endpoint := p.apiBase + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return Completion{}, fmt.Errorf("create %s request: %w", p.providerName, err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if err := p.auth.Apply(httpReq); err != nil {
		return Completion{}, fmt.Errorf("apply %s auth: %w", p.providerName, err)
	}
	for name, value := range p.extraHeaders {
		httpReq.Header.Set(name, value)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return Completion{}, fmt.Errorf("send %s request: %w", p.providerName, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Completion{}, fmt.Errorf("read %s response: %w", p.providerName, err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		msg := augmentProviderError(p.providerName, extractAPIError(body))
		return Completion{}, fmt.Errorf("%s API request failed: status=%d error=%s", p.providerName, resp.StatusCode, msg)
	}

	result, err := parseChatCompletionsResponse(body)
	if err != nil {
		return Completion{}, fmt.Errorf("parse %s response: %w", p.providerName, err)
	}
	if result.Model == "" {
		result.Model = model
	}
	return result, nil
}

func parseChatCompletionsResponse(body []byte) (Completion, error) {
	if !gjson.ValidBytes(body) {
		return Completion{}, fmt.Errorf("response is not valid JSON")
	}
	res := gjson.ParseBytes(body)
	out := Completion{Model: res.Get("model").String()}

	usage := res.Get("usage")
	out.TokensUsed = int(usage.Get("total_tokens").Int())
	if out.TokensUsed <= 0 {
		out.TokensUsed = int(usage.Get("prompt_tokens").Int() + usage.Get("completion_tokens").Int())
	}

	content := res.Get("choices.0.message.content")
	if !content.IsArray() {
		out.Text = content.String()
		return out, nil
	}
	// Some routes return content parts instead of a plain string.
	var b strings.Builder
	content.ForEach(func(_, part gjson.Result) bool {
		if text := part.Get("text"); text.Exists() {
			b.WriteString(text.String())
		} else if inner := part.Get("content"); inner.Type == gjson.String {
			b.WriteString(inner.String())
		}
		return true
	})
	out.Text = b.String()
	return out, nil
}

func extractAPIError(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return "empty response body"
	}
	if gjson.Valid(trimmed) {
		for _, path := range []string{"error.message", "message"} {
			if msg := strings.TrimSpace(gjson.Get(trimmed, path).String()); msg != "" {
				return msg
			}
		}
	}
	if len(trimmed) > 2000 {
		return trimmed[:2000] + "..."
	}
	return trimmed
}
