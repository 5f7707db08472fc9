// Copyright 2024 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package usage

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Normalized service tags. The set is closed; anything the detector cannot
// classify is tagged ServiceUnknown.
const (
	ServiceOpenAI         = "openai"
	ServiceClaude         = "claude"
	ServiceGoogle         = "google"
	ServiceGoogleCalendar = "google_calendar"
	ServiceGitHub         = "github"
	ServiceGitLab         = "gitlab"
	ServiceCoolify        = "coolify"
	ServicePocketBase     = "pocketbase"
	ServiceUnknown        = "unknown"
)

// serviceHosts maps request hosts to service tags. Order matters: entries
// are checked first to last so more specific hosts must come before their
// broader suffixes (calendar.googleapis.com before googleapis.com).
var serviceHosts = []struct {
	host    string
	service string
}{
	{"api.openai.com", ServiceOpenAI},
	{"api.anthropic.com", ServiceClaude},
	{"calendar.googleapis.com", ServiceGoogleCalendar},
	{"googleapis.com", ServiceGoogle},
	{"accounts.google.com", ServiceGoogle},
	{"api.github.com", ServiceGitHub},
	{"github.com", ServiceGitHub},
	{"gitlab.com", ServiceGitLab},
	{"coolify.io", ServiceCoolify},
	{"pocketbase.io", ServicePocketBase},
}

// DetectService maps an outbound request to a normalized service tag based
// on its host. Matching is case-insensitive exact-host-or-suffix. When the
// host matches nothing and hint is non-empty, the hint (typically the
// service recorded on the credential context) is returned instead.
func DetectService(req *http.Request, hint string) string {
	host := strings.ToLower(req.URL.Hostname())
	if host == "" {
		if h, _, err := net.SplitHostPort(strings.ToLower(req.Host)); err == nil {
			host = h
		} else {
			host = strings.ToLower(req.Host)
		}
	}

	for _, entry := range serviceHosts {
		if host == entry.host || strings.HasSuffix(host, "."+entry.host) {
			return entry.service
		}
	}

	if hint != "" {
		return hint
	}
	return ServiceUnknown
}

// TokenUsageParser extracts the number of tokens a service reported
// consuming from a buffered response body. Parsers are pure: they never
// mutate the bytes and carry no state between calls.
type TokenUsageParser interface {
	ParseTokensUsed(body []byte) (int64, error)
}

// ParserFor returns the token usage parser for the given service tag.
// Services without a token accounting concept get a parser that always
// returns zero.
func ParserFor(service string) TokenUsageParser {
	switch service {
	case ServiceOpenAI:
		return openAIUsageParser{}
	case ServiceClaude:
		return claudeUsageParser{}
	}
	return noUsageParser{}
}

// openAIUsageParser reads the usage block of an OpenAI completion response.
type openAIUsageParser struct{}

func (openAIUsageParser) ParseTokensUsed(body []byte) (int64, error) {
	var resp struct {
		Usage struct {
			TotalTokens int64 `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("failed to parse openai usage: %w", err)
	}
	return resp.Usage.TotalTokens, nil
}

// claudeUsageParser reads the usage block of an Anthropic messages
// response, which reports input and output tokens separately.
type claudeUsageParser struct{}

func (claudeUsageParser) ParseTokensUsed(body []byte) (int64, error) {
	var resp struct {
		Usage struct {
			InputTokens  int64 `json:"input_tokens"`
			OutputTokens int64 `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("failed to parse claude usage: %w", err)
	}
	return resp.Usage.InputTokens + resp.Usage.OutputTokens, nil
}

type noUsageParser struct{}

func (noUsageParser) ParseTokensUsed(body []byte) (int64, error) {
	return 0, nil
}
