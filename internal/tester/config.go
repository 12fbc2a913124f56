package tester

import (
	"encoding/json"
	"fmt"

	"github.com/gvcgo/vpnparser/pkgs/outbound"

	"github.com/fyaix/yahaha/internal/assembler"
	"github.com/fyaix/yahaha/internal/model"
)

// SingBoxConfig is the minimal structure sing-box expects
type SingBoxConfig struct {
	Log       LogConfig       `json:"log"`
	Inbounds  []InboundConfig `json:"inbounds"`
	Outbounds []any           `json:"outbounds"`
}

type LogConfig struct {
	Level    string `json:"level"`
	Disabled bool   `json:"disabled"`
}

type InboundConfig struct {
	Type       string `json:"type"`
	Tag        string `json:"tag"`
	Listen     string `json:"listen"`
	ListenPort int    `json:"listen_port"`
}

const proxyTag = "proxy"

// GenerateConfig builds a sing-box config with a local mixed inbound in
// front of the account. Raw links go through vpnparser; accounts without one,
// or links it rejects, are rendered from the typed account.
func GenerateConfig(acc *model.Account, localPort int) ([]byte, error) {
	ob, err := singBoxOutbound(acc)
	if err != nil {
		return nil, err
	}
	ob["tag"] = proxyTag

	config := SingBoxConfig{
		Log: LogConfig{Level: "panic", Disabled: true},
		Inbounds: []InboundConfig{{
			Type:       "mixed",
			Tag:        "in-local",
			Listen:     "127.0.0.1",
			ListenPort: localPort,
		}},
		Outbounds: []any{
			ob,
			map[string]string{"type": "direct", "tag": "direct"},
		},
	}
	return json.MarshalIndent(config, "", "  ")
}

func singBoxOutbound(acc *model.Account) (map[string]any, error) {
	if acc.RawLink != "" {
		if item := outbound.ParseRawUriToProxyItem(acc.RawLink, outbound.SingBox); item != nil {
			var ob map[string]any
			if err := json.Unmarshal([]byte(item.GetOutbound()), &ob); err == nil && ob["type"] != nil {
				return ob, nil
			}
		}
	}
	if err := acc.Validate(); err != nil {
		return nil, fmt.Errorf("render outbound: %w", err)
	}
	return assembler.FromAccount(acc), nil
}
