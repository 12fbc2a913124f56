package assembler

import (
	"strconv"
	"strings"

	"github.com/fyaix/yahaha/internal/dedup"
	"github.com/fyaix/yahaha/internal/model"
)

// Outbound is one sing-box outbound record.
type Outbound map[string]any

func (o Outbound) Tag() string {
	s, _ := o["tag"].(string)
	return s
}

// FromAccount renders an account in sing-box outbound shape. Lookup aids on
// the account are never part of the record.
func FromAccount(acc *model.Account) Outbound {
	out := Outbound{
		"type":        string(acc.Protocol),
		"tag":         acc.Tag,
		"server":      acc.Server,
		"server_port": acc.Port,
	}

	switch acc.Protocol {
	case model.ProtocolShadowsocks:
		ss := acc.Shadowsocks
		out["method"] = ss.Method
		out["password"] = ss.Password
		if ss.Plugin != "" {
			out["plugin"] = ss.Plugin
			out["plugin_opts"] = ss.PluginOpts
		}
		return out
	case model.ProtocolVLESS:
		out["uuid"] = acc.VLESS.UUID
	case model.ProtocolVMess:
		out["uuid"] = acc.VMess.UUID
		out["security"] = acc.VMess.Security
		out["alter_id"] = acc.VMess.AlterID
	case model.ProtocolTrojan:
		out["password"] = acc.Trojan.Password
	}

	if acc.TLS.Enabled {
		tls := map[string]any{"enabled": true, "insecure": acc.TLS.Insecure}
		if acc.TLS.ServerName != "" {
			tls["server_name"] = acc.TLS.ServerName
		}
		out["tls"] = tls
	}
	if t := transport(acc.Transport); t != nil {
		out["transport"] = t
	}
	return out
}

func transport(t model.Transport) map[string]any {
	switch t.Type {
	case "ws":
		m := map[string]any{"type": "ws", "path": t.Path}
		if t.Host != "" {
			m["headers"] = map[string]any{"Host": t.Host}
		}
		return m
	case "grpc":
		return map[string]any{"type": "grpc", "service_name": t.ServiceName}
	case "", "tcp":
		return nil
	default:
		return map[string]any{"type": t.Type}
	}
}

var skipTags = map[string]bool{"direct": true, "block": true, "dns-out": true}

// ExtractAccounts pulls proxy outbounds already present in a template so
// they can be tested alongside new links. Selectors and built-in outbounds
// are skipped, as are records that do not form a valid account.
func ExtractAccounts(template map[string]any) []*model.Account {
	list, ok := template["outbounds"].([]any)
	if !ok {
		return nil
	}

	var accounts []*model.Account
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		tag := str(m["tag"])
		if skipTags[tag] {
			continue
		}
		acc := toAccount(m)
		if acc == nil || acc.Validate() != nil {
			continue
		}
		accounts = append(accounts, acc)
	}
	return accounts
}

// Prune removes the template outbounds whose account key is in keys and
// drops their tags from every selector. It returns the number removed.
func Prune(template map[string]any, keys map[string]bool) int {
	list, ok := template["outbounds"].([]any)
	if !ok || len(keys) == 0 {
		return 0
	}

	removed := make(map[string]bool)
	kept := make([]any, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if ok && !skipTags[str(m["tag"])] {
			if acc := toAccount(m); acc != nil && keys[dedup.Key(acc)] {
				removed[acc.Tag] = true
				continue
			}
		}
		kept = append(kept, item)
	}
	if len(removed) == 0 {
		return 0
	}

	for _, item := range kept {
		m, ok := item.(map[string]any)
		if !ok || str(m["type"]) != "selector" {
			continue
		}
		members, _ := m["outbounds"].([]any)
		left := make([]any, 0, len(members))
		for _, member := range members {
			if tag, ok := member.(string); ok && removed[tag] {
				continue
			}
			left = append(left, member)
		}
		m["outbounds"] = left
	}
	template["outbounds"] = kept
	return len(list) - len(kept)
}

func toAccount(m map[string]any) *model.Account {
	acc := &model.Account{
		Protocol: model.Protocol(str(m["type"])),
		Tag:      str(m["tag"]),
		Server:   str(m["server"]),
		Port:     num(m["server_port"]),
	}

	switch acc.Protocol {
	case model.ProtocolShadowsocks:
		acc.Shadowsocks = &model.ShadowsocksCredential{
			Method:     str(m["method"]),
			Password:   str(m["password"]),
			Plugin:     str(m["plugin"]),
			PluginOpts: str(m["plugin_opts"]),
		}
		for _, opt := range strings.Split(acc.Shadowsocks.PluginOpts, ";") {
			k, v, _ := strings.Cut(opt, "=")
			switch k {
			case "path":
				acc.SSPath = v
			case "host":
				acc.SSHost = v
			}
		}
		return acc
	case model.ProtocolVLESS:
		acc.VLESS = &model.VLESSCredential{UUID: str(m["uuid"])}
	case model.ProtocolVMess:
		acc.VMess = &model.VMessCredential{
			UUID:     str(m["uuid"]),
			Security: str(m["security"]),
			AlterID:  num(m["alter_id"]),
		}
	case model.ProtocolTrojan:
		acc.Trojan = &model.TrojanCredential{Password: str(m["password"])}
	default:
		return nil
	}

	if tls, ok := m["tls"].(map[string]any); ok {
		acc.TLS = model.TLS{
			Enabled:    tls["enabled"] == true,
			ServerName: str(tls["server_name"]),
			Insecure:   tls["insecure"] == true,
		}
	}
	if t, ok := m["transport"].(map[string]any); ok {
		acc.Transport = model.Transport{
			Type:        str(t["type"]),
			Path:        str(t["path"]),
			ServiceName: str(t["service_name"]),
		}
		if h, ok := t["headers"].(map[string]any); ok {
			acc.Transport.Host = str(h["Host"])
		}
		if acc.Transport.Type == "ws" {
			acc.WSPath = acc.Transport.Path
			acc.WSHost = acc.Transport.Host
		}
	}
	return acc
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

// num accepts the number types JSON and YAML decoders produce.
func num(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	}
	return 0
}
