package parser

import (
	"encoding/json"

	"github.com/gvcgo/vpnparser/pkgs/outbound"
)

// outboundFields are the parts of a vpnparser sing-box outbound the account
// is built from.
type outboundFields struct {
	Server   string
	Port     int
	UUID     string
	Password string
	AlterID  int

	TLSEnabled  bool
	ServerName  string
	Transport   string
	Path        string
	Host        string
	ServiceName string
}

// singBoxOutbound mirrors the JSON vpnparser emits for sing-box. Ports and
// ids arrive as numbers or strings depending on the source link.
type singBoxOutbound struct {
	Type       string          `json:"type"`
	Server     string          `json:"server"`
	ServerPort json.RawMessage `json:"server_port"`
	UUID       string          `json:"uuid"`
	Password   string          `json:"password"`
	AlterID    json.RawMessage `json:"alter_id"`
	TLS        *struct {
		Enabled    bool   `json:"enabled"`
		ServerName string `json:"server_name"`
	} `json:"tls"`
	Transport *struct {
		Type        string         `json:"type"`
		Path        string         `json:"path"`
		ServiceName string         `json:"service_name"`
		Headers     map[string]any `json:"headers"`
	} `json:"transport"`
}

// decodeOutbound runs raw through vpnparser. It reports false when the
// library rejects the link or its output cannot be read.
func decodeOutbound(raw string) (outboundFields, bool) {
	item := outbound.ParseRawUriToProxyItem(raw, outbound.SingBox)
	if item == nil {
		return outboundFields{}, false
	}
	f, ok := parseOutboundJSON([]byte(item.GetOutbound()))
	if !ok {
		return outboundFields{}, false
	}
	if item.Address != "" {
		f.Server = item.Address
	}
	if item.Port > 0 {
		f.Port = item.Port
	}
	return f, true
}

func parseOutboundJSON(data []byte) (outboundFields, bool) {
	var ob singBoxOutbound
	if err := json.Unmarshal(data, &ob); err != nil || ob.Type == "" {
		return outboundFields{}, false
	}

	f := outboundFields{
		Server:   ob.Server,
		UUID:     ob.UUID,
		Password: ob.Password,
	}
	if len(ob.ServerPort) > 0 {
		f.Port, _ = flexibleInt(ob.ServerPort)
	}
	if len(ob.AlterID) > 0 {
		f.AlterID, _ = flexibleInt(ob.AlterID)
	}
	if ob.TLS != nil {
		f.TLSEnabled = ob.TLS.Enabled
		f.ServerName = ob.TLS.ServerName
	}
	if t := ob.Transport; t != nil {
		f.Transport = t.Type
		f.Path = t.Path
		f.ServiceName = t.ServiceName
		f.Host = headerValue(t.Headers, "Host")
	}
	return f, true
}

// headerValue reads a header written either as a string or a list.
func headerValue(headers map[string]any, key string) string {
	switch v := headers[key].(type) {
	case string:
		return v
	case []any:
		if len(v) > 0 {
			s, _ := v[0].(string)
			return s
		}
	}
	return ""
}

func (f outboundFields) credential() string {
	return nonEmpty(f.UUID, f.Password)
}
