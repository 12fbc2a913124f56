package parser

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/fyaix/yahaha/internal/model"
)

var (
	ErrUnsupportedScheme = errors.New("unsupported scheme")
	ErrMalformed         = errors.New("malformed link")
)

// ParseError reports why a link produced no account.
type ParseError struct {
	Link string
	Err  error
}

func (e *ParseError) Error() string {
	link := e.Link
	if len(link) > 48 {
		link = link[:48] + "..."
	}
	return fmt.Sprintf("parse %q: %v", link, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

const defaultPort = 443

// ParseLink converts one share link into an Account. A link that cannot be
// fully parsed yields an error and no account.
func ParseLink(raw string) (*model.Account, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, &ParseError{Link: raw, Err: fmt.Errorf("%w: empty link", ErrMalformed)}
	}

	var (
		acc *model.Account
		err error
	)
	switch {
	case strings.HasPrefix(raw, "ss://"):
		acc, err = parseShadowsocks(raw)
	case strings.HasPrefix(raw, "vless://"):
		acc, err = parseURLStyle(raw, model.ProtocolVLESS)
	case strings.HasPrefix(raw, "trojan://"):
		acc, err = parseURLStyle(raw, model.ProtocolTrojan)
	case strings.HasPrefix(raw, "vmess://"):
		acc, err = parseVMess(raw)
	default:
		err = ErrUnsupportedScheme
	}
	if err != nil {
		return nil, &ParseError{Link: raw, Err: err}
	}

	if err := acc.Validate(); err != nil {
		return nil, &ParseError{Link: raw, Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}
	acc.RawLink = raw
	return acc, nil
}

func parseShadowsocks(raw string) (*model.Account, error) {
	body := strings.TrimPrefix(raw, "ss://")

	tag := ""
	if i := strings.Index(body, "#"); i >= 0 {
		tag = unescape(body[i+1:])
		body = body[:i]
	}

	var (
		method, password, host, port string
		query                        url.Values
	)

	// The query may itself contain "@", so the userinfo is only searched
	// for before it.
	head, rawQuery, _ := strings.Cut(body, "?")
	query, _ = url.ParseQuery(rawQuery)

	if at := strings.LastIndex(head, "@"); at >= 0 {
		method, password = splitUserInfo(unescape(head[:at]))
		host, port = splitHostPort(head[at+1:])
	} else {
		decoded, err := decodeBase64(unescape(head))
		if err != nil {
			return nil, fmt.Errorf("%w: shadowsocks payload: %v", ErrMalformed, err)
		}
		userinfo, hostport, found := cutLast(string(decoded), "@")
		if found {
			host, port = splitHostPort(hostport)
		}
		var ok bool
		method, password, ok = strings.Cut(userinfo, ":")
		if !ok {
			return nil, fmt.Errorf("%w: shadowsocks payload lacks method:password", ErrMalformed)
		}
		if host == "" {
			host = query.Get("server")
		}
		if port == "" {
			port = query.Get("port")
		}
	}

	portNum, err := parsePort(port)
	if err != nil {
		return nil, err
	}

	cred := &model.ShadowsocksCredential{Method: method, Password: password}
	if opts := pluginOptions(query); len(opts) > 0 {
		cred.Plugin = "v2ray-plugin"
		cred.PluginOpts = strings.Join(opts, ";")
	}

	if tag == "" {
		tag = host
	}
	return &model.Account{
		Protocol:    model.ProtocolShadowsocks,
		Tag:         tag,
		Server:      host,
		Port:        portNum,
		Shadowsocks: cred,
		SSPath:      query.Get("path"),
		SSHost:      query.Get("host"),
	}, nil
}

// pluginOptions maps v2ray-plugin style query parameters to plugin_opts entries.
func pluginOptions(q url.Values) []string {
	var opts []string
	if q.Get("type") == "ws" {
		opts = append(opts, "mux=0")
	}
	if q.Has("path") {
		opts = append(opts, "path="+q.Get("path"))
	}
	if q.Has("host") {
		opts = append(opts, "host="+q.Get("host"))
	}
	if q.Get("security") == "tls" {
		opts = append(opts, "tls")
	}
	if q.Has("sni") {
		opts = append(opts, "sni="+q.Get("sni"))
	}
	if q.Has("encryption") {
		opts = append(opts, "encryption="+q.Get("encryption"))
	}
	return opts
}

// splitUserInfo decodes a base64 "method:password" and falls back to the
// literal text when it is not valid base64.
func splitUserInfo(base string) (string, string) {
	if decoded, err := decodeBase64(base); err == nil && utf8.Valid(decoded) {
		if method, password, ok := strings.Cut(string(decoded), ":"); ok {
			return method, password
		}
	}
	method, password, _ := strings.Cut(base, ":")
	return method, password
}

// parseURLStyle reads vless and trojan links. vpnparser supplies the
// endpoint, credential and explicit TLS and transport settings; the query
// supplies the defaults it does not apply: TLS on, ws transport, and the
// server as SNI and Host.
func parseURLStyle(raw string, proto model.Protocol) (*model.Account, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if u.User == nil {
		return nil, fmt.Errorf("%w: missing credential", ErrMalformed)
	}
	port, err := parsePort(u.Port())
	if err != nil {
		return nil, err
	}
	q := u.Query()

	ob, ok := decodeOutbound(raw)
	if !ok {
		slog.Debug("vpnparser_rejected_link", "scheme", proto)
	}
	host := nonEmpty(ob.Server, u.Hostname())
	if ob.Port > 0 {
		port = ob.Port
	}

	security := q.Get("security")
	acc := &model.Account{
		Protocol: proto,
		Tag:      nonEmpty(u.Fragment, host),
		Server:   host,
		Port:     port,
		TLS: model.TLS{
			Enabled:    security == "" || (ok && ob.TLSEnabled) || (!ok && security == "tls"),
			ServerName: host,
			Insecure:   q.Get("allowInsecure") == "true",
		},
	}
	if sni := q.Get("sni"); sni != "" {
		acc.TLS.ServerName = nonEmpty(ob.ServerName, sni)
	}

	credential := nonEmpty(ob.credential(), u.User.Username())
	switch proto {
	case model.ProtocolVLESS:
		acc.VLESS = &model.VLESSCredential{UUID: credential}
	case model.ProtocolTrojan:
		acc.Trojan = &model.TrojanCredential{Password: credential}
	}

	network := "ws"
	if t := q.Get("type"); t != "" {
		network = nonEmpty(ob.Transport, t)
	}
	switch network {
	case "ws":
		path := ""
		if q.Has("path") {
			path = nonEmpty(ob.Path, q.Get("path"))
		}
		wsHost := ""
		if q.Get("host") != "" {
			wsHost = nonEmpty(ob.Host, q.Get("host"))
		}
		acc.Transport = model.Transport{Type: "ws", Path: path, Host: nonEmpty(wsHost, host)}
		acc.WSPath = path
		acc.WSHost = wsHost
	case "grpc":
		acc.Transport = model.Transport{Type: "grpc", ServiceName: nonEmpty(ob.ServiceName, q.Get("serviceName"))}
	default:
		acc.Transport = model.Transport{Type: network}
	}
	return acc, nil
}

// vmessLink is the v2rayN share format. Numbers arrive as either JSON
// numbers or strings depending on the generator.
type vmessLink struct {
	PS   string          `json:"ps"`
	Add  string          `json:"add"`
	Port json.RawMessage `json:"port"`
	ID   string          `json:"id"`
	Aid  json.RawMessage `json:"aid"`
	Scy  string          `json:"scy"`
	Net  string          `json:"net"`
	Host string          `json:"host"`
	Path string          `json:"path"`
	TLS  string          `json:"tls"`
	SNI  string          `json:"sni"`
}

// parseVMess validates the share JSON itself, then takes the structure from
// vpnparser with the share fields as fallback.
func parseVMess(raw string) (*model.Account, error) {
	payload := strings.TrimSpace(strings.TrimPrefix(raw, "vmess://"))
	decoded, err := decodeBase64(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: vmess payload: %v", ErrMalformed, err)
	}

	var link vmessLink
	if err := json.Unmarshal(decoded, &link); err != nil {
		return nil, fmt.Errorf("%w: vmess json: %v", ErrMalformed, err)
	}
	if link.Add == "" || link.ID == "" || len(link.Port) == 0 {
		return nil, fmt.Errorf("%w: vmess requires add, port and id", ErrMalformed)
	}

	port, err := flexibleInt(link.Port)
	if err != nil {
		return nil, fmt.Errorf("%w: vmess port: %v", ErrMalformed, err)
	}
	alterID := 0
	if len(link.Aid) > 0 {
		if alterID, err = flexibleInt(link.Aid); err != nil {
			return nil, fmt.Errorf("%w: vmess aid: %v", ErrMalformed, err)
		}
	}

	ob, ok := decodeOutbound(raw)
	if !ok {
		slog.Debug("vpnparser_rejected_link", "scheme", model.ProtocolVMess)
	}
	server := nonEmpty(ob.Server, link.Add)
	if ob.Port > 0 {
		port = ob.Port
	}
	if len(link.Aid) == 0 {
		alterID = ob.AlterID
	}

	acc := &model.Account{
		Protocol: model.ProtocolVMess,
		Tag:      nonEmpty(link.PS, server),
		Server:   server,
		Port:     port,
		VMess: &model.VMessCredential{
			UUID:     nonEmpty(ob.UUID, link.ID),
			Security: nonEmpty(link.Scy, "auto"),
			AlterID:  alterID,
		},
		TLS: model.TLS{
			Enabled:    link.TLS == "tls" || (ok && ob.TLSEnabled),
			ServerName: server,
		},
	}
	if link.SNI != "" {
		acc.TLS.ServerName = nonEmpty(ob.ServerName, link.SNI)
	}

	switch network := nonEmpty(ob.Transport, link.Net, "tcp"); network {
	case "ws":
		path := nonEmpty(ob.Path, link.Path, "/")
		wsHost := nonEmpty(ob.Host, link.Host)
		acc.Transport = model.Transport{Type: "ws", Path: path, Host: nonEmpty(wsHost, server)}
		acc.WSPath = path
		acc.WSHost = wsHost
	case "grpc":
		acc.Transport = model.Transport{Type: "grpc", ServiceName: nonEmpty(ob.ServiceName, link.Path)}
	default:
		acc.Transport = model.Transport{Type: network}
	}
	return acc, nil
}

// decodeBase64 repairs missing padding and accepts both alphabets.
func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty base64 payload")
	}
	if rem := len(s) % 4; rem != 0 {
		s += strings.Repeat("=", 4-rem)
	}
	decoded, err := base64.URLEncoding.DecodeString(s)
	if err == nil {
		return decoded, nil
	}
	if decoded, err2 := base64.StdEncoding.DecodeString(s); err2 == nil {
		return decoded, nil
	}
	return nil, err
}

func flexibleInt(raw json.RawMessage) (int, error) {
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("not a number: %s", string(raw))
	}
	if s = strings.TrimSpace(s); s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func parsePort(s string) (int, error) {
	if s == "" {
		return defaultPort, nil
	}
	p, err := strconv.Atoi(s)
	if err != nil || p < 1 || p > 65535 {
		return 0, fmt.Errorf("%w: invalid port %q", ErrMalformed, s)
	}
	return p, nil
}

func splitHostPort(hostport string) (string, string) {
	if host, port, err := net.SplitHostPort(hostport); err == nil {
		return host, port
	}
	return strings.Trim(hostport, "[]"), ""
}

func cutLast(s, sep string) (before, after string, found bool) {
	if i := strings.LastIndex(s, sep); i >= 0 {
		return s[:i], s[i+len(sep):], true
	}
	return s, "", false
}

// nonEmpty returns the first non-empty value.
func nonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func unescape(s string) string {
	if u, err := url.PathUnescape(s); err == nil {
		return u
	}
	return s
}
