package model

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
)

type Protocol string

const (
	ProtocolShadowsocks Protocol = "shadowsocks"
	ProtocolVLESS       Protocol = "vless"
	ProtocolVMess       Protocol = "vmess"
	ProtocolTrojan      Protocol = "trojan"
)

// TLS mirrors the sing-box outbound tls block.
type TLS struct {
	Enabled    bool   `json:"enabled"`
	ServerName string `json:"server_name,omitempty"`
	Insecure   bool   `json:"insecure"`
}

// Transport is the stream layer (tcp, ws, grpc, ...). Host is the ws Host header.
type Transport struct {
	Type string `json:"type,omitempty"`
	Path string `json:"path,omitempty"`
	Host string `json:"host,omitempty"`

	ServiceName string `json:"service_name,omitempty"`
}

type ShadowsocksCredential struct {
	Method     string
	Password   string
	Plugin     string
	PluginOpts string
}

type VLESSCredential struct {
	UUID string
}

type VMessCredential struct {
	UUID     string
	Security string
	AlterID  int
}

type TrojanCredential struct {
	Password string
}

// Account is one parsed proxy endpoint. Exactly one of the credential
// variants is set, matching Protocol.
type Account struct {
	Protocol Protocol
	Tag      string
	Server   string
	Port     int
	RawLink  string

	TLS       TLS
	Transport Transport

	Shadowsocks *ShadowsocksCredential
	VLESS       *VLESSCredential
	VMess       *VMessCredential
	Trojan      *TrojanCredential

	// Lookup aids for embedded-IP extraction. Never emitted.
	WSPath string
	WSHost string
	SSPath string
	SSHost string
}

var ErrInvalidAccount = errors.New("invalid account")

// Credential returns the protocol specific secret (password or uuid).
func (a *Account) Credential() string {
	switch a.Protocol {
	case ProtocolShadowsocks:
		if a.Shadowsocks != nil {
			return a.Shadowsocks.Password
		}
	case ProtocolVLESS:
		if a.VLESS != nil {
			return a.VLESS.UUID
		}
	case ProtocolVMess:
		if a.VMess != nil {
			return a.VMess.UUID
		}
	case ProtocolTrojan:
		if a.Trojan != nil {
			return a.Trojan.Password
		}
	}
	return ""
}

func (a *Account) Validate() error {
	if a.Server == "" {
		return fmt.Errorf("%w: missing server", ErrInvalidAccount)
	}
	if a.Port < 1 || a.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidAccount, a.Port)
	}
	if a.Credential() == "" {
		return fmt.Errorf("%w: missing %s credential", ErrInvalidAccount, a.Protocol)
	}
	if a.Protocol == ProtocolShadowsocks && a.Shadowsocks.Method == "" {
		return fmt.Errorf("%w: missing shadowsocks method", ErrInvalidAccount)
	}
	return nil
}

// LookupPath is the path searched for an embedded backend IP.
func (a *Account) LookupPath() string {
	if a.SSPath != "" {
		return a.SSPath
	}
	return a.WSPath
}

// HostHeader returns the transport Host header, empty when not a ws transport.
func (a *Account) HostHeader() string {
	return a.Transport.Host
}

func (a *Account) SNI() string {
	return a.TLS.ServerName
}

// Clone returns a deep copy.
func (a *Account) Clone() *Account {
	c := *a
	if a.Shadowsocks != nil {
		v := *a.Shadowsocks
		c.Shadowsocks = &v
	}
	if a.VLESS != nil {
		v := *a.VLESS
		c.VLESS = &v
	}
	if a.VMess != nil {
		v := *a.VMess
		c.VMess = &v
	}
	if a.Trojan != nil {
		v := *a.Trojan
		c.Trojan = &v
	}
	return &c
}

var pathIPPattern = regexp.MustCompile(`(\d{1,3}(?:\.\d{1,3}){3})(?:-(\d{1,5}))?`)

// EmbeddedIP finds an "IPv4[-port]" token inside the ws/ss path. Wildcard
// deployments put the real backend there. Port defaults to 443.
func (a *Account) EmbeddedIP() (string, int, bool) {
	return PathIP(a.LookupPath())
}

func PathIP(path string) (string, int, bool) {
	if path == "" {
		return "", 0, false
	}
	for _, m := range pathIPPattern.FindAllStringSubmatch(path, -1) {
		ip := net.ParseIP(m[1])
		if ip == nil || ip.To4() == nil {
			continue
		}
		port := 443
		if m[2] != "" {
			if p, err := strconv.Atoi(m[2]); err == nil && p > 0 && p <= 65535 {
				port = p
			}
		}
		return m[1], port, true
	}
	return "", 0, false
}
