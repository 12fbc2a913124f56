package assembler

import (
	"bytes"
	"encoding/json"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyaix/yahaha/internal/dedup"
	"github.com/fyaix/yahaha/internal/model"
)

func alive(country, provider, server string) *model.TestResult {
	acc := &model.Account{
		Protocol:  model.ProtocolVLESS,
		Tag:       "orig",
		Server:    server,
		Port:      443,
		VLESS:     &model.VLESSCredential{UUID: "uuid-" + server},
		TLS:       model.TLS{Enabled: true, ServerName: "sni." + server},
		Transport: model.Transport{Type: "ws", Path: "/ws", Host: "host." + server},
		WSPath:    "/ws",
	}
	r := model.NewTestResult(0, acc)
	r.Status = model.StatusAlive
	r.Country = country
	r.Provider = provider
	return r
}

func TestAssignCounts(t *testing.T) {
	pool := []string{"a", "b", "c"}
	servers := Assign(7, pool, rand.New(rand.NewSource(1)))
	require.Len(t, servers, 7)

	counts := map[string]int{}
	for _, s := range servers {
		counts[s]++
	}
	assert.Equal(t, map[string]int{"a": 3, "b": 2, "c": 2}, counts)

	assert.Nil(t, Assign(7, nil, nil))
	assert.Nil(t, Assign(0, pool, nil))
}

func TestAssignProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("shares differ by at most one and sum to n", prop.ForAll(
		func(n, p int, seed int64) bool {
			pool := make([]string, p)
			for i := range pool {
				pool[i] = string(rune('a' + i))
			}
			servers := Assign(n, pool, rand.New(rand.NewSource(seed)))
			if len(servers) != n {
				return false
			}
			counts := map[string]int{}
			for _, s := range servers {
				counts[s]++
			}
			for i, s := range pool {
				want := n / p
				if i < n%p {
					want++
				}
				if counts[s] != want {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 200), gen.IntRange(1, 20), gen.Int64(),
	))

	properties.TestingRun(t)
}

func TestSortPriority(t *testing.T) {
	a := New()
	in := []*model.TestResult{
		alive("DE", "x", "1"),
		alive("US", "x", "2"),
		alive("ID", "x", "3"),
		alive("BR", "x", "4"),
		alive("SG", "x", "5"),
		alive("ID", "x", "6"),
	}
	var got []string
	for _, r := range a.Sort(in) {
		got = append(got, r.Country+r.Account.Server)
	}
	assert.Equal(t, []string{"ID3", "ID6", "SG5", "US2", "BR4", "DE1"}, got)
}

func TestTag(t *testing.T) {
	assert.Equal(t, "🇸🇬 DigitalOcean LLC -1", Tag("SG", "DigitalOcean, LLC (AS14061)", 1))
	assert.Equal(t, "❓ - -3", Tag("unknown", "-", 3))
	assert.Equal(t, "🇮🇩 PT Telkom Indonesia -2", Tag("ID", "PT  Telkom   Indonesia", 2))
}

func TestAssembleDeterministicWithoutPool(t *testing.T) {
	in := []*model.TestResult{
		alive("JP", "Linode (Akamai)", "1.1.1.1"),
		alive("ID", "Biznet", "2.2.2.2"),
	}
	first, err := New().Assemble(in, nil)
	require.NoError(t, err)
	second, err := New().Assemble(in, nil)
	require.NoError(t, err)

	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	assert.Equal(t, a, b)
	assert.Equal(t, "🇮🇩 Biznet -1", first[0].Tag())
	assert.Equal(t, "🇯🇵 Linode -2", first[1].Tag())
}

func TestAssembleSubstitutesOnlyClones(t *testing.T) {
	var in []*model.TestResult
	for i := 0; i < 7; i++ {
		in = append(in, alive("SG", "Vultr", "orig.example.com"))
	}
	a := New()
	a.Rand = rand.New(rand.NewSource(42))

	out, err := a.Assemble(in, []string{"x.com", "y.com", "z.com"})
	require.NoError(t, err)

	counts := map[string]int{}
	for i, o := range out {
		counts[o["server"].(string)]++
		assert.Equal(t, "orig.example.com", in[i].Account.Server)
		assert.Equal(t, "orig", in[i].Account.Tag)
	}
	assert.ElementsMatch(t, []int{3, 2, 2}, []int{counts["x.com"], counts["y.com"], counts["z.com"]})

	tls := out[0]["tls"].(map[string]any)
	assert.Equal(t, "sni.orig.example.com", tls["server_name"])
	headers := out[0]["transport"].(map[string]any)["headers"].(map[string]any)
	assert.Equal(t, "host.orig.example.com", headers["Host"])
}

func TestAssembleRejectsEmptyResult(t *testing.T) {
	_, err := New().Assemble([]*model.TestResult{{}}, nil)
	assert.ErrorIs(t, err, ErrResult)
}

func TestFromAccountOmitsLookupAids(t *testing.T) {
	acc := &model.Account{
		Protocol:    model.ProtocolShadowsocks,
		Tag:         "ss",
		Server:      "1.2.3.4",
		Port:        8388,
		Shadowsocks: &model.ShadowsocksCredential{Method: "aes-256-gcm", Password: "pw", Plugin: "v2ray-plugin", PluginOpts: "mux=0;path=/1.2.3.4-443"},
		SSPath:      "/1.2.3.4-443",
	}
	out := FromAccount(acc)
	assert.Equal(t, Outbound{
		"type":        "shadowsocks",
		"tag":         "ss",
		"server":      "1.2.3.4",
		"server_port": 8388,
		"method":      "aes-256-gcm",
		"password":    "pw",
		"plugin":      "v2ray-plugin",
		"plugin_opts": "mux=0;path=/1.2.3.4-443",
	}, out)
}

const jsonTemplate = `{
  "log": {"level": "info"},
  "outbounds": [
    {"type": "selector", "tag": "Internet", "outbounds": ["Best Latency"]},
    {"type": "urltest", "tag": "Best Latency", "outbounds": []},
    {"type": "selector", "tag": "Lock Region ID", "outbounds": []},
    {"type": "trojan", "tag": "old", "server": "old.example.com", "server_port": 443, "password": "pw",
     "tls": {"enabled": true, "server_name": "old.example.com"}, "_comment": "internal"},
    {"type": "direct", "tag": "direct"},
    {"type": "block", "tag": "block"}
  ]
}`

func TestInject(t *testing.T) {
	tpl, err := DecodeTemplate([]byte(jsonTemplate), FormatJSON)
	require.NoError(t, err)

	a := New()
	a.Groups = []string{"Internet", "Lock Region ID"}
	records := []Outbound{{"type": "vless", "tag": "A -1", "_secret": 1}, {"type": "vless", "tag": "B -2"}}
	require.NoError(t, a.Inject(tpl, records))

	list := tpl["outbounds"].([]any)
	require.Len(t, list, 8)

	var tags []string
	for _, item := range list {
		tags = append(tags, item.(map[string]any)["tag"].(string))
	}
	assert.Equal(t, []string{"Internet", "Best Latency", "Lock Region ID", "old", "A -1", "B -2", "direct", "block"}, tags)

	assert.Equal(t, []any{"Best Latency", "A -1", "B -2"}, list[0].(map[string]any)["outbounds"])
	assert.Equal(t, []any{}, list[1].(map[string]any)["outbounds"])
	assert.Equal(t, []any{"A -1", "B -2"}, list[2].(map[string]any)["outbounds"])

	assert.NotContains(t, list[3].(map[string]any), "_comment")
	assert.NotContains(t, list[4].(map[string]any), "_secret")
}

func TestInjectWithoutDirectAppends(t *testing.T) {
	tpl := map[string]any{"outbounds": []any{map[string]any{"type": "block", "tag": "block"}}}
	require.NoError(t, New().Inject(tpl, []Outbound{{"tag": "x"}}))
	list := tpl["outbounds"].([]any)
	assert.Equal(t, "x", list[1].(map[string]any)["tag"])
}

func TestInjectMissingOutbounds(t *testing.T) {
	err := New().Inject(map[string]any{"route": map[string]any{}}, nil)
	assert.ErrorIs(t, err, ErrTemplate)
}

func TestExtractAccounts(t *testing.T) {
	tpl, err := DecodeTemplate([]byte(jsonTemplate), FormatJSON)
	require.NoError(t, err)

	accounts := ExtractAccounts(tpl)
	require.Len(t, accounts, 1)
	acc := accounts[0]
	assert.Equal(t, model.ProtocolTrojan, acc.Protocol)
	assert.Equal(t, "old.example.com", acc.Server)
	assert.Equal(t, 443, acc.Port)
	assert.Equal(t, "pw", acc.Credential())
	assert.True(t, acc.TLS.Enabled)
	assert.Equal(t, "old.example.com", acc.SNI())
}

func TestPruneRemovesTestedOutbounds(t *testing.T) {
	tpl, err := DecodeTemplate([]byte(jsonTemplate), FormatJSON)
	require.NoError(t, err)
	tpl["outbounds"].([]any)[0].(map[string]any)["outbounds"] = []any{"Best Latency", "old"}

	old := ExtractAccounts(tpl)[0]
	assert.Equal(t, 0, Prune(tpl, map[string]bool{"trojan://other:443/pw": true}))
	assert.Equal(t, 1, Prune(tpl, map[string]bool{dedup.Key(old): true}))

	list := tpl["outbounds"].([]any)
	var tags []string
	for _, item := range list {
		tags = append(tags, item.(map[string]any)["tag"].(string))
	}
	assert.Equal(t, []string{"Internet", "Best Latency", "Lock Region ID", "direct", "block"}, tags)
	assert.Equal(t, []any{"Best Latency"}, list[0].(map[string]any)["outbounds"])
	assert.Empty(t, ExtractAccounts(tpl))
}

const yamlTemplate = `
outbounds:
  - type: selector
    tag: Internet
    outbounds: []
  - type: vmess
    tag: kept
    server: 5.6.7.8
    server_port: 8080
    uuid: abc
    security: auto
    alter_id: 0
    transport:
      type: ws
      path: /10.0.0.1-2053
      headers:
        Host: cdn.example.com
  - type: direct
    tag: direct
`

func TestYAMLTemplateRoundTrip(t *testing.T) {
	tpl, err := DecodeTemplate([]byte(yamlTemplate), FormatYAML)
	require.NoError(t, err)

	accounts := ExtractAccounts(tpl)
	require.Len(t, accounts, 1)
	assert.Equal(t, 8080, accounts[0].Port)
	ip, port, ok := accounts[0].EmbeddedIP()
	assert.True(t, ok)
	assert.Equal(t, "10.0.0.1", ip)
	assert.Equal(t, 2053, port)

	require.NoError(t, New().Inject(tpl, []Outbound{{"type": "vless", "tag": "new"}}))

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, tpl, FormatYAML))
	back, err := DecodeTemplate(buf.Bytes(), FormatYAML)
	require.NoError(t, err)
	list := back["outbounds"].([]any)
	require.Len(t, list, 4)
	assert.Equal(t, "new", list[2].(map[string]any)["tag"])
	assert.Equal(t, []any{"new"}, list[0].(map[string]any)["outbounds"])
}

func TestWriteAndLoadTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")
	require.NoError(t, WriteFile(path, map[string]any{"outbounds": []any{}}))

	tpl, err := LoadTemplate(path)
	require.NoError(t, err)
	assert.Equal(t, []any{}, tpl["outbounds"])

	_, err = LoadTemplate(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
	assert.Equal(t, FormatYAML, FormatOf("x.YML"))
}

func TestStripPrivate(t *testing.T) {
	v := map[string]any{
		"_a": 1,
		"b":  map[string]any{"_c": 2, "d": 3},
		"e":  []any{map[string]any{"_f": 4, "g": 5}},
	}
	StripPrivate(v)
	assert.Equal(t, map[string]any{"b": map[string]any{"d": 3}, "e": []any{map[string]any{"g": 5}}}, v)
}
