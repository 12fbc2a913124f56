package assembler

import (
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/fyaix/yahaha/internal/geoip"
	"github.com/fyaix/yahaha/internal/model"
)

var (
	ErrTemplate = errors.New("template has no outbounds array")
	ErrResult   = errors.New("result has no account")

	DefaultPriority = []string{"ID", "SG", "JP", "KR", "US"}
	DefaultGroups   = []string{"Internet", "Best Latency", "Lock Region ID"}
)

const mergeBefore = "direct"

type Assembler struct {
	Priority []string
	Groups   []string
	Rand     *rand.Rand
}

func New() *Assembler {
	return &Assembler{
		Priority: DefaultPriority,
		Groups:   DefaultGroups,
		Rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Assemble turns alive results into outbound records ordered by country
// priority. When pool is non-empty each record's server is replaced by a
// fair share of the pool. Accounts are cloned, so tested values stay intact
// and the emitted SNI and Host are the ones originally parsed.
func (a *Assembler) Assemble(alive []*model.TestResult, pool []string) ([]Outbound, error) {
	for _, r := range alive {
		if r == nil || r.Account == nil {
			return nil, ErrResult
		}
	}

	sorted := a.Sort(alive)
	servers := Assign(len(sorted), pool, a.Rand)

	out := make([]Outbound, 0, len(sorted))
	for i, r := range sorted {
		acc := r.Account.Clone()
		acc.Tag = Tag(r.Country, r.Provider, i+1)
		if servers != nil {
			acc.Server = servers[i]
		}
		out = append(out, FromAccount(acc))
	}
	return out, nil
}

// Sort orders results by the priority list, then alphabetically by country.
// Equal countries keep their input order.
func (a *Assembler) Sort(results []*model.TestResult) []*model.TestResult {
	rank := make(map[string]int, len(a.Priority))
	for i, c := range a.Priority {
		rank[c] = i
	}
	key := func(country string) int {
		if r, ok := rank[country]; ok {
			return r
		}
		return len(a.Priority)
	}

	sorted := append([]*model.TestResult(nil), results...)
	sort.SliceStable(sorted, func(i, j int) bool {
		ci, cj := sorted[i].Country, sorted[j].Country
		ki, kj := key(ci), key(cj)
		if ki != kj {
			return ki < kj
		}
		return ki == len(a.Priority) && ci < cj
	})
	return sorted
}

var (
	parenthetical = regexp.MustCompile(`\(.*?\)`)
	whitespace    = regexp.MustCompile(`\s+`)
)

func CleanProvider(provider string) string {
	p := parenthetical.ReplaceAllString(provider, "")
	p = strings.ReplaceAll(p, ",", "")
	return strings.TrimSpace(whitespace.ReplaceAllString(p, " "))
}

// Tag builds "{flag} {provider} -{ordinal}" with whitespace collapsed.
func Tag(country, provider string, ordinal int) string {
	tag := fmt.Sprintf("%s %s -%d", geoip.Flag(country), CleanProvider(provider), ordinal)
	return strings.TrimSpace(whitespace.ReplaceAllString(tag, " "))
}

// Assign hands out pool entries to n accounts. Every entry gets n/len(pool)
// accounts and the first n%len(pool) entries get one more; the order is then
// shuffled so the extras do not follow input order. Nil when pool is empty.
func Assign(n int, pool []string, rng *rand.Rand) []string {
	if len(pool) == 0 || n <= 0 {
		return nil
	}
	base, extra := n/len(pool), n%len(pool)

	out := make([]string, 0, n)
	for i, server := range pool {
		count := base
		if i < extra {
			count++
		}
		for j := 0; j < count; j++ {
			out = append(out, server)
		}
	}

	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// Inject merges outbounds into a routing template: their tags are appended
// to each configured selector group and the records are inserted before the
// "direct" outbound, or appended when there is none.
func (a *Assembler) Inject(template map[string]any, outbounds []Outbound) error {
	list, ok := template["outbounds"].([]any)
	if !ok {
		return ErrTemplate
	}

	groups := make(map[string]bool, len(a.Groups))
	for _, g := range a.Groups {
		groups[g] = true
	}
	tags := make([]any, 0, len(outbounds))
	records := make([]any, 0, len(outbounds))
	for _, o := range outbounds {
		tags = append(tags, o.Tag())
		records = append(records, StripPrivate(map[string]any(o)))
	}

	at := len(list)
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		tag := str(m["tag"])
		if tag == mergeBefore && at == len(list) {
			at = i
		}
		if str(m["type"]) == "selector" && groups[tag] {
			members, _ := m["outbounds"].([]any)
			m["outbounds"] = append(members, tags...)
		}
	}

	merged := make([]any, 0, len(list)+len(records))
	merged = append(merged, list[:at]...)
	merged = append(merged, records...)
	merged = append(merged, list[at:]...)
	template["outbounds"] = merged

	StripPrivate(template)
	return nil
}

// StripPrivate removes every map key starting with "_", recursively.
func StripPrivate(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if strings.HasPrefix(k, "_") {
				delete(t, k)
				continue
			}
			t[k] = StripPrivate(child)
		}
		return t
	case Outbound:
		return StripPrivate(map[string]any(t))
	case []any:
		for i, child := range t {
			t[i] = StripPrivate(child)
		}
		return t
	}
	return v
}
