package dedup

import (
	"fmt"
	"sync"

	"github.com/fyaix/yahaha/internal/model"
)

type Filter struct {
	seen map[string]struct{}
	mu   sync.Mutex
}

func New() *Filter {
	return &Filter{
		seen: make(map[string]struct{}),
	}
}

// Key identifies an endpoint and the secret used on it.
// Format: "vless://1.2.3.4:443/<uuid>"
// The same address may appear again with another protocol or credential.
func Key(acc *model.Account) string {
	return fmt.Sprintf("%s://%s:%d/%s", acc.Protocol, acc.Server, acc.Port, acc.Credential())
}

// Seen reports whether the account was already recorded, recording it if not.
func (f *Filter) Seen(acc *model.Account) bool {
	key := Key(acc)

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.seen[key]; exists {
		return true
	}
	f.seen[key] = struct{}{}
	return false
}

// Unique drops repeats, keeping the first occurrence in order.
func Unique(accounts []*model.Account) []*model.Account {
	f := New()
	out := make([]*model.Account, 0, len(accounts))
	for _, acc := range accounts {
		if !f.Seen(acc) {
			out = append(out, acc)
		}
	}
	return out
}
