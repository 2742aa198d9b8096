package currency

import (
	"sort"
	"strings"
)

// UnknownSymbol is rendered for tokens the registry does not recognise.
const UnknownSymbol = "Unknown"

// DefaultDecimals matches the registry's fixed-point convention.
const DefaultDecimals = 18

// Entry maps one token address to its display symbol.
type Entry struct {
	Address  string `json:"address" mapstructure:"address"`
	Symbol   string `json:"symbol" mapstructure:"symbol"`
	Name     string `json:"name,omitempty" mapstructure:"name"`
	Decimals int    `json:"decimals" mapstructure:"decimals"`
}

// Known reports whether the entry came from the registry rather than the fallback.
func (e Entry) Known() bool {
	return e.Symbol != UnknownSymbol
}

// Defaults are the Celo stablecoins accepted by the rental registry.
var Defaults = []Entry{
	{Address: "0xcebA9300f2b948710d2653dD7B07f33A8B32118C", Symbol: "USDC", Name: "USDC", Decimals: 18},
	{Address: "0x765DE816845861e75A25fCA122bb6898B8B1282a", Symbol: "cUSD", Name: "Celo Dollar", Decimals: 18},
	{Address: "0xD8763CBa276a3738E6DE85b4b3bF5FDed6D6cA73", Symbol: "cEUR", Name: "Celo Euro", Decimals: 18},
	{Address: "0xe8537a3d056DA446677B9E9d6c5dB704EaAb4787", Symbol: "cREAL", Name: "Celo Real", Decimals: 18},
	{Address: "0x73F93dcc49cB8A239e2032663e9475dd5ef29A08", Symbol: "eXOF", Name: "Celo XOF", Decimals: 18},
	{Address: "0x456a3D042C0DbD3db53D5489e98dFb038553B0d0", Symbol: "cKES", Name: "Celo KES", Decimals: 18},
}

// Registry is an immutable, case-insensitive address lookup.
type Registry struct {
	byAddress map[string]Entry
	bySymbol  map[string]Entry
	entries   []Entry
}

// NewRegistry copies entries into a registry. Later duplicates win.
func NewRegistry(entries []Entry) *Registry {
	r := &Registry{
		byAddress: make(map[string]Entry, len(entries)),
		bySymbol:  make(map[string]Entry, len(entries)),
	}
	for _, e := range entries {
		if e.Decimals <= 0 {
			e.Decimals = DefaultDecimals
		}
		if e.Name == "" {
			e.Name = e.Symbol
		}
		key := normalize(e.Address)
		if key == "" {
			continue
		}
		r.byAddress[key] = e
		r.bySymbol[strings.ToLower(e.Symbol)] = e
	}
	r.entries = make([]Entry, 0, len(r.byAddress))
	for _, e := range r.byAddress {
		r.entries = append(r.entries, e)
	}
	sort.Slice(r.entries, func(i, j int) bool { return r.entries[i].Symbol < r.entries[j].Symbol })
	return r
}

// Resolve never fails: unknown addresses map to an Unknown entry.
func (r *Registry) Resolve(address string) Entry {
	if e, ok := r.byAddress[normalize(address)]; ok {
		return e
	}
	return Entry{Address: address, Symbol: UnknownSymbol, Name: UnknownSymbol, Decimals: DefaultDecimals}
}

// BySymbol looks a currency up by its display symbol, ignoring case.
func (r *Registry) BySymbol(symbol string) (Entry, bool) {
	e, ok := r.bySymbol[strings.ToLower(strings.TrimSpace(symbol))]
	return e, ok
}

// Entries returns the registered currencies ordered by symbol.
func (r *Registry) Entries() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

func normalize(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
