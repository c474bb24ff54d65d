// Package walletspec parses and validates the --wallet CLI flag. An
// alias is unique per process, (alias, pubkey) is immutable once
// resolved, and a mismatch against the store's row for that alias is an
// error, never silently corrected.
package walletspec

import (
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

// Spec is one parsed --wallet entry.
type Spec struct {
	Alias  string
	Pubkey string
	Color  string // optional
}

// ErrInvalidInput marks a malformed or conflicting wallet flag; callers
// never retry it.
var ErrInvalidInput = fmt.Errorf("walletspec: invalid input")

// Parse parses one "alias:pubkey[:color]" flag value.
func Parse(raw string) (Spec, error) {
	parts := strings.Split(raw, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return Spec{}, fmt.Errorf("%w: %q (want alias:pubkey[:color])", ErrInvalidInput, raw)
	}
	alias := strings.TrimSpace(parts[0])
	pubkey := strings.TrimSpace(parts[1])
	if alias == "" {
		return Spec{}, fmt.Errorf("%w: empty alias in %q", ErrInvalidInput, raw)
	}
	if err := validatePubkey(pubkey); err != nil {
		return Spec{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	spec := Spec{Alias: alias, Pubkey: pubkey}
	if len(parts) == 3 {
		spec.Color = strings.TrimSpace(parts[2])
	}
	return spec, nil
}

func validatePubkey(pubkey string) error {
	if len(pubkey) < 32 || len(pubkey) > 44 {
		return fmt.Errorf("pubkey length %d out of range [32,44]", len(pubkey))
	}
	if _, err := base58.Decode(pubkey); err != nil {
		return fmt.Errorf("pubkey not valid base58: %w", err)
	}
	return nil
}

// ParseAll parses every --wallet flag occurrence and enforces per-process
// alias uniqueness.
func ParseAll(raws []string) ([]Spec, error) {
	specs := make([]Spec, 0, len(raws))
	seen := make(map[string]Spec, len(raws))
	for _, raw := range raws {
		spec, err := Parse(raw)
		if err != nil {
			return nil, err
		}
		if existing, ok := seen[spec.Alias]; ok {
			return nil, fmt.Errorf("%w: duplicate alias %q (pubkeys %s, %s)", ErrInvalidInput, spec.Alias, existing.Pubkey, spec.Pubkey)
		}
		seen[spec.Alias] = spec
		specs = append(specs, spec)
	}
	return specs, nil
}

// StoreLookup is the narrow collaborator this package needs from the
// wallet registry to enforce the immutability/mismatch invariant.
type StoreLookup interface {
	// LookupPubkeyByAlias returns the stored pubkey for alias, and
	// whether a row exists.
	LookupPubkeyByAlias(alias string) (pubkey string, found bool, err error)
}

// Resolve validates each parsed spec against the store: a new alias is
// accepted as-is; an existing alias whose stored pubkey disagrees with
// the CLI-supplied one is a hard error (never silently corrected).
func Resolve(specs []Spec, lookup StoreLookup) error {
	for _, spec := range specs {
		storedPubkey, found, err := lookup.LookupPubkeyByAlias(spec.Alias)
		if err != nil {
			return fmt.Errorf("walletspec: resolve %q: %w", spec.Alias, err)
		}
		if found && storedPubkey != spec.Pubkey {
			return fmt.Errorf("%w: alias %q resolves to pubkey %s in the store but %s was supplied",
				ErrInvalidInput, spec.Alias, storedPubkey, spec.Pubkey)
		}
	}
	return nil
}
