// SPDX-License-Identifier: MPL-2.0

package account

// Secrets seals credentials before they hit the persistence substrate and
// opens them on load. The store itself never interprets the sealed form, so
// an encrypted-at-rest implementation can be swapped in without touching the
// store contract.
type Secrets interface {
	Seal(plain string) (string, error)
	Open(sealed string) (string, error)
}

// PlainSecrets stores passwords as-is. The interface keeps the sealing
// boundary in place for a real cipher to slot in later.
type PlainSecrets struct{}

func (PlainSecrets) Seal(plain string) (string, error)  { return plain, nil }
func (PlainSecrets) Open(sealed string) (string, error) { return sealed, nil }
