package envelope

import "fmt"

// KeyMeta identifies a specific EnvelopeKeyRecord by its ID and Created
// timestamp — the Metastore's primary key.
type KeyMeta struct {
	ID      string `json:"KeyId"`
	Created int64  `json:"Created"`
}

// IsLatest reports whether m refers to "whatever is newest for ID" rather
// than one specific (ID, Created) pair.
func (m KeyMeta) IsLatest() bool { return m.Created == 0 }

func (m KeyMeta) String() string {
	return fmt.Sprintf("KeyMeta[id=%s created=%d]", m.ID, m.Created)
}

// EnvelopeKeyRecord (EKR) is the persisted form of a System Key or
// Intermediate Key: the AEAD ciphertext of the key material, its creation
// time, and (for IKs) a pointer to the parent key's identity. ParentKeyMeta
// is absent for SKs, whose parent is the KMS master key.
//
// Field order here is cosmetic; encoding stability (which fields are
// present for a given record) is what keeps Metastore lookups reproducible,
// per the canonical-encoding requirement in the data model.
type EnvelopeKeyRecord struct {
	ID            string   `json:"-"`
	Created       int64    `json:"Created"`
	EncryptedKey  []byte   `json:"Key"`
	ParentKeyMeta *KeyMeta `json:"ParentKeyMeta,omitempty"`
	Revoked       bool     `json:"Revoked,omitempty"`
}

// DataRowRecord (DRR) is the per-payload envelope: the AEAD ciphertext of
// the caller's plaintext (wrapped by a Data Row Key that is never
// persisted), plus the DRK's own EnvelopeKeyRecord (wrapped by the
// partition's current Intermediate Key).
type DataRowRecord struct {
	Data []byte
	Key  *EnvelopeKeyRecord
}
